package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ServerConfig 服务器配置
type ServerConfig struct {
	Host          string        `mapstructure:"host"`           // 监听地址
	Port          int           `mapstructure:"port"`           // 监听端口
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`   // 单次读取超时
	InflightLimit int           `mapstructure:"inflight_limit"` // 单连接在途请求上限
	BodyLimit     int64         `mapstructure:"body_limit"`     // 请求体大小上限（字节）
	Workers       int           `mapstructure:"workers"`        // 工作协程数量
	JWTSecret     string        `mapstructure:"jwt_secret"`     // 登录令牌密钥
}

// Addr 返回监听地址
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Type     string `mapstructure:"type"`      // 数据库类型: mysql, sqlite
	DSN      string `mapstructure:"dsn"`       // 数据源名称
	PoolSize int    `mapstructure:"pool_size"` // 连接池大小
}

// RedisConfig Redis 配置（可选，用于令牌吊销检查）
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SnowflakeConfig ID 生成器配置
type SnowflakeConfig struct {
	ShardID uint64 `mapstructure:"shard_id"` // 进程分片 ID（0-1023）
	Epoch   uint64 `mapstructure:"epoch"`    // 纪元起点（毫秒时间戳）
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	Console bool   `mapstructure:"console"`
	File    string `mapstructure:"file"`
}

// AppConfig 应用配置
type AppConfig struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Snowflake SnowflakeConfig `mapstructure:"snowflake"`
	Log       LogConfig       `mapstructure:"log"`
}

// Manager 配置管理器
type Manager struct {
	viper *viper.Viper
	mu    sync.RWMutex

	app      AppConfig
	onChange func(*AppConfig)
	watching bool
}

// Load 加载配置文件
// path 为空时按默认搜索路径查找 chatd.yaml
func Load(path string) (*Manager, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CHATD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("chatd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./conf")
		v.AddConfigPath("/etc/chatd")
	}

	m := &Manager{viper: v}

	if err := v.ReadInConfig(); err != nil {
		// 配置文件缺失时允许退回默认值 + 环境变量
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&m.app); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return m, nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.inflight_limit", 8)
	v.SetDefault("server.body_limit", 10000)
	v.SetDefault("server.workers", 0) // 0 表示取 CPU 核数
	v.SetDefault("database.type", "mysql")
	v.SetDefault("database.pool_size", 8)
	v.SetDefault("snowflake.shard_id", 0)
	v.SetDefault("snowflake.epoch", 1735689600000) // 2025-01-01 00:00:00 UTC
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.console", true)
}

// App 获取当前配置快照
func (m *Manager) App() AppConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.app
}

// OnChange 注册配置变更回调
func (m *Manager) OnChange(fn func(*AppConfig)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Watch 开始监控配置文件变更
// 如果已经在监控中，则不重复启动
func (m *Manager) Watch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watching {
		return
	}
	m.watching = true

	m.viper.OnConfigChange(func(e fsnotify.Event) {
		var app AppConfig
		if err := m.viper.Unmarshal(&app); err != nil {
			return
		}

		m.mu.Lock()
		m.app = app
		onChange := m.onChange
		m.mu.Unlock()

		if onChange != nil {
			onChange(&app)
		}
	})
	m.viper.WatchConfig()
}

package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 日志配置
type Config struct {
	Level   string        // 日志级别（debug/info/warn/error，默认 info）
	Format  string        // 日志格式（json/console，默认 json）
	Console bool          // 是否输出到控制台
	File    string        // 文件路径（空则不输出到文件）
	Rotate  *RotateConfig // 轮转配置（nil 则不轮转）
	Caller  bool          // 是否记录调用位置
}

// RotateConfig 日志轮转配置
type RotateConfig struct {
	Filename   string // 轮转文件路径
	MaxSize    int    // 单文件最大大小（MB）
	MaxAge     int    // 最大保留天数
	MaxBackups int    // 最大备份数
	Compress   bool   // 是否压缩
}

// setDefaults 设置默认值
func (c *Config) setDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
	if !c.Console && c.File == "" && c.Rotate == nil {
		c.Console = true
	}
}

// Option 配置选项函数
type Option func(*Config)

// WithLevel 设置日志级别
func WithLevel(level string) Option {
	return func(c *Config) {
		c.Level = level
	}
}

// WithFormat 设置日志格式
func WithFormat(format string) Option {
	return func(c *Config) {
		c.Format = format
	}
}

// WithConsole 启用控制台输出
func WithConsole() Option {
	return func(c *Config) {
		c.Console = true
	}
}

// WithFile 启用文件输出
func WithFile(path string) Option {
	return func(c *Config) {
		c.File = path
	}
}

// WithRotate 启用文件轮转输出
func WithRotate(rc *RotateConfig) Option {
	return func(c *Config) {
		c.Rotate = rc
	}
}

// WithCaller 记录调用位置
func WithCaller(enabled bool) Option {
	return func(c *Config) {
		c.Caller = enabled
	}
}

// New 创建 Logger
func New(config *Config) (*zap.Logger, error) {
	if config == nil {
		config = &Config{}
	}
	config.setDefaults()

	encoder := buildEncoder(config)

	writers, err := buildWriters(config)
	if err != nil {
		return nil, err
	}

	level := zapcore.InfoLevel
	if err := level.Set(config.Level); err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), level)

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if config.Caller {
		opts = append(opts, zap.AddCaller())
	}

	return zap.New(core, opts...), nil
}

// NewWithOptions 创建 Logger（使用 Options 模式）
func NewWithOptions(opts ...Option) (*zap.Logger, error) {
	config := &Config{}
	for _, opt := range opts {
		opt(config)
	}
	return New(config)
}

// NewDevelopment 创建开发环境 Logger
func NewDevelopment() *zap.Logger {
	l, _ := NewWithOptions(
		WithLevel("debug"),
		WithFormat("console"),
		WithConsole(),
		WithCaller(true),
	)
	return l
}

// buildEncoder 构建 Encoder
func buildEncoder(config *Config) zapcore.Encoder {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if config.Format == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// buildWriters 构建 WriteSyncer
func buildWriters(config *Config) ([]zapcore.WriteSyncer, error) {
	var writers []zapcore.WriteSyncer

	if config.Console {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}

	if config.File != "" {
		writer, _, err := zap.Open(config.File)
		if err != nil {
			return nil, err
		}
		writers = append(writers, writer)
	}

	if config.Rotate != nil {
		rotateWriter := &lumberjack.Logger{
			Filename:   config.Rotate.Filename,
			MaxSize:    config.Rotate.MaxSize,
			MaxAge:     config.Rotate.MaxAge,
			MaxBackups: config.Rotate.MaxBackups,
			Compress:   config.Rotate.Compress,
		}
		writers = append(writers, zapcore.AddSync(rotateWriter))
	}

	return writers, nil
}

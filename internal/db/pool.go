// Package db 提供有上限的数据库连接池。
//
// 并发占用由计数信号量控制，空闲连接集合由单个互斥锁保护；
// 取出时做健康检查，失效连接当场关闭并同步重建，调用方不会拿到死连接。
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	// ErrPoolClosed 连接池已关闭
	ErrPoolClosed = errors.New("db: pool closed")
	// ErrPoolCorrupted 信号量放行但空闲队列为空
	// 准入计数与空闲队列必须一致，失配属于致命错误而不是静默重试
	ErrPoolCorrupted = errors.New("db: admission granted but free list empty")
	// ErrUnsupportedType 不支持的数据库类型
	ErrUnsupportedType = errors.New("db: unsupported database type")
)

// Config 连接池配置
type Config struct {
	Type        string        // 数据库类型: mysql, sqlite
	DSN         string        // 数据源名称
	PoolSize    int           // 连接数上限（默认 8）
	PingTimeout time.Duration // 健康检查超时（默认 2s）
}

// setDefaults 设置默认值
func (c *Config) setDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 8
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 2 * time.Second
	}
	if c.Type == "" {
		c.Type = "mysql"
	}
}

// Conn 已校验的数据库连接句柄
type Conn struct {
	orm   *gorm.DB
	sqlDB *sql.DB
}

// DB 返回 gorm 句柄
func (c *Conn) DB() *gorm.DB {
	return c.orm
}

// Begin 在句柄上开启事务，调用方负责配对 Commit/Rollback
// 需要保证清理的场景请使用 Pool.WithTx
func (c *Conn) Begin() *gorm.DB {
	return c.orm.Begin()
}

func (c *Conn) ping(ctx context.Context) error {
	return c.sqlDB.PingContext(ctx)
}

func (c *Conn) close() {
	_ = c.sqlDB.Close()
}

// Pool 数据库连接池
type Pool struct {
	cfg    Config
	logger *zap.Logger

	sem *semaphore.Weighted

	mu      sync.Mutex
	free    []*Conn
	deficit int // 重建失败造成的容量缺口，下次取出时补齐
	closed  bool

	open func() (*Conn, error)
}

// Option 配置选项函数
type Option func(*Pool)

// WithOpener 注入连接构造函数，用于测试
func WithOpener(open func() (*Conn, error)) Option {
	return func(p *Pool) {
		p.open = open
	}
}

// NewPool 创建连接池并预建所有连接
func NewPool(cfg Config, logger *zap.Logger, opts ...Option) (*Pool, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		cfg:    cfg,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(cfg.PoolSize)),
	}
	p.open = func() (*Conn, error) {
		return openConn(p.cfg)
	}

	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < cfg.PoolSize; i++ {
		conn, err := p.open()
		if err != nil {
			for _, c := range p.free {
				c.close()
			}
			return nil, fmt.Errorf("db: init pool: %w", err)
		}
		p.free = append(p.free, conn)
	}

	return p, nil
}

// openConn 建立单条底层连接的 gorm 句柄
func openConn(cfg Config) (*Conn, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, cfg.Type)
	}

	orm, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := orm.DB()
	if err != nil {
		return nil, err
	}

	// 句柄固定单条底层连接，健康检查与后续使用命中同一条连接
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	return &Conn{orm: orm, sqlDB: sqlDB}, nil
}

// Acquire 取出一个已校验的连接
// 无空位时阻塞等待，等待可被 ctx 取消
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if !p.sem.TryAcquire(1) {
		// 通过日志判断连接池负载
		p.logger.Warn("sql conn pool is busy, waiting for a free conn")
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}

	conn, err := p.take(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return conn, nil
}

// take 从空闲队列取出并校验
func (p *Pool) take(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if len(p.free) == 0 {
		if p.deficit > 0 {
			p.deficit--
			p.mu.Unlock()

			conn, err := p.open()
			if err != nil {
				p.mu.Lock()
				p.deficit++
				p.mu.Unlock()
				return nil, fmt.Errorf("db: repair deficit: %w", err)
			}
			return conn, nil
		}
		p.mu.Unlock()
		return nil, ErrPoolCorrupted
	}

	conn := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, p.cfg.PingTimeout)
	err := conn.ping(pingCtx)
	cancel()
	if err == nil {
		return conn, nil
	}

	p.logger.Warn("a sql conn is dead, re-initializing a new one", zap.Error(err))
	conn.close()

	fresh, openErr := p.open()
	if openErr != nil {
		p.mu.Lock()
		p.deficit++
		p.mu.Unlock()
		return nil, fmt.Errorf("db: replace dead conn: %w", openErr)
	}
	return fresh, nil
}

// Release 归还连接
// 失效连接不回到空闲队列，而是关闭并同步重建，保持池容量不变
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.close()
		return
	}
	p.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(context.Background(), p.cfg.PingTimeout)
	err := conn.ping(pingCtx)
	cancel()

	if err != nil {
		p.logger.Warn("released conn is invalid, rebuilding", zap.Error(err))
		conn.close()

		fresh, openErr := p.open()
		if openErr != nil {
			p.logger.Error("rebuild sql conn failed, pool capacity deficit recorded", zap.Error(openErr))
			p.mu.Lock()
			p.deficit++
			p.mu.Unlock()
			p.sem.Release(1)
			return
		}
		conn = fresh
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.close()
		return
	}
	p.free = append(p.free, conn)
	p.mu.Unlock()
	p.sem.Release(1)
}

// WithTx 在一个取出的连接上执行事务
// fn 返回错误或 panic 时保证回滚，正常返回时提交
func (p *Pool) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)

	return conn.orm.WithContext(ctx).Transaction(fn)
}

// Size 返回连接数上限
func (p *Pool) Size() int {
	return p.cfg.PoolSize
}

// Close 关闭连接池，释放全部空闲连接
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, c := range p.free {
		c.close()
	}
	p.free = nil
}

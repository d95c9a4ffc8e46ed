package core

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/tokmz/chatd/internal/pool"
)

// Deps 连接层依赖
type Deps struct {
	Handler  RequestHandler
	Messages MessageHandler
	Tokens   TokenVerifier
	Registry *Registry
	Workers  *pool.Pool
	Logger   *zap.Logger
}

// Server TCP 监听器，每条连接起一个 HTTP 会话
type Server struct {
	addr   string
	cfg    SessionConfig
	deps   Deps
	logger *zap.Logger

	ln net.Listener
	wg sync.WaitGroup
}

// NewServer 创建连接层服务
func NewServer(addr string, cfg SessionConfig, deps Deps) *Server {
	cfg.setDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		addr:   addr,
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
}

// Start 开始监听并异步接受连接
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.logger.Info("listening", zap.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Addr 实际监听地址，Start 之后可用
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// acceptLoop 接受循环
func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		sess := newHTTPSession(conn,
			s.cfg,
			s.deps.Handler,
			s.deps.Messages,
			s.deps.Tokens,
			s.deps.Registry,
			s.deps.Workers,
			s.logger)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.serve(ctx)
		}()
	}
}

// Shutdown 停止接受新连接并等待存量会话退出
func (s *Server) Shutdown() {
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.wg.Wait()
}

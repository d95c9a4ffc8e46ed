package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokmz/chatd/internal/model"
	"github.com/tokmz/chatd/internal/pool"
)

var (
	// ErrSessionClosed 会话已关闭
	ErrSessionClosed = errors.New("core: session closed")
	// ErrSendQueueFull 下行队列已满
	// 说明对端消费跟不上，会话会被关闭
	ErrSendQueueFull = errors.New("core: send queue full")
)

// Session 已认证的 WebSocket 会话
//
// 读协程解出消息后交给工作池，写协程独占连接写入；
// 业务协程只通过 Send 的队列与写协程交互。
type Session struct {
	conn     *websocket.Conn
	claims   *model.UserClaims
	cfg      SessionConfig
	registry *Registry
	workers  *pool.Pool
	handler  MessageHandler
	logger   *zap.Logger

	sendCh    chan []byte
	gate      chan struct{} // 在途消息配额，满则暂停读
	done      chan struct{}
	closed    chan struct{} // done 之后资源清理完毕
	closeOnce sync.Once
}

// newSession 创建会话，调用方随后执行 run
func newSession(
	conn *websocket.Conn,
	claims *model.UserClaims,
	cfg SessionConfig,
	registry *Registry,
	workers *pool.Pool,
	handler MessageHandler,
	logger *zap.Logger,
) *Session {
	return &Session{
		conn:     conn,
		claims:   claims,
		cfg:      cfg,
		registry: registry,
		workers:  workers,
		handler:  handler,
		logger: logger.With(
			zap.Uint64("user_id", claims.ID),
			zap.String("username", claims.Username)),
		sendCh: make(chan []byte, cfg.SendQueueSize),
		gate:   make(chan struct{}, cfg.InflightLimit),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// UserID 会话归属的用户 ID
func (s *Session) UserID() uint64 {
	return s.claims.ID
}

// Username 会话归属的用户名
func (s *Session) Username() string {
	return s.claims.Username
}

// Claims 会话的用户身份
func (s *Session) Claims() *model.UserClaims {
	return s.claims
}

// run 登记会话并驱动读写循环，读循环退出后整体关闭
func (s *Session) run(ctx context.Context) {
	s.registry.Register(s)
	s.logger.Info("websocket session started")

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	go s.writePump()
	s.readPump(ctx)

	s.Close()
	<-s.closed
}

// readPump 读循环
// 每条消息占用一个在途配额，配额由消息处理完毕时归还；
// 配额耗尽时停止读取，靠 TCP 反压限制对端
func (s *Session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(s.cfg.BodyLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.readWait()))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.readWait()))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readWait()))

		select {
		case s.gate <- struct{}{}:
		case <-s.done:
			return
		}

		msg := data
		err = s.workers.Submit(func() {
			defer func() { <-s.gate }()
			s.handler.HandleMessage(ctx, s, msg)
		})
		if err != nil {
			<-s.gate
			s.logger.Warn("message dropped, worker pool stopped")
			return
		}
	}
}

// readWait 心跳周期加余量作为读超时
func (s *Session) readWait() time.Duration {
	return s.cfg.PingInterval + s.cfg.PingInterval/2
}

// writePump 写循环，连接上的全部写入都在这里发起
func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	defer close(s.closed)

	for {
		select {
		case msg := <-s.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Warn("websocket write failed", zap.Error(err))
				s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send 投递下行消息，编码为 JSON 后入写队列
// 不阻塞调用方：队列满说明对端消费不动，直接关掉会话
func (s *Session) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.sendCh <- data:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		s.logger.Warn("send queue full, closing slow session")
		s.Close()
		return ErrSendQueueFull
	}
}

// Close 关闭会话并从注册表注销，可重复调用
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.registry.Unregister(s)
		_ = s.conn.Close()
		s.logger.Info("websocket session closed")
	})
}

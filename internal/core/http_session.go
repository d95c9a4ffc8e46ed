package core

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokmz/chatd/internal/pool"
)

// pendingResponse 占位一条在途请求的响应
// 读协程按请求顺序入队，业务协程就绪后填充，写协程按入队顺序写回
type pendingResponse struct {
	ready     chan struct{}
	resp      *Response
	keepAlive bool
}

// httpSession 单条 TCP 连接上的 HTTP 会话
//
// 读协程解请求并派发业务，写协程按序写响应；
// 在途请求达到上限后读协程暂停，直到有响应写完腾出配额。
type httpSession struct {
	conn       net.Conn
	br         *bufio.Reader
	cfg        SessionConfig
	handler    RequestHandler
	msgHandler MessageHandler
	tokens     TokenVerifier
	registry   *Registry
	workers    *pool.Pool
	logger     *zap.Logger

	gate       chan struct{} // 在途请求配额
	writeCh    chan *pendingResponse
	detach     chan struct{} // 通知写协程退出，连接转交 WebSocket
	writerDone chan struct{}
	readerDone chan struct{}
}

// newHTTPSession 创建 HTTP 会话
func newHTTPSession(
	conn net.Conn,
	cfg SessionConfig,
	handler RequestHandler,
	msgHandler MessageHandler,
	tokens TokenVerifier,
	registry *Registry,
	workers *pool.Pool,
	logger *zap.Logger,
) *httpSession {
	return &httpSession{
		conn:       conn,
		br:         bufio.NewReader(conn),
		cfg:        cfg,
		handler:    handler,
		msgHandler: msgHandler,
		tokens:     tokens,
		registry:   registry,
		workers:    workers,
		logger:     logger.With(zap.String("remote", conn.RemoteAddr().String())),
		gate:       make(chan struct{}, cfg.InflightLimit),
		writeCh:    make(chan *pendingResponse, cfg.InflightLimit),
		detach:     make(chan struct{}),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

// serve 驱动会话直到连接关闭或转交 WebSocket
func (s *httpSession) serve(ctx context.Context) {
	// 服务停止时直接关连接，读写协程随之退出
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-s.readerDone:
		}
	}()

	go s.writeLoop()
	s.readLoop(ctx)
}

// readLoop 读协程主循环
// 先占配额再读请求，配额在对应响应写完后归还
func (s *httpSession) readLoop(ctx context.Context) {
	defer close(s.readerDone)

	for {
		select {
		case s.gate <- struct{}{}:
		case <-s.writerDone:
			return
		case <-ctx.Done():
			_ = s.conn.Close()
			return
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		req, err := http.ReadRequest(s.br)
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("http read failed", zap.Error(err))
			}
			_ = s.conn.Close()
			return
		}

		if websocket.IsWebSocketUpgrade(req) {
			s.upgrade(ctx, req)
			return
		}

		body, err := s.readBody(req)
		if err != nil {
			s.respondAndClose(req, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}

		p := &pendingResponse{
			ready:     make(chan struct{}),
			keepAlive: !req.Close,
		}
		s.writeCh <- p

		creq := &Request{
			Method:     req.Method,
			Path:       req.URL.Path,
			Query:      req.URL.Query(),
			Header:     req.Header,
			Body:       body,
			RemoteAddr: s.conn.RemoteAddr().String(),
		}
		if err := s.workers.Submit(func() {
			defer close(p.ready)
			p.resp = s.safeHandle(ctx, creq)
		}); err != nil {
			p.resp = &Response{Status: http.StatusServiceUnavailable, Body: []byte("server shutting down")}
			p.keepAlive = false
			close(p.ready)
		}

		if !p.keepAlive {
			// 最后一条请求，写协程写完会关连接
			return
		}
	}
}

// readBody 读完请求体，超限报错
func (s *httpSession) readBody(req *http.Request) ([]byte, error) {
	defer req.Body.Close()

	body, err := io.ReadAll(io.LimitReader(req.Body, s.cfg.BodyLimit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > s.cfg.BodyLimit {
		return nil, fmt.Errorf("body exceeds %d bytes", s.cfg.BodyLimit)
	}
	return body, nil
}

// safeHandle 执行业务处理，panic 转为 500 响应
func (s *httpSession) safeHandle(ctx context.Context, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("request handler panic",
				zap.String("path", req.Path), zap.Any("recover", r))
			resp = &Response{Status: http.StatusInternalServerError, Body: []byte("internal server error")}
		}
	}()
	return s.handler.HandleRequest(ctx, req)
}

// writeLoop 写协程主循环，响应按请求顺序写回
func (s *httpSession) writeLoop() {
	defer close(s.writerDone)

	for {
		select {
		case p := <-s.writeCh:
			if !s.flush(p) {
				return
			}
		case <-s.detach:
			return
		case <-s.readerDone:
			// 读协程已退出，写完剩余在途响应后关连接
			for {
				select {
				case p := <-s.writeCh:
					if !s.flush(p) {
						return
					}
				default:
					_ = s.conn.Close()
					return
				}
			}
		}
	}
}

// flush 等响应就绪并写回，返回 false 表示会话该结束了
func (s *httpSession) flush(p *pendingResponse) bool {
	<-p.ready

	if err := s.writeResponse(p); err != nil {
		s.logger.Debug("http write failed", zap.Error(err))
		_ = s.conn.Close()
		return false
	}
	<-s.gate

	if !p.keepAlive {
		_ = s.conn.Close()
		return false
	}
	return true
}

// writeResponse 把业务响应按 HTTP/1.1 编码写回连接
func (s *httpSession) writeResponse(p *pendingResponse) error {
	resp := p.resp
	if resp == nil {
		resp = &Response{Status: http.StatusInternalServerError, Body: []byte("internal server error")}
	}

	header := resp.Header
	if header == nil {
		header = make(http.Header)
	}
	if header.Get("Content-Type") == "" && len(resp.Body) > 0 {
		header.Set("Content-Type", "application/json; charset=utf-8")
	}

	hr := &http.Response{
		StatusCode:    resp.Status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Close:         !p.keepAlive,
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return hr.Write(s.conn)
}

// respondAndClose 读协程直接写一条错误响应并关连接
// 只在写协程尚无在途响应时使用（配额已被读协程占满该条请求）
func (s *httpSession) respondAndClose(req *http.Request, status int, msg string) {
	p := &pendingResponse{ready: make(chan struct{}), keepAlive: false}
	p.resp = &Response{Status: status, Body: []byte(msg)}
	close(p.ready)
	s.writeCh <- p
}

// upgrade 把连接升级为 WebSocket 会话
// 升级前先占满全部配额，保证写协程写完所有在途响应并空闲，
// 然后令写协程退出，连接的写权转交给新会话
func (s *httpSession) upgrade(ctx context.Context, req *http.Request) {
	for i := 0; i < s.cfg.InflightLimit-1; i++ {
		select {
		case s.gate <- struct{}{}:
		case <-s.writerDone:
			return
		}
	}

	close(s.detach)
	<-s.writerDone

	claims, err := s.tokens.Verify(ctx, bearerToken(req.Header))
	if err != nil {
		s.logger.Info("websocket upgrade rejected", zap.Error(err))
		s.writeRaw(&Response{Status: http.StatusUnauthorized, Body: []byte("invalid token")})
		_ = s.conn.Close()
		return
	}

	_ = s.conn.SetReadDeadline(time.Time{})
	_ = s.conn.SetWriteDeadline(time.Time{})

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	wsConn, err := upgrader.Upgrade(&hijackWriter{conn: s.conn, br: s.br}, req, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		_ = s.conn.Close()
		return
	}

	sess := newSession(wsConn, claims, s.cfg, s.registry, s.workers, s.msgHandler, s.logger)
	sess.run(ctx)
}

// writeRaw 写协程已退出后由读协程直接写响应
func (s *httpSession) writeRaw(resp *Response) {
	p := &pendingResponse{resp: resp, keepAlive: false}
	_ = s.writeResponse(p)
}

// bearerToken 取出 Authorization 头中的 Bearer 令牌
func bearerToken(h http.Header) string {
	const prefix = "Bearer "
	auth := h.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// hijackWriter 在裸连接上适配 websocket 升级所需的 http.ResponseWriter
type hijackWriter struct {
	conn   net.Conn
	br     *bufio.Reader
	header http.Header
}

func (w *hijackWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}

func (w *hijackWriter) WriteHeader(status int) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	_ = w.header.Write(&buf)
	buf.WriteString("\r\n")
	_, _ = w.conn.Write(buf.Bytes())
}

func (w *hijackWriter) Write(b []byte) (int, error) {
	return w.conn.Write(b)
}

func (w *hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.conn, bufio.NewReadWriter(w.br, bufio.NewWriter(w.conn)), nil
}

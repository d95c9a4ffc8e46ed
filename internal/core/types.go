// Package core 实现连接层：监听循环、HTTP 会话、WebSocket 会话与在线会话注册表。
//
// 每条连接一个读协程加一个写协程，业务逻辑全部移交工作池执行，
// 连接上的写入只由本连接的写协程发起。
package core

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/tokmz/chatd/internal/model"
)

// Request 连接层解出的 HTTP 请求
type Request struct {
	Method     string
	Path       string
	Query      url.Values
	Header     http.Header
	Body       []byte
	RemoteAddr string
}

// BearerToken 取出 Authorization 头中的 Bearer 令牌，没有则为空串
func (r *Request) BearerToken() string {
	return bearerToken(r.Header)
}

// Response 业务层返回的 HTTP 响应
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// RequestHandler 处理普通 HTTP 请求
// 在工作池协程上执行，返回值由会话的写协程按请求顺序写回
type RequestHandler interface {
	HandleRequest(ctx context.Context, req *Request) *Response
}

// MessageHandler 处理 WebSocket 上行消息
// 在工作池协程上执行，下行推送通过 Session.Send 投递
type MessageHandler interface {
	HandleMessage(ctx context.Context, sess *Session, data []byte)
}

// TokenVerifier 校验访问令牌
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*model.UserClaims, error)
}

// MemberStore 房间成员查询，房间扇出前取成员列表用
type MemberStore interface {
	RoomMemberIDs(ctx context.Context, roomID uint64) ([]uint64, error)
}

// SessionConfig 连接层参数
type SessionConfig struct {
	ReadTimeout   time.Duration // 单次读等待上限
	WriteTimeout  time.Duration // 单次写等待上限
	InflightLimit int           // 单连接在途请求上限，达到后暂停读
	BodyLimit     int64         // 请求体字节上限
	PingInterval  time.Duration // WebSocket 心跳间隔
	SendQueueSize int           // WebSocket 下行队列长度
}

// setDefaults 设置默认值
func (c *SessionConfig) setDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.InflightLimit <= 0 {
		c.InflightLimit = 8
	}
	if c.BodyLimit <= 0 {
		c.BodyLimit = 10000
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 64
	}
}

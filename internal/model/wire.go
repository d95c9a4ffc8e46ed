package model

import (
	"encoding/json"
	"strconv"
)

// ID 以十进制字符串传输的 64 位 ID
// JSON 的数字精度不足以安全携带 64 位整数
type ID uint64

// MarshalJSON 实现 json.Marshaler
func (i ID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatUint(uint64(i), 10))), nil
}

// UnmarshalJSON 实现 json.Unmarshaler
func (i *ID) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	*i = ID(v)
	return nil
}

// String 十进制字符串形式
func (i ID) String() string {
	return strconv.FormatUint(uint64(i), 10)
}

// UserClaims 已认证用户身份，贯穿请求处理与 WebSocket 会话
type UserClaims struct {
	ID       uint64
	Username string
}

// LoginRequest 登录请求
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse 登录响应
type LoginResponse struct {
	Token string   `json:"token"`
	User  UserInfo `json:"user"`
}

// RegisterRequest 注册请求
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Nickname string `json:"nickname"`
}

// UserInfo 对外的用户信息
type UserInfo struct {
	ID       ID     `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
}

// CreateGroupRoomRequest 创建群聊请求
type CreateGroupRoomRequest struct {
	Name      string `json:"name"`
	MemberIDs []ID   `json:"member_ids"`
}

// CreatePrivateRoomRequest 创建（或获取）私聊请求
type CreatePrivateRoomRequest struct {
	PeerID ID `json:"peer_id"`
}

// CreateRoomResponse 建房响应
type CreateRoomResponse struct {
	RoomID ID     `json:"room_id"`
	Name   string `json:"name"`
	Type   int    `json:"type"`
}

// WebSocket 消息类型
const (
	// 客户端上行
	MsgTypePrivate = "private_message"
	MsgTypeGroup   = "group_message"

	// 服务端下行
	MsgTypeSent  = "message_sent"
	MsgTypeError = "error"
)

// ClientEnvelope 客户端上行消息信封
// data 延迟解码，按 type 分发
type ClientEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ClientPrivateMessage 私聊消息载荷
type ClientPrivateMessage struct {
	ToID    ID     `json:"to_id"`
	Content string `json:"content"`
}

// ClientGroupMessage 群聊消息载荷
type ClientGroupMessage struct {
	RoomID  ID     `json:"room_id"`
	Content string `json:"content"`
}

// ServerEnvelope 服务端下行消息信封
type ServerEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// MessagePush 下行消息载荷，私聊与群聊共用
type MessagePush struct {
	MessageID  ID     `json:"message_id"`
	RoomID     ID     `json:"room_id"`
	FromID     ID     `json:"from_id"`
	FromName   string `json:"from_name"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
}

// MessageSentAck 发送回执载荷
type MessageSentAck struct {
	MessageID ID `json:"message_id"`
	RoomID    ID `json:"room_id"`
}

// ErrorPush 下行错误载荷
type ErrorPush struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

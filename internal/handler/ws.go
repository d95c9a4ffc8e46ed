package handler

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/tokmz/chatd/internal/core"
	"github.com/tokmz/chatd/internal/errors"
	"github.com/tokmz/chatd/internal/model"
	"github.com/tokmz/chatd/internal/store"
)

// sender 消息来源会话，投递回执与错误都走它
type sender interface {
	UserID() uint64
	Username() string
	Send(v any) error
}

// deliverer 下行扇出
type deliverer interface {
	DeliverToUser(userID uint64, v any) bool
	DeliverToRoomMembers(ctx context.Context, members core.MemberStore, roomID, exclude uint64, v any) (int, error)
}

// Chat WebSocket 消息处理器
type Chat struct {
	store    *store.Store
	registry deliverer
	logger   *zap.Logger
}

// NewChat 创建消息处理器
func NewChat(st *store.Store, registry *core.Registry, logger *zap.Logger) *Chat {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chat{store: st, registry: registry, logger: logger}
}

// HandleMessage 实现 core.MessageHandler，按消息类型分发
func (c *Chat) HandleMessage(ctx context.Context, sess *core.Session, data []byte) {
	c.handle(ctx, sess, data)
}

func (c *Chat) handle(ctx context.Context, s sender, data []byte) {
	var env model.ClientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("malformed client message",
			zap.Uint64("user_id", s.UserID()), zap.Error(err))
		c.sendError(s, errors.ErrBadRequest.WithMessage("malformed message"))
		return
	}

	switch env.Type {
	case model.MsgTypePrivate:
		c.handlePrivate(ctx, s, env.Data)
	case model.MsgTypeGroup:
		c.handleGroup(ctx, s, env.Data)
	default:
		c.logger.Warn("unknown message type",
			zap.Uint64("user_id", s.UserID()), zap.String("type", env.Type))
		c.sendError(s, errors.ErrBadRequest.WithMessage("unknown message type"))
	}
}

// handlePrivate 私聊：找到（或建出）两人房间，落库后推给对端
func (c *Chat) handlePrivate(ctx context.Context, s sender, data json.RawMessage) {
	var in model.ClientPrivateMessage
	if err := json.Unmarshal(data, &in); err != nil {
		c.sendError(s, errors.ErrBadRequest.WithMessage("malformed payload"))
		return
	}
	if in.Content == "" || uint64(in.ToID) == 0 || uint64(in.ToID) == s.UserID() {
		c.sendError(s, errors.ErrBadRequest.WithMessage("invalid recipient or empty content"))
		return
	}

	room, err := c.store.GetOrCreatePrivateRoom(ctx, s.UserID(), uint64(in.ToID))
	if err != nil {
		c.fail(s, "open private room", err)
		return
	}

	msg, err := c.store.SaveMessage(ctx, room.ID, s.UserID(), in.Content)
	if err != nil {
		c.fail(s, "save private message", err)
		return
	}

	push := model.MessagePush{
		MessageID: model.ID(msg.ID),
		RoomID:    model.ID(room.ID),
		FromID:    model.ID(s.UserID()),
		FromName:  s.Username(),
		Content:   in.Content,
		Timestamp: msg.CreatedAt.UnixMilli(),
	}
	c.registry.DeliverToUser(uint64(in.ToID), model.ServerEnvelope{Type: model.MsgTypePrivate, Data: push})

	c.ack(s, msg.ID, room.ID)
}

// handleGroup 群聊：校验成员身份，落库后向房间扇出
func (c *Chat) handleGroup(ctx context.Context, s sender, data json.RawMessage) {
	var in model.ClientGroupMessage
	if err := json.Unmarshal(data, &in); err != nil {
		c.sendError(s, errors.ErrBadRequest.WithMessage("malformed payload"))
		return
	}
	if in.Content == "" || uint64(in.RoomID) == 0 {
		c.sendError(s, errors.ErrBadRequest.WithMessage("invalid room or empty content"))
		return
	}

	member, err := c.store.IsRoomMember(ctx, uint64(in.RoomID), s.UserID())
	if err != nil {
		c.fail(s, "check membership", err)
		return
	}
	if !member {
		c.sendError(s, errors.ErrUnauthorized.WithMessage("not a room member"))
		return
	}

	msg, err := c.store.SaveMessage(ctx, uint64(in.RoomID), s.UserID(), in.Content)
	if err != nil {
		c.fail(s, "save group message", err)
		return
	}

	push := model.MessagePush{
		MessageID: model.ID(msg.ID),
		RoomID:    in.RoomID,
		FromID:    model.ID(s.UserID()),
		FromName:  s.Username(),
		Content:   in.Content,
		Timestamp: msg.CreatedAt.UnixMilli(),
	}
	_, err = c.registry.DeliverToRoomMembers(ctx, c.store, uint64(in.RoomID), s.UserID(),
		model.ServerEnvelope{Type: model.MsgTypeGroup, Data: push})
	if err != nil {
		c.fail(s, "fan out group message", err)
		return
	}

	c.ack(s, msg.ID, uint64(in.RoomID))
}

// ack 给发送方回执
func (c *Chat) ack(s sender, msgID, roomID uint64) {
	_ = s.Send(model.ServerEnvelope{
		Type: model.MsgTypeSent,
		Data: model.MessageSentAck{MessageID: model.ID(msgID), RoomID: model.ID(roomID)},
	})
}

// fail 记日志并把业务错误推回发送方
func (c *Chat) fail(s sender, op string, err error) {
	c.logger.Error(op+" failed", zap.Uint64("user_id", s.UserID()), zap.Error(err))
	c.sendError(s, err)
}

// sendError 下行错误消息
func (c *Chat) sendError(s sender, err error) {
	e := errors.ErrServer
	var be *errors.Error
	if errors.As(err, &be) {
		e = be
	}
	_ = s.Send(model.ServerEnvelope{
		Type: model.MsgTypeError,
		Data: model.ErrorPush{Code: e.Code, Message: e.Message},
	})
}

// Package handler 实现业务层：HTTP 接口与 WebSocket 消息处理。
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/tokmz/chatd/internal/auth"
	"github.com/tokmz/chatd/internal/core"
	"github.com/tokmz/chatd/internal/errors"
	"github.com/tokmz/chatd/internal/model"
	"github.com/tokmz/chatd/internal/store"
)

// envelope 统一响应包
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// API HTTP 接口
type API struct {
	store  *store.Store
	tokens *auth.TokenManager
	logger *zap.Logger
}

// NewAPI 创建 HTTP 接口
func NewAPI(st *store.Store, tokens *auth.TokenManager, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{store: st, tokens: tokens, logger: logger}
}

// HandleRequest 实现 core.RequestHandler，按方法加路径分发
func (a *API) HandleRequest(ctx context.Context, req *core.Request) *core.Response {
	switch {
	case req.Method == http.MethodPost && req.Path == "/register":
		return a.register(ctx, req)
	case req.Method == http.MethodPost && req.Path == "/login":
		return a.login(ctx, req)
	case req.Method == http.MethodPost && req.Path == "/logout":
		return a.authed(ctx, req, a.logout)
	case req.Method == http.MethodPost && req.Path == "/rooms/group":
		return a.authed(ctx, req, a.createGroupRoom)
	case req.Method == http.MethodPost && req.Path == "/rooms/private":
		return a.authed(ctx, req, a.createPrivateRoom)
	case req.Method == http.MethodGet && req.Path == "/messages":
		return a.authed(ctx, req, a.recentMessages)
	default:
		return fail(errors.ErrNotFound)
	}
}

// authed 校验令牌后再进业务
func (a *API) authed(
	ctx context.Context,
	req *core.Request,
	fn func(ctx context.Context, claims *model.UserClaims, req *core.Request) *core.Response,
) *core.Response {
	claims, err := a.tokens.Verify(ctx, req.BearerToken())
	if err != nil {
		return fail(errors.ErrUnauthorized)
	}
	return fn(ctx, claims, req)
}

// register 用户注册
func (a *API) register(ctx context.Context, req *core.Request) *core.Response {
	var in model.RegisterRequest
	if err := json.Unmarshal(req.Body, &in); err != nil {
		return fail(errors.ErrBadRequest)
	}
	if in.Username == "" || in.Password == "" {
		return fail(errors.ErrBadRequest.WithMessage("username and password required"))
	}

	hashed, err := auth.HashPassword(in.Password)
	if err != nil {
		a.logger.Error("hash password failed", zap.Error(err))
		return fail(errors.ErrServer)
	}

	user, err := a.store.CreateUser(ctx, in.Username, hashed, in.Nickname)
	if err != nil {
		return fail(err)
	}

	a.logger.Info("user registered", zap.Uint64("user_id", user.ID), zap.String("username", user.Username))
	return ok(userInfo(user))
}

// login 用户登录，通过后签发令牌
func (a *API) login(ctx context.Context, req *core.Request) *core.Response {
	var in model.LoginRequest
	if err := json.Unmarshal(req.Body, &in); err != nil {
		return fail(errors.ErrBadRequest)
	}

	user, err := a.store.FindUserByUsername(ctx, in.Username)
	if err != nil {
		// 不区分用户不存在与密码错误
		if errors.Is(err, errors.ErrUserNotFound) {
			return fail(errors.ErrIncorrectPwd)
		}
		return fail(err)
	}

	match, err := auth.VerifyPassword(in.Password, user.Password)
	if err != nil {
		a.logger.Error("verify password failed", zap.Error(err))
		return fail(errors.ErrServer)
	}
	if !match {
		return fail(errors.ErrIncorrectPwd)
	}

	token, err := a.tokens.Issue(user)
	if err != nil {
		a.logger.Error("issue token failed", zap.Error(err))
		return fail(errors.ErrServer)
	}

	a.logger.Info("user logged in", zap.Uint64("user_id", user.ID))
	return ok(model.LoginResponse{Token: token, User: userInfo(user)})
}

// logout 吊销当前令牌
func (a *API) logout(ctx context.Context, claims *model.UserClaims, req *core.Request) *core.Response {
	if err := a.tokens.Revoke(ctx, req.BearerToken()); err != nil {
		a.logger.Error("revoke token failed", zap.Uint64("user_id", claims.ID), zap.Error(err))
		return fail(errors.ErrServer)
	}
	return ok(nil)
}

// createGroupRoom 创建群聊
func (a *API) createGroupRoom(ctx context.Context, claims *model.UserClaims, req *core.Request) *core.Response {
	var in model.CreateGroupRoomRequest
	if err := json.Unmarshal(req.Body, &in); err != nil {
		return fail(errors.ErrBadRequest)
	}
	if in.Name == "" {
		return fail(errors.ErrBadRequest.WithMessage("room name required"))
	}

	memberIDs := make([]uint64, 0, len(in.MemberIDs))
	for _, id := range in.MemberIDs {
		memberIDs = append(memberIDs, uint64(id))
	}

	room, err := a.store.CreateGroupRoom(ctx, claims.ID, in.Name, memberIDs)
	if err != nil {
		return fail(err)
	}

	a.logger.Info("group room created",
		zap.Uint64("room_id", room.ID), zap.Uint64("owner_id", claims.ID))
	return ok(model.CreateRoomResponse{RoomID: model.ID(room.ID), Name: room.Name, Type: room.Type})
}

// createPrivateRoom 获取或创建私聊
func (a *API) createPrivateRoom(ctx context.Context, claims *model.UserClaims, req *core.Request) *core.Response {
	var in model.CreatePrivateRoomRequest
	if err := json.Unmarshal(req.Body, &in); err != nil {
		return fail(errors.ErrBadRequest)
	}
	if uint64(in.PeerID) == 0 || uint64(in.PeerID) == claims.ID {
		return fail(errors.ErrBadRequest.WithMessage("invalid peer"))
	}

	if _, err := a.store.FindUserByID(ctx, uint64(in.PeerID)); err != nil {
		return fail(err)
	}

	room, err := a.store.GetOrCreatePrivateRoom(ctx, claims.ID, uint64(in.PeerID))
	if err != nil {
		return fail(err)
	}
	return ok(model.CreateRoomResponse{RoomID: model.ID(room.ID), Name: room.Name, Type: room.Type})
}

// recentMessages 拉取房间最近消息，仅限成员
func (a *API) recentMessages(ctx context.Context, claims *model.UserClaims, req *core.Request) *core.Response {
	roomID, err := strconv.ParseUint(req.Query.Get("room_id"), 10, 64)
	if err != nil {
		return fail(errors.ErrBadRequest.WithMessage("invalid room_id"))
	}
	limit, _ := strconv.Atoi(req.Query.Get("limit"))

	member, err := a.store.IsRoomMember(ctx, roomID, claims.ID)
	if err != nil {
		return fail(err)
	}
	if !member {
		return fail(errors.ErrUnauthorized.WithMessage("not a room member"))
	}

	msgs, err := a.store.RecentMessages(ctx, roomID, limit)
	if err != nil {
		return fail(err)
	}

	out := make([]model.MessagePush, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, model.MessagePush{
			MessageID: model.ID(m.ID),
			RoomID:    model.ID(m.RoomID),
			FromID:    model.ID(m.SenderID),
			Content:   m.Content,
			Timestamp: m.CreatedAt.UnixMilli(),
		})
	}
	return ok(out)
}

// userInfo 裁剪对外的用户信息
func userInfo(u *model.User) model.UserInfo {
	return model.UserInfo{ID: model.ID(u.ID), Username: u.Username, Nickname: u.Nickname}
}

// ok 成功响应
func ok(data any) *core.Response {
	body, _ := json.Marshal(envelope{Code: errors.CodeSuccess, Message: "ok", Data: data})
	return &core.Response{Status: http.StatusOK, Body: body}
}

// fail 错误响应，业务错误带业务码，其余一律按服务器错误处理
func fail(err error) *core.Response {
	e := errors.ErrServer
	var be *errors.Error
	if errors.As(err, &be) {
		e = be
	}

	status := e.HttpCode
	if status == 0 {
		status = http.StatusOK
	}

	body, _ := json.Marshal(envelope{Code: e.Code, Message: e.Message})
	return &core.Response{Status: status, Body: body}
}

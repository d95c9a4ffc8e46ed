package core

import (
	"context"
	"sync"
	"weak"

	"go.uber.org/zap"
)

// Registry 在线会话注册表，按用户 ID 索引
//
// 表项持弱指针，注册表不延长会话的生命周期；
// 会话关闭时主动注销，弱指针只兜底清理漏网的表项。
type Registry struct {
	mu       sync.Mutex
	sessions map[uint64]weak.Pointer[Session]
	logger   *zap.Logger
}

// NewRegistry 创建注册表
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[uint64]weak.Pointer[Session]),
		logger:   logger,
	}
}

// Register 登记会话，同一用户重复登录时新会话顶替旧表项
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	r.sessions[s.UserID()] = weak.Make(s)
	r.mu.Unlock()

	r.logger.Info("session registered",
		zap.Uint64("user_id", s.UserID()),
		zap.String("username", s.Username()))
}

// Unregister 注销会话
// 仅当表项仍指向该会话时移除，不会误删顶替者；重复调用安全
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	if ptr, ok := r.sessions[s.UserID()]; ok && ptr.Value() == s {
		delete(r.sessions, s.UserID())
	}
	r.mu.Unlock()
}

// Get 查找用户的在线会话，不在线返回 nil
// 弱指针已失效的表项顺手清掉
func (r *Registry) Get(userID uint64) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	ptr, ok := r.sessions[userID]
	if !ok {
		return nil
	}
	s := ptr.Value()
	if s == nil {
		delete(r.sessions, userID)
		return nil
	}
	return s
}

// Count 当前表项数量，含可能已失效的弱指针
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// DeliverToUser 向单个用户投递下行消息
// 用户不在线时丢弃并返回 false，离线投递不在连接层处理
func (r *Registry) DeliverToUser(userID uint64, v any) bool {
	s := r.Get(userID)
	if s == nil {
		r.logger.Debug("deliver skipped, user offline", zap.Uint64("user_id", userID))
		return false
	}

	if err := s.Send(v); err != nil {
		r.logger.Warn("deliver to user failed",
			zap.Uint64("user_id", userID), zap.Error(err))
		return false
	}
	return true
}

// DeliverToRoom 向成员列表扇出下行消息，跳过 exclude
// 逐个投递互不影响
func (r *Registry) DeliverToRoom(memberIDs []uint64, exclude uint64, v any) int {
	delivered := 0
	for _, uid := range memberIDs {
		if uid == exclude {
			continue
		}
		if r.DeliverToUser(uid, v) {
			delivered++
		}
	}
	return delivered
}

// DeliverToRoomMembers 取房间成员后扇出
// 成员查询在注册表锁外进行，不会阻塞其他投递
func (r *Registry) DeliverToRoomMembers(ctx context.Context, members MemberStore, roomID, exclude uint64, v any) (int, error) {
	ids, err := members.RoomMemberIDs(ctx, roomID)
	if err != nil {
		return 0, err
	}
	return r.DeliverToRoom(ids, exclude, v), nil
}

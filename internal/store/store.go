// Package store 封装聊天数据的持久化操作。
//
// 所有查询都经由连接池取还句柄，跨表写入走事务。
package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tokmz/chatd/internal/db"
	"github.com/tokmz/chatd/internal/errors"
	"github.com/tokmz/chatd/internal/model"
	"github.com/tokmz/chatd/internal/snowflake"
)

// Store 数据访问层
type Store struct {
	pool   *db.Pool
	ids    *snowflake.Generator
	logger *zap.Logger
}

// New 创建数据访问层
func New(pool *db.Pool, ids *snowflake.Generator, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, ids: ids, logger: logger}
}

// AutoMigrate 建表
func (s *Store) AutoMigrate(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(conn)

	return conn.DB().WithContext(ctx).AutoMigrate(
		&model.User{},
		&model.Room{},
		&model.RoomMember{},
		&model.Message{},
	)
}

// CreateUser 创建用户
// 用户名已存在时返回注册失败
func (s *Store) CreateUser(ctx context.Context, username, hashedPassword, nickname string) (*model.User, error) {
	id, err := s.ids.NextID()
	if err != nil {
		return nil, err
	}

	user := &model.User{
		ID:       id,
		Username: username,
		Password: hashedPassword,
		Nickname: nickname,
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(conn)

	tx := conn.DB().WithContext(ctx)

	var count int64
	if err := tx.Model(&model.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, errors.ErrServer.WithError(err)
	}
	if count > 0 {
		return nil, errors.ErrRegFailed.WithMessage("username already taken")
	}

	if err := tx.Create(user).Error; err != nil {
		return nil, errors.ErrRegFailed.WithError(err)
	}
	return user, nil
}

// FindUserByUsername 按用户名查找用户
func (s *Store) FindUserByUsername(ctx context.Context, username string) (*model.User, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(conn)

	var user model.User
	err = conn.DB().WithContext(ctx).Where("username = ?", username).First(&user).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrUserNotFound
		}
		return nil, errors.ErrServer.WithError(err)
	}
	return &user, nil
}

// FindUserByID 按 ID 查找用户
func (s *Store) FindUserByID(ctx context.Context, id uint64) (*model.User, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(conn)

	var user model.User
	err = conn.DB().WithContext(ctx).Where("id = ?", id).First(&user).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrUserNotFound
		}
		return nil, errors.ErrServer.WithError(err)
	}
	return &user, nil
}

// CreateGroupRoom 创建群聊房间
// 房间与成员在同一事务内落库，创建者为群主
func (s *Store) CreateGroupRoom(ctx context.Context, ownerID uint64, name string, memberIDs []uint64) (*model.Room, error) {
	roomID, err := s.ids.NextID()
	if err != nil {
		return nil, err
	}

	room := &model.Room{
		ID:      roomID,
		Name:    name,
		Type:    model.RoomTypeGroup,
		OwnerID: ownerID,
	}

	members := make([]*model.RoomMember, 0, len(memberIDs)+1)
	seen := map[uint64]struct{}{ownerID: {}}

	ownerMemberID, err := s.ids.NextID()
	if err != nil {
		return nil, err
	}
	members = append(members, &model.RoomMember{
		ID:     ownerMemberID,
		RoomID: roomID,
		UserID: ownerID,
		Role:   model.RoleOwner,
	})

	for _, uid := range memberIDs {
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}

		memberID, err := s.ids.NextID()
		if err != nil {
			return nil, err
		}
		members = append(members, &model.RoomMember{
			ID:     memberID,
			RoomID: roomID,
			UserID: uid,
			Role:   model.RoleMember,
		})
	}

	err = s.pool.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		return tx.Create(members).Error
	})
	if err != nil {
		return nil, errors.ErrCreateRoomFailed.WithError(err)
	}
	return room, nil
}

// GetOrCreatePrivateRoom 获取两人之间的私聊房间，不存在则创建
// 成员对的去重键带唯一索引，并发建房撞车的一方回退到查询
func (s *Store) GetOrCreatePrivateRoom(ctx context.Context, userA, userB uint64) (*model.Room, error) {
	pairKey := privatePairKey(userA, userB)

	if existing, err := s.findPrivateRoom(ctx, pairKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	roomID, err := s.ids.NextID()
	if err != nil {
		return nil, err
	}
	memberIDA, err := s.ids.NextID()
	if err != nil {
		return nil, err
	}
	memberIDB, err := s.ids.NextID()
	if err != nil {
		return nil, err
	}

	room := &model.Room{
		ID:      roomID,
		Type:    model.RoomTypePrivate,
		PairKey: &pairKey,
	}

	err = s.pool.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		return tx.Create([]*model.RoomMember{
			{ID: memberIDA, RoomID: roomID, UserID: userA, Role: model.RoleMember},
			{ID: memberIDB, RoomID: roomID, UserID: userB, Role: model.RoleMember},
		}).Error
	})
	if err != nil {
		if existing, findErr := s.findPrivateRoom(ctx, pairKey); findErr == nil && existing != nil {
			return existing, nil
		}
		return nil, errors.ErrCreateRoomFailed.WithError(err)
	}
	return room, nil
}

// privatePairKey 成员对去重键，与顺序无关
func privatePairKey(userA, userB uint64) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return fmt.Sprintf("%d:%d", userA, userB)
}

// findPrivateRoom 按去重键查找私聊房间
func (s *Store) findPrivateRoom(ctx context.Context, pairKey string) (*model.Room, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(conn)

	var room model.Room
	err = conn.DB().WithContext(ctx).Where("pair_key = ?", pairKey).First(&room).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.ErrServer.WithError(err)
	}
	return &room, nil
}

// RoomMemberIDs 返回房间全部成员的用户 ID
func (s *Store) RoomMemberIDs(ctx context.Context, roomID uint64) ([]uint64, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(conn)

	var ids []uint64
	err = conn.DB().WithContext(ctx).
		Model(&model.RoomMember{}).
		Where("room_id = ?", roomID).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, errors.ErrServer.WithError(err)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// IsRoomMember 判断用户是否在房间内
func (s *Store) IsRoomMember(ctx context.Context, roomID, userID uint64) (bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Release(conn)

	var count int64
	err = conn.DB().WithContext(ctx).
		Model(&model.RoomMember{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error
	if err != nil {
		return false, errors.ErrServer.WithError(err)
	}
	return count > 0, nil
}

// SaveMessage 落库消息并推进房间的最新消息指针
func (s *Store) SaveMessage(ctx context.Context, roomID, senderID uint64, content string) (*model.Message, error) {
	msgID, err := s.ids.NextID()
	if err != nil {
		return nil, err
	}

	msg := &model.Message{
		ID:       msgID,
		RoomID:   roomID,
		SenderID: senderID,
		Content:  content,
	}

	err = s.pool.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&model.Room{}).
			Where("id = ?", roomID).
			Update("last_message_id", msgID).Error
	})
	if err != nil {
		return nil, errors.ErrServer.WithError(err)
	}
	return msg, nil
}

// RecentMessages 按时间倒序拉取房间最近的消息
func (s *Store) RecentMessages(ctx context.Context, roomID uint64, limit int) ([]model.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(conn)

	var msgs []model.Message
	err = conn.DB().WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, errors.ErrServer.WithError(err)
	}
	return msgs, nil
}

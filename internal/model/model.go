// Package model 定义数据库模型与协议结构。
package model

import "time"

// 房间类型
const (
	RoomTypeGroup   = 1 // 群聊
	RoomTypePrivate = 2 // 私聊
)

// 房间成员角色
const (
	RoleOwner  = 1 // 群主
	RoleAdmin  = 2 // 管理员
	RoleMember = 3 // 普通成员
)

// User 用户表
type User struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Username  string    `gorm:"size:64;uniqueIndex;not null" json:"username"`
	Password  string    `gorm:"size:256;not null" json:"-"`
	Nickname  string    `gorm:"size:64" json:"nickname"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 表名
func (User) TableName() string {
	return "users"
}

// Room 会话房间表，群聊与私聊共用
type Room struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Name          string    `gorm:"size:128" json:"name"`
	Type          int       `gorm:"not null;index" json:"type"`
	OwnerID       uint64    `gorm:"index" json:"owner_id"`
	PairKey       *string   `gorm:"size:64;uniqueIndex" json:"-"` // 私聊成员对去重键，群聊为 NULL
	LastMessageID uint64    `json:"last_message_id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName 表名
func (Room) TableName() string {
	return "rooms"
}

// RoomMember 房间成员表
type RoomMember struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement:false" json:"id"`
	RoomID    uint64    `gorm:"index:idx_room_user,unique;not null" json:"room_id"`
	UserID    uint64    `gorm:"index:idx_room_user,unique;index;not null" json:"user_id"`
	Role      int       `gorm:"not null" json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName 表名
func (RoomMember) TableName() string {
	return "room_members"
}

// Message 消息表
type Message struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement:false" json:"id"`
	RoomID    uint64    `gorm:"index;not null" json:"room_id"`
	SenderID  uint64    `gorm:"index;not null" json:"sender_id"`
	Content   string    `gorm:"type:text" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName 表名
func (Message) TableName() string {
	return "messages"
}

// Package store 定义持久化接口，memory 与 postgres 两种实现共用同一契约。
package store

import (
	"context"
	"errors"
	"time"

	"sudooom.im.chat/internal/model"
)

var (
	ErrNotFound  = errors.New("store: record not found")
	ErrDuplicate = errors.New("store: duplicate record")
	ErrConflict  = errors.New("store: concurrent update conflict")
)

// ConversationMutator 在原子读改写中修改会话，返回错误则放弃写入
type ConversationMutator func(conv *model.Conversation) error

// MessageMutator 在原子读改写中修改消息，返回错误则放弃写入
type MessageMutator func(msg *model.Message) error

// UserStore 用户存储
type UserStore interface {
	CreateUser(ctx context.Context, user *model.User) error
	FindUser(ctx context.Context, id int64) (*model.User, error)
	// FindUserPublic 不返回密码哈希
	FindUserPublic(ctx context.Context, id int64) (*model.User, error)
	FindUserByEmail(ctx context.Context, email string) (*model.User, error)
	UpdatePresence(ctx context.Context, id int64, online bool, lastSeen time.Time) error
	UpdateStatus(ctx context.Context, id int64, status model.UserStatus) error
	UpdateProfile(ctx context.Context, id int64, displayName, avatar string) error
	// SetBlocked 同时写入双方的屏蔽记录
	SetBlocked(ctx context.Context, userID, targetID int64, blocked bool) error
	ListOnlineUserIds(ctx context.Context) ([]int64, error)
}

// ConversationStore 会话存储
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *model.Conversation) error
	FindConversation(ctx context.Context, id int64) (*model.Conversation, error)
	// ListConversationsForUser 返回用户活跃且未删除的会话，按最后消息时间倒序
	ListConversationsForUser(ctx context.Context, userID int64) ([]*model.Conversation, error)
	FindDirectConversation(ctx context.Context, userA, userB int64) (*model.Conversation, error)
	UpdateConversation(ctx context.Context, id int64, fn ConversationMutator) (*model.Conversation, error)
	// DeleteConversation 同时删除会话下的所有消息
	DeleteConversation(ctx context.Context, id int64) error
}

// MessageStore 消息存储
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *model.Message) error
	// CreateMessages 批量写入，全部成功或全部失败
	CreateMessages(ctx context.Context, msgs []*model.Message) error
	FindMessage(ctx context.Context, id int64) (*model.Message, error)
	// ListMessages 返回 before 之前的消息，按时间倒序；before 为零值时从最新开始
	ListMessages(ctx context.Context, conversationID int64, before time.Time, limit int) ([]*model.Message, error)
	SearchMessages(ctx context.Context, conversationID int64, query string, limit int) ([]*model.Message, error)
	UpdateMessage(ctx context.Context, id int64, fn MessageMutator) (*model.Message, error)
}

// Store 聚合所有存储接口
type Store interface {
	UserStore
	ConversationStore
	MessageStore
}

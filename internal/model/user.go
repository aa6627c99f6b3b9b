package model

import (
	"slices"
	"time"
)

// UserStatus 用户在线状态
type UserStatus string

const (
	UserStatusOnline    UserStatus = "online"
	UserStatusOffline   UserStatus = "offline"
	UserStatusAway      UserStatus = "away"
	UserStatusBusy      UserStatus = "busy"
	UserStatusInvisible UserStatus = "invisible"
)

// Valid 判断状态是否合法
func (s UserStatus) Valid() bool {
	switch s {
	case UserStatusOnline, UserStatusOffline, UserStatusAway, UserStatusBusy, UserStatusInvisible:
		return true
	}
	return false
}

// Visible 返回对其他用户展示的状态，隐身按离线展示
func (s UserStatus) Visible() UserStatus {
	if s == UserStatusInvisible {
		return UserStatusOffline
	}
	return s
}

// User 用户实体，不做物理删除
type User struct {
	Id           int64      `json:"id"`
	Email        string     `json:"email,omitempty"`
	Username     string     `json:"username"`
	DisplayName  string     `json:"displayName"`
	Avatar       string     `json:"avatar"`
	Status       UserStatus `json:"status"`
	IsOnline     bool       `json:"isOnline"`
	LastSeen     time.Time  `json:"lastSeen"`
	BlockedUsers []int64    `json:"blockedUsers,omitempty"`
	BlockedBy    []int64    `json:"-"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Name 返回展示名
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// HasBlocked 判断是否屏蔽了对方
func (u *User) HasBlocked(userID int64) bool {
	return slices.Contains(u.BlockedUsers, userID)
}

// IsBlockedWith 判断双方任一方向是否存在屏蔽关系
func (u *User) IsBlockedWith(userID int64) bool {
	return slices.Contains(u.BlockedUsers, userID) || slices.Contains(u.BlockedBy, userID)
}

// Public 返回去掉敏感字段的副本
func (u *User) Public() *User {
	cp := *u
	cp.Email = ""
	cp.PasswordHash = ""
	cp.BlockedUsers = nil
	cp.BlockedBy = nil
	return &cp
}

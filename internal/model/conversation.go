package model

import (
	"maps"
	"slices"
	"time"
)

// ConversationKind 会话类型
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Role 成员角色
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

// Valid 判断角色是否合法
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleModerator || r == RoleMember
}

// DirectSlots 单聊的成员槽位数，永不增加
const DirectSlots = 2

// Participant 会话成员，退出后保留记录
type Participant struct {
	UserId   int64      `json:"userId"`
	Role     Role       `json:"role"`
	JoinedAt time.Time  `json:"joinedAt"`
	LeftAt   *time.Time `json:"leftAt,omitempty"`
	IsActive bool       `json:"isActive"`
}

// MuteEntry 免打扰设置，Until 为空表示永久
type MuteEntry struct {
	MutedAt time.Time  `json:"mutedAt"`
	Until   *time.Time `json:"until,omitempty"`
}

// Expired 判断免打扰是否已过期
func (e MuteEntry) Expired(now time.Time) bool {
	return e.Until != nil && !now.Before(*e.Until)
}

// Conversation 会话实体
type Conversation struct {
	Id            int64               `json:"id"`
	Kind          ConversationKind    `json:"kind"`
	Name          string              `json:"name,omitempty"`
	Avatar        string              `json:"avatar,omitempty"`
	CreatedBy     int64               `json:"createdBy"`
	Participants  []Participant       `json:"participants"`
	LastMessageId int64               `json:"lastMessageId,omitempty"`
	LastMessageAt *time.Time          `json:"lastMessageAt,omitempty"`
	UnreadCounts  map[int64]int       `json:"unreadCounts,omitempty"`
	ArchivedBy    map[int64]time.Time `json:"archivedBy,omitempty"`
	MutedBy       map[int64]MuteEntry `json:"mutedBy,omitempty"`
	PinnedBy      map[int64]time.Time `json:"pinnedBy,omitempty"`
	DeletedBy     map[int64]time.Time `json:"deletedBy,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// activeIndex 返回用户最近一条活跃成员记录的下标
func (c *Conversation) activeIndex(userID int64) int {
	for i := len(c.Participants) - 1; i >= 0; i-- {
		p := c.Participants[i]
		if p.UserId == userID && p.IsActive {
			return i
		}
	}
	return -1
}

func (c *Conversation) lastIndex(userID int64) int {
	for i := len(c.Participants) - 1; i >= 0; i-- {
		if c.Participants[i].UserId == userID {
			return i
		}
	}
	return -1
}

// IsActiveParticipant 判断用户是否为活跃成员
func (c *Conversation) IsActiveParticipant(userID int64) bool {
	return c.activeIndex(userID) >= 0
}

// RoleOf 返回活跃成员的角色
func (c *Conversation) RoleOf(userID int64) (Role, bool) {
	i := c.activeIndex(userID)
	if i < 0 {
		return "", false
	}
	return c.Participants[i].Role, true
}

// ActiveParticipantIds 返回所有活跃成员
func (c *Conversation) ActiveParticipantIds() []int64 {
	ids := make([]int64, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.IsActive && !slices.Contains(ids, p.UserId) {
			ids = append(ids, p.UserId)
		}
	}
	return ids
}

// AdminCount 返回活跃管理员数量
func (c *Conversation) AdminCount() int {
	n := 0
	for _, id := range c.ActiveParticipantIds() {
		if role, _ := c.RoleOf(id); role == RoleAdmin {
			n++
		}
	}
	return n
}

// Peer 返回单聊中的另一方
func (c *Conversation) Peer(userID int64) int64 {
	for _, p := range c.Participants {
		if p.UserId != userID {
			return p.UserId
		}
	}
	return 0
}

// AddParticipant 添加成员；已是活跃成员时不变，曾经退出的复用原记录
// 返回 ok=false 表示单聊槽位已满
func (c *Conversation) AddParticipant(userID int64, role Role, now time.Time) (changed, ok bool) {
	if c.IsActiveParticipant(userID) {
		return false, true
	}
	if i := c.lastIndex(userID); i >= 0 {
		p := &c.Participants[i]
		p.IsActive = true
		p.LeftAt = nil
		p.JoinedAt = now
		p.Role = role
		return true, true
	}
	if c.Kind == ConversationDirect && len(c.Participants) >= DirectSlots {
		return false, false
	}
	c.Participants = append(c.Participants, Participant{
		UserId:   userID,
		Role:     role,
		JoinedAt: now,
		IsActive: true,
	})
	return true, true
}

// RemoveParticipant 将成员标记为非活跃，记录保留
func (c *Conversation) RemoveParticipant(userID int64, now time.Time) bool {
	changed := false
	for i := range c.Participants {
		p := &c.Participants[i]
		if p.UserId == userID && p.IsActive {
			p.IsActive = false
			left := now
			p.LeftAt = &left
			changed = true
		}
	}
	if changed {
		delete(c.UnreadCounts, userID)
	}
	return changed
}

// SetRole 修改活跃成员角色
func (c *Conversation) SetRole(userID int64, role Role) bool {
	i := c.activeIndex(userID)
	if i < 0 {
		return false
	}
	c.Participants[i].Role = role
	return true
}

// UnreadCount 返回用户未读数
func (c *Conversation) UnreadCount(userID int64) int {
	return c.UnreadCounts[userID]
}

// AddUnread 调整未读数，下限为 0
func (c *Conversation) AddUnread(userID int64, delta int) {
	if c.UnreadCounts == nil {
		c.UnreadCounts = make(map[int64]int)
	}
	n := c.UnreadCounts[userID] + delta
	if n <= 0 {
		delete(c.UnreadCounts, userID)
		return
	}
	c.UnreadCounts[userID] = n
}

// IncrementUnreadExcept 给除发送者外的活跃成员未读数加一
func (c *Conversation) IncrementUnreadExcept(senderID int64) []int64 {
	var affected []int64
	for _, id := range c.ActiveParticipantIds() {
		if id == senderID {
			continue
		}
		c.AddUnread(id, 1)
		affected = append(affected, id)
	}
	return affected
}

// MuteState 判断用户是否处于免打扰，expired 表示存在已过期的记录
func (c *Conversation) MuteState(userID int64, now time.Time) (muted, expired bool) {
	entry, ok := c.MutedBy[userID]
	if !ok {
		return false, false
	}
	if entry.Expired(now) {
		return false, true
	}
	return true, false
}

// AdvanceLastMessage 更新最后一条消息，只前进不后退
// 时间相同时以 ID 较大者为准
func (c *Conversation) AdvanceLastMessage(messageID int64, at time.Time) bool {
	if c.LastMessageAt != nil {
		if at.Before(*c.LastMessageAt) {
			return false
		}
		if at.Equal(*c.LastMessageAt) && messageID <= c.LastMessageId {
			return false
		}
	}
	c.LastMessageId = messageID
	c.LastMessageAt = &at
	return true
}

// Clone 深拷贝
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Participants = make([]Participant, len(c.Participants))
	for i, p := range c.Participants {
		if p.LeftAt != nil {
			v := *p.LeftAt
			p.LeftAt = &v
		}
		cp.Participants[i] = p
	}
	if c.LastMessageAt != nil {
		v := *c.LastMessageAt
		cp.LastMessageAt = &v
	}
	cp.UnreadCounts = maps.Clone(c.UnreadCounts)
	cp.ArchivedBy = maps.Clone(c.ArchivedBy)
	cp.PinnedBy = maps.Clone(c.PinnedBy)
	cp.DeletedBy = maps.Clone(c.DeletedBy)
	if c.MutedBy != nil {
		cp.MutedBy = make(map[int64]MuteEntry, len(c.MutedBy))
		for k, v := range c.MutedBy {
			if v.Until != nil {
				u := *v.Until
				v.Until = &u
			}
			cp.MutedBy[k] = v
		}
	}
	return &cp
}

// ConversationView 用户视角的会话摘要
type ConversationView struct {
	*Conversation
	UnreadCount int  `json:"unreadCount"`
	IsArchived  bool `json:"isArchived"`
	IsMuted     bool `json:"isMuted"`
	IsPinned    bool `json:"isPinned"`
}

// ViewFor 生成用户视角的会话摘要，不暴露其他成员的私有状态
func (c *Conversation) ViewFor(userID int64, now time.Time) *ConversationView {
	cp := c.Clone()
	_, archived := cp.ArchivedBy[userID]
	_, pinned := cp.PinnedBy[userID]
	muted, _ := cp.MuteState(userID, now)
	view := &ConversationView{
		Conversation: cp,
		UnreadCount:  cp.UnreadCount(userID),
		IsArchived:   archived,
		IsMuted:      muted,
		IsPinned:     pinned,
	}
	cp.UnreadCounts = nil
	cp.ArchivedBy = nil
	cp.MutedBy = nil
	cp.PinnedBy = nil
	cp.DeletedBy = nil
	return view
}

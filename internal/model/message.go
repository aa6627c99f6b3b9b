package model

import (
	"slices"
	"time"
)

// DeletedPlaceholder 已删除消息对外展示的内容
const DeletedPlaceholder = "This message was deleted"

// Receipt 已读/送达回执，每个用户至多一条
type Receipt struct {
	UserId int64     `json:"userId"`
	At     time.Time `json:"at"`
}

// ForwardRef 转发来源
type ForwardRef struct {
	MessageId int64 `json:"messageId"`
	SenderId  int64 `json:"senderId"`
}

// Message 消息实体
// 状态流转：created → edited* → deleted，删除为终态
type Message struct {
	Id             int64              `json:"id"`
	ConversationId int64              `json:"conversationId"`
	SenderId       int64              `json:"senderId"`
	Type           MessageType        `json:"type"`
	Content        Content            `json:"content"`
	ReplyTo        *int64             `json:"replyTo,omitempty"`
	ForwardedFrom  *ForwardRef        `json:"forwardedFrom,omitempty"`
	Reactions      map[string][]int64 `json:"reactions,omitempty"`
	ReadBy         []Receipt          `json:"readBy,omitempty"`
	DeliveredTo    []Receipt          `json:"deliveredTo,omitempty"`
	IsDeleted      bool               `json:"isDeleted"`
	DeletedBy      *int64             `json:"deletedBy,omitempty"`
	DeletedAt      *time.Time         `json:"deletedAt,omitempty"`
	IsEdited       bool               `json:"isEdited"`
	EditedAt       *time.Time         `json:"editedAt,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
}

// AddReaction 添加表态，重复添加不改变状态
func (m *Message) AddReaction(token string, userID int64) bool {
	if m.Reactions == nil {
		m.Reactions = make(map[string][]int64)
	}
	users := m.Reactions[token]
	if slices.Contains(users, userID) {
		return false
	}
	m.Reactions[token] = append(users, userID)
	return true
}

// RemoveReaction 移除表态，集合为空时删除该表态
func (m *Message) RemoveReaction(token string, userID int64) bool {
	users, ok := m.Reactions[token]
	if !ok {
		return false
	}
	idx := slices.Index(users, userID)
	if idx < 0 {
		return false
	}
	users = slices.Delete(users, idx, idx+1)
	if len(users) == 0 {
		delete(m.Reactions, token)
	} else {
		m.Reactions[token] = users
	}
	return true
}

// MarkRead 记录已读，重复调用不改变状态
func (m *Message) MarkRead(userID int64, at time.Time) bool {
	if hasReceipt(m.ReadBy, userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, Receipt{UserId: userID, At: at})
	return true
}

// MarkDelivered 记录送达，重复调用不改变状态
func (m *Message) MarkDelivered(userID int64, at time.Time) bool {
	if hasReceipt(m.DeliveredTo, userID) {
		return false
	}
	m.DeliveredTo = append(m.DeliveredTo, Receipt{UserId: userID, At: at})
	return true
}

// IsReadBy 判断用户是否已读
func (m *Message) IsReadBy(userID int64) bool {
	return hasReceipt(m.ReadBy, userID)
}

func hasReceipt(receipts []Receipt, userID int64) bool {
	return slices.ContainsFunc(receipts, func(r Receipt) bool { return r.UserId == userID })
}

// EditText 替换文本内容
func (m *Message) EditText(text string, at time.Time) {
	m.Content = NewTextContent(text)
	m.IsEdited = true
	m.EditedAt = &at
}

// SoftDelete 软删除
func (m *Message) SoftDelete(actorID int64, at time.Time) {
	m.IsDeleted = true
	m.DeletedBy = &actorID
	m.DeletedAt = &at
}

// DisplayContent 返回对外展示的内容，已删除消息固定为占位文本
func (m *Message) DisplayContent() Content {
	if m.IsDeleted {
		return NewTextContent(DeletedPlaceholder)
	}
	return m.Content
}

// Preview 返回通知预览文本
func (m *Message) Preview() string {
	if m.IsDeleted {
		return DeletedPlaceholder
	}
	return m.Content.Preview(m.Type)
}

// View 返回对外展示的消息副本
func (m *Message) View() *Message {
	v := m.Clone()
	if v.IsDeleted {
		v.Content = v.DisplayContent()
		v.Reactions = nil
	}
	return v
}

// ForwardCopy 生成转发副本，不携带表态、回执和编辑状态
func (m *Message) ForwardCopy(id, conversationID, senderID int64, at time.Time) *Message {
	ref := &ForwardRef{MessageId: m.Id, SenderId: m.SenderId}
	if m.ForwardedFrom != nil {
		// 多次转发仍指向最初的消息
		ref = &ForwardRef{MessageId: m.ForwardedFrom.MessageId, SenderId: m.ForwardedFrom.SenderId}
	}
	return &Message{
		Id:             id,
		ConversationId: conversationID,
		SenderId:       senderID,
		Type:           m.Type,
		Content:        m.Content.Clone(),
		ForwardedFrom:  ref,
		CreatedAt:      at,
	}
}

// Clone 深拷贝
func (m *Message) Clone() *Message {
	cp := *m
	cp.Content = m.Content.Clone()
	if m.ReplyTo != nil {
		v := *m.ReplyTo
		cp.ReplyTo = &v
	}
	if m.ForwardedFrom != nil {
		v := *m.ForwardedFrom
		cp.ForwardedFrom = &v
	}
	if m.Reactions != nil {
		cp.Reactions = make(map[string][]int64, len(m.Reactions))
		for k, v := range m.Reactions {
			cp.Reactions[k] = slices.Clone(v)
		}
	}
	cp.ReadBy = slices.Clone(m.ReadBy)
	cp.DeliveredTo = slices.Clone(m.DeliveredTo)
	if m.DeletedBy != nil {
		v := *m.DeletedBy
		cp.DeletedBy = &v
	}
	if m.DeletedAt != nil {
		v := *m.DeletedAt
		cp.DeletedAt = &v
	}
	if m.EditedAt != nil {
		v := *m.EditedAt
		cp.EditedAt = &v
	}
	return &cp
}

// ReactionCounts 返回各表态的人数
func (m *Message) ReactionCounts() map[string]int {
	counts := make(map[string]int, len(m.Reactions))
	for token, users := range m.Reactions {
		counts[token] = len(users)
	}
	return counts
}

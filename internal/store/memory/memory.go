// Package memory 提供进程内存储实现，每个聚合持有独立的锁。
package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/store"
)

type conversationEntry struct {
	mu   sync.Mutex
	conv *model.Conversation
}

type messageEntry struct {
	mu  sync.Mutex
	msg *model.Message
}

// Store 内存存储
type Store struct {
	mu            sync.RWMutex
	users         map[int64]*model.User
	emails        map[string]int64
	conversations map[int64]*conversationEntry
	messages      map[int64]*messageEntry
}

var _ store.Store = (*Store)(nil)

// New 创建内存存储
func New() *Store {
	return &Store{
		users:         make(map[int64]*model.User),
		emails:        make(map[string]int64),
		conversations: make(map[int64]*conversationEntry),
		messages:      make(map[int64]*messageEntry),
	}
}

func cloneUser(u *model.User) *model.User {
	cp := *u
	cp.BlockedUsers = slices.Clone(u.BlockedUsers)
	cp.BlockedBy = slices.Clone(u.BlockedBy)
	return &cp
}

// ============== 用户 ==============

func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(user.Email)
	if _, ok := s.users[user.Id]; ok {
		return store.ErrDuplicate
	}
	if _, ok := s.emails[email]; ok {
		return store.ErrDuplicate
	}
	s.users[user.Id] = cloneUser(user)
	s.emails[email] = user.Id
	return nil
}

func (s *Store) FindUser(ctx context.Context, id int64) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *Store) FindUserPublic(ctx context.Context, id int64) (*model.User, error) {
	u, err := s.FindUser(ctx, id)
	if err != nil {
		return nil, err
	}
	u.PasswordHash = ""
	return u, nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.emails[strings.ToLower(email)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneUser(s.users[id]), nil
}

func (s *Store) updateUser(id int64, fn func(u *model.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(u)
	u.UpdatedAt = time.Now()
	return nil
}

func (s *Store) UpdatePresence(ctx context.Context, id int64, online bool, lastSeen time.Time) error {
	return s.updateUser(id, func(u *model.User) {
		u.IsOnline = online
		u.LastSeen = lastSeen
	})
}

func (s *Store) UpdateStatus(ctx context.Context, id int64, status model.UserStatus) error {
	return s.updateUser(id, func(u *model.User) {
		u.Status = status
	})
}

func (s *Store) UpdateProfile(ctx context.Context, id int64, displayName, avatar string) error {
	return s.updateUser(id, func(u *model.User) {
		u.DisplayName = displayName
		u.Avatar = avatar
	})
}

func (s *Store) SetBlocked(ctx context.Context, userID, targetID int64, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	target, ok := s.users[targetID]
	if !ok {
		return store.ErrNotFound
	}
	if blocked {
		if !slices.Contains(u.BlockedUsers, targetID) {
			u.BlockedUsers = append(u.BlockedUsers, targetID)
		}
		if !slices.Contains(target.BlockedBy, userID) {
			target.BlockedBy = append(target.BlockedBy, userID)
		}
	} else {
		u.BlockedUsers = slices.DeleteFunc(u.BlockedUsers, func(id int64) bool { return id == targetID })
		target.BlockedBy = slices.DeleteFunc(target.BlockedBy, func(id int64) bool { return id == userID })
	}
	return nil
}

func (s *Store) ListOnlineUserIds(ctx context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for id, u := range s.users {
		if u.IsOnline {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ============== 会话 ==============

func (s *Store) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conv.Id]; ok {
		return store.ErrDuplicate
	}
	s.conversations[conv.Id] = &conversationEntry{conv: conv.Clone()}
	return nil
}

func (s *Store) conversationEntry(id int64) (*conversationEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.conversations[id]
	return e, ok
}

func (e *conversationEntry) snapshot() *model.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv.Clone()
}

func (s *Store) FindConversation(ctx context.Context, id int64) (*model.Conversation, error) {
	e, ok := s.conversationEntry(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return e.snapshot(), nil
}

func (s *Store) allConversations() []*model.Conversation {
	s.mu.RLock()
	entries := make([]*conversationEntry, 0, len(s.conversations))
	for _, e := range s.conversations {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	convs := make([]*model.Conversation, 0, len(entries))
	for _, e := range entries {
		convs = append(convs, e.snapshot())
	}
	return convs
}

func (s *Store) ListConversationsForUser(ctx context.Context, userID int64) ([]*model.Conversation, error) {
	var result []*model.Conversation
	for _, c := range s.allConversations() {
		if !c.IsActiveParticipant(userID) {
			continue
		}
		if _, deleted := c.DeletedBy[userID]; deleted {
			continue
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		return sortKey(result[i]).After(sortKey(result[j]))
	})
	return result, nil
}

func sortKey(c *model.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func (s *Store) FindDirectConversation(ctx context.Context, userA, userB int64) (*model.Conversation, error) {
	for _, c := range s.allConversations() {
		if c.Kind != model.ConversationDirect {
			continue
		}
		var hasA, hasB bool
		for _, p := range c.Participants {
			hasA = hasA || p.UserId == userA
			hasB = hasB || p.UserId == userB
		}
		if hasA && hasB {
			return c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpdateConversation(ctx context.Context, id int64, fn store.ConversationMutator) (*model.Conversation, error) {
	e, ok := s.conversationEntry(id)
	if !ok {
		return nil, store.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.conv.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now()
	e.conv = next
	return next.Clone(), nil
}

func (s *Store) DeleteConversation(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.conversations, id)
	s.deleteMessagesLocked(id)
	return nil
}

// ============== 消息 ==============

func (s *Store) CreateMessage(ctx context.Context, msg *model.Message) error {
	return s.CreateMessages(ctx, []*model.Message{msg})
}

func (s *Store) CreateMessages(ctx context.Context, msgs []*model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range msgs {
		if _, ok := s.messages[m.Id]; ok {
			return store.ErrDuplicate
		}
		if _, ok := s.conversations[m.ConversationId]; !ok {
			return store.ErrNotFound
		}
	}
	for _, m := range msgs {
		s.messages[m.Id] = &messageEntry{msg: m.Clone()}
	}
	return nil
}

func (s *Store) FindMessage(ctx context.Context, id int64) (*model.Message, error) {
	s.mu.RLock()
	e, ok := s.messages[id]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.msg.Clone(), nil
}

func (s *Store) conversationMessages(conversationID int64) []*model.Message {
	s.mu.RLock()
	var entries []*messageEntry
	for _, e := range s.messages {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var msgs []*model.Message
	for _, e := range entries {
		e.mu.Lock()
		if e.msg.ConversationId == conversationID {
			msgs = append(msgs, e.msg.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].Id > msgs[j].Id
		}
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})
	return msgs
}

func (s *Store) ListMessages(ctx context.Context, conversationID int64, before time.Time, limit int) ([]*model.Message, error) {
	var result []*model.Message
	for _, m := range s.conversationMessages(conversationID) {
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		result = append(result, m)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) SearchMessages(ctx context.Context, conversationID int64, query string, limit int) ([]*model.Message, error) {
	q := strings.ToLower(query)
	var result []*model.Message
	for _, m := range s.conversationMessages(conversationID) {
		if m.IsDeleted {
			continue
		}
		if !strings.Contains(strings.ToLower(m.Content.SearchText()), q) {
			continue
		}
		result = append(result, m)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) UpdateMessage(ctx context.Context, id int64, fn store.MessageMutator) (*model.Message, error) {
	s.mu.RLock()
	e, ok := s.messages[id]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.msg.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	e.msg = next
	return next.Clone(), nil
}

// deleteMessagesLocked 调用方需持有 s.mu 写锁
func (s *Store) deleteMessagesLocked(conversationID int64) {
	for id, e := range s.messages {
		e.mu.Lock()
		match := e.msg.ConversationId == conversationID
		e.mu.Unlock()
		if match {
			delete(s.messages, id)
		}
	}
}

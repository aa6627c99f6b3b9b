package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	apperrors "sudooom.im.chat/internal/errors"
	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/snowflake"
	"sudooom.im.chat/internal/store"
)

// IDGenerator 分布式 ID 生成器
type IDGenerator interface {
	Generate() snowflake.ID
}

// storeErr 将存储层错误转换为业务错误
func storeErr(err error, notFound *apperrors.AppError) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, store.ErrNotFound) {
		return notFound
	}
	return apperrors.ErrDBError.Wrap(err)
}

// CreateGroupRequest 创建群聊请求
type CreateGroupRequest struct {
	Name      string  `json:"name" binding:"required,max=100"`
	Avatar    string  `json:"avatar"`
	MemberIds []int64 `json:"memberIds"`
}

// ConversationService 会话状态管理
// 所有修改都经过存储层的原子读改写
type ConversationService struct {
	conversations store.ConversationStore
	users         store.UserStore
	ids           IDGenerator
	now           func() time.Time
	logger        *slog.Logger
}

// NewConversationService 创建会话服务
func NewConversationService(conversations store.ConversationStore, users store.UserStore, ids IDGenerator) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		users:         users,
		ids:           ids,
		now:           time.Now,
		logger:        slog.Default(),
	}
}

// Get 获取会话
func (s *ConversationService) Get(ctx context.Context, conversationID int64) (*model.Conversation, error) {
	conv, err := s.conversations.FindConversation(ctx, conversationID)
	if err != nil {
		return nil, storeErr(err, apperrors.ErrConversationNotFound)
	}
	return conv, nil
}

// GetMembership 获取会话并校验用户为活跃成员
func (s *ConversationService) GetMembership(ctx context.Context, conversationID, userID int64) (*model.Conversation, error) {
	conv, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsActiveParticipant(userID) {
		return nil, apperrors.ErrNotParticipant
	}
	return conv, nil
}

// GetForUser 获取用户视角的会话
func (s *ConversationService) GetForUser(ctx context.Context, conversationID, userID int64) (*model.ConversationView, error) {
	conv, err := s.GetMembership(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	return conv.ViewFor(userID, s.now()), nil
}

// ListForUser 列出用户的会话，置顶在前
func (s *ConversationService) ListForUser(ctx context.Context, userID int64) ([]*model.ConversationView, error) {
	convs, err := s.conversations.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, storeErr(err, apperrors.ErrConversationNotFound)
	}
	now := s.now()
	pinned := make([]*model.ConversationView, 0, len(convs))
	rest := make([]*model.ConversationView, 0, len(convs))
	for _, c := range convs {
		v := c.ViewFor(userID, now)
		if v.IsPinned {
			pinned = append(pinned, v)
		} else {
			rest = append(rest, v)
		}
	}
	return append(pinned, rest...), nil
}

// CreateDirect 查找或创建单聊
// 已存在时重新激活调用者的成员记录，并清除其删除标记
func (s *ConversationService) CreateDirect(ctx context.Context, userID, peerID int64) (*model.Conversation, error) {
	if userID == peerID || peerID <= 0 {
		return nil, apperrors.ErrInvalidParams
	}
	peer, err := s.users.FindUserPublic(ctx, peerID)
	if err != nil {
		return nil, storeErr(err, apperrors.ErrUserNotFound)
	}
	if peer.IsBlockedWith(userID) {
		return nil, apperrors.ErrUserBlocked
	}

	existing, err := s.conversations.FindDirectConversation(ctx, userID, peerID)
	if err == nil {
		return s.update(ctx, existing.Id, func(c *model.Conversation) error {
			c.AddParticipant(userID, model.RoleMember, s.now())
			delete(c.DeletedBy, userID)
			return nil
		})
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, storeErr(err, apperrors.ErrConversationNotFound)
	}

	now := s.now()
	conv := &model.Conversation{
		Id:        s.ids.Generate().Int64(),
		Kind:      model.ConversationDirect,
		CreatedBy: userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	conv.AddParticipant(userID, model.RoleMember, now)
	conv.AddParticipant(peerID, model.RoleMember, now)
	if err := s.conversations.CreateConversation(ctx, conv); err != nil {
		return nil, storeErr(err, apperrors.ErrConversationNotFound)
	}
	s.logger.Info("Direct conversation created",
		"conversationId", conv.Id,
		"userId", userID,
		"peerId", peerID)
	return conv, nil
}

// CreateGroup 创建群聊，创建者为管理员
func (s *ConversationService) CreateGroup(ctx context.Context, userID int64, req *CreateGroupRequest) (*model.Conversation, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperrors.ErrInvalidParams
	}
	for _, id := range req.MemberIds {
		if id == userID {
			continue
		}
		if _, err := s.users.FindUserPublic(ctx, id); err != nil {
			return nil, storeErr(err, apperrors.ErrUserNotFound)
		}
	}

	now := s.now()
	conv := &model.Conversation{
		Id:        s.ids.Generate().Int64(),
		Kind:      model.ConversationGroup,
		Name:      name,
		Avatar:    req.Avatar,
		CreatedBy: userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	conv.AddParticipant(userID, model.RoleAdmin, now)
	for _, id := range req.MemberIds {
		conv.AddParticipant(id, model.RoleMember, now)
	}
	if err := s.conversations.CreateConversation(ctx, conv); err != nil {
		return nil, storeErr(err, apperrors.ErrConversationNotFound)
	}
	s.logger.Info("Group conversation created",
		"conversationId", conv.Id,
		"createdBy", userID,
		"members", len(conv.Participants))
	return conv, nil
}

func (s *ConversationService) update(ctx context.Context, conversationID int64, fn store.ConversationMutator) (*model.Conversation, error) {
	conv, err := s.conversations.UpdateConversation(ctx, conversationID, fn)
	if err != nil {
		return nil, storeErr(err, apperrors.ErrConversationNotFound)
	}
	return conv, nil
}

// updateAsMember 仅当用户为活跃成员时修改
func (s *ConversationService) updateAsMember(ctx context.Context, conversationID, userID int64, fn store.ConversationMutator) (*model.Conversation, error) {
	return s.update(ctx, conversationID, func(c *model.Conversation) error {
		if !c.IsActiveParticipant(userID) {
			return apperrors.ErrNotParticipant
		}
		return fn(c)
	})
}

// AddParticipant 添加成员，重复添加无副作用
func (s *ConversationService) AddParticipant(ctx context.Context, conversationID, userID int64, role model.Role) (*model.Conversation, error) {
	if !role.Valid() {
		role = model.RoleMember
	}
	return s.update(ctx, conversationID, func(c *model.Conversation) error {
		if _, ok := c.AddParticipant(userID, role, s.now()); !ok {
			return apperrors.ErrDirectFull
		}
		return nil
	})
}

// AddParticipantBy 由管理员或协管员拉人进群
func (s *ConversationService) AddParticipantBy(ctx context.Context, conversationID, actorID, userID int64) (*model.Conversation, error) {
	if _, err := s.users.FindUserPublic(ctx, userID); err != nil {
		return nil, storeErr(err, apperrors.ErrUserNotFound)
	}
	return s.update(ctx, conversationID, func(c *model.Conversation) error {
		if c.Kind == model.ConversationDirect {
			return apperrors.ErrDirectImmutable
		}
		if !canModerate(c, actorID) {
			return apperrors.ErrPermissionDenied
		}
		c.AddParticipant(userID, model.RoleMember, s.now())
		return nil
	})
}

func canModerate(c *model.Conversation, userID int64) bool {
	role, ok := c.RoleOf(userID)
	return ok && (role == model.RoleAdmin || role == model.RoleModerator)
}

// RemoveParticipant 将成员标记为已退出，重复调用无副作用
func (s *ConversationService) RemoveParticipant(ctx context.Context, conversationID, userID int64) (*model.Conversation, error) {
	return s.update(ctx, conversationID, func(c *model.Conversation) error {
		c.RemoveParticipant(userID, s.now())
		return nil
	})
}

// LeaveConversation 主动退出会话
// 群里唯一的管理员在还有其他成员时不能退出
func (s *ConversationService) LeaveConversation(ctx context.Context, conversationID, userID int64) (*model.Conversation, error) {
	return s.updateAsMember(ctx, conversationID, userID, func(c *model.Conversation) error {
		if isSoleAdmin(c, userID) && len(c.ActiveParticipantIds()) > 1 {
			return apperrors.ErrSoleAdmin
		}
		c.RemoveParticipant(userID, s.now())
		return nil
	})
}

func isSoleAdmin(c *model.Conversation, userID int64) bool {
	if c.Kind != model.ConversationGroup {
		return false
	}
	role, _ := c.RoleOf(userID)
	return role == model.RoleAdmin && c.AdminCount() == 1
}

// RemoveParticipantBy 管理员或协管员移除成员，协管员不能移除管理员
func (s *ConversationService) RemoveParticipantBy(ctx context.Context, conversationID, actorID, userID int64) (*model.Conversation, error) {
	if actorID == userID {
		return s.LeaveConversation(ctx, conversationID, userID)
	}
	return s.update(ctx, conversationID, func(c *model.Conversation) error {
		if c.Kind == model.ConversationDirect {
			return apperrors.ErrDirectImmutable
		}
		if !canModerate(c, actorID) {
			return apperrors.ErrPermissionDenied
		}
		actorRole, _ := c.RoleOf(actorID)
		if targetRole, ok := c.RoleOf(userID); ok && targetRole == model.RoleAdmin && actorRole != model.RoleAdmin {
			return apperrors.ErrPermissionDenied
		}
		c.RemoveParticipant(userID, s.now())
		return nil
	})
}

// UpdateRole 修改成员角色，仅管理员可操作
func (s *ConversationService) UpdateRole(ctx context.Context, conversationID, actorID, userID int64, role model.Role) (*model.Conversation, error) {
	if !role.Valid() {
		return nil, apperrors.ErrInvalidParams
	}
	return s.update(ctx, conversationID, func(c *model.Conversation) error {
		if c.Kind == model.ConversationDirect {
			return apperrors.ErrDirectImmutable
		}
		if actorRole, _ := c.RoleOf(actorID); actorRole != model.RoleAdmin {
			return apperrors.ErrPermissionDenied
		}
		if !c.IsActiveParticipant(userID) {
			return apperrors.ErrNotParticipant
		}
		if role != model.RoleAdmin && isSoleAdmin(c, userID) {
			return apperrors.ErrSoleAdmin
		}
		c.SetRole(userID, role)
		return nil
	})
}

// UpdateUnreadCount 调整未读数，不会小于 0
func (s *ConversationService) UpdateUnreadCount(ctx context.Context, conversationID, userID int64, delta int) (*model.Conversation, error) {
	return s.update(ctx, conversationID, func(c *model.Conversation) error {
		c.AddUnread(userID, delta)
		return nil
	})
}

// IncrementUnreadExcept 除发送者外所有活跃成员未读数加一
func (s *ConversationService) IncrementUnreadExcept(ctx context.Context, conversationID, senderID int64) (*model.Conversation, error) {
	return s.update(ctx, conversationID, func(c *model.Conversation) error {
		c.IncrementUnreadExcept(senderID)
		return nil
	})
}

// ResetUnreadCount 清零未读数
func (s *ConversationService) ResetUnreadCount(ctx context.Context, conversationID, userID int64) (*model.Conversation, error) {
	return s.updateAsMember(ctx, conversationID, userID, func(c *model.Conversation) error {
		delete(c.UnreadCounts, userID)
		return nil
	})
}

// Archive 归档
func (s *ConversationService) Archive(ctx context.Context, conversationID, userID int64) (*model.Conversation, error) {
	return s.updateAsMember(ctx, conversationID, userID, func(c *model.Conversation) error {
		if c.ArchivedBy == nil {
			c.ArchivedBy = make(map[int64]time.Time)
		}
		if _, ok := c.ArchivedBy[userID]; !ok {
			c.ArchivedBy[userID] = s.now()
		}
		return nil
	})
}

// Unarchive 取消归档
func (s *ConversationService) Unarchive(ctx context.Context, conversationID, userID int64) (*model.Conversation, error) {
	return s.updateAsMember(ctx, conversationID, userID, func(c *model.Conversation) error {
		delete(c.ArchivedBy, userID)
		return nil
	})
}

// Mute 开启免打扰，duration 为 0 表示永久
func (s *ConversationService) Mute(ctx context.Context, conversationID, userID int64, duration time.Duration) (*model.Conversation, error) {
	if duration < 0 {
		return nil, apperrors.ErrInvalidParams
	}
	return s.updateAsMember(ctx, conversationID, userID, func(c *model.Conversation) error {
		now := s.now()
		entry := model.MuteEntry{MutedAt: now}
		if duration > 0 {
			until := now.Add(duration)
			entry.Until = &until
		}
		if c.MutedBy == nil {
			c.MutedBy = make(map[int64]model.MuteEntry)
		}
		c.MutedBy[userID] = entry
		return nil
	})
}

// Unmute 关闭免打扰
func (s *ConversationService) Unmute(ctx context.Context, conversationID, userID int64) (*model.Conversation, error) {
	return s.updateAsMember(ctx, conversationID, userID, func(c *model.Conversation) error {
		delete(c.MutedBy, userID)
		return nil
	})
}

// Pin 置顶
func (s *ConversationService) Pin(ctx context.Context, conversationID, userID int64) (*model.Conversation, error) {
	return s.updateAsMember(ctx, conversationID, userID, func(c *model.Conversation) error {
		if c.PinnedBy == nil {
			c.PinnedBy = make(map[int64]time.Time)
		}
		if _, ok := c.PinnedBy[userID]; !ok {
			c.PinnedBy[userID] = s.now()
		}
		return nil
	})
}

// Unpin 取消置顶
func (s *ConversationService) Unpin(ctx context.Context, conversationID, userID int64) (*model.Conversation, error) {
	return s.updateAsMember(ctx, conversationID, userID, func(c *model.Conversation) error {
		delete(c.PinnedBy, userID)
		return nil
	})
}

// IsUserMuted 查询免打扰状态，读到过期记录时顺带清除
func (s *ConversationService) IsUserMuted(ctx context.Context, conversationID, userID int64) (bool, error) {
	conv, err := s.Get(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return s.IsMutedIn(ctx, conv, userID), nil
}

// IsMutedIn 基于已加载的会话判断免打扰
func (s *ConversationService) IsMutedIn(ctx context.Context, conv *model.Conversation, userID int64) bool {
	muted, expired := conv.MuteState(userID, s.now())
	if expired {
		_, err := s.update(ctx, conv.Id, func(c *model.Conversation) error {
			if _, exp := c.MuteState(userID, s.now()); exp {
				delete(c.MutedBy, userID)
			}
			return nil
		})
		if err != nil {
			s.logger.Warn("Failed to evict expired mute",
				"conversationId", conv.Id,
				"userId", userID,
				"error", err)
		}
	}
	return muted
}

// SetLastMessage 记录最后一条消息，只能在消息持久化之后调用
// 新消息会让“仅对我删除”的会话重新出现在列表中
func (s *ConversationService) SetLastMessage(ctx context.Context, conversationID int64, msg *model.Message) (*model.Conversation, error) {
	return s.update(ctx, conversationID, func(c *model.Conversation) error {
		c.AdvanceLastMessage(msg.Id, msg.CreatedAt)
		clear(c.DeletedBy)
		return nil
	})
}

// DeleteForUser 仅对自己删除会话，收到新消息后恢复
func (s *ConversationService) DeleteForUser(ctx context.Context, conversationID, userID int64) (*model.Conversation, error) {
	return s.updateAsMember(ctx, conversationID, userID, func(c *model.Conversation) error {
		if c.DeletedBy == nil {
			c.DeletedBy = make(map[int64]time.Time)
		}
		c.DeletedBy[userID] = s.now()
		delete(c.UnreadCounts, userID)
		return nil
	})
}

// Delete 删除群聊及其全部消息，仅管理员可操作
func (s *ConversationService) Delete(ctx context.Context, conversationID, userID int64) error {
	conv, err := s.GetMembership(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if conv.Kind == model.ConversationDirect {
		return apperrors.ErrDirectImmutable
	}
	if role, _ := conv.RoleOf(userID); role != model.RoleAdmin {
		return apperrors.ErrPermissionDenied
	}
	if err := s.conversations.DeleteConversation(ctx, conversationID); err != nil {
		return storeErr(err, apperrors.ErrConversationNotFound)
	}
	s.logger.Info("Conversation deleted",
		"conversationId", conversationID,
		"userId", userID)
	return nil
}

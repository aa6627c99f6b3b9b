package service

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "sudooom.im.chat/internal/errors"
	"sudooom.im.chat/internal/metrics"
	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/protocol"
	"sudooom.im.chat/internal/store"
)

const (
	DefaultPageSize   = 50
	MaxPageSize       = 100
	MaxReactionLen    = 64
	MaxForwardTargets = 20
)

// SendRequest 发送消息请求
type SendRequest struct {
	ConversationId int64
	SenderId       int64
	Type           model.MessageType
	Content        model.Content
	ReplyTo        *int64
	OriginConnId   int64 // 发起请求的连接，HTTP 发送时为 0
}

// MessageService 消息管线
type MessageService struct {
	messages      store.MessageStore
	users         store.UserStore
	conversations *ConversationService
	router        *NotificationRouter
	ids           IDGenerator
	now           func() time.Time
	logger        *slog.Logger
}

// NewMessageService 创建消息服务
func NewMessageService(messages store.MessageStore, users store.UserStore, conversations *ConversationService, router *NotificationRouter, ids IDGenerator) *MessageService {
	return &MessageService{
		messages:      messages,
		users:         users,
		conversations: conversations,
		router:        router,
		ids:           ids,
		now:           time.Now,
		logger:        slog.Default(),
	}
}

// Send 发送消息
// 持久化失败直接返回，不修改会话；持久化之后的步骤失败只记录日志
func (s *MessageService) Send(ctx context.Context, req *SendRequest) (*model.Message, error) {
	if req.Type == model.MessageTypeSystem {
		return nil, apperrors.ErrInvalidContent
	}
	if err := req.Content.Validate(req.Type); err != nil {
		return nil, apperrors.ErrInvalidContent.Wrap(err)
	}

	conv, err := s.conversations.GetMembership(ctx, req.ConversationId, req.SenderId)
	if err != nil {
		return nil, err
	}
	sender, err := s.checkSender(ctx, conv, req.SenderId)
	if err != nil {
		return nil, err
	}

	if req.ReplyTo != nil {
		parent, err := s.messages.FindMessage(ctx, *req.ReplyTo)
		if err != nil {
			return nil, storeErr(err, apperrors.ErrMessageNotFound)
		}
		if parent.ConversationId != conv.Id {
			return nil, apperrors.ErrMessageNotFound
		}
	}

	msg := &model.Message{
		Id:             s.ids.Generate().Int64(),
		ConversationId: conv.Id,
		SenderId:       req.SenderId,
		Type:           req.Type,
		Content:        req.Content.Clone(),
		ReplyTo:        req.ReplyTo,
		CreatedAt:      s.now(),
	}
	if err := s.messages.CreateMessage(ctx, msg); err != nil {
		s.logger.Error("Failed to persist message",
			"conversationId", conv.Id,
			"senderId", req.SenderId,
			"error", err)
		return nil, storeErr(err, apperrors.ErrConversationNotFound)
	}
	metrics.MessagesPersisted.WithLabelValues(string(msg.Type)).Inc()

	s.afterPersist(ctx, conv, msg, sender, req.OriginConnId)
	return msg.View(), nil
}

// checkSender 加载发送者，单聊时校验双方屏蔽关系
func (s *MessageService) checkSender(ctx context.Context, conv *model.Conversation, senderID int64) (*model.User, error) {
	sender, err := s.users.FindUser(ctx, senderID)
	if err != nil {
		return nil, storeErr(err, apperrors.ErrUserNotFound)
	}
	if conv.Kind == model.ConversationDirect {
		if peer := conv.Peer(senderID); peer != 0 && sender.IsBlockedWith(peer) {
			return nil, apperrors.ErrUserBlocked
		}
	}
	return sender, nil
}

// afterPersist 更新会话摘要与未读数并扇出
func (s *MessageService) afterPersist(ctx context.Context, conv *model.Conversation, msg *model.Message, sender *model.User, originConnID int64) {
	if _, err := s.conversations.SetLastMessage(ctx, conv.Id, msg); err != nil {
		s.logger.Warn("Failed to set last message",
			"conversationId", conv.Id,
			"messageId", msg.Id,
			"error", err)
	}
	if updated, err := s.conversations.IncrementUnreadExcept(ctx, conv.Id, msg.SenderId); err != nil {
		s.logger.Warn("Failed to increment unread counts",
			"conversationId", conv.Id,
			"messageId", msg.Id,
			"error", err)
	} else {
		conv = updated
	}
	s.router.FanoutNewMessage(ctx, conv, msg, sender, originConnID)
}

// Get 获取单条消息
func (s *MessageService) Get(ctx context.Context, messageID, userID int64) (*model.Message, error) {
	msg, _, err := s.loadAsMember(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	return msg.View(), nil
}

// loadAsMember 加载消息并校验用户是会话成员
func (s *MessageService) loadAsMember(ctx context.Context, messageID, userID int64) (*model.Message, *model.Conversation, error) {
	msg, err := s.messages.FindMessage(ctx, messageID)
	if err != nil {
		return nil, nil, storeErr(err, apperrors.ErrMessageNotFound)
	}
	conv, err := s.conversations.GetMembership(ctx, msg.ConversationId, userID)
	if err != nil {
		return nil, nil, err
	}
	return msg, conv, nil
}

// List 分页拉取历史消息，按时间倒序
func (s *MessageService) List(ctx context.Context, conversationID, userID int64, before time.Time, limit int) ([]*model.Message, error) {
	if _, err := s.conversations.GetMembership(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.messages.ListMessages(ctx, conversationID, before, pageSize(limit))
	if err != nil {
		return nil, storeErr(err, apperrors.ErrConversationNotFound)
	}
	return views(msgs), nil
}

// Search 在会话内搜索消息
func (s *MessageService) Search(ctx context.Context, conversationID, userID int64, query string, limit int) ([]*model.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperrors.ErrInvalidParams
	}
	if _, err := s.conversations.GetMembership(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.messages.SearchMessages(ctx, conversationID, query, pageSize(limit))
	if err != nil {
		return nil, storeErr(err, apperrors.ErrConversationNotFound)
	}
	return views(msgs), nil
}

func pageSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	return min(limit, MaxPageSize)
}

func views(msgs []*model.Message) []*model.Message {
	out := make([]*model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.View()
	}
	return out
}

// Edit 编辑文本消息，仅发送者可操作
func (s *MessageService) Edit(ctx context.Context, messageID, userID int64, text string) (*model.Message, error) {
	content := model.NewTextContent(text)
	if err := content.Validate(model.MessageTypeText); err != nil {
		return nil, apperrors.ErrInvalidContent.Wrap(err)
	}

	_, conv, err := s.loadAsMember(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}

	msg, err := s.messages.UpdateMessage(ctx, messageID, func(m *model.Message) error {
		if m.IsDeleted {
			return apperrors.ErrMessageDeleted
		}
		if m.SenderId != userID {
			return apperrors.ErrNotSender
		}
		if m.Type != model.MessageTypeText {
			return apperrors.ErrMessageNotEditable
		}
		m.EditText(text, s.now())
		return nil
	})
	if err != nil {
		return nil, storeErr(err, apperrors.ErrMessageNotFound)
	}

	s.router.BroadcastToRoom(ctx, conv, protocol.EventMessageEdited, protocol.MessagePush{Message: msg.View()}, 0)
	return msg.View(), nil
}

// Delete 软删除消息，仍在会话中的发送者或管理员可操作
func (s *MessageService) Delete(ctx context.Context, messageID, userID int64) (*model.Message, error) {
	_, conv, err := s.loadAsMember(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	role, _ := conv.RoleOf(userID)
	isAdmin := role == model.RoleAdmin

	msg, err := s.messages.UpdateMessage(ctx, messageID, func(m *model.Message) error {
		if m.IsDeleted {
			return apperrors.ErrMessageDeleted
		}
		if m.SenderId != userID && !isAdmin {
			return apperrors.ErrPermissionDenied
		}
		m.SoftDelete(userID, s.now())
		return nil
	})
	if err != nil {
		return nil, storeErr(err, apperrors.ErrMessageNotFound)
	}

	s.logger.Info("Message deleted",
		"messageId", messageID,
		"conversationId", msg.ConversationId,
		"deletedBy", userID)
	s.router.BroadcastToRoom(ctx, conv, protocol.EventMessageDeleted, protocol.MessagePush{Message: msg.View()}, 0)
	return msg.View(), nil
}

// AddReaction 添加表态，重复添加无副作用
func (s *MessageService) AddReaction(ctx context.Context, messageID, userID int64, reaction string) (*model.Message, error) {
	return s.react(ctx, messageID, userID, reaction, true)
}

// RemoveReaction 移除表态
func (s *MessageService) RemoveReaction(ctx context.Context, messageID, userID int64, reaction string) (*model.Message, error) {
	return s.react(ctx, messageID, userID, reaction, false)
}

func (s *MessageService) react(ctx context.Context, messageID, userID int64, reaction string, add bool) (*model.Message, error) {
	if reaction == "" || len(reaction) > MaxReactionLen {
		return nil, apperrors.ErrInvalidParams
	}
	_, conv, err := s.loadAsMember(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}

	changed := false
	msg, err := s.messages.UpdateMessage(ctx, messageID, func(m *model.Message) error {
		if m.IsDeleted {
			return apperrors.ErrMessageDeleted
		}
		if add {
			changed = m.AddReaction(reaction, userID)
		} else {
			changed = m.RemoveReaction(reaction, userID)
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(err, apperrors.ErrMessageNotFound)
	}

	if changed {
		event := protocol.EventReactionAdded
		if !add {
			event = protocol.EventReactionRemoved
		}
		s.router.BroadcastToRoom(ctx, conv, event, protocol.ReactionEvent{
			ConversationId: conv.Id,
			MessageId:      msg.Id,
			UserId:         userID,
			Reaction:       reaction,
			Reactions:      msg.Reactions,
			Counts:         msg.ReactionCounts(),
		}, 0)
	}
	return msg.View(), nil
}

// MarkAsRead 标记已读，并清零该会话的未读数
func (s *MessageService) MarkAsRead(ctx context.Context, messageID, userID int64) (*model.Message, error) {
	_, conv, err := s.loadAsMember(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}

	at := s.now()
	changed := false
	msg, err := s.messages.UpdateMessage(ctx, messageID, func(m *model.Message) error {
		if m.IsDeleted {
			return apperrors.ErrMessageDeleted
		}
		changed = m.MarkRead(userID, at)
		return nil
	})
	if err != nil {
		return nil, storeErr(err, apperrors.ErrMessageNotFound)
	}

	if _, err := s.conversations.ResetUnreadCount(ctx, conv.Id, userID); err != nil {
		s.logger.Warn("Failed to reset unread count",
			"conversationId", conv.Id,
			"userId", userID,
			"error", err)
	}
	if changed {
		s.router.BroadcastToRoom(ctx, conv, protocol.EventReadReceipt, protocol.ReceiptEvent{
			ConversationId: conv.Id,
			MessageId:      msg.Id,
			UserId:         userID,
			At:             at,
		}, userID)
	}
	return msg.View(), nil
}

// MarkAsDelivered 标记已送达，通知发送者
func (s *MessageService) MarkAsDelivered(ctx context.Context, messageID, userID int64) (*model.Message, error) {
	if _, _, err := s.loadAsMember(ctx, messageID, userID); err != nil {
		return nil, err
	}

	at := s.now()
	changed := false
	msg, err := s.messages.UpdateMessage(ctx, messageID, func(m *model.Message) error {
		if m.IsDeleted {
			return apperrors.ErrMessageDeleted
		}
		changed = m.MarkDelivered(userID, at)
		return nil
	})
	if err != nil {
		return nil, storeErr(err, apperrors.ErrMessageNotFound)
	}

	if changed && msg.SenderId != userID {
		s.router.SendToUser(ctx, msg.SenderId, protocol.EventDeliveryReceipt, protocol.ReceiptEvent{
			ConversationId: msg.ConversationId,
			MessageId:      msg.Id,
			UserId:         userID,
			At:             at,
		})
	}
	return msg.View(), nil
}

// Forward 转发消息到多个会话
// 先校验全部目标会话，任一失败则不写入；所有副本在一个批次中写入
func (s *MessageService) Forward(ctx context.Context, messageID, userID int64, targetIDs []int64) ([]*model.Message, error) {
	targets := slices.Compact(slices.Sorted(slices.Values(targetIDs)))
	if len(targets) == 0 || len(targets) > MaxForwardTargets {
		return nil, apperrors.ErrInvalidParams
	}

	source, _, err := s.loadAsMember(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if source.IsDeleted {
		return nil, apperrors.ErrMessageDeleted
	}

	convs := make([]*model.Conversation, len(targets))
	var sender *model.User
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range targets {
		g.Go(func() error {
			conv, err := s.conversations.GetMembership(gctx, id, userID)
			if err != nil {
				return err
			}
			convs[i] = conv
			return nil
		})
	}
	g.Go(func() error {
		u, err := s.users.FindUser(gctx, userID)
		if err != nil {
			return storeErr(err, apperrors.ErrUserNotFound)
		}
		sender = u
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, conv := range convs {
		if conv.Kind == model.ConversationDirect {
			if peer := conv.Peer(userID); peer != 0 && sender.IsBlockedWith(peer) {
				return nil, apperrors.ErrUserBlocked
			}
		}
	}

	now := s.now()
	copies := make([]*model.Message, len(convs))
	for i, conv := range convs {
		copies[i] = source.ForwardCopy(s.ids.Generate().Int64(), conv.Id, userID, now)
	}
	if err := s.messages.CreateMessages(ctx, copies); err != nil {
		s.logger.Error("Failed to persist forwarded messages",
			"messageId", messageID,
			"targets", len(copies),
			"error", err)
		return nil, storeErr(err, apperrors.ErrConversationNotFound)
	}
	metrics.MessagesPersisted.WithLabelValues(string(source.Type)).Add(float64(len(copies)))

	out := make([]*model.Message, len(copies))
	for i, msg := range copies {
		s.afterPersist(ctx, convs[i], msg, sender, 0)
		out[i] = msg.View()
	}
	return out, nil
}


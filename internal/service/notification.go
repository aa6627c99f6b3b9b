package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sudooom.im.chat/internal/connection"
	"sudooom.im.chat/internal/metrics"
	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/protocol"
	chatredis "sudooom.im.chat/internal/redis"
	"sudooom.im.chat/internal/workerpool"
)

// NotificationQueue 离线通知队列
type NotificationQueue interface {
	Enqueue(ctx context.Context, userId int64, n *protocol.Notification) error
	Drain(ctx context.Context, userId int64) ([]*protocol.Notification, error)
	Requeue(ctx context.Context, userId int64, ns []*protocol.Notification) error
}

// Locator 跨节点的用户位置
type Locator interface {
	Register(ctx context.Context, userId, connId int64, platform string) error
	Unregister(ctx context.Context, userId, connId int64) error
	Refresh(ctx context.Context, userId int64) error
	Get(ctx context.Context, userId int64) (*chatredis.UserLocation, error)
}

// Relayer 节点间转发与离线推送
type Relayer interface {
	PublishToNode(nodeID string, msg *protocol.RelayMessage) error
	PublishPush(n *protocol.Notification) error
}

// RouterOptions 集群相关依赖，单节点部署时均可为空
type RouterOptions struct {
	Queue   NotificationQueue
	Locator Locator
	Relay   Relayer
	NodeID  string
}

// NotificationRouter 消息扇出
// 每个接收者的投递相互独立，单个失败只记录日志
type NotificationRouter struct {
	registry      *connection.Registry
	pool          *workerpool.Pool
	conversations *ConversationService
	queue         NotificationQueue
	locator       Locator
	relay         Relayer
	nodeID        string
	logger        *slog.Logger
}

// NewNotificationRouter 创建通知路由
func NewNotificationRouter(registry *connection.Registry, pool *workerpool.Pool, conversations *ConversationService, opts RouterOptions) *NotificationRouter {
	return &NotificationRouter{
		registry:      registry,
		pool:          pool,
		conversations: conversations,
		queue:         opts.Queue,
		locator:       opts.Locator,
		relay:         opts.Relay,
		nodeID:        opts.NodeID,
		logger:        slog.Default(),
	}
}

// FanoutNewMessage 将新消息投递给除发送者外的所有活跃成员
// originConnID 为发送请求所在的连接，该连接由调用方回复 message-sent
func (r *NotificationRouter) FanoutNewMessage(ctx context.Context, conv *model.Conversation, msg *model.Message, sender *model.User, originConnID int64) {
	start := time.Now()
	defer func() {
		metrics.FanoutDuration.Observe(time.Since(start).Seconds())
	}()

	frame, err := protocol.Encode(protocol.EventNewMessage, protocol.MessagePush{Message: msg.View()})
	if err != nil {
		r.logger.Error("Failed to encode message frame", "messageId", msg.Id, "error", err)
		return
	}

	// 发送者的其他连接
	if conn := r.registry.Get(msg.SenderId); conn != nil && conn.ID() != originConnID && conn.InRoom(conv.Id) {
		if err := conn.Send(frame); err != nil {
			r.logger.Debug("Failed to echo message to sender",
				"userId", msg.SenderId,
				"error", err)
		}
	}

	base := protocol.Notification{
		ConversationId: conv.Id,
		MessageId:      msg.Id,
		SenderId:       msg.SenderId,
		SenderName:     sender.Name(),
		Preview:        msg.Preview(),
		CreatedAt:      msg.CreatedAt,
	}

	// 任务里不能继承请求的取消
	taskCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for _, recipientID := range conv.ActiveParticipantIds() {
		if recipientID == msg.SenderId {
			continue
		}
		n := base
		n.RecipientId = recipientID

		wg.Add(1)
		ok := r.pool.Submit(func() {
			defer wg.Done()
			result := r.deliver(taskCtx, conv, frame, &n)
			metrics.Deliveries.WithLabelValues(result).Inc()
		})
		if !ok {
			wg.Done()
			metrics.Deliveries.WithLabelValues(metrics.DeliveryFailed).Inc()
			r.logger.Warn("Fanout pool rejected delivery",
				"messageId", msg.Id,
				"recipientId", recipientID)
		}
	}
	wg.Wait()
}

// deliver 投递给单个接收者，返回投递结果
func (r *NotificationRouter) deliver(ctx context.Context, conv *model.Conversation, frame []byte, n *protocol.Notification) string {
	muted := r.conversations.IsMutedIn(ctx, conv, n.RecipientId)

	if conn := r.registry.Get(n.RecipientId); conn != nil {
		if conn.InRoom(conv.Id) {
			return r.sendTo(conn, frame, metrics.DeliveryLive)
		}
		if muted {
			return metrics.DeliveryMuted
		}
		data, err := protocol.Encode(protocol.EventNotificationNew, n)
		if err != nil {
			r.logger.Error("Failed to encode notification", "error", err)
			return metrics.DeliveryFailed
		}
		return r.sendTo(conn, data, metrics.DeliveryNotification)
	}

	if node := r.remoteNode(ctx, n.RecipientId); node != "" {
		relay := &protocol.RelayMessage{
			OriginNodeId:   r.nodeID,
			UserId:         n.RecipientId,
			ConversationId: conv.Id,
			Frame:          frame,
		}
		if !muted {
			relay.Notification = n
		}
		if err := r.relay.PublishToNode(node, relay); err != nil {
			r.logger.Warn("Failed to relay message",
				"recipientId", n.RecipientId,
				"nodeId", node,
				"error", err)
			return metrics.DeliveryFailed
		}
		return metrics.DeliveryRelayed
	}

	if muted {
		return metrics.DeliveryMuted
	}
	return r.enqueueOffline(ctx, n)
}

func (r *NotificationRouter) sendTo(conn *connection.Connection, data []byte, result string) string {
	if err := conn.Send(data); err != nil {
		r.logger.Warn("Failed to deliver frame",
			"userId", conn.UserID(),
			"connId", conn.ID(),
			"error", err)
		return metrics.DeliveryFailed
	}
	return result
}

// remoteNode 返回用户所在的其他节点，本节点或不在线时返回空
func (r *NotificationRouter) remoteNode(ctx context.Context, userID int64) string {
	if r.locator == nil || r.relay == nil {
		return ""
	}
	loc, err := r.locator.Get(ctx, userID)
	if err != nil {
		r.logger.Warn("Failed to look up user location", "userId", userID, "error", err)
		return ""
	}
	if loc == nil || loc.NodeId == r.nodeID {
		return ""
	}
	return loc.NodeId
}

// enqueueOffline 写入离线通知队列并发布推送
func (r *NotificationRouter) enqueueOffline(ctx context.Context, n *protocol.Notification) string {
	result := metrics.DeliveryQueued
	if r.queue != nil {
		if err := r.queue.Enqueue(ctx, n.RecipientId, n); err != nil {
			r.logger.Warn("Failed to enqueue notification",
				"recipientId", n.RecipientId,
				"error", err)
			result = metrics.DeliveryFailed
		}
	}
	if r.relay != nil {
		if err := r.relay.PublishPush(n); err != nil {
			r.logger.Warn("Failed to publish push notification",
				"recipientId", n.RecipientId,
				"error", err)
		}
	}
	return result
}

// BroadcastToRoom 发送给会话中加入了房间的成员
func (r *NotificationRouter) BroadcastToRoom(ctx context.Context, conv *model.Conversation, event string, data any, excludeUserID int64) {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		r.logger.Error("Failed to encode room frame", "event", event, "error", err)
		return
	}
	for _, userID := range conv.ActiveParticipantIds() {
		if userID == excludeUserID {
			continue
		}
		if conn := r.registry.Get(userID); conn != nil {
			if conn.InRoom(conv.Id) {
				r.sendTo(conn, frame, metrics.DeliveryLive)
			}
			continue
		}
		if node := r.remoteNode(ctx, userID); node != "" {
			r.publishRelay(node, &protocol.RelayMessage{
				OriginNodeId:   r.nodeID,
				UserId:         userID,
				ConversationId: conv.Id,
				Frame:          frame,
			})
		}
	}
}

// SendToUser 发送到用户的个人通道，返回是否已投递或转发
func (r *NotificationRouter) SendToUser(ctx context.Context, userID int64, event string, data any) bool {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		r.logger.Error("Failed to encode user frame", "event", event, "error", err)
		return false
	}
	if conn := r.registry.Get(userID); conn != nil {
		return r.sendTo(conn, frame, metrics.DeliveryLive) != metrics.DeliveryFailed
	}
	if node := r.remoteNode(ctx, userID); node != "" {
		return r.publishRelay(node, &protocol.RelayMessage{
			OriginNodeId: r.nodeID,
			UserId:       userID,
			Frame:        frame,
		})
	}
	return false
}

func (r *NotificationRouter) publishRelay(node string, msg *protocol.RelayMessage) bool {
	if err := r.relay.PublishToNode(node, msg); err != nil {
		r.logger.Warn("Failed to relay frame",
			"userId", msg.UserId,
			"nodeId", node,
			"error", err)
		return false
	}
	return true
}

// HandleRelay 处理其他节点转发来的帧
// 用户已不在本节点时丢弃
func (r *NotificationRouter) HandleRelay(ctx context.Context, msg *protocol.RelayMessage) {
	conn := r.registry.Get(msg.UserId)
	if conn == nil {
		r.logger.Debug("Dropped relay for user not on this node",
			"userId", msg.UserId,
			"originNodeId", msg.OriginNodeId)
		return
	}

	frame := msg.Frame
	if msg.ConversationId != 0 && !conn.InRoom(msg.ConversationId) {
		if msg.Notification == nil {
			return
		}
		data, err := protocol.Encode(protocol.EventNotificationNew, msg.Notification)
		if err != nil {
			r.logger.Error("Failed to encode relayed notification", "error", err)
			return
		}
		frame = data
	}
	if err := conn.Send(frame); err != nil {
		r.logger.Warn("Failed to deliver relayed frame",
			"userId", msg.UserId,
			"error", err)
	}
}

// DeliverPending 将离线期间积累的通知推送给刚上线的连接
func (r *NotificationRouter) DeliverPending(ctx context.Context, conn *connection.Connection) int {
	if r.queue == nil {
		return 0
	}
	pending, err := r.queue.Drain(ctx, conn.UserID())
	if err != nil {
		r.logger.Warn("Failed to drain notification queue",
			"userId", conn.UserID(),
			"error", err)
		return 0
	}
	sent := 0
	for i, n := range pending {
		data, err := protocol.Encode(protocol.EventNotificationNew, n)
		if err != nil {
			continue
		}
		if err := conn.Send(data); err != nil {
			// 剩余部分放回队列，下次上线再投递
			rest := pending[i:]
			r.logger.Warn("Failed to deliver pending notification, requeueing",
				"userId", conn.UserID(),
				"remaining", len(rest),
				"error", err)
			if err := r.queue.Requeue(ctx, conn.UserID(), rest); err != nil {
				r.logger.Error("Failed to requeue notifications",
					"userId", conn.UserID(),
					"lost", len(rest),
					"error", err)
			}
			break
		}
		sent++
	}
	return sent
}

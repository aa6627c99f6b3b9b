package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"sudooom.im.chat/internal/protocol"
)

// NotificationQueue 离线通知队列
// 每个用户一个 list，超过上限时丢弃最旧的通知
type NotificationQueue struct {
	client *redis.Client
	maxLen int64
	ttl    time.Duration
	logger *slog.Logger
}

// NewNotificationQueue 创建离线通知队列
func NewNotificationQueue(client *redis.Client, maxLen int64, ttl time.Duration) *NotificationQueue {
	if maxLen <= 0 {
		maxLen = 200
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &NotificationQueue{
		client: client,
		maxLen: maxLen,
		ttl:    ttl,
		logger: slog.Default(),
	}
}

// Enqueue 追加通知
func (q *NotificationQueue) Enqueue(ctx context.Context, userId int64, n *protocol.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	key := BuildNotificationQueueKey(userId)
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -q.maxLen, -1)
	pipe.Expire(ctx, key, q.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Drain 取出并清空用户的全部通知，按入队顺序返回
func (q *NotificationQueue) Drain(ctx context.Context, userId int64) ([]*protocol.Notification, error) {
	key := BuildNotificationQueueKey(userId)

	var items *redis.StringSliceCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		items = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := make([]*protocol.Notification, 0, len(items.Val()))
	for _, raw := range items.Val() {
		var n protocol.Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			q.logger.Warn("Dropping malformed notification",
				"userId", userId,
				"error", err)
			continue
		}
		result = append(result, &n)
	}
	return result, nil
}

// Requeue 将未送达的通知按原顺序放回队首
func (q *NotificationQueue) Requeue(ctx context.Context, userId int64, ns []*protocol.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	values := make([]any, 0, len(ns))
	for i := len(ns) - 1; i >= 0; i-- {
		data, err := json.Marshal(ns[i])
		if err != nil {
			return fmt.Errorf("failed to marshal notification: %w", err)
		}
		values = append(values, data)
	}

	key := BuildNotificationQueueKey(userId)
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, key, values...)
	pipe.LTrim(ctx, key, -q.maxLen, -1)
	pipe.Expire(ctx, key, q.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

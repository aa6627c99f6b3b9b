package redis

import "fmt"

const (
	// UserLocationKeyPrefix 用户所在节点 Key 前缀
	UserLocationKeyPrefix = "im:chat:location:"

	// NotificationQueueKeyPrefix 离线通知队列 Key 前缀
	NotificationQueueKeyPrefix = "im:chat:notify:"
)

// BuildUserLocationKey 构建用户位置 Key
// Key: im:chat:location:{userId}
func BuildUserLocationKey(userId int64) string {
	return fmt.Sprintf("%s%d", UserLocationKeyPrefix, userId)
}

// BuildNotificationQueueKey 构建离线通知队列 Key
// Key: im:chat:notify:{userId}
func BuildNotificationQueueKey(userId int64) string {
	return fmt.Sprintf("%s%d", NotificationQueueKeyPrefix, userId)
}

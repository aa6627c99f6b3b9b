package connection

import (
	"log/slog"
	"sync"
	"time"

	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/protocol"
)

// Registry 在线用户注册表
// 每个用户至多一个当前连接，后注册者覆盖先注册者
type Registry struct {
	mu     sync.RWMutex
	byUser map[int64]*Connection
	byConn map[int64]int64 // connID -> userID
	logger *slog.Logger
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[int64]*Connection),
		byConn: make(map[int64]int64),
		logger: slog.Default(),
	}
}

// Register 绑定用户当前连接，返回被替换的旧连接
func (r *Registry) Register(conn *Connection) (replaced *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID := conn.UserID()
	if old, ok := r.byUser[userID]; ok && old != conn {
		replaced = old
	}
	r.byUser[userID] = conn
	r.byConn[conn.ID()] = userID
	return replaced
}

// Unregister 移除连接；只有当该连接仍是用户当前连接时用户才下线
func (r *Registry) Unregister(conn *Connection) (userID int64, wentOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[conn.ID()]
	if !ok {
		return 0, false
	}
	delete(r.byConn, conn.ID())

	if current, ok := r.byUser[userID]; ok && current == conn {
		delete(r.byUser, userID)
		return userID, true
	}
	return userID, false
}

// IsOnline 判断用户在本节点是否在线
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userID]
	return ok
}

// Get 返回用户当前连接
func (r *Registry) Get(userID int64) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[userID]
}

// Count 返回在线用户数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// OnlineUserIds 返回所有在线用户
func (r *Registry) OnlineUserIds() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.byUser))
	for id := range r.byUser {
		ids = append(ids, id)
	}
	return ids
}

// Connections 返回所有当前连接（用于心跳检测）
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Connection, 0, len(r.byUser))
	for _, conn := range r.byUser {
		conns = append(conns, conn)
	}
	return conns
}

// Broadcast 发送给除 excludeUserID 外的所有在线用户，返回成功入队数
func (r *Registry) Broadcast(data []byte, excludeUserID int64) int {
	sent := 0
	for _, conn := range r.Connections() {
		if conn.UserID() == excludeUserID {
			continue
		}
		if err := conn.Send(data); err != nil {
			r.logger.Debug("Broadcast skipped connection",
				"userId", conn.UserID(),
				"error", err)
			continue
		}
		sent++
	}
	return sent
}

// BroadcastOnline 通知其他在线用户该用户上线
func (r *Registry) BroadcastOnline(userID int64, status model.UserStatus) {
	data, err := protocol.Encode(protocol.EventUserOnline, protocol.PresenceEvent{
		UserId: userID,
		Status: status,
	})
	if err != nil {
		r.logger.Error("Failed to encode online event", "userId", userID, "error", err)
		return
	}
	r.Broadcast(data, userID)
}

// BroadcastOffline 通知其他在线用户该用户下线
func (r *Registry) BroadcastOffline(userID int64, lastSeen time.Time) {
	data, err := protocol.Encode(protocol.EventUserOffline, protocol.PresenceEvent{
		UserId:   userID,
		Status:   model.UserStatusOffline,
		LastSeen: &lastSeen,
	})
	if err != nil {
		r.logger.Error("Failed to encode offline event", "userId", userID, "error", err)
		return
	}
	r.Broadcast(data, userID)
}

// CloseAll 关闭所有连接（停机时调用）
func (r *Registry) CloseAll() {
	for _, conn := range r.Connections() {
		conn.Close()
	}
}

package service

import (
	"context"
	"log/slog"
	"time"

	"sudooom.im.chat/internal/connection"
	apperrors "sudooom.im.chat/internal/errors"
	"sudooom.im.chat/internal/metrics"
	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/protocol"
	"sudooom.im.chat/internal/store"
)

// PresenceService 在线状态
// 内存注册表是实时状态，数据库中的 IsOnline/LastSeen 是尽力而为的投影，由 PresenceReconciler 修复
type PresenceService struct {
	registry *connection.Registry
	users    store.UserStore
	router   *NotificationRouter
	locator  Locator
	now      func() time.Time
	logger   *slog.Logger
}

// NewPresenceService 创建在线状态服务，locator 可为空
func NewPresenceService(registry *connection.Registry, users store.UserStore, router *NotificationRouter, locator Locator) *PresenceService {
	return &PresenceService{
		registry: registry,
		users:    users,
		router:   router,
		locator:  locator,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// Connect 注册新连接
// 同一用户的旧连接被踢下线；离线期间的通知随后推送
func (s *PresenceService) Connect(ctx context.Context, conn *connection.Connection) {
	userID := conn.UserID()
	replaced := s.registry.Register(conn)
	if replaced != nil && replaced != conn {
		s.logger.Info("Replaced existing connection",
			"userId", userID,
			"oldConnId", replaced.ID(),
			"newConnId", conn.ID())
		replaced.Close()
	}
	metrics.OnlineUsers.Set(float64(s.registry.Count()))

	if s.locator != nil {
		if err := s.locator.Register(ctx, userID, conn.ID(), conn.Platform()); err != nil {
			s.logger.Warn("Failed to register user location", "userId", userID, "error", err)
		}
	}

	status := model.UserStatusOnline
	if user, err := s.users.FindUser(ctx, userID); err == nil && user.Status.Valid() && user.Status != model.UserStatusOffline {
		status = user.Status
	}
	if err := s.users.UpdatePresence(ctx, userID, true, s.now()); err != nil {
		s.logger.Warn("Failed to persist online presence", "userId", userID, "error", err)
	}
	if replaced == nil && status != model.UserStatusInvisible {
		s.registry.BroadcastOnline(userID, status)
	}

	if n := s.router.DeliverPending(ctx, conn); n > 0 {
		s.logger.Debug("Delivered pending notifications", "userId", userID, "count", n)
	}
}

// Disconnect 注销连接，重复调用无副作用
// 只有该连接仍是用户当前连接时才会标记离线
func (s *PresenceService) Disconnect(ctx context.Context, conn *connection.Connection) {
	conn.Close()
	userID, wentOffline := s.registry.Unregister(conn)
	metrics.OnlineUsers.Set(float64(s.registry.Count()))

	if s.locator != nil {
		if err := s.locator.Unregister(ctx, conn.UserID(), conn.ID()); err != nil {
			s.logger.Warn("Failed to unregister user location", "userId", conn.UserID(), "error", err)
		}
	}
	if !wentOffline {
		return
	}

	lastSeen := s.now()
	if err := s.users.UpdatePresence(ctx, userID, false, lastSeen); err != nil {
		s.logger.Warn("Failed to persist offline presence", "userId", userID, "error", err)
	}
	if user, err := s.users.FindUser(ctx, userID); err == nil && user.Status == model.UserStatusInvisible {
		return
	}
	s.registry.BroadcastOffline(userID, lastSeen)
}

// Heartbeat 刷新连接活跃时间与位置 TTL
func (s *PresenceService) Heartbeat(ctx context.Context, conn *connection.Connection) {
	conn.UpdateActive()
	if s.locator == nil {
		return
	}
	if err := s.locator.Refresh(ctx, conn.UserID()); err != nil {
		s.logger.Debug("Failed to refresh user location", "userId", conn.UserID(), "error", err)
	}
}

// UpdateStatus 修改在线状态并广播，隐身对外显示为离线
func (s *PresenceService) UpdateStatus(ctx context.Context, userID int64, status model.UserStatus) error {
	if !status.Valid() || status == model.UserStatusOffline {
		return apperrors.ErrInvalidStatus
	}
	if err := s.users.UpdateStatus(ctx, userID, status); err != nil {
		return storeErr(err, apperrors.ErrUserNotFound)
	}

	data, err := protocol.Encode(protocol.EventStatusUpdated, protocol.PresenceEvent{
		UserId: userID,
		Status: status.Visible(),
	})
	if err != nil {
		return apperrors.ErrServerError.Wrap(err)
	}
	s.registry.Broadcast(data, userID)
	return nil
}

// IsOnline 查询用户是否在本节点在线
func (s *PresenceService) IsOnline(userID int64) bool {
	return s.registry.IsOnline(userID)
}

// PresenceReconciler 定期修正数据库中的在线标记
type PresenceReconciler struct {
	registry *connection.Registry
	users    store.UserStore
	locator  Locator
	nodeID   string
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewPresenceReconciler 创建在线状态修复器，locator 为空时只参考本节点注册表
func NewPresenceReconciler(registry *connection.Registry, users store.UserStore, locator Locator, nodeID string, interval time.Duration) *PresenceReconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &PresenceReconciler{
		registry: registry,
		users:    users,
		locator:  locator,
		nodeID:   nodeID,
		interval: interval,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// Start 启动定期修复，阻塞直到 ctx 取消
func (r *PresenceReconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			toOnline, toOffline, err := r.Reconcile(ctx)
			if err != nil {
				r.logger.Warn("Presence reconcile failed", "error", err)
				continue
			}
			if toOnline+toOffline > 0 {
				r.logger.Info("Presence reconciled",
					"markedOnline", toOnline,
					"markedOffline", toOffline)
			}
		}
	}
}

// Reconcile 执行一次修复，返回修正为在线和离线的用户数
func (r *PresenceReconciler) Reconcile(ctx context.Context) (toOnline, toOffline int, err error) {
	durable, err := r.users.ListOnlineUserIds(ctx)
	if err != nil {
		return 0, 0, err
	}
	now := r.now()

	flagged := make(map[int64]struct{}, len(durable))
	for _, userID := range durable {
		flagged[userID] = struct{}{}
		if r.registry.IsOnline(userID) || r.onlineElsewhere(ctx, userID) {
			continue
		}
		if err := r.users.UpdatePresence(ctx, userID, false, now); err != nil {
			r.logger.Warn("Failed to mark user offline", "userId", userID, "error", err)
			continue
		}
		metrics.PresenceRepairs.WithLabelValues("offline").Inc()
		toOffline++
	}

	for _, userID := range r.registry.OnlineUserIds() {
		if _, ok := flagged[userID]; ok {
			continue
		}
		if err := r.users.UpdatePresence(ctx, userID, true, now); err != nil {
			r.logger.Warn("Failed to mark user online", "userId", userID, "error", err)
			continue
		}
		metrics.PresenceRepairs.WithLabelValues("online").Inc()
		toOnline++
	}
	return toOnline, toOffline, nil
}

// onlineElsewhere 用户是否连接在其他节点，无法确定时按在线处理
func (r *PresenceReconciler) onlineElsewhere(ctx context.Context, userID int64) bool {
	if r.locator == nil {
		return false
	}
	loc, err := r.locator.Get(ctx, userID)
	if err != nil {
		return true
	}
	return loc != nil && loc.NodeId != r.nodeID
}

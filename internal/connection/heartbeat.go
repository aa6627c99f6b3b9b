package connection

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultIdleTimeout = 90 * time.Second
	defaultSweepEvery  = 30 * time.Second
)

// EvictFunc 连接因空闲被关闭时回调，idle 为距最后一次活跃的时长
type EvictFunc func(conn *Connection, idle time.Duration)

// IdleReaper 周期性关闭长时间没有上行帧或 pong 的连接
// 只负责关闭，注销由会话读循环退出时完成
type IdleReaper struct {
	registry *Registry
	timeout  time.Duration
	every    time.Duration
	onEvict  EvictFunc
	logger   *slog.Logger
}

// NewIdleReaper 创建空闲连接回收器，onEvict 可为 nil
func NewIdleReaper(registry *Registry, timeout, every time.Duration, logger *slog.Logger, onEvict EvictFunc) *IdleReaper {
	if timeout <= 0 {
		timeout = defaultIdleTimeout
	}
	if every <= 0 {
		every = defaultSweepEvery
	}
	return &IdleReaper{
		registry: registry,
		timeout:  timeout,
		every:    every,
		onEvict:  onEvict,
		logger:   logger,
	}
}

// Start 阻塞运行直到 ctx 取消
func (r *IdleReaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()

	r.logger.Info("Idle reaper started", "timeout", r.timeout, "every", r.every)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// Sweep 关闭在 now 时刻已超时的连接，返回被关闭的连接
func (r *IdleReaper) Sweep(now time.Time) []*Connection {
	var evicted []*Connection
	for _, conn := range r.registry.Connections() {
		if conn.IsClosed() {
			continue
		}
		idle := now.Sub(conn.LastActiveTime())
		if idle <= r.timeout {
			continue
		}
		if r.onEvict != nil {
			r.onEvict(conn, idle)
		}
		conn.Close()
		evicted = append(evicted, conn)
	}

	if len(evicted) > 0 {
		r.logger.Info("Idle connections closed", "count", len(evicted), "timeout", r.timeout)
	}
	return evicted
}

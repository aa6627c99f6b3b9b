package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const (
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
	StateDisabled     = "disabled" // 单节点部署未启用 NATS
)

const checkTimeout = 2 * time.Second

// Status 健康状态
type Status struct {
	NATS        string `json:"nats"`
	Redis       string `json:"redis"`
	Database    string `json:"database"`
	Connections int    `json:"connections"`
}

// Healthy 所有已启用的依赖都可用
func (s *Status) Healthy() bool {
	return s.NATS != StateDisconnected && s.Redis == StateConnected && s.Database == StateConnected
}

// Checker 健康检查器
type Checker struct {
	natsConnected func() bool
	redisPing     func(ctx context.Context) error
	dbPing        func(ctx context.Context) error
	connections   func() int
}

// NewChecker 创建健康检查器，nc 为 nil 表示未启用集群
func NewChecker(nc *nats.Conn, redisClient *redis.Client, db *pgxpool.Pool, connections func() int) *Checker {
	h := &Checker{
		redisPing:   func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		dbPing:      db.Ping,
		connections: connections,
	}
	if nc != nil {
		h.natsConnected = nc.IsConnected
	}
	return h
}

func ping(ctx context.Context, fn func(ctx context.Context) error) string {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		return StateDisconnected
	}
	return StateConnected
}

// Check 执行健康检查
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		NATS:     StateDisabled,
		Redis:    ping(ctx, h.redisPing),
		Database: ping(ctx, h.dbPing),
	}
	if h.natsConnected != nil {
		status.NATS = StateDisconnected
		if h.natsConnected() {
			status.NATS = StateConnected
		}
	}
	if h.connections != nil {
		status.Connections = h.connections()
	}
	return status
}

// Health 返回各依赖的状态
func (h *Checker) Health(c *gin.Context) {
	status := h.Check(c.Request.Context())
	code := http.StatusOK
	if !status.Healthy() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// Ready 就绪探针
func (h *Checker) Ready(c *gin.Context) {
	if h.Check(c.Request.Context()).Healthy() {
		c.String(http.StatusOK, "OK")
		return
	}
	c.String(http.StatusServiceUnavailable, "Not Ready")
}

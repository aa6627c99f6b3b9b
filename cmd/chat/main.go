package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"sudooom.im.chat/internal/config"
	"sudooom.im.chat/internal/connection"
	"sudooom.im.chat/internal/gateway"
	"sudooom.im.chat/internal/handler"
	"sudooom.im.chat/internal/health"
	"sudooom.im.chat/internal/jwt"
	"sudooom.im.chat/internal/metrics"
	chatnats "sudooom.im.chat/internal/nats"
	chatredis "sudooom.im.chat/internal/redis"
	"sudooom.im.chat/internal/router"
	"sudooom.im.chat/internal/service"
	"sudooom.im.chat/internal/snowflake"
	"sudooom.im.chat/internal/store/postgres"
	"sudooom.im.chat/internal/timer"
	"sudooom.im.chat/internal/workerpool"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.App.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server exited", "error", err)
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// PostgreSQL
	db, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("create postgres pool: %w", err)
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	store := postgres.New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	logger.Info("Connected to PostgreSQL", "host", cfg.Database.Host, "db", cfg.Database.Name)

	// Redis
	redisClient, err := chatredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()
	logger.Info("Connected to Redis", "addr", cfg.Redis.Addr())

	locations := chatredis.NewLocationStore(redisClient, cfg.Cluster.NodeID, cfg.Presence.LocationTTL)
	routerOpts := service.RouterOptions{
		Queue:   chatredis.NewNotificationQueue(redisClient, cfg.Notification.QueueMaxLen, cfg.Notification.QueueTTL),
		Locator: locations,
		NodeID:  cfg.Cluster.NodeID,
	}

	// NATS 仅在多节点部署时启用
	var (
		natsClient *chatnats.Client
		natsConn   *nats.Conn
	)
	if cfg.Cluster.Enabled {
		natsClient, err = chatnats.Connect(cfg.NATS, cfg.App.Name+"-"+cfg.Cluster.NodeID, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsClient.Close()
		natsConn = natsClient.Conn()
		routerOpts.Relay = chatnats.NewPublisher(natsConn)
		logger.Info("Connected to NATS", "url", cfg.NATS.URL, "nodeId", cfg.Cluster.NodeID)
	}

	ids, err := snowflake.NewNode(cfg.Cluster.WorkerID)
	if err != nil {
		return fmt.Errorf("create id generator: %w", err)
	}

	registry := connection.NewRegistry()
	pool := workerpool.New(cfg.Fanout.Workers, cfg.Fanout.QueueSize, logger)

	// 业务服务
	conversations := service.NewConversationService(store, store, ids)
	notifier := service.NewNotificationRouter(registry, pool, conversations, routerOpts)
	messages := service.NewMessageService(store, store, conversations, notifier, ids)
	presence := service.NewPresenceService(registry, store, notifier, locations)
	users := service.NewUserService(store)
	auth := service.NewAuthService(store, jwt.NewService(cfg.JWT.SecretKey, cfg.JWT.AccessExpire, cfg.JWT.RefreshExpire), ids)

	if natsConn != nil {
		subscriber := chatnats.NewRelaySubscriber(natsConn, cfg.Cluster.NodeID, notifier, chatnats.SubscriberConfig{})
		if err := subscriber.Start(ctx); err != nil {
			return fmt.Errorf("subscribe relay: %w", err)
		}
		defer subscriber.Stop()
	}

	timers := timer.NewWheel(time.Second, pool)
	gw := gateway.New(cfg.Gateway, gateway.Services{
		Presence:      presence,
		Conversations: conversations,
		Messages:      messages,
		Router:        notifier,
		Timers:        timers,
	})

	engine := router.SetupRouter(cfg.App.Mode, router.Handlers{
		Auth:         auth,
		AuthHandler:  handler.NewAuthHandler(auth),
		User:         handler.NewUserHandler(users, presence),
		Conversation: handler.NewConversationHandler(conversations),
		Message:      handler.NewMessageHandler(messages),
		Gateway:      gw,
		Health:       health.NewChecker(natsConn, redisClient, db, registry.Count),
		Origins:      cfg.Gateway.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	reaper := connection.NewIdleReaper(registry, cfg.Gateway.HeartbeatTimeout, cfg.Gateway.HeartbeatCheck, logger,
		func(conn *connection.Connection, idle time.Duration) {
			metrics.SocketEvents.WithLabelValues("heartbeat", "timeout").Inc()
			logger.Debug("Closing idle connection", "userId", conn.UserID(), "connId", conn.ID(), "idle", idle)
		})
	reconciler := service.NewPresenceReconciler(registry, store, locations, cfg.Cluster.NodeID, cfg.Presence.ReconcileInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Chat server started",
			"addr", srv.Addr,
			"nodeId", cfg.Cluster.NodeID,
			"cluster", cfg.Cluster.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		reaper.Start(gctx)
		return nil
	})
	g.Go(func() error {
		reconciler.Start(gctx)
		return nil
	})
	g.Go(func() error {
		timers.Start(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Shutdown 不等待已劫持的 WebSocket 连接，先关闭它们让读循环退出
		registry.CloseAll()
		err := srv.Shutdown(shutdownCtx)
		pool.Shutdown()
		return err
	})

	return g.Wait()
}

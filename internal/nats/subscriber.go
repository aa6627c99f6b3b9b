package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"sudooom.im.chat/internal/protocol"
)

// RelayHandler 处理转发到本节点的帧
type RelayHandler interface {
	HandleRelay(ctx context.Context, msg *protocol.RelayMessage)
}

// SubscriberConfig Worker 配置
type SubscriberConfig struct {
	WorkerCount int // Worker 数量
	BufferSize  int // 消息缓冲区大小
}

// RelaySubscriber 订阅本节点的转发 Subject
type RelaySubscriber struct {
	nc           *nats.Conn
	nodeID       string
	handler      RelayHandler
	logger       *slog.Logger
	subscription *nats.Subscription
	config       SubscriberConfig
	msgChan      chan *nats.Msg
	wg           sync.WaitGroup
	cancelFunc   context.CancelFunc
}

// NewRelaySubscriber 创建订阅器
func NewRelaySubscriber(nc *nats.Conn, nodeID string, handler RelayHandler, config SubscriberConfig) *RelaySubscriber {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 16
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 4096
	}

	return &RelaySubscriber{
		nc:      nc,
		nodeID:  nodeID,
		handler: handler,
		logger:  slog.Default(),
		config:  config,
	}
}

// Start 启动订阅
func (s *RelaySubscriber) Start(ctx context.Context) error {
	s.msgChan = make(chan *nats.Msg, s.config.BufferSize)

	workerCtx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel

	for i := 0; i < s.config.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(workerCtx)
	}

	subject := BuildNodeRelaySubject(s.nodeID)
	sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case s.msgChan <- msg:
		default:
			s.logger.Warn("Relay buffer full, dropping message", "bufferSize", s.config.BufferSize)
		}
	})
	if err != nil {
		cancel()
		return err
	}

	s.subscription = sub
	s.logger.Info("NATS relay subscriber started",
		"subject", subject,
		"workerCount", s.config.WorkerCount,
		"bufferSize", s.config.BufferSize,
	)
	return nil
}

func (s *RelaySubscriber) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.msgChan:
			s.handle(ctx, msg.Data)
		}
	}
}

func (s *RelaySubscriber) handle(ctx context.Context, data []byte) {
	var relay protocol.RelayMessage
	if err := json.Unmarshal(data, &relay); err != nil {
		s.logger.Error("Failed to unmarshal relay message", "error", err)
		return
	}
	s.handler.HandleRelay(ctx, &relay)
}

// Stop 停止订阅
func (s *RelaySubscriber) Stop() error {
	if s.subscription != nil {
		if err := s.subscription.Unsubscribe(); err != nil {
			s.logger.Error("Failed to unsubscribe", "error", err)
		}
	}
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	s.wg.Wait()

	s.logger.Info("NATS relay subscriber stopped")
	return nil
}

// BufferUsage 获取缓冲区使用情况（用于监控）
func (s *RelaySubscriber) BufferUsage() (current int, capacity int) {
	if s.msgChan == nil {
		return 0, 0
	}
	return len(s.msgChan), cap(s.msgChan)
}

package nats

import (
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"sudooom.im.chat/internal/protocol"
)

// Publisher 跨节点转发与离线推送发布器
type Publisher struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewPublisher 创建发布器
func NewPublisher(nc *nats.Conn) *Publisher {
	return &Publisher{
		nc:     nc,
		logger: slog.Default(),
	}
}

// PublishToNode 转发帧到用户所在节点
func (p *Publisher) PublishToNode(nodeID string, msg *protocol.RelayMessage) error {
	subject := BuildNodeRelaySubject(nodeID)
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("Failed to marshal relay message", "error", err)
		return err
	}

	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Error("Failed to publish to node", "nodeId", nodeID, "error", err)
		return err
	}

	p.logger.Debug("Relayed frame to node", "nodeId", nodeID, "userId", msg.UserId)
	return nil
}

// PublishPush 发布离线推送
func (p *Publisher) PublishPush(n *protocol.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		p.logger.Error("Failed to marshal push notification", "error", err)
		return err
	}
	return p.nc.Publish(SubjectPush, data)
}

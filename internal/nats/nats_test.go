package nats

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.chat/internal/config"
	"sudooom.im.chat/internal/protocol"
)

type relayRecorder struct {
	got chan *protocol.RelayMessage
}

func (r *relayRecorder) HandleRelay(_ context.Context, msg *protocol.RelayMessage) {
	r.got <- msg
}

// getTestConn 连接本地 NATS，不可用时跳过
func getTestConn(t *testing.T) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(nats.DefaultURL, nats.Timeout(time.Second))
	if err != nil {
		t.Skipf("NATS not available, skipping test: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func TestClientOptions(t *testing.T) {
	c := &Client{logger: slog.Default()}
	cfg := config.NATSConfig{URL: nats.DefaultURL, MaxReconnects: -1, ReconnectWait: 3 * time.Second}

	opts := nats.GetDefaultOptions()
	for _, apply := range c.options(cfg, "im-chat-node-1") {
		require.NoError(t, apply(&opts))
	}
	assert.Equal(t, "im-chat-node-1", opts.Name)
	assert.Equal(t, -1, opts.MaxReconnect)
	assert.Equal(t, 3*time.Second, opts.ReconnectWait)
	assert.Equal(t, pingInterval, opts.PingInterval)
	assert.NotNil(t, opts.AsyncErrorCB)
}

func TestBuildNodeRelaySubject(t *testing.T) {
	assert.Equal(t, "im.chat.node.chat-2.relay", BuildNodeRelaySubject("chat-2"))
}

func TestRelay_PublishSubscribe(t *testing.T) {
	nc := getTestConn(t)
	nodeID := fmt.Sprintf("test-%d", time.Now().UnixNano())

	rec := &relayRecorder{got: make(chan *protocol.RelayMessage, 1)}
	sub := NewRelaySubscriber(nc, nodeID, rec, SubscriberConfig{WorkerCount: 1, BufferSize: 8})
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop()

	pub := NewPublisher(nc)
	require.NoError(t, pub.PublishToNode(nodeID, &protocol.RelayMessage{
		OriginNodeId:   "origin",
		UserId:         42,
		ConversationId: 7,
		Frame:          []byte(`{"event":"new-message"}`),
	}))

	select {
	case msg := <-rec.got:
		assert.Equal(t, int64(42), msg.UserId)
		assert.Equal(t, `{"event":"new-message"}`, string(msg.Frame))
	case <-time.After(2 * time.Second):
		t.Fatal("relay not received")
	}
}

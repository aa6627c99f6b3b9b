package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"sudooom.im.chat/internal/connection"
	"sudooom.im.chat/internal/jwt"
	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/protocol"
	chatredis "sudooom.im.chat/internal/redis"
	"sudooom.im.chat/internal/snowflake"
	"sudooom.im.chat/internal/store/memory"
	"sudooom.im.chat/internal/workerpool"
)

// fakeTransport 记录写出的帧
type fakeTransport struct {
	mu      sync.Mutex
	closed  bool
	written chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{written: make(chan []byte, 1024)}
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	f.written <- data
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type testFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// waitFor 读取帧直到出现指定事件
func waitFor(t *testing.T, tr *fakeTransport, event string) json.RawMessage {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case data := <-tr.written:
			var f testFrame
			require.NoError(t, json.Unmarshal(data, &f))
			if f.Event == event {
				return f.Data
			}
		case <-deadline:
			t.Fatalf("event %q not received", event)
			return nil
		}
	}
}

// assertNoEvent 在等待时间内不应收到指定事件
func assertNoEvent(t *testing.T, tr *fakeTransport, event string, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case data := <-tr.written:
			var f testFrame
			require.NoError(t, json.Unmarshal(data, &f))
			if f.Event == event {
				t.Fatalf("unexpected event %q: %s", event, f.Data)
			}
		case <-deadline:
			return
		}
	}
}

// fakeQueue 内存版离线通知队列
type fakeQueue struct {
	mu    sync.Mutex
	items map[int64][]*protocol.Notification
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{items: make(map[int64][]*protocol.Notification)}
}

func (q *fakeQueue) Enqueue(_ context.Context, userId int64, n *protocol.Notification) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *n
	q.items[userId] = append(q.items[userId], &cp)
	return nil
}

func (q *fakeQueue) Drain(_ context.Context, userId int64) ([]*protocol.Notification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items[userId]
	delete(q.items, userId)
	return items, nil
}

func (q *fakeQueue) Requeue(_ context.Context, userId int64, ns []*protocol.Notification) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[userId] = append(append([]*protocol.Notification(nil), ns...), q.items[userId]...)
	return nil
}

func (q *fakeQueue) pending(userId int64) []*protocol.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*protocol.Notification(nil), q.items[userId]...)
}

// fakeLocator 内存版用户位置
type fakeLocator struct {
	mu   sync.Mutex
	node string
	locs map[int64]*chatredis.UserLocation
	err  error
}

func newFakeLocator(node string) *fakeLocator {
	return &fakeLocator{node: node, locs: make(map[int64]*chatredis.UserLocation)}
}

func (l *fakeLocator) Register(_ context.Context, userId, connId int64, platform string) error {
	l.put(userId, l.node, connId)
	return nil
}

func (l *fakeLocator) Unregister(_ context.Context, userId, connId int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if loc, ok := l.locs[userId]; ok && loc.NodeId == l.node && loc.ConnId == connId {
		delete(l.locs, userId)
	}
	return nil
}

func (l *fakeLocator) Refresh(context.Context, int64) error { return nil }

func (l *fakeLocator) Get(_ context.Context, userId int64) (*chatredis.UserLocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	loc, ok := l.locs[userId]
	if !ok {
		return nil, nil
	}
	cp := *loc
	return &cp, nil
}

func (l *fakeLocator) put(userId int64, node string, connId int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locs[userId] = &chatredis.UserLocation{UserId: userId, NodeId: node, ConnId: connId}
}

// fakeRelay 记录转发与推送
type fakeRelay struct {
	mu      sync.Mutex
	relayed map[string][]*protocol.RelayMessage
	pushed  []*protocol.Notification
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{relayed: make(map[string][]*protocol.RelayMessage)}
}

func (r *fakeRelay) PublishToNode(nodeID string, msg *protocol.RelayMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relayed[nodeID] = append(r.relayed[nodeID], msg)
	return nil
}

func (r *fakeRelay) PublishPush(n *protocol.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushed = append(r.pushed, n)
	return nil
}

func (r *fakeRelay) relayedTo(nodeID string) []*protocol.RelayMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*protocol.RelayMessage(nil), r.relayed[nodeID]...)
}

type harness struct {
	store         *memory.Store
	registry      *connection.Registry
	pool          *workerpool.Pool
	queue         *fakeQueue
	ids           *snowflake.Node
	conversations *ConversationService
	router        *NotificationRouter
	messages      *MessageService
	presence      *PresenceService
	users         *UserService
	auth          *AuthService
}

func newHarness(t *testing.T) *harness {
	return newClusterHarness(t, RouterOptions{})
}

func newClusterHarness(t *testing.T, opts RouterOptions) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(),
		registry: connection.NewRegistry(),
		pool:     workerpool.New(4, 64, slog.Default()),
	}
	if opts.Queue == nil {
		h.queue = newFakeQueue()
		opts.Queue = h.queue
	}
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	h.ids = node

	h.conversations = NewConversationService(h.store, h.store, h.ids)
	h.router = NewNotificationRouter(h.registry, h.pool, h.conversations, opts)
	h.messages = NewMessageService(h.store, h.store, h.conversations, h.router, h.ids)
	h.presence = NewPresenceService(h.registry, h.store, h.router, opts.Locator)
	h.users = NewUserService(h.store)
	h.auth = NewAuthService(h.store, jwt.NewService("test-secret", time.Hour, 24*time.Hour), h.ids)
	h.auth.bcryptCost = bcrypt.MinCost

	t.Cleanup(func() {
		h.registry.CloseAll()
		h.pool.Shutdown()
	})
	return h
}

func (h *harness) createUser(t *testing.T, name string) *model.User {
	t.Helper()
	now := time.Now()
	u := &model.User{
		Id:        h.ids.Generate().Int64(),
		Email:     fmt.Sprintf("%s-%d@example.com", name, now.UnixNano()),
		Username:  name,
		Status:    model.UserStatusOnline,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, h.store.CreateUser(context.Background(), u))
	return u
}

// connect 建立连接并注册
func (h *harness) connect(t *testing.T, userID int64) (*connection.Connection, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	conn := connection.New(tr, connection.Options{UserID: userID, Platform: "web"}, slog.Default())
	h.presence.Connect(context.Background(), conn)
	return conn, tr
}

func (h *harness) direct(t *testing.T, a, b *model.User) *model.Conversation {
	t.Helper()
	conv, err := h.conversations.CreateDirect(context.Background(), a.Id, b.Id)
	require.NoError(t, err)
	return conv
}

func (h *harness) group(t *testing.T, admin *model.User, members ...*model.User) *model.Conversation {
	t.Helper()
	ids := make([]int64, len(members))
	for i, m := range members {
		ids[i] = m.Id
	}
	conv, err := h.conversations.CreateGroup(context.Background(), admin.Id, &CreateGroupRequest{
		Name:      "team",
		MemberIds: ids,
	})
	require.NoError(t, err)
	return conv
}

func (h *harness) sendText(t *testing.T, convID, senderID int64, text string) *model.Message {
	t.Helper()
	msg, err := h.messages.Send(context.Background(), &SendRequest{
		ConversationId: convID,
		SenderId:       senderID,
		Type:           model.MessageTypeText,
		Content:        model.NewTextContent(text),
	})
	require.NoError(t, err)
	return msg
}

func (h *harness) conversation(t *testing.T, id int64) *model.Conversation {
	t.Helper()
	conv, err := h.store.FindConversation(context.Background(), id)
	require.NoError(t, err)
	return conv
}

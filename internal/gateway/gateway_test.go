package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.chat/internal/config"
	"sudooom.im.chat/internal/connection"
	apperrors "sudooom.im.chat/internal/errors"
	"sudooom.im.chat/internal/jwt"
	"sudooom.im.chat/internal/middleware"
	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/protocol"
	"sudooom.im.chat/internal/service"
	"sudooom.im.chat/internal/snowflake"
	"sudooom.im.chat/internal/store/memory"
	"sudooom.im.chat/internal/timer"
	"sudooom.im.chat/internal/workerpool"
)

type fakeTransport struct {
	written chan []byte
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	f.written <- data
	return nil
}

func (f *fakeTransport) Close() error { return nil }

type frame struct {
	Event string          `json:"event"`
	ReqId string          `json:"reqId"`
	Data  json.RawMessage `json:"data"`
}

// next 读取下一个指定事件的帧
func (f *fakeTransport) next(t *testing.T, event string) frame {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case data := <-f.written:
			var fr frame
			require.NoError(t, json.Unmarshal(data, &fr))
			if fr.Event == event {
				return fr
			}
		case <-deadline:
			t.Fatalf("event %q not received", event)
			return frame{}
		}
	}
}

type testEnv struct {
	pool     *workerpool.Pool
	store    *memory.Store
	ids      *snowflake.Node
	registry *connection.Registry
	svc      Services
	jwt      *jwt.Service
	auth     *service.AuthService
	gw       *Gateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	pool := workerpool.New(2, 32, slog.Default())
	e := &testEnv{
		pool:     pool,
		store:    memory.New(),
		ids:      node,
		registry: connection.NewRegistry(),
		jwt:      jwt.NewService("gateway-secret", time.Hour, 24*time.Hour),
	}
	conversations := service.NewConversationService(e.store, e.store, e.ids)
	router := service.NewNotificationRouter(e.registry, pool, conversations, service.RouterOptions{})
	e.svc = Services{
		Presence:      service.NewPresenceService(e.registry, e.store, router, nil),
		Conversations: conversations,
		Messages:      service.NewMessageService(e.store, e.store, conversations, router, e.ids),
		Router:        router,
	}
	e.auth = service.NewAuthService(e.store, e.jwt, e.ids)
	e.gw = New(config.GatewayConfig{SendBuffer: 64, PongWait: 5 * time.Second}, e.svc)

	t.Cleanup(func() {
		e.registry.CloseAll()
		pool.Shutdown()
	})
	return e
}

func (e *testEnv) user(t *testing.T, name string) *model.User {
	t.Helper()
	now := time.Now()
	u := &model.User{
		Id:        e.ids.Generate().Int64(),
		Email:     fmt.Sprintf("%s@example.com", name),
		Username:  name,
		Status:    model.UserStatusOnline,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, e.store.CreateUser(context.Background(), u))
	return u
}

func (e *testEnv) connect(t *testing.T, userID int64) (*connection.Connection, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{written: make(chan []byte, 256)}
	conn := connection.New(tr, connection.Options{UserID: userID, Platform: "web"}, slog.Default())
	e.svc.Presence.Connect(context.Background(), conn)
	return conn, tr
}

func (e *testEnv) dispatch(conn *connection.Connection, event, reqID string, data any) {
	raw, _ := json.Marshal(data)
	env, _ := json.Marshal(protocol.Envelope{Event: event, ReqId: reqID, Data: raw})
	e.gw.Dispatch(context.Background(), conn, env)
}

func TestDispatch_JoinAndSend(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a := e.user(t, "alice")
	b := e.user(t, "bob")
	conv, err := e.svc.Conversations.CreateDirect(ctx, a.Id, b.Id)
	require.NoError(t, err)

	connA, trA := e.connect(t, a.Id)
	connB, trB := e.connect(t, b.Id)

	e.dispatch(connB, protocol.EventJoinConversation, "j1", protocol.ConversationRef{ConversationId: conv.Id})
	joined := trB.next(t, protocol.EventJoinConversation)
	assert.Equal(t, "j1", joined.ReqId)
	assert.True(t, connB.InRoom(conv.Id))

	e.dispatch(connA, protocol.EventSendMessage, "r1", protocol.SendMessageRequest{
		ConversationId: conv.Id,
		Type:           model.MessageTypeText,
		Content:        model.NewTextContent("hi"),
		ClientMsgId:    "c-1",
	})

	sent := trA.next(t, protocol.EventMessageSent)
	assert.Equal(t, "r1", sent.ReqId)
	var ack protocol.MessageSentAck
	require.NoError(t, json.Unmarshal(sent.Data, &ack))
	assert.Equal(t, "c-1", ack.ClientMsgId)
	require.NotNil(t, ack.Message)
	assert.Equal(t, conv.Id, ack.Message.ConversationId)

	var push protocol.MessagePush
	require.NoError(t, json.Unmarshal(trB.next(t, protocol.EventNewMessage).Data, &push))
	assert.Equal(t, ack.Message.Id, push.Message.Id)
}

func TestDispatch_Errors(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a := e.user(t, "alice")
	b := e.user(t, "bob")
	c := e.user(t, "carol")
	conv, err := e.svc.Conversations.CreateDirect(ctx, a.Id, b.Id)
	require.NoError(t, err)
	connC, trC := e.connect(t, c.Id)

	tests := []struct {
		name     string
		raw      string
		wantCode int
		wantEvt  string
	}{
		{"malformed json", `{"event":`, apperrors.CodeInvalidParams, ""},
		{"unknown event", `{"event":"dance","reqId":"x"}`, apperrors.CodeInvalidParams, "dance"},
		{"missing data", `{"event":"join-conversation"}`, apperrors.CodeInvalidParams, protocol.EventJoinConversation},
		{"join foreign conversation", fmt.Sprintf(`{"event":"join-conversation","data":{"conversationId":%d}}`, conv.Id), apperrors.CodeNotParticipant, protocol.EventJoinConversation},
		{"send to foreign conversation", fmt.Sprintf(`{"event":"send-message","data":{"conversationId":%d,"type":"text","content":{"text":{"text":"x"}}}}`, conv.Id), apperrors.CodeNotParticipant, protocol.EventSendMessage},
		{"call signal without id", fmt.Sprintf(`{"event":"call-end","data":{"conversationId":%d}}`, conv.Id), apperrors.CodeInvalidParams, protocol.EventCallEnd},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e.gw.Dispatch(ctx, connC, []byte(tt.raw))
			var ev protocol.ErrorEvent
			require.NoError(t, json.Unmarshal(trC.next(t, protocol.EventError).Data, &ev))
			assert.Equal(t, tt.wantCode, ev.Code)
			assert.Equal(t, tt.wantEvt, ev.Event)
			assert.NotEmpty(t, ev.Message)
		})
	}
	assert.False(t, connC.InRoom(conv.Id))
}

func TestDispatch_Typing(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a := e.user(t, "alice")
	b := e.user(t, "bob")
	conv, err := e.svc.Conversations.CreateDirect(ctx, a.Id, b.Id)
	require.NoError(t, err)
	connA, _ := e.connect(t, a.Id)
	connB, trB := e.connect(t, b.Id)
	connB.Join(conv.Id)

	e.dispatch(connA, protocol.EventTypingStart, "", protocol.ConversationRef{ConversationId: conv.Id})

	var ev protocol.TypingEvent
	require.NoError(t, json.Unmarshal(trB.next(t, protocol.EventTypingStart).Data, &ev))
	assert.Equal(t, a.Id, ev.UserId)
	assert.Equal(t, conv.Id, ev.ConversationId)
}

func TestDispatch_ReactAndReceipts(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a := e.user(t, "alice")
	b := e.user(t, "bob")
	conv, err := e.svc.Conversations.CreateDirect(ctx, a.Id, b.Id)
	require.NoError(t, err)
	connA, trA := e.connect(t, a.Id)
	connB, trB := e.connect(t, b.Id)
	connA.Join(conv.Id)

	msg, err := e.svc.Messages.Send(ctx, &service.SendRequest{
		ConversationId: conv.Id,
		SenderId:       a.Id,
		Type:           model.MessageTypeText,
		Content:        model.NewTextContent("hello"),
	})
	require.NoError(t, err)

	e.dispatch(connB, protocol.EventReact, "r", protocol.ReactionRequest{MessageId: msg.Id, Reaction: "👍"})
	var reacted protocol.ReactionEvent
	require.NoError(t, json.Unmarshal(trB.next(t, protocol.EventReact).Data, &reacted))
	assert.Equal(t, []int64{b.Id}, reacted.Reactions["👍"])
	trA.next(t, protocol.EventReactionAdded)

	e.dispatch(connB, protocol.EventMarkDelivered, "", protocol.MessageRef{MessageId: msg.Id})
	var receipt protocol.ReceiptEvent
	require.NoError(t, json.Unmarshal(trA.next(t, protocol.EventDeliveryReceipt).Data, &receipt))
	assert.Equal(t, b.Id, receipt.UserId)

	e.dispatch(connB, protocol.EventMarkRead, "", protocol.MessageRef{MessageId: msg.Id})
	trA.next(t, protocol.EventReadReceipt)
}

func TestDispatch_CallSignaling(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a := e.user(t, "alice")
	b := e.user(t, "bob")
	conv, err := e.svc.Conversations.CreateDirect(ctx, a.Id, b.Id)
	require.NoError(t, err)
	connA, trA := e.connect(t, a.Id)
	connB, trB := e.connect(t, b.Id)

	e.dispatch(connA, protocol.EventCallInitiate, "c", protocol.CallRequest{ConversationId: conv.Id, CallType: "video"})

	var initiated protocol.CallEvent
	require.NoError(t, json.Unmarshal(trA.next(t, protocol.EventCallInitiated).Data, &initiated))
	assert.NotEmpty(t, initiated.CallId)

	var incoming protocol.CallEvent
	require.NoError(t, json.Unmarshal(trB.next(t, protocol.EventCallIncoming).Data, &incoming))
	assert.Equal(t, initiated.CallId, incoming.CallId)
	assert.Equal(t, a.Id, incoming.FromUserId)
	assert.Equal(t, "video", incoming.CallType)

	e.dispatch(connB, protocol.EventCallAccept, "", protocol.CallRequest{ConversationId: conv.Id, CallId: incoming.CallId})
	var accepted protocol.CallEvent
	require.NoError(t, json.Unmarshal(trA.next(t, protocol.EventCallAccepted).Data, &accepted))
	assert.Equal(t, b.Id, accepted.FromUserId)

	e.dispatch(connA, protocol.EventCallEnd, "", protocol.CallRequest{ConversationId: conv.Id, CallId: incoming.CallId})
	trB.next(t, protocol.EventCallEnded)
}

func TestDispatch_UpdateStatus(t *testing.T) {
	e := newTestEnv(t)
	a := e.user(t, "alice")
	b := e.user(t, "bob")
	_, trA := e.connect(t, a.Id)
	connB, trB := e.connect(t, b.Id)

	e.dispatch(connB, protocol.EventUpdateStatus, "s", protocol.StatusRequest{Status: model.UserStatusAway})
	trB.next(t, protocol.EventUpdateStatus)

	var ev protocol.PresenceEvent
	require.NoError(t, json.Unmarshal(trA.next(t, protocol.EventStatusUpdated).Data, &ev))
	assert.Equal(t, model.UserStatusAway, ev.Status)

	e.dispatch(connB, protocol.EventUpdateStatus, "s", protocol.StatusRequest{Status: "sleeping"})
	var errEv protocol.ErrorEvent
	require.NoError(t, json.Unmarshal(trB.next(t, protocol.EventError).Data, &errEv))
	assert.Equal(t, apperrors.CodeInvalidStatus, errEv.Code)
}

func TestServeWS_EndToEnd(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a := e.user(t, "alice")
	b := e.user(t, "bob")
	conv, err := e.svc.Conversations.CreateDirect(ctx, a.Id, b.Id)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", middleware.WebSocketAuth(e.auth), e.gw.ServeWS)
	srv := httptest.NewServer(r)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token=bogus", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	pair, err := e.jwt.Issue(jwt.Session{UserID: a.Id, DeviceID: "d1", Platform: jwt.PlatformWeb})
	require.NoError(t, err)
	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+pair.AccessToken, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return e.registry.IsOnline(a.Id) }, time.Second, 10*time.Millisecond)

	require.NoError(t, ws.WriteJSON(map[string]any{
		"event": protocol.EventSendMessage,
		"reqId": "42",
		"data": map[string]any{
			"conversationId": conv.Id,
			"type":           "text",
			"content":        map[string]any{"text": map[string]any{"text": "over the wire"}},
		},
	}))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var fr frame
		require.NoError(t, ws.ReadJSON(&fr))
		if fr.Event != protocol.EventMessageSent {
			continue
		}
		assert.Equal(t, "42", fr.ReqId)
		break
	}

	ws.Close()
	require.Eventually(t, func() bool { return !e.registry.IsOnline(a.Id) }, 2*time.Second, 10*time.Millisecond)
}

// withTimers 启用时间轮，由测试手动推进
func (e *testEnv) withTimers() *timer.Wheel {
	wheel := timer.NewWheel(time.Second, e.pool)
	e.svc.Timers = wheel
	e.gw = New(config.GatewayConfig{
		SendBuffer:    64,
		CallTimeout:   2 * time.Second,
		TypingTimeout: time.Second,
	}, e.svc)
	return wheel
}

func TestCall_RingTimeout(t *testing.T) {
	e := newTestEnv(t)
	wheel := e.withTimers()
	ctx := context.Background()
	a := e.user(t, "alice")
	b := e.user(t, "bob")
	conv, err := e.svc.Conversations.CreateDirect(ctx, a.Id, b.Id)
	require.NoError(t, err)
	connA, trA := e.connect(t, a.Id)
	_, trB := e.connect(t, b.Id)

	e.dispatch(connA, protocol.EventCallInitiate, "", protocol.CallRequest{ConversationId: conv.Id})
	var initiated protocol.CallEvent
	require.NoError(t, json.Unmarshal(trA.next(t, protocol.EventCallInitiated).Data, &initiated))
	trB.next(t, protocol.EventCallIncoming)
	assert.Equal(t, 1, wheel.Len())

	wheel.Advance()
	wheel.Advance()

	for _, tr := range []*fakeTransport{trA, trB} {
		var ended protocol.CallEvent
		require.NoError(t, json.Unmarshal(tr.next(t, protocol.EventCallEnded).Data, &ended))
		assert.Equal(t, initiated.CallId, ended.CallId)
		assert.Equal(t, "timeout", ended.Reason)
	}
}

func TestCall_AnswerCancelsTimeout(t *testing.T) {
	e := newTestEnv(t)
	wheel := e.withTimers()
	ctx := context.Background()
	a := e.user(t, "alice")
	b := e.user(t, "bob")
	conv, err := e.svc.Conversations.CreateDirect(ctx, a.Id, b.Id)
	require.NoError(t, err)
	connA, _ := e.connect(t, a.Id)
	connB, trB := e.connect(t, b.Id)

	e.dispatch(connA, protocol.EventCallInitiate, "", protocol.CallRequest{ConversationId: conv.Id})
	var incoming protocol.CallEvent
	require.NoError(t, json.Unmarshal(trB.next(t, protocol.EventCallIncoming).Data, &incoming))

	e.dispatch(connB, protocol.EventCallAccept, "", protocol.CallRequest{ConversationId: conv.Id, CallId: incoming.CallId})
	assert.Zero(t, wheel.Len())
	assert.Zero(t, wheel.Advance()+wheel.Advance())
}

func TestTyping_AutoStop(t *testing.T) {
	e := newTestEnv(t)
	wheel := e.withTimers()
	ctx := context.Background()
	a := e.user(t, "alice")
	b := e.user(t, "bob")
	conv, err := e.svc.Conversations.CreateDirect(ctx, a.Id, b.Id)
	require.NoError(t, err)
	connA, _ := e.connect(t, a.Id)
	connB, trB := e.connect(t, b.Id)
	connB.Join(conv.Id)

	e.dispatch(connA, protocol.EventTypingStart, "", protocol.ConversationRef{ConversationId: conv.Id})
	e.dispatch(connA, protocol.EventTypingStart, "", protocol.ConversationRef{ConversationId: conv.Id})
	trB.next(t, protocol.EventTypingStart)
	assert.Equal(t, 1, wheel.Len())

	assert.Equal(t, 1, wheel.Advance())
	var ev protocol.TypingEvent
	require.NoError(t, json.Unmarshal(trB.next(t, protocol.EventTypingStop).Data, &ev))
	assert.Equal(t, a.Id, ev.UserId)

	e.dispatch(connA, protocol.EventTypingStart, "", protocol.ConversationRef{ConversationId: conv.Id})
	e.dispatch(connA, protocol.EventTypingStop, "", protocol.ConversationRef{ConversationId: conv.Id})
	assert.Zero(t, wheel.Len())
}

func TestNew_ClampsTimeoutsToTimerRange(t *testing.T) {
	e := newTestEnv(t)
	wheel := timer.NewWheel(time.Second, e.pool)
	e.svc.Timers = wheel

	g := New(config.GatewayConfig{CallTimeout: 5 * time.Minute, TypingTimeout: 2 * time.Minute}, e.svc)
	assert.Equal(t, wheel.MaxDelay(), g.cfg.CallTimeout)
	assert.Equal(t, wheel.MaxDelay(), g.cfg.TypingTimeout)
}

func TestCall_SignalFromOtherConversationKeepsTimeout(t *testing.T) {
	e := newTestEnv(t)
	wheel := e.withTimers()
	ctx := context.Background()
	a := e.user(t, "alice")
	b := e.user(t, "bob")
	m := e.user(t, "mallory")
	conv, err := e.svc.Conversations.CreateDirect(ctx, a.Id, b.Id)
	require.NoError(t, err)
	other, err := e.svc.Conversations.CreateDirect(ctx, m.Id, b.Id)
	require.NoError(t, err)
	connA, trA := e.connect(t, a.Id)
	connM, trM := e.connect(t, m.Id)

	e.dispatch(connA, protocol.EventCallInitiate, "", protocol.CallRequest{ConversationId: conv.Id})
	var initiated protocol.CallEvent
	require.NoError(t, json.Unmarshal(trA.next(t, protocol.EventCallInitiated).Data, &initiated))

	// 知道 callId 的其他会话成员无法取消该通话的计时
	e.dispatch(connM, protocol.EventCallEnd, "r1", protocol.CallRequest{ConversationId: other.Id, CallId: initiated.CallId})
	trM.next(t, protocol.EventCallEnd)
	assert.Equal(t, 1, wheel.Len())

	e.dispatch(connM, protocol.EventCallEnd, "r2", protocol.CallRequest{ConversationId: conv.Id, CallId: initiated.CallId})
	trM.next(t, protocol.EventError)
	assert.Equal(t, 1, wheel.Len())
}

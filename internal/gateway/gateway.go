// Package gateway 实现 WebSocket 接入：连接握手、读循环与上行事件分发。
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sudooom.im.chat/internal/config"
	"sudooom.im.chat/internal/connection"
	apperrors "sudooom.im.chat/internal/errors"
	"sudooom.im.chat/internal/metrics"
	"sudooom.im.chat/internal/middleware"
	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/protocol"
	"sudooom.im.chat/internal/service"
	"sudooom.im.chat/internal/timer"
)

const writeWait = 10 * time.Second

// Services 网关依赖的业务服务
type Services struct {
	Presence      *service.PresenceService
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Router        *service.NotificationRouter
	Timers        *timer.Wheel // 为 nil 时不处理振铃超时和输入状态过期
}

// Gateway WebSocket 网关
type Gateway struct {
	cfg      config.GatewayConfig
	svc      Services
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New 创建网关
func New(cfg config.GatewayConfig, svc Services) *Gateway {
	g := &Gateway{
		cfg:    cfg,
		svc:    svc,
		logger: slog.Default(),
	}
	if svc.Timers != nil {
		// 超过一圈的延迟会被时间轮截断
		maxDelay := svc.Timers.MaxDelay()
		if g.cfg.CallTimeout > maxDelay {
			g.logger.Warn("Call timeout exceeds timer range, clamped", "callTimeout", g.cfg.CallTimeout, "max", maxDelay)
			g.cfg.CallTimeout = maxDelay
		}
		g.cfg.TypingTimeout = min(g.cfg.TypingTimeout, maxDelay)
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// checkOrigin 未配置白名单时放行所有来源
func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(g.cfg.AllowedOrigins, "*") || slices.Contains(g.cfg.AllowedOrigins, origin)
}

// ServeWS 升级连接并运行会话，需挂在 middleware.WebSocketAuth 之后
func (g *Gateway) ServeWS(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("WebSocket upgrade failed", "userId", claims.UserID, "error", err)
		return
	}

	conn := connection.New(ws, connection.Options{
		UserID:     claims.UserID,
		DeviceID:   claims.DeviceID,
		Platform:   string(claims.Platform),
		SendBuffer: g.cfg.SendBuffer,
	}, g.logger)

	g.handleSession(context.WithoutCancel(c.Request.Context()), ws, conn)
}

// handleSession 处理单个连接的完整生命周期
func (g *Gateway) handleSession(ctx context.Context, ws *websocket.Conn, conn *connection.Connection) {
	g.svc.Presence.Connect(ctx, conn)
	end := "client"
	defer func() {
		g.svc.Presence.Disconnect(ctx, conn)
		metrics.SessionDuration.WithLabelValues(end).Observe(time.Since(conn.CreateTime()).Seconds())
	}()

	if g.cfg.ReadLimit > 0 {
		ws.SetReadLimit(g.cfg.ReadLimit)
	}
	g.extendDeadline(ws)
	ws.SetPongHandler(func(string) error {
		g.extendDeadline(ws)
		g.svc.Presence.Heartbeat(ctx, conn)
		return nil
	})

	go g.pingLoop(ws, conn)

	g.logger.Info("Session started", "userId", conn.UserID(), "connId", conn.ID(), "platform", conn.Platform())

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if conn.IsClosed() {
				end = "server"
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("Read error", "userId", conn.UserID(), "connId", conn.ID(), "error", err)
			}
			return
		}
		g.extendDeadline(ws)
		conn.UpdateActive()
		g.Dispatch(ctx, conn, data)
	}
}

func (g *Gateway) extendDeadline(ws *websocket.Conn) {
	if g.cfg.PongWait > 0 {
		ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	}
}

// pingLoop 定时发送 ping，WriteControl 可与写循环并发调用
func (g *Gateway) pingLoop(ws *websocket.Conn, conn *connection.Connection) {
	if g.cfg.PingPeriod <= 0 {
		return
	}
	ticker := time.NewTicker(g.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// reply 成功时回给请求方的帧，nil 表示不回复
type reply struct {
	event string
	data  any
}

// Dispatch 解析并分发一条上行帧
func (g *Gateway) Dispatch(ctx context.Context, conn *connection.Connection, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		metrics.SocketEvents.WithLabelValues("invalid", "error").Inc()
		g.sendError(conn, &env, apperrors.ErrInvalidParams)
		return
	}

	var (
		r   *reply
		err error
	)
	switch env.Event {
	case protocol.EventJoinConversation:
		r, err = g.handleJoin(ctx, conn, &env)
	case protocol.EventLeaveConversation:
		r, err = g.handleLeave(conn, &env)
	case protocol.EventSendMessage:
		r, err = g.handleSendMessage(ctx, conn, &env)
	case protocol.EventReact, protocol.EventRemoveReaction:
		r, err = g.handleReaction(ctx, conn, &env)
	case protocol.EventTypingStart, protocol.EventTypingStop:
		r, err = g.handleTyping(ctx, conn, &env)
	case protocol.EventMarkRead, protocol.EventMarkDelivered:
		r, err = g.handleReceipt(ctx, conn, &env)
	case protocol.EventUpdateStatus:
		r, err = g.handleUpdateStatus(ctx, conn, &env)
	case protocol.EventCallInitiate:
		r, err = g.handleCallInitiate(ctx, conn, &env)
	case protocol.EventCallAccept, protocol.EventCallReject, protocol.EventCallEnd:
		r, err = g.handleCallSignal(ctx, conn, &env)
	default:
		metrics.SocketEvents.WithLabelValues("unknown", "error").Inc()
		g.logger.Debug("Unknown event", "userId", conn.UserID(), "event", env.Event)
		g.sendError(conn, &env, apperrors.ErrInvalidParams)
		return
	}

	if err != nil {
		metrics.SocketEvents.WithLabelValues(env.Event, "error").Inc()
		if apperrors.KindOf(err) == apperrors.KindTransient {
			g.logger.Error("Event failed", "userId", conn.UserID(), "event", env.Event, "error", err)
		}
		g.sendError(conn, &env, err)
		return
	}
	metrics.SocketEvents.WithLabelValues(env.Event, "ok").Inc()

	if r != nil {
		g.send(conn, r.event, env.ReqId, r.data)
	}
}

func (g *Gateway) send(conn *connection.Connection, event, reqID string, data any) {
	frame, err := protocol.EncodeReply(event, reqID, data)
	if err != nil {
		g.logger.Error("Failed to encode frame", "event", event, "error", err)
		return
	}
	if err := conn.Send(frame); err != nil {
		g.logger.Debug("Reply dropped", "userId", conn.UserID(), "event", event, "error", err)
	}
}

func (g *Gateway) sendError(conn *connection.Connection, env *protocol.Envelope, err error) {
	g.send(conn, protocol.EventError, env.ReqId, protocol.ErrorEvent{
		Code:    apperrors.GetCode(err),
		Message: apperrors.GetMessage(err),
		Event:   env.Event,
	})
}

// ack 带 reqId 的请求回显同名事件作为确认
func ack(env *protocol.Envelope, data any) *reply {
	if env.ReqId == "" {
		return nil
	}
	return &reply{event: env.Event, data: data}
}

func decode(env *protocol.Envelope, v any) error {
	if len(env.Data) == 0 {
		return apperrors.ErrInvalidParams
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return apperrors.ErrInvalidParams.Wrap(err)
	}
	return nil
}

func (g *Gateway) handleJoin(ctx context.Context, conn *connection.Connection, env *protocol.Envelope) (*reply, error) {
	var req protocol.ConversationRef
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	if _, err := g.svc.Conversations.GetMembership(ctx, req.ConversationId, conn.UserID()); err != nil {
		return nil, err
	}
	conn.Join(req.ConversationId)
	return ack(env, req), nil
}

func (g *Gateway) handleLeave(conn *connection.Connection, env *protocol.Envelope) (*reply, error) {
	var req protocol.ConversationRef
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	conn.Leave(req.ConversationId)
	return ack(env, req), nil
}

// handleSendMessage 发送确认总是回复，客户端依赖 clientMsgId 做乐观更新
func (g *Gateway) handleSendMessage(ctx context.Context, conn *connection.Connection, env *protocol.Envelope) (*reply, error) {
	var req protocol.SendMessageRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	msg, err := g.svc.Messages.Send(ctx, &service.SendRequest{
		ConversationId: req.ConversationId,
		SenderId:       conn.UserID(),
		Type:           req.Type,
		Content:        req.Content,
		ReplyTo:        req.ReplyTo,
		OriginConnId:   conn.ID(),
	})
	if err != nil {
		return nil, err
	}
	return &reply{
		event: protocol.EventMessageSent,
		data:  protocol.MessageSentAck{ClientMsgId: req.ClientMsgId, Message: msg},
	}, nil
}

func (g *Gateway) handleReaction(ctx context.Context, conn *connection.Connection, env *protocol.Envelope) (*reply, error) {
	var req protocol.ReactionRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	var (
		msg *model.Message
		err error
	)
	if env.Event == protocol.EventReact {
		msg, err = g.svc.Messages.AddReaction(ctx, req.MessageId, conn.UserID(), req.Reaction)
	} else {
		msg, err = g.svc.Messages.RemoveReaction(ctx, req.MessageId, conn.UserID(), req.Reaction)
	}
	if err != nil {
		return nil, err
	}
	return ack(env, protocol.ReactionEvent{
		ConversationId: msg.ConversationId,
		MessageId:      msg.Id,
		UserId:         conn.UserID(),
		Reaction:       req.Reaction,
		Reactions:      msg.Reactions,
		Counts:         msg.ReactionCounts(),
	}), nil
}

func (g *Gateway) handleTyping(ctx context.Context, conn *connection.Connection, env *protocol.Envelope) (*reply, error) {
	var req protocol.ConversationRef
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	conv, err := g.svc.Conversations.GetMembership(ctx, req.ConversationId, conn.UserID())
	if err != nil {
		return nil, err
	}
	typing := protocol.TypingEvent{ConversationId: conv.Id, UserId: conn.UserID()}
	g.svc.Router.BroadcastToRoom(ctx, conv, env.Event, typing, conn.UserID())

	if g.svc.Timers != nil {
		id := fmt.Sprintf("typing:%d:%d", conv.Id, conn.UserID())
		if env.Event == protocol.EventTypingStart {
			// 客户端未发送 typing-stop 时自动结束
			g.svc.Timers.Schedule(id, g.cfg.TypingTimeout, func() {
				g.svc.Router.BroadcastToRoom(context.Background(), conv, protocol.EventTypingStop, typing, typing.UserId)
			})
		} else {
			g.svc.Timers.Cancel(id)
		}
	}
	return nil, nil
}

func (g *Gateway) handleReceipt(ctx context.Context, conn *connection.Connection, env *protocol.Envelope) (*reply, error) {
	var req protocol.MessageRef
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	var err error
	if env.Event == protocol.EventMarkRead {
		_, err = g.svc.Messages.MarkAsRead(ctx, req.MessageId, conn.UserID())
	} else {
		_, err = g.svc.Messages.MarkAsDelivered(ctx, req.MessageId, conn.UserID())
	}
	if err != nil {
		return nil, err
	}
	return ack(env, req), nil
}

func (g *Gateway) handleUpdateStatus(ctx context.Context, conn *connection.Connection, env *protocol.Envelope) (*reply, error) {
	var req protocol.StatusRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	if err := g.svc.Presence.UpdateStatus(ctx, conn.UserID(), req.Status); err != nil {
		return nil, err
	}
	return ack(env, protocol.PresenceEvent{UserId: conn.UserID(), Status: req.Status}), nil
}

// handleCallInitiate 分配通话 ID 并通知其他在会话中的成员
func (g *Gateway) handleCallInitiate(ctx context.Context, conn *connection.Connection, env *protocol.Envelope) (*reply, error) {
	var req protocol.CallRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	conv, err := g.svc.Conversations.GetMembership(ctx, req.ConversationId, conn.UserID())
	if err != nil {
		return nil, err
	}

	call := protocol.CallEvent{
		ConversationId: conv.Id,
		CallId:         uuid.NewString(),
		CallType:       req.CallType,
		FromUserId:     conn.UserID(),
		Signal:         req.Signal,
	}
	reached := g.relayCall(ctx, conv, conn.UserID(), protocol.EventCallIncoming, call)
	g.logger.Info("Call initiated", "callId", call.CallId, "conversationId", conv.Id, "userId", conn.UserID(), "reached", reached)

	if g.svc.Timers != nil {
		g.svc.Timers.Schedule(callTimerID(conv.Id, call.CallId), g.cfg.CallTimeout, func() {
			ended := call
			ended.Signal = nil
			ended.Reason = "timeout"
			g.relayCall(context.Background(), conv, 0, protocol.EventCallEnded, ended)
		})
	}

	return &reply{event: protocol.EventCallInitiated, data: call}, nil
}

// callTimerID 按会话区分，只有该会话成员能取消振铃计时
func callTimerID(conversationID int64, callID string) string {
	return fmt.Sprintf("call:%d:%s", conversationID, callID)
}

var callReplies = map[string]string{
	protocol.EventCallAccept: protocol.EventCallAccepted,
	protocol.EventCallReject: protocol.EventCallRejected,
	protocol.EventCallEnd:    protocol.EventCallEnded,
}

func (g *Gateway) handleCallSignal(ctx context.Context, conn *connection.Connection, env *protocol.Envelope) (*reply, error) {
	var req protocol.CallRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	if req.CallId == "" {
		return nil, apperrors.ErrInvalidParams
	}
	conv, err := g.svc.Conversations.GetMembership(ctx, req.ConversationId, conn.UserID())
	if err != nil {
		return nil, err
	}

	if g.svc.Timers != nil {
		g.svc.Timers.Cancel(callTimerID(conv.Id, req.CallId))
	}
	g.relayCall(ctx, conv, conn.UserID(), callReplies[env.Event], protocol.CallEvent{
		ConversationId: conv.Id,
		CallId:         req.CallId,
		CallType:       req.CallType,
		FromUserId:     conn.UserID(),
		Signal:         req.Signal,
	})
	return ack(env, req), nil
}

// relayCall 通过个人通道发送给除 excludeUserID 外的活跃成员，返回送达人数
func (g *Gateway) relayCall(ctx context.Context, conv *model.Conversation, excludeUserID int64, event string, call protocol.CallEvent) int {
	reached := 0
	for _, userID := range conv.ActiveParticipantIds() {
		if userID == excludeUserID {
			continue
		}
		if g.svc.Router.SendToUser(ctx, userID, event, call) {
			reached++
		}
	}
	return reached
}

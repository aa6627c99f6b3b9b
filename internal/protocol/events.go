// Package protocol 定义 WebSocket 帧格式与事件载荷。
package protocol

import (
	"encoding/json"
	"time"

	"sudooom.im.chat/internal/model"
)

// ============== 上行事件 (Client -> Server) ==============

const (
	EventJoinConversation  = "join-conversation"
	EventLeaveConversation = "leave-conversation"
	EventSendMessage       = "send-message"
	EventReact             = "react"
	EventRemoveReaction    = "remove-reaction"
	EventTypingStart       = "typing-start"
	EventTypingStop        = "typing-stop"
	EventMarkRead          = "mark-read"
	EventMarkDelivered     = "mark-delivered"
	EventUpdateStatus      = "update-status"
	EventCallInitiate      = "call-initiate"
	EventCallAccept        = "call-accept"
	EventCallReject        = "call-reject"
	EventCallEnd           = "call-end"
)

// ============== 下行事件 (Server -> Client) ==============

const (
	EventNewMessage      = "new-message"
	EventMessageSent     = "message-sent"
	EventMessageEdited   = "message-edited"
	EventMessageDeleted  = "message-deleted"
	EventReactionAdded   = "reaction-added"
	EventReactionRemoved = "reaction-removed"
	EventReadReceipt     = "read-receipt"
	EventDeliveryReceipt = "delivery-receipt"
	EventUserOnline      = "user-online"
	EventUserOffline     = "user-offline"
	EventStatusUpdated   = "status-updated"
	EventNotificationNew = "notification-new"
	EventCallInitiated   = "call-initiated"
	EventCallIncoming    = "call-incoming"
	EventCallAccepted    = "call-accepted"
	EventCallRejected    = "call-rejected"
	EventCallEnded       = "call-ended"
	EventError           = "error"
)

// Envelope 上行帧
type Envelope struct {
	Event string          `json:"event"`
	ReqId string          `json:"reqId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Frame 下行帧
type Frame struct {
	Event string `json:"event"`
	ReqId string `json:"reqId,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Encode 编码下行帧
func Encode(event string, data any) ([]byte, error) {
	return json.Marshal(Frame{Event: event, Data: data})
}

// EncodeReply 编码带请求 ID 的下行帧
func EncodeReply(event, reqID string, data any) ([]byte, error) {
	return json.Marshal(Frame{Event: event, ReqId: reqID, Data: data})
}

// ============== 上行载荷 ==============

// ConversationRef 只携带会话 ID 的请求
type ConversationRef struct {
	ConversationId int64 `json:"conversationId"`
}

// MessageRef 只携带消息 ID 的请求
type MessageRef struct {
	MessageId int64 `json:"messageId"`
}

// SendMessageRequest 发送消息
type SendMessageRequest struct {
	ConversationId int64             `json:"conversationId"`
	Type           model.MessageType `json:"type"`
	Content        model.Content     `json:"content"`
	ReplyTo        *int64            `json:"replyTo,omitempty"`
	ClientMsgId    string            `json:"clientMsgId,omitempty"`
}

// ReactionRequest 添加/移除表态
type ReactionRequest struct {
	MessageId int64  `json:"messageId"`
	Reaction  string `json:"reaction"`
}

// StatusRequest 更新在线状态
type StatusRequest struct {
	Status model.UserStatus `json:"status"`
}

// CallRequest 通话信令
type CallRequest struct {
	ConversationId int64           `json:"conversationId"`
	CallId         string          `json:"callId,omitempty"`
	CallType       string          `json:"callType,omitempty"` // audio / video
	Signal         json.RawMessage `json:"signal,omitempty"`   // SDP / ICE 等，原样转发
}

// ============== 下行载荷 ==============

// MessagePush 新消息、编辑、删除通知
type MessagePush struct {
	Message *model.Message `json:"message"`
}

// MessageSentAck 发送确认
type MessageSentAck struct {
	ClientMsgId string         `json:"clientMsgId,omitempty"`
	Message     *model.Message `json:"message"`
}

// ReactionEvent 表态变化
type ReactionEvent struct {
	ConversationId int64              `json:"conversationId"`
	MessageId      int64              `json:"messageId"`
	UserId         int64              `json:"userId"`
	Reaction       string             `json:"reaction"`
	Reactions      map[string][]int64 `json:"reactions"`
	Counts         map[string]int     `json:"counts"`
}

// TypingEvent 输入状态
type TypingEvent struct {
	ConversationId int64 `json:"conversationId"`
	UserId         int64 `json:"userId"`
}

// ReceiptEvent 已读/送达回执
type ReceiptEvent struct {
	ConversationId int64     `json:"conversationId"`
	MessageId      int64     `json:"messageId"`
	UserId         int64     `json:"userId"`
	At             time.Time `json:"at"`
}

// PresenceEvent 上下线与状态变化
type PresenceEvent struct {
	UserId   int64            `json:"userId"`
	Status   model.UserStatus `json:"status"`
	LastSeen *time.Time       `json:"lastSeen,omitempty"`
}

// Notification 通知，离线时进入通知队列
type Notification struct {
	ConversationId int64     `json:"conversationId"`
	MessageId      int64     `json:"messageId"`
	SenderId       int64     `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Preview        string    `json:"preview"`
	RecipientId    int64     `json:"recipientId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// CallEvent 通话信令转发
type CallEvent struct {
	ConversationId int64           `json:"conversationId"`
	CallId         string          `json:"callId"`
	CallType       string          `json:"callType,omitempty"`
	FromUserId     int64           `json:"fromUserId"`
	Signal         json.RawMessage `json:"signal,omitempty"`
	Reason         string          `json:"reason,omitempty"` // call-ended 时可为 timeout
}

// ErrorEvent 错误
type ErrorEvent struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// ============== 节点间转发 (NATS) ==============

// RelayMessage 转发到用户所在节点的帧
// ConversationId 非零时仅在目标连接已加入该会话房间时投递 Frame，否则降级为 Notification
type RelayMessage struct {
	OriginNodeId   string        `json:"originNodeId"`
	UserId         int64         `json:"userId"`
	ConversationId int64         `json:"conversationId,omitempty"`
	Frame          []byte        `json:"frame"`
	Notification   *Notification `json:"notification,omitempty"`
}

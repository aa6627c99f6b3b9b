package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "sudooom.im.chat/internal/errors"
	"sudooom.im.chat/internal/middleware"
	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/service"
	"sudooom.im.chat/pkg/response"
)

// MessageHandler 消息处理器
type MessageHandler struct {
	messageService *service.MessageService
}

// NewMessageHandler 创建消息处理器
func NewMessageHandler(messageService *service.MessageService) *MessageHandler {
	return &MessageHandler{messageService: messageService}
}

// queryLimit 解析 limit 参数，缺省为 0 由服务层决定
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		response.ErrorFromAppError(c, apperrors.ErrInvalidParams)
		return 0, false
	}
	return limit, true
}

// List 分页拉取历史消息，before 为 RFC3339 时间
func (h *MessageHandler) List(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	var before time.Time
	if raw := c.Query("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			response.ErrorFromAppError(c, apperrors.ErrInvalidParams.Wrap(err))
			return
		}
		before = t
	}

	msgs, err := h.messageService.List(c.Request.Context(), id, middleware.GetUserID(c), before, limit)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, msgs)
}

// Search 会话内搜索文本消息
func (h *MessageHandler) Search(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	msgs, err := h.messageService.Search(c.Request.Context(), id, middleware.GetUserID(c), c.Query("q"), limit)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, msgs)
}

type sendRequest struct {
	Type    model.MessageType `json:"type" binding:"required"`
	Content model.Content     `json:"content"`
	ReplyTo *int64            `json:"replyTo"`
}

// Send 通过 HTTP 发送消息
func (h *MessageHandler) Send(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req sendRequest
	if !bind(c, &req) {
		return
	}

	msg, err := h.messageService.Send(c.Request.Context(), &service.SendRequest{
		ConversationId: id,
		SenderId:       middleware.GetUserID(c),
		Type:           req.Type,
		Content:        req.Content,
		ReplyTo:        req.ReplyTo,
	})
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, msg)
}

// Get 单条消息
func (h *MessageHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	msg, err := h.messageService.Get(c.Request.Context(), id, middleware.GetUserID(c))
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, msg)
}

type editRequest struct {
	Text string `json:"text" binding:"required"`
}

// Edit 编辑文本消息
func (h *MessageHandler) Edit(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req editRequest
	if !bind(c, &req) {
		return
	}

	msg, err := h.messageService.Edit(c.Request.Context(), id, middleware.GetUserID(c), req.Text)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, msg)
}

// Delete 删除消息，保留占位
func (h *MessageHandler) Delete(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	msg, err := h.messageService.Delete(c.Request.Context(), id, middleware.GetUserID(c))
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, msg)
}

type forwardRequest struct {
	ConversationIds []int64 `json:"conversationIds" binding:"required,min=1"`
}

// Forward 转发到多个会话
func (h *MessageHandler) Forward(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req forwardRequest
	if !bind(c, &req) {
		return
	}

	msgs, err := h.messageService.Forward(c.Request.Context(), id, middleware.GetUserID(c), req.ConversationIds)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, msgs)
}

type reactionRequest struct {
	Reaction string `json:"reaction" form:"reaction" binding:"required"`
}

// AddReaction 添加表态
func (h *MessageHandler) AddReaction(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reactionRequest
	if !bind(c, &req) {
		return
	}

	msg, err := h.messageService.AddReaction(c.Request.Context(), id, middleware.GetUserID(c), req.Reaction)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, msg)
}

// RemoveReaction 移除表态，reaction 通过查询参数传递
func (h *MessageHandler) RemoveReaction(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reactionRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.InvalidParams(c, err)
		return
	}

	msg, err := h.messageService.RemoveReaction(c.Request.Context(), id, middleware.GetUserID(c), req.Reaction)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, msg)
}

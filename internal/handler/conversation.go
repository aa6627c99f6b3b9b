package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"sudooom.im.chat/internal/middleware"
	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/service"
	"sudooom.im.chat/pkg/response"
)

// ConversationHandler 会话处理器
type ConversationHandler struct {
	conversationService *service.ConversationService
}

// NewConversationHandler 创建会话处理器
func NewConversationHandler(conversationService *service.ConversationService) *ConversationHandler {
	return &ConversationHandler{conversationService: conversationService}
}

// List 当前用户的会话列表
func (h *ConversationHandler) List(c *gin.Context) {
	views, err := h.conversationService.ListForUser(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, views)
}

type createDirectRequest struct {
	UserId int64 `json:"userId" binding:"required"`
}

// CreateDirect 查找或创建单聊
func (h *ConversationHandler) CreateDirect(c *gin.Context) {
	var req createDirectRequest
	if !bind(c, &req) {
		return
	}
	userID := middleware.GetUserID(c)

	conv, err := h.conversationService.CreateDirect(c.Request.Context(), userID, req.UserId)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, conv.ViewFor(userID, time.Now()))
}

// CreateGroup 创建群聊
func (h *ConversationHandler) CreateGroup(c *gin.Context) {
	var req service.CreateGroupRequest
	if !bind(c, &req) {
		return
	}
	userID := middleware.GetUserID(c)

	conv, err := h.conversationService.CreateGroup(c.Request.Context(), userID, &req)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, conv.ViewFor(userID, time.Now()))
}

// Get 会话详情
func (h *ConversationHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	view, err := h.conversationService.GetForUser(c.Request.Context(), id, middleware.GetUserID(c))
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, view)
}

// Delete 删除会话，仅群管理员
func (h *ConversationHandler) Delete(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.conversationService.Delete(c.Request.Context(), id, middleware.GetUserID(c)); err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, nil)
}

type participantRequest struct {
	UserId int64 `json:"userId" binding:"required"`
}

// AddParticipant 添加成员
func (h *ConversationHandler) AddParticipant(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req participantRequest
	if !bind(c, &req) {
		return
	}

	h.mutate(c, func(ctx context.Context, userID int64) (*model.Conversation, error) {
		return h.conversationService.AddParticipantBy(ctx, id, userID, req.UserId)
	})
}

// RemoveParticipant 移除成员，移除自己等同于退出
func (h *ConversationHandler) RemoveParticipant(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	target, ok := pathID(c, "userId")
	if !ok {
		return
	}

	h.mutate(c, func(ctx context.Context, userID int64) (*model.Conversation, error) {
		return h.conversationService.RemoveParticipantBy(ctx, id, userID, target)
	})
}

// Leave 退出会话
func (h *ConversationHandler) Leave(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if _, err := h.conversationService.LeaveConversation(c.Request.Context(), id, middleware.GetUserID(c)); err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, nil)
}

type roleRequest struct {
	Role model.Role `json:"role" binding:"required"`
}

// UpdateRole 修改成员角色，仅管理员
func (h *ConversationHandler) UpdateRole(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	target, ok := pathID(c, "userId")
	if !ok {
		return
	}
	var req roleRequest
	if !bind(c, &req) {
		return
	}

	h.mutate(c, func(ctx context.Context, userID int64) (*model.Conversation, error) {
		return h.conversationService.UpdateRole(ctx, id, userID, target, req.Role)
	})
}

// Archive 归档
func (h *ConversationHandler) Archive(c *gin.Context) {
	h.perUser(c, h.conversationService.Archive)
}

// Unarchive 取消归档
func (h *ConversationHandler) Unarchive(c *gin.Context) {
	h.perUser(c, h.conversationService.Unarchive)
}

// Pin 置顶
func (h *ConversationHandler) Pin(c *gin.Context) {
	h.perUser(c, h.conversationService.Pin)
}

// Unpin 取消置顶
func (h *ConversationHandler) Unpin(c *gin.Context) {
	h.perUser(c, h.conversationService.Unpin)
}

// Unmute 取消免打扰
func (h *ConversationHandler) Unmute(c *gin.Context) {
	h.perUser(c, h.conversationService.Unmute)
}

// MarkRead 清零未读数
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	h.perUser(c, h.conversationService.ResetUnreadCount)
}

// DeleteHistory 仅对自己删除会话，新消息到达后重新出现
func (h *ConversationHandler) DeleteHistory(c *gin.Context) {
	h.perUser(c, h.conversationService.DeleteForUser)
}

type muteRequest struct {
	Duration int64 `json:"duration"` // 秒，0 表示永久
}

// Mute 免打扰，请求体可省略
func (h *ConversationHandler) Mute(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req muteRequest
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}

	h.mutate(c, func(ctx context.Context, userID int64) (*model.Conversation, error) {
		return h.conversationService.Mute(ctx, id, userID, time.Duration(req.Duration)*time.Second)
	})
}

type perUserFunc func(ctx context.Context, conversationID, userID int64) (*model.Conversation, error)

func (h *ConversationHandler) perUser(c *gin.Context, fn perUserFunc) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	h.mutate(c, func(ctx context.Context, userID int64) (*model.Conversation, error) {
		return fn(ctx, id, userID)
	})
}

// mutate 执行修改并返回调用者视角的会话
func (h *ConversationHandler) mutate(c *gin.Context, fn func(ctx context.Context, userID int64) (*model.Conversation, error)) {
	userID := middleware.GetUserID(c)
	conv, err := fn(c.Request.Context(), userID)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, conv.ViewFor(userID, time.Now()))
}

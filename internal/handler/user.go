package handler

import (
	"github.com/gin-gonic/gin"

	"sudooom.im.chat/internal/middleware"
	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/service"
	"sudooom.im.chat/pkg/response"
)

// UserHandler 用户处理器
type UserHandler struct {
	userService     *service.UserService
	presenceService *service.PresenceService
}

// NewUserHandler 创建用户处理器
func NewUserHandler(userService *service.UserService, presenceService *service.PresenceService) *UserHandler {
	return &UserHandler{userService: userService, presenceService: presenceService}
}

// GetProfile 获取当前用户资料
func (h *UserHandler) GetProfile(c *gin.Context) {
	user, err := h.userService.GetProfile(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, user)
}

// UpdateProfile 更新当前用户资料
func (h *UserHandler) UpdateProfile(c *gin.Context) {
	var req service.UpdateProfileRequest
	if !bind(c, &req) {
		return
	}

	user, err := h.userService.UpdateProfile(c.Request.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, user)
}

// GetUserByID 查看其他用户的公开资料
func (h *UserHandler) GetUserByID(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	user, err := h.userService.GetByID(c.Request.Context(), id)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, user)
}

type statusRequest struct {
	Status model.UserStatus `json:"status" binding:"required"`
}

// UpdateStatus 更新在线状态并广播
func (h *UserHandler) UpdateStatus(c *gin.Context) {
	var req statusRequest
	if !bind(c, &req) {
		return
	}

	if err := h.presenceService.UpdateStatus(c.Request.Context(), middleware.GetUserID(c), req.Status); err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, gin.H{"status": req.Status})
}

// Block 屏蔽用户
func (h *UserHandler) Block(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.userService.Block(c.Request.Context(), middleware.GetUserID(c), id); err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, nil)
}

// Unblock 取消屏蔽
func (h *UserHandler) Unblock(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.userService.Unblock(c.Request.Context(), middleware.GetUserID(c), id); err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, nil)
}

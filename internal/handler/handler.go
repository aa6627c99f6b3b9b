// Package handler 提供 HTTP API 处理器。
package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "sudooom.im.chat/internal/errors"
	"sudooom.im.chat/pkg/response"
)

// pathID 解析路径中的 ID，失败时已写出响应
func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		response.ErrorFromAppError(c, apperrors.ErrInvalidParams)
		return 0, false
	}
	return id, true
}

// bind 绑定 JSON 请求体，失败时已写出响应
func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		response.InvalidParams(c, err)
		return false
	}
	return true
}

package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "sudooom.im.chat/internal/errors"
)

// Response 统一响应结构
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// Success 成功响应
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{
		Code:    apperrors.CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// InvalidParams 参数绑定失败
func InvalidParams(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, Response{
		Code:    apperrors.CodeInvalidParams,
		Message: err.Error(),
	})
}

// ErrorFromAppError 从 AppError 生成错误响应，HTTP 状态码由错误分类决定
func ErrorFromAppError(c *gin.Context, err error) {
	c.JSON(StatusOf(err), Response{
		Code:    apperrors.GetCode(err),
		Message: apperrors.GetMessage(err),
	})
}

// Unauthorized 未认证
func Unauthorized(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, Response{
		Code:    apperrors.GetCode(err),
		Message: apperrors.GetMessage(err),
	})
}

// StatusOf 错误分类到 HTTP 状态码
func StatusOf(err error) int {
	code := apperrors.GetCode(err)
	if code == apperrors.CodeTokenInvalid || code == apperrors.CodeTokenExpired {
		return http.StatusUnauthorized
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindForbidden:
		return http.StatusForbidden
	case apperrors.KindInvalidState:
		return http.StatusConflict
	case apperrors.KindValidationFailed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

package errors

import (
	"errors"
	"fmt"
)

// Kind 错误分类
// 决定错误在边界上的呈现方式：前四类是终态错误，Transient 可重试
type Kind int

const (
	KindTransient Kind = iota
	KindNotFound
	KindForbidden
	KindInvalidState
	KindValidationFailed
)

// String 返回分类名称
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindInvalidState:
		return "invalid_state"
	case KindValidationFailed:
		return "validation_failed"
	default:
		return "transient"
	}
}

// AppError 应用错误类型
// 用于统一管理业务错误，包含错误码、分类和错误消息
type AppError struct {
	Code    int    // 错误码
	Kind    Kind   // 错误分类
	Message string // 用户可见的错误消息
	Err     error  // 原始错误（可选，用于调试）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError 创建新错误
func NewError(kind Kind, code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Kind:    kind,
		Message: message,
	}
}

// Wrap 包装原始错误
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Kind:    e.Kind,
		Message: e.Message,
		Err:     err,
	}
}

// Is 判断是否为指定错误
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// KindOf 获取错误分类，非 AppError 一律视为 Transient
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindTransient
}

// GetCode 获取错误码，如果不是 AppError 返回默认错误码
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeServerError
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return ErrServerError.Message
}

// ============== 错误码定义 ==============

const (
	CodeSuccess = 0

	// 认证相关 10000-10999
	CodeEmailExists        = 10001
	CodeInvalidCredentials = 10002
	CodeTokenInvalid       = 10003
	CodeTokenExpired       = 10004

	// 用户相关 11000-11999
	CodeUserNotFound  = 11001
	CodeInvalidParams = 11002
	CodeUserBlocked   = 11003
	CodeInvalidStatus = 11004

	// 会话相关 13000-13999
	CodeConversationNotFound = 13001
	CodeNotParticipant       = 13002
	CodePermissionDenied     = 13003
	CodeSoleAdmin            = 13004
	CodeDirectFull           = 13005
	CodeDirectImmutable      = 13006

	// 消息相关 14000-14999
	CodeMessageNotFound    = 14001
	CodeMessageDeleted     = 14002
	CodeMessageNotEditable = 14003
	CodeInvalidContent     = 14004
	CodeNotSender          = 14005

	// 系统错误 50000-50999
	CodeServerError = 50001
	CodeDBError     = 50002
)

// ============== 预定义错误 ==============

// 认证相关
var (
	ErrEmailExists        = NewError(KindValidationFailed, CodeEmailExists, "邮箱已被注册")
	ErrInvalidCredentials = NewError(KindForbidden, CodeInvalidCredentials, "邮箱或密码错误")
	ErrTokenInvalid       = NewError(KindForbidden, CodeTokenInvalid, "Token 无效")
	ErrTokenExpired       = NewError(KindForbidden, CodeTokenExpired, "Token 已过期")
)

// 用户相关
var (
	ErrUserNotFound  = NewError(KindNotFound, CodeUserNotFound, "用户不存在")
	ErrInvalidParams = NewError(KindValidationFailed, CodeInvalidParams, "参数校验失败")
	ErrUserBlocked   = NewError(KindForbidden, CodeUserBlocked, "对方已屏蔽或已被屏蔽")
	ErrInvalidStatus = NewError(KindValidationFailed, CodeInvalidStatus, "无效的在线状态")
)

// 会话相关
var (
	ErrConversationNotFound = NewError(KindNotFound, CodeConversationNotFound, "会话不存在")
	ErrNotParticipant       = NewError(KindForbidden, CodeNotParticipant, "不是会话成员")
	ErrPermissionDenied     = NewError(KindForbidden, CodePermissionDenied, "没有操作权限")
	ErrSoleAdmin            = NewError(KindInvalidState, CodeSoleAdmin, "唯一的管理员不能退出会话，请先指定其他管理员")
	ErrDirectFull           = NewError(KindInvalidState, CodeDirectFull, "单聊会话不能添加更多成员")
	ErrDirectImmutable      = NewError(KindInvalidState, CodeDirectImmutable, "单聊会话不支持该操作")
)

// 消息相关
var (
	ErrMessageNotFound    = NewError(KindNotFound, CodeMessageNotFound, "消息不存在")
	ErrMessageDeleted     = NewError(KindInvalidState, CodeMessageDeleted, "消息已被删除")
	ErrMessageNotEditable = NewError(KindInvalidState, CodeMessageNotEditable, "只有文本消息可以编辑")
	ErrInvalidContent     = NewError(KindValidationFailed, CodeInvalidContent, "消息内容不合法")
	ErrNotSender          = NewError(KindForbidden, CodeNotSender, "只有发送者可以执行该操作")
)

// 系统相关
var (
	ErrServerError = NewError(KindTransient, CodeServerError, "服务繁忙，请稍后重试")
	ErrDBError     = NewError(KindTransient, CodeDBError, "服务繁忙，请稍后重试")
)

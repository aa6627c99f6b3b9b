package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "sudooom.im.chat/internal/errors"
	"sudooom.im.chat/internal/jwt"
	"sudooom.im.chat/pkg/response"
)

const (
	ctxUserID = "user_id"
	ctxClaims = "claims"
)

// Authenticator 校验 Access Token
type Authenticator interface {
	Authenticate(token string) (*jwt.Claims, error)
}

// JWTAuth JWT 认证中间件
func JWTAuth(auth Authenticator) gin.HandlerFunc {
	return authenticate(auth, false)
}

// WebSocketAuth 与 JWTAuth 相同，但允许通过 ?token= 传递
// 浏览器 WebSocket API 无法设置 Authorization 头
func WebSocketAuth(auth Authenticator) gin.HandlerFunc {
	return authenticate(auth, true)
}

func authenticate(auth Authenticator, allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c.GetHeader("Authorization"))
		if token == "" && allowQuery {
			token = c.Query("token")
		}
		if token == "" {
			response.Unauthorized(c, apperrors.ErrTokenInvalid)
			return
		}

		claims, err := auth.Authenticate(token)
		if err != nil {
			response.Unauthorized(c, err)
			return
		}

		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxClaims, claims)
		c.Next()
	}
}

// extractToken 从 Authorization header 提取 token
func extractToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

// GetUserID 从 context 获取 user_id
func GetUserID(c *gin.Context) int64 {
	return c.GetInt64(ctxUserID)
}

// GetClaims 从 context 获取完整的 Token 声明
func GetClaims(c *gin.Context) *jwt.Claims {
	v, ok := c.Get(ctxClaims)
	if !ok {
		return nil
	}
	claims, _ := v.(*jwt.Claims)
	return claims
}

package router

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sudooom.im.chat/internal/gateway"
	"sudooom.im.chat/internal/handler"
	"sudooom.im.chat/internal/health"
	"sudooom.im.chat/internal/middleware"
)

// Handlers 路由依赖
type Handlers struct {
	Auth         middleware.Authenticator
	AuthHandler  *handler.AuthHandler
	User         *handler.UserHandler
	Conversation *handler.ConversationHandler
	Message      *handler.MessageHandler
	Gateway      *gateway.Gateway
	Health       *health.Checker // 可为 nil
	Origins      []string
}

// SetupRouter 设置路由
func SetupRouter(mode string, h Handlers) *gin.Engine {
	if mode != "" {
		gin.SetMode(mode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(slog.Default()))
	r.Use(middleware.CORS(h.Origins))

	if h.Health != nil {
		r.GET("/health", h.Health.Health)
		r.GET("/ready", h.Health.Ready)
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", middleware.WebSocketAuth(h.Auth), h.Gateway.ServeWS)

	v1 := r.Group("/api/v1")
	{
		// 认证接口（无需登录）
		auth := v1.Group("/auth")
		{
			auth.POST("/register", h.AuthHandler.Register)
			auth.POST("/login", h.AuthHandler.Login)
			auth.POST("/refresh", h.AuthHandler.Refresh)
		}

		authenticated := v1.Group("")
		authenticated.Use(middleware.JWTAuth(h.Auth))
		{
			user := authenticated.Group("/user")
			{
				user.GET("/profile", h.User.GetProfile)
				user.PUT("/profile", h.User.UpdateProfile)
				user.PUT("/status", h.User.UpdateStatus)
				user.POST("/block/:id", h.User.Block)
				user.DELETE("/block/:id", h.User.Unblock)
				user.GET("/:id", h.User.GetUserByID)
			}

			conversations := authenticated.Group("/conversations")
			{
				conversations.GET("", h.Conversation.List)
				conversations.POST("/direct", h.Conversation.CreateDirect)
				conversations.POST("/group", h.Conversation.CreateGroup)
				conversations.GET("/:id", h.Conversation.Get)
				conversations.DELETE("/:id", h.Conversation.Delete)

				conversations.POST("/:id/participants", h.Conversation.AddParticipant)
				conversations.DELETE("/:id/participants/:userId", h.Conversation.RemoveParticipant)
				conversations.PUT("/:id/participants/:userId/role", h.Conversation.UpdateRole)
				conversations.POST("/:id/leave", h.Conversation.Leave)

				conversations.POST("/:id/archive", h.Conversation.Archive)
				conversations.DELETE("/:id/archive", h.Conversation.Unarchive)
				conversations.POST("/:id/mute", h.Conversation.Mute)
				conversations.DELETE("/:id/mute", h.Conversation.Unmute)
				conversations.POST("/:id/pin", h.Conversation.Pin)
				conversations.DELETE("/:id/pin", h.Conversation.Unpin)
				conversations.POST("/:id/read", h.Conversation.MarkRead)
				conversations.DELETE("/:id/history", h.Conversation.DeleteHistory)

				conversations.GET("/:id/messages", h.Message.List)
				conversations.GET("/:id/messages/search", h.Message.Search)
				conversations.POST("/:id/messages", h.Message.Send)
			}

			messages := authenticated.Group("/messages")
			{
				messages.GET("/:id", h.Message.Get)
				messages.PUT("/:id", h.Message.Edit)
				messages.DELETE("/:id", h.Message.Delete)
				messages.POST("/:id/forward", h.Message.Forward)
				messages.POST("/:id/reactions", h.Message.AddReaction)
				messages.DELETE("/:id/reactions", h.Message.RemoveReaction)
			}
		}
	}

	return r
}

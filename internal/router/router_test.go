package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.chat/internal/config"
	"sudooom.im.chat/internal/connection"
	apperrors "sudooom.im.chat/internal/errors"
	"sudooom.im.chat/internal/gateway"
	"sudooom.im.chat/internal/handler"
	"sudooom.im.chat/internal/jwt"
	"sudooom.im.chat/internal/service"
	"sudooom.im.chat/internal/snowflake"
	"sudooom.im.chat/internal/store/memory"
	"sudooom.im.chat/internal/workerpool"
)

// APIResponse 用于解析响应体
type APIResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type client struct {
	t      *testing.T
	engine *gin.Engine
	token  string
}

func (c *client) do(method, path string, body any) (int, APIResponse) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	w := httptest.NewRecorder()
	c.engine.ServeHTTP(w, req)

	var resp APIResponse
	require.NoError(c.t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func setup(t *testing.T) *gin.Engine {
	t.Helper()
	store := memory.New()
	registry := connection.NewRegistry()
	pool := workerpool.New(2, 32, slog.Default())
	t.Cleanup(func() {
		registry.CloseAll()
		pool.Shutdown()
	})
	ids, err := snowflake.NewNode(3)
	require.NoError(t, err)

	conversations := service.NewConversationService(store, store, ids)
	notifier := service.NewNotificationRouter(registry, pool, conversations, service.RouterOptions{})
	messages := service.NewMessageService(store, store, conversations, notifier, ids)
	presence := service.NewPresenceService(registry, store, notifier, nil)
	auth := service.NewAuthService(store, jwt.NewService("router-secret", time.Hour, 24*time.Hour), ids)

	return SetupRouter(gin.TestMode, Handlers{
		Auth:         auth,
		AuthHandler:  handler.NewAuthHandler(auth),
		User:         handler.NewUserHandler(service.NewUserService(store), presence),
		Conversation: handler.NewConversationHandler(conversations),
		Message:      handler.NewMessageHandler(messages),
		Gateway: gateway.New(config.GatewayConfig{}, gateway.Services{
			Presence:      presence,
			Conversations: conversations,
			Messages:      messages,
			Router:        notifier,
		}),
	})
}

// signUp 注册并登录，返回已认证的客户端和用户 ID
func signUp(t *testing.T, engine *gin.Engine, name string) (*client, int64) {
	t.Helper()
	c := &client{t: t, engine: engine}
	code, resp := c.do(http.MethodPost, "/api/v1/auth/register", service.RegisterRequest{
		Email:    name + "@example.com",
		Username: name,
		Password: "secret123",
	})
	require.Equal(t, http.StatusOK, code, resp.Message)

	code, resp = c.do(http.MethodPost, "/api/v1/auth/login", service.LoginRequest{
		Email:    name + "@example.com",
		Password: "secret123",
		DeviceId: "d-" + name,
		Platform: "web",
	})
	require.Equal(t, http.StatusOK, code, resp.Message)
	var login service.LoginResponse
	require.NoError(t, json.Unmarshal(resp.Data, &login))
	c.token = login.AccessToken
	return c, login.UserId
}

func TestAuthFlow(t *testing.T) {
	engine := setup(t)
	alice, _ := signUp(t, engine, "alice")

	anon := &client{t: t, engine: engine}
	code, resp := anon.do(http.MethodPost, "/api/v1/auth/register", service.RegisterRequest{
		Email:    "ALICE@example.com",
		Username: "alice2",
		Password: "secret123",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, apperrors.CodeEmailExists, resp.Code)

	code, resp = anon.do(http.MethodPost, "/api/v1/auth/login", service.LoginRequest{Email: "alice@example.com", Password: "wrong"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, apperrors.CodeInvalidCredentials, resp.Code)

	code, resp = anon.do(http.MethodPost, "/api/v1/auth/register", map[string]string{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, apperrors.CodeInvalidParams, resp.Code)

	code, _ = anon.do(http.MethodGet, "/api/v1/user/profile", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, resp = alice.do(http.MethodGet, "/api/v1/user/profile", nil)
	require.Equal(t, http.StatusOK, code)
	var profile struct {
		Username     string `json:"username"`
		PasswordHash string `json:"passwordHash"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &profile))
	assert.Equal(t, "alice", profile.Username)
	assert.Empty(t, profile.PasswordHash)
}

func TestConversationAndMessageFlow(t *testing.T) {
	engine := setup(t)
	alice, _ := signUp(t, engine, "alice")
	bob, bobID := signUp(t, engine, "bob")

	code, resp := alice.do(http.MethodPost, "/api/v1/conversations/direct", map[string]int64{"userId": bobID})
	require.Equal(t, http.StatusOK, code, resp.Message)
	var conv struct {
		Id          int64 `json:"id"`
		UnreadCount int   `json:"unreadCount"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &conv))
	base := fmt.Sprintf("/api/v1/conversations/%d", conv.Id)

	code, resp = alice.do(http.MethodPost, base+"/messages", map[string]any{
		"type":    "text",
		"content": map[string]any{"text": map[string]string{"text": "hello bob"}},
	})
	require.Equal(t, http.StatusOK, code, resp.Message)
	var msg struct {
		Id int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &msg))

	code, resp = bob.do(http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &conv))
	assert.Equal(t, 1, conv.UnreadCount)

	code, resp = bob.do(http.MethodGet, base+"/messages?limit=10", nil)
	require.Equal(t, http.StatusOK, code)
	var msgs []struct {
		Id int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.Id, msgs[0].Id)

	code, resp = bob.do(http.MethodGet, base+"/messages/search?q=HELLO", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &msgs))
	assert.Len(t, msgs, 1)

	code, _ = bob.do(http.MethodPost, base+"/read", nil)
	require.Equal(t, http.StatusOK, code)
	code, resp = bob.do(http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &conv))
	assert.Zero(t, conv.UnreadCount)

	msgPath := fmt.Sprintf("/api/v1/messages/%d", msg.Id)
	code, resp = bob.do(http.MethodPut, msgPath, map[string]string{"text": "hijacked"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, apperrors.CodeNotSender, resp.Code)

	code, _ = alice.do(http.MethodPut, msgPath, map[string]string{"text": "hello, bob"})
	assert.Equal(t, http.StatusOK, code)

	code, _ = bob.do(http.MethodPost, msgPath+"/reactions", map[string]string{"reaction": "🔥"})
	assert.Equal(t, http.StatusOK, code)
	code, _ = bob.do(http.MethodDelete, msgPath+"/reactions?reaction=%F0%9F%94%A5", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = alice.do(http.MethodDelete, msgPath, nil)
	assert.Equal(t, http.StatusOK, code)
	code, resp = alice.do(http.MethodDelete, msgPath, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, apperrors.CodeMessageDeleted, resp.Code)

	code, resp = alice.do(http.MethodPost, base+"/participants", map[string]int64{"userId": bobID})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, apperrors.CodeDirectImmutable, resp.Code)

	code, _ = alice.do(http.MethodGet, "/api/v1/conversations/abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, resp = alice.do(http.MethodGet, "/api/v1/conversations/42", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, apperrors.CodeConversationNotFound, resp.Code)
}

func TestPerUserConversationState(t *testing.T) {
	engine := setup(t)
	alice, _ := signUp(t, engine, "alice")
	_, bobID := signUp(t, engine, "bob")

	code, resp := alice.do(http.MethodPost, "/api/v1/conversations/group", map[string]any{
		"name":      "weekend",
		"memberIds": []int64{bobID},
	})
	require.Equal(t, http.StatusOK, code, resp.Message)
	var conv struct {
		Id         int64 `json:"id"`
		IsMuted    bool  `json:"isMuted"`
		IsPinned   bool  `json:"isPinned"`
		IsArchived bool  `json:"isArchived"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &conv))
	base := fmt.Sprintf("/api/v1/conversations/%d", conv.Id)

	code, resp = alice.do(http.MethodPost, base+"/mute", map[string]int64{"duration": 3600})
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &conv))
	assert.True(t, conv.IsMuted)

	code, resp = alice.do(http.MethodPost, base+"/mute", map[string]int64{"duration": -5})
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp = alice.do(http.MethodPost, base+"/pin", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &conv))
	assert.True(t, conv.IsPinned)

	code, resp = alice.do(http.MethodDelete, base+"/mute", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &conv))
	assert.False(t, conv.IsMuted)

	code, resp = alice.do(http.MethodPost, base+"/leave", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, apperrors.CodeSoleAdmin, resp.Code)

	code, resp = alice.do(http.MethodPut, fmt.Sprintf("%s/participants/%d/role", base, bobID), map[string]string{"role": "admin"})
	require.Equal(t, http.StatusOK, code, resp.Message)
	code, _ = alice.do(http.MethodPost, base+"/leave", nil)
	assert.Equal(t, http.StatusOK, code)

	code, resp = alice.do(http.MethodGet, base, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, apperrors.CodeNotParticipant, resp.Code)
}

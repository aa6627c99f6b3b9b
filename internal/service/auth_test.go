package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sudooom.im.chat/internal/errors"
	"sudooom.im.chat/internal/jwt"
)

func TestAuthService_RegisterAndLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	user, err := h.auth.Register(ctx, &RegisterRequest{
		Email:    "Alice@Example.com",
		Username: "alice",
		Password: "secret123",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.Empty(t, user.PasswordHash)

	_, err = h.auth.Register(ctx, &RegisterRequest{Email: "alice@example.com", Username: "alice2", Password: "secret123"})
	assert.True(t, apperrors.Is(err, apperrors.ErrEmailExists))

	resp, err := h.auth.Login(ctx, &LoginRequest{Email: "ALICE@example.com", Password: "secret123", Platform: "ios"})
	require.NoError(t, err)
	assert.Equal(t, user.Id, resp.UserId)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Empty(t, resp.User.PasswordHash)

	assert.NotEmpty(t, resp.SessionId)

	claims, err := h.auth.Authenticate(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.Id, claims.UserID)
	assert.Equal(t, jwt.PlatformIOS, claims.Platform)
	assert.Equal(t, resp.SessionId, claims.ID)

	_, err = h.auth.Authenticate(resp.RefreshToken)
	assert.True(t, apperrors.Is(err, apperrors.ErrTokenInvalid))

	refreshed, err := h.auth.RefreshToken(ctx, resp.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, user.Id, refreshed.UserId)
	assert.Equal(t, resp.SessionId, refreshed.SessionId)
}

func TestAuthService_LoginRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.auth.Register(ctx, &RegisterRequest{Email: "bob@example.com", Username: "bob", Password: "secret123"})
	require.NoError(t, err)

	tests := []struct {
		name string
		req  *LoginRequest
	}{
		{"wrong password", &LoginRequest{Email: "bob@example.com", Password: "nope"}},
		{"unknown email", &LoginRequest{Email: "nobody@example.com", Password: "secret123"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.auth.Login(ctx, tt.req)
			assert.True(t, apperrors.Is(err, apperrors.ErrInvalidCredentials))
			assert.Equal(t, apperrors.KindForbidden, apperrors.KindOf(err))
		})
	}

	_, err = h.auth.RefreshToken(ctx, "garbage")
	assert.True(t, apperrors.Is(err, apperrors.ErrTokenInvalid))
}

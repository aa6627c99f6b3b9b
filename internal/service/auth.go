package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	apperrors "sudooom.im.chat/internal/errors"
	"sudooom.im.chat/internal/jwt"
	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/store"
)

// RegisterRequest 注册请求
type RegisterRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Username    string `json:"username" binding:"required,min=3,max=50"`
	Password    string `json:"password" binding:"required,min=6,max=72"`
	DisplayName string `json:"displayName" binding:"max=50"`
}

// LoginRequest 登录请求
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
	DeviceId string `json:"deviceId"`
	Platform string `json:"platform"`
}

// LoginResponse 登录响应
type LoginResponse struct {
	UserId       int64       `json:"userId"`
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	ExpiresAt    int64       `json:"expiresAt"`
	SessionId    string      `json:"sessionId"`
	User         *model.User `json:"user,omitempty"`
}

// AuthService 认证服务
type AuthService struct {
	users      store.UserStore
	jwtService *jwt.Service
	ids        IDGenerator
	bcryptCost int
	logger     *slog.Logger
}

// NewAuthService 创建认证服务
func NewAuthService(users store.UserStore, jwtService *jwt.Service, ids IDGenerator) *AuthService {
	return &AuthService{
		users:      users,
		jwtService: jwtService,
		ids:        ids,
		bcryptCost: bcrypt.DefaultCost,
		logger:     slog.Default(),
	}
}

// Register 用户注册
func (s *AuthService) Register(ctx context.Context, req *RegisterRequest) (*model.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := s.users.FindUserByEmail(ctx, email); err == nil {
		return nil, apperrors.ErrEmailExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.ErrDBError.Wrap(err)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		return nil, apperrors.ErrServerError.Wrap(err)
	}

	now := time.Now()
	user := &model.User{
		Id:           s.ids.Generate().Int64(),
		Email:        email,
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		Status:       model.UserStatusOnline,
		PasswordHash: string(passwordHash),
		LastSeen:     now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apperrors.ErrEmailExists
		}
		return nil, apperrors.ErrDBError.Wrap(err)
	}

	s.logger.Info("User registered", "userId", user.Id)
	user.PasswordHash = ""
	return user, nil
}

// Login 用户登录
func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	user, err := s.users.FindUserByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.ErrInvalidCredentials
		}
		return nil, apperrors.ErrDBError.Wrap(err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, apperrors.ErrInvalidCredentials
	}

	pair, err := s.jwtService.Issue(jwt.Session{
		UserID:   user.Id,
		DeviceID: req.DeviceId,
		Platform: jwt.Platform(req.Platform),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("User logged in", "userId", user.Id, "sessionId", pair.SessionID, "device", req.DeviceId)

	user.PasswordHash = ""
	resp := loginResponse(user.Id, pair)
	resp.User = user
	return resp, nil
}

func loginResponse(userID int64, pair *jwt.TokenPair) *LoginResponse {
	return &LoginResponse{
		UserId:       userID,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt.Unix(),
		SessionId:    pair.SessionID,
	}
}

// RefreshToken 刷新 Token，会话 ID 保持不变
func (s *AuthService) RefreshToken(ctx context.Context, refreshToken string) (*LoginResponse, error) {
	pair, claims, err := s.jwtService.Refresh(refreshToken)
	if err != nil {
		return nil, err
	}
	// 用户不存在时拒绝换发
	if _, err := s.users.FindUserPublic(ctx, claims.UserID); err != nil {
		return nil, storeErr(err, apperrors.ErrUserNotFound)
	}
	return loginResponse(claims.UserID, pair), nil
}

// Authenticate 校验 Access Token
func (s *AuthService) Authenticate(token string) (*jwt.Claims, error) {
	return s.jwtService.Parse(token, jwt.KindAccess)
}

package service

import (
	"context"
	"strings"
	"unicode/utf8"

	apperrors "sudooom.im.chat/internal/errors"
	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/store"
)

const maxDisplayNameLen = 50

// UpdateProfileRequest 更新资料请求
type UpdateProfileRequest struct {
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

// UserService 用户服务
type UserService struct {
	users store.UserStore
}

// NewUserService 创建用户服务
func NewUserService(users store.UserStore) *UserService {
	return &UserService{users: users}
}

// GetProfile 获取当前用户资料
func (s *UserService) GetProfile(ctx context.Context, userID int64) (*model.User, error) {
	user, err := s.users.FindUserPublic(ctx, userID)
	if err != nil {
		return nil, storeErr(err, apperrors.ErrUserNotFound)
	}
	return user, nil
}

// GetByID 获取其他用户的公开资料
func (s *UserService) GetByID(ctx context.Context, userID int64) (*model.User, error) {
	user, err := s.users.FindUserPublic(ctx, userID)
	if err != nil {
		return nil, storeErr(err, apperrors.ErrUserNotFound)
	}
	public := user.Public()
	if public.Status == model.UserStatusInvisible {
		public.Status = model.UserStatusOffline
		public.IsOnline = false
	}
	return public, nil
}

// UpdateProfile 更新资料，空字段保持不变
func (s *UserService) UpdateProfile(ctx context.Context, userID int64, req *UpdateProfileRequest) (*model.User, error) {
	user, err := s.users.FindUserPublic(ctx, userID)
	if err != nil {
		return nil, storeErr(err, apperrors.ErrUserNotFound)
	}

	displayName := user.DisplayName
	if name := strings.TrimSpace(req.DisplayName); name != "" {
		if utf8.RuneCountInString(name) > maxDisplayNameLen {
			return nil, apperrors.ErrInvalidParams
		}
		displayName = name
	}
	avatar := user.Avatar
	if req.Avatar != "" {
		avatar = req.Avatar
	}

	if err := s.users.UpdateProfile(ctx, userID, displayName, avatar); err != nil {
		return nil, storeErr(err, apperrors.ErrUserNotFound)
	}
	user.DisplayName = displayName
	user.Avatar = avatar
	return user, nil
}

// Block 屏蔽用户
func (s *UserService) Block(ctx context.Context, userID, targetID int64) error {
	return s.setBlocked(ctx, userID, targetID, true)
}

// Unblock 取消屏蔽
func (s *UserService) Unblock(ctx context.Context, userID, targetID int64) error {
	return s.setBlocked(ctx, userID, targetID, false)
}

func (s *UserService) setBlocked(ctx context.Context, userID, targetID int64, blocked bool) error {
	if userID == targetID || targetID <= 0 {
		return apperrors.ErrInvalidParams
	}
	return storeErr(s.users.SetBlocked(ctx, userID, targetID, blocked), apperrors.ErrUserNotFound)
}

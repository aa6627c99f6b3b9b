// Package jwt 签发和校验登录会话的 Token 对。
// 同一次登录的 Access/Refresh Token 共享会话 ID（jti），刷新时沿用。
package jwt

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "sudooom.im.chat/internal/errors"
)

const (
	issuer = "im-chat"
	leeway = 5 * time.Second
)

// Kind Token 用途
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Platform 客户端平台
type Platform string

const (
	PlatformUnknown Platform = "unknown"
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformWeb     Platform = "web"
	PlatformDesktop Platform = "desktop"
)

// Normalize 大小写无关，无法识别时为 PlatformUnknown
func (p Platform) Normalize() Platform {
	switch n := Platform(strings.ToLower(strings.TrimSpace(string(p)))); n {
	case PlatformAndroid, PlatformIOS, PlatformWeb, PlatformDesktop:
		return n
	default:
		return PlatformUnknown
	}
}

// Session 一次登录
type Session struct {
	ID       string // 为空时签发新会话
	UserID   int64
	DeviceID string
	Platform Platform
}

// Claims JWT 声明，Subject 为用户 ID，ID 为会话 ID
type Claims struct {
	UserID   int64    `json:"uid"`
	DeviceID string   `json:"dev,omitempty"`
	Platform Platform `json:"plt"`
	Kind     Kind     `json:"knd"`
	jwt.RegisteredClaims
}

// Session 还原声明所属的会话
func (c *Claims) Session() Session {
	return Session{ID: c.ID, UserID: c.UserID, DeviceID: c.DeviceID, Platform: c.Platform}
}

// TokenPair Token 对
type TokenPair struct {
	SessionID        string
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
}

// Service 使用 HS256 签名
type Service struct {
	key        []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewService 创建 JWT 服务
func NewService(secret string, accessTTL, refreshTTL time.Duration) *Service {
	return &Service{
		key:        []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// Issue 为会话签发 Token 对
func (s *Service) Issue(sess Session) (*TokenPair, error) {
	if sess.UserID <= 0 {
		return nil, apperrors.ErrInvalidParams
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	sess.Platform = sess.Platform.Normalize()

	now := s.now()
	pair := &TokenPair{
		SessionID:        sess.ID,
		ExpiresAt:        now.Add(s.accessTTL),
		RefreshExpiresAt: now.Add(s.refreshTTL),
	}
	var err error
	if pair.AccessToken, err = s.sign(sess, KindAccess, now, pair.ExpiresAt); err != nil {
		return nil, err
	}
	if pair.RefreshToken, err = s.sign(sess, KindRefresh, now, pair.RefreshExpiresAt); err != nil {
		return nil, err
	}
	return pair, nil
}

func (s *Service) sign(sess Session, kind Kind, at, exp time.Time) (string, error) {
	claims := &Claims{
		UserID:   sess.UserID,
		DeviceID: sess.DeviceID,
		Platform: sess.Platform,
		Kind:     kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   strconv.FormatInt(sess.UserID, 10),
			ID:        sess.ID,
			IssuedAt:  jwt.NewNumericDate(at),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", apperrors.ErrServerError.Wrap(err)
	}
	return signed, nil
}

// Parse 校验签名、有效期和用途，返回 ErrTokenExpired 或 ErrTokenInvalid
func (s *Service) Parse(token string, kind Kind) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, apperrors.ErrTokenExpired
	case err != nil:
		return nil, apperrors.ErrTokenInvalid.Wrap(err)
	}

	// Subject 与 uid 必须一致，防止拼接声明
	if claims.Kind != kind || claims.UserID <= 0 || claims.ID == "" ||
		claims.Subject != strconv.FormatInt(claims.UserID, 10) {
		return nil, apperrors.ErrTokenInvalid
	}
	return claims, nil
}

// Refresh 用 Refresh Token 换发同一会话的新 Token 对
func (s *Service) Refresh(refreshToken string) (*TokenPair, *Claims, error) {
	claims, err := s.Parse(refreshToken, KindRefresh)
	if err != nil {
		return nil, nil, err
	}
	pair, err := s.Issue(claims.Session())
	if err != nil {
		return nil, nil, err
	}
	return pair, claims, nil
}

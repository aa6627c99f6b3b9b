package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// UserLocation 用户所在节点
type UserLocation struct {
	UserId    int64     `json:"userId"`
	NodeId    string    `json:"nodeId"`
	ConnId    int64     `json:"connId"`
	Platform  string    `json:"platform"`
	LoginTime time.Time `json:"loginTime"`
}

// 仅当记录仍属于该连接时删除，避免新连接的位置被旧连接清掉
var unregisterScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
local loc = cjson.decode(v)
if loc.nodeId == ARGV[1] and tostring(loc.connId) == ARGV[2] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// LocationStore 记录用户当前连接所在节点，供跨节点转发使用
type LocationStore struct {
	client *redis.Client
	nodeID string
	ttl    time.Duration
	logger *slog.Logger
}

// NewLocationStore 创建位置存储
func NewLocationStore(client *redis.Client, nodeID string, ttl time.Duration) *LocationStore {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &LocationStore{
		client: client,
		nodeID: nodeID,
		ttl:    ttl,
		logger: slog.Default(),
	}
}

// Register 注册用户位置，新连接覆盖旧连接
func (s *LocationStore) Register(ctx context.Context, userId, connId int64, platform string) error {
	location := UserLocation{
		UserId:    userId,
		NodeId:    s.nodeID,
		ConnId:    connId,
		Platform:  platform,
		LoginTime: time.Now(),
	}
	data, err := json.Marshal(location)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}

	if err := s.client.Set(ctx, BuildUserLocationKey(userId), data, s.ttl).Err(); err != nil {
		return err
	}
	s.logger.Debug("Registered user location",
		"userId", userId,
		"connId", connId,
		"nodeId", s.nodeID)
	return nil
}

// Unregister 移除用户位置（仅当记录属于该连接）
func (s *LocationStore) Unregister(ctx context.Context, userId, connId int64) error {
	return unregisterScript.Run(ctx, s.client,
		[]string{BuildUserLocationKey(userId)},
		s.nodeID, strconv.FormatInt(connId, 10)).Err()
}

// Refresh 刷新 TTL（心跳时调用）
func (s *LocationStore) Refresh(ctx context.Context, userId int64) error {
	return s.client.Expire(ctx, BuildUserLocationKey(userId), s.ttl).Err()
}

// Get 获取用户位置，不在线返回 nil
func (s *LocationStore) Get(ctx context.Context, userId int64) (*UserLocation, error) {
	data, err := s.client.Get(ctx, BuildUserLocationKey(userId)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var loc UserLocation
	if err := json.Unmarshal(data, &loc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal location: %w", err)
	}
	return &loc, nil
}

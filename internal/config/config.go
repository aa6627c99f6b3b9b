package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Cluster      ClusterConfig      `mapstructure:"cluster"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	JWT          JWTConfig          `mapstructure:"jwt"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Fanout       FanoutConfig       `mapstructure:"fanout"`
	Presence     PresenceConfig     `mapstructure:"presence"`
	Notification NotificationConfig `mapstructure:"notification"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`
	LogLevel string `mapstructure:"log_level"`
}

// ClusterConfig 多节点部署配置
type ClusterConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	NodeID   string `mapstructure:"node_id"`
	WorkerID int64  `mapstructure:"worker_id"` // 雪花 ID 节点号
}

// GatewayConfig WebSocket 网关配置
type GatewayConfig struct {
	ReadLimit        int64         `mapstructure:"read_limit"`
	SendBuffer       int           `mapstructure:"send_buffer"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	HeartbeatCheck   time.Duration `mapstructure:"heartbeat_check"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`   // 振铃超时
	TypingTimeout    time.Duration `mapstructure:"typing_timeout"` // 输入状态自动结束
}

type JWTConfig struct {
	SecretKey     string        `mapstructure:"secret_key"`
	AccessExpire  time.Duration `mapstructure:"access_expire"`
	RefreshExpire time.Duration `mapstructure:"refresh_expire"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN 生成 PostgreSQL 连接串
func (c DatabaseConfig) DSN() string {
	q := url.Values{}
	q.Set("sslmode", "disable")
	q.Set("pool_max_conns", strconv.Itoa(c.MaxOpenConns))
	q.Set("pool_min_conns", strconv.Itoa(c.MaxIdleConns))
	q.Set("pool_max_conn_lifetime", c.ConnMaxLifetime.String())
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Addr 返回 host:port
func (c RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// FanoutConfig 消息扇出 worker pool 配置
type FanoutConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// PresenceConfig 在线状态配置
type PresenceConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	LocationTTL       time.Duration `mapstructure:"location_ttl"`
}

// NotificationConfig 离线通知队列配置
type NotificationConfig struct {
	QueueMaxLen int64         `mapstructure:"queue_max_len"`
	QueueTTL    time.Duration `mapstructure:"queue_ttl"`
}

// Load 从指定路径加载配置
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// 从环境变量覆盖配置
	cfg.applyEnv()
	cfg.applyDefaults()

	return &cfg, cfg.Validate()
}

// applyEnv 从环境变量覆盖配置
func (c *Config) applyEnv() {
	// App
	c.App.Port = GetEnvInt("CHAT_PORT", c.App.Port)
	c.App.Mode = GetEnv("CHAT_MODE", c.App.Mode)
	c.App.LogLevel = GetEnv("CHAT_LOG_LEVEL", c.App.LogLevel)

	// Cluster
	c.Cluster.Enabled = GetEnvBool("CHAT_CLUSTER_ENABLED", c.Cluster.Enabled)
	c.Cluster.NodeID = GetEnv("CHAT_NODE_ID", c.Cluster.NodeID)
	c.Cluster.WorkerID = int64(GetEnvInt("CHAT_WORKER_ID", int(c.Cluster.WorkerID)))

	// JWT
	c.JWT.SecretKey = GetEnv("JWT_SECRET", c.JWT.SecretKey)
	c.JWT.AccessExpire = GetEnvDuration("JWT_ACCESS_EXPIRE", c.JWT.AccessExpire)
	c.JWT.RefreshExpire = GetEnvDuration("JWT_REFRESH_EXPIRE", c.JWT.RefreshExpire)

	// Database
	c.Database.Host = GetEnv("POSTGRES_HOST", c.Database.Host)
	c.Database.Port = GetEnvInt("POSTGRES_PORT", c.Database.Port)
	c.Database.User = GetEnv("POSTGRES_USER", c.Database.User)
	c.Database.Password = GetEnv("POSTGRES_PASSWORD", c.Database.Password)
	c.Database.Name = GetEnv("POSTGRES_DB", c.Database.Name)

	// Redis
	c.Redis.Host = GetEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = GetEnvInt("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = GetEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = GetEnvInt("REDIS_DB", c.Redis.DB)

	// NATS
	c.NATS.URL = GetEnv("NATS_URL", c.NATS.URL)
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "im-chat"
	}
	if c.App.Port == 0 {
		c.App.Port = 8080
	}
	if c.App.Mode == "" {
		c.App.Mode = "release"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Cluster.NodeID == "" {
		c.Cluster.NodeID = "chat-1"
	}
	if c.Gateway.ReadLimit <= 0 {
		c.Gateway.ReadLimit = 64 * 1024
	}
	if c.Gateway.SendBuffer <= 0 {
		c.Gateway.SendBuffer = 256
	}
	if c.Gateway.PongWait <= 0 {
		c.Gateway.PongWait = 60 * time.Second
	}
	if c.Gateway.PingPeriod <= 0 || c.Gateway.PingPeriod >= c.Gateway.PongWait {
		c.Gateway.PingPeriod = c.Gateway.PongWait * 9 / 10
	}
	if c.Gateway.HeartbeatTimeout <= 0 {
		c.Gateway.HeartbeatTimeout = 90 * time.Second
	}
	if c.Gateway.HeartbeatCheck <= 0 {
		c.Gateway.HeartbeatCheck = 30 * time.Second
	}
	if c.Gateway.CallTimeout <= 0 || c.Gateway.CallTimeout > time.Minute {
		c.Gateway.CallTimeout = 45 * time.Second
	}
	if c.Gateway.TypingTimeout <= 0 || c.Gateway.TypingTimeout > time.Minute {
		c.Gateway.TypingTimeout = 6 * time.Second
	}
	if c.JWT.AccessExpire <= 0 {
		c.JWT.AccessExpire = 2 * time.Hour
	}
	if c.JWT.RefreshExpire <= 0 {
		c.JWT.RefreshExpire = 7 * 24 * time.Hour
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 2
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = time.Hour
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.PoolSize <= 0 {
		c.Redis.PoolSize = 50
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectWait <= 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.Fanout.Workers <= 0 {
		c.Fanout.Workers = 32
	}
	if c.Fanout.QueueSize <= 0 {
		c.Fanout.QueueSize = 4096
	}
	if c.Presence.ReconcileInterval <= 0 {
		c.Presence.ReconcileInterval = time.Minute
	}
	if c.Presence.LocationTTL <= 0 {
		c.Presence.LocationTTL = 3 * c.Gateway.PongWait
	}
	if c.Notification.QueueMaxLen <= 0 {
		c.Notification.QueueMaxLen = 200
	}
	if c.Notification.QueueTTL <= 0 {
		c.Notification.QueueTTL = 7 * 24 * time.Hour
	}
}

// Validate 校验必填项
func (c *Config) Validate() error {
	if c.JWT.SecretKey == "" {
		return fmt.Errorf("jwt.secret_key is required")
	}
	if c.Database.Host == "" || c.Database.Name == "" {
		return fmt.Errorf("database host and name are required")
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("redis.host is required")
	}
	if c.Cluster.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when cluster is enabled")
	}
	if c.Cluster.WorkerID < 0 || c.Cluster.WorkerID > 1023 {
		return fmt.Errorf("cluster.worker_id must be in [0, 1023]")
	}
	return nil
}

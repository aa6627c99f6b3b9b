package nats

import (
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"sudooom.im.chat/internal/config"
)

const (
	connectTimeout = 10 * time.Second
	pingInterval   = 20 * time.Second
)

// Client 节点间转发使用的 NATS 连接
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// Connect 以 name 标识本节点连接 NATS
func Connect(cfg config.NATSConfig, name string, logger *slog.Logger) (*Client, error) {
	c := &Client{logger: logger.With("component", "nats", "name", name)}
	conn, err := nats.Connect(cfg.URL, c.options(cfg, name)...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// options 断线期间转发失败由扇出降级为离线队列，这里只记录状态变化
func (c *Client) options(cfg config.NATSConfig, name string) []nats.Option {
	return []nats.Option{
		nats.Name(name),
		nats.Timeout(connectTimeout),
		nats.PingInterval(pingInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("Disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl(), "reconnects", nc.Stats().Reconnects)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.logger.Error("NATS async error", "subject", subject, "error", err)
		}),
	}
}

// Conn 返回底层连接，供发布者、订阅者和健康检查使用
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// Close 排空订阅后关闭
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	stats := c.conn.Stats()
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("NATS drain failed", "error", err)
		c.conn.Close()
	}
	c.logger.Info("NATS connection closed", "inMsgs", stats.InMsgs, "outMsgs", stats.OutMsgs)
}

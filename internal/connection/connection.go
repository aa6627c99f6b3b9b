package connection

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("connection send buffer full")
)

// DefaultSendBuffer 默认写缓冲帧数
const DefaultSendBuffer = 256

var connIDCounter int64

// Transport 底层传输，*websocket.Conn 满足该接口
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Connection 表示一个已认证的客户端连接
type Connection struct {
	id         int64
	userID     int64
	deviceID   string
	platform   string
	transport  Transport
	logger     *slog.Logger
	writeChan  chan []byte
	closeChan  chan struct{}
	closeOnce  sync.Once
	createTime time.Time
	lastActive atomic.Int64

	roomsMu sync.RWMutex
	rooms   map[int64]struct{}
}

// Options 连接参数
type Options struct {
	UserID     int64
	DeviceID   string
	Platform   string
	SendBuffer int
}

// New 创建连接并启动写协程
func New(transport Transport, opts Options, logger *slog.Logger) *Connection {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	id := atomic.AddInt64(&connIDCounter, 1)
	c := &Connection{
		id:         id,
		userID:     opts.UserID,
		deviceID:   opts.DeviceID,
		platform:   opts.Platform,
		transport:  transport,
		logger:     logger.With("connId", id, "userId", opts.UserID),
		writeChan:  make(chan []byte, opts.SendBuffer),
		closeChan:  make(chan struct{}),
		createTime: time.Now(),
		rooms:      make(map[int64]struct{}),
	}
	c.UpdateActive()
	go c.writeLoop()
	return c
}

func (c *Connection) ID() int64 {
	return c.id
}

func (c *Connection) UserID() int64 {
	return c.userID
}

func (c *Connection) DeviceID() string {
	return c.deviceID
}

func (c *Connection) Platform() string {
	return c.platform
}

// Send 非阻塞入队，慢连接只会填满自己的缓冲
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.closeChan:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeChan <- data:
		return nil
	case <-c.closeChan:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeChan:
			if err := c.transport.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("Failed to write frame", "error", err)
				c.Close()
				return
			}
		case <-c.closeChan:
			return
		}
	}
}

// Close 关闭连接，可重复调用
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		c.transport.Close()
	})
}

// Done 连接关闭时关闭
func (c *Connection) Done() <-chan struct{} {
	return c.closeChan
}

// IsClosed 判断连接是否已关闭
func (c *Connection) IsClosed() bool {
	select {
	case <-c.closeChan:
		return true
	default:
		return false
	}
}

// UpdateActive 刷新最后活跃时间
func (c *Connection) UpdateActive() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActiveTime 返回最后活跃时间
func (c *Connection) LastActiveTime() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) CreateTime() time.Time {
	return c.createTime
}

// Join 加入会话房间
func (c *Connection) Join(conversationID int64) {
	c.roomsMu.Lock()
	c.rooms[conversationID] = struct{}{}
	c.roomsMu.Unlock()
}

// Leave 离开会话房间
func (c *Connection) Leave(conversationID int64) {
	c.roomsMu.Lock()
	delete(c.rooms, conversationID)
	c.roomsMu.Unlock()
}

// InRoom 判断是否已加入会话房间
func (c *Connection) InRoom(conversationID int64) bool {
	c.roomsMu.RLock()
	defer c.roomsMu.RUnlock()
	_, ok := c.rooms[conversationID]
	return ok
}

// Rooms 返回已加入的房间
func (c *Connection) Rooms() []int64 {
	c.roomsMu.RLock()
	defer c.roomsMu.RUnlock()
	rooms := make([]int64, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	return rooms
}

package chat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client 一条 websocket 连接。同一用户可以多端多连接，各自维护。
type Client struct {
	ConnID   string // 本实例内唯一
	UserID   int64
	Username string
	WS       *websocket.Conn

	send   chan []byte // 出站队列，由唯一的写协程消费
	mu     sync.Mutex
	closed bool

	topics    map[string]struct{} // 由 Registry 的锁保护
	CreatedAt time.Time
}

func NewClient(connID string, userID int64, username string, ws *websocket.Conn, sendQueueSize int) *Client {
	return &Client{
		ConnID:    connID,
		UserID:    userID,
		Username:  username,
		WS:        ws,
		send:      make(chan []byte, sendQueueSize),
		topics:    make(map[string]struct{}),
		CreatedAt: time.Now(),
	}
}

// enqueue 非阻塞；队列满或已关闭返回 false
func (c *Client) enqueue(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// close 关闭出站队列，写协程随后发 close 帧退出
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

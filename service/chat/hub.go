// Package chat 本实例的 websocket 接入：维护连接与订阅，实现 transport.Transport。
// 每条连接建立 / 断开时带着 connId 回调 Listener（在线状态按会话登记）。
package chat

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"PChat/logger"
	"PChat/service/transport"
	"PChat/tools/errs"

	"go.uber.org/zap"
)

// Listener 连接生命周期回调，由在线状态模块实现
type Listener interface {
	OnConnect(ctx context.Context, userID int64, username, connID string)
	OnDisconnect(ctx context.Context, userID int64, username, connID string)
	Heartbeat(ctx context.Context, userID int64, connID string) bool
}

// Guard 订阅鉴权，返回 false 拒绝订阅
type Guard func(ctx context.Context, userID int64, topic string) bool

type Config struct {
	SendQueue      int           // 每连接出站队列长度
	WriteWait      time.Duration // 单次写超时
	PongWait       time.Duration // 读超时（收到 pong / 任意帧即续期）
	PingPeriod     time.Duration // 必须小于 PongWait
	MaxMessageSize int64
	MaxPerUser     int  // 每用户在本实例的最大连接数，<=0 不限制
	EvictSlow      bool // 出站队列满时断开
	CallbackWait   time.Duration
	CheckOrigin    func(r *http.Request) bool
}

func (c *Config) norm() {
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 << 10
	}
	if c.CallbackWait <= 0 {
		c.CallbackWait = 5 * time.Second
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
}

type Hub struct {
	conf     Config
	reg      *Registry
	fanout   *Fanout
	listener Listener
	guard    Guard

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup // 进行中的 ServeWS
}

var _ transport.Transport = (*Hub)(nil)

func NewHub(conf Config) *Hub {
	conf.norm()
	return &Hub{
		conf:   conf,
		reg:    NewRegistry(),
		fanout: NewFanout(conf.EvictSlow),
	}
}

// SetListener 启动时注入，避免与在线状态模块的构造循环
func (h *Hub) SetListener(l Listener) { h.listener = l }

func (h *Hub) SetGuard(g Guard) { h.guard = g }

func (h *Hub) BroadcastToTopic(_ context.Context, topic string, payload any) error {
	conns := h.reg.listByTopic(topic)
	if len(conns) == 0 {
		return nil
	}
	b, err := encodeMessage(topic, payload)
	if err != nil {
		return err
	}
	h.fanout.Deliver(conns, b)
	return nil
}

// SendToUser destination 形如 /queue/xxx，客户端收到的是 /user/queue/xxx
func (h *Hub) SendToUser(_ context.Context, username, destination string, payload any) error {
	conns := h.reg.listByUser(username)
	if len(conns) == 0 {
		return transport.ErrNoSession
	}
	b, err := encodeMessage(userDestination(destination), payload)
	if err != nil {
		return err
	}
	if h.fanout.Deliver(conns, b) == 0 {
		return errs.ErrDependencyUnavailable.WrapMsg("all sessions busy", "user", username)
	}
	return nil
}

func userDestination(d string) string {
	if strings.HasPrefix(d, "/user/") {
		return d
	}
	return "/user" + d
}

// ConnIDs 用户在本实例上的连接
func (h *Hub) ConnIDs(username string) []string {
	conns := h.reg.listByUser(username)
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.ConnID)
	}
	return out
}

// Stats 连接数 / 用户数 / 丢弃的帧数
func (h *Hub) Stats() (conns, users int, dropped int64) {
	conns, users = h.reg.count()
	return conns, users, h.fanout.Dropped()
}

// track 关闭后不再接新连接
func (h *Hub) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.wg.Add(1)
	return true
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Close 关闭所有连接，并等每条连接的断开回调跑完；ctx 到期直接返回
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	for _, c := range h.reg.listAll() {
		c.close()
	}
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("[ws] hub closed")
		return nil
	case <-ctx.Done():
		conns, _ := h.reg.count()
		return errs.WrapMsg(ctx.Err(), "hub close: connections still draining", "conns", conns)
	}
}

func (h *Hub) onConnect(c *Client) {
	if h.listener == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.conf.CallbackWait)
	defer cancel()
	h.listener.OnConnect(ctx, c.UserID, c.Username, c.ConnID)
}

func (h *Hub) onDisconnect(c *Client) {
	if h.listener == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.conf.CallbackWait)
	defer cancel()
	h.listener.OnDisconnect(ctx, c.UserID, c.Username, c.ConnID)
}

func (h *Hub) handleFrame(c *Client, f *ClientFrame) {
	switch f.Type {
	case FrameSubscribe:
		if h.guard != nil {
			ctx, cancel := context.WithTimeout(context.Background(), h.conf.CallbackWait)
			ok := h.guard(ctx, c.UserID, f.Destination)
			cancel()
			if !ok {
				c.enqueue(encodeControl(FrameError, map[string]string{"destination": f.Destination, "error": "subscription denied"}))
				return
			}
		}
		h.reg.subscribe(c, f.Destination)
	case FrameUnsubscribe:
		h.reg.unsubscribe(c, f.Destination)
	case FramePing:
		online := true
		if h.listener != nil {
			ctx, cancel := context.WithTimeout(context.Background(), h.conf.CallbackWait)
			online = h.listener.Heartbeat(ctx, c.UserID, c.ConnID)
			cancel()
		}
		c.enqueue(encodeControl(FramePong, map[string]bool{"online": online}))
	default:
		logger.Debug("[ws] ignore frame", zap.String("type", f.Type))
	}
}

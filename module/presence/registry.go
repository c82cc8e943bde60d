// Package presence 集群范围的在线状态。
//
// 在线 = redis 中该用户还有未过期的会话，会话粒度是 {node}:{connId}，
// 每条连接只登记 / 续期 / 摘除自己的会话，心跳续期。
// 连接异常断开、实例崩溃时不会留下永久在线的脏状态，过期即离线，
// 过期本身不触发任何动作，下一次查询时自然读到离线。
// 上线 / 离线广播只在集群范围的第一条会话建立、最后一条会话摘除时发出。
package presence

import (
	"context"
	"time"

	"PChat/logger"
	"PChat/module/chat/model"
	"PChat/module/chat/store"
	"PChat/service/audit"
	"PChat/service/bus"
	"PChat/service/storage"
	"PChat/service/transport"

	"go.uber.org/zap"
)

// ConnectListener 传输层在每条连接建立 / 断开时回调
type ConnectListener interface {
	OnConnect(ctx context.Context, userID int64, username, connID string)
	OnDisconnect(ctx context.Context, userID int64, username, connID string)
}

// Drainer 上线时投递离线信箱
type Drainer interface {
	Drain(ctx context.Context, userID int64, username string) ([]*model.Message, error)
}

type Registry struct {
	node     string
	presence *storage.PresenceStore
	users    store.UserStore
	tr       transport.Transport
	pub      *bus.Publisher
	audit    audit.Emitter
	mailbox  Drainer

	now func() time.Time
}

var _ ConnectListener = (*Registry)(nil)

func NewRegistry(
	node string,
	presence *storage.PresenceStore,
	users store.UserStore,
	tr transport.Transport,
	pub *bus.Publisher,
	emitter audit.Emitter,
	mailbox Drainer,
) *Registry {
	if emitter == nil {
		emitter = audit.Noop{}
	}
	return &Registry{
		node:     node,
		presence: presence,
		users:    users,
		tr:       tr,
		pub:      pub,
		audit:    emitter,
		mailbox:  mailbox,
		now:      time.Now,
	}
}

func (r *Registry) OnConnect(ctx context.Context, userID int64, username, connID string) {
	r.SetOnline(ctx, userID, username, connID)
}

func (r *Registry) OnDisconnect(ctx context.Context, userID int64, username, connID string) {
	r.SetOffline(ctx, userID, username, connID)
}

func (r *Registry) session(connID string) string { return storage.SessionID(r.node, connID) }

// SetOnline 登记会话、广播、再投递离线信箱。任何一步失败都只记日志，不能让握手失败
func (r *Registry) SetOnline(ctx context.Context, userID int64, username, connID string) {
	first, err := r.presence.SetOnline(ctx, userID, r.session(connID))
	if err != nil {
		logger.Error("[presence] set online failed", zap.Int64("userId", userID), zap.String("conn", connID), zap.Error(err))
	}

	if first {
		r.announce(ctx, model.PresenceChange{UserID: userID, Username: username, Online: true, Timestamp: r.now()})
		r.audit.Emit(ctx, audit.NewPresenceEvent(audit.UserOnline, userID, username, true))
	}

	if r.mailbox == nil {
		return
	}
	msgs, err := r.mailbox.Drain(ctx, userID, username)
	if err != nil {
		logger.Warn("[presence] mailbox drain failed", zap.Int64("userId", userID), zap.Error(err))
		return
	}
	if len(msgs) > 0 {
		logger.Info("[presence] offline messages delivered", zap.Int64("userId", userID), zap.Int("count", len(msgs)))
	}
}

// SetOffline 摘掉本会话；用户在别处还有会话时什么都不广播
func (r *Registry) SetOffline(ctx context.Context, userID int64, username, connID string) {
	at := r.now()
	removed, left, err := r.presence.SetOffline(ctx, userID, r.session(connID), at)
	if err != nil {
		logger.Error("[presence] set offline failed", zap.Int64("userId", userID), zap.String("conn", connID), zap.Error(err))
		return
	}
	if left > 0 {
		logger.Debug("[presence] session closed, still online", zap.Int64("userId", userID), zap.Int64("sessions", left))
		return
	}
	if err := r.users.SetLastSeen(ctx, userID, username, at); err != nil {
		logger.Error("[presence] persist last seen failed", zap.Int64("userId", userID), zap.Error(err))
	}
	if !removed {
		// 会话已经过期被清理，离线早已生效
		return
	}

	r.announce(ctx, model.PresenceChange{UserID: userID, Username: username, Online: false, LastSeenAt: &at, Timestamp: at})
	r.audit.Emit(ctx, audit.NewPresenceEvent(audit.UserOffline, userID, username, false))
}

func (r *Registry) announce(ctx context.Context, change model.PresenceChange) {
	if err := r.tr.BroadcastToTopic(ctx, transport.TopicPresence, change); err != nil {
		logger.Warn("[presence] local broadcast failed", zap.Int64("userId", change.UserID), zap.Error(err))
	}
	r.pub.Publish(ctx, bus.ChannelPresence, change)
}

// IsOnline redis 不可用时按离线处理
func (r *Registry) IsOnline(ctx context.Context, userID int64) bool {
	ok, err := r.presence.IsOnline(ctx, userID)
	if err != nil {
		logger.Warn("[presence] lookup failed, treat as offline", zap.Int64("userId", userID), zap.Error(err))
		return false
	}
	return ok
}

// OnlineAmong 批量查询；失败时全部按离线处理
func (r *Registry) OnlineAmong(ctx context.Context, userIDs []int64) map[int64]bool {
	out, err := r.presence.OnlineAmong(ctx, userIDs)
	if err != nil {
		logger.Warn("[presence] batch lookup failed, treat as offline", zap.Int("n", len(userIDs)), zap.Error(err))
		return make(map[int64]bool, len(userIDs))
	}
	return out
}

func (r *Registry) OnlineUsers(ctx context.Context) ([]int64, error) {
	return r.presence.OnlineUsers(ctx)
}

// Heartbeat 只给调用方这条连接的会话续期，返回 false 表示已过期需要重新连接
func (r *Registry) Heartbeat(ctx context.Context, userID int64, connID string) bool {
	ok, err := r.presence.Heartbeat(ctx, userID, r.session(connID))
	if err != nil {
		logger.Warn("[presence] heartbeat failed", zap.Int64("userId", userID), zap.String("conn", connID), zap.Error(err))
		return false
	}
	return ok
}

// GetLastSeen 先查 redis，没有再查持久化
func (r *Registry) GetLastSeen(ctx context.Context, userID int64) (*time.Time, error) {
	at, err := r.presence.LastSeen(ctx, userID)
	if err != nil {
		logger.Warn("[presence] redis last seen failed, fallback to store", zap.Int64("userId", userID), zap.Error(err))
	}
	if at != nil {
		return at, nil
	}
	return r.users.GetLastSeen(ctx, userID)
}

// Status 单个用户的在线视图
func (r *Registry) Status(ctx context.Context, userID int64) (*model.Presence, error) {
	p := &model.Presence{UserID: userID, Online: r.IsOnline(ctx, userID)}
	at, err := r.GetLastSeen(ctx, userID)
	if err != nil {
		return nil, err
	}
	p.LastSeenAt = at
	return p, nil
}

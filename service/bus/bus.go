// Package bus 跨实例事件总线。所有实例发布到同一个主题，每个实例的 Bridge
// 收到后转成本地推送，谁都不需要知道某个用户连在哪台机器上。
package bus

import (
	"context"
	"encoding/json"
	"time"

	"PChat/logger"
	"PChat/service/worker"
	"PChat/tools/errs"
	"PChat/tools/ids"

	"go.uber.org/zap"
)

type Channel string

const (
	ChannelMessage  Channel = "conversation.message"
	ChannelStatus   Channel = "conversation.status"
	ChannelPresence Channel = "user.presence"
	ChannelTyping   Channel = "conversation.typing"
	ChannelCleared  Channel = "conversation.cleared"
	ChannelDeleted  Channel = "conversation.deleted"
)

// Envelope 总线上的统一信封，Channel 决定 Payload 的类型
type Envelope struct {
	ID      string          `json:"id"`
	Channel Channel         `json:"channel"`
	Origin  string          `json:"origin"` // 发布实例的 NodeID
	Payload json.RawMessage `json:"payload"`
}

func NewEnvelope(channel Channel, origin string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errs.WrapMsg(err, "marshal bus payload", "channel", channel)
	}
	return Envelope{ID: ids.UUID(), Channel: channel, Origin: origin, Payload: b}, nil
}

func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errs.ErrArgs.WrapMsg("decode bus payload", "channel", e.Channel, "err", err.Error())
	}
	return nil
}

type Handler func(ctx context.Context, env Envelope)

type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe 接收所有实例（包括自己）发布的信封，直到 ctx 结束或 Close
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// Publisher 业务侧入口：打信封、限时、失败只记日志。
// 挂了 pool 时信封在调用方 goroutine 里编码，发送交给 pool；
// pool 只有一个 worker 时发送顺序与 Publish 调用顺序一致。
type Publisher struct {
	bus     Bus
	origin  string
	timeout time.Duration
	pool    *worker.Pool
}

func NewPublisher(b Bus, origin string, timeout time.Duration) *Publisher {
	return &Publisher{bus: b, origin: origin, timeout: timeout}
}

// Async 之后的发布都在 pool 上执行
func (p *Publisher) Async(pool *worker.Pool) *Publisher {
	p.pool = pool
	return p
}

func (p *Publisher) Origin() string { return p.origin }

// Publish 尽力发布，错误不返回
func (p *Publisher) Publish(ctx context.Context, channel Channel, payload any) {
	if p == nil || p.bus == nil {
		return
	}
	env, err := NewEnvelope(channel, p.origin, payload)
	if err != nil {
		logger.Error("[bus] build envelope failed", zap.String("channel", string(channel)), zap.Error(err))
		return
	}
	if p.pool != nil && p.pool.TrySubmit(func(ctx context.Context) { p.send(ctx, env) }) {
		return
	}
	// 没有 pool，或者 pool 满了/已关闭：就地发送，跨实例的消息不能丢
	p.send(context.WithoutCancel(ctx), env)
}

func (p *Publisher) send(ctx context.Context, env Envelope) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if err := p.bus.Publish(ctx, env); err != nil {
		logger.Warn("[bus] publish failed", zap.String("channel", string(env.Channel)), zap.Error(err))
	}
}

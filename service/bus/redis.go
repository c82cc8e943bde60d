package bus

import (
	"context"
	"encoding/json"
	"sync"

	"PChat/logger"
	"PChat/tools/errs"
	"PChat/tools/safe"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus redis pub/sub，所有实例订阅同一个频道
type RedisBus struct {
	rdb     redis.UniversalClient
	channel string

	mu   sync.Mutex
	subs []*redis.PubSub
}

var _ Bus = (*RedisBus)(nil)

func NewRedisBus(rdb redis.UniversalClient, channel string) *RedisBus {
	return &RedisBus{rdb: rdb, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errs.WrapMsg(err, "marshal envelope")
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return errs.Dependency(err, "redis publish", "channel", b.channel)
	}
	return nil
}

// Subscribe 等订阅确认后返回，之后发布的消息不会漏
func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	ps := b.rdb.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return errs.Dependency(err, "redis subscribe", "channel", b.channel)
	}
	b.mu.Lock()
	b.subs = append(b.subs, ps)
	b.mu.Unlock()

	ch := ps.Channel()
	safe.SafeGo(func() {
		for {
			select {
			case <-ctx.Done():
				_ = ps.Close()
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					logger.Warn("[bus] bad envelope from redis", zap.Error(err))
					continue
				}
				safe.Run(func() { h(ctx, env) })
			}
		}
	})
	return nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ps := range b.subs {
		_ = ps.Close()
	}
	b.subs = nil
	return nil
}

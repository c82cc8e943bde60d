package bus

import (
	"context"
	"encoding/json"

	"PChat/logger"
	"PChat/service/natsx"
	"PChat/tools/errs"

	"go.uber.org/zap"
)

const natsBiz = "chat.bus"

// NatsBus 走 natsx Core 模式；Queue 为空，每个实例都收到
type NatsBus struct {
	mgr *natsx.NatsManager
}

var _ Bus = (*NatsBus)(nil)

func NewNatsBus(mgr *natsx.NatsManager, subject string) (*NatsBus, error) {
	if err := mgr.RegisterRoute(natsx.NatsxRoute{Biz: natsBiz, Subject: subject, Mode: natsx.Core}); err != nil {
		return nil, err
	}
	return &NatsBus{mgr: mgr}, nil
}

// Publish 信封 ID 作为 Nats-Msg-Id，消费端幂等中间件据此去重
func (b *NatsBus) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errs.WrapMsg(err, "marshal envelope")
	}
	return b.mgr.PublishOnce(ctx, natsBiz, data, map[string]string{"X-Origin": env.Origin}, env.ID)
}

func (b *NatsBus) Subscribe(ctx context.Context, h Handler) error {
	return b.mgr.Subscribe(ctx, natsBiz, func(ctx context.Context, msg natsx.NatsxMessage) error {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			logger.Warn("[bus] bad envelope from nats", zap.String("subject", msg.Subject), zap.Error(err))
			return nil
		}
		h(ctx, env)
		return nil
	})
}

func (b *NatsBus) Close() error {
	return b.mgr.Close()
}

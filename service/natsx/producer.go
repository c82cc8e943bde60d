package natsx

import (
	"context"

	"PChat/tools/errs"
	"PChat/tools/ids"
)

const HeaderMsgID = "Nats-Msg-Id"

// NatsxProducer 生产端
type NatsxProducer struct{ c *NatsxClient }

func NewNatsxProducer(c *NatsxClient) *NatsxProducer { return &NatsxProducer{c: c} }

// Publish 按 Biz 路由发送
func (p *NatsxProducer) Publish(ctx context.Context, biz string, data []byte, hdr map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, ok := p.c.route(biz)
	if !ok {
		return errs.ErrNotFound.WrapMsg("route not found", "biz", biz)
	}
	return p.c.sendCore(r.Subject, data, hdr)
}

// PublishOnce 带 Nats-Msg-Id 发布，消费端幂等中间件据此去重；msgID 为空则自动生成
func (p *NatsxProducer) PublishOnce(ctx context.Context, biz string, data []byte, hdr map[string]string, msgID string) error {
	h := make(map[string]string, len(hdr)+1)
	for k, v := range hdr {
		h[k] = v
	}
	if msgID == "" {
		msgID = ids.UUID()
	}
	h[HeaderMsgID] = msgID
	return p.Publish(ctx, biz, data, h)
}

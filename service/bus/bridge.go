package bus

import (
	"context"

	"PChat/logger"
	"PChat/module/chat/model"
	"PChat/service/transport"
	"PChat/tools/errs"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Bridge 总线 -> 本地推送的翻译层，不做任何业务判断。
// 本实例发布的信封直接跳过，发布方已经在本地推过一次。
type Bridge struct {
	nodeID string
	tr     transport.Transport
}

func NewBridge(nodeID string, tr transport.Transport) *Bridge {
	return &Bridge{nodeID: nodeID, tr: tr}
}

// Start 订阅一次，之后由总线回调 Handle
func (b *Bridge) Start(ctx context.Context, bus Bus) error {
	if err := bus.Subscribe(ctx, b.Handle); err != nil {
		return err
	}
	logger.Info("[bus] bridge started", zap.String("node", b.nodeID))
	return nil
}

func (b *Bridge) Handle(ctx context.Context, env Envelope) {
	if env.Origin == b.nodeID {
		return
	}
	if err := b.relay(ctx, env); err != nil {
		logger.Warn("[bus] relay failed",
			zap.String("channel", string(env.Channel)),
			zap.String("origin", env.Origin),
			zap.Error(err))
	}
}

func (b *Bridge) relay(ctx context.Context, env Envelope) error {
	switch env.Channel {
	case ChannelMessage:
		var m model.Message
		if err := env.Decode(&m); err != nil {
			return err
		}
		return b.tr.BroadcastToTopic(ctx, transport.ConversationTopic(m.ConversationID), &m)

	case ChannelStatus:
		var u model.StatusUpdate
		if err := env.Decode(&u); err != nil {
			return err
		}
		// 发送者不在本实例是常态
		if err := b.tr.SendToUser(ctx, u.SenderUsername, transport.QueueMessageStatus, u); err != nil &&
			!errors.Is(err, transport.ErrNoSession) {
			logger.Debug("[bus] status to sender failed", zap.String("user", u.SenderUsername), zap.Error(err))
		}
		return b.tr.BroadcastToTopic(ctx, transport.StatusTopic(u.ConversationID), u)

	case ChannelPresence:
		var p model.PresenceChange
		if err := env.Decode(&p); err != nil {
			return err
		}
		return b.tr.BroadcastToTopic(ctx, transport.TopicPresence, p)

	case ChannelTyping:
		var t model.TypingEvent
		if err := env.Decode(&t); err != nil {
			return err
		}
		return b.tr.BroadcastToTopic(ctx, transport.TypingTopic(t.ConversationID), t)

	case ChannelCleared:
		var c model.ChatCleared
		if err := env.Decode(&c); err != nil {
			return err
		}
		return b.tr.BroadcastToTopic(ctx, transport.ClearedTopic(c.ConversationID), c)

	case ChannelDeleted:
		var d model.MessageDeleted
		if err := env.Decode(&d); err != nil {
			return err
		}
		return b.tr.BroadcastToTopic(ctx, transport.DeletedTopic(d.ConversationID), d)

	default:
		return errs.ErrArgs.WrapMsg("unknown bus channel", "channel", env.Channel)
	}
}

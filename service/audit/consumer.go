package audit

import (
	"context"
	"sync"

	"PChat/service/kafka"
	"PChat/tools/decode"
	"PChat/tools/errs"

	"github.com/golang/glog"
)

// Consumer 分析侧占位实现：按事件类型计数并打日志
type Consumer struct {
	topics Topics

	mu     sync.Mutex
	counts map[EventType]int64
}

func NewConsumer(topics Topics) *Consumer {
	return &Consumer{topics: topics, counts: make(map[EventType]int64)}
}

// Register 把两个 topic 的处理函数挂到 router 上
func (c *Consumer) Register(r *kafka.Router) {
	r.Register(c.topics.Message, c.handleMessage)
	r.Register(c.topics.User, c.handlePresence)
}

func (c *Consumer) handleMessage(_ context.Context, _ string, _, value []byte) error {
	e, err := decode.JSON[MessageEvent](value)
	if err != nil {
		return err
	}
	switch e.EventType {
	case MessageSent:
		glog.V(1).Infof("[analytics] message sent conversation=%d", e.ConversationID)
	case MessageDelivered:
		glog.V(1).Infof("[analytics] message delivered id=%d", e.MessageID)
	case MessageRead:
		glog.V(1).Infof("[analytics] message read id=%d", e.MessageID)
	case MessageDeleted:
		glog.V(1).Infof("[analytics] message deleted id=%d conversation=%d", e.MessageID, e.ConversationID)
	default:
		return errs.ErrArgs.WrapMsg("unknown message event", "type", e.EventType)
	}
	c.inc(e.EventType)
	return nil
}

func (c *Consumer) handlePresence(_ context.Context, _ string, _, value []byte) error {
	m, err := decode.JSONMap(value)
	if err != nil {
		return err
	}
	kind, err := decode.ReadString(m, "eventType")
	if err != nil {
		return err
	}
	switch t := EventType(kind); t {
	case UserOnline, UserOffline, UserTyping, UserStopTyping:
		e, err := decode.Map[PresenceEvent](m)
		if err != nil {
			return err
		}
		glog.V(1).Infof("[analytics] %s user=%d", t, e.UserID)
		c.inc(t)
		return nil
	default:
		return errs.ErrArgs.WrapMsg("unknown presence event", "type", kind)
	}
}

func (c *Consumer) inc(t EventType) {
	c.mu.Lock()
	c.counts[t]++
	c.mu.Unlock()
}

// Counts 各类事件累计数量
func (c *Consumer) Counts() map[EventType]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[EventType]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

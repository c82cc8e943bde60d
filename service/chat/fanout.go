package chat

import (
	"sync/atomic"

	"PChat/logger"

	"go.uber.org/zap"
)

// Fanout 把同一份字节投到多条连接的出站队列。
// 调用方所在协程里同步入队，同一 topic 的先后顺序不会被打乱。
type Fanout struct {
	dropped   atomic.Int64
	evictSlow bool
}

func NewFanout(evictSlow bool) *Fanout {
	return &Fanout{evictSlow: evictSlow}
}

// Deliver 返回成功入队的连接数
func (f *Fanout) Deliver(conns []*Client, payload []byte) int {
	if len(conns) == 0 || len(payload) == 0 {
		return 0
	}
	n := 0
	for _, c := range conns {
		if c.enqueue(payload) {
			n++
			continue
		}
		if c.isClosed() {
			continue
		}
		// 慢客户端
		f.dropped.Add(1)
		logger.Warn("[ws] send queue full", zap.String("conn", c.ConnID), zap.String("user", c.Username))
		if f.evictSlow {
			c.close()
		}
	}
	return n
}

func (f *Fanout) Dropped() int64 { return f.dropped.Load() }

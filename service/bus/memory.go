package bus

import (
	"context"
	"sync"

	"PChat/tools/errs"
)

// MemoryHub 进程内总线，模拟多个实例共享一个 broker
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[*MemoryBus][]Handler
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[*MemoryBus][]Handler)}
}

// Bus 每个“实例”一个
func (h *MemoryHub) Bus() *MemoryBus {
	return &MemoryBus{hub: h}
}

type MemoryBus struct {
	hub    *MemoryHub
	closed bool
}

var _ Bus = (*MemoryBus)(nil)

// Publish 同步投递给所有订阅者
func (b *MemoryBus) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.hub.mu.RLock()
	if b.closed {
		b.hub.mu.RUnlock()
		return errs.ErrInvalidState.WrapMsg("bus closed")
	}
	var hs []Handler
	for _, list := range b.hub.subs {
		hs = append(hs, list...)
	}
	b.hub.mu.RUnlock()

	for _, h := range hs {
		h(ctx, env)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, h Handler) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	if b.closed {
		return errs.ErrInvalidState.WrapMsg("bus closed")
	}
	b.hub.subs[b] = append(b.hub.subs[b], h)
	go func() {
		<-ctx.Done()
		b.hub.mu.Lock()
		delete(b.hub.subs, b)
		b.hub.mu.Unlock()
	}()
	return nil
}

func (b *MemoryBus) Close() error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	b.closed = true
	delete(b.hub.subs, b)
	return nil
}

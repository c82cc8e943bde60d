package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"PChat/logger"
	"PChat/tools/safe"
)

// Task 旁路任务，拿到的 ctx 与提交方的请求生命周期无关
type Task func(ctx context.Context)

// Pool 固定数量 worker + 有界队列；队列满时 TrySubmit 直接丢弃
type Pool struct {
	name    string
	jobs    chan Task
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool
	dropped atomic.Int64
	mu      sync.RWMutex
}

func NewPool(name string, workers, queue int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{name: name, jobs: make(chan Task, queue), ctx: ctx, cancel: cancel}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	return p
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for task := range p.jobs {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer safe.Recover()
	task(p.ctx)
}

// TrySubmit 非阻塞提交，返回是否入队
func (p *Pool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return false
	}
	select {
	case p.jobs <- task:
		return true
	default:
		n := p.dropped.Add(1)
		logger.Warnf("[worker:%s] queue full, task dropped (total=%d)", p.name, n)
		return false
	}
}

func (p *Pool) Dropped() int64 { return p.dropped.Load() }

// Close 停止接收新任务，等队列里的任务跑完；ctx 到期则取消正在跑的任务
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed.Swap(true) {
		p.mu.Unlock()
		return nil
	}
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

package transport

import (
	"context"
	"sync"

	"PChat/tools/errs"
)

var ErrNoSession = errs.ErrNotFound.WithDetail("no local session")

// Frame 一次推送的记录
type Frame struct {
	Topic       string // 广播时非空
	Username    string // 点对点时非空
	Destination string
	Payload     any
}

// Recorder 记录所有推送的 Transport，单机测试和回放使用；
// FailUser / FailTopic 可注入失败。
type Recorder struct {
	mu        sync.Mutex
	frames    []Frame
	failUser  map[string]int // username -> 剩余可成功次数，-1 表示一直失败
	failTopic map[string]bool
}

var _ Transport = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{failUser: make(map[string]int), failTopic: make(map[string]bool)}
}

func (r *Recorder) BroadcastToTopic(_ context.Context, topic string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failTopic[topic] {
		return errs.ErrDependencyUnavailable.WrapMsg("broadcast failed", "topic", topic)
	}
	r.frames = append(r.frames, Frame{Topic: topic, Payload: payload})
	return nil
}

func (r *Recorder) SendToUser(_ context.Context, username, destination string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if left, ok := r.failUser[username]; ok {
		if left <= 0 {
			return errs.ErrDependencyUnavailable.WrapMsg("send failed", "user", username)
		}
		r.failUser[username] = left - 1
	}
	r.frames = append(r.frames, Frame{Username: username, Destination: destination, Payload: payload})
	return nil
}

// FailUserAfter 该用户前 n 次成功，之后全部失败；n<0 立刻失败
func (r *Recorder) FailUserAfter(username string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failUser[username] = n
}

func (r *Recorder) FailTopic(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failTopic[topic] = true
}

func (r *Recorder) Heal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failUser = make(map[string]int)
	r.failTopic = make(map[string]bool)
}

func (r *Recorder) Frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

// OnTopic 某个 topic 上的全部负载
func (r *Recorder) OnTopic(topic string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, f := range r.frames {
		if f.Topic == topic {
			out = append(out, f.Payload)
		}
	}
	return out
}

// ToUser 发给某用户某 destination 的全部负载
func (r *Recorder) ToUser(username, destination string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, f := range r.frames {
		if f.Username == username && f.Destination == destination {
			out = append(out, f.Payload)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}

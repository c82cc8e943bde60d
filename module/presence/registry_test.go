package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"PChat/module/chat/model"
	"PChat/module/chat/store"
	"PChat/module/mailbox"
	"PChat/service/audit"
	"PChat/service/bus"
	"PChat/service/storage"
	"PChat/service/transport"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mr    *miniredis.Miniredis
	st    *store.MemoryStore
	tr    *transport.Recorder
	audit *audit.Recorder
	box   *mailbox.Mailbox
	reg   *Registry
	rdb   *redis.Client
	bus   bus.Bus

	mu   sync.Mutex
	envs []bus.Envelope
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	f.mr = miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: f.mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	keys := storage.NewKeys("chat:")
	f.st = store.NewMemoryStore()
	f.tr = transport.NewRecorder()
	f.audit = &audit.Recorder{}
	f.box = mailbox.New(storage.NewMailboxStore(rdb, keys, mailbox.DefaultRetention), storage.NewLease(rdb), keys, f.tr, time.Minute)

	b := bus.NewMemoryHub().Bus()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, b.Subscribe(ctx, func(_ context.Context, env bus.Envelope) {
		f.mu.Lock()
		f.envs = append(f.envs, env)
		f.mu.Unlock()
	}))

	f.rdb = rdb
	f.bus = b
	f.reg = f.node("node-a")
	return f
}

// node 共享同一个 redis 的另一个实例
func (f *fixture) node(name string) *Registry {
	keys := storage.NewKeys("chat:")
	return NewRegistry(name, storage.NewPresenceStore(f.rdb, keys, 5*time.Minute), f.st, f.tr,
		bus.NewPublisher(f.bus, name, time.Second), f.audit, f.box)
}

func (f *fixture) envelopes() []bus.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bus.Envelope(nil), f.envs...)
}

func TestSetOnlineAnnouncesAndDrains(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.box.Enqueue(ctx, 2, &model.Message{ID: 1, ConversationID: 9, Type: model.MessageText, Content: "hi"}))

	f.reg.OnConnect(ctx, 2, "bob", "c2")

	require.True(t, f.reg.IsOnline(ctx, 2))
	presence := f.tr.OnTopic(transport.TopicPresence)
	require.Len(t, presence, 1)
	require.True(t, presence[0].(model.PresenceChange).Online)

	envs := f.envelopes()
	require.Len(t, envs, 1)
	require.Equal(t, bus.ChannelPresence, envs[0].Channel)
	require.Equal(t, "node-a", envs[0].Origin)

	require.Equal(t, []audit.EventType{audit.UserOnline}, f.audit.Types())
	require.Len(t, f.tr.ToUser("bob", transport.QueueOfflineMessages), 1)

	n, err := f.box.Size(ctx, 2)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSetOfflinePersistsLastSeen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	at := time.UnixMilli(time.Now().UnixMilli())
	f.reg.now = func() time.Time { return at }

	f.reg.SetOnline(ctx, 2, "bob", "c2")
	f.reg.OnDisconnect(ctx, 2, "bob", "c2")

	require.False(t, f.reg.IsOnline(ctx, 2))
	persisted, err := f.st.GetLastSeen(ctx, 2)
	require.NoError(t, err)
	require.True(t, persisted.Equal(at))

	presence := f.tr.OnTopic(transport.TopicPresence)
	require.Len(t, presence, 2)
	off := presence[1].(model.PresenceChange)
	require.False(t, off.Online)
	require.NotNil(t, off.LastSeenAt)

	require.Equal(t, []audit.EventType{audit.UserOnline, audit.UserOffline}, f.audit.Types())
}

func TestHeartbeatDoesNotResurrect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.False(t, f.reg.Heartbeat(ctx, 2, "c2"))
	require.False(t, f.reg.IsOnline(ctx, 2))

	f.reg.SetOnline(ctx, 2, "bob", "c2")
	require.True(t, f.reg.Heartbeat(ctx, 2, "c2"))

	f.reg.SetOffline(ctx, 2, "bob", "c2")
	require.False(t, f.reg.Heartbeat(ctx, 2, "c2"))
	require.False(t, f.reg.IsOnline(ctx, 2))
}

func TestPresenceExpiresLazily(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.reg.SetOnline(ctx, 2, "bob", "c2")
	f.mr.FastForward(6 * time.Minute)

	require.False(t, f.reg.IsOnline(ctx, 2))
	require.False(t, f.reg.Heartbeat(ctx, 2, "c2"))
	// 过期本身不产生离线广播
	require.Len(t, f.tr.OnTopic(transport.TopicPresence), 1)
}

func TestOnlineAmongAndUsers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.reg.SetOnline(ctx, 1, "alice", "c1")
	f.reg.SetOnline(ctx, 3, "carol", "c3")

	got := f.reg.OnlineAmong(ctx, []int64{1, 2, 3})
	require.Equal(t, map[int64]bool{1: true, 2: false, 3: true}, got)

	users, err := f.reg.OnlineUsers(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{1, 3}, users)
}

func TestRedisDownTreatsEveryoneOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.reg.SetOnline(ctx, 1, "alice", "c1")
	f.mr.Close()

	require.False(t, f.reg.IsOnline(ctx, 1))
	require.Equal(t, map[int64]bool{}, f.reg.OnlineAmong(ctx, []int64{1}))
	// 不 panic，不向上抛
	f.reg.SetOnline(ctx, 1, "alice", "c1")
}

func TestGetLastSeenFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	at, err := f.reg.GetLastSeen(ctx, 5)
	require.NoError(t, err)
	require.Nil(t, at)

	stored := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	require.NoError(t, f.st.SetLastSeen(ctx, 5, "eve", stored))
	at, err = f.reg.GetLastSeen(ctx, 5)
	require.NoError(t, err)
	require.True(t, at.Equal(stored))

	f.reg.SetOnline(ctx, 5, "eve", "c5")
	at, err = f.reg.GetLastSeen(ctx, 5)
	require.NoError(t, err)
	require.True(t, at.After(stored))

	p, err := f.reg.Status(ctx, 5)
	require.NoError(t, err)
	require.True(t, p.Online)
}

func TestOtherNodeDisconnectKeepsUserOnline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	nodeA, nodeB := f.reg, f.node("node-b")

	nodeA.OnConnect(ctx, 7, "grace", "c1")
	nodeB.OnConnect(ctx, 7, "grace", "c1")
	nodeB.OnDisconnect(ctx, 7, "grace", "c1")

	require.True(t, nodeA.IsOnline(ctx, 7))
	require.True(t, nodeB.IsOnline(ctx, 7))
	require.True(t, nodeA.Heartbeat(ctx, 7, "c1"))
	require.False(t, nodeB.Heartbeat(ctx, 7, "c1"))

	// 只有第一条会话上线时广播，中间的断开不广播
	presence := f.tr.OnTopic(transport.TopicPresence)
	require.Len(t, presence, 1)
	require.True(t, presence[0].(model.PresenceChange).Online)
	require.Equal(t, []audit.EventType{audit.UserOnline}, f.audit.Types())
	at, err := f.st.GetLastSeen(ctx, 7)
	require.NoError(t, err)
	require.Nil(t, at)

	nodeA.OnDisconnect(ctx, 7, "grace", "c1")
	require.False(t, nodeB.IsOnline(ctx, 7))
	require.Len(t, f.tr.OnTopic(transport.TopicPresence), 2)
	require.Equal(t, []audit.EventType{audit.UserOnline, audit.UserOffline}, f.audit.Types())
}

// 快速重连：旧连接的下线回调晚于新连接的上线回调
func TestLateDisconnectAfterReconnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.reg.OnConnect(ctx, 2, "bob", "old")
	f.reg.OnConnect(ctx, 2, "bob", "new")
	f.reg.OnDisconnect(ctx, 2, "bob", "old")

	require.True(t, f.reg.IsOnline(ctx, 2))
	require.True(t, f.reg.Heartbeat(ctx, 2, "new"))
	require.Equal(t, []audit.EventType{audit.UserOnline}, f.audit.Types())
}

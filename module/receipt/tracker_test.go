package receipt

import (
	"context"
	"testing"
	"time"

	"PChat/module/chat/model"
	"PChat/module/chat/store"
	"PChat/service/audit"
	"PChat/service/bus"
	"PChat/service/storage"
	"PChat/service/transport"
	"PChat/tools/errs"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	st    *store.MemoryStore
	tr    *transport.Recorder
	audit *audit.Recorder
	envs  chan bus.Envelope
	tk    *Tracker
}

// 会话 1：alice(1) bob(2) carol(3)
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		st:    store.NewMemoryStore(),
		tr:    transport.NewRecorder(),
		audit: &audit.Recorder{},
		envs:  make(chan bus.Envelope, 64),
	}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	b := bus.NewMemoryHub().Bus()
	subCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	require.NoError(t, b.Subscribe(subCtx, func(_ context.Context, env bus.Envelope) { f.envs <- env }))

	now := time.Now()
	require.NoError(t, f.st.CreateConversation(ctx,
		&model.Conversation{ID: 1, Type: model.ConversationGroup, CreatedBy: 1, CreatedAt: now, UpdatedAt: now},
		[]*model.ConversationMember{
			{ConversationID: 1, UserID: 1, Username: "alice", Role: model.RoleAdmin, JoinedAt: now},
			{ConversationID: 1, UserID: 2, Username: "bob", Role: model.RoleMember, JoinedAt: now},
			{ConversationID: 1, UserID: 3, Username: "carol", Role: model.RoleMember, JoinedAt: now},
		}))

	f.tk = NewTracker(f.st, f.tr, bus.NewPublisher(b, "node-a", time.Second),
		storage.NewReceiptCache(rdb, storage.NewKeys("chat:"), 24*time.Hour), f.audit, storage.NewKeyedMutex())
	return f
}

func (f *fixture) send(t *testing.T, id, sender int64, username string) {
	t.Helper()
	m := &model.Message{ID: id, ConversationID: 1, SenderID: sender, SenderUsername: username,
		Type: model.MessageText, Content: "x", CreatedAt: time.Now()}
	m.SetStatus(model.StatusSent)
	require.NoError(t, f.st.CreateMessage(context.Background(), m))
}

func (f *fixture) status(t *testing.T, id int64) model.MessageStatus {
	t.Helper()
	m, err := f.st.GetMessage(context.Background(), id)
	require.NoError(t, err)
	return m.Status
}

func TestMarkDeliveredThenRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.send(t, 10, 1, "alice")

	ok, err := f.tk.MarkDelivered(ctx, 10, 2, "bob")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.StatusDelivered, f.status(t, 10))

	ok, err = f.tk.MarkRead(ctx, 10, 2, "bob")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.StatusRead, f.status(t, 10))

	notes := f.tr.ToUser("alice", transport.QueueMessageStatus)
	require.Len(t, notes, 2)
	last := notes[1].(model.StatusUpdate)
	require.Equal(t, model.StatusRead, last.Status)
	require.Equal(t, int64(2), last.UserID)
	require.Equal(t, "bob", last.Username)
	require.Equal(t, int64(1), last.ConversationID)

	require.Len(t, f.tr.OnTopic(transport.StatusTopic(1)), 2)
	require.Len(t, f.envs, 2)
	env := <-f.envs
	require.Equal(t, bus.ChannelStatus, env.Channel)

	require.Equal(t, []audit.EventType{audit.MessageDelivered, audit.MessageRead}, f.audit.Types())

	s, err := f.tk.CachedStatus(ctx, 10, 2)
	require.NoError(t, err)
	require.Equal(t, model.StatusRead, s)
}

func TestStatusNeverRegresses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.send(t, 10, 1, "alice")

	ok, err := f.tk.MarkRead(ctx, 10, 2, "bob")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.tk.MarkDelivered(ctx, 10, 3, "carol")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, model.StatusRead, f.status(t, 10))

	// 重复 READ 也不再通知
	ok, err = f.tk.MarkRead(ctx, 10, 3, "carol")
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, f.tr.ToUser("alice", transport.QueueMessageStatus), 1)
}

func TestSenderCannotReceiptOwnMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.send(t, 10, 1, "alice")

	ok, err := f.tk.MarkRead(ctx, 10, 1, "alice")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, model.StatusSent, f.status(t, 10))
	require.Empty(t, f.tr.Frames())
	require.Empty(t, f.audit.Types())
}

func TestMarkRejectsOutsidersAndMissing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.send(t, 10, 1, "alice")

	_, err := f.tk.MarkRead(ctx, 10, 99, "mallory")
	require.ErrorIs(t, err, errs.ErrAccessDenied)

	_, err = f.tk.MarkRead(ctx, 404, 2, "bob")
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = f.tk.Update(ctx, 10, 2, "bob", model.StatusSent)
	require.ErrorIs(t, err, errs.ErrArgs)
}

func TestMarkConversationRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.send(t, 10, 1, "alice")
	f.send(t, 11, 2, "bob") // bob 自己的
	f.send(t, 12, 3, "carol")
	f.send(t, 13, 1, "alice")
	_, err := f.tk.MarkRead(ctx, 13, 3, "carol")
	require.NoError(t, err)
	f.tr.Reset()

	n, err := f.tk.MarkConversationRead(ctx, 1, 2, "bob")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.Equal(t, model.StatusRead, f.status(t, 10))
	require.Equal(t, model.StatusSent, f.status(t, 11))
	require.Equal(t, model.StatusRead, f.status(t, 12))

	require.Len(t, f.tr.ToUser("alice", transport.QueueMessageStatus), 1)
	require.Len(t, f.tr.ToUser("carol", transport.QueueMessageStatus), 1)

	m, err := f.st.GetMember(ctx, 1, 2)
	require.NoError(t, err)
	require.Equal(t, int64(13), m.LastReadMessageID)
	unread, err := f.st.CountUnread(ctx, 1, m.LastReadMessageID, 2)
	require.NoError(t, err)
	require.Zero(t, unread)

	// 再来一次什么都不变
	n, err = f.tk.MarkConversationRead(ctx, 1, 2, "bob")
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = f.tk.MarkConversationRead(ctx, 1, 99, "mallory")
	require.ErrorIs(t, err, errs.ErrAccessDenied)
	_, err = f.tk.MarkConversationRead(ctx, 404, 2, "bob")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCachedStatusFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.send(t, 10, 1, "alice")

	s, err := f.tk.CachedStatus(ctx, 10, 2)
	require.NoError(t, err)
	require.Equal(t, model.StatusSent, s)

	_, err = f.tk.CachedStatus(ctx, 404, 2)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSenderOffInstanceIsNotAnError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.send(t, 10, 1, "alice")
	f.tr.FailUserAfter("alice", -1)

	ok, err := f.tk.MarkDelivered(ctx, 10, 2, "bob")
	require.NoError(t, err)
	require.True(t, ok)
	// 总线上仍有通知，由发送者所在实例推送
	require.Len(t, f.envs, 1)
}

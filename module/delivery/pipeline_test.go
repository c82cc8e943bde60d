package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"PChat/module/chat/model"
	"PChat/module/chat/store"
	"PChat/service/audit"
	"PChat/service/bus"
	"PChat/service/transport"
	"PChat/tools/errs"
	"PChat/tools/ids"

	"github.com/stretchr/testify/require"
)

type fakePresence struct {
	mu     sync.Mutex
	online map[int64]bool
}

func (f *fakePresence) OnlineAmong(_ context.Context, userIDs []int64) map[int64]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]bool, len(userIDs))
	for _, id := range userIDs {
		out[id] = f.online[id]
	}
	return out
}

type fakeMailbox struct {
	mu    sync.Mutex
	boxes map[int64][]int64
	fail  bool
}

func (f *fakeMailbox) Enqueue(_ context.Context, userID int64, msg *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errs.ErrDependencyUnavailable.WrapMsg("redis down")
	}
	f.boxes[userID] = append(f.boxes[userID], msg.ID)
	return nil
}

func (f *fakeMailbox) of(userID int64) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.boxes[userID]
}

type fixture struct {
	st       *store.MemoryStore
	tr       *transport.Recorder
	presence *fakePresence
	mailbox  *fakeMailbox
	audit    *audit.Recorder
	envs     chan bus.Envelope
	p        *Pipeline
}

// 会话 1：alice(1) bob(2) carol(3)；bob 在线
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		st:       store.NewMemoryStore(),
		tr:       transport.NewRecorder(),
		presence: &fakePresence{online: map[int64]bool{2: true}},
		mailbox:  &fakeMailbox{boxes: map[int64][]int64{}},
		audit:    &audit.Recorder{},
		envs:     make(chan bus.Envelope, 64),
	}
	b := bus.NewMemoryHub().Bus()
	subCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	require.NoError(t, b.Subscribe(subCtx, func(_ context.Context, env bus.Envelope) { f.envs <- env }))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, f.st.CreateConversation(ctx,
		&model.Conversation{ID: 1, Type: model.ConversationGroup, CreatedBy: 1, CreatedAt: past, UpdatedAt: past},
		[]*model.ConversationMember{
			{ConversationID: 1, UserID: 1, Username: "alice", Role: model.RoleAdmin, JoinedAt: past},
			{ConversationID: 1, UserID: 2, Username: "bob", Role: model.RoleMember, JoinedAt: past},
			{ConversationID: 1, UserID: 3, Username: "carol", Role: model.RoleMember, JoinedAt: past},
		}))

	f.p = NewPipeline(Deps{
		Store:    f.st,
		Tr:       f.tr,
		Pub:      bus.NewPublisher(b, "node-a", time.Second),
		Presence: f.presence,
		Mailbox:  f.mailbox,
		Audit:    f.audit,
		IDs:      ids.NewGenerator(1),
	})
	return f
}

func text(content string) SendRequest {
	return SendRequest{ConversationID: 1, SenderID: 1, Type: model.MessageText, Content: content}
}

func TestSendMessageDeliversOnlineAndQueuesOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	msg, err := f.p.SendMessage(ctx, text("hello"))
	require.NoError(t, err)
	require.Equal(t, model.StatusSent, msg.Status)
	require.Equal(t, "alice", msg.SenderUsername)

	stored, err := f.st.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, "hello", stored.Content)

	live := f.tr.OnTopic(transport.ConversationTopic(1))
	require.Len(t, live, 1)
	require.Equal(t, msg.ID, live[0].(*model.Message).ID)

	require.Len(t, f.envs, 1)
	env := <-f.envs
	require.Equal(t, bus.ChannelMessage, env.Channel)
	var relayed model.Message
	require.NoError(t, env.Decode(&relayed))
	require.Equal(t, msg.ID, relayed.ID)

	// carol 不在线，bob 在线，发送者自己不入信箱
	require.Equal(t, []int64{msg.ID}, f.mailbox.of(3))
	require.Empty(t, f.mailbox.of(2))
	require.Empty(t, f.mailbox.of(1))

	require.Equal(t, []audit.EventType{audit.MessageSent}, f.audit.Types())

	conv, err := f.st.GetConversation(ctx, 1)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), conv.UpdatedAt, time.Second)
}

func TestSendMessagePreconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.p.SendMessage(ctx, SendRequest{ConversationID: 404, SenderID: 1, Type: model.MessageText, Content: "x"})
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = f.p.SendMessage(ctx, SendRequest{ConversationID: 1, SenderID: 99, Type: model.MessageText, Content: "x"})
	require.ErrorIs(t, err, errs.ErrAccessDenied)
	require.False(t, errs.Retryable(err))

	_, err = f.p.SendMessage(ctx, text("   "))
	require.ErrorIs(t, err, errs.ErrArgs)

	_, err = f.p.SendMessage(ctx, SendRequest{ConversationID: 1, SenderID: 1, Type: model.MessageImage})
	require.ErrorIs(t, err, errs.ErrArgs)

	_, err = f.p.SendMessage(ctx, SendRequest{ConversationID: 1, SenderID: 1, Type: "VIDEO", Content: "x"})
	require.ErrorIs(t, err, errs.ErrArgs)

	require.Empty(t, f.tr.Frames())
	require.Empty(t, f.audit.Types())
}

func TestSendMessageSurvivesSideChannelFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tr.FailTopic(transport.ConversationTopic(1))
	f.mailbox.fail = true

	msg, err := f.p.SendMessage(ctx, SendRequest{
		ConversationID: 1, SenderID: 1, Type: model.MessageFile,
		AttachmentURL: "https://files/a.pdf", MimeType: "application/pdf",
	})
	require.NoError(t, err)

	// 广播失败但消息仍可拉取
	page, err := f.st.ListMessages(ctx, 1, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, msg.ID, page[0].ID)
	require.Len(t, f.envs, 1)
}

func TestSendMessageOrderWithinConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var wg sync.WaitGroup
	errCh := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.p.SendMessage(ctx, text("m"))
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	// 广播顺序与 ID 顺序一致
	live := f.tr.OnTopic(transport.ConversationTopic(1))
	require.Len(t, live, 20)
	for i := 1; i < len(live); i++ {
		require.Less(t, live[i-1].(*model.Message).ID, live[i].(*model.Message).ID)
	}
}

func TestClearChat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		_, err := f.p.SendMessage(ctx, text("m"))
		require.NoError(t, err)
	}

	_, err := f.p.ClearChat(ctx, 1, 99)
	require.ErrorIs(t, err, errs.ErrAccessDenied)

	n, err := f.p.ClearChat(ctx, 1, 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	page, err := f.st.ListMessages(ctx, 1, 0, 10)
	require.NoError(t, err)
	require.Empty(t, page)

	notices := f.tr.OnTopic(transport.ClearedTopic(1))
	require.Len(t, notices, 1)
	require.Equal(t, int64(2), notices[0].(model.ChatCleared).ClearedBy)
	require.Contains(t, f.audit.Types(), audit.MessageDeleted)
}

func TestTypingIndicatorIsEphemeral(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.p.SendTypingIndicator(ctx, 1, 2, true))
	require.NoError(t, f.p.SendTypingIndicator(ctx, 1, 2, false))
	require.ErrorIs(t, f.p.SendTypingIndicator(ctx, 1, 99, true), errs.ErrAccessDenied)

	evts := f.tr.OnTopic(transport.TypingTopic(1))
	require.Len(t, evts, 2)
	require.Equal(t, "bob", evts[0].(model.TypingEvent).Username)
	require.Equal(t, []audit.EventType{audit.UserTyping, audit.UserStopTyping}, f.audit.Types())

	page, err := f.st.ListMessages(ctx, 1, 0, 10)
	require.NoError(t, err)
	require.Empty(t, page)
}

func TestDeleteMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	msg, err := f.p.SendMessage(ctx, text("oops"))
	require.NoError(t, err)

	require.ErrorIs(t, f.p.DeleteMessage(ctx, msg.ID, 2), errs.ErrAccessDenied)
	require.NoError(t, f.p.DeleteMessage(ctx, msg.ID, 1))
	require.ErrorIs(t, f.p.DeleteMessage(ctx, msg.ID, 1), errs.ErrNotFound)

	require.Len(t, f.tr.OnTopic(transport.DeletedTopic(1)), 1)
	_, err = f.st.LatestMessage(ctx, 1)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestEditMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	msg, err := f.p.SendMessage(ctx, text("helo"))
	require.NoError(t, err)

	edited, err := f.p.EditMessage(ctx, msg.ID, 1, "hello")
	require.NoError(t, err)
	require.Equal(t, "hello", edited.Content)
	require.NotNil(t, edited.EditedAt)
	require.Len(t, f.tr.OnTopic(transport.ConversationTopic(1)), 2)

	_, err = f.p.EditMessage(ctx, msg.ID, 2, "hijack")
	require.ErrorIs(t, err, errs.ErrAccessDenied)
	_, err = f.p.EditMessage(ctx, msg.ID, 1, "")
	require.ErrorIs(t, err, errs.ErrArgs)

	img, err := f.p.SendMessage(ctx, SendRequest{ConversationID: 1, SenderID: 1, Type: model.MessageImage, AttachmentURL: "https://img/1.png"})
	require.NoError(t, err)
	_, err = f.p.EditMessage(ctx, img.ID, 1, "caption")
	require.ErrorIs(t, err, errs.ErrInvalidState)
}

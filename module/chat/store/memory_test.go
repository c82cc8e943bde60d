package store

import (
	"context"
	"testing"
	"time"

	"PChat/module/chat/model"
	"PChat/tools/errs"

	"github.com/stretchr/testify/require"
)

func seedConversation(t *testing.T, s *MemoryStore, id int64, users ...int64) {
	t.Helper()
	now := time.Now()
	members := make([]*model.ConversationMember, 0, len(users))
	for _, u := range users {
		members = append(members, &model.ConversationMember{
			ConversationID: id, UserID: u, Username: "u" + string(rune('0'+u)), Role: model.RoleMember, JoinedAt: now,
		})
	}
	require.NoError(t, s.CreateConversation(context.Background(), &model.Conversation{
		ID: id, Type: model.ConversationGroup, CreatedBy: users[0], CreatedAt: now, UpdatedAt: now,
	}, members))
}

func seedMessage(t *testing.T, s *MemoryStore, id, conv, sender int64) {
	t.Helper()
	require.NoError(t, s.CreateMessage(context.Background(), &model.Message{
		ID: id, ConversationID: conv, SenderID: sender, Type: model.MessageText,
		Content: "hi", Status: model.StatusSent, CreatedAt: time.Now(),
	}))
}

func TestMemoryConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedConversation(t, s, 1, 1, 2)

	err := s.CreateConversation(ctx, &model.Conversation{ID: 1}, nil)
	require.ErrorIs(t, err, errs.ErrRecordExists)

	_, err = s.GetConversation(ctx, 99)
	require.ErrorIs(t, err, errs.ErrNotFound)

	ok, err := s.IsMember(ctx, 1, 2)
	require.NoError(t, err)
	require.True(t, ok)

	err = s.AddMember(ctx, &model.ConversationMember{ConversationID: 1, UserID: 2})
	require.ErrorIs(t, err, errs.ErrRecordExists)

	err = s.AddMember(ctx, &model.ConversationMember{ConversationID: 42, UserID: 2})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestMemoryListUserConversationsOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedConversation(t, s, 1, 1, 2)
	seedConversation(t, s, 2, 1, 3)
	seedConversation(t, s, 3, 2, 3)

	require.NoError(t, s.TouchConversation(ctx, 1, time.Now().Add(time.Hour)))

	list, err := s.ListUserConversations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, int64(1), list[0].ID)
	require.Equal(t, int64(2), list[1].ID)

	// 更早的时间不会让 UpdatedAt 回退
	before := list[0].UpdatedAt
	require.NoError(t, s.TouchConversation(ctx, 1, time.Now().Add(-time.Hour)))
	c, err := s.GetConversation(ctx, 1)
	require.NoError(t, err)
	require.True(t, c.UpdatedAt.Equal(before))
}

func TestMemoryReadCursorNeverRegresses(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedConversation(t, s, 1, 1, 2)

	require.NoError(t, s.AdvanceReadCursor(ctx, 1, 2, 10))
	require.NoError(t, s.AdvanceReadCursor(ctx, 1, 2, 5))

	m, err := s.GetMember(ctx, 1, 2)
	require.NoError(t, err)
	require.Equal(t, int64(10), m.LastReadMessageID)

	err = s.AdvanceReadCursor(ctx, 1, 9, 1)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestMemoryAdvanceStatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedConversation(t, s, 1, 1, 2)
	seedMessage(t, s, 100, 1, 1)

	ok, err := s.AdvanceStatus(ctx, 100, model.StatusRead)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AdvanceStatus(ctx, 100, model.StatusDelivered)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.AdvanceStatus(ctx, 100, model.StatusRead)
	require.NoError(t, err)
	require.False(t, ok)

	m, err := s.GetMessage(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, model.StatusRead, m.Status)

	_, err = s.AdvanceStatus(ctx, 404, model.StatusRead)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestMemoryMessageQueries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedConversation(t, s, 1, 1, 2)
	// 乱序写入，读出来仍按 ID 排
	for _, id := range []int64{3, 1, 2, 5, 4} {
		seedMessage(t, s, id, 1, 1+id%2)
	}

	page, err := s.ListMessages(ctx, 1, 0, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{5, 4}, ids(page))

	page, err = s.ListMessages(ctx, 1, 2, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, ids(page))

	after, err := s.ListMessagesAfter(ctx, 1, 2, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{3, 4, 5}, ids(after))

	// 用户 1 发的是偶数 ID
	n, err := s.CountUnread(ctx, 1, 0, 1)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	unread, err := s.ListUnreadFor(ctx, 1, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 4}, ids(unread))

	ok, err := s.SoftDeleteMessage(ctx, 5)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.SoftDeleteMessage(ctx, 5)
	require.NoError(t, err)
	require.False(t, ok)

	latest, err := s.LatestMessage(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(4), latest.ID)

	cleared, err := s.SoftDeleteConversation(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(4), cleared)

	_, err = s.LatestMessage(ctx, 1)
	require.ErrorIs(t, err, errs.ErrNotFound)

	// 删除的消息仍可按 ID 取到
	m, err := s.GetMessage(ctx, 3)
	require.NoError(t, err)
	require.True(t, m.Deleted)
}

func TestMemoryEditMessage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedConversation(t, s, 1, 1, 2)
	seedMessage(t, s, 7, 1, 1)

	at := time.Now()
	require.NoError(t, s.EditMessage(ctx, 7, "edited", at))
	m, err := s.GetMessage(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, "edited", m.Content)
	require.NotNil(t, m.EditedAt)

	// 返回的是副本
	m.Content = "mutated"
	again, _ := s.GetMessage(ctx, 7)
	require.Equal(t, "edited", again.Content)

	_, _ = s.SoftDeleteMessage(ctx, 7)
	require.ErrorIs(t, s.EditMessage(ctx, 7, "x", at), errs.ErrNotFound)
}

func TestMemoryLastSeen(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	at, err := s.GetLastSeen(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, at)

	now := time.Now()
	require.NoError(t, s.SetLastSeen(ctx, 1, "alice", now))
	at, err = s.GetLastSeen(ctx, 1)
	require.NoError(t, err)
	require.True(t, at.Equal(now))
}

func TestNormPage(t *testing.T) {
	p, s := normPage(-1, 0)
	require.Equal(t, 0, p)
	require.Equal(t, defaultPageSize, s)

	_, s = normPage(1, 10000)
	require.Equal(t, maxPageSize, s)
}

func ids(ms []*model.Message) []int64 {
	out := make([]int64, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}

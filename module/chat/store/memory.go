package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"PChat/module/chat/model"
	"PChat/tools/errs"

	"github.com/samber/lo"
)

type memberKey struct{ conv, user int64 }

// MemoryStore 单进程内存实现，单机部署和测试使用
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[int64]*model.Conversation
	members       map[memberKey]*model.ConversationMember
	byConv        map[int64][]int64 // conversation -> member user ids
	messages      map[int64]*model.Message
	convMsgs      map[int64][]int64 // conversation -> message ids
	lastSeen      map[int64]time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[int64]*model.Conversation),
		members:       make(map[memberKey]*model.ConversationMember),
		byConv:        make(map[int64][]int64),
		messages:      make(map[int64]*model.Message),
		convMsgs:      make(map[int64][]int64),
		lastSeen:      make(map[int64]time.Time),
	}
}

func (s *MemoryStore) Close(context.Context) error { return nil }

// ===== 会话 =====

func (s *MemoryStore) CreateConversation(_ context.Context, c *model.Conversation, members []*model.ConversationMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.ID]; ok {
		return errs.ErrRecordExists.WrapMsg("conversation", "id", c.ID)
	}
	cp := *c
	s.conversations[c.ID] = &cp
	for _, m := range members {
		s.addMemberLocked(m)
	}
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id int64) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("conversation", "id", id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListUserConversations(_ context.Context, userID int64) ([]*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Conversation, 0)
	for id, c := range s.conversations {
		if _, ok := s.members[memberKey{id, userID}]; ok {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) FindDirectConversation(_ context.Context, userA, userB int64) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, c := range s.conversations {
		if c.Type != model.ConversationDirect {
			continue
		}
		_, okA := s.members[memberKey{id, userA}]
		_, okB := s.members[memberKey{id, userB}]
		if okA && okB {
			cp := *c
			return &cp, nil
		}
	}
	return nil, errs.ErrNotFound.WrapMsg("direct conversation", "a", userA, "b", userB)
}

func (s *MemoryStore) TouchConversation(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return errs.ErrNotFound.WrapMsg("conversation", "id", id)
	}
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
	return nil
}

// ===== 成员 =====

func (s *MemoryStore) addMemberLocked(m *model.ConversationMember) bool {
	k := memberKey{m.ConversationID, m.UserID}
	if _, ok := s.members[k]; ok {
		return false
	}
	cp := *m
	s.members[k] = &cp
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], m.UserID)
	return true
}

func (s *MemoryStore) AddMember(_ context.Context, m *model.ConversationMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[m.ConversationID]; !ok {
		return errs.ErrNotFound.WrapMsg("conversation", "id", m.ConversationID)
	}
	if !s.addMemberLocked(m) {
		return errs.ErrRecordExists.WrapMsg("member", "conversationId", m.ConversationID, "userId", m.UserID)
	}
	return nil
}

func (s *MemoryStore) GetMember(_ context.Context, conversationID, userID int64) (*model.ConversationMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberKey{conversationID, userID}]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("member", "conversationId", conversationID, "userId", userID)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) IsMember(_ context.Context, conversationID, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[memberKey{conversationID, userID}]
	return ok, nil
}

func (s *MemoryStore) ListMembers(_ context.Context, conversationID int64) ([]*model.ConversationMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Map(s.byConv[conversationID], func(uid int64, _ int) *model.ConversationMember {
		cp := *s.members[memberKey{conversationID, uid}]
		return &cp
	}), nil
}

func (s *MemoryStore) AdvanceReadCursor(_ context.Context, conversationID, userID, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberKey{conversationID, userID}]
	if !ok {
		return errs.ErrNotFound.WrapMsg("member", "conversationId", conversationID, "userId", userID)
	}
	if messageID > m.LastReadMessageID {
		m.LastReadMessageID = messageID
	}
	return nil
}

// ===== 消息 =====

func (s *MemoryStore) CreateMessage(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return errs.ErrRecordExists.WrapMsg("message", "id", m.ID)
	}
	cp := m.Clone()
	cp.StatusRank = cp.Status.Rank()
	s.messages[m.ID] = cp

	// 保持会话内按 ID 升序
	ids := append(s.convMsgs[m.ConversationID], m.ID)
	for i := len(ids) - 1; i > 0 && ids[i] < ids[i-1]; i-- {
		ids[i], ids[i-1] = ids[i-1], ids[i]
	}
	s.convMsgs[m.ConversationID] = ids
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id int64) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("message", "id", id)
	}
	return m.Clone(), nil
}

// visible 会话内未删除消息，升序
func (s *MemoryStore) visible(conversationID int64) []*model.Message {
	out := make([]*model.Message, 0, len(s.convMsgs[conversationID]))
	for _, id := range s.convMsgs[conversationID] {
		if m := s.messages[id]; !m.Deleted {
			out = append(out, m)
		}
	}
	return out
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID int64, page, size int) ([]*model.Message, error) {
	page, size = normPage(page, size)
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := lo.Reverse(s.visible(conversationID))
	start := page * size
	if start >= len(all) {
		return []*model.Message{}, nil
	}
	end := min(start+size, len(all))
	return lo.Map(all[start:end], func(m *model.Message, _ int) *model.Message { return m.Clone() }), nil
}

func (s *MemoryStore) ListMessagesAfter(_ context.Context, conversationID, afterID int64, limit int) ([]*model.Message, error) {
	_, limit = normPage(0, limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Message, 0)
	for _, m := range s.visible(conversationID) {
		if m.ID > afterID {
			out = append(out, m.Clone())
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) LatestMessage(_ context.Context, conversationID int64) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vis := s.visible(conversationID)
	if len(vis) == 0 {
		return nil, errs.ErrNotFound.WrapMsg("latest message", "conversationId", conversationID)
	}
	return vis[len(vis)-1].Clone(), nil
}

func (s *MemoryStore) CountUnread(_ context.Context, conversationID, afterID, userID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(lo.CountBy(s.visible(conversationID), func(m *model.Message) bool {
		return m.ID > afterID && m.SenderID != userID
	})), nil
}

func (s *MemoryStore) ListUnreadFor(_ context.Context, conversationID, readerID int64) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	unread := lo.Filter(s.visible(conversationID), func(m *model.Message, _ int) bool {
		return m.SenderID != readerID && m.StatusRank < model.StatusRead.Rank()
	})
	return lo.Map(unread, func(m *model.Message, _ int) *model.Message { return m.Clone() }), nil
}

func (s *MemoryStore) AdvanceStatus(_ context.Context, messageID int64, to model.MessageStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return false, errs.ErrNotFound.WrapMsg("message", "id", messageID)
	}
	if !to.Advances(m.Status) {
		return false, nil
	}
	m.SetStatus(to)
	return true, nil
}

func (s *MemoryStore) SoftDeleteConversation(_ context.Context, conversationID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range s.convMsgs[conversationID] {
		if m := s.messages[id]; !m.Deleted {
			m.Deleted = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SoftDeleteMessage(_ context.Context, messageID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return false, errs.ErrNotFound.WrapMsg("message", "id", messageID)
	}
	if m.Deleted {
		return false, nil
	}
	m.Deleted = true
	return true, nil
}

func (s *MemoryStore) EditMessage(_ context.Context, messageID int64, content string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok || m.Deleted {
		return errs.ErrNotFound.WrapMsg("message", "id", messageID)
	}
	m.Content = content
	m.EditedAt = &at
	return nil
}

// ===== 用户 =====

func (s *MemoryStore) SetLastSeen(_ context.Context, userID int64, _ string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen[userID] = at
	return nil
}

func (s *MemoryStore) GetLastSeen(_ context.Context, userID int64) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.lastSeen[userID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

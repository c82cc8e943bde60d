// Package conversation 会话与成员管理，以及会话列表 / 历史消息的读取。
package conversation

import (
	"context"
	"strings"
	"time"

	"PChat/module/chat/model"
	"PChat/module/chat/store"
	"PChat/service/storage"
	"PChat/tools/errs"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

type Presence interface {
	OnlineAmong(ctx context.Context, userIDs []int64) map[int64]bool
}

type IDGenerator interface {
	Next() int64
}

// MemberRef 账号体系在外部，调用方提供 id 和用户名
type MemberRef struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

type MemberView struct {
	*model.ConversationMember
	Online bool `json:"online"`
}

// Summary 会话列表里的一项
type Summary struct {
	*model.Conversation
	Members     []MemberView   `json:"members"`
	LastMessage *model.Message `json:"lastMessage,omitempty"`
	UnreadCount int64          `json:"unreadCount"`
}

type Service struct {
	store    store.Store
	presence Presence
	ids      IDGenerator
	locks    *storage.KeyedMutex // 单聊创建按较小的 uid 串行

	now func() time.Time
}

func NewService(st store.Store, presence Presence, gen IDGenerator) *Service {
	return &Service{store: st, presence: presence, ids: gen, locks: storage.NewKeyedMutex(), now: time.Now}
}

// CreateDirect 两人单聊，已存在则直接返回
func (s *Service) CreateDirect(ctx context.Context, me, peer MemberRef) (*model.Conversation, error) {
	if me.UserID == peer.UserID {
		return nil, errs.ErrArgs.WrapMsg("cannot start a conversation with yourself")
	}
	if peer.UserID <= 0 || strings.TrimSpace(peer.Username) == "" {
		return nil, errs.ErrArgs.WrapMsg("peer id and username required")
	}
	unlock := s.locks.Lock(min(me.UserID, peer.UserID))
	defer unlock()

	c, err := s.store.FindDirectConversation(ctx, me.UserID, peer.UserID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, errs.Dependency(err, "find direct conversation")
	}

	now := s.now()
	c = &model.Conversation{ID: s.ids.Next(), Type: model.ConversationDirect, CreatedBy: me.UserID, CreatedAt: now, UpdatedAt: now}
	members := []*model.ConversationMember{
		{ConversationID: c.ID, UserID: me.UserID, Username: me.Username, Role: model.RoleMember, JoinedAt: now},
		{ConversationID: c.ID, UserID: peer.UserID, Username: peer.Username, Role: model.RoleMember, JoinedAt: now},
	}
	if err := s.store.CreateConversation(ctx, c, members); err != nil {
		return nil, errs.Dependency(err, "create direct conversation")
	}
	return c, nil
}

// CreateGroup 创建者为 ADMIN，其余为 MEMBER，重复成员去重
func (s *Service) CreateGroup(ctx context.Context, creator MemberRef, name string, others []MemberRef) (*model.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.ErrArgs.WrapMsg("group name required")
	}
	now := s.now()
	c := &model.Conversation{ID: s.ids.Next(), Type: model.ConversationGroup, Name: name, CreatedBy: creator.UserID, CreatedAt: now, UpdatedAt: now}

	refs := lo.UniqBy(append([]MemberRef{creator}, others...), func(r MemberRef) int64 { return r.UserID })
	members := lo.Map(refs, func(r MemberRef, _ int) *model.ConversationMember {
		role := model.RoleMember
		if r.UserID == creator.UserID {
			role = model.RoleAdmin
		}
		return &model.ConversationMember{ConversationID: c.ID, UserID: r.UserID, Username: r.Username, Role: role, JoinedAt: now}
	})
	if err := s.store.CreateConversation(ctx, c, members); err != nil {
		return nil, errs.Dependency(err, "create group conversation")
	}
	return c, nil
}

// AddMember 只有群聊管理员可以拉人
func (s *Service) AddMember(ctx context.Context, conversationID, requesterID int64, ref MemberRef) error {
	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return errs.Dependency(err, "load conversation", "conversationId", conversationID)
	}
	if c.Type != model.ConversationGroup {
		return errs.ErrInvalidState.WrapMsg("members can only be added to group conversations", "conversationId", conversationID)
	}
	requester, err := s.membership(ctx, conversationID, requesterID)
	if err != nil {
		return err
	}
	if !requester.IsAdmin() {
		return errs.ErrAccessDenied.WrapMsg("admin required", "conversationId", conversationID, "userId", requesterID)
	}
	m := &model.ConversationMember{ConversationID: conversationID, UserID: ref.UserID, Username: ref.Username, Role: model.RoleMember, JoinedAt: s.now()}
	if err := s.store.AddMember(ctx, m); err != nil {
		return errs.Dependency(err, "add member", "conversationId", conversationID, "userId", ref.UserID)
	}
	return nil
}

func (s *Service) membership(ctx context.Context, conversationID, userID int64) (*model.ConversationMember, error) {
	m, err := s.store.GetMember(ctx, conversationID, userID)
	if errs.Code(err) == errs.RecordNotFoundError {
		return nil, errs.ErrAccessDenied.WrapMsg("not a conversation member", "conversationId", conversationID, "userId", userID)
	}
	if err != nil {
		return nil, errs.Dependency(err, "load member", "conversationId", conversationID)
	}
	return m, nil
}

// ListForUser 按最近活跃倒序，带最后一条消息、未读数、成员在线状态
func (s *Service) ListForUser(ctx context.Context, userID int64) ([]*Summary, error) {
	convs, err := s.store.ListUserConversations(ctx, userID)
	if err != nil {
		return nil, errs.Dependency(err, "list conversations", "userId", userID)
	}
	out := make([]*Summary, 0, len(convs))
	for _, c := range convs {
		sum, err := s.summarize(ctx, c, userID)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}

// Get 单个会话，调用者必须是成员
func (s *Service) Get(ctx context.Context, conversationID, userID int64) (*Summary, error) {
	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, errs.Dependency(err, "load conversation", "conversationId", conversationID)
	}
	if _, err := s.membership(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.summarize(ctx, c, userID)
}

func (s *Service) summarize(ctx context.Context, c *model.Conversation, userID int64) (*Summary, error) {
	members, err := s.store.ListMembers(ctx, c.ID)
	if err != nil {
		return nil, errs.Dependency(err, "list members", "conversationId", c.ID)
	}
	online := s.presence.OnlineAmong(ctx, lo.Map(members, func(m *model.ConversationMember, _ int) int64 { return m.UserID }))

	sum := &Summary{Conversation: c}
	var cursor int64
	sum.Members = lo.Map(members, func(m *model.ConversationMember, _ int) MemberView {
		if m.UserID == userID {
			cursor = m.LastReadMessageID
		}
		return MemberView{ConversationMember: m, Online: online[m.UserID]}
	})

	last, err := s.store.LatestMessage(ctx, c.ID)
	switch {
	case err == nil:
		sum.LastMessage = last
	case !errors.Is(err, errs.ErrNotFound):
		return nil, errs.Dependency(err, "load latest message", "conversationId", c.ID)
	}
	sum.UnreadCount, err = s.store.CountUnread(ctx, c.ID, cursor, userID)
	if err != nil {
		return nil, errs.Dependency(err, "count unread", "conversationId", c.ID)
	}
	return sum, nil
}

// Messages 历史消息，新的在前
func (s *Service) Messages(ctx context.Context, conversationID, userID int64, page, size int) ([]*model.Message, error) {
	if _, err := s.membership(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, conversationID, page, size)
	if err != nil {
		return nil, errs.Dependency(err, "list messages", "conversationId", conversationID)
	}
	return msgs, nil
}

// MessagesAfter 断线重连后的增量拉取，旧的在前
func (s *Service) MessagesAfter(ctx context.Context, conversationID, userID, afterID int64, limit int) ([]*model.Message, error) {
	if _, err := s.membership(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessagesAfter(ctx, conversationID, afterID, limit)
	if err != nil {
		return nil, errs.Dependency(err, "list messages after", "conversationId", conversationID)
	}
	return msgs, nil
}

// MarkAsRead 只推进已读游标，不改消息状态、不发回执
func (s *Service) MarkAsRead(ctx context.Context, conversationID, userID, messageID int64) error {
	if _, err := s.membership(ctx, conversationID, userID); err != nil {
		return err
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return errs.Dependency(err, "load message", "messageId", messageID)
	}
	if msg.ConversationID != conversationID {
		return errs.ErrArgs.WrapMsg("message does not belong to conversation", "messageId", messageID, "conversationId", conversationID)
	}
	if err := s.store.AdvanceReadCursor(ctx, conversationID, userID, messageID); err != nil {
		return errs.Dependency(err, "advance read cursor", "conversationId", conversationID)
	}
	return nil
}

// Package delivery 消息投递主流程。
//
// 消息先落库再广播，广播失败不会丢数据（下次拉取仍可见）。
// 在线与否只在发送时判断一次：在线的靠会话 topic 实时收到，
// 不在线的写入离线信箱，上线时补投。不是 exactly-once。
package delivery

import (
	"context"
	"strings"
	"time"

	"PChat/logger"
	"PChat/module/chat/model"
	"PChat/module/chat/store"
	"PChat/service/audit"
	"PChat/service/bus"
	"PChat/service/storage"
	"PChat/service/transport"
	"PChat/tools/errs"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Presence 只需要批量在线判断
type Presence interface {
	OnlineAmong(ctx context.Context, userIDs []int64) map[int64]bool
}

type Mailbox interface {
	Enqueue(ctx context.Context, userID int64, msg *model.Message) error
}

type IDGenerator interface {
	Next() int64
}

type SendRequest struct {
	ConversationID int64
	SenderID       int64
	Type           model.MessageType
	Content        string
	AttachmentURL  string
	MimeType       string
	Metadata       string
}

type Pipeline struct {
	store    store.Store
	tr       transport.Transport
	pub      *bus.Publisher
	presence Presence
	mailbox  Mailbox
	audit    audit.Emitter
	locks    *storage.KeyedMutex
	ids      IDGenerator

	now func() time.Time
}

type Deps struct {
	Store    store.Store
	Tr       transport.Transport
	Pub      *bus.Publisher
	Presence Presence
	Mailbox  Mailbox
	Audit    audit.Emitter
	Locks    *storage.KeyedMutex
	IDs      IDGenerator
}

func NewPipeline(d Deps) *Pipeline {
	if d.Audit == nil {
		d.Audit = audit.Noop{}
	}
	if d.Locks == nil {
		d.Locks = storage.NewKeyedMutex()
	}
	return &Pipeline{
		store:    d.Store,
		tr:       d.Tr,
		pub:      d.Pub,
		presence: d.Presence,
		mailbox:  d.Mailbox,
		audit:    d.Audit,
		locks:    d.Locks,
		ids:      d.IDs,
		now:      time.Now,
	}
}

func validate(req *SendRequest) error {
	if !req.Type.Valid() {
		return errs.ErrArgs.WrapMsg("invalid message type", "type", req.Type)
	}
	if req.Type == model.MessageText && strings.TrimSpace(req.Content) == "" {
		return errs.ErrArgs.WrapMsg("text message requires content")
	}
	if req.Type.NeedsAttachment() && strings.TrimSpace(req.AttachmentURL) == "" {
		return errs.ErrArgs.WrapMsg("attachment url required", "type", req.Type)
	}
	return nil
}

// member 会话存在且 userID 是成员，返回成员快照
func (p *Pipeline) member(ctx context.Context, conversationID, userID int64) (*model.ConversationMember, error) {
	if _, err := p.store.GetConversation(ctx, conversationID); err != nil {
		return nil, errs.Dependency(err, "load conversation", "conversationId", conversationID)
	}
	m, err := p.store.GetMember(ctx, conversationID, userID)
	if errs.Code(err) == errs.RecordNotFoundError {
		return nil, errs.ErrAccessDenied.WrapMsg("not a conversation member",
			"conversationId", conversationID, "userId", userID)
	}
	if err != nil {
		return nil, errs.Dependency(err, "load member", "conversationId", conversationID)
	}
	return m, nil
}

func (p *Pipeline) SendMessage(ctx context.Context, req SendRequest) (*model.Message, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}
	sender, err := p.member(ctx, req.ConversationID, req.SenderID)
	if err != nil {
		return nil, err
	}

	unlock := p.locks.Lock(req.ConversationID)
	defer unlock()

	now := p.now()
	msg := &model.Message{
		ID:             p.ids.Next(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		SenderUsername: sender.Username,
		Type:           req.Type,
		Content:        req.Content,
		AttachmentURL:  req.AttachmentURL,
		MimeType:       req.MimeType,
		Metadata:       req.Metadata,
		CreatedAt:      now,
	}
	msg.SetStatus(model.StatusSent)
	if err := p.store.CreateMessage(ctx, msg); err != nil {
		return nil, errs.Dependency(err, "persist message", "conversationId", req.ConversationID)
	}

	// 以下都是尽力而为，消息已经持久化
	fields := []zap.Field{zap.Int64("messageId", msg.ID), zap.Int64("conversationId", msg.ConversationID)}
	if err := p.store.TouchConversation(ctx, msg.ConversationID, now); err != nil {
		logger.Warn("[delivery] touch conversation failed", append(fields, zap.Error(err))...)
	}
	if err := p.tr.BroadcastToTopic(ctx, transport.ConversationTopic(msg.ConversationID), msg); err != nil {
		logger.Warn("[delivery] broadcast failed", append(fields, zap.Error(err))...)
	}
	p.pub.Publish(ctx, bus.ChannelMessage, msg)

	p.queueOffline(ctx, msg)
	p.audit.Emit(ctx, audit.NewMessageEvent(audit.MessageSent, msg, req.SenderID))
	return msg, nil
}

// queueOffline 除发送者外当前不在线的成员，写离线信箱
func (p *Pipeline) queueOffline(ctx context.Context, msg *model.Message) {
	members, err := p.store.ListMembers(ctx, msg.ConversationID)
	if err != nil {
		logger.Error("[delivery] list members failed, offline copies skipped",
			zap.Int64("messageId", msg.ID), zap.Error(err))
		return
	}
	others := lo.FilterMap(members, func(m *model.ConversationMember, _ int) (int64, bool) {
		return m.UserID, m.UserID != msg.SenderID
	})
	if len(others) == 0 {
		return
	}
	online := p.presence.OnlineAmong(ctx, others)
	for _, uid := range others {
		if online[uid] {
			continue
		}
		if err := p.mailbox.Enqueue(ctx, uid, msg); err != nil {
			logger.Error("[delivery] enqueue offline failed",
				zap.Int64("messageId", msg.ID), zap.Int64("userId", uid), zap.Error(err))
		}
	}
}

// ClearChat 整个会话所有成员可见的清空（软删），返回清掉的条数
func (p *Pipeline) ClearChat(ctx context.Context, conversationID, requesterID int64) (int64, error) {
	if _, err := p.member(ctx, conversationID, requesterID); err != nil {
		return 0, err
	}

	unlock := p.locks.Lock(conversationID)
	defer unlock()

	n, err := p.store.SoftDeleteConversation(ctx, conversationID)
	if err != nil {
		return 0, errs.Dependency(err, "clear conversation", "conversationId", conversationID)
	}
	now := p.now()
	if err := p.store.TouchConversation(ctx, conversationID, now); err != nil {
		logger.Warn("[delivery] touch conversation failed", zap.Int64("conversationId", conversationID), zap.Error(err))
	}

	notice := model.ChatCleared{ConversationID: conversationID, ClearedBy: requesterID, Timestamp: now}
	if err := p.tr.BroadcastToTopic(ctx, transport.ClearedTopic(conversationID), notice); err != nil {
		logger.Warn("[delivery] broadcast cleared failed", zap.Int64("conversationId", conversationID), zap.Error(err))
	}
	p.pub.Publish(ctx, bus.ChannelCleared, notice)
	p.audit.Emit(ctx, audit.NewMessageEvent(audit.MessageDeleted, &model.Message{ConversationID: conversationID}, requesterID))

	logger.Info("[delivery] conversation cleared",
		zap.Int64("conversationId", conversationID), zap.Int64("by", requesterID), zap.Int64("count", n))
	return n, nil
}

// SendTypingIndicator 纯瞬时信号，不落库，不重试
func (p *Pipeline) SendTypingIndicator(ctx context.Context, conversationID, userID int64, typing bool) error {
	m, err := p.member(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	evt := model.TypingEvent{ConversationID: conversationID, UserID: userID, Username: m.Username, Typing: typing}
	if err := p.tr.BroadcastToTopic(ctx, transport.TypingTopic(conversationID), evt); err != nil {
		logger.Debug("[delivery] typing broadcast failed", zap.Int64("conversationId", conversationID), zap.Error(err))
	}
	p.pub.Publish(ctx, bus.ChannelTyping, evt)
	p.audit.Emit(ctx, audit.TypingEvent(conversationID, userID, m.Username, typing))
	return nil
}

// ownMessage 只有发送者本人能改自己的消息
func (p *Pipeline) ownMessage(ctx context.Context, messageID, requesterID int64) (*model.Message, error) {
	msg, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, errs.Dependency(err, "load message", "messageId", messageID)
	}
	if msg.Deleted {
		return nil, errs.ErrNotFound.WrapMsg("message deleted", "messageId", messageID)
	}
	if msg.SenderID != requesterID {
		return nil, errs.ErrAccessDenied.WrapMsg("only the sender may modify a message",
			"messageId", messageID, "userId", requesterID)
	}
	return msg, nil
}

func (p *Pipeline) DeleteMessage(ctx context.Context, messageID, requesterID int64) error {
	msg, err := p.ownMessage(ctx, messageID, requesterID)
	if err != nil {
		return err
	}

	unlock := p.locks.Lock(msg.ConversationID)
	defer unlock()

	ok, err := p.store.SoftDeleteMessage(ctx, messageID)
	if err != nil {
		return errs.Dependency(err, "delete message", "messageId", messageID)
	}
	if !ok {
		// 并发删除
		return nil
	}
	notice := model.MessageDeleted{ConversationID: msg.ConversationID, MessageID: messageID, DeletedBy: requesterID, Timestamp: p.now()}
	if err := p.tr.BroadcastToTopic(ctx, transport.DeletedTopic(msg.ConversationID), notice); err != nil {
		logger.Warn("[delivery] broadcast deleted failed", zap.Int64("messageId", messageID), zap.Error(err))
	}
	p.pub.Publish(ctx, bus.ChannelDeleted, notice)
	msg.Deleted = true
	p.audit.Emit(ctx, audit.NewMessageEvent(audit.MessageDeleted, msg, requesterID))
	return nil
}

// EditMessage 仅文本消息可编辑，编辑后重新推到会话 topic
func (p *Pipeline) EditMessage(ctx context.Context, messageID, requesterID int64, content string) (*model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, errs.ErrArgs.WrapMsg("content required")
	}
	msg, err := p.ownMessage(ctx, messageID, requesterID)
	if err != nil {
		return nil, err
	}
	if msg.Type != model.MessageText {
		return nil, errs.ErrInvalidState.WrapMsg("only text messages can be edited", "messageId", messageID, "type", msg.Type)
	}

	unlock := p.locks.Lock(msg.ConversationID)
	defer unlock()

	at := p.now()
	if err := p.store.EditMessage(ctx, messageID, content, at); err != nil {
		return nil, errs.Dependency(err, "edit message", "messageId", messageID)
	}
	msg.Content = content
	msg.EditedAt = &at

	if err := p.tr.BroadcastToTopic(ctx, transport.ConversationTopic(msg.ConversationID), msg); err != nil {
		logger.Warn("[delivery] broadcast edit failed", zap.Int64("messageId", messageID), zap.Error(err))
	}
	p.pub.Publish(ctx, bus.ChannelMessage, msg)
	return msg, nil
}

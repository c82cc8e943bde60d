// Package receipt 消息回执：DELIVERED / READ 只进不退，
// 状态前进后通知发送者（本地直推 + 总线跨实例）并刷新短期缓存。
package receipt

import (
	"context"
	"time"

	"PChat/logger"
	"PChat/module/chat/model"
	"PChat/module/chat/store"
	"PChat/service/audit"
	"PChat/service/bus"
	"PChat/service/storage"
	"PChat/service/transport"
	"PChat/tools/errs"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Tracker struct {
	store store.Store
	tr    transport.Transport
	pub   *bus.Publisher
	cache *storage.ReceiptCache // 可为 nil
	audit audit.Emitter
	locks *storage.KeyedMutex

	now func() time.Time
}

func NewTracker(
	st store.Store,
	tr transport.Transport,
	pub *bus.Publisher,
	cache *storage.ReceiptCache,
	emitter audit.Emitter,
	locks *storage.KeyedMutex,
) *Tracker {
	if emitter == nil {
		emitter = audit.Noop{}
	}
	if locks == nil {
		locks = storage.NewKeyedMutex()
	}
	return &Tracker{store: st, tr: tr, pub: pub, cache: cache, audit: emitter, locks: locks, now: time.Now}
}

func (t *Tracker) MarkDelivered(ctx context.Context, messageID, readerID int64, readerUsername string) (bool, error) {
	return t.mark(ctx, messageID, readerID, readerUsername, model.StatusDelivered)
}

func (t *Tracker) MarkRead(ctx context.Context, messageID, readerID int64, readerUsername string) (bool, error) {
	return t.mark(ctx, messageID, readerID, readerUsername, model.StatusRead)
}

// Update 按目标状态分发，SENT 不允许由客户端设置
func (t *Tracker) Update(ctx context.Context, messageID, readerID int64, readerUsername string, status model.MessageStatus) (bool, error) {
	switch status {
	case model.StatusDelivered, model.StatusRead:
		return t.mark(ctx, messageID, readerID, readerUsername, status)
	}
	return false, errs.ErrArgs.WrapMsg("unsupported receipt status", "status", status)
}

// mark 返回状态是否真的前进了；自己的消息、重复或回退的回执都是 no-op
func (t *Tracker) mark(ctx context.Context, messageID, readerID int64, readerUsername string, to model.MessageStatus) (bool, error) {
	msg, err := t.store.GetMessage(ctx, messageID)
	if err != nil {
		return false, errs.Dependency(err, "load message", "messageId", messageID)
	}
	if msg.Deleted {
		return false, errs.ErrNotFound.WrapMsg("message deleted", "messageId", messageID)
	}
	if msg.SenderID == readerID {
		return false, nil
	}
	ok, err := t.store.IsMember(ctx, msg.ConversationID, readerID)
	if err != nil {
		return false, errs.Dependency(err, "check membership", "conversationId", msg.ConversationID)
	}
	if !ok {
		return false, errs.ErrAccessDenied.WrapMsg("not a conversation member",
			"conversationId", msg.ConversationID, "userId", readerID)
	}
	if !to.Advances(msg.Status) {
		return false, nil
	}

	advanced, err := t.store.AdvanceStatus(ctx, messageID, to)
	if err != nil {
		return false, errs.Dependency(err, "advance status", "messageId", messageID, "status", to)
	}
	if !advanced {
		// 并发的更高状态已经先写入
		return false, nil
	}
	msg.SetStatus(to)
	t.notify(ctx, msg, readerID, readerUsername)
	return true, nil
}

// MarkConversationRead 把会话里所有发给 reader 的未读消息置为 READ，并推进已读游标。
// 返回实际前进的条数。
func (t *Tracker) MarkConversationRead(ctx context.Context, conversationID, readerID int64, readerUsername string) (int, error) {
	if _, err := t.store.GetConversation(ctx, conversationID); err != nil {
		return 0, errs.Dependency(err, "load conversation", "conversationId", conversationID)
	}
	ok, err := t.store.IsMember(ctx, conversationID, readerID)
	if err != nil {
		return 0, errs.Dependency(err, "check membership", "conversationId", conversationID)
	}
	if !ok {
		return 0, errs.ErrAccessDenied.WrapMsg("not a conversation member",
			"conversationId", conversationID, "userId", readerID)
	}

	unlock := t.locks.Lock(conversationID)
	defer unlock()

	unread, err := t.store.ListUnreadFor(ctx, conversationID, readerID)
	if err != nil {
		return 0, errs.Dependency(err, "list unread", "conversationId", conversationID)
	}
	n := 0
	for _, msg := range unread {
		advanced, err := t.store.AdvanceStatus(ctx, msg.ID, model.StatusRead)
		if err != nil {
			return n, errs.Dependency(err, "advance status", "messageId", msg.ID)
		}
		if !advanced {
			continue
		}
		msg.SetStatus(model.StatusRead)
		t.notify(ctx, msg, readerID, readerUsername)
		n++
	}

	latest, err := t.store.LatestMessage(ctx, conversationID)
	switch {
	case err == nil:
		if err := t.store.AdvanceReadCursor(ctx, conversationID, readerID, latest.ID); err != nil {
			return n, errs.Dependency(err, "advance read cursor", "conversationId", conversationID)
		}
	case errors.Is(err, errs.ErrNotFound):
		// 空会话，没有游标可推进
	default:
		return n, errs.Dependency(err, "load latest message", "conversationId", conversationID)
	}
	return n, nil
}

// notify 状态前进后的副作用，全部尽力而为
func (t *Tracker) notify(ctx context.Context, msg *model.Message, readerID int64, readerUsername string) {
	upd := model.StatusUpdate{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Status:         msg.Status,
		UserID:         readerID,
		Username:       readerUsername,
		SenderID:       msg.SenderID,
		SenderUsername: msg.SenderUsername,
		Timestamp:      t.now(),
	}
	fields := []zap.Field{zap.Int64("messageId", msg.ID), zap.String("status", string(msg.Status))}

	// 发送者不在本实例很正常，总线那边的实例会推给他
	if err := t.tr.SendToUser(ctx, msg.SenderUsername, transport.QueueMessageStatus, upd); err != nil && !errors.Is(err, transport.ErrNoSession) {
		logger.Warn("[receipt] notify sender failed", append(fields, zap.Error(err))...)
	}
	if err := t.tr.BroadcastToTopic(ctx, transport.StatusTopic(msg.ConversationID), upd); err != nil {
		logger.Warn("[receipt] broadcast status failed", append(fields, zap.Error(err))...)
	}
	t.pub.Publish(ctx, bus.ChannelStatus, upd)

	if t.cache != nil {
		if err := t.cache.Set(ctx, msg.ID, readerID, string(msg.Status)); err != nil {
			logger.Warn("[receipt] cache status failed", append(fields, zap.Error(err))...)
		}
	}

	evt := audit.MessageDelivered
	if msg.Status == model.StatusRead {
		evt = audit.MessageRead
	}
	t.audit.Emit(ctx, audit.NewMessageEvent(evt, msg, readerID))
}

// CachedStatus 先查短期缓存，没有再读消息本身的状态
func (t *Tracker) CachedStatus(ctx context.Context, messageID, userID int64) (model.MessageStatus, error) {
	if t.cache != nil {
		v, ok, err := t.cache.Get(ctx, messageID, userID)
		if err != nil {
			logger.Debug("[receipt] cache read failed", zap.Int64("messageId", messageID), zap.Error(err))
		}
		if ok {
			if s, valid := model.ParseStatus(v); valid {
				return s, nil
			}
		}
	}
	msg, err := t.store.GetMessage(ctx, messageID)
	if err != nil {
		return "", errs.Dependency(err, "load message", "messageId", messageID)
	}
	return msg.Status, nil
}

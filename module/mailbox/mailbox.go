// Package mailbox 离线信箱：接收方不在线时把消息存进 redis list，
// 上线时由在线状态模块触发一次 Drain，按写入顺序逐条私发后从头部裁掉。
package mailbox

import (
	"context"
	"encoding/json"
	"time"

	"PChat/logger"
	"PChat/module/chat/model"
	"PChat/service/storage"
	"PChat/service/transport"
	"PChat/tools/errs"

	"go.uber.org/zap"
)

const (
	DefaultRetention  = 7 * 24 * time.Hour
	DefaultDrainLease = 30 * time.Second
)

// ErrDrainInProgress 同一用户已有别的 drain 持有租约
var ErrDrainInProgress = errs.ErrInvalidState.WithDetail("mailbox drain in progress")

type Mailbox struct {
	box   *storage.MailboxStore
	lease *storage.Lease
	keys  storage.Keys
	tr    transport.Transport

	leaseTTL time.Duration
}

func New(box *storage.MailboxStore, lease *storage.Lease, keys storage.Keys, tr transport.Transport, leaseTTL time.Duration) *Mailbox {
	if leaseTTL <= 0 {
		leaseTTL = DefaultDrainLease
	}
	return &Mailbox{box: box, lease: lease, keys: keys, tr: tr, leaseTTL: leaseTTL}
}

// Enqueue 追加到队尾，保留期顺延
func (m *Mailbox) Enqueue(ctx context.Context, userID int64, msg *model.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return errs.WrapMsg(err, "marshal mailbox entry", "messageId", msg.ID)
	}
	return m.box.Push(ctx, userID, b)
}

// Drain 读出全部条目，逐条推到 /queue/offline-messages，再裁掉已送达的前缀。
// 推送失败即停，未送达的尾部留给下一次上线。返回已送达的消息。
func (m *Mailbox) Drain(ctx context.Context, userID int64, username string) ([]*model.Message, error) {
	leaseKey := m.keys.MailboxLease(userID)
	token, ok, err := m.lease.Acquire(ctx, leaseKey, m.leaseTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDrainInProgress
	}
	defer func() {
		// 请求 ctx 可能已取消，释放租约不能跟着失败
		if _, err := m.lease.Release(context.WithoutCancel(ctx), leaseKey, token); err != nil {
			logger.Warn("[mailbox] release lease failed", zap.Int64("userId", userID), zap.Error(err))
		}
	}()

	raw, err := m.box.Range(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	delivered := make([]*model.Message, 0, len(raw))
	consumed := 0
	var sendErr error
	for _, entry := range raw {
		var msg model.Message
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			// 坏条目直接丢弃，不阻塞后面的
			logger.Error("[mailbox] drop corrupt entry", zap.Int64("userId", userID), zap.Error(err))
			consumed++
			continue
		}
		if err := m.tr.SendToUser(ctx, username, transport.QueueOfflineMessages, &msg); err != nil {
			sendErr = err
			break
		}
		delivered = append(delivered, &msg)
		consumed++
	}

	if err := m.box.TrimFront(context.WithoutCancel(ctx), userID, consumed); err != nil {
		// 没裁掉的会在下次上线重复投递
		logger.Error("[mailbox] trim failed", zap.Int64("userId", userID), zap.Int("n", consumed), zap.Error(err))
		return delivered, err
	}
	if sendErr != nil {
		logger.Warn("[mailbox] drain stopped early",
			zap.Int64("userId", userID), zap.Int("delivered", len(delivered)), zap.Int("left", len(raw)-consumed), zap.Error(sendErr))
		return delivered, errs.Dependency(sendErr, "mailbox deliver", "userId", userID)
	}
	logger.Debug("[mailbox] drained", zap.Int64("userId", userID), zap.Int("count", len(delivered)))
	return delivered, nil
}

func (m *Mailbox) Size(ctx context.Context, userID int64) (int64, error) {
	return m.box.Len(ctx, userID)
}

// Peek 只读不删
func (m *Mailbox) Peek(ctx context.Context, userID int64) ([]*model.Message, error) {
	raw, err := m.box.Range(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Message, 0, len(raw))
	for _, entry := range raw {
		var msg model.Message
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			continue
		}
		out = append(out, &msg)
	}
	return out, nil
}

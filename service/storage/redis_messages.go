package storage

import (
	"context"
	"time"

	"PChat/tools/errs"

	"github.com/redis/go-redis/v9"
)

// 离线信箱：每个用户一个 List，尾部追加，头部按已投递数量裁剪

type MailboxStore struct {
	rdb  redis.UniversalClient
	keys Keys
	ttl  time.Duration
}

func NewMailboxStore(rdb redis.UniversalClient, keys Keys, ttl time.Duration) *MailboxStore {
	return &MailboxStore{rdb: rdb, keys: keys, ttl: ttl}
}

// Push 追加一条并刷新整个信箱的过期时间
func (s *MailboxStore) Push(ctx context.Context, userID int64, payload []byte) error {
	key := s.keys.Mailbox(userID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Dependency(err, "mailbox push", "userId", userID)
	}
	return nil
}

// Range 读出当前全部条目，FIFO 顺序
func (s *MailboxStore) Range(ctx context.Context, userID int64) ([]string, error) {
	vals, err := s.rdb.LRange(ctx, s.keys.Mailbox(userID), 0, -1).Result()
	if err != nil {
		return nil, errs.Dependency(err, "mailbox range", "userId", userID)
	}
	return vals, nil
}

// TrimFront 去掉头部 n 条，读取之后新追加的条目保留
func (s *MailboxStore) TrimFront(ctx context.Context, userID int64, n int) error {
	if n <= 0 {
		return nil
	}
	if err := s.rdb.LTrim(ctx, s.keys.Mailbox(userID), int64(n), -1).Err(); err != nil {
		return errs.Dependency(err, "mailbox trim", "userId", userID, "n", n)
	}
	return nil
}

func (s *MailboxStore) Len(ctx context.Context, userID int64) (int64, error) {
	n, err := s.rdb.LLen(ctx, s.keys.Mailbox(userID)).Result()
	if err != nil {
		return 0, errs.Dependency(err, "mailbox len", "userId", userID)
	}
	return n, nil
}

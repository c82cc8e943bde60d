package storage

import (
	"context"
	"time"

	"PChat/tools/errs"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ReceiptCache 消息在某个读者处的最新状态，带 TTL 的读缓存，不是权威数据
type ReceiptCache struct {
	rdb  redis.UniversalClient
	keys Keys
	ttl  time.Duration
}

func NewReceiptCache(rdb redis.UniversalClient, keys Keys, ttl time.Duration) *ReceiptCache {
	return &ReceiptCache{rdb: rdb, keys: keys, ttl: ttl}
}

func (c *ReceiptCache) Set(ctx context.Context, messageID, userID int64, status string) error {
	if err := c.rdb.Set(ctx, c.keys.Receipt(messageID, userID), status, c.ttl).Err(); err != nil {
		return errs.Dependency(err, "receipt cache set", "messageId", messageID, "userId", userID)
	}
	return nil
}

// Get 未命中返回 "", false
func (c *ReceiptCache) Get(ctx context.Context, messageID, userID int64) (string, bool, error) {
	v, err := c.rdb.Get(ctx, c.keys.Receipt(messageID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Dependency(err, "receipt cache get", "messageId", messageID, "userId", userID)
	}
	return v, true, nil
}

package storage

import (
	"context"
	"time"

	"PChat/tools/errs"
	"PChat/tools/ids"

	"github.com/redis/go-redis/v9"
)

// 只有持有者（token 相同）才能释放
// KEYS[1] = lease key
// ARGV[1] = token
const luaReleaseLease = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var scriptReleaseLease = redis.NewScript(luaReleaseLease)

// Lease 集群范围的互斥租约（SET NX PX），持有者崩溃后按 TTL 自动释放
type Lease struct {
	rdb redis.UniversalClient
}

func NewLease(rdb redis.UniversalClient) *Lease {
	return &Lease{rdb: rdb}
}

// Acquire 拿到租约返回 token；被别人持有时 ok=false
func (l *Lease) Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error) {
	token = ids.UUID()
	ok, err = l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, errs.Dependency(err, "lease acquire", "key", key)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release 释放自己持有的租约，已过期或被他人持有时返回 false
func (l *Lease) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := scriptReleaseLease.Run(ctx, l.rdb, []string{key}, token).Int()
	if err != nil {
		return false, errs.Dependency(err, "lease release", "key", key)
	}
	return n == 1, nil
}

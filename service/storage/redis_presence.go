package storage

import (
	"context"
	"strconv"
	"time"

	"PChat/tools/errs"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const lastSeenTTL = 30 * 24 * time.Hour

// 在线 = presence:<uid> 这个 zset 里还有未过期的会话。
// member = "{node}:{connId}"，score = 该会话的过期时间(ms)；
// 每个会话只动自己的 member，别的实例/别的连接不受影响。

// 上线：清理过期会话 → 加入本会话 → 刷新索引与最后在线时间
// KEYS[1] = presence zset
// KEYS[2] = online index zset
// KEYS[3] = last seen key
// ARGV[1] = session
// ARGV[2] = nowMs
// ARGV[3] = expAtMs
// ARGV[4] = ttlMs
// ARGV[5] = member(uid)
// ARGV[6] = lastSeenTtlMs
// 返回：加入前的有效会话数，0 表示这是集群内的第一条会话
const luaSetOnline = `
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", tonumber(ARGV[2]))
local before = redis.call("ZCARD", KEYS[1])
if redis.call("ZSCORE", KEYS[1], ARGV[1]) then
  before = before - 1
end
redis.call("ZADD", KEYS[1], tonumber(ARGV[3]), ARGV[1])
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[4]))
redis.call("ZADD", KEYS[2], tonumber(ARGV[3]), ARGV[5])
redis.call("SET", KEYS[3], ARGV[2], "PX", tonumber(ARGV[6]))
return before
`

// 心跳：只续期调用方自己的会话，已过期/已下线的会话不会被续活
// KEYS[1] = presence zset
// KEYS[2] = online index zset
// ARGV[1] = session
// ARGV[2] = nowMs
// ARGV[3] = expAtMs
// ARGV[4] = ttlMs
// ARGV[5] = member(uid)
// 返回：1 续期成功；0 会话不存在
const luaHeartbeat = `
local score = redis.call("ZSCORE", KEYS[1], ARGV[1])
if not score or tonumber(score) <= tonumber(ARGV[2]) then
  redis.call("ZREM", KEYS[1], ARGV[1])
  return 0
end
redis.call("ZADD", KEYS[1], tonumber(ARGV[3]), ARGV[1])
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[4]))
redis.call("ZADD", KEYS[2], tonumber(ARGV[3]), ARGV[5])
return 1
`

// 下线：只摘掉本会话；没有剩余会话时才删 key、摘索引、记最后在线时间
// KEYS 同上线
// ARGV[1] = session
// ARGV[2] = nowMs
// ARGV[3] = lastSeenTtlMs
// ARGV[4] = member(uid)
// 返回：{是否摘掉了本会话, 剩余有效会话数}
const luaSetOffline = `
local removed = redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", tonumber(ARGV[2]))
local left = redis.call("ZCARD", KEYS[1])
if left > 0 then
  local top = redis.call("ZRANGE", KEYS[1], -1, -1, "WITHSCORES")
  redis.call("ZADD", KEYS[2], tonumber(top[2]), ARGV[4])
  return {removed, left}
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[4])
redis.call("SET", KEYS[3], ARGV[2], "PX", tonumber(ARGV[3]))
return {removed, 0}
`

// 清理索引中过期成员，返回仍有效的成员
// KEYS[1] = online index zset
// ARGV[1] = nowMs
const luaActiveMembers = `
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", tonumber(ARGV[1]))
return redis.call("ZRANGE", KEYS[1], 0, -1)
`

var (
	scriptSetOnline     = redis.NewScript(luaSetOnline)
	scriptHeartbeat     = redis.NewScript(luaHeartbeat)
	scriptSetOffline    = redis.NewScript(luaSetOffline)
	scriptActiveMembers = redis.NewScript(luaActiveMembers)
)

// SessionID 会话在 presence zset 中的 member
func SessionID(node, connID string) string { return node + ":" + connID }

// PresenceStore 在线状态的 redis 表示，跨实例共享
type PresenceStore struct {
	rdb  redis.UniversalClient
	keys Keys
	ttl  time.Duration
	now  func() time.Time
}

func NewPresenceStore(rdb redis.UniversalClient, keys Keys, ttl time.Duration) *PresenceStore {
	return &PresenceStore{rdb: rdb, keys: keys, ttl: ttl, now: time.Now}
}

func (s *PresenceStore) TTL() time.Duration { return s.ttl }

// SetOnline 登记一条会话，返回它是否为该用户在集群内的第一条有效会话
func (s *PresenceStore) SetOnline(ctx context.Context, userID int64, session string) (bool, error) {
	now := s.now()
	before, err := scriptSetOnline.Run(ctx, s.rdb,
		[]string{s.keys.Presence(userID), s.keys.OnlineIndex(), s.keys.LastSeen(userID)},
		session, now.UnixMilli(), now.Add(s.ttl).UnixMilli(), s.ttl.Milliseconds(),
		id(userID), lastSeenTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return false, errs.Dependency(err, "presence set online", "userId", userID, "session", session)
	}
	return before == 0, nil
}

// SetOffline 摘掉一条会话；removed 表示会话之前存在，left 为剩余有效会话数
func (s *PresenceStore) SetOffline(ctx context.Context, userID int64, session string, at time.Time) (removed bool, left int64, err error) {
	res, err := scriptSetOffline.Run(ctx, s.rdb,
		[]string{s.keys.Presence(userID), s.keys.OnlineIndex(), s.keys.LastSeen(userID)},
		session, at.UnixMilli(), lastSeenTTL.Milliseconds(), id(userID),
	).Int64Slice()
	if err != nil {
		return false, 0, errs.Dependency(err, "presence set offline", "userId", userID, "session", session)
	}
	if len(res) != 2 {
		return false, 0, errs.ErrInternalServer.WrapMsg("presence set offline: unexpected reply", "userId", userID)
	}
	return res[0] == 1, res[1], nil
}

// Heartbeat 只续期调用方的会话，返回是否续期成功
func (s *PresenceStore) Heartbeat(ctx context.Context, userID int64, session string) (bool, error) {
	now := s.now()
	n, err := scriptHeartbeat.Run(ctx, s.rdb,
		[]string{s.keys.Presence(userID), s.keys.OnlineIndex()},
		session, now.UnixMilli(), now.Add(s.ttl).UnixMilli(), s.ttl.Milliseconds(), id(userID),
	).Int()
	if err != nil {
		return false, errs.Dependency(err, "presence heartbeat", "userId", userID, "session", session)
	}
	return n == 1, nil
}

func (s *PresenceStore) liveRange() *redis.ZRangeBy {
	return &redis.ZRangeBy{Min: "(" + strconv.FormatInt(s.now().UnixMilli(), 10), Max: "+inf"}
}

func (s *PresenceStore) IsOnline(ctx context.Context, userID int64) (bool, error) {
	r := s.liveRange()
	n, err := s.rdb.ZCount(ctx, s.keys.Presence(userID), r.Min, r.Max).Result()
	if err != nil {
		return false, errs.Dependency(err, "presence lookup", "userId", userID)
	}
	return n > 0, nil
}

// Sessions 用户当前的有效会话
func (s *PresenceStore) Sessions(ctx context.Context, userID int64) ([]string, error) {
	out, err := s.rdb.ZRangeByScore(ctx, s.keys.Presence(userID), s.liveRange()).Result()
	if err != nil {
		return nil, errs.Dependency(err, "presence sessions", "userId", userID)
	}
	return out, nil
}

// OnlineAmong 批量判断，返回在线的那部分 uid
func (s *PresenceStore) OnlineAmong(ctx context.Context, userIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	r := s.liveRange()
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(userIDs))
	for i, uid := range userIDs {
		cmds[i] = pipe.ZCount(ctx, s.keys.Presence(uid), r.Min, r.Max)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errs.Dependency(err, "presence batch lookup")
	}
	for i, uid := range userIDs {
		out[uid] = cmds[i].Val() > 0
	}
	return out, nil
}

// OnlineUsers 全部在线用户，顺带清理索引里过期的成员
func (s *PresenceStore) OnlineUsers(ctx context.Context) ([]int64, error) {
	members, err := scriptActiveMembers.Run(ctx, s.rdb,
		[]string{s.keys.OnlineIndex()}, s.now().UnixMilli()).StringSlice()
	if err != nil {
		return nil, errs.Dependency(err, "presence list online")
	}
	out := make([]int64, 0, len(members))
	for _, m := range members {
		uid, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, uid)
	}
	return out, nil
}

// LastSeen redis 中记录的最后在线时间，没有返回 nil
func (s *PresenceStore) LastSeen(ctx context.Context, userID int64) (*time.Time, error) {
	ms, err := s.rdb.Get(ctx, s.keys.LastSeen(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Dependency(err, "presence last seen", "userId", userID)
	}
	t := time.UnixMilli(ms)
	return &t, nil
}

package storage

import "strconv"

// Keys 统一的 key 构造，prefix 形如 "chat:"
type Keys struct {
	prefix string
}

func NewKeys(prefix string) Keys {
	return Keys{prefix: prefix}
}

func id(v int64) string { return strconv.FormatInt(v, 10) }

// presence:<uid> 会话 zset，member={node}:{connId}，score=过期时间(ms)
func (k Keys) Presence(userID int64) string { return k.prefix + "presence:" + id(userID) }

// online 在线索引 zset，member=uid，score=过期时间(ms)
func (k Keys) OnlineIndex() string { return k.prefix + "online" }

func (k Keys) LastSeen(userID int64) string { return k.prefix + "last_seen:" + id(userID) }

func (k Keys) Mailbox(userID int64) string { return k.prefix + "mailbox:" + id(userID) }

func (k Keys) MailboxLease(userID int64) string { return k.prefix + "lease:mailbox:" + id(userID) }

func (k Keys) Receipt(messageID, userID int64) string {
	return k.prefix + "receipt:" + id(messageID) + ":" + id(userID)
}

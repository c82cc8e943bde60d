package model

import "time"

// User 账号体系在外部，这里只持久化最后在线时间
type User struct {
	ID         int64      `bson:"_id" db:"id" json:"id"`
	Username   string     `bson:"username" db:"username" json:"username"`
	LastSeenAt *time.Time `bson:"last_seen_at,omitempty" db:"last_seen_at" json:"lastSeenAt,omitempty"`
}

func (*User) GetTableName() string {
	return "users"
}

// Presence 某个用户的在线视图
type Presence struct {
	UserID     int64      `json:"userId"`
	Username   string     `json:"username,omitempty"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"lastSeen,omitempty"`
}

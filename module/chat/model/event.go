package model

import "time"

// 以下是推给客户端（本地传输层 / 跨实例总线）的负载

// StatusUpdate 回执通知，发给发送者的 /queue/message-status，同时广播到会话 status topic
type StatusUpdate struct {
	MessageID      int64         `json:"messageId"`
	ConversationID int64         `json:"conversationId"`
	Status         MessageStatus `json:"status"`
	UserID         int64         `json:"userId"`   // 产生回执的读者
	Username       string        `json:"username"` // 读者用户名
	SenderID       int64         `json:"senderId"`
	SenderUsername string        `json:"senderUsername"` // 接收通知的一方
	Timestamp      time.Time     `json:"timestamp"`
}

type TypingEvent struct {
	ConversationID int64  `json:"conversationId"`
	UserID         int64  `json:"userId"`
	Username       string `json:"username"`
	Typing         bool   `json:"typing"`
}

type ChatCleared struct {
	ConversationID int64     `json:"conversationId"`
	ClearedBy      int64     `json:"clearedBy"`
	Timestamp      time.Time `json:"timestamp"`
}

type MessageDeleted struct {
	ConversationID int64     `json:"conversationId"`
	MessageID      int64     `json:"messageId"`
	DeletedBy      int64     `json:"deletedBy"`
	Timestamp      time.Time `json:"timestamp"`
}

type PresenceChange struct {
	UserID     int64      `json:"userId"`
	Username   string     `json:"username"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"lastSeen,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

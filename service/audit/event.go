// Package audit 领域事件的尽力外发（分析用），失败只记日志，不影响投递主流程。
package audit

import (
	"strconv"
	"time"

	"PChat/module/chat/model"
)

type EventType string

const (
	MessageSent      EventType = "MESSAGE_SENT"
	MessageDelivered EventType = "MESSAGE_DELIVERED"
	MessageRead      EventType = "MESSAGE_READ"
	MessageDeleted   EventType = "MESSAGE_DELETED"

	UserOnline     EventType = "USER_ONLINE"
	UserOffline    EventType = "USER_OFFLINE"
	UserTyping     EventType = "USER_TYPING"
	UserStopTyping EventType = "USER_STOP_TYPING"
)

// Event 只有 MessageEvent / PresenceEvent 两种实现
type Event interface {
	Type() EventType
	// Key 分区键：消息事件按 messageId，用户事件按 userId
	Key() string
	sealed()
}

type MessageEvent struct {
	EventType      EventType           `json:"eventType"`
	MessageID      int64               `json:"messageId"`
	ConversationID int64               `json:"conversationId"`
	SenderID       int64               `json:"senderId"`
	SenderUsername string              `json:"senderUsername,omitempty"`
	Content        string              `json:"content,omitempty"`
	MessageType    model.MessageType   `json:"messageType,omitempty"`
	Status         model.MessageStatus `json:"status,omitempty"`
	ActorID        int64               `json:"actorId,omitempty"` // 回执的读者 / 删除者
	Timestamp      time.Time           `json:"timestamp"`
}

func (e MessageEvent) Type() EventType { return e.EventType }
func (e MessageEvent) Key() string     { return strconv.FormatInt(e.MessageID, 10) }
func (MessageEvent) sealed()           {}

type PresenceEvent struct {
	EventType      EventType `json:"eventType"`
	UserID         int64     `json:"userId"`
	Username       string    `json:"username,omitempty"`
	ConversationID int64     `json:"conversationId,omitempty"` // 仅 typing
	Online         bool      `json:"online"`
	Timestamp      time.Time `json:"timestamp"`
}

func (e PresenceEvent) Type() EventType { return e.EventType }
func (e PresenceEvent) Key() string     { return strconv.FormatInt(e.UserID, 10) }
func (PresenceEvent) sealed()           {}

// NewMessageEvent 从消息快照构造
func NewMessageEvent(t EventType, m *model.Message, actorID int64) MessageEvent {
	return MessageEvent{
		EventType:      t,
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderUsername: m.SenderUsername,
		Content:        m.Content,
		MessageType:    m.Type,
		Status:         m.Status,
		ActorID:        actorID,
		Timestamp:      time.Now(),
	}
}

func NewPresenceEvent(t EventType, userID int64, username string, online bool) PresenceEvent {
	return PresenceEvent{EventType: t, UserID: userID, Username: username, Online: online, Timestamp: time.Now()}
}

func TypingEvent(conversationID, userID int64, username string, typing bool) PresenceEvent {
	t := UserStopTyping
	if typing {
		t = UserTyping
	}
	e := NewPresenceEvent(t, userID, username, true)
	e.ConversationID = conversationID
	return e
}

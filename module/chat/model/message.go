package model

import (
	"strings"
	"time"
)

type MessageType string

const (
	MessageText  MessageType = "TEXT"
	MessageImage MessageType = "IMAGE"
	MessageFile  MessageType = "FILE"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile:
		return true
	}
	return false
}

// NeedsAttachment 图片/文件类消息必须带附件地址
func (t MessageType) NeedsAttachment() bool {
	return t == MessageImage || t == MessageFile
}

// MessageStatus 消息状态，只能沿 SENT -> DELIVERED -> READ 前进
type MessageStatus string

const (
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
)

// Rank 状态序号，未知状态为 -1
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	}
	return -1
}

func (s MessageStatus) Valid() bool { return s.Rank() >= 0 }

// Advances 判断从 cur 迁移到 s 是否是前进（相同或回退都不算）
func (s MessageStatus) Advances(cur MessageStatus) bool {
	return s.Valid() && s.Rank() > cur.Rank()
}

func ParseStatus(v string) (MessageStatus, bool) {
	s := MessageStatus(strings.ToUpper(strings.TrimSpace(v)))
	return s, s.Valid()
}

// StatusFromRank Rank 的反向映射
func StatusFromRank(rank int) MessageStatus {
	switch rank {
	case 1:
		return StatusDelivered
	case 2:
		return StatusRead
	}
	return StatusSent
}

type Message struct {
	ID             int64       `bson:"_id" db:"id" json:"id"` // 雪花ID，会话内按ID排序即按发送顺序
	ConversationID int64       `bson:"conversation_id" db:"conversation_id" json:"conversationId"`
	SenderID       int64       `bson:"sender_id" db:"sender_id" json:"senderId"`
	SenderUsername string      `bson:"sender_username" db:"sender_username" json:"senderUsername"`
	Type           MessageType `bson:"type" db:"type" json:"type"`
	Content        string      `bson:"content,omitempty" db:"content" json:"content,omitempty"`
	AttachmentURL  string      `bson:"attachment_url,omitempty" db:"attachment_url" json:"attachmentUrl,omitempty"`
	MimeType       string      `bson:"mime_type,omitempty" db:"mime_type" json:"mimeType,omitempty"`
	Metadata       string      `bson:"metadata,omitempty" db:"metadata" json:"metadata,omitempty"` // 附加信息(JSON)

	Status     MessageStatus `bson:"status" db:"status" json:"status"`
	StatusRank int           `bson:"status_rank" db:"status_rank" json:"-"` // 条件更新用：status_rank < 新状态才写

	CreatedAt time.Time  `bson:"created_at" db:"created_at" json:"createdAt"`
	EditedAt  *time.Time `bson:"edited_at,omitempty" db:"edited_at" json:"editedAt,omitempty"`
	Deleted   bool       `bson:"deleted" db:"deleted" json:"deleted"`
}

func (*Message) GetTableName() string {
	return "messages"
}

// SetStatus 同步维护 StatusRank
func (m *Message) SetStatus(s MessageStatus) {
	m.Status = s
	m.StatusRank = s.Rank()
}

// Clone 浅拷贝，EditedAt 单独复制，内存存储返回副本时使用
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.EditedAt != nil {
		t := *m.EditedAt
		cp.EditedAt = &t
	}
	return &cp
}

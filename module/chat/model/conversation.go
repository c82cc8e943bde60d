package model

import "time"

type ConversationType string

const (
	ConversationDirect ConversationType = "DIRECT" // 单聊，固定两人
	ConversationGroup  ConversationType = "GROUP"  // 群聊
)

type MemberRole string

const (
	RoleMember MemberRole = "MEMBER"
	RoleAdmin  MemberRole = "ADMIN"
)

// Conversation 会话。投递核心只会改 UpdatedAt（有新消息/清空时抬升），用于会话列表排序
type Conversation struct {
	ID        int64            `bson:"_id" db:"id" json:"id"`
	Type      ConversationType `bson:"type" db:"type" json:"type"`
	Name      string           `bson:"name,omitempty" db:"name" json:"name,omitempty"` // 仅群聊
	CreatedBy int64            `bson:"created_by" db:"created_by" json:"createdBy"`
	CreatedAt time.Time        `bson:"created_at" db:"created_at" json:"createdAt"`
	UpdatedAt time.Time        `bson:"updated_at" db:"updated_at" json:"updatedAt"`
}

func (*Conversation) GetTableName() string {
	return "conversations"
}

// ConversationMember 会话成员，(conversation_id, user_id) 唯一。
// Username 是加入时的快照，传输层按用户名寻址。
type ConversationMember struct {
	ConversationID int64      `bson:"conversation_id" db:"conversation_id" json:"conversationId"`
	UserID         int64      `bson:"user_id" db:"user_id" json:"userId"`
	Username       string     `bson:"username" db:"username" json:"username"`
	Role           MemberRole `bson:"role" db:"role" json:"role"`
	// 已读游标：只增不减，0 表示还没读过任何消息
	LastReadMessageID int64     `bson:"last_read_message_id" db:"last_read_message_id" json:"lastReadMessageId,omitempty"`
	JoinedAt          time.Time `bson:"joined_at" db:"joined_at" json:"joinedAt"`
}

func (*ConversationMember) GetTableName() string {
	return "conversation_members"
}

func (m *ConversationMember) IsAdmin() bool { return m.Role == RoleAdmin }

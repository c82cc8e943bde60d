// Package store 持久化层：会话、成员、消息、最后在线时间。
// 提供 MongoDB、PostgreSQL 与内存三种实现，语义一致：
// 找不到返回 errs.ErrNotFound，唯一键冲突返回 errs.ErrRecordExists，
// 其余驱动错误原样（带栈）返回，由上层归类为 DependencyUnavailable。
package store

import (
	"context"
	"time"

	"PChat/module/chat/model"
)

type ConversationStore interface {
	// CreateConversation 会话与初始成员一起写入
	CreateConversation(ctx context.Context, c *model.Conversation, members []*model.ConversationMember) error
	GetConversation(ctx context.Context, id int64) (*model.Conversation, error)
	// ListUserConversations 用户所在的会话，按 UpdatedAt 倒序
	ListUserConversations(ctx context.Context, userID int64) ([]*model.Conversation, error)
	// FindDirectConversation 两人之间已有的单聊，没有返回 ErrNotFound
	FindDirectConversation(ctx context.Context, userA, userB int64) (*model.Conversation, error)
	TouchConversation(ctx context.Context, id int64, at time.Time) error
}

type MemberStore interface {
	AddMember(ctx context.Context, m *model.ConversationMember) error
	GetMember(ctx context.Context, conversationID, userID int64) (*model.ConversationMember, error)
	IsMember(ctx context.Context, conversationID, userID int64) (bool, error)
	ListMembers(ctx context.Context, conversationID int64) ([]*model.ConversationMember, error)
	// AdvanceReadCursor 已读游标取 max(旧值, messageID)，不会回退
	AdvanceReadCursor(ctx context.Context, conversationID, userID, messageID int64) error
}

type MessageStore interface {
	CreateMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	// ListMessages 未删除消息，新的在前，page 从 0 开始
	ListMessages(ctx context.Context, conversationID int64, page, size int) ([]*model.Message, error)
	// ListMessagesAfter id > afterID 的未删除消息，旧的在前
	ListMessagesAfter(ctx context.Context, conversationID, afterID int64, limit int) ([]*model.Message, error)
	// LatestMessage 最新一条未删除消息，没有返回 ErrNotFound
	LatestMessage(ctx context.Context, conversationID int64) (*model.Message, error)
	// CountUnread id > afterID、非 userID 发送、未删除的消息数
	CountUnread(ctx context.Context, conversationID, afterID, userID int64) (int64, error)
	// ListUnreadFor 非 readerID 发送、未删除、状态未到 READ 的消息，旧的在前
	ListUnreadFor(ctx context.Context, conversationID, readerID int64) ([]*model.Message, error)
	// AdvanceStatus 条件更新：仅当当前状态序号小于 to 时写入，返回是否真正前进
	AdvanceStatus(ctx context.Context, messageID int64, to model.MessageStatus) (bool, error)
	// SoftDeleteConversation 会话内全部消息置 deleted，返回影响条数
	SoftDeleteConversation(ctx context.Context, conversationID int64) (int64, error)
	SoftDeleteMessage(ctx context.Context, messageID int64) (bool, error)
	EditMessage(ctx context.Context, messageID int64, content string, at time.Time) error
}

type UserStore interface {
	SetLastSeen(ctx context.Context, userID int64, username string, at time.Time) error
	// GetLastSeen 从未记录过返回 nil, nil
	GetLastSeen(ctx context.Context, userID int64) (*time.Time, error)
}

type Store interface {
	ConversationStore
	MemberStore
	MessageStore
	UserStore
	Close(ctx context.Context) error
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func normPage(page, size int) (int, int) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}

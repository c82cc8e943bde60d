// Package transport 本地推送层的抽象：按 topic 广播给订阅者，按用户名点对点下发。
// 传输层只做尽力投递，失败返回 error，由调用方决定记日志还是终止。
package transport

import (
	"context"
	"strconv"
	"strings"
)

type Transport interface {
	// BroadcastToTopic 推给本实例上订阅了 topic 的所有连接
	BroadcastToTopic(ctx context.Context, topic string, payload any) error
	// SendToUser 推给本实例上该用户的所有连接；用户不在本实例返回 ErrNoSession
	SendToUser(ctx context.Context, username, destination string, payload any) error
}

const (
	QueueMessageStatus   = "/queue/message-status"
	QueueOfflineMessages = "/queue/offline-messages"
	TopicPresence        = "/topic/presence"
)

func ConversationTopic(conversationID int64) string {
	return "/topic/conversations/" + strconv.FormatInt(conversationID, 10)
}

func StatusTopic(conversationID int64) string {
	return ConversationTopic(conversationID) + "/status"
}

func TypingTopic(conversationID int64) string {
	return ConversationTopic(conversationID) + "/typing"
}

func ClearedTopic(conversationID int64) string {
	return ConversationTopic(conversationID) + "/cleared"
}

func DeletedTopic(conversationID int64) string {
	return ConversationTopic(conversationID) + "/deleted"
}

const conversationPrefix = "/topic/conversations/"

// ConversationOf 从会话类 topic 里解析会话ID，其它 topic 返回 false
func ConversationOf(topic string) (int64, bool) {
	rest, ok := strings.CutPrefix(topic, conversationPrefix)
	if !ok {
		return 0, false
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		switch rest[i+1:] {
		case "status", "typing", "cleared", "deleted":
		default:
			return 0, false
		}
		rest = rest[:i]
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

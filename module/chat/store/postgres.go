package store

import (
	"context"
	"time"

	"PChat/module/chat/model"
	"PChat/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id         BIGINT PRIMARY KEY,
		type       TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		created_by BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations (updated_at DESC)`,
	`CREATE TABLE IF NOT EXISTS conversation_members (
		conversation_id      BIGINT NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
		user_id              BIGINT NOT NULL,
		username             TEXT NOT NULL,
		role                 TEXT NOT NULL,
		last_read_message_id BIGINT NOT NULL DEFAULT 0,
		joined_at            TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_members_user ON conversation_members (user_id)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id              BIGINT PRIMARY KEY,
		conversation_id BIGINT NOT NULL,
		sender_id       BIGINT NOT NULL,
		sender_username TEXT NOT NULL,
		type            TEXT NOT NULL,
		content         TEXT NOT NULL DEFAULT '',
		attachment_url  TEXT NOT NULL DEFAULT '',
		mime_type       TEXT NOT NULL DEFAULT '',
		metadata        TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		status_rank     SMALLINT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		edited_at       TIMESTAMPTZ,
		deleted         BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages (conversation_id, id DESC) WHERE NOT deleted`,
	`CREATE TABLE IF NOT EXISTS users (
		id           BIGINT PRIMARY KEY,
		username     TEXT NOT NULL,
		last_seen_at TIMESTAMPTZ
	)`,
}

const (
	convCols   = `id, type, name, created_by, created_at, updated_at`
	memberCols = `conversation_id, user_id, username, role, last_read_message_id, joined_at`
	msgCols    = `id, conversation_id, sender_id, sender_username, type, content, attachment_url, mime_type, metadata, status, status_rank, created_at, edited_at, deleted`
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate 建表，语句全部幂等
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return errs.WrapMsg(err, "migrate postgres schema")
		}
	}
	return nil
}

func (s *PostgresStore) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func pgNotFound(err error, what string, kv ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.ErrNotFound.WrapMsg(what, kv...)
	}
	return errs.WrapMsg(err, what, kv...)
}

func collectMessages(rows pgx.Rows, err error) ([]*model.Message, error) {
	if err != nil {
		return nil, errs.WrapMsg(err, "query messages")
	}
	out, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Message])
	if err != nil {
		return nil, errs.WrapMsg(err, "scan messages")
	}
	return out, nil
}

// ===== 会话 =====

func (s *PostgresStore) CreateConversation(ctx context.Context, c *model.Conversation, members []*model.ConversationMember) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO conversations (`+convCols+`) VALUES ($1, $2, $3, $4, $5, $6)`,
			c.ID, c.Type, c.Name, c.CreatedBy, c.CreatedAt, c.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return errs.ErrRecordExists.WrapMsg("conversation", "id", c.ID)
			}
			return errs.WrapMsg(err, "insert conversation", "id", c.ID)
		}
		batch := &pgx.Batch{}
		for _, m := range members {
			batch.Queue(`INSERT INTO conversation_members (`+memberCols+`) VALUES ($1, $2, $3, $4, $5, $6)`,
				m.ConversationID, m.UserID, m.Username, m.Role, m.LastReadMessageID, m.JoinedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return errs.WrapMsg(err, "insert members", "conversationId", c.ID)
		}
		return nil
	})
}

func (s *PostgresStore) GetConversation(ctx context.Context, id int64) (*model.Conversation, error) {
	rows, _ := s.pool.Query(ctx, `SELECT `+convCols+` FROM conversations WHERE id = $1`, id)
	c, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[model.Conversation])
	if err != nil {
		return nil, pgNotFound(err, "conversation", "id", id)
	}
	return c, nil
}

func (s *PostgresStore) ListUserConversations(ctx context.Context, userID int64) ([]*model.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.type, c.name, c.created_by, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE m.user_id = $1
		ORDER BY c.updated_at DESC, c.id DESC`, userID)
	if err != nil {
		return nil, errs.WrapMsg(err, "list conversations", "userId", userID)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Conversation])
	if err != nil {
		return nil, errs.WrapMsg(err, "scan conversations")
	}
	return out, nil
}

func (s *PostgresStore) FindDirectConversation(ctx context.Context, userA, userB int64) (*model.Conversation, error) {
	rows, _ := s.pool.Query(ctx, `
		SELECT c.id, c.type, c.name, c.created_by, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_members a ON a.conversation_id = c.id AND a.user_id = $1
		JOIN conversation_members b ON b.conversation_id = c.id AND b.user_id = $2
		WHERE c.type = $3
		LIMIT 1`, userA, userB, model.ConversationDirect)
	c, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[model.Conversation])
	if err != nil {
		return nil, pgNotFound(err, "direct conversation", "a", userA, "b", userB)
	}
	return c, nil
}

func (s *PostgresStore) TouchConversation(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`, id, at)
	if err != nil {
		return errs.WrapMsg(err, "touch conversation", "id", id)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound.WrapMsg("conversation", "id", id)
	}
	return nil
}

// ===== 成员 =====

func (s *PostgresStore) AddMember(ctx context.Context, m *model.ConversationMember) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_members (`+memberCols+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ConversationID, m.UserID, m.Username, m.Role, m.LastReadMessageID, m.JoinedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrRecordExists.WrapMsg("member", "conversationId", m.ConversationID, "userId", m.UserID)
		}
		return errs.WrapMsg(err, "insert member")
	}
	return nil
}

func (s *PostgresStore) GetMember(ctx context.Context, conversationID, userID int64) (*model.ConversationMember, error) {
	rows, _ := s.pool.Query(ctx,
		`SELECT `+memberCols+` FROM conversation_members WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID)
	m, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[model.ConversationMember])
	if err != nil {
		return nil, pgNotFound(err, "member", "conversationId", conversationID, "userId", userID)
	}
	return m, nil
}

func (s *PostgresStore) IsMember(ctx context.Context, conversationID, userID int64) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID).Scan(&ok)
	if err != nil {
		return false, errs.WrapMsg(err, "check member")
	}
	return ok, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, conversationID int64) ([]*model.ConversationMember, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+memberCols+` FROM conversation_members WHERE conversation_id = $1 ORDER BY joined_at`,
		conversationID)
	if err != nil {
		return nil, errs.WrapMsg(err, "list members", "conversationId", conversationID)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.ConversationMember])
	if err != nil {
		return nil, errs.WrapMsg(err, "scan members")
	}
	return out, nil
}

func (s *PostgresStore) AdvanceReadCursor(ctx context.Context, conversationID, userID, messageID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversation_members
		SET last_read_message_id = GREATEST(last_read_message_id, $3)
		WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID, messageID)
	if err != nil {
		return errs.WrapMsg(err, "advance read cursor")
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound.WrapMsg("member", "conversationId", conversationID, "userId", userID)
	}
	return nil
}

// ===== 消息 =====

func (s *PostgresStore) CreateMessage(ctx context.Context, m *model.Message) error {
	m.StatusRank = m.Status.Rank()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (`+msgCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		m.ID, m.ConversationID, m.SenderID, m.SenderUsername, m.Type, m.Content, m.AttachmentURL,
		m.MimeType, m.Metadata, m.Status, m.StatusRank, m.CreatedAt, m.EditedAt, m.Deleted)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrRecordExists.WrapMsg("message", "id", m.ID)
		}
		return errs.WrapMsg(err, "insert message", "id", m.ID)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	rows, _ := s.pool.Query(ctx, `SELECT `+msgCols+` FROM messages WHERE id = $1`, id)
	m, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[model.Message])
	if err != nil {
		return nil, pgNotFound(err, "message", "id", id)
	}
	return m, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID int64, page, size int) ([]*model.Message, error) {
	page, size = normPage(page, size)
	return collectMessages(s.pool.Query(ctx, `
		SELECT `+msgCols+` FROM messages
		WHERE conversation_id = $1 AND NOT deleted
		ORDER BY id DESC LIMIT $2 OFFSET $3`, conversationID, size, page*size))
}

func (s *PostgresStore) ListMessagesAfter(ctx context.Context, conversationID, afterID int64, limit int) ([]*model.Message, error) {
	_, limit = normPage(0, limit)
	return collectMessages(s.pool.Query(ctx, `
		SELECT `+msgCols+` FROM messages
		WHERE conversation_id = $1 AND NOT deleted AND id > $2
		ORDER BY id ASC LIMIT $3`, conversationID, afterID, limit))
}

func (s *PostgresStore) LatestMessage(ctx context.Context, conversationID int64) (*model.Message, error) {
	rows, _ := s.pool.Query(ctx, `
		SELECT `+msgCols+` FROM messages
		WHERE conversation_id = $1 AND NOT deleted
		ORDER BY id DESC LIMIT 1`, conversationID)
	m, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[model.Message])
	if err != nil {
		return nil, pgNotFound(err, "latest message", "conversationId", conversationID)
	}
	return m, nil
}

func (s *PostgresStore) CountUnread(ctx context.Context, conversationID, afterID, userID int64) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = $1 AND NOT deleted AND id > $2 AND sender_id <> $3`,
		conversationID, afterID, userID).Scan(&n)
	if err != nil {
		return 0, errs.WrapMsg(err, "count unread")
	}
	return n, nil
}

func (s *PostgresStore) ListUnreadFor(ctx context.Context, conversationID, readerID int64) ([]*model.Message, error) {
	return collectMessages(s.pool.Query(ctx, `
		SELECT `+msgCols+` FROM messages
		WHERE conversation_id = $1 AND NOT deleted AND sender_id <> $2 AND status_rank < $3
		ORDER BY id ASC`, conversationID, readerID, model.StatusRead.Rank()))
}

func (s *PostgresStore) AdvanceStatus(ctx context.Context, messageID int64, to model.MessageStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET status = $2, status_rank = $3 WHERE id = $1 AND status_rank < $3`,
		messageID, to, to.Rank())
	if err != nil {
		return false, errs.WrapMsg(err, "advance status", "id", messageID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) SoftDeleteConversation(ctx context.Context, conversationID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET deleted = TRUE WHERE conversation_id = $1 AND NOT deleted`, conversationID)
	if err != nil {
		return 0, errs.WrapMsg(err, "soft delete conversation", "conversationId", conversationID)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, messageID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET deleted = TRUE WHERE id = $1 AND NOT deleted`, messageID)
	if err != nil {
		return false, errs.WrapMsg(err, "soft delete message", "id", messageID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) EditMessage(ctx context.Context, messageID int64, content string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET content = $2, edited_at = $3 WHERE id = $1 AND NOT deleted`,
		messageID, content, at)
	if err != nil {
		return errs.WrapMsg(err, "edit message", "id", messageID)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound.WrapMsg("message", "id", messageID)
	}
	return nil
}

// ===== 用户 =====

func (s *PostgresStore) SetLastSeen(ctx context.Context, userID int64, username string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, last_seen_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET username = EXCLUDED.username,
		    last_seen_at = GREATEST(users.last_seen_at, EXCLUDED.last_seen_at)`,
		userID, username, at)
	if err != nil {
		return errs.WrapMsg(err, "set last seen", "userId", userID)
	}
	return nil
}

func (s *PostgresStore) GetLastSeen(ctx context.Context, userID int64) (*time.Time, error) {
	var at *time.Time
	err := s.pool.QueryRow(ctx, `SELECT last_seen_at FROM users WHERE id = $1`, userID).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "get last seen", "userId", userID)
	}
	return at, nil
}

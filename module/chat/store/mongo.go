package store

import (
	"context"
	"time"

	"PChat/module/chat/model"
	"PChat/tools/errs"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoStore struct {
	db       *mongo.Database
	ConvColl *mongo.Collection // conversations
	MemColl  *mongo.Collection // conversation_members
	MsgColl  *mongo.Collection // messages
	UserColl *mongo.Collection // users
}

var _ Store = (*MongoStore)(nil)

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		db:       db,
		ConvColl: db.Collection((&model.Conversation{}).GetTableName()),
		MemColl:  db.Collection((&model.ConversationMember{}).GetTableName()),
		MsgColl:  db.Collection((&model.Message{}).GetTableName()),
		UserColl: db.Collection((&model.User{}).GetTableName()),
	}
}

// EnsureIndexes 幂等建索引，启动时调用
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.MemColl.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
	}); err != nil {
		return errs.WrapMsg(err, "create member indexes")
	}
	if _, err := s.MsgColl.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "deleted", Value: 1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "status_rank", Value: 1}}},
	}); err != nil {
		return errs.WrapMsg(err, "create message indexes")
	}
	if _, err := s.ConvColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "updated_at", Value: -1}},
	}); err != nil {
		return errs.WrapMsg(err, "create conversation indexes")
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

func notFound(err error, what string, kv ...any) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return errs.ErrNotFound.WrapMsg(what, kv...)
	}
	return errs.WrapMsg(err, what, kv...)
}

// ===== 会话 =====

func (s *MongoStore) CreateConversation(ctx context.Context, c *model.Conversation, members []*model.ConversationMember) error {
	if _, err := s.ConvColl.InsertOne(ctx, c); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.ErrRecordExists.WrapMsg("conversation", "id", c.ID)
		}
		return errs.WrapMsg(err, "insert conversation", "id", c.ID)
	}
	if len(members) == 0 {
		return nil
	}
	docs := make([]any, 0, len(members))
	for _, m := range members {
		docs = append(docs, m)
	}
	if _, err := s.MemColl.InsertMany(ctx, docs); err != nil {
		return errs.WrapMsg(err, "insert members", "conversationId", c.ID)
	}
	return nil
}

func (s *MongoStore) GetConversation(ctx context.Context, id int64) (*model.Conversation, error) {
	var c model.Conversation
	if err := s.ConvColl.FindOne(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		return nil, notFound(err, "conversation", "id", id)
	}
	return &c, nil
}

func (s *MongoStore) conversationIDsOf(ctx context.Context, userID int64) ([]int64, error) {
	cur, err := s.MemColl.Find(ctx, bson.M{"user_id": userID},
		options.Find().SetProjection(bson.M{"conversation_id": 1}))
	if err != nil {
		return nil, errs.WrapMsg(err, "find memberships", "userId", userID)
	}
	var rows []model.ConversationMember
	if err := cur.All(ctx, &rows); err != nil {
		return nil, errs.WrapMsg(err, "decode memberships")
	}
	out := make([]int64, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ConversationID)
	}
	return out, nil
}

func (s *MongoStore) ListUserConversations(ctx context.Context, userID int64) ([]*model.Conversation, error) {
	convIDs, err := s.conversationIDsOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(convIDs) == 0 {
		return []*model.Conversation{}, nil
	}
	cur, err := s.ConvColl.Find(ctx, bson.M{"_id": bson.M{"$in": convIDs}},
		options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: -1}}))
	if err != nil {
		return nil, errs.WrapMsg(err, "find conversations", "userId", userID)
	}
	out := make([]*model.Conversation, 0, len(convIDs))
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.WrapMsg(err, "decode conversations")
	}
	return out, nil
}

func (s *MongoStore) FindDirectConversation(ctx context.Context, userA, userB int64) (*model.Conversation, error) {
	convIDs, err := s.conversationIDsOf(ctx, userA)
	if err != nil {
		return nil, err
	}
	if len(convIDs) == 0 {
		return nil, errs.ErrNotFound.WrapMsg("direct conversation", "a", userA, "b", userB)
	}
	cur, err := s.MemColl.Find(ctx, bson.M{
		"user_id":         userB,
		"conversation_id": bson.M{"$in": convIDs},
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "find shared memberships")
	}
	var shared []model.ConversationMember
	if err := cur.All(ctx, &shared); err != nil {
		return nil, errs.WrapMsg(err, "decode shared memberships")
	}
	ids := make([]int64, 0, len(shared))
	for _, m := range shared {
		ids = append(ids, m.ConversationID)
	}
	var c model.Conversation
	err = s.ConvColl.FindOne(ctx, bson.M{
		"_id":  bson.M{"$in": ids},
		"type": model.ConversationDirect,
	}).Decode(&c)
	if err != nil {
		return nil, notFound(err, "direct conversation", "a", userA, "b", userB)
	}
	return &c, nil
}

func (s *MongoStore) TouchConversation(ctx context.Context, id int64, at time.Time) error {
	// $max：并发下 updated_at 只会变大
	res, err := s.ConvColl.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$max": bson.M{"updated_at": at}})
	if err != nil {
		return errs.WrapMsg(err, "touch conversation", "id", id)
	}
	if res.MatchedCount == 0 {
		return errs.ErrNotFound.WrapMsg("conversation", "id", id)
	}
	return nil
}

// ===== 成员 =====

func (s *MongoStore) AddMember(ctx context.Context, m *model.ConversationMember) error {
	if _, err := s.MemColl.InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.ErrRecordExists.WrapMsg("member", "conversationId", m.ConversationID, "userId", m.UserID)
		}
		return errs.WrapMsg(err, "insert member")
	}
	return nil
}

func (s *MongoStore) GetMember(ctx context.Context, conversationID, userID int64) (*model.ConversationMember, error) {
	var m model.ConversationMember
	err := s.MemColl.FindOne(ctx, bson.M{"conversation_id": conversationID, "user_id": userID}).Decode(&m)
	if err != nil {
		return nil, notFound(err, "member", "conversationId", conversationID, "userId", userID)
	}
	return &m, nil
}

func (s *MongoStore) IsMember(ctx context.Context, conversationID, userID int64) (bool, error) {
	n, err := s.MemColl.CountDocuments(ctx, bson.M{"conversation_id": conversationID, "user_id": userID},
		options.Count().SetLimit(1))
	if err != nil {
		return false, errs.WrapMsg(err, "count member")
	}
	return n > 0, nil
}

func (s *MongoStore) ListMembers(ctx context.Context, conversationID int64) ([]*model.ConversationMember, error) {
	cur, err := s.MemColl.Find(ctx, bson.M{"conversation_id": conversationID},
		options.Find().SetSort(bson.M{"joined_at": 1}))
	if err != nil {
		return nil, errs.WrapMsg(err, "find members", "conversationId", conversationID)
	}
	out := make([]*model.ConversationMember, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.WrapMsg(err, "decode members")
	}
	return out, nil
}

func (s *MongoStore) AdvanceReadCursor(ctx context.Context, conversationID, userID, messageID int64) error {
	res, err := s.MemColl.UpdateOne(ctx,
		bson.M{"conversation_id": conversationID, "user_id": userID},
		bson.M{"$max": bson.M{"last_read_message_id": messageID}})
	if err != nil {
		return errs.WrapMsg(err, "advance read cursor")
	}
	if res.MatchedCount == 0 {
		return errs.ErrNotFound.WrapMsg("member", "conversationId", conversationID, "userId", userID)
	}
	return nil
}

// ===== 消息 =====

func (s *MongoStore) CreateMessage(ctx context.Context, m *model.Message) error {
	m.StatusRank = m.Status.Rank()
	if _, err := s.MsgColl.InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.ErrRecordExists.WrapMsg("message", "id", m.ID)
		}
		return errs.WrapMsg(err, "insert message", "id", m.ID)
	}
	return nil
}

func (s *MongoStore) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	var m model.Message
	if err := s.MsgColl.FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		return nil, notFound(err, "message", "id", id)
	}
	return &m, nil
}

func (s *MongoStore) findMessages(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*model.Message, error) {
	cur, err := s.MsgColl.Find(ctx, filter, opts)
	if err != nil {
		return nil, errs.WrapMsg(err, "find messages")
	}
	out := make([]*model.Message, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.WrapMsg(err, "decode messages")
	}
	return out, nil
}

func (s *MongoStore) ListMessages(ctx context.Context, conversationID int64, page, size int) ([]*model.Message, error) {
	page, size = normPage(page, size)
	return s.findMessages(ctx,
		bson.M{"conversation_id": conversationID, "deleted": false},
		options.Find().SetSort(bson.M{"_id": -1}).SetSkip(int64(page*size)).SetLimit(int64(size)))
}

func (s *MongoStore) ListMessagesAfter(ctx context.Context, conversationID, afterID int64, limit int) ([]*model.Message, error) {
	_, limit = normPage(0, limit)
	return s.findMessages(ctx,
		bson.M{"conversation_id": conversationID, "deleted": false, "_id": bson.M{"$gt": afterID}},
		options.Find().SetSort(bson.M{"_id": 1}).SetLimit(int64(limit)))
}

func (s *MongoStore) LatestMessage(ctx context.Context, conversationID int64) (*model.Message, error) {
	var m model.Message
	err := s.MsgColl.FindOne(ctx,
		bson.M{"conversation_id": conversationID, "deleted": false},
		options.FindOne().SetSort(bson.M{"_id": -1})).Decode(&m)
	if err != nil {
		return nil, notFound(err, "latest message", "conversationId", conversationID)
	}
	return &m, nil
}

func (s *MongoStore) CountUnread(ctx context.Context, conversationID, afterID, userID int64) (int64, error) {
	n, err := s.MsgColl.CountDocuments(ctx, bson.M{
		"conversation_id": conversationID,
		"deleted":         false,
		"_id":             bson.M{"$gt": afterID},
		"sender_id":       bson.M{"$ne": userID},
	})
	if err != nil {
		return 0, errs.WrapMsg(err, "count unread")
	}
	return n, nil
}

func (s *MongoStore) ListUnreadFor(ctx context.Context, conversationID, readerID int64) ([]*model.Message, error) {
	return s.findMessages(ctx, bson.M{
		"conversation_id": conversationID,
		"deleted":         false,
		"sender_id":       bson.M{"$ne": readerID},
		"status_rank":     bson.M{"$lt": model.StatusRead.Rank()},
	}, options.Find().SetSort(bson.M{"_id": 1}))
}

func (s *MongoStore) AdvanceStatus(ctx context.Context, messageID int64, to model.MessageStatus) (bool, error) {
	// 条件更新：只在变大时写，重复/乱序的回执自然落空
	res, err := s.MsgColl.UpdateOne(ctx,
		bson.M{"_id": messageID, "status_rank": bson.M{"$lt": to.Rank()}},
		bson.M{"$set": bson.M{"status": to, "status_rank": to.Rank()}})
	if err != nil {
		return false, errs.WrapMsg(err, "advance status", "id", messageID)
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStore) SoftDeleteConversation(ctx context.Context, conversationID int64) (int64, error) {
	res, err := s.MsgColl.UpdateMany(ctx,
		bson.M{"conversation_id": conversationID, "deleted": false},
		bson.M{"$set": bson.M{"deleted": true}})
	if err != nil {
		return 0, errs.WrapMsg(err, "soft delete conversation", "conversationId", conversationID)
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) SoftDeleteMessage(ctx context.Context, messageID int64) (bool, error) {
	res, err := s.MsgColl.UpdateOne(ctx,
		bson.M{"_id": messageID, "deleted": false},
		bson.M{"$set": bson.M{"deleted": true}})
	if err != nil {
		return false, errs.WrapMsg(err, "soft delete message", "id", messageID)
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStore) EditMessage(ctx context.Context, messageID int64, content string, at time.Time) error {
	res, err := s.MsgColl.UpdateOne(ctx,
		bson.M{"_id": messageID, "deleted": false},
		bson.M{"$set": bson.M{"content": content, "edited_at": at}})
	if err != nil {
		return errs.WrapMsg(err, "edit message", "id", messageID)
	}
	if res.MatchedCount == 0 {
		return errs.ErrNotFound.WrapMsg("message", "id", messageID)
	}
	return nil
}

// ===== 用户 =====

func (s *MongoStore) SetLastSeen(ctx context.Context, userID int64, username string, at time.Time) error {
	_, err := s.UserColl.UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{
			"$max": bson.M{"last_seen_at": at},
			"$set": bson.M{"username": username},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return errs.WrapMsg(err, "set last seen", "userId", userID)
	}
	return nil
}

func (s *MongoStore) GetLastSeen(ctx context.Context, userID int64) (*time.Time, error) {
	var u model.User
	err := s.UserColl.FindOne(ctx, bson.M{"_id": userID}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "get last seen", "userId", userID)
	}
	return u.LastSeenAt, nil
}

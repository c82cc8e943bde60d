package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"PChat/middleware"
	midsec "PChat/middleware/security"
	"PChat/module/chat/model"
	"PChat/module/chat/store"
	"PChat/module/conversation"
	"PChat/module/delivery"
	"PChat/module/mailbox"
	"PChat/module/presence"
	"PChat/module/receipt"
	"PChat/service/audit"
	"PChat/service/bus"
	"PChat/service/chat"
	"PChat/service/storage"
	"PChat/service/transport"
	"PChat/tools/errs"
	"PChat/tools/ids"
	"PChat/tools/security"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

var secret = []byte("handler-test-secret")

type fixture struct {
	engine *gin.Engine
	st     *store.MemoryStore
	tr     *transport.Recorder
	box    *mailbox.Mailbox
	reg    *presence.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	require.NoError(t, RegisterValidators())

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	keys := storage.NewKeys("chat:")
	f := &fixture{st: store.NewMemoryStore(), tr: transport.NewRecorder()}
	pub := bus.NewPublisher(bus.NewMemoryHub().Bus(), "node-a", time.Second)
	rec := &audit.Recorder{}
	gen := ids.NewGenerator(1)
	locks := storage.NewKeyedMutex()

	f.box = mailbox.New(storage.NewMailboxStore(rdb, keys, mailbox.DefaultRetention), storage.NewLease(rdb), keys, f.tr, time.Minute)
	f.reg = presence.NewRegistry("node-a", storage.NewPresenceStore(rdb, keys, time.Minute), f.st, f.tr, pub, rec, f.box)
	hub := chat.NewHub(chat.Config{})
	t.Cleanup(func() { _ = hub.Close(context.Background()) })

	h := &Handler{
		Pipeline: delivery.NewPipeline(delivery.Deps{
			Store: f.st, Tr: f.tr, Pub: pub, Presence: f.reg, Mailbox: f.box, Audit: rec, Locks: locks, IDs: gen,
		}),
		Receipts:      receipt.NewTracker(f.st, f.tr, pub, storage.NewReceiptCache(rdb, keys, time.Hour), rec, locks),
		Conversations: conversation.NewService(f.st, f.reg, gen),
		Presence:      f.reg,
		Hub:           hub,
	}
	f.engine = gin.New()
	h.Register(middleware.NewRoutes(f.engine, midsec.Middleware(midsec.DefaultOptions(secret))))
	return f
}

func token(t *testing.T, uid int64, name string) string {
	t.Helper()
	tok, _, err := security.Generate(security.DefaultOptions(secret), uid, name)
	require.NoError(t, err)
	return tok
}

type result struct {
	Status int
	Code   int             `json:"code"`
	Data   json.RawMessage `json:"data"`
}

func (f *fixture) do(t *testing.T, method, path, tok string, body any) result {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)

	var r result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &r), w.Body.String())
	r.Status = w.Code
	return r
}

func TestHealthzNeedsNoToken(t *testing.T) {
	f := newFixture(t)
	r := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, r.Status)
}

func TestRejectsMissingToken(t *testing.T) {
	f := newFixture(t)
	r := f.do(t, http.MethodGet, "/api/conversations", "", nil)
	require.Equal(t, http.StatusUnauthorized, r.Status)
	require.Equal(t, errs.TokenMissingError, r.Code)
}

func TestSendReadFlow(t *testing.T) {
	f := newFixture(t)
	alice, bob := token(t, 1, "alice"), token(t, 2, "bob")

	r := f.do(t, http.MethodPost, "/api/conversations/direct", alice,
		CreateDirectReq{PeerID: 2, PeerUsername: "bob"})
	require.Equal(t, http.StatusOK, r.Status)
	var conv model.Conversation
	require.NoError(t, json.Unmarshal(r.Data, &conv))
	base := "/api/conversations/" + strconv.FormatInt(conv.ID, 10)

	// bob 不在线，消息进信箱
	r = f.do(t, http.MethodPost, base+"/messages", alice, SendMessageReq{Type: "TEXT", Content: "hello"})
	require.Equal(t, http.StatusOK, r.Status)
	var msg model.Message
	require.NoError(t, json.Unmarshal(r.Data, &msg))
	require.Equal(t, model.StatusSent, msg.Status)
	require.Len(t, f.tr.OnTopic(transport.ConversationTopic(conv.ID)), 1)

	n, err := f.box.Size(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	r = f.do(t, http.MethodGet, base+"/messages?page=0&size=10", bob, nil)
	require.Equal(t, http.StatusOK, r.Status)
	var page []*model.Message
	require.NoError(t, json.Unmarshal(r.Data, &page))
	require.Len(t, page, 1)

	msgPath := "/api/messages/" + strconv.FormatInt(msg.ID, 10) + "/status"
	r = f.do(t, http.MethodPut, msgPath, bob, StatusReq{Status: "READ"})
	require.Equal(t, http.StatusOK, r.Status)

	// 回退无效果
	r = f.do(t, http.MethodPut, msgPath, bob, StatusReq{Status: "DELIVERED"})
	require.Equal(t, http.StatusOK, r.Status)
	require.JSONEq(t, `{"advanced":false}`, string(r.Data))

	r = f.do(t, http.MethodGet, msgPath, alice, nil)
	require.Equal(t, http.StatusOK, r.Status)
	var st struct {
		Status model.MessageStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(r.Data, &st))
	require.Equal(t, model.StatusRead, st.Status)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)
	alice, mallory := token(t, 1, "alice"), token(t, 9, "mallory")

	r := f.do(t, http.MethodPost, "/api/conversations/direct", alice,
		CreateDirectReq{PeerID: 2, PeerUsername: "bob"})
	require.Equal(t, http.StatusOK, r.Status)
	var conv model.Conversation
	require.NoError(t, json.Unmarshal(r.Data, &conv))
	base := "/api/conversations/" + strconv.FormatInt(conv.ID, 10)

	r = f.do(t, http.MethodPost, base+"/messages", alice, SendMessageReq{Type: "VIDEO", Content: "x"})
	require.Equal(t, http.StatusBadRequest, r.Status)
	require.Equal(t, errs.ArgsError, r.Code)

	r = f.do(t, http.MethodPost, base+"/messages", mallory, SendMessageReq{Type: "TEXT", Content: "x"})
	require.Equal(t, http.StatusForbidden, r.Status)

	r = f.do(t, http.MethodPost, "/api/conversations/424242/messages", alice, SendMessageReq{Type: "TEXT", Content: "x"})
	require.Equal(t, http.StatusNotFound, r.Status)

	r = f.do(t, http.MethodGet, "/api/conversations/abc", alice, nil)
	require.Equal(t, http.StatusBadRequest, r.Status)

	// 单聊不能加人
	r = f.do(t, http.MethodPost, base+"/members", alice, MemberDTO{UserID: 3, Username: "carol"})
	require.Equal(t, http.StatusConflict, r.Status)

	r = f.do(t, http.MethodPost, base+"/typing", alice, map[string]any{})
	require.Equal(t, http.StatusBadRequest, r.Status)
}

func TestPresenceEndpoints(t *testing.T) {
	f := newFixture(t)
	alice := token(t, 1, "alice")

	r := f.do(t, http.MethodPost, "/api/presence/heartbeat", alice, nil)
	require.Equal(t, http.StatusOK, r.Status)
	require.JSONEq(t, `{"online":false,"refreshed":0}`, string(r.Data))

	f.reg.OnConnect(context.Background(), 1, "alice", "c1")

	// 连接不在本实例上：不续期，但仍报告在线
	r = f.do(t, http.MethodPost, "/api/presence/heartbeat", alice, nil)
	require.Equal(t, http.StatusOK, r.Status)
	require.JSONEq(t, `{"online":true,"refreshed":0}`, string(r.Data))

	r = f.do(t, http.MethodGet, "/api/presence/online", alice, nil)
	require.Equal(t, http.StatusOK, r.Status)
	require.JSONEq(t, `[1]`, string(r.Data))

	r = f.do(t, http.MethodGet, "/api/presence/users/1", alice, nil)
	require.Equal(t, http.StatusOK, r.Status)
	var p model.Presence
	require.NoError(t, json.Unmarshal(r.Data, &p))
	require.True(t, p.Online)
}

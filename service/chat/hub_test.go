package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"PChat/service/transport"
	"PChat/tools/errs"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type recListener struct {
	mu       sync.Mutex
	events   []string
	sessions map[string]bool // 当前登记的 connId
}

func (l *recListener) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *recListener) OnConnect(_ context.Context, _ int64, username, connID string) {
	l.add("on:" + username)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sessions == nil {
		l.sessions = make(map[string]bool)
	}
	l.sessions[connID] = true
}

func (l *recListener) OnDisconnect(_ context.Context, _ int64, username, connID string) {
	l.add("off:" + username)
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, connID)
}

func (l *recListener) Heartbeat(_ context.Context, _ int64, connID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessions[connID]
}

func (l *recListener) live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

func (l *recListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func newTestHub(t *testing.T) (*Hub, *recListener, string) {
	t.Helper()
	h := NewHub(Config{})
	l := &recListener{}
	h.SetListener(l)
	h.SetGuard(func(_ context.Context, _ int64, topic string) bool {
		return !strings.HasSuffix(topic, "/secret")
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, _ := strconv.ParseInt(r.URL.Query().Get("uid"), 10, 64)
		h.ServeWS(w, r, uid, r.URL.Query().Get("name"))
	}))
	t.Cleanup(srv.Close)
	return h, l, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, base string, uid int64, name string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(base+"/?uid="+strconv.FormatInt(uid, 10)+"&name="+name, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	f := readFrame(t, ws)
	require.Equal(t, FrameConnected, f.Type)
	return ws
}

type inFrame struct {
	Type        string          `json:"type"`
	Destination string          `json:"destination"`
	Payload     json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, ws *websocket.Conn) inFrame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var f inFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func writeFrame(t *testing.T, ws *websocket.Conn, f ClientFrame) {
	t.Helper()
	b, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, b))
}

// 订阅是异步生效的，用 PING/PONG 做屏障
func barrier(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	writeFrame(t, ws, ClientFrame{Type: FramePing})
	require.Equal(t, FramePong, readFrame(t, ws).Type)
}

func TestHubTopicBroadcast(t *testing.T) {
	h, _, base := newTestHub(t)
	a := dial(t, base, 1, "alice")
	b := dial(t, base, 2, "bob")

	topic := transport.ConversationTopic(7)
	writeFrame(t, a, ClientFrame{Type: FrameSubscribe, Destination: topic})
	barrier(t, a)

	require.NoError(t, h.BroadcastToTopic(context.Background(), topic, map[string]string{"content": "hi"}))
	f := readFrame(t, a)
	require.Equal(t, FrameMessage, f.Type)
	require.Equal(t, topic, f.Destination)
	require.JSONEq(t, `{"content":"hi"}`, string(f.Payload))

	// bob 没订阅，收不到；下一个帧是 PONG
	barrier(t, b)

	writeFrame(t, a, ClientFrame{Type: FrameUnsubscribe, Destination: topic})
	barrier(t, a)
	require.NoError(t, h.BroadcastToTopic(context.Background(), topic, "again"))
	barrier(t, a)
}

func TestHubSubscriptionGuard(t *testing.T) {
	_, _, base := newTestHub(t)
	a := dial(t, base, 1, "alice")
	writeFrame(t, a, ClientFrame{Type: FrameSubscribe, Destination: "/topic/secret"})
	require.Equal(t, FrameError, readFrame(t, a).Type)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("garbage")))
	require.Equal(t, FrameError, readFrame(t, a).Type)
}

func TestHubSendToUserAllDevices(t *testing.T) {
	h, _, base := newTestHub(t)
	a1 := dial(t, base, 1, "alice")
	a2 := dial(t, base, 1, "alice")

	require.NoError(t, h.SendToUser(context.Background(), "alice", transport.QueueMessageStatus, map[string]int{"messageId": 5}))
	for _, ws := range []*websocket.Conn{a1, a2} {
		f := readFrame(t, ws)
		require.Equal(t, "/user/queue/message-status", f.Destination)
	}

	err := h.SendToUser(context.Background(), "nobody", transport.QueueMessageStatus, nil)
	require.ErrorIs(t, err, transport.ErrNoSession)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestHubConnectCallbacksPerConnection(t *testing.T) {
	h, l, base := newTestHub(t)
	a1 := dial(t, base, 1, "alice")
	a2 := dial(t, base, 1, "alice")
	require.Eventually(t, func() bool { return l.live() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a1.Close())
	require.Eventually(t, func() bool { return l.live() == 1 }, 2*time.Second, 10*time.Millisecond)
	conns, _, _ := h.Stats()
	require.Equal(t, 1, conns)

	// 剩下那条连接的心跳仍然有效
	writeFrame(t, a2, ClientFrame{Type: FramePing})
	f := readFrame(t, a2)
	require.Equal(t, FramePong, f.Type)
	require.JSONEq(t, `{"online":true}`, string(f.Payload))

	require.NoError(t, a2.Close())
	require.Eventually(t, func() bool { return l.live() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.ElementsMatch(t, []string{"on:alice", "on:alice", "off:alice", "off:alice"}, l.snapshot())

	_, users, _ := h.Stats()
	require.Zero(t, users)
}

// 断开和重连交错：旧连接的断开回调不会摘掉新连接的会话
func TestHubReconnectWhileDisconnecting(t *testing.T) {
	_, l, base := newTestHub(t)
	for i := 0; i < 10; i++ {
		old := dial(t, base, 1, "alice")
		require.NoError(t, old.Close())
		cur := dial(t, base, 1, "alice")

		writeFrame(t, cur, ClientFrame{Type: FramePing})
		f := readFrame(t, cur)
		require.Equal(t, FramePong, f.Type)
		require.JSONEq(t, `{"online":true}`, string(f.Payload))
		require.Eventually(t, func() bool { return l.live() == 1 }, 2*time.Second, 10*time.Millisecond)
		require.NoError(t, cur.Close())
		require.Eventually(t, func() bool { return l.live() == 0 }, 2*time.Second, 10*time.Millisecond)
	}
}

func TestHubCloseWaitsForDisconnectCallbacks(t *testing.T) {
	h, l, base := newTestHub(t)
	dial(t, base, 1, "alice")
	dial(t, base, 2, "bob")
	require.Eventually(t, func() bool { return l.live() == 2 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Close(ctx))
	// Close 返回时断开回调已经全部执行
	require.Zero(t, l.live())
	require.NoError(t, h.Close(ctx))

	_, _, err := websocket.DefaultDialer.Dial(base+"/?uid=3&name=carol", nil)
	require.Error(t, err)
}

func TestRegistryEvictsOldest(t *testing.T) {
	r := NewRegistry()
	old := NewClient("c1", 1, "alice", nil, 1)
	old.CreatedAt = time.Now().Add(-time.Minute)
	first, evicted := r.add(old, 1)
	require.True(t, first)
	require.Empty(t, evicted)

	cur := NewClient("c2", 1, "alice", nil, 1)
	first, evicted = r.add(cur, 1)
	require.False(t, first)
	require.Equal(t, []*Client{old}, evicted)

	r.subscribe(cur, "/topic/x")
	require.Len(t, r.listByTopic("/topic/x"), 1)
	require.False(t, r.remove(old))
	require.True(t, r.remove(cur))
	require.Empty(t, r.listByTopic("/topic/x"))
	require.False(t, r.remove(cur))
}

func TestFanoutSlowClient(t *testing.T) {
	f := NewFanout(true)
	c := NewClient("c1", 1, "alice", nil, 1)
	require.Equal(t, 1, f.Deliver([]*Client{c}, []byte("a")))
	require.Equal(t, 0, f.Deliver([]*Client{c}, []byte("b")))
	require.Equal(t, int64(1), f.Dropped())
	require.True(t, c.isClosed())
	require.Equal(t, 0, f.Deliver([]*Client{c}, []byte("c")))
	require.Equal(t, int64(1), f.Dropped())
}

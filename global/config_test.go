package global

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"PChat/global/config"
	"PChat/module/chat/model"
	"PChat/service/transport"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func memoryConf(t *testing.T) *config.AppConfig {
	t.Helper()
	mr := miniredis.RunT(t)
	conf := config.Global
	conf.NodeID = "node-test"
	conf.SnowflakeNode = 3
	conf.StoreDriver = config.StoreMemory
	conf.BusDriver = config.BusMemory
	conf.Kafka.EventsEnabled = false
	conf.Kafka.ConsumerEnabled = false
	conf.Redis.Addr = mr.Addr()
	return &conf
}

func TestBootstrapMemory(t *testing.T) {
	ctx := context.Background()
	app, err := Bootstrap(ctx, memoryConf(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	require.NotNil(t, app.Registry)

	require.NoError(t, app.Store.CreateConversation(ctx,
		&model.Conversation{ID: 5, Type: model.ConversationDirect, CreatedBy: 1},
		[]*model.ConversationMember{{ConversationID: 5, UserID: 1, Username: "alice"}}))

	require.True(t, app.subscribeGuard(ctx, 1, transport.ConversationTopic(5)))
	require.True(t, app.subscribeGuard(ctx, 1, transport.TypingTopic(5)))
	require.False(t, app.subscribeGuard(ctx, 2, transport.ConversationTopic(5)))
	require.True(t, app.subscribeGuard(ctx, 2, transport.TopicPresence))

	engine, err := app.Engine()
	require.NoError(t, err)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestBootstrapFailsWithoutRedis(t *testing.T) {
	conf := memoryConf(t)
	conf.Redis.Addr = "127.0.0.1:1"
	_, err := Bootstrap(context.Background(), conf)
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	app, err := Bootstrap(context.Background(), memoryConf(t))
	require.NoError(t, err)
	require.NoError(t, app.Close(context.Background()))
	require.NoError(t, app.Close(context.Background()))
}

// 先断连接，再排空两个队列，最后才关总线和存储
func TestShutdownOrder(t *testing.T) {
	app, err := Bootstrap(context.Background(), memoryConf(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	var order []string
	for i := len(app.closers) - 1; i >= 0; i-- {
		order = append(order, app.closers[i].name)
	}
	require.Equal(t, []string{"hub", "bus-publish", "worker", "bus", "store", "redis"}, order)
}

func TestOriginAllowed(t *testing.T) {
	require.True(t, originAllowed([]string{"*"}, "https://a.example"))
	require.True(t, originAllowed([]string{"https://a.example"}, ""))
	require.True(t, originAllowed([]string{"https://a.example"}, "https://a.example"))
	require.False(t, originAllowed([]string{"https://a.example"}, "https://b.example"))
}

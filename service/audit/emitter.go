package audit

import (
	"context"
	"encoding/json"
	"time"

	"PChat/logger"
	"PChat/service/kafka"
	"PChat/service/worker"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

type Emitter interface {
	// Emit 不阻塞调用方，不返回错误
	Emit(ctx context.Context, e Event)
}

// Noop 关闭审计时使用
type Noop struct{}

func (Noop) Emit(context.Context, Event) {}

type Topics struct {
	Message string // chat.message.events
	User    string // chat.user.events
}

// KafkaEmitter 在 worker 池里同步发送，带超时
type KafkaEmitter struct {
	producer sarama.SyncProducer
	topics   Topics
	pool     *worker.Pool
	timeout  time.Duration
}

func NewKafkaEmitter(p sarama.SyncProducer, topics Topics, pool *worker.Pool, timeout time.Duration) *KafkaEmitter {
	return &KafkaEmitter{producer: p, topics: topics, pool: pool, timeout: timeout}
}

func (k *KafkaEmitter) topic(e Event) string {
	switch e.(type) {
	case MessageEvent:
		return k.topics.Message
	case PresenceEvent:
		return k.topics.User
	}
	return ""
}

func (k *KafkaEmitter) Emit(_ context.Context, e Event) {
	if k.pool == nil {
		k.send(context.Background(), e)
		return
	}
	if !k.pool.TrySubmit(func(ctx context.Context) { k.send(ctx, e) }) {
		logger.Warn("[audit] event dropped", zap.String("type", string(e.Type())))
	}
}

func (k *KafkaEmitter) send(ctx context.Context, e Event) {
	if k.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}
	b, err := json.Marshal(e)
	if err != nil {
		logger.Error("[audit] marshal event", zap.String("type", string(e.Type())), zap.Error(err))
		return
	}
	topic := k.topic(e)
	if _, _, err := kafka.SendSync(ctx, k.producer, topic, e.Key(), b); err != nil {
		logger.Warn("[audit] publish failed", zap.String("topic", topic), zap.String("type", string(e.Type())), zap.Error(err))
		return
	}
	logger.Debug("[audit] published", zap.String("topic", topic), zap.String("type", string(e.Type())))
}

func (k *KafkaEmitter) Close() error {
	return k.producer.Close()
}

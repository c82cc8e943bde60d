package kafka

import (
	"context"

	"PChat/tools/errs"

	"github.com/Shopify/sarama"
)

// NewSyncProducer 同步生产者，hash 分区
func NewSyncProducer(c Config) (sarama.SyncProducer, error) {
	p, err := sarama.NewSyncProducer(c.Brokers, BuildBaseConfig(c))
	if err != nil {
		return nil, errs.Dependency(err, "kafka producer", "brokers", c.Brokers)
	}
	return p, nil
}

// SendSync 发送并等待 ack；ctx 已结束则不发
func SendSync(ctx context.Context, p sarama.SyncProducer, topic, key string, value []byte) (int32, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	partition, offset, err := p.SendMessage(msg)
	if err != nil {
		return 0, 0, errs.Dependency(err, "kafka send", "topic", topic, "key", key)
	}
	return partition, offset, nil
}

package kafka

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"
)

// Config 由 global/config 的 Kafka 段转换而来
type Config struct {
	Brokers               []string
	GroupID               string
	ClientID              string
	PartitionsPerTopic    int32 // 单机=8
	ReplicationFactor     int16 // 单机=1；生产=3
	ProducerRetries       int
	ProducerCompression   string // none/snappy/lz4/zstd
	ConsumerInitialOffset string // newest/oldest
	KafkaVersion          sarama.KafkaVersion
}

func (c *Config) setDefaults() {
	if c.ProducerRetries <= 0 {
		c.ProducerRetries = 5
	}
	if c.PartitionsPerTopic <= 0 {
		c.PartitionsPerTopic = 8
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.KafkaVersion == (sarama.KafkaVersion{}) {
		c.KafkaVersion = sarama.V2_1_0_0
	}
	if c.ClientID == "" {
		c.ClientID = "pchat"
	}
}

func BuildBaseConfig(c Config) *sarama.Config {
	c.setDefaults()
	cfg := sarama.NewConfig()
	cfg.Version = c.KafkaVersion
	cfg.ClientID = c.ClientID

	// Producer
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = c.ProducerRetries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // Key 控制分区：同一消息/用户的事件有序
	cfg.Producer.Compression = compression(c.ProducerCompression)

	// Consumer
	switch strings.ToLower(c.ConsumerInitialOffset) {
	case "oldest":
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	// Net
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

func compression(v string) sarama.CompressionCodec {
	switch strings.ToLower(v) {
	case "snappy":
		return sarama.CompressionSnappy
	case "lz4":
		return sarama.CompressionLZ4
	case "zstd":
		return sarama.CompressionZSTD
	default:
		return sarama.CompressionNone
	}
}

package config

import "time"

const (
	StoreMongo    = "mongo"
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	BusNats   = "nats"
	BusRedis  = "redis"
	BusMemory = "memory"
)

type AppConfig struct {
	NodeID        string   `envconfig:"NODE_ID" validate:"required"` // 节点ID，总线去重用
	SnowflakeNode int64    `envconfig:"SNOWFLAKE_NODE" validate:"gte=0,lte=1023"`
	Port          int      `envconfig:"HTTP_PORT" validate:"gt=0"` // http 启动端口
	LogLevel      string   `envconfig:"LOG_LEVEL"`
	JwtSecret     string   `envconfig:"JWT_SECRET" validate:"required"`
	CORSOrigins   []string `envconfig:"CORS_ORIGINS"`

	StoreDriver string `envconfig:"STORE_DRIVER" validate:"oneof=mongo postgres memory"`
	BusDriver   string `envconfig:"BUS_DRIVER" validate:"oneof=nats redis memory"`

	// 旁路（总线/审计）调用的超时，超时即放弃并记日志
	SideChannelTimeout time.Duration `envconfig:"SIDE_CHANNEL_TIMEOUT" validate:"gt=0"`

	Redis    RedisSection    `envconfig:"REDIS"`
	Mongo    MongoSection    `envconfig:"MONGO"`
	Postgres PostgresSection `envconfig:"PG"`
	Nats     NatsSection     `envconfig:"NATS"`
	Kafka    KafkaSection    `envconfig:"KAFKA"`
	Presence PresenceSection `envconfig:"PRESENCE"`
	Mailbox  MailboxSection  `envconfig:"MAILBOX"`
	Receipt  ReceiptSection  `envconfig:"RECEIPT"`
	Worker   WorkerSection   `envconfig:"WORKER"`
	WS       WSSection       `envconfig:"WS"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
}

type RedisSection struct {
	Addr      string `envconfig:"ADDR" validate:"required"`
	Password  string `envconfig:"PASSWORD"`
	DB        int    `envconfig:"DB"`
	PoolSize  int    `envconfig:"POOL_SIZE"`
	KeyPrefix string `envconfig:"KEY_PREFIX"` // 所有 key 的前缀，多套环境共用一个 redis 时区分
	Channel   string `envconfig:"CHANNEL"`    // redis 总线使用的 pub/sub 频道
}

type MongoSection struct {
	Uri         string `envconfig:"URI"`
	Database    string `envconfig:"DATABASE"`
	Username    string `envconfig:"USERNAME"`
	Password    string `envconfig:"PASSWORD"`
	MaxPoolSize int    `envconfig:"MAX_POOL_SIZE"`
}

type PostgresSection struct {
	DSN      string `envconfig:"DSN"`
	MaxConns int32  `envconfig:"MAX_CONNS"`
}

type NatsSection struct {
	Servers  []string `envconfig:"SERVERS"`
	Name     string   `envconfig:"NAME"`
	User     string   `envconfig:"USER"`
	Password string   `envconfig:"PASSWORD"`
	Subject  string   `envconfig:"SUBJECT"` // 总线 subject 前缀
}

type KafkaSection struct {
	EventsEnabled    bool     `envconfig:"EVENTS_ENABLED"` // 审计事件开关，关闭时使用 Noop
	ConsumerEnabled  bool     `envconfig:"CONSUMER_ENABLED"`
	Brokers          []string `envconfig:"BROKERS"`
	MessageTopic     string   `envconfig:"MESSAGE_TOPIC"`
	UserTopic        string   `envconfig:"USER_TOPIC"`
	GroupID          string   `envconfig:"GROUP_ID"`
	Compression      string   `envconfig:"COMPRESSION"` // none/snappy/lz4/zstd
	AutoCreateTopics bool     `envconfig:"AUTO_CREATE_TOPICS"`
	Partitions       int32    `envconfig:"PARTITIONS"`
	Replication      int16    `envconfig:"REPLICATION"`
}

type PresenceSection struct {
	TTL time.Duration `envconfig:"TTL" validate:"gt=0"` // 在线会话自愈过期时间
}

type MailboxSection struct {
	TTL        time.Duration `envconfig:"TTL" validate:"gt=0"`         // 每次追加都会刷新
	DrainLease time.Duration `envconfig:"DRAIN_LEASE" validate:"gt=0"` // 单用户投递租约
}

type ReceiptSection struct {
	CacheTTL time.Duration `envconfig:"CACHE_TTL" validate:"gt=0"`
}

type WorkerSection struct {
	Size  int `envconfig:"SIZE" validate:"gt=0"`
	Queue int `envconfig:"QUEUE" validate:"gt=0"`
}

type WSSection struct {
	SendQueue  int           `envconfig:"SEND_QUEUE"`
	MaxPerUser int           `envconfig:"MAX_PER_USER"` // <=0 不限
	EvictSlow  bool          `envconfig:"EVICT_SLOW"`
	PongWait   time.Duration `envconfig:"PONG_WAIT"`
}

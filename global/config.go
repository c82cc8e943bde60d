// Package global 进程装配：按配置连接依赖、构建各业务模块，并按相反顺序关闭。
package global

import (
	"context"
	"net/http"

	"PChat/data/database/mgo/mongoutil"
	"PChat/data/database/pg/pgutil"
	"PChat/global/config"
	"PChat/logger"
	"PChat/module/chat/store"
	"PChat/module/conversation"
	"PChat/module/delivery"
	"PChat/module/mailbox"
	"PChat/module/presence"
	"PChat/module/receipt"
	"PChat/service/audit"
	"PChat/service/bus"
	"PChat/service/chat"
	"PChat/service/kafka"
	"PChat/service/natsx"
	"PChat/service/storage"
	rds "PChat/service/storage/redis"
	"PChat/service/transport"
	"PChat/service/worker"
	"PChat/tools/errs"
	"PChat/tools/ids"
	"PChat/tools/safe"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App 一个实例上所有长生命周期组件
type App struct {
	Conf *config.AppConfig

	Redis   *redis.Client
	Store   store.Store
	Bus     bus.Bus
	Pool    *worker.Pool // 审计等旁路任务
	BusPool *worker.Pool // 总线发布，单 worker 保序
	Hub     *chat.Hub
	Emitter audit.Emitter

	Registry      *presence.Registry
	Mailbox       *mailbox.Mailbox
	Pipeline      *delivery.Pipeline
	Receipts      *receipt.Tracker
	Conversations *conversation.Service

	closers []closer // 逆序执行
	cancel  context.CancelFunc
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// Bootstrap 依赖任一不可用直接返回错误，已建立的连接会被释放
func Bootstrap(ctx context.Context, conf *config.AppConfig) (app *App, err error) {
	logger.SetLevel(conf.LogLevel)
	runCtx, cancel := context.WithCancel(context.Background())
	app = &App{Conf: conf, cancel: cancel}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
			app = nil
		}
	}()

	if err = app.configRedis(ctx); err != nil {
		return
	}
	if err = app.configStore(ctx); err != nil {
		return
	}
	if err = app.configBus(); err != nil {
		return
	}
	app.configPool()
	err = app.configKafka(runCtx)
	// 在 producer 之后登记：逆序关闭时先排空队列，再关 producer 和总线
	app.onClose("worker", app.Pool.Close)
	app.onClose("bus-publish", app.BusPool.Close)
	if err != nil {
		return
	}
	app.configModules()
	if err = bus.NewBridge(conf.NodeID, app.Hub).Start(runCtx, app.Bus); err != nil {
		return
	}
	logger.Info("[boot] ready", zap.String("node", conf.NodeID),
		zap.String("store", conf.StoreDriver), zap.String("bus", conf.BusDriver))
	return app, nil
}

func (a *App) onClose(name string, f func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: f})
}

func (a *App) configRedis(ctx context.Context) error {
	c := a.Conf.Redis
	rdb, err := rds.NewClient(ctx, rds.Config{Addr: c.Addr, Password: c.Password, DB: c.DB, PoolSize: c.PoolSize})
	if err != nil {
		return err
	}
	a.Redis = rdb
	a.onClose("redis", func(context.Context) error { return rdb.Close() })
	return nil
}

func (a *App) configStore(ctx context.Context) error {
	switch a.Conf.StoreDriver {
	case config.StoreMemory:
		a.Store = store.NewMemoryStore()
	case config.StorePostgres:
		pool, err := pgutil.NewPool(ctx, &pgutil.Config{DSN: a.Conf.Postgres.DSN, MaxConns: a.Conf.Postgres.MaxConns})
		if err != nil {
			return err
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close(ctx)
			return err
		}
		a.Store = pg
	default:
		m := a.Conf.Mongo
		cli, err := mongoutil.NewMongoDB(ctx, &mongoutil.Config{
			Uri: m.Uri, Database: m.Database, Username: m.Username, Password: m.Password, MaxPoolSize: m.MaxPoolSize,
		})
		if err != nil {
			return err
		}
		ms := store.NewMongoStore(cli.GetDB())
		if err := ms.EnsureIndexes(ctx); err != nil {
			_ = ms.Close(ctx)
			return err
		}
		a.Store = ms
	}
	a.onClose("store", a.Store.Close)
	return nil
}

func (a *App) configBus() error {
	switch a.Conf.BusDriver {
	case config.BusMemory:
		a.Bus = bus.NewMemoryHub().Bus()
	case config.BusNats:
		n := a.Conf.Nats
		mgr, err := natsx.NewNatsManager(natsx.NatsxConfig{
			Servers: n.Servers, Name: n.Name, User: n.User, Password: n.Password,
		}, natsx.NatsxRecover())
		if err != nil {
			return err
		}
		b, err := bus.NewNatsBus(mgr, n.Subject)
		if err != nil {
			_ = mgr.Close()
			return err
		}
		a.Bus = b
	default:
		a.Bus = bus.NewRedisBus(a.Redis, a.Conf.Redis.Channel)
	}
	a.onClose("bus", func(context.Context) error { return a.Bus.Close() })
	return nil
}

// configPool 关闭由 Bootstrap 登记，顺序见那里
func (a *App) configPool() {
	a.Pool = worker.NewPool("side-channel", a.Conf.Worker.Size, a.Conf.Worker.Queue)
	a.BusPool = worker.NewPool("bus-publish", 1, a.Conf.Worker.Queue)
}

func (a *App) kafkaConfig() kafka.Config {
	k := a.Conf.Kafka
	return kafka.Config{
		Brokers:             k.Brokers,
		GroupID:             k.GroupID,
		ClientID:            a.Conf.NodeID,
		PartitionsPerTopic:  k.Partitions,
		ReplicationFactor:   k.Replication,
		ProducerCompression: k.Compression,
	}
}

// configKafka 审计事件关闭时用 Noop；消费端单独开关
func (a *App) configKafka(runCtx context.Context) error {
	k := a.Conf.Kafka
	a.Emitter = audit.Noop{}
	if !k.EventsEnabled && !k.ConsumerEnabled {
		return nil
	}
	kc := a.kafkaConfig()
	topics := audit.Topics{Message: k.MessageTopic, User: k.UserTopic}

	if k.AutoCreateTopics {
		admin, err := kafka.NewClusterAdmin(kc)
		if err != nil {
			return err
		}
		err = kafka.EnsureTopics(admin, []string{topics.Message, topics.User}, kc)
		_ = admin.Close()
		if err != nil {
			return err
		}
	}

	if k.EventsEnabled {
		p, err := kafka.NewSyncProducer(kc)
		if err != nil {
			return err
		}
		em := audit.NewKafkaEmitter(p, topics, a.Pool, a.Conf.SideChannelTimeout)
		a.Emitter = em
		a.onClose("kafka-producer", func(context.Context) error { return em.Close() })
	}

	if k.ConsumerEnabled {
		group, err := kafka.NewConsumerGroup(kc)
		if err != nil {
			return err
		}
		router := kafka.NewRouter()
		audit.NewConsumer(topics).Register(router)
		a.onClose("kafka-consumer", func(context.Context) error { return group.Close() })
		safe.SafeGoCtx(runCtx, func(ctx context.Context) {
			if err := kafka.RunConsumerGroup(ctx, group, router); err != nil {
				logger.Error("[boot] analytics consumer stopped", zap.Error(err))
			}
		})
	}
	return nil
}

func (a *App) configModules() {
	c := a.Conf
	keys := storage.NewKeys(c.Redis.KeyPrefix)
	gen := ids.NewGenerator(c.SnowflakeNode)
	locks := storage.NewKeyedMutex()
	pub := bus.NewPublisher(a.Bus, c.NodeID, c.SideChannelTimeout).Async(a.BusPool)

	a.Hub = chat.NewHub(chat.Config{
		SendQueue:  c.WS.SendQueue,
		PongWait:   c.WS.PongWait,
		MaxPerUser: c.WS.MaxPerUser,
		EvictSlow:  c.WS.EvictSlow,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(c.CORSOrigins, r.Header.Get("Origin"))
		},
	})
	// hub 最先关闭并等所有连接的离线回调跑完，回调还要用到下面的组件
	a.onClose("hub", a.Hub.Close)

	var tr transport.Transport = a.Hub
	a.Mailbox = mailbox.New(storage.NewMailboxStore(a.Redis, keys, c.Mailbox.TTL), storage.NewLease(a.Redis), keys, tr, c.Mailbox.DrainLease)
	a.Registry = presence.NewRegistry(c.NodeID, storage.NewPresenceStore(a.Redis, keys, c.Presence.TTL), a.Store, tr, pub, a.Emitter, a.Mailbox)
	a.Pipeline = delivery.NewPipeline(delivery.Deps{
		Store: a.Store, Tr: tr, Pub: pub, Presence: a.Registry, Mailbox: a.Mailbox,
		Audit: a.Emitter, Locks: locks, IDs: gen,
	})
	a.Receipts = receipt.NewTracker(a.Store, tr, pub, storage.NewReceiptCache(a.Redis, keys, c.Receipt.CacheTTL), a.Emitter, locks)
	a.Conversations = conversation.NewService(a.Store, a.Registry, gen)

	a.Hub.SetListener(a.Registry)
	a.Hub.SetGuard(a.subscribeGuard)
}

// subscribeGuard 会话类 topic 只允许成员订阅，其它 topic 放行
func (a *App) subscribeGuard(ctx context.Context, userID int64, topic string) bool {
	conv, ok := transport.ConversationOf(topic)
	if !ok {
		return true
	}
	member, err := a.Store.IsMember(ctx, conv, userID)
	if err != nil {
		logger.Warn("[ws] subscribe check failed", zap.Int64("userId", userID), zap.String("topic", topic), zap.Error(err))
		return false
	}
	return member
}

func originAllowed(origins []string, origin string) bool {
	if origin == "" {
		return true
	}
	for _, o := range origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Close 逆序关闭，单个失败不影响后续
func (a *App) Close(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		err := c.fn(ctx)
		if err == nil {
			continue
		}
		logger.Warn("[boot] close failed", zap.String("component", c.name), zap.Error(err))
		if first == nil {
			first = err
		}
	}
	a.closers = nil
	if first != nil {
		return errs.WrapMsg(first, "shutdown")
	}
	return nil
}

// ShutdownContext 关闭阶段使用的超时
func (a *App) ShutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), a.Conf.ShutdownTimeout)
}

// cmd/stock-service/main.go
package main

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"stocksync/internal/pkg/bootstrap"
	"stocksync/internal/pkg/database"
	"stocksync/internal/pkg/httpclient"
	"stocksync/internal/pkg/logger"
	"stocksync/internal/pkg/mq"
	"stocksync/internal/pkg/redis"
	"stocksync/internal/service/stock/application"
	"stocksync/internal/service/stock/broadcast"
	"stocksync/internal/service/stock/domain/port"
	"stocksync/internal/service/stock/infrastructure"
	"stocksync/internal/service/stock/infrastructure/adapter"
	"stocksync/internal/service/stock/interfaces"
	"stocksync/internal/zookeeper"
)

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.L().Fatal().Err(err).Msg("failed to load configuration")
	}
	logger.Init(cfg.App.Name, cfg.App.LogLevel)

	err = bootstrap.StartService(bootstrap.AppInfo{
		ServiceName:      cfg.App.Name,
		Port:             cfg.App.Port,
		RegisterHandlers: registerHandlers,
	})
	if err != nil {
		logger.L().Fatal().Err(err).Msg("service exited with error")
	}
}

// infraClients 按需创建共享的基础设施客户端，账本和去重日志可以共用同一个连接。
type infraClients struct {
	app   *bootstrap.AppCtx
	redis *redis.Client
	db    *gorm.DB
}

func (c *infraClients) redisClient() (*redis.Client, error) {
	if c.redis != nil {
		return c.redis, nil
	}
	client, err := redis.NewClient(c.app.Config.Infra.Redis.Addrs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize redis client")
	}
	c.app.OnClose("redis", func(context.Context) error { return client.Close() })
	c.redis = client
	return client, nil
}

func (c *infraClients) mysql() (*gorm.DB, error) {
	if c.db != nil {
		return c.db, nil
	}
	db, err := database.OpenMySQL(c.app.Config.Infra.MySQL)
	if err != nil {
		return nil, err
	}
	if err := infrastructure.AutoMigrate(db); err != nil {
		return nil, errors.Wrap(err, "migrate stock tables")
	}
	c.app.OnClose("mysql", func(context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	c.db = db
	return db, nil
}

func registerHandlers(app *bootstrap.AppCtx) error {
	cfg := app.Config
	nodeID := cfg.App.Name + "-" + uuid.NewString()[:8]
	logger.L().Info().Str("node_id", nodeID).Msg("wiring stock service")

	tracer := otel.Tracer(cfg.App.Name)
	clients := &infraClients{app: app}

	// 1. 推送 Hub，关停时最先关闭，结束所有推送连接
	hub := broadcast.NewHub(broadcast.WithBufferSize(cfg.Hub.SubscriberBuffer))
	app.OnShutdown("stock-hub", func(context.Context) error {
		hub.Close()
		return nil
	})

	// 2. 出站适配器
	baseLedger, err := buildLedger(clients)
	if err != nil {
		return err
	}
	ledger := adapter.NewObservedLedger(baseLedger, hub)

	journal, err := buildJournal(clients)
	if err != nil {
		return err
	}
	lock, err := buildLock(app)
	if err != nil {
		return err
	}
	alerter := buildAlerter(app)
	gateway := adapter.NewRefundHTTPAdapter(httpclient.NewClient(tracer),
		cfg.Payment.APIBase, cfg.Payment.SecretKey, cfg.Payment.RequestTimeout)

	// 3. 应用服务
	reconciler := application.NewInventoryReconciler(ledger, gateway, journal, lock, alerter, tracer,
		application.WithLockTimeout(cfg.Reconcile.LockTimeout),
		application.WithProcessingTimeout(cfg.Reconcile.ProcessingTimeout),
	)

	// 4. 驱动适配器
	interfaces.NewWebhookHandler(reconciler, tracer, cfg.Payment.WebhookSecret, cfg.Payment.SignatureTolerance).RegisterRoutes(app.Mux)
	interfaces.NewStreamHandler(hub, cfg.Hub.HeartbeatInterval).RegisterRoutes(app.Mux)
	interfaces.NewStockHandler(ledger, tracer).RegisterRoutes(app.Mux)

	if kc := cfg.Infra.Kafka; len(kc.Brokers) > 0 {
		dltWriter := mq.NewKafkaWriter(kc.Brokers, kc.PaymentDLT)
		app.OnClose("payment-dlt-writer", func(context.Context) error { return dltWriter.Close() })

		paymentReader := mq.NewKafkaReader(kc.Brokers, kc.PaymentTopic, kc.GroupID)
		app.AddWorker(interfaces.NewPaymentConsumerAdapter(paymentReader, kc.PaymentTopic, reconciler,
			mq.NewFailureHandler(dltWriter), tracer))

		dltReader := mq.NewKafkaReader(kc.Brokers, kc.PaymentDLT, kc.GroupID+"-dlt")
		app.AddWorker(interfaces.NewDltConsumerAdapter(dltReader, kc.PaymentDLT))

		// 目录信号每个实例都要收到，因此每个节点使用独立的消费组。
		// mysql 账本就是目录的 products 表，其余后端需要把目录库存写进账本。
		var catalogOpts []interfaces.CatalogOption
		if cfg.Ledger.Backend != "mysql" {
			catalogOpts = append(catalogOpts, interfaces.WithLedgerWriteThrough(ledger))
		}
		catalogReader := mq.NewKafkaReader(kc.Brokers, kc.CatalogTopic, nodeID)
		app.AddWorker(interfaces.NewCatalogConsumerAdapter(catalogReader, kc.CatalogTopic, hub, catalogOpts...))
	}
	return nil
}

func buildLedger(clients *infraClients) (port.StockLedger, error) {
	cfg := clients.app.Config
	switch cfg.Ledger.Backend {
	case "redis":
		client, err := clients.redisClient()
		if err != nil {
			return nil, err
		}
		ledger, err := adapter.NewRedisLedger(client)
		if err != nil {
			return nil, err
		}
		return ledger, seedLedger(ledger, cfg.Ledger.Seed)
	case "mysql":
		db, err := clients.mysql()
		if err != nil {
			return nil, err
		}
		return infrastructure.NewGormLedger(db), nil
	default:
		return adapter.NewMemoryLedger(cfg.Ledger.Seed), nil
	}
}

// seedLedger 只用于开发环境，启动时把配置中的初始库存写入共享账本
func seedLedger(ledger port.StockLedger, seed map[string]int) error {
	for id, stock := range seed {
		if err := ledger.SetStock(context.Background(), id, stock); err != nil {
			return errors.Wrapf(err, "seed stock for %s", id)
		}
	}
	return nil
}

func buildJournal(clients *infraClients) (port.PaymentJournal, error) {
	cfg := clients.app.Config
	switch cfg.Journal.Backend {
	case "redis":
		client, err := clients.redisClient()
		if err != nil {
			return nil, err
		}
		return adapter.NewRedisJournal(client, cfg.Journal.TTL), nil
	case "mysql":
		db, err := clients.mysql()
		if err != nil {
			return nil, err
		}
		return infrastructure.NewGormJournal(db), nil
	default:
		return adapter.NewMemoryJournal(), nil
	}
}

func buildLock(app *bootstrap.AppCtx) (port.ReconcileLock, error) {
	cfg := app.Config
	if cfg.Reconcile.LockBackend != "zookeeper" {
		return adapter.NewLocalLock(), nil
	}
	zkConn, err := zookeeper.Connect(cfg.Infra.Zookeeper.Servers, cfg.Infra.Zookeeper.SessionTimeout)
	if err != nil {
		return nil, err
	}
	app.OnClose("zookeeper", func(context.Context) error {
		zkConn.Close()
		return nil
	})
	lock, err := zookeeper.NewDistributedLock(zkConn, cfg.Infra.Zookeeper.LockName)
	if err != nil {
		return nil, err
	}
	return lock, nil
}

func buildAlerter(app *bootstrap.AppCtx) port.OperatorAlerter {
	kc := app.Config.Infra.Kafka
	if len(kc.Brokers) == 0 || kc.AlertTopic == "" {
		return adapter.LogAlerter{}
	}
	writer := mq.NewKafkaWriter(kc.Brokers, kc.AlertTopic)
	alerter := adapter.NewAlertKafkaAdapter(writer)
	app.OnClose("alert-writer", func(context.Context) error { return alerter.Close() })
	return alerter
}

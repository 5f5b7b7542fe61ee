package main

import (
	"context"
	"log"

	"github.com/sirupsen/logrus"

	"github.com/netguy001/algobot-go/internal/api"
	"github.com/netguy001/algobot-go/internal/broker"
	"github.com/netguy001/algobot-go/internal/config"
	"github.com/netguy001/algobot-go/internal/engine"
	"github.com/netguy001/algobot-go/internal/event"
	"github.com/netguy001/algobot-go/internal/infra"
	"github.com/netguy001/algobot-go/internal/ledger"
	"github.com/netguy001/algobot-go/internal/manager"
	"github.com/netguy001/algobot-go/internal/store"
	"github.com/netguy001/algobot-go/internal/validator"
)

func main() {
	// 1. 加载配置
	cfg := config.LoadConfig()

	logger := newLogger(cfg.Log.Level)

	// 2. 初始化基础设施
	// Postgres
	pg, err := infra.NewPostgresClient(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	st := store.New(pg.DB)
	if err := st.AutoMigrate(); err != nil {
		log.Printf("Warning: AutoMigrate failed: %v", err)
	}

	// Redis
	rdb := infra.NewRedisClient(cfg.Redis)
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	// 3. 执行核心组件
	bus := event.NewBus(1024, logger)
	capital := ledger.NewCapital(cfg.Account.AccountID, cfg.Account.InitialCapital,
		cfg.Risk.DailyLossLimit, st, logger)
	v := validator.New(cfg.Risk, capital)
	simBroker := broker.NewSimulated(broker.OptionsFromConfig(cfg.Broker), logger)

	orderManager := manager.New(cfg.Account.AccountID, cfg.Risk,
		capital, v, simBroker, st, bus, logger)
	simBroker.SetHandler(orderManager)

	// 重启恢复：订单/持仓/账户从库里装回内存
	if err := orderManager.Restore(context.Background()); err != nil {
		log.Fatalf("Failed to restore state: %v", err)
	}

	auditor := ledger.NewTradeAuditor(cfg.Account.AccountID, st, bus, logger)

	// 4. WebSocket 管理器 + 引擎
	wsHub := infra.NewWsManager(logger)
	eng := engine.NewEngine(cfg, rdb, wsHub, orderManager, bus, logger)
	eng.Start()
	defer func() {
		eng.Stop()
		simBroker.Stop()
		bus.Shutdown()
	}()

	// 5. Fiber 服务器
	app := api.NewServer(api.ServerDeps{
		Cfg:          cfg,
		OrderManager: orderManager,
		Capital:      capital,
		Auditor:      auditor,
		Rdb:          rdb,
		WsManager:    wsHub,
		Logger:       logger,
	})

	// 6. 启动服务器
	logger.Infof("Server starting on port %s", cfg.Server.Port)
	if err := app.Listen(cfg.Server.Port); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

package api

import (
	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/netguy001/algobot-go/internal/config"
	"github.com/netguy001/algobot-go/internal/infra"
	"github.com/netguy001/algobot-go/internal/ledger"
	"github.com/netguy001/algobot-go/internal/manager"
)

// ServerDeps HTTP 服务依赖
type ServerDeps struct {
	Cfg          *config.Config
	OrderManager *manager.Manager
	Capital      *ledger.Capital
	Auditor      *ledger.TradeAuditor
	Rdb          *redis.Client
	WsManager    *infra.WsManager
	Logger       *logrus.Logger
}

func NewServer(deps ServerDeps) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: deps.Cfg.Server.AppName,
	})

	app.Use(logger.New())
	app.Use(cors.New())

	prometheus := fiberprometheus.New(deps.Cfg.Server.AppName)
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":  "ok",
			"clients": deps.WsManager.ClientCount(),
		})
	})

	// Initialize WebSocket
	InitWebsocket(app, deps.WsManager, deps.Logger)

	tradeHandler := NewTradeHandler(deps.OrderManager, deps.Rdb, deps.Logger)
	accountHandler := NewAccountHandler(deps.OrderManager, deps.Capital, deps.Auditor)

	// Webhook Routes (外部策略/撮合方入口)
	app.Post("/webhook/signal", tradeHandler.SignalWebhook)
	app.Post("/webhook/order-update", tradeHandler.OrderUpdateWebhook)

	// Trade Routes
	api := app.Group("/api")
	api.Post("/trade/order", tradeHandler.PlaceOrder)
	api.Post("/trade/order/cancel", tradeHandler.CancelOrder)
	api.Post("/trade/order/:id/cancel", tradeHandler.CancelOrder)
	api.Get("/trade/orders", tradeHandler.GetOrders)
	api.Get("/trade/orders/open", tradeHandler.GetOpenOrders)
	api.Get("/trade/positions", tradeHandler.GetPositions)

	// Account Routes
	api.Get("/account", accountHandler.GetAccount)
	api.Get("/account/pnl", accountHandler.GetPnl)
	api.Get("/account/ledger/verify", accountHandler.VerifyLedger)
	api.Post("/account/kill-switch", accountHandler.KillSwitch)
	api.Post("/account/reset-halt", accountHandler.ResetHalt)

	return app
}

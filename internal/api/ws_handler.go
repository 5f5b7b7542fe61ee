package api

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/netguy001/algobot-go/internal/infra"
)

// InitWebsocket 注册推送端点。连接后由 WsManager 统一广播
// 订单/持仓/盈亏更新，客户端无需发送任何订阅指令。
func InitWebsocket(app *fiber.App, wsManager *infra.WsManager, logger *logrus.Logger) {
	if logger == nil {
		logger = logrus.New()
	}

	// Middleware to force upgrade
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws", websocket.New(func(c *websocket.Conn) {
		wsManager.Register <- c
		defer func() {
			wsManager.Unregister <- c
		}()

		// 读循环只用于探测断连，收到的消息一律忽略
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.WithError(err).Warn("ws read error")
				}
				break
			}
		}
	}))
}

package api

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/netguy001/algobot-go/internal/domain"
	"github.com/netguy001/algobot-go/internal/infra"
	"github.com/netguy001/algobot-go/internal/manager"
	"github.com/netguy001/algobot-go/internal/model"
)

// TradeHandler 处理交易相关的 HTTP 请求
type TradeHandler struct {
	orderManager *manager.Manager
	rdb          *redis.Client
	logger       *logrus.Logger
}

// NewTradeHandler 创建交易处理器
func NewTradeHandler(m *manager.Manager, rdb *redis.Client, logger *logrus.Logger) *TradeHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &TradeHandler{orderManager: m, rdb: rdb, logger: logger}
}

// SignalWebhook 接收外部策略信号，入队后由信号循环消费。
// POST /webhook/signal
func (h *TradeHandler) SignalWebhook(c *fiber.Ctx) error {
	var sig model.Signal
	if err := c.BodyParser(&sig); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"Error": "Invalid request body"})
	}
	if sig.Symbol == "" || sig.Price <= 0 ||
		(sig.Action != model.SideBuy && sig.Action != model.SideSell) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"Error": "Invalid signal"})
	}
	if sig.GeneratedAt.IsZero() {
		sig.GeneratedAt = time.Now()
	}

	if err := infra.PushSignal(c.Context(), h.rdb, sig); err != nil {
		h.logger.WithError(err).Error("API: failed to enqueue signal")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"Error": "Signal queue unavailable"})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"Message": "Signal queued"})
}

// OrderUpdateWebhook 接收外部撮合方的订单回报。
// 带序号 (Seq > 0) 时走重排缓冲；缺省按到达顺序应用，幂等键兜底重投。
// POST /webhook/order-update
func (h *TradeHandler) OrderUpdateWebhook(c *fiber.Ctx) error {
	var ev domain.OrderEvent
	if err := c.BodyParser(&ev); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"Error": "Invalid request body"})
	}
	if ev.OrderID == "" || ev.Status == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"Error": "Invalid order event"})
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	h.orderManager.OnBrokerEvent(ev)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"Message": "Event accepted"})
}

// PlaceOrder 手动下单
// POST /api/trade/order
func (h *TradeHandler) PlaceOrder(c *fiber.Ctx) error {
	var req model.PlaceOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"Error": "Invalid request body"})
	}

	order, err := h.orderManager.PlaceManualOrder(c.Context(), req)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"Message": "Order created",
		"OrderID": order.OrderID,
		"Qty":     order.Qty,
	})
}

// CancelOrder 撤单。订单号取路径参数，或 JSON 请求体 (order_id)。
// POST /api/trade/order/:id/cancel
// POST /api/trade/order/cancel
func (h *TradeHandler) CancelOrder(c *fiber.Ctx) error {
	orderID := c.Params("id")
	if orderID == "" {
		var req model.CancelOrderRequest
		if err := c.BodyParser(&req); err == nil {
			orderID = req.OrderID
		}
	}
	if orderID == "" {
		return handleError(c, domain.NewBadRequestError("missing order id"))
	}

	if err := h.orderManager.CancelOrder(c.Context(), orderID); err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"Message": "Order cancelled"})
}

// GetOrders 获取最近订单列表
// GET /api/trade/orders
func (h *TradeHandler) GetOrders(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "100"))
	if limit < 1 || limit > 500 {
		limit = 100
	}

	orders, err := h.orderManager.GetOrders(c.Context(), limit)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(orders)
}

// GetOpenOrders 获取未终结订单
// GET /api/trade/orders/open
func (h *TradeHandler) GetOpenOrders(c *fiber.Ctx) error {
	orders, err := h.orderManager.GetOpenOrders(c.Context())
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(orders)
}

// GetPositions 获取持仓列表
// GET /api/trade/positions
func (h *TradeHandler) GetPositions(c *fiber.Ctx) error {
	positions, err := h.orderManager.GetPositions(c.Context())
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(positions)
}

package domain

import (
	"context"
	"time"

	"github.com/netguy001/algobot-go/internal/model"
)

// ===========================
// 撮合通道接口
// ===========================

// OrderEvent is the broker callback payload for one order state change.
// FilledQty/AvgPrice 为该订单的累计值。Seq 在单个订单内单调递增，
// 用于在传输层乱序时恢复事件顺序。
type OrderEvent struct {
	OrderID   string            `json:"order_id"`
	Status    model.OrderStatus `json:"status"`
	FilledQty int               `json:"filled_qty"`
	AvgPrice  float64           `json:"avg_price"`
	Seq       int               `json:"seq"`
	Timestamp time.Time         `json:"timestamp"`
}

// Broker 定义与撮合引擎 (模拟或真实适配器) 通信的能力接口。
// 具体实现由配置在构造期选择，不做运行时类型判断。
type Broker interface {
	// Place 提交订单。对已知 OrderID 的重复提交必须是幂等空操作。
	// 返回错误表示传输层失败，调用方可以用同一 OrderID 重试。
	Place(ctx context.Context, order *model.Order) error

	// Cancel 请求撤单。仅当撮合方尚未提交终态事件时成功；
	// 一旦成交已提交，撤单必须失败 (fill-wins)。
	Cancel(ctx context.Context, orderID string) bool
}

// BrokerEventHandler 消费撮合回报的接口 (由 OrderManager 实现)
type BrokerEventHandler interface {
	OnBrokerEvent(ev OrderEvent)
}

// ===========================
// 持久化契约
// ===========================

// Store is the narrow persistence contract for the execution core.
// 存储暂时不可用时，只允许让触发操作失败，不做本地缓冲。
type Store interface {
	// Orders: durable upsert keyed by OrderID
	SaveOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	ListOrders(ctx context.Context, accountID string, limit int) ([]model.Order, error)
	ListOpenOrders(ctx context.Context, accountID string) ([]model.Order, error)

	// Trades: append-only
	InsertTrade(ctx context.Context, trade *model.Trade) error
	ListTrades(ctx context.Context, accountID string, limit int) ([]model.Trade, error)

	// Account / positions: durable upsert per (account, symbol)
	SaveAccount(ctx context.Context, account *model.Account) error
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
	SavePosition(ctx context.Context, position *model.Position) error
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// 状态流转审计日志
	AppendOrderLog(ctx context.Context, entry *model.OrderStatusLog) error
}

// ===========================
// 交易服务接口
// ===========================

// TradingService 定义执行核心对传输层暴露的业务操作
type TradingService interface {
	// 策略信号入口 (校验 → 定量 → 下单)
	HandleSignal(ctx context.Context, signal model.Signal) (*model.Order, error)
	// 手动下单 (绕过定量，仍过风控闸门)
	PlaceManualOrder(ctx context.Context, req model.PlaceOrderRequest) (*model.Order, error)
	// 撤单
	CancelOrder(ctx context.Context, orderID string) error

	// 查询
	GetOrders(ctx context.Context, limit int) ([]model.Order, error)
	GetOpenOrders(ctx context.Context) ([]model.Order, error)
	GetPositions(ctx context.Context) ([]model.Position, error)
	GetPnl() model.PnLUpdate
}

// ===========================
// WebSocket 推送接口
// ===========================

// Notifier 定义推送通知的接口
type Notifier interface {
	// 广播消息给所有连接的客户端 (订单/持仓/盈亏推送)
	BroadcastToAll(data interface{})
}

package model

import (
	"strconv"
	"time"
)

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

// Signal is an ephemeral trade signal produced by the strategy layer.
// 由外部策略层产生，OrderManager 消费一次后丢弃。
type Signal struct {
	Symbol      string    `json:"symbol"`
	Action      OrderSide `json:"action"`
	Price       float64   `json:"price"`
	Strategy    string    `json:"strategy"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Fingerprint is the idempotency key used for duplicate suppression.
func (s Signal) Fingerprint() string {
	return s.Symbol + "_" + string(s.Action) + "_" + formatPrice(s.Price)
}

// PlaceOrderRequest 手动下单请求 (来自传输层)
type PlaceOrderRequest struct {
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Qty           int       `json:"qty"`
	Price         float64   `json:"price"`
	StopLossPct   float64   `json:"sl_pct,omitempty"`
	TakeProfitPct float64   `json:"tp_pct,omitempty"`
}

// CancelOrderRequest 撤单请求
type CancelOrderRequest struct {
	OrderID string `json:"order_id"`
}

// OrderUpdate is pushed on every order state change.
type OrderUpdate struct {
	OrderID      string      `json:"order_id"`
	Symbol       string      `json:"symbol"`
	Side         OrderSide   `json:"side"`
	Qty          int         `json:"qty"`
	Status       OrderStatus `json:"status"`
	FilledQty    int         `json:"filled_qty"`
	AvgFillPrice float64     `json:"avg_fill_price"`
	StatusMsg    string      `json:"status_msg,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// PositionUpdate is pushed whenever a fill changes the position book.
type PositionUpdate struct {
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Qty           int       `json:"qty"`
	AvgEntryPrice float64   `json:"avg_entry_price"`
}

// PnLUpdate is pushed whenever realized or unrealized PnL changes.
type PnLUpdate struct {
	RealizedPnl      float64 `json:"realized_pnl"`
	UnrealizedPnl    float64 `json:"unrealized_pnl"`
	TotalPnl         float64 `json:"total_pnl"`
	AvailableCapital float64 `json:"available_capital"`
	UsedMargin       float64 `json:"used_margin"`
	DailyLossHalted  bool    `json:"daily_loss_halted"`
}

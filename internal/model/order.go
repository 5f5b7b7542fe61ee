package model

import (
	"time"
)

// OrderSide 买卖方向
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Opposite returns the closing side for this side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Direction returns +1 for long exposure, -1 for short exposure.
func (s OrderSide) Direction() float64 {
	if s == SideBuy {
		return 1
	}
	return -1
}

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus defines the lifecycle status of an order.
//
// 状态机: NEW → ACK → PARTIAL → FILLED
//                          ↘ CANCELLED
//                          ↘ REJECTED
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "NEW"
	OrderStatusAck       OrderStatus = "ACK"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// IsCancelable reports whether a cancel request may still be honoured.
func (s OrderStatus) IsCancelable() bool {
	return s == OrderStatusNew || s == OrderStatusAck || s == OrderStatusPartial
}

// Order represents a trade order record in the system.
// OrderID 在创建时分配，之后不可变、不复用。
type Order struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	OrderID   string    `gorm:"uniqueIndex;not null" json:"order_id"`
	AccountID string    `gorm:"index;not null" json:"account_id"`
	Symbol    string    `gorm:"index;not null" json:"symbol"`
	Side      OrderSide `gorm:"type:varchar(4);not null" json:"side"`
	Qty       int       `gorm:"not null" json:"qty"`
	Price     float64   `gorm:"not null" json:"price"`
	OrderType OrderType `gorm:"type:varchar(8);default:'MARKET'" json:"order_type"`

	Status       OrderStatus `gorm:"type:varchar(10);index;default:'NEW'" json:"status"`
	FilledQty    int         `gorm:"default:0" json:"filled_qty"`
	AvgFillPrice float64     `gorm:"default:0" json:"avg_fill_price"`

	Strategy        string  `gorm:"index" json:"strategy"`
	StopLossPrice   float64 `json:"stop_loss_price"`
	TakeProfitPrice float64 `json:"take_profit_price"`

	// Human-readable failure reason for REJECTED orders.
	StatusMsg string `json:"status_msg"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Trades []Trade `gorm:"foreignKey:OrderID;references:OrderID" json:"trades,omitempty"`
}

// RemainingQty 未成交数量
func (o *Order) RemainingQty() int {
	return o.Qty - o.FilledQty
}

// Trade represents a single execution (fill) against an order.
// 只追加，写入后不可变。一个订单可对应多条成交 (部分成交)。
type Trade struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TradeID   string    `gorm:"uniqueIndex;not null" json:"trade_id"`
	OrderID   string    `gorm:"index;not null" json:"order_id"`
	AccountID string    `gorm:"index;not null" json:"account_id"`
	Symbol    string    `gorm:"index;not null" json:"symbol"`
	Side      OrderSide `gorm:"type:varchar(4);not null" json:"side"`
	Qty       int       `gorm:"not null" json:"qty"`
	Price     float64   `gorm:"not null" json:"price"`

	// Realized PnL attributed to this fill (0 for opening fills).
	Pnl float64 `json:"pnl"`

	CreatedAt time.Time `json:"created_at"`
}

// Position represents the current holding for one (account, symbol) pair.
// qty == 0 意味着无持仓，此时 Side 无意义。
type Position struct {
	AccountID     string    `gorm:"primaryKey" json:"account_id"`
	Symbol        string    `gorm:"primaryKey" json:"symbol"`
	Side          OrderSide `gorm:"type:varchar(4)" json:"side"`
	Qty           int       `json:"qty"`
	AvgEntryPrice float64   `json:"avg_entry_price"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsFlat reports whether the position is empty.
func (p *Position) IsFlat() bool {
	return p == nil || p.Qty == 0
}

// Account is the persisted capital ledger row.
// 不变式: AvailableCapital + UsedMargin == InitialCapital + RealizedPnl
type Account struct {
	AccountID        string    `gorm:"primaryKey" json:"account_id"`
	InitialCapital   float64   `json:"initial_capital"`
	AvailableCapital float64   `json:"available_capital"`
	UsedMargin       float64   `json:"used_margin"`
	RealizedPnl      float64   `json:"realized_pnl"`
	DailyLossHalted  bool      `json:"daily_loss_halted"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// OrderStatusLog 订单状态流转记录 (审计用)
type OrderStatusLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	OrderID   string    `gorm:"index;not null" json:"order_id"`
	OldStatus string    `json:"old_status"`
	NewStatus string    `json:"new_status"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

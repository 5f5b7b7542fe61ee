package constants

// 事件类型常量
const (
	// 订单事件
	EventOrderUpdated = "order.updated"

	// 成交事件
	EventTradeExecuted = "trade.executed"

	// 持仓事件
	EventPositionUpdated = "position.updated"

	// 盈亏事件
	EventPnlUpdated = "pnl.updated"

	// 风控事件
	EventLedgerMismatch    = "risk.ledger_mismatch"
	EventInvariantViolated = "risk.invariant_violated"
)

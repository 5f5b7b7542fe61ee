package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netguy001/algobot-go/internal/domain"
	"github.com/netguy001/algobot-go/internal/ledger"
	"github.com/netguy001/algobot-go/internal/model"
)

var _ domain.TradingService = (*Manager)(nil)

// MarkPrice 更新标记价。每个行情 tick 调用一次，
// 同时推动未实现盈亏的推送。
func (m *Manager) MarkPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPrices[symbol] = price
	m.validator.Tick()
	m.publishPnl()
}

// exitCandidate 在锁内收集、锁外执行的待平仓项
type exitCandidate struct {
	symbol  string
	side    model.OrderSide // 平仓方向
	qty     int
	price   float64
	trigger string // "stop_loss" / "take_profit"
}

// CheckStopTakeProfit 对每个持仓检查止损/止盈触发。
// 触发价取该品种同方向最近一笔有成交订单携带的 SL/TP；
// 平仓单绕过风控闸门 (减仓操作不受开仓约束)。
func (m *Manager) CheckStopTakeProfit(ctx context.Context) {
	m.mu.Lock()
	var candidates []exitCandidate
	for symbol, pos := range m.positions {
		if pos.IsFlat() {
			continue
		}
		mark, ok := m.lastPrices[symbol]
		if !ok {
			continue
		}
		// 已有在途反向订单 (多半是上一轮发出的平仓单)：不重复触发
		if m.hasOpenOppositeLocked(symbol, pos.Side) {
			continue
		}
		ref := m.findExitRefLocked(symbol, pos.Side)
		if ref == nil {
			continue
		}

		trigger := ""
		if pos.Side == model.SideBuy {
			switch {
			case ref.StopLossPrice > 0 && mark <= ref.StopLossPrice:
				trigger = "stop_loss"
			case ref.TakeProfitPrice > 0 && mark >= ref.TakeProfitPrice:
				trigger = "take_profit"
			}
		} else {
			switch {
			case ref.StopLossPrice > 0 && mark >= ref.StopLossPrice:
				trigger = "stop_loss"
			case ref.TakeProfitPrice > 0 && mark <= ref.TakeProfitPrice:
				trigger = "take_profit"
			}
		}
		if trigger == "" {
			continue
		}
		candidates = append(candidates, exitCandidate{
			symbol:  symbol,
			side:    pos.Side.Opposite(),
			qty:     pos.Qty,
			price:   mark,
			trigger: trigger,
		})
	}
	m.mu.Unlock()

	for _, c := range candidates {
		m.logger.WithFields(logrus.Fields{
			"symbol":  c.symbol,
			"trigger": c.trigger,
			"qty":     c.qty,
			"price":   c.price,
		}).Warn("OrderManager: exit triggered")

		order := m.buildOrder(c.symbol, c.side, c.qty, c.price,
			"auto_exit_"+c.trigger, m.riskCfg.StopLossPct, m.riskCfg.TakeProfitPct)
		// 平仓单不挂自己的 SL/TP，避免平仓单再触发平仓
		order.StopLossPrice = 0
		order.TakeProfitPrice = 0
		if err := m.createAndSubmit(ctx, order, false); err != nil {
			m.logger.WithError(err).WithField("symbol", c.symbol).
				Error("OrderManager: failed to place exit order")
		}
	}
}

// hasOpenOppositeLocked 该品种是否存在未终结的反向订单
func (m *Manager) hasOpenOppositeLocked(symbol string, posSide model.OrderSide) bool {
	for _, o := range m.orders {
		if o.Symbol == symbol && o.Side == posSide.Opposite() && !o.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// findExitRefLocked 找该品种同方向最近一笔有成交的订单作为 SL/TP 参考
func (m *Manager) findExitRefLocked(symbol string, posSide model.OrderSide) *model.Order {
	var ref *model.Order
	for _, o := range m.orders {
		if o.Symbol != symbol || o.Side != posSide || o.FilledQty == 0 {
			continue
		}
		if o.StopLossPrice <= 0 && o.TakeProfitPrice <= 0 {
			continue
		}
		if ref == nil || o.CreatedAt.After(ref.CreatedAt) {
			ref = o
		}
	}
	return ref
}

// CleanupStaleOrders 清理停留在 NEW 超过 timeout 的订单：撮合方长时间
// 没有任何回报 (连 ACK 都没有)，视为丢单，转 REJECTED 并释放预留。
// 先向撮合方撤单，避免清理后又落地迟到的成交。
func (m *Manager) CleanupStaleOrders(ctx context.Context, timeout time.Duration) {
	cutoff := m.now().Add(-timeout)

	m.mu.Lock()
	var stale []string
	for id, o := range m.orders {
		if o.Status == model.OrderStatusNew && o.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		// 撤单失败 = 成交已提交，让在途回报正常落地
		if !m.broker.Cancel(ctx, id) {
			continue
		}

		m.mu.Lock()
		order, ok := m.orders[id]
		if !ok || order.Status != model.OrderStatusNew {
			m.mu.Unlock()
			continue
		}
		if err := m.transitionLocked(order, model.OrderStatusRejected,
			fmt.Sprintf("no broker response within %s", timeout)); err != nil {
			m.mu.Unlock()
			continue
		}
		m.releaseUnfilledLocked(order)
		m.publishOrderUpdate(order)
		m.publishPnl()
		m.mu.Unlock()

		m.logger.WithField("order_id", shortID(id)).Warn("OrderManager: stale order cleaned up")
	}
}

// ===========================
// 查询
// ===========================

// GetOrders 按创建时间倒序返回最近 limit 条订单
func (m *Manager) GetOrders(ctx context.Context, limit int) ([]model.Order, error) {
	return m.store.ListOrders(ctx, m.accountID, limit)
}

// GetOpenOrders 返回所有未终结订单
func (m *Manager) GetOpenOrders(ctx context.Context) ([]model.Order, error) {
	return m.store.ListOpenOrders(ctx, m.accountID)
}

// GetPositions 返回当前非空持仓
func (m *Manager) GetPositions(ctx context.Context) ([]model.Position, error) {
	positions, err := m.store.ListPositions(ctx, m.accountID)
	if err != nil {
		return nil, err
	}
	out := positions[:0]
	for _, p := range positions {
		if p.Qty > 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetPnl 返回当前盈亏快照 (已实现 + 按标记价的未实现)
func (m *Manager) GetPnl() model.PnLUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pnlLocked()
}

// Account 返回资金账本的只读快照
func (m *Manager) Account() ledger.AccountState {
	return m.capital.Snapshot()
}

// Halt 手动总闸：停止一切新订单创建
func (m *Manager) Halt() {
	m.capital.Halt()
}

// ResetHalt 清除日亏损停机与总闸标志
func (m *Manager) ResetHalt() {
	m.capital.ResetHalt()
	m.validator.ResetCooldowns()
}

// pnlLocked 计算盈亏快照，要求持有 m.mu
func (m *Manager) pnlLocked() model.PnLUpdate {
	acct := m.capital.Snapshot()
	realizedPnlGauge.Set(acct.RealizedPnl)

	unrealized := 0.0
	for symbol, pos := range m.positions {
		if pos.IsFlat() {
			continue
		}
		mark, ok := m.lastPrices[symbol]
		if !ok {
			continue
		}
		unrealized += (mark - pos.AvgEntryPrice) * float64(pos.Qty) * pos.Side.Direction()
	}

	return model.PnLUpdate{
		RealizedPnl:      acct.RealizedPnl,
		UnrealizedPnl:    unrealized,
		TotalPnl:         acct.RealizedPnl + unrealized,
		AvailableCapital: acct.AvailableCapital,
		UsedMargin:       acct.UsedMargin,
		DailyLossHalted:  acct.DailyLossHalted,
	}
}

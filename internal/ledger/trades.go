package ledger

import (
	"context"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/netguy001/algobot-go/internal/constants"
	"github.com/netguy001/algobot-go/internal/domain"
	"github.com/netguy001/algobot-go/internal/event"
	"github.com/netguy001/algobot-go/internal/model"
)

// matchTolerance 对账允许的浮点误差
const matchTolerance = 0.01

// AuditReport 对账结果
type AuditReport struct {
	Match           bool    `json:"match"`
	LedgerRealized  float64 `json:"ledger_realized"`  // 由成交表独立重算
	AccountRealized float64 `json:"account_realized"` // CapitalLedger 当前值
	Discrepancy     float64 `json:"discrepancy"`
	TradeCount      int     `json:"trade_count"`
}

// TradeAuditor recomputes realized PnL purely from recorded fills and
// flags divergence from the capital ledger.
//
// 只读对账组件：发现差异必须上报，绝不自行修正。
// 任何非零差异都意味着订单簿记存在缺陷。
type TradeAuditor struct {
	accountID string
	store     domain.Store
	bus       *event.Bus // 可为 nil；差异时发布 risk.ledger_mismatch
	logger    *logrus.Logger
}

// NewTradeAuditor 创建对账器
func NewTradeAuditor(accountID string, store domain.Store, bus *event.Bus, logger *logrus.Logger) *TradeAuditor {
	if logger == nil {
		logger = logrus.New()
	}
	return &TradeAuditor{accountID: accountID, store: store, bus: bus, logger: logger}
}

// replayState 重放过程中的单品种持仓
type replayState struct {
	side     model.OrderSide
	qty      int
	avgEntry float64
}

// ReplayRealizedPnl walks the trade table in insertion order and applies
// the closing-fill rule independently of any stored pnl column.
//
// 规则与 OrderManager 一致：只有削减反向持仓的数量产生已实现盈亏，
// 开仓/加仓只调整均价。
func (a *TradeAuditor) ReplayRealizedPnl(ctx context.Context) (float64, int, error) {
	trades, err := a.store.ListTrades(ctx, a.accountID, 0)
	if err != nil {
		return 0, 0, err
	}

	book := make(map[string]*replayState)
	realized := 0.0

	for i := range trades {
		t := &trades[i]
		pos := book[t.Symbol]
		if pos == nil || pos.qty == 0 || pos.side == t.Side {
			// 开仓或加仓：数量加权均价
			if pos == nil || pos.qty == 0 {
				book[t.Symbol] = &replayState{side: t.Side, qty: t.Qty, avgEntry: t.Price}
			} else {
				total := pos.qty + t.Qty
				pos.avgEntry = (pos.avgEntry*float64(pos.qty) + t.Price*float64(t.Qty)) / float64(total)
				pos.qty = total
			}
			continue
		}

		// 反向成交：先平已有仓位
		closeQty := t.Qty
		if closeQty > pos.qty {
			closeQty = pos.qty
		}
		realized += (t.Price - pos.avgEntry) * float64(closeQty) * pos.side.Direction()
		pos.qty -= closeQty

		// 剩余数量反手开新仓
		if remain := t.Qty - closeQty; remain > 0 {
			book[t.Symbol] = &replayState{side: t.Side, qty: remain, avgEntry: t.Price}
		}
	}

	return realized, len(trades), nil
}

// VerifyAgainstCapitalLedger 将重放结果与资金账本比对。
// 差异是高优先级告警 (ConsistencyError)，但不致停止交易。
func (a *TradeAuditor) VerifyAgainstCapitalLedger(ctx context.Context, capital *Capital) (AuditReport, error) {
	replayed, count, err := a.ReplayRealizedPnl(ctx)
	if err != nil {
		return AuditReport{}, err
	}

	snap := capital.Snapshot()
	diff := math.Abs(replayed - snap.RealizedPnl)
	report := AuditReport{
		Match:           diff < matchTolerance,
		LedgerRealized:  round2(replayed),
		AccountRealized: round2(snap.RealizedPnl),
		Discrepancy:     round2(diff),
		TradeCount:      count,
	}

	if !report.Match {
		a.logger.WithFields(logrus.Fields{
			"account":          a.accountID,
			"ledger_realized":  report.LedgerRealized,
			"account_realized": report.AccountRealized,
			"discrepancy":      report.Discrepancy,
		}).Error("TradeAuditor: CONSISTENCY ERROR — trade replay diverges from capital ledger")
		if a.bus != nil {
			a.bus.Publish(event.Event{
				Type:   constants.EventLedgerMismatch,
				Source: "auditor",
				Data:   report,
			})
		}
	}
	return report, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

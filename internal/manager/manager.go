// Package manager implements the order lifecycle orchestrator: it turns
// strategy signals into sized, validated, capital-reserved orders, submits
// them to the broker with bounded idempotent retries, and applies broker
// events back into the capital ledger and the position book.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/netguy001/algobot-go/internal/config"
	"github.com/netguy001/algobot-go/internal/domain"
	"github.com/netguy001/algobot-go/internal/event"
	"github.com/netguy001/algobot-go/internal/ledger"
	"github.com/netguy001/algobot-go/internal/model"
	"github.com/netguy001/algobot-go/internal/risk"
	"github.com/netguy001/algobot-go/internal/validator"
)

// maxSubmitRetries 同一 OrderID 的最大提交次数 — 唯一的有界等待机制
const maxSubmitRetries = 3

// restoreOrderLimit 重启时从数据库恢复进内存缓存的订单数
const restoreOrderLimit = 200

// Manager is the single authority on order state. All mutation of a given
// order and of the account ledger happens inside m.mu: the signal loop,
// broker timers and HTTP handlers all serialize here.
type Manager struct {
	mu sync.Mutex

	accountID string
	riskCfg   config.RiskConfig
	limits    risk.Limits

	capital   *ledger.Capital
	validator *validator.Validator
	broker    domain.Broker
	store     domain.Store
	bus       *event.Bus
	logger    *logrus.Logger

	orders    map[string]*model.Order
	positions map[string]*model.Position

	// 单订单事件重排：期望序号 + 乱序缓冲
	nextSeq map[string]int
	pending map[string]map[int]domain.OrderEvent

	// 幂等键 (orderID, status, filledQty)：at-least-once 重投成为空操作
	applied map[string]map[string]struct{}

	// 非法流转后冻结的订单：不再接受任何事件
	frozen map[string]struct{}

	// 行情标记价：未实现盈亏与 SL/TP 监控用
	lastPrices map[string]float64

	now func() time.Time
}

// New 创建 OrderManager
func New(
	accountID string,
	riskCfg config.RiskConfig,
	capital *ledger.Capital,
	v *validator.Validator,
	broker domain.Broker,
	store domain.Store,
	bus *event.Bus,
	logger *logrus.Logger,
) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		accountID:  accountID,
		riskCfg:    riskCfg,
		limits:     risk.LimitsFromConfig(riskCfg),
		capital:    capital,
		validator:  v,
		broker:     broker,
		store:      store,
		bus:        bus,
		logger:     logger,
		orders:     make(map[string]*model.Order),
		positions:  make(map[string]*model.Position),
		nextSeq:    make(map[string]int),
		pending:    make(map[string]map[int]domain.OrderEvent),
		applied:    make(map[string]map[string]struct{}),
		frozen:     make(map[string]struct{}),
		lastPrices: make(map[string]float64),
		now:        time.Now,
	}
}

// Restore 重启恢复：把近期订单和持仓从数据库装回内存缓存，
// 保证 SL/TP 参考订单在重启后仍然可用。
func (m *Manager) Restore(ctx context.Context) error {
	orders, err := m.store.ListOrders(ctx, m.accountID, restoreOrderLimit)
	if err != nil {
		return fmt.Errorf("restore orders: %w", err)
	}
	positions, err := m.store.ListPositions(ctx, m.accountID)
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	acc, err := m.store.GetAccount(ctx, m.accountID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("restore account: %w", err)
	}

	m.mu.Lock()
	for i := range orders {
		o := orders[i]
		m.orders[o.OrderID] = &o
	}
	for i := range positions {
		p := positions[i]
		m.positions[p.Symbol] = &p
	}
	m.mu.Unlock()

	if acc != nil {
		m.capital.Restore(acc)
	}
	m.logger.WithFields(logrus.Fields{
		"orders":    len(orders),
		"positions": len(positions),
	}).Info("OrderManager: state restored from store")
	return nil
}

// HandleSignal 把策略信号变成订单：校验 → 定量 → 建单 → 预留资金 → 提交。
// 校验或定量拒绝时返回结构化原因码，不产生任何订单或资金变化。
func (m *Manager) HandleSignal(ctx context.Context, sig model.Signal) (*model.Order, error) {
	acct := m.capital.Snapshot()
	if acct.Frozen {
		return nil, domain.ErrAccountFrozen
	}

	// 1. 十道闸门
	res := m.validator.Validate(sig, acct, m.positionView(sig.Symbol))
	if !res.Approved {
		signalsRejectedTotal.WithLabelValues(string(res.Reason)).Inc()
		m.logger.WithFields(logrus.Fields{
			"symbol": sig.Symbol,
			"action": sig.Action,
			"reason": res.Reason,
		}).Info("OrderManager: signal rejected by validator")
		return nil, domain.NewValidationRejected(res.Reason)
	}
	m.validator.RecordSignal(sig.Symbol)

	// 2. 仓位计算链
	qty := risk.PositionSize(sig.Price, risk.Params{
		Capital:     acct.AvailableCapital,
		RiskPct:     m.riskCfg.RiskPerTradePct,
		StopLossPct: m.riskCfg.StopLossPct,
	}, m.limits)
	if qty <= 0 {
		m.logger.WithField("symbol", sig.Symbol).Info("OrderManager: position size resolved to zero, signal dropped")
		return nil, domain.NewValidationRejected(domain.RejectSizingZero)
	}

	strategy := sig.Strategy
	if strategy == "" {
		strategy = "manual"
	}

	// 3. 派生止损/止盈价，创建 NEW 订单
	order := m.buildOrder(sig.Symbol, sig.Action, qty, sig.Price, strategy,
		m.riskCfg.StopLossPct, m.riskCfg.TakeProfitPct)

	if err := m.createAndSubmit(ctx, order, true); err != nil {
		return order, err
	}
	return order, nil
}

// PlaceManualOrder 手动下单：绕过定量 (闸门 3 之后的 sizing)，
// 但仍要通过风控闸门 1-2, 4, 8-10。
func (m *Manager) PlaceManualOrder(ctx context.Context, req model.PlaceOrderRequest) (*model.Order, error) {
	acct := m.capital.Snapshot()
	if acct.Frozen {
		return nil, domain.ErrAccountFrozen
	}

	res := m.validator.ValidateManual(req, acct, m.positionView(req.Symbol))
	if !res.Approved {
		m.logger.WithFields(logrus.Fields{
			"symbol": req.Symbol,
			"reason": res.Reason,
		}).Info("OrderManager: manual order rejected")
		return nil, domain.NewValidationRejected(res.Reason)
	}

	// 股数仍受硬顶约束
	qty := req.Qty
	if qty > m.limits.MaxQtyPerOrder {
		qty = m.limits.MaxQtyPerOrder
	}
	if qty > m.limits.AbsoluteMaxQty {
		qty = m.limits.AbsoluteMaxQty
	}

	slPct := req.StopLossPct
	if slPct <= 0 {
		slPct = m.riskCfg.StopLossPct
	}
	tpPct := req.TakeProfitPct
	if tpPct <= 0 {
		tpPct = m.riskCfg.TakeProfitPct
	}

	order := m.buildOrder(req.Symbol, req.Side, qty, req.Price, "manual", slPct, tpPct)
	if err := m.createAndSubmit(ctx, order, true); err != nil {
		return order, err
	}
	return order, nil
}

// buildOrder 组装一个 NEW 状态的订单。OrderID 在此分配，终生不变。
func (m *Manager) buildOrder(symbol string, side model.OrderSide, qty int, price float64, strategy string, slPct, tpPct float64) *model.Order {
	now := m.now()
	return &model.Order{
		OrderID:         uuid.NewString(),
		AccountID:       m.accountID,
		Symbol:          symbol,
		Side:            side,
		Qty:             qty,
		Price:           price,
		OrderType:       model.OrderTypeMarket,
		Status:          model.OrderStatusNew,
		Strategy:        strategy,
		StopLossPrice:   risk.StopLossPrice(price, side, slPct, m.limits.MinStopLossPct),
		TakeProfitPrice: risk.TakeProfitPrice(price, side, tpPct),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// createAndSubmit 持久化订单、预留资金并带重试提交。
// 存储不可用时直接让本次操作失败，不做本地缓冲。
//
// gated=false 用于平仓单：其资金锁在即将释放的持仓保证金里，
// 预留照常入账但不做余额闸门，否则大仓位永远平不掉。
func (m *Manager) createAndSubmit(ctx context.Context, order *model.Order, gated bool) error {
	if err := m.store.SaveOrder(ctx, order); err != nil {
		return domain.NewInternalError("failed to persist order", err)
	}

	reserve := m.capital.Reserve
	if !gated {
		reserve = m.capital.ReserveFill
	}
	if err := reserve(order.Qty, order.Price); err != nil {
		// 预留失败：订单已落库，标记为 REJECTED 后返回
		m.mu.Lock()
		m.registerOrderLocked(order)
		m.transitionLocked(order, model.OrderStatusRejected, err.Error())
		m.publishOrderUpdate(order)
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.registerOrderLocked(order)
	m.mu.Unlock()

	ordersCreatedTotal.Inc()
	m.logger.WithFields(logrus.Fields{
		"order_id": shortID(order.OrderID),
		"symbol":   order.Symbol,
		"side":     order.Side,
		"qty":      order.Qty,
		"price":    order.Price,
	}).Info("OrderManager: order created")
	m.publishOrderUpdate(order)

	return m.submitWithRetry(ctx, order)
}

// submitWithRetry 有界重试提交：仅传输层失败重试，且永远复用同一
// OrderID (撮合方对已知 OrderID 幂等)。3 次耗尽后转 REJECTED 并
// 全额释放预留。
func (m *Manager) submitWithRetry(ctx context.Context, order *model.Order) error {
	var lastErr error
	for attempt := 1; attempt <= maxSubmitRetries; attempt++ {
		lastErr = m.broker.Place(ctx, order)
		if lastErr == nil {
			if attempt > 1 {
				m.logger.WithFields(logrus.Fields{
					"order_id": shortID(order.OrderID),
					"attempt":  attempt,
				}).Info("OrderManager: submission succeeded after retry")
			}
			return nil
		}
		m.logger.WithError(lastErr).WithFields(logrus.Fields{
			"order_id": shortID(order.OrderID),
			"attempt":  attempt,
		}).Warn("OrderManager: broker submission failed")
	}

	// 耗尽：转 REJECTED，释放全部预留，通过正常 OrderUpdate 通道上报
	if err := m.capital.Release(order.Qty, order.Price); err != nil {
		m.logger.WithError(err).Error("OrderManager: release after failed submission")
	}
	m.mu.Lock()
	m.transitionLocked(order, model.OrderStatusRejected,
		fmt.Sprintf("submission failed after %d attempts: %v", maxSubmitRetries, lastErr))
	m.publishOrderUpdate(order)
	m.publishPnl()
	m.mu.Unlock()
	return fmt.Errorf("%w: %v", domain.ErrSubmissionFailed, lastErr)
}

// CancelOrder 撤单。撤单与异步成交存在竞争：先问撮合方 (成交一旦提交
// 撤单必败)，再在锁内做 compare-and-transition，保证检查与流转原子。
func (m *Manager) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return domain.NewNotFoundError("order not found")
	}
	if !order.Status.IsCancelable() {
		m.mu.Unlock()
		return &domain.AppError{Code: 400, Message: "order not cancelable", Err: domain.ErrOrderNotCancelable}
	}
	m.mu.Unlock()

	// 锁外询问撮合方：false 意味着成交已提交，fill wins
	if !m.broker.Cancel(ctx, orderID) {
		return &domain.AppError{Code: 409, Message: "order already committed to fill", Err: domain.ErrOrderNotCancelable}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// CAS：撮合方确认撤单与我们拿到锁之间可能已有在途事件落地
	if !order.Status.IsCancelable() {
		return &domain.AppError{Code: 409, Message: "order reached terminal state", Err: domain.ErrOrderNotCancelable}
	}
	if err := m.transitionLocked(order, model.OrderStatusCancelled, "cancelled by request"); err != nil {
		return err
	}
	m.releaseUnfilledLocked(order)
	m.publishOrderUpdate(order)
	m.publishPnl()
	m.logger.WithField("order_id", shortID(orderID)).Info("OrderManager: order cancelled")
	return nil
}

// registerOrderLocked 登记订单并初始化其事件序号
func (m *Manager) registerOrderLocked(order *model.Order) {
	m.orders[order.OrderID] = order
	m.nextSeq[order.OrderID] = 1
}

// releaseUnfilledLocked 按未成交数量比例释放预留
func (m *Manager) releaseUnfilledLocked(order *model.Order) {
	if remaining := order.RemainingQty(); remaining > 0 {
		if err := m.capital.Release(remaining, order.Price); err != nil {
			m.logger.WithError(err).WithField("order_id", shortID(order.OrderID)).
				Error("OrderManager: failed to release unfilled reservation")
		}
	}
}

// positionView 校验所需的持仓只读视图
func (m *Manager) positionView(symbol string) validator.PositionView {
	m.mu.Lock()
	defer m.mu.Unlock()
	open := 0
	for _, p := range m.positions {
		if p.Qty > 0 {
			open++
		}
	}
	var pos *model.Position
	if p, ok := m.positions[symbol]; ok && p.Qty > 0 {
		cp := *p
		pos = &cp
	}
	return validator.PositionView{Position: pos, OpenCount: open}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

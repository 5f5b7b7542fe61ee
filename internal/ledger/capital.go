package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netguy001/algobot-go/internal/domain"
	"github.com/netguy001/algobot-go/internal/model"
)

// invariantEpsilon 资金守恒校验的浮点容差
const invariantEpsilon = 1e-6

// ErrInvariantViolated 资金守恒不变式被破坏 — 致命错误，账户冻结
var ErrInvariantViolated = errors.New("capital conservation invariant violated")

// AccountState is a read-only copy of the ledger state.
// 永远返回拷贝，防止外部改写账本。
type AccountState struct {
	AccountID        string
	InitialCapital   float64
	AvailableCapital float64
	UsedMargin       float64
	RealizedPnl      float64
	// DailyRealizedPnl 自上次 ResetHalt (交易日起点) 以来的已实现盈亏
	DailyRealizedPnl float64
	DailyLossHalted  bool
	KillSwitch       bool
	Frozen           bool
}

// Capital 是单个账户资金的唯一事实来源。
// 所有修改都在同一把互斥锁下执行：写串行化，读一致。
//
// 不变式 (每次修改后自检):
//
//	available + usedMargin == initial + realizedPnl
type Capital struct {
	mu sync.Mutex

	accountID  string
	initial    float64
	available  float64
	usedMargin float64
	realized   float64

	// dayStartRealized 交易日起点的已实现盈亏基线，ResetHalt 时推进
	dayStartRealized float64

	dailyLossLimit  float64
	dailyLossHalted bool
	killSwitch      bool

	// frozen 在不变式被破坏后置位，冻结新订单创建，需人工介入
	frozen bool

	store  domain.Store // 可为 nil (纯内存，测试用)
	logger *logrus.Logger
}

// NewCapital 创建账本
func NewCapital(accountID string, initialCapital, dailyLossLimit float64, store domain.Store, logger *logrus.Logger) *Capital {
	if logger == nil {
		logger = logrus.New()
	}
	return &Capital{
		accountID:      accountID,
		initial:        initialCapital,
		available:      initialCapital,
		dailyLossLimit: dailyLossLimit,
		store:          store,
		logger:         logger,
	}
}

// Restore 用持久化的账户行恢复账本状态 (重启恢复)
func (c *Capital) Restore(acc *model.Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initial = acc.InitialCapital
	c.available = acc.AvailableCapital
	c.usedMargin = acc.UsedMargin
	c.realized = acc.RealizedPnl
	c.dailyLossHalted = acc.DailyLossHalted
}

// Reserve debits availableCapital and credits usedMargin for qty*price.
// 检查与扣减在同一临界区内原子完成；余额不足时不产生任何修改。
func (c *Capital) Reserve(qty int, price float64) error {
	notional := float64(qty) * price

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return domain.ErrAccountFrozen
	}
	if c.available < notional {
		return fmt.Errorf("%w: need %.2f, available %.2f",
			domain.ErrInsufficientCapital, notional, c.available)
	}

	c.available -= notional
	c.usedMargin += notional
	if err := c.checkInvariantLocked("reserve"); err != nil {
		return err
	}
	c.persistLocked()
	return nil
}

// ReserveFill locks margin for an opening fill at the executed price.
// 与 Reserve 的修改相同，但不做余额闸门：成交时的保证金转换不是新的
// 资金申请 — 闸门在订单创建的 Reserve 处已经过过。滑点导致的微小
// 透支在这里允许出现，由守恒自检兜底。
func (c *Capital) ReserveFill(qty int, price float64) error {
	notional := float64(qty) * price

	c.mu.Lock()
	defer c.mu.Unlock()

	c.available -= notional
	c.usedMargin += notional
	if err := c.checkInvariantLocked("reserve_fill"); err != nil {
		return err
	}
	c.persistLocked()
	return nil
}

// Release 归还预留：Reserve 的逆操作。
// 用于平仓、撤单或预留后被拒绝的场景。
func (c *Capital) Release(qty int, price float64) error {
	notional := float64(qty) * price

	c.mu.Lock()
	defer c.mu.Unlock()

	c.available += notional
	c.usedMargin -= notional
	if err := c.checkInvariantLocked("release"); err != nil {
		return err
	}
	c.persistLocked()
	return nil
}

// RecordPnl 记录单笔平仓成交的已实现盈亏。
// 每笔平仓成交恰好调用一次，金额只含该笔成交实现的部分。
func (c *Capital) RecordPnl(amount float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.realized += amount
	c.available += amount
	if err := c.checkInvariantLocked("record_pnl"); err != nil {
		return err
	}
	c.persistLocked()
	return nil
}

// CheckDailyLossLimit latches the halt flag once realized PnL breaches
// the daily loss limit. 置位后不会自动清除，需显式 ResetHalt。
func (c *Capital) CheckDailyLossLimit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dailyLossHalted {
		return true
	}
	if c.realized-c.dayStartRealized <= -c.dailyLossLimit {
		c.dailyLossHalted = true
		c.logger.WithFields(logrus.Fields{
			"account":    c.accountID,
			"daily_loss": c.realized - c.dayStartRealized,
			"limit":      c.dailyLossLimit,
		}).Warn("CapitalLedger: daily loss limit breached, trading halted")
		c.persistLocked()
		return true
	}
	return false
}

// Halt 手动总闸 — 停止一切新订单创建
func (c *Capital) Halt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killSwitch = true
	c.dailyLossHalted = true
	c.logger.WithField("account", c.accountID).Warn("CapitalLedger: kill switch activated")
	c.persistLocked()
}

// ResetHalt 显式清除停机标志并推进交易日基线 (新交易日)
func (c *Capital) ResetHalt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killSwitch = false
	c.dailyLossHalted = false
	c.dayStartRealized = c.realized
	c.logger.WithField("account", c.accountID).Info("CapitalLedger: halt flags reset")
	c.persistLocked()
}

// Snapshot 返回账本的只读拷贝
func (c *Capital) Snapshot() AccountState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return AccountState{
		AccountID:        c.accountID,
		InitialCapital:   c.initial,
		AvailableCapital: c.available,
		UsedMargin:       c.usedMargin,
		RealizedPnl:      c.realized,
		DailyRealizedPnl: c.realized - c.dayStartRealized,
		DailyLossHalted:  c.dailyLossHalted,
		KillSwitch:       c.killSwitch,
		Frozen:           c.frozen,
	}
}

// Frozen reports whether the invariant self-check ever failed.
func (c *Capital) Frozen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frozen
}

// checkInvariantLocked 每次修改后的守恒自检。
// 失败属于内部致命错误：冻结账户并向上传播，绝不吞掉。
func (c *Capital) checkInvariantLocked(op string) error {
	diff := (c.available + c.usedMargin) - (c.initial + c.realized)
	if math.Abs(diff) > invariantEpsilon {
		c.frozen = true
		c.logger.WithFields(logrus.Fields{
			"account":   c.accountID,
			"op":        op,
			"available": c.available,
			"used":      c.usedMargin,
			"initial":   c.initial,
			"realized":  c.realized,
			"diff":      diff,
		}).Error("CapitalLedger: FATAL capital conservation violated, account frozen")
		return fmt.Errorf("%w after %s: diff=%.6f", ErrInvariantViolated, op, diff)
	}
	return nil
}

// persistLocked 将账户行落库。存储暂时不可用只记日志，
// 内存账本仍是权威状态，由对账组件兜底发现漂移。
func (c *Capital) persistLocked() {
	if c.store == nil {
		return
	}
	acc := &model.Account{
		AccountID:        c.accountID,
		InitialCapital:   c.initial,
		AvailableCapital: c.available,
		UsedMargin:       c.usedMargin,
		RealizedPnl:      c.realized,
		DailyLossHalted:  c.dailyLossHalted,
		UpdatedAt:        time.Now(),
	}
	if err := c.store.SaveAccount(context.Background(), acc); err != nil {
		c.logger.WithError(err).Error("CapitalLedger: failed to persist account row")
	}
}

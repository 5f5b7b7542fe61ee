// Package validator implements the pre-trade guard chain.
//
// 十道闸门按固定顺序求值、遇错即停，保证拒绝原因确定可复现。
// 校验器自身不做任何修改 — 唯一的例外 (闸门 3 触发停机) 委托给账本执行。
package validator

import (
	"sync"
	"time"

	"github.com/netguy001/algobot-go/internal/config"
	"github.com/netguy001/algobot-go/internal/domain"
	"github.com/netguy001/algobot-go/internal/ledger"
	"github.com/netguy001/algobot-go/internal/model"
)

// maxRecentSignals 幂等指纹集合的容量上限，超过后整体清空
const maxRecentSignals = 500

// Result 校验结果 (瞬态，不落库)
type Result struct {
	Approved bool
	Reason   domain.RejectReason
}

func approved() Result {
	return Result{Approved: true}
}

func rejected(reason domain.RejectReason) Result {
	return Result{Reason: reason}
}

// PositionView 校验所需的持仓只读视图
type PositionView struct {
	// Position 信号品种的当前持仓 (可为 nil / flat)
	Position *model.Position
	// OpenCount 当前持仓品种数
	OpenCount int
}

// Halter 闸门 3 委托的停机入口 (由 CapitalLedger 实现)
type Halter interface {
	CheckDailyLossLimit() bool
}

// Validator evaluates the ten ordered guards. Cooldown bookkeeping is the
// only internal state; the clock is injected so every guard is
// deterministic under test.
type Validator struct {
	mu sync.Mutex

	cooldownTicks   int
	cooldownSeconds float64
	maxOpen         int
	maxExposurePct  float64
	dailyLossLimit  float64

	halter Halter
	now    func() time.Time

	// symbol -> 最近一次被接受信号的 tick / 时间
	lastSignalTick map[string]int
	lastSignalTime map[string]time.Time
	recentSignals  map[string]struct{}
	tickCounter    int
}

// New 创建校验器
func New(cfg config.RiskConfig, halter Halter) *Validator {
	return &Validator{
		cooldownTicks:   cfg.CooldownTicks,
		cooldownSeconds: cfg.CooldownSeconds,
		maxOpen:         cfg.MaxOpenPositions,
		maxExposurePct:  cfg.MaxExposurePct,
		dailyLossLimit:  cfg.DailyLossLimit,
		halter:          halter,
		now:             time.Now,
		lastSignalTick:  make(map[string]int),
		lastSignalTime:  make(map[string]time.Time),
		recentSignals:   make(map[string]struct{}),
	}
}

// WithClock 注入时钟 (测试用)
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Tick 每个行情周期推进一次内部计数器
func (v *Validator) Tick() {
	v.mu.Lock()
	v.tickCounter++
	v.mu.Unlock()
}

// Validate 按固定顺序执行全部十道闸门。
func (v *Validator) Validate(sig model.Signal, acct ledger.AccountState, pos PositionView) Result {
	v.mu.Lock()
	defer v.mu.Unlock()

	// 1. 总闸
	if acct.KillSwitch {
		return rejected(domain.RejectKillSwitch)
	}

	// 2. 日亏损已停机
	if acct.DailyLossHalted {
		return rejected(domain.RejectDailyHalt)
	}

	// 3. 复查日亏损阈值 — 捕获恰好越界的那个信号。
	//    停机动作委托给账本执行，校验器不改状态。
	if acct.DailyRealizedPnl <= -v.dailyLossLimit {
		if v.halter != nil {
			v.halter.CheckDailyLossLimit()
		}
		return rejected(domain.RejectDailyLossBreach)
	}

	// 4. 幂等窗口内的重复信号
	key := sig.Fingerprint()
	if _, dup := v.recentSignals[key]; dup {
		return rejected(domain.RejectDuplicate)
	}
	if len(v.recentSignals) >= maxRecentSignals {
		v.recentSignals = make(map[string]struct{})
	}
	v.recentSignals[key] = struct{}{}

	// 5. Tick 冷却
	if last, ok := v.lastSignalTick[sig.Symbol]; ok {
		if v.tickCounter-last < v.cooldownTicks {
			return rejected(domain.RejectTickCooldown)
		}
	}

	// 6. 时间冷却 (防止高频 tick 下过度交易)
	if last, ok := v.lastSignalTime[sig.Symbol]; ok {
		if v.now().Sub(last).Seconds() < v.cooldownSeconds {
			return rejected(domain.RejectTimeCooldown)
		}
	}

	// 7. 同向持仓 — 禁止无限加仓
	if !pos.Position.IsFlat() && pos.Position.Side == sig.Action {
		return rejected(domain.RejectSameDirection)
	}

	// 8. 持仓品种数上限 (仅对将开新品种的信号)
	if pos.Position.IsFlat() && pos.OpenCount >= v.maxOpen {
		return rejected(domain.RejectMaxPositions)
	}

	// 9. 最小可行订单的资金充足性 (至少买得起一股)
	if acct.AvailableCapital < sig.Price || sig.Price <= 0 {
		return rejected(domain.RejectInsufficientCapital)
	}

	// 10. 总敞口上限
	if v.exposurePct(acct) >= v.maxExposurePct {
		return rejected(domain.RejectExposureCap)
	}

	return approved()
}

// ValidateManual 手动订单的轻量闸门: 1-2, 4, 8-10 加请求合法性。
// 冷却闸门不适用 — 人工操作由人负责节奏。
func (v *Validator) ValidateManual(req model.PlaceOrderRequest, acct ledger.AccountState, pos PositionView) Result {
	v.mu.Lock()
	defer v.mu.Unlock()

	if acct.KillSwitch {
		return rejected(domain.RejectKillSwitch)
	}
	if acct.DailyLossHalted {
		return rejected(domain.RejectDailyHalt)
	}
	if req.Qty <= 0 {
		return rejected(domain.RejectInvalidQty)
	}
	if req.Price <= 0 {
		return rejected(domain.RejectInvalidPrice)
	}

	fp := model.Signal{Symbol: req.Symbol, Action: req.Side, Price: req.Price}.Fingerprint()
	if _, dup := v.recentSignals[fp]; dup {
		return rejected(domain.RejectDuplicate)
	}
	if len(v.recentSignals) >= maxRecentSignals {
		v.recentSignals = make(map[string]struct{})
	}
	v.recentSignals[fp] = struct{}{}

	if pos.Position.IsFlat() && pos.OpenCount >= v.maxOpen {
		return rejected(domain.RejectMaxPositions)
	}
	if acct.AvailableCapital < float64(req.Qty)*req.Price {
		return rejected(domain.RejectInsufficientCapital)
	}
	if v.exposurePct(acct) >= v.maxExposurePct {
		return rejected(domain.RejectExposureCap)
	}

	return approved()
}

// RecordSignal 信号被接受后登记冷却起点
func (v *Validator) RecordSignal(symbol string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastSignalTick[symbol] = v.tickCounter
	v.lastSignalTime[symbol] = v.now()
}

// ResetCooldowns 清空全部冷却与幂等状态 (策略切换时)
func (v *Validator) ResetCooldowns() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastSignalTick = make(map[string]int)
	v.lastSignalTime = make(map[string]time.Time)
	v.recentSignals = make(map[string]struct{})
}

// exposurePct 当前敞口占 (初始资金 + 已实现盈亏) 的百分比
func (v *Validator) exposurePct(acct ledger.AccountState) float64 {
	base := acct.InitialCapital + acct.RealizedPnl
	if base <= 0 {
		return 100
	}
	return acct.UsedMargin / base * 100
}

// Package broker contains the venue adapters. The simulated adapter mimics
// a remote exchange: latency, partial fills, adverse slippage and a small
// rejection rate, delivered asynchronously as seq-numbered order events.
package broker

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netguy001/algobot-go/internal/config"
	"github.com/netguy001/algobot-go/internal/domain"
	"github.com/netguy001/algobot-go/internal/model"
)

// Options 模拟撮合参数
type Options struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	SlippagePct float64 // 0-100 刻度，0.05 表示 0.05%
	PartialProb float64
	RejectProb  float64

	// FailRate 注入传输层提交失败的概率 (测试重试路径用，生产为 0)
	FailRate float64

	// Seed 随机种子，0 表示用当前时间
	Seed int64
}

// OptionsFromConfig 从配置构建模拟参数
func OptionsFromConfig(cfg config.BrokerConfig) Options {
	return Options{
		MinLatency:  time.Duration(cfg.MinLatencyMs) * time.Millisecond,
		MaxLatency:  time.Duration(cfg.MaxLatencyMs) * time.Millisecond,
		SlippagePct: cfg.SlippagePct,
		PartialProb: cfg.PartialProb,
		RejectProb:  cfg.RejectProb,
	}
}

// orderState 撮合方视角的单订单状态
type orderState struct {
	symbol string
	side   model.OrderSide
	qty    int
	price  float64

	seq       int  // 已发出的事件序号
	cancelled bool // 撤单已受理，停止后续事件
	committed bool // 终态事件已提交 — 此后撤单必败

	// deliver 在整个回调投递期间持有。Cancel 排在它后面裁决，
	// 所以 Cancel 返回 true 即保证：没有在途事件，之后也不会再有。
	deliver sync.Mutex
}

// Simulated is an in-process venue. Every accepted order gets its own
// goroutine that emits ACK → (PARTIAL)* → terminal through the handler.
//
// 每个订单的事件按时间顺序恰好投递一次；跨订单不保证顺序。
type Simulated struct {
	mu      sync.Mutex
	orders  map[string]*orderState
	rng     *rand.Rand
	handler domain.BrokerEventHandler

	opts   Options
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSimulated 创建模拟撮合引擎。handler 在 Start 前必须通过 SetHandler 注入。
func NewSimulated(opts Options, logger *logrus.Logger) *Simulated {
	if logger == nil {
		logger = logrus.New()
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Simulated{
		orders: make(map[string]*orderState),
		rng:    rand.New(rand.NewSource(seed)),
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetHandler 注入回报消费方 (OrderManager)
func (b *Simulated) SetHandler(h domain.BrokerEventHandler) {
	b.handler = h
}

// Stop 停止撮合并等待所有在途订单协程退出
func (b *Simulated) Stop() {
	b.cancel()
	b.wg.Wait()
}

// Place 受理订单。对已知 OrderID 的重复提交是幂等空操作，
// 这样 OrderManager 的重试永远不会产生重复订单。
func (b *Simulated) Place(ctx context.Context, order *model.Order) error {
	b.mu.Lock()
	if _, known := b.orders[order.OrderID]; known {
		b.mu.Unlock()
		b.logger.WithField("order_id", order.OrderID).Debug("SimBroker: duplicate submission ignored")
		return nil
	}
	// 传输层失败注入发生在受理之前：重试会重新走到这里
	if b.opts.FailRate > 0 && b.rng.Float64() < b.opts.FailRate {
		b.mu.Unlock()
		return domain.ErrSubmissionFailed
	}
	st := &orderState{
		symbol: order.Symbol,
		side:   order.Side,
		qty:    order.Qty,
		price:  order.Price,
	}
	b.orders[order.OrderID] = st
	b.mu.Unlock()

	b.wg.Add(1)
	go b.simulate(order.OrderID, st)
	return nil
}

// Cancel 受理撤单。一旦终态事件已提交则必败 — 成交优先。
// 裁决前先等在途回报投递完成：已发出的部分成交必须先落到消费方，
// 否则会出现"撤单先赢、迟到的成交再应用"的非法时序。
// 对撮合方未知的订单返回 true (无事可撤)。
func (b *Simulated) Cancel(ctx context.Context, orderID string) bool {
	b.mu.Lock()
	st, ok := b.orders[orderID]
	b.mu.Unlock()
	if !ok {
		return true
	}

	st.deliver.Lock()
	defer st.deliver.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if st.committed {
		return false
	}
	st.cancelled = true
	return true
}

var _ domain.Broker = (*Simulated)(nil)

// simulate 单订单的完整生命周期
func (b *Simulated) simulate(orderID string, st *orderState) {
	defer b.wg.Done()

	// ACK 延迟约为整体延迟的一半
	if !b.sleep(b.latency() / 2) {
		return
	}
	if !b.emit(orderID, st, model.OrderStatusAck, 0, 0, false) {
		return
	}

	totalQty := st.qty

	// ~30% 概率部分成交 (仅 qty > 10)
	if totalQty > 10 && b.chance(b.opts.PartialProb) {
		partialQty := 1 + b.intn(totalQty-1)
		firstPrice := b.slip(st.price, st.side)

		if !b.sleep(b.latency()) {
			return
		}
		if !b.emit(orderID, st, model.OrderStatusPartial, partialQty, firstPrice, false) {
			return
		}

		// 剩余数量独立滑点成交
		if !b.sleep(b.latency()) {
			return
		}
		secondPrice := b.slip(st.price, st.side)
		avg := (firstPrice*float64(partialQty) + secondPrice*float64(totalQty-partialQty)) / float64(totalQty)
		b.emit(orderID, st, model.OrderStatusFilled, totalQty, round2(avg), true)
		return
	}

	if !b.sleep(b.latency()) {
		return
	}

	// ~5% 概率拒绝，其余全部成交
	if b.chance(b.opts.RejectProb) {
		b.emit(orderID, st, model.OrderStatusRejected, 0, 0, true)
		return
	}
	b.emit(orderID, st, model.OrderStatusFilled, totalQty, b.slip(st.price, st.side), true)
}

// emit 投递一个事件。返回 false 表示订单已被撤销，生命周期终止。
// 提交判定与撤单检查在同一临界区内完成，投递全程持有 deliver：
// 事件一旦发出就必然先于任何撤单受理抵达消费方。
func (b *Simulated) emit(orderID string, st *orderState, status model.OrderStatus, filledQty int, avgPrice float64, terminal bool) bool {
	st.deliver.Lock()
	defer st.deliver.Unlock()

	b.mu.Lock()
	if st.cancelled {
		b.mu.Unlock()
		return false
	}
	if terminal {
		st.committed = true
	}
	st.seq++
	ev := domain.OrderEvent{
		OrderID:   orderID,
		Status:    status,
		FilledQty: filledQty,
		AvgPrice:  avgPrice,
		Seq:       st.seq,
		Timestamp: time.Now(),
	}
	handler := b.handler
	b.mu.Unlock()

	// 回调在 b.mu 外执行，避免与消费方的锁交叉
	if handler != nil {
		handler.OnBrokerEvent(ev)
	}
	return true
}

// slip 施加对交易者不利方向的滑点
func (b *Simulated) slip(price float64, side model.OrderSide) float64 {
	slip := price * (b.opts.SlippagePct / 100)
	if side == model.SideBuy {
		return round2(price + slip)
	}
	return round2(price - slip)
}

func (b *Simulated) latency() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	span := b.opts.MaxLatency - b.opts.MinLatency
	if span <= 0 {
		return b.opts.MinLatency
	}
	return b.opts.MinLatency + time.Duration(b.rng.Int63n(int64(span)))
}

func (b *Simulated) chance(p float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rng.Float64() < p
}

func (b *Simulated) intn(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 {
		return 0
	}
	return b.rng.Intn(n)
}

// sleep 可被 Stop 打断的延迟。返回 false 表示撮合引擎已停止。
func (b *Simulated) sleep(d time.Duration) bool {
	if d <= 0 {
		return b.ctx.Err() == nil
	}
	select {
	case <-time.After(d):
		return true
	case <-b.ctx.Done():
		return false
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

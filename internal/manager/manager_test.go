package manager

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/netguy001/algobot-go/internal/config"
	"github.com/netguy001/algobot-go/internal/domain"
	"github.com/netguy001/algobot-go/internal/event"
	"github.com/netguy001/algobot-go/internal/ledger"
	"github.com/netguy001/algobot-go/internal/model"
	"github.com/netguy001/algobot-go/internal/store"
	"github.com/netguy001/algobot-go/internal/validator"
)

// fakeBroker 脚本化撮合方：不产生异步事件，
// 回报由测试通过 OnBrokerEvent 同步注入。
type fakeBroker struct {
	mu       sync.Mutex
	placed   []*model.Order
	failures int  // 前 N 次 Place 注入传输层失败
	cancelOK bool // Cancel 的脚本化应答

	// onCancel 在 Cancel 应答之前执行，模拟撤单受理前
	// 必须先投递完毕的在途回报
	onCancel func(orderID string)
}

func (b *fakeBroker) Place(ctx context.Context, order *model.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return domain.ErrSubmissionFailed
	}
	b.placed = append(b.placed, order)
	return nil
}

func (b *fakeBroker) Cancel(ctx context.Context, orderID string) bool {
	if b.onCancel != nil {
		b.onCancel(orderID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelOK
}

func (b *fakeBroker) placedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.placed)
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		RiskPerTradePct:         1,
		StopLossPct:             2,
		TakeProfitPct:           4,
		MinStopLossPct:          0.5,
		MinStopDistancePct:      0.5,
		MaxNotionalPctOfCapital: 100,
		MaxQtyPerTrade:          500,
		MaxQtyPerOrder:          10_000,
		AbsoluteMaxQty:          50_000,
		MaxOpenPositions:        10,
		MaxExposurePct:          80,
		DailyLossLimit:          50_000,
		CooldownTicks:           5,
		CooldownSeconds:         30,
		OrderTimeoutSec:         60,
	}
}

type fixture struct {
	m       *Manager
	capital *ledger.Capital
	store   *store.GormStore
	broker  *fakeBroker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	st := store.New(db)
	require.NoError(t, st.AutoMigrate())

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := testRiskConfig()
	capital := ledger.NewCapital("acct", 1_000_000, cfg.DailyLossLimit, st, logger)
	v := validator.New(cfg, capital)
	b := &fakeBroker{cancelOK: true}
	bus := event.NewBus(256, logger)
	t.Cleanup(bus.Shutdown)

	m := New("acct", cfg, capital, v, b, st, bus, logger)
	return &fixture{m: m, capital: capital, store: st, broker: b}
}

func (f *fixture) emit(orderID string, status model.OrderStatus, filledQty int, avgPrice float64, seq int) {
	f.m.OnBrokerEvent(domain.OrderEvent{
		OrderID:   orderID,
		Status:    status,
		FilledQty: filledQty,
		AvgPrice:  avgPrice,
		Seq:       seq,
		Timestamp: time.Now(),
	})
}

func (f *fixture) conservationHolds(t *testing.T) {
	t.Helper()
	s := f.capital.Snapshot()
	assert.InDelta(t, s.InitialCapital+s.RealizedPnl, s.AvailableCapital+s.UsedMargin, 1e-6)
}

func manualBuy(symbol string, qty int, price float64) model.PlaceOrderRequest {
	return model.PlaceOrderRequest{Symbol: symbol, Side: model.SideBuy, Qty: qty, Price: price}
}

func TestSignalCreatesSizedOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.m.HandleSignal(ctx, model.Signal{
		Symbol: "AAPL", Action: model.SideBuy, Price: 2500, Strategy: "trend",
	})
	require.NoError(t, err)

	// floor(1,000,000 * 1% / (2,500 * 2%)) = 200
	assert.Equal(t, 200, order.Qty)
	assert.Equal(t, model.OrderStatusNew, order.Status)
	assert.Equal(t, 2450.0, order.StopLossPrice)
	assert.Equal(t, 2600.0, order.TakeProfitPrice)
	assert.Equal(t, 1, f.broker.placedCount())

	// 预留 200 * 2,500 = 500,000
	s := f.capital.Snapshot()
	assert.Equal(t, 500_000.0, s.AvailableCapital)
	assert.Equal(t, 500_000.0, s.UsedMargin)
	f.conservationHolds(t)

	stored, err := f.store.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusNew, stored.Status)
}

func TestFillRealizesPnlExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// BUY 100 @ 2,500，滑点成交于 2,510
	buy, err := f.m.PlaceManualOrder(ctx, manualBuy("AAPL", 100, 2500))
	require.NoError(t, err)
	f.emit(buy.OrderID, model.OrderStatusAck, 0, 0, 1)
	f.emit(buy.OrderID, model.OrderStatusFilled, 100, 2510, 2)

	assert.Equal(t, model.OrderStatusFilled, f.m.orders[buy.OrderID].Status)
	pos := f.m.positions["AAPL"]
	require.NotNil(t, pos)
	assert.Equal(t, 100, pos.Qty)
	assert.Equal(t, 2510.0, pos.AvgEntryPrice)
	f.conservationHolds(t)

	// SELL 100 @ 2,600 平仓 → 已实现 (2,600-2,510)*100 = 9,000
	sell, err := f.m.PlaceManualOrder(ctx, model.PlaceOrderRequest{
		Symbol: "AAPL", Side: model.SideSell, Qty: 100, Price: 2600,
	})
	require.NoError(t, err)
	f.emit(sell.OrderID, model.OrderStatusAck, 0, 0, 1)
	f.emit(sell.OrderID, model.OrderStatusFilled, 100, 2600, 2)

	s := f.capital.Snapshot()
	assert.Equal(t, 9000.0, s.RealizedPnl)
	assert.Equal(t, 1_009_000.0, s.AvailableCapital)
	assert.Equal(t, 0.0, s.UsedMargin)
	assert.True(t, f.m.positions["AAPL"].IsFlat())
	f.conservationHolds(t)

	// 两条成交，盈亏只归于平仓那笔
	trades, err := f.store.ListTrades(ctx, "acct", 0)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, 0.0, trades[0].Pnl)
	assert.Equal(t, 9000.0, trades[1].Pnl)

	// 成交重放与账本一致
	auditor := ledger.NewTradeAuditor("acct", f.store, nil, nil)
	report, err := auditor.VerifyAgainstCapitalLedger(ctx, f.capital)
	require.NoError(t, err)
	assert.True(t, report.Match)
}

func TestPartialFillsAccumulate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.m.PlaceManualOrder(ctx, manualBuy("AAPL", 100, 100))
	require.NoError(t, err)
	f.emit(order.OrderID, model.OrderStatusAck, 0, 0, 1)
	f.emit(order.OrderID, model.OrderStatusPartial, 40, 100, 2)
	// 累计 100 股，累计均价 100.6 → 后 60 股成交于 101
	f.emit(order.OrderID, model.OrderStatusFilled, 100, 100.6, 3)

	o := f.m.orders[order.OrderID]
	assert.Equal(t, model.OrderStatusFilled, o.Status)
	assert.Equal(t, 100, o.FilledQty)
	assert.InDelta(t, 100.6, o.AvgFillPrice, 1e-9)

	pos := f.m.positions["AAPL"]
	assert.Equal(t, 100, pos.Qty)
	assert.InDelta(t, 100.6, pos.AvgEntryPrice, 1e-9)
	f.conservationHolds(t)

	trades, err := f.store.ListTrades(ctx, "acct", 0)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, 40, trades[0].Qty)
	assert.Equal(t, 60, trades[1].Qty)
	assert.InDelta(t, 101.0, trades[1].Price, 1e-9)
}

func TestDuplicateSignalRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sig := model.Signal{Symbol: "AAPL", Action: model.SideBuy, Price: 2500, Strategy: "trend"}

	_, err := f.m.HandleSignal(ctx, sig)
	require.NoError(t, err)

	_, err = f.m.HandleSignal(ctx, sig)
	require.Error(t, err)
	assert.Equal(t, domain.RejectDuplicate, domain.ReasonOf(err))

	orders, err := f.store.ListOrders(ctx, "acct", 10)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestSubmitRetry(t *testing.T) {
	t.Run("transient failures recovered", func(t *testing.T) {
		f := newFixture(t)
		f.broker.failures = 2

		order, err := f.m.HandleSignal(context.Background(), model.Signal{
			Symbol: "AAPL", Action: model.SideBuy, Price: 2500,
		})
		require.NoError(t, err)
		assert.Equal(t, model.OrderStatusNew, order.Status)
		assert.Equal(t, 1, f.broker.placedCount())
	})

	t.Run("exhaustion rejects and releases in full", func(t *testing.T) {
		f := newFixture(t)
		f.broker.failures = 3

		order, err := f.m.HandleSignal(context.Background(), model.Signal{
			Symbol: "AAPL", Action: model.SideBuy, Price: 2500,
		})
		require.ErrorIs(t, err, domain.ErrSubmissionFailed)
		assert.Equal(t, model.OrderStatusRejected, order.Status)
		assert.Equal(t, 0, f.broker.placedCount())

		s := f.capital.Snapshot()
		assert.Equal(t, 1_000_000.0, s.AvailableCapital)
		assert.Equal(t, 0.0, s.UsedMargin)
		f.conservationHolds(t)
	})
}

func TestCancel(t *testing.T) {
	t.Run("cancel releases unfilled reservation", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		order, err := f.m.PlaceManualOrder(ctx, manualBuy("AAPL", 100, 100))
		require.NoError(t, err)
		f.emit(order.OrderID, model.OrderStatusAck, 0, 0, 1)
		f.emit(order.OrderID, model.OrderStatusPartial, 40, 100, 2)

		require.NoError(t, f.m.CancelOrder(ctx, order.OrderID))
		assert.Equal(t, model.OrderStatusCancelled, f.m.orders[order.OrderID].Status)

		// 部分成交的 40 股留在持仓里，未成交 60 股的预留归还
		s := f.capital.Snapshot()
		assert.Equal(t, 996_000.0, s.AvailableCapital)
		assert.Equal(t, 4000.0, s.UsedMargin)
		assert.Equal(t, 40, f.m.positions["AAPL"].Qty)
		f.conservationHolds(t)
	})

	t.Run("in-flight partial lands before cancel is granted", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		order, err := f.m.PlaceManualOrder(ctx, manualBuy("AAPL", 100, 100))
		require.NoError(t, err)
		f.emit(order.OrderID, model.OrderStatusAck, 0, 0, 1)

		// 撮合方已提交一笔部分成交：撤单受理前先把它投递完毕
		f.broker.onCancel = func(id string) {
			f.emit(id, model.OrderStatusPartial, 40, 100, 2)
		}
		require.NoError(t, f.m.CancelOrder(ctx, order.OrderID))

		// 成交入账在前，撤单在后：订单既不冻结也不丢成交
		o := f.m.orders[order.OrderID]
		assert.Equal(t, model.OrderStatusCancelled, o.Status)
		assert.Equal(t, 40, o.FilledQty)
		_, frozen := f.m.frozen[order.OrderID]
		assert.False(t, frozen)

		s := f.capital.Snapshot()
		assert.Equal(t, 996_000.0, s.AvailableCapital)
		assert.Equal(t, 4000.0, s.UsedMargin)
		assert.Equal(t, 40, f.m.positions["AAPL"].Qty)

		trades, err := f.store.ListTrades(ctx, "acct", 0)
		require.NoError(t, err)
		assert.Len(t, trades, 1)
		f.conservationHolds(t)
	})

	t.Run("fill wins after terminal commit", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		order, err := f.m.PlaceManualOrder(ctx, manualBuy("AAPL", 100, 100))
		require.NoError(t, err)
		f.emit(order.OrderID, model.OrderStatusAck, 0, 0, 1)
		f.emit(order.OrderID, model.OrderStatusFilled, 100, 100, 2)

		err = f.m.CancelOrder(ctx, order.OrderID)
		require.Error(t, err)
		assert.Equal(t, model.OrderStatusFilled, f.m.orders[order.OrderID].Status)
		f.conservationHolds(t)
	})

	t.Run("broker refusal means fill in flight", func(t *testing.T) {
		f := newFixture(t)
		f.broker.cancelOK = false
		ctx := context.Background()

		order, err := f.m.PlaceManualOrder(ctx, manualBuy("AAPL", 100, 100))
		require.NoError(t, err)
		f.emit(order.OrderID, model.OrderStatusAck, 0, 0, 1)

		err = f.m.CancelOrder(ctx, order.OrderID)
		require.Error(t, err)
		assert.Equal(t, model.OrderStatusAck, f.m.orders[order.OrderID].Status)
	})

	t.Run("unknown order", func(t *testing.T) {
		f := newFixture(t)
		err := f.m.CancelOrder(context.Background(), "ghost")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestEventOrdering(t *testing.T) {
	t.Run("out-of-order events buffered until gap closes", func(t *testing.T) {
		f := newFixture(t)

		order, err := f.m.PlaceManualOrder(context.Background(), manualBuy("AAPL", 100, 100))
		require.NoError(t, err)

		// FILLED (seq 2) 先到：不允许跳过 ACK 应用
		f.emit(order.OrderID, model.OrderStatusFilled, 100, 100, 2)
		assert.Equal(t, model.OrderStatusNew, f.m.orders[order.OrderID].Status)

		f.emit(order.OrderID, model.OrderStatusAck, 0, 0, 1)
		assert.Equal(t, model.OrderStatusFilled, f.m.orders[order.OrderID].Status)
		assert.Equal(t, 100, f.m.orders[order.OrderID].FilledQty)
		f.conservationHolds(t)
	})

	t.Run("stale seq ignored", func(t *testing.T) {
		f := newFixture(t)

		order, err := f.m.PlaceManualOrder(context.Background(), manualBuy("AAPL", 100, 100))
		require.NoError(t, err)
		f.emit(order.OrderID, model.OrderStatusAck, 0, 0, 1)
		f.emit(order.OrderID, model.OrderStatusAck, 0, 0, 1) // 重投

		assert.Equal(t, model.OrderStatusAck, f.m.orders[order.OrderID].Status)
	})

	t.Run("unsequenced duplicate absorbed by idempotency key", func(t *testing.T) {
		f := newFixture(t)

		order, err := f.m.PlaceManualOrder(context.Background(), manualBuy("AAPL", 100, 100))
		require.NoError(t, err)
		f.emit(order.OrderID, model.OrderStatusAck, 0, 0, 0)
		f.emit(order.OrderID, model.OrderStatusFilled, 100, 100, 0)
		realized := f.capital.Snapshot()

		// Webhook 通道 at-least-once 重投
		f.emit(order.OrderID, model.OrderStatusFilled, 100, 100, 0)
		assert.Equal(t, realized, f.capital.Snapshot())
		assert.Equal(t, 100, f.m.positions["AAPL"].Qty)
		f.conservationHolds(t)
	})
}

func TestIllegalTransitionFreezesOrder(t *testing.T) {
	f := newFixture(t)

	order, err := f.m.PlaceManualOrder(context.Background(), manualBuy("AAPL", 100, 100))
	require.NoError(t, err)
	f.emit(order.OrderID, model.OrderStatusAck, 0, 0, 1)
	f.emit(order.OrderID, model.OrderStatusFilled, 100, 100, 2)

	// 终态后的 CANCELLED 是非法流转：订单冻结，状态不变
	f.emit(order.OrderID, model.OrderStatusCancelled, 100, 100, 3)
	assert.Equal(t, model.OrderStatusFilled, f.m.orders[order.OrderID].Status)
	_, frozen := f.m.frozen[order.OrderID]
	assert.True(t, frozen)

	// 冻结订单的后续事件一律丢弃
	f.emit(order.OrderID, model.OrderStatusCancelled, 100, 100, 4)
	assert.Equal(t, model.OrderStatusFilled, f.m.orders[order.OrderID].Status)
	f.conservationHolds(t)
}

func TestDailyLossHaltLatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.capital.RecordPnl(-50_000))

	// 越界的那个信号触发停机
	_, err := f.m.HandleSignal(ctx, model.Signal{Symbol: "AAPL", Action: model.SideBuy, Price: 100})
	assert.Equal(t, domain.RejectDailyLossBreach, domain.ReasonOf(err))
	assert.True(t, f.capital.Snapshot().DailyLossHalted)

	// 此后一律 DAILY_HALT，直到显式重置
	_, err = f.m.HandleSignal(ctx, model.Signal{Symbol: "TSLA", Action: model.SideBuy, Price: 100})
	assert.Equal(t, domain.RejectDailyHalt, domain.ReasonOf(err))

	f.m.ResetHalt()
	_, err = f.m.HandleSignal(ctx, model.Signal{Symbol: "MSFT", Action: model.SideBuy, Price: 100})
	require.NoError(t, err)
}

func TestStopLossAutoExit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 默认 SL 2% → 98，TP 4% → 104
	order, err := f.m.PlaceManualOrder(ctx, manualBuy("AAPL", 100, 100))
	require.NoError(t, err)
	f.emit(order.OrderID, model.OrderStatusAck, 0, 0, 1)
	f.emit(order.OrderID, model.OrderStatusFilled, 100, 100, 2)

	// 标记价高于止损线：不触发
	f.m.MarkPrice("AAPL", 99)
	f.m.CheckStopTakeProfit(ctx)
	assert.Equal(t, 1, f.broker.placedCount())

	// 跌破止损线 → 反向平仓单
	f.m.MarkPrice("AAPL", 97)
	f.m.CheckStopTakeProfit(ctx)
	require.Equal(t, 2, f.broker.placedCount())

	f.broker.mu.Lock()
	exit := f.broker.placed[1]
	f.broker.mu.Unlock()
	assert.Equal(t, model.SideSell, exit.Side)
	assert.Equal(t, 100, exit.Qty)
	assert.Equal(t, "auto_exit_stop_loss", exit.Strategy)

	// 平仓单在途时不重复触发
	f.m.CheckStopTakeProfit(ctx)
	assert.Equal(t, 2, f.broker.placedCount())

	// 平仓成交 → 已实现 (97-100)*100 = -300
	f.emit(exit.OrderID, model.OrderStatusAck, 0, 0, 1)
	f.emit(exit.OrderID, model.OrderStatusFilled, 100, 97, 2)
	assert.Equal(t, -300.0, f.capital.Snapshot().RealizedPnl)
	assert.True(t, f.m.positions["AAPL"].IsFlat())
	f.conservationHolds(t)
}

func TestTakeProfitAutoExit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.m.PlaceManualOrder(ctx, manualBuy("AAPL", 100, 100))
	require.NoError(t, err)
	f.emit(order.OrderID, model.OrderStatusAck, 0, 0, 1)
	f.emit(order.OrderID, model.OrderStatusFilled, 100, 100, 2)

	f.m.MarkPrice("AAPL", 105)
	f.m.CheckStopTakeProfit(ctx)
	require.Equal(t, 2, f.broker.placedCount())

	f.broker.mu.Lock()
	exit := f.broker.placed[1]
	f.broker.mu.Unlock()
	assert.Equal(t, "auto_exit_take_profit", exit.Strategy)
}

func TestCleanupStaleOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.m.PlaceManualOrder(ctx, manualBuy("AAPL", 100, 100))
	require.NoError(t, err)

	// 60 秒内不清理
	f.m.CleanupStaleOrders(ctx, time.Minute)
	assert.Equal(t, model.OrderStatusNew, f.m.orders[order.OrderID].Status)

	// 时钟拨过超时线
	f.m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	f.m.CleanupStaleOrders(ctx, time.Minute)

	assert.Equal(t, model.OrderStatusRejected, f.m.orders[order.OrderID].Status)
	s := f.capital.Snapshot()
	assert.Equal(t, 1_000_000.0, s.AvailableCapital)
	f.conservationHolds(t)
}

func TestGetPnlIncludesUnrealized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.m.PlaceManualOrder(ctx, manualBuy("AAPL", 100, 100))
	require.NoError(t, err)
	f.emit(order.OrderID, model.OrderStatusAck, 0, 0, 1)
	f.emit(order.OrderID, model.OrderStatusFilled, 100, 100, 2)

	f.m.MarkPrice("AAPL", 103)
	pnl := f.m.GetPnl()
	assert.Equal(t, 0.0, pnl.RealizedPnl)
	assert.InDelta(t, 300.0, pnl.UnrealizedPnl, 1e-9)
	assert.InDelta(t, 300.0, pnl.TotalPnl, 1e-9)
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.m.PlaceManualOrder(ctx, manualBuy("AAPL", 100, 100))
	require.NoError(t, err)
	f.emit(order.OrderID, model.OrderStatusAck, 0, 0, 1)
	f.emit(order.OrderID, model.OrderStatusFilled, 100, 100, 2)

	// 用同一个库重建一套组件，模拟进程重启
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	capital2 := ledger.NewCapital("acct", 1_000_000, 50_000, f.store, logger)
	v2 := validator.New(testRiskConfig(), capital2)
	bus2 := event.NewBus(64, logger)
	t.Cleanup(bus2.Shutdown)
	m2 := New("acct", testRiskConfig(), capital2, v2, &fakeBroker{cancelOK: true}, f.store, bus2, logger)

	require.NoError(t, m2.Restore(ctx))

	pos := m2.positions["AAPL"]
	require.NotNil(t, pos)
	assert.Equal(t, 100, pos.Qty)
	assert.Equal(t, model.OrderStatusFilled, m2.orders[order.OrderID].Status)

	s := capital2.Snapshot()
	assert.Equal(t, 10_000.0, s.UsedMargin)
	assert.InDelta(t, s.InitialCapital+s.RealizedPnl, s.AvailableCapital+s.UsedMargin, 1e-6)
}

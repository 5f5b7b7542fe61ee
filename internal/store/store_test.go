package store

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/netguy001/algobot-go/internal/domain"
	"github.com/netguy001/algobot-go/internal/model"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	s := New(db)
	require.NoError(t, s.AutoMigrate())
	return s
}

func TestOrderRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	order := &model.Order{
		OrderID:   "ord-1",
		AccountID: "acct",
		Symbol:    "AAPL",
		Side:      model.SideBuy,
		Qty:       100,
		Price:     2500,
		OrderType: model.OrderTypeMarket,
		Status:    model.OrderStatusNew,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, s.SaveOrder(ctx, order))

	got, err := s.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusNew, got.Status)
	assert.Equal(t, 100, got.Qty)

	t.Run("upsert hits same row", func(t *testing.T) {
		order.Status = model.OrderStatusFilled
		order.FilledQty = 100
		order.AvgFillPrice = 2501.25
		require.NoError(t, s.SaveOrder(ctx, order))

		got, err := s.GetOrder(ctx, "ord-1")
		require.NoError(t, err)
		assert.Equal(t, model.OrderStatusFilled, got.Status)
		assert.Equal(t, 100, got.FilledQty)

		orders, err := s.ListOrders(ctx, "acct", 10)
		require.NoError(t, err)
		assert.Len(t, orders, 1)
	})

	t.Run("missing order", func(t *testing.T) {
		_, err := s.GetOrder(ctx, "ghost")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestListOpenOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	statuses := []model.OrderStatus{
		model.OrderStatusNew, model.OrderStatusAck, model.OrderStatusPartial,
		model.OrderStatusFilled, model.OrderStatusCancelled, model.OrderStatusRejected,
	}
	for i, st := range statuses {
		require.NoError(t, s.SaveOrder(ctx, &model.Order{
			OrderID:   "ord-" + string(rune('a'+i)),
			AccountID: "acct",
			Symbol:    "AAPL",
			Side:      model.SideBuy,
			Qty:       1,
			Price:     100,
			Status:    st,
			CreatedAt: time.Now(),
		}))
	}

	open, err := s.ListOpenOrders(ctx, "acct")
	require.NoError(t, err)
	assert.Len(t, open, 3)
	for _, o := range open {
		assert.False(t, o.Status.IsTerminal())
	}
}

func TestTradesAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertTrade(ctx, &model.Trade{
			TradeID:   "t-" + string(rune('a'+i)),
			OrderID:   "ord-1",
			AccountID: "acct",
			Symbol:    "AAPL",
			Side:      model.SideBuy,
			Qty:       10,
			Price:     100 + float64(i),
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	trades, err := s.ListTrades(ctx, "acct", 0)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	// 按插入顺序返回，重放依赖这个顺序
	assert.Equal(t, 100.0, trades[0].Price)
	assert.Equal(t, 102.0, trades[2].Price)
}

func TestAccountAndPositionUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acc := &model.Account{
		AccountID:        "acct",
		InitialCapital:   1_000_000,
		AvailableCapital: 1_000_000,
	}
	require.NoError(t, s.SaveAccount(ctx, acc))

	acc.AvailableCapital = 500_000
	acc.UsedMargin = 500_000
	require.NoError(t, s.SaveAccount(ctx, acc))

	got, err := s.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 500_000.0, got.AvailableCapital)

	_, err = s.GetAccount(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	pos := &model.Position{AccountID: "acct", Symbol: "AAPL", Side: model.SideBuy, Qty: 100, AvgEntryPrice: 2500}
	require.NoError(t, s.SavePosition(ctx, pos))
	pos.Qty = 50
	require.NoError(t, s.SavePosition(ctx, pos))

	positions, err := s.ListPositions(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 50, positions[0].Qty)
}

func TestAppendOrderLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendOrderLog(ctx, &model.OrderStatusLog{
		OrderID:   "ord-1",
		OldStatus: "NEW",
		NewStatus: "ACK",
		CreatedAt: time.Now(),
	}))
}

// Package store implements the persistence contract on top of gorm.
// 订单/账户/持仓是可重放的 upsert，成交与状态日志只追加。
package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/netguy001/algobot-go/internal/domain"
	"github.com/netguy001/algobot-go/internal/model"
)

type GormStore struct {
	db *gorm.DB
}

func New(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

var _ domain.Store = (*GormStore)(nil)

// AutoMigrate 建表 (开发/测试环境用)
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(
		&model.Order{},
		&model.Trade{},
		&model.Position{},
		&model.Account{},
		&model.OrderStatusLog{},
	)
}

// SaveOrder 以 OrderID 为冲突键的 upsert：同一订单的多次落库
// 始终命中同一行，重放安全。
func (s *GormStore) SaveOrder(ctx context.Context, order *model.Order) error {
	// 已有主键说明该行出自本进程或恢复流程，按主键更新即可
	if order.ID != 0 {
		return s.db.WithContext(ctx).Omit("Trades").Save(order).Error
	}
	return s.db.WithContext(ctx).Omit("Trades").Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "filled_qty", "avg_fill_price", "status_msg", "updated_at",
		}),
	}).Create(order).Error
}

func (s *GormStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	var order model.Order
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *GormStore) ListOrders(ctx context.Context, accountID string, limit int) ([]model.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	var orders []model.Order
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (s *GormStore) ListOpenOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	var orders []model.Order
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND status IN ?", accountID, []model.OrderStatus{
			model.OrderStatusNew, model.OrderStatusAck, model.OrderStatusPartial,
		}).
		Order("created_at DESC").
		Find(&orders).Error
	return orders, err
}

func (s *GormStore) InsertTrade(ctx context.Context, trade *model.Trade) error {
	return s.db.WithContext(ctx).Create(trade).Error
}

func (s *GormStore) ListTrades(ctx context.Context, accountID string, limit int) ([]model.Trade, error) {
	q := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var trades []model.Trade
	err := q.Find(&trades).Error
	return trades, err
}

func (s *GormStore) SaveAccount(ctx context.Context, account *model.Account) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		UpdateAll: true,
	}).Create(account).Error
}

func (s *GormStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	var acc model.Account
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *GormStore) SavePosition(ctx context.Context, position *model.Position) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "symbol"}},
		UpdateAll: true,
	}).Create(position).Error
}

func (s *GormStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	var positions []model.Position
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Find(&positions).Error
	return positions, err
}

func (s *GormStore) AppendOrderLog(ctx context.Context, entry *model.OrderStatusLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

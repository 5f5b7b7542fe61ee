package manager

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/netguy001/algobot-go/internal/constants"
	"github.com/netguy001/algobot-go/internal/domain"
	"github.com/netguy001/algobot-go/internal/event"
	"github.com/netguy001/algobot-go/internal/model"
)

// validTransitions 订单状态机。表外的任何流转都是编程错误，
// 不是业务拒绝：订单冻结并上报，绝不吞掉。
var validTransitions = map[model.OrderStatus][]model.OrderStatus{
	model.OrderStatusNew:     {model.OrderStatusAck, model.OrderStatusCancelled, model.OrderStatusRejected},
	model.OrderStatusAck:     {model.OrderStatusPartial, model.OrderStatusFilled, model.OrderStatusCancelled, model.OrderStatusRejected},
	model.OrderStatusPartial: {model.OrderStatusPartial, model.OrderStatusFilled, model.OrderStatusCancelled},
}

func transitionAllowed(from, to model.OrderStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OnBrokerEvent 消费撮合回报。回报方保证单订单内事件按序投递；
// 传输层若不能保序 (Seq > 0 时)，先按序号缓冲重排再应用。
// at-least-once 重投由 (orderID, status, filledQty) 幂等键吸收。
func (m *Manager) OnBrokerEvent(ev domain.OrderEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.Seq <= 0 {
		// 外部 webhook 通道不带序号，直接按到达顺序应用
		m.applyEventLocked(ev)
		return
	}

	expected, ok := m.nextSeq[ev.OrderID]
	if !ok {
		expected = 1
		m.nextSeq[ev.OrderID] = 1
	}

	switch {
	case ev.Seq < expected:
		// 旧序号 = 重投，忽略
		return
	case ev.Seq > expected:
		// 乱序：缓冲，等缺口补齐
		if m.pending[ev.OrderID] == nil {
			m.pending[ev.OrderID] = make(map[int]domain.OrderEvent)
		}
		m.pending[ev.OrderID][ev.Seq] = ev
		return
	}

	m.applyEventLocked(ev)
	m.nextSeq[ev.OrderID] = ev.Seq + 1

	// 补齐后连续应用缓冲中的后继事件
	for {
		next, ok := m.pending[ev.OrderID][m.nextSeq[ev.OrderID]]
		if !ok {
			break
		}
		delete(m.pending[ev.OrderID], next.Seq)
		m.applyEventLocked(next)
		m.nextSeq[ev.OrderID] = next.Seq + 1
	}
}

// applyEventLocked 应用单个回报事件 (持锁)
func (m *Manager) applyEventLocked(ev domain.OrderEvent) {
	log := m.logger.WithFields(logrus.Fields{
		"order_id": shortID(ev.OrderID),
		"status":   ev.Status,
		"filled":   ev.FilledQty,
	})

	if _, isFrozen := m.frozen[ev.OrderID]; isFrozen {
		log.Error("OrderManager: event for frozen order dropped")
		return
	}

	order, ok := m.orders[ev.OrderID]
	if !ok {
		// 不在缓存中：尝试从存储取回 (重启后收到在途回报)
		stored, err := m.store.GetOrder(context.Background(), ev.OrderID)
		if err != nil {
			log.WithError(err).Error("OrderManager: event for unknown order")
			return
		}
		order = stored
		m.orders[order.OrderID] = order
	}

	// 幂等：同一 (orderID, status, filledQty) 只应用一次
	idemKey := fmt.Sprintf("%s|%d", ev.Status, ev.FilledQty)
	if m.applied[ev.OrderID] == nil {
		m.applied[ev.OrderID] = make(map[string]struct{})
	}
	if _, done := m.applied[ev.OrderID][idemKey]; done {
		log.Debug("OrderManager: duplicate event ignored")
		return
	}

	switch ev.Status {
	case model.OrderStatusAck:
		if err := m.transitionLocked(order, model.OrderStatusAck, ""); err != nil {
			return
		}
		m.publishOrderUpdate(order)

	case model.OrderStatusPartial, model.OrderStatusFilled:
		m.applyFillLocked(order, ev)

	case model.OrderStatusCancelled:
		if err := m.transitionLocked(order, model.OrderStatusCancelled, "cancelled by broker"); err != nil {
			return
		}
		m.releaseUnfilledLocked(order)
		m.publishOrderUpdate(order)
		m.publishPnl()

	case model.OrderStatusRejected:
		if err := m.transitionLocked(order, model.OrderStatusRejected, "rejected by broker"); err != nil {
			return
		}
		m.releaseUnfilledLocked(order)
		m.publishOrderUpdate(order)
		m.publishPnl()

	default:
		log.Error("OrderManager: unknown event status")
		return
	}

	m.applied[ev.OrderID][idemKey] = struct{}{}
}

// applyFillLocked 应用一笔 (部分) 成交：
//  1. 终止该数量对应的创建期预留
//  2. 更新持仓簿，按平仓数量计算已实现盈亏
//  3. 追加 Trade 行，更新订单的累计成交与加权均价
//
// 回报中的 FilledQty/AvgPrice 为累计值，先换算出本笔增量。
func (m *Manager) applyFillLocked(order *model.Order, ev domain.OrderEvent) {
	deltaQty := ev.FilledQty - order.FilledQty
	if deltaQty <= 0 {
		m.logger.WithField("order_id", shortID(order.OrderID)).
			Warn("OrderManager: non-incremental fill event ignored")
		return
	}

	// 从累计均价反推本笔成交价
	fillPrice := ev.AvgPrice
	if order.FilledQty > 0 {
		fillPrice = (ev.AvgPrice*float64(ev.FilledQty) - order.AvgFillPrice*float64(order.FilledQty)) / float64(deltaQty)
	}

	if err := m.transitionLocked(order, ev.Status, ""); err != nil {
		return
	}

	// 1. 创建期预留随成交终止
	if err := m.capital.Release(deltaQty, order.Price); err != nil {
		m.logger.WithError(err).Error("OrderManager: release reservation on fill")
	}

	// 2. 持仓与已实现盈亏
	pnl := m.applyToPositionLocked(order.Symbol, order.Side, deltaQty, fillPrice)

	// 3. 订单累计字段：数量加权均价
	newFilled := order.FilledQty + deltaQty
	order.AvgFillPrice = (order.AvgFillPrice*float64(order.FilledQty) + fillPrice*float64(deltaQty)) / float64(newFilled)
	order.FilledQty = newFilled
	order.UpdatedAt = m.now()
	if err := m.store.SaveOrder(context.Background(), order); err != nil {
		m.logger.WithError(err).Error("OrderManager: persist order after fill")
	}

	// Trade 行只追加，写入后不可变
	trade := &model.Trade{
		TradeID:   uuid.NewString(),
		OrderID:   order.OrderID,
		AccountID: m.accountID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Qty:       deltaQty,
		Price:     fillPrice,
		Pnl:       pnl,
		CreatedAt: m.now(),
	}
	if err := m.store.InsertTrade(context.Background(), trade); err != nil {
		m.logger.WithError(err).Error("OrderManager: persist trade")
	}

	m.logger.WithFields(logrus.Fields{
		"order_id": shortID(order.OrderID),
		"symbol":   order.Symbol,
		"qty":      deltaQty,
		"price":    fillPrice,
		"pnl":      pnl,
	}).Info("OrderManager: fill applied")

	m.publishOrderUpdate(order)
	m.publishPositionUpdate(order.Symbol)
	m.publishPnl()
	m.bus.Publish(event.Event{Type: constants.EventTradeExecuted, Source: "manager", Data: trade})
}

// applyToPositionLocked 把一笔成交落进持仓簿，返回该笔实现的盈亏。
//
// 只有削减反向持仓的数量产生已实现盈亏 (按笔比例实现)；
// 开仓或加仓只做数量加权的均价调整，绝不触发 RecordPnl。
func (m *Manager) applyToPositionLocked(symbol string, side model.OrderSide, qty int, fillPrice float64) float64 {
	pos := m.positions[symbol]

	// 开新仓
	if pos == nil || pos.Qty == 0 {
		if err := m.capital.ReserveFill(qty, fillPrice); err != nil {
			m.logger.WithError(err).Error("OrderManager: lock margin for opening fill")
		}
		m.positions[symbol] = &model.Position{
			AccountID:     m.accountID,
			Symbol:        symbol,
			Side:          side,
			Qty:           qty,
			AvgEntryPrice: fillPrice,
			UpdatedAt:     m.now(),
		}
		m.persistPositionLocked(symbol)
		return 0
	}

	// 同向加仓
	if pos.Side == side {
		if err := m.capital.ReserveFill(qty, fillPrice); err != nil {
			m.logger.WithError(err).Error("OrderManager: lock margin for adding fill")
		}
		total := pos.Qty + qty
		pos.AvgEntryPrice = (pos.AvgEntryPrice*float64(pos.Qty) + fillPrice*float64(qty)) / float64(total)
		pos.Qty = total
		pos.UpdatedAt = m.now()
		m.persistPositionLocked(symbol)
		return 0
	}

	// 反向：先平已有仓位
	closeQty := qty
	if closeQty > pos.Qty {
		closeQty = pos.Qty
	}
	pnl := (fillPrice - pos.AvgEntryPrice) * float64(closeQty) * pos.Side.Direction()

	// 释放被平部分的持仓保证金，再入账该笔已实现盈亏 (恰好一次)
	if err := m.capital.Release(closeQty, pos.AvgEntryPrice); err != nil {
		m.logger.WithError(err).Error("OrderManager: release margin on close")
	}
	if err := m.capital.RecordPnl(pnl); err != nil {
		m.logger.WithError(err).Error("OrderManager: record pnl")
	}

	pos.Qty -= closeQty
	pos.UpdatedAt = m.now()

	// 剩余数量反手开新仓
	if remain := qty - closeQty; remain > 0 {
		if err := m.capital.ReserveFill(remain, fillPrice); err != nil {
			m.logger.WithError(err).Error("OrderManager: lock margin for reversal fill")
		}
		pos.Side = side
		pos.Qty = remain
		pos.AvgEntryPrice = fillPrice
	}
	m.persistPositionLocked(symbol)

	// 触及日亏损阈值立即锁存停机标志
	m.capital.CheckDailyLossLimit()
	return pnl
}

// transitionLocked 状态机流转 + 审计日志 + 落库。
// 非法流转冻结订单并返回 ErrIllegalTransition。
func (m *Manager) transitionLocked(order *model.Order, to model.OrderStatus, msg string) error {
	from := order.Status
	if !transitionAllowed(from, to) {
		m.frozen[order.OrderID] = struct{}{}
		m.logger.WithFields(logrus.Fields{
			"order_id": shortID(order.OrderID),
			"from":     from,
			"to":       to,
		}).Error("OrderManager: FATAL illegal transition, order frozen")
		m.bus.Publish(event.Event{
			Type:   constants.EventInvariantViolated,
			Source: "manager",
			Data:   map[string]string{"order_id": order.OrderID, "from": string(from), "to": string(to)},
		})
		return fmt.Errorf("%w: %s → %s", domain.ErrIllegalTransition, from, to)
	}

	order.Status = to
	order.UpdatedAt = m.now()
	if msg != "" {
		order.StatusMsg = msg
	}
	orderTransitionsTotal.WithLabelValues(string(to)).Inc()
	if err := m.store.SaveOrder(context.Background(), order); err != nil {
		m.logger.WithError(err).Error("OrderManager: persist order transition")
	}
	if err := m.store.AppendOrderLog(context.Background(), &model.OrderStatusLog{
		OrderID:   order.OrderID,
		OldStatus: string(from),
		NewStatus: string(to),
		Message:   msg,
		CreatedAt: m.now(),
	}); err != nil {
		m.logger.WithError(err).Error("OrderManager: persist order log")
	}

	m.logger.WithFields(logrus.Fields{
		"order_id": shortID(order.OrderID),
		"from":     from,
		"to":       to,
	}).Info("OrderManager: order transitioned")
	return nil
}

func (m *Manager) persistPositionLocked(symbol string) {
	pos := m.positions[symbol]
	if pos == nil {
		return
	}
	cp := *pos
	if err := m.store.SavePosition(context.Background(), &cp); err != nil {
		m.logger.WithError(err).Error("OrderManager: persist position")
	}
}

// publishOrderUpdate 每次状态变化都向外推送
func (m *Manager) publishOrderUpdate(order *model.Order) {
	m.bus.Publish(event.Event{
		Type:   constants.EventOrderUpdated,
		Source: "manager",
		Data: model.OrderUpdate{
			OrderID:      order.OrderID,
			Symbol:       order.Symbol,
			Side:         order.Side,
			Qty:          order.Qty,
			Status:       order.Status,
			FilledQty:    order.FilledQty,
			AvgFillPrice: order.AvgFillPrice,
			StatusMsg:    order.StatusMsg,
			UpdatedAt:    order.UpdatedAt,
		},
	})
}

func (m *Manager) publishPositionUpdate(symbol string) {
	pos := m.positions[symbol]
	if pos == nil {
		return
	}
	m.bus.Publish(event.Event{
		Type:   constants.EventPositionUpdated,
		Source: "manager",
		Data: model.PositionUpdate{
			Symbol:        pos.Symbol,
			Side:          pos.Side,
			Qty:           pos.Qty,
			AvgEntryPrice: pos.AvgEntryPrice,
		},
	})
}

func (m *Manager) publishPnl() {
	m.bus.Publish(event.Event{
		Type:   constants.EventPnlUpdated,
		Source: "manager",
		Data:   m.pnlLocked(),
	})
}

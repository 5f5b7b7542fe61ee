// Package engine wires the execution core to its inputs: the strategy
// signal queue, the market data feed and the event bus fan-out.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/netguy001/algobot-go/internal/config"
	"github.com/netguy001/algobot-go/internal/constants"
	"github.com/netguy001/algobot-go/internal/event"
	"github.com/netguy001/algobot-go/internal/infra"
	"github.com/netguy001/algobot-go/internal/manager"
)

// staleSweepInterval 僵死订单清理的扫描周期
const staleSweepInterval = 10 * time.Second

// Engine 是一个轻量级协调器，负责：
// 1. 消费策略信号队列，驱动 OrderManager 下单
// 2. 订阅行情频道，推动标记价、SL/TP 监控与冷却计数
// 3. 把总线上的推送事件扇出到 WebSocket 和 Redis Pub/Sub
type Engine struct {
	cfg *config.Config

	rdb          *redis.Client
	websocketHub *infra.WsManager
	orderManager *manager.Manager
	bus          *event.Bus
	logger       *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine 创建引擎
func NewEngine(
	cfg *config.Config,
	rdb *redis.Client,
	websocketHub *infra.WsManager,
	orderManager *manager.Manager,
	bus *event.Bus,
	logger *logrus.Logger,
) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:          cfg,
		rdb:          rdb,
		websocketHub: websocketHub,
		orderManager: orderManager,
		bus:          bus,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start 启动引擎后台进程
func (e *Engine) Start() {
	e.logger.Info("Engine: Starting...")

	// 1. 推送事件扇出 (总线 → WebSocket + Redis Pub/Sub)
	e.subscribePushEvents()

	// 2. WebSocket 管理器
	go e.websocketHub.Start()

	// 3. 信号消费循环
	go e.runSignalLoop()

	// 4. 行情订阅
	go e.runMarketDataLoop()

	// 5. 僵死订单清理
	go e.runStaleOrderSweep()

	e.logger.Info("Engine: Started successfully")
}

// Stop 停止引擎
func (e *Engine) Stop() {
	e.logger.Info("Engine: Stopping...")
	e.cancel()
}

// runSignalLoop 策略信号消费循环 (BRPOP 阻塞等待)
func (e *Engine) runSignalLoop() {
	e.logger.Info("Engine: Signal loop started")

	for {
		select {
		case <-e.ctx.Done():
			e.logger.Info("Engine: Signal loop stopped")
			return
		default:
			sig, err := infra.PopSignal(e.ctx, e.rdb, 1*time.Second)
			if err != nil {
				if e.ctx.Err() != nil {
					return
				}
				e.logger.WithError(err).Error("Engine: Error reading signal queue")
				time.Sleep(1 * time.Second)
				continue
			}
			if sig == nil {
				continue // 超时，继续循环
			}

			if _, err := e.orderManager.HandleSignal(e.ctx, *sig); err != nil {
				// 校验拒绝是正常路径，已在 manager 内记了原因码
				e.logger.WithError(err).WithField("symbol", sig.Symbol).
					Debug("Engine: signal did not produce an order")
			}
		}
	}
}

// marketTick 行情频道的消息体 (只关心最新价)
type marketTick struct {
	Symbol    string  `json:"symbol"`
	LastPrice float64 `json:"last_price"`
}

// runMarketDataLoop 订阅行情频道。每个 tick：
// 更新标记价 → 推进冷却计数 → 检查止损/止盈。
func (e *Engine) runMarketDataLoop() {
	pubsub := e.rdb.PSubscribe(e.ctx, constants.RedisPubSubMarketPrefix+"*")
	defer pubsub.Close()

	e.logger.Info("Engine: Market data loop started")
	ch := pubsub.Channel()

	for {
		select {
		case <-e.ctx.Done():
			e.logger.Info("Engine: Market data loop stopped")
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var tick marketTick
			if err := json.Unmarshal([]byte(msg.Payload), &tick); err != nil {
				e.logger.WithError(err).Warn("Engine: Failed to unmarshal market tick")
				continue
			}
			if tick.Symbol == "" {
				// 频道名兜底: market.<symbol>
				tick.Symbol = strings.TrimPrefix(msg.Channel, constants.RedisPubSubMarketPrefix)
			}
			if tick.Symbol == "" || tick.LastPrice <= 0 {
				continue
			}

			e.orderManager.MarkPrice(tick.Symbol, tick.LastPrice)
			e.orderManager.CheckStopTakeProfit(e.ctx)
		}
	}
}

// runStaleOrderSweep 周期清理长时间无回报的 NEW 订单
func (e *Engine) runStaleOrderSweep() {
	timeout := time.Duration(e.cfg.Risk.OrderTimeoutSec) * time.Second
	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.orderManager.CleanupStaleOrders(e.ctx, timeout)
		}
	}
}

// subscribePushEvents 把推送事件扇出到 WebSocket 与 Redis Pub/Sub。
// 外部订阅方失败只记日志，绝不反压执行核心。
func (e *Engine) subscribePushEvents() {
	fan := func(channel string) event.Handler {
		return func(ctx context.Context, ev event.Event) error {
			payload := map[string]interface{}{
				"type":      ev.Type,
				"data":      ev.Data,
				"timestamp": ev.Timestamp,
			}
			e.websocketHub.BroadcastToAll(payload)
			if err := infra.PublishUpdate(ctx, e.rdb, channel, payload); err != nil &&
				!errors.Is(err, context.Canceled) {
				e.logger.WithError(err).WithField("channel", channel).
					Warn("Engine: failed to publish update to redis")
			}
			return nil
		}
	}

	e.bus.Subscribe(constants.EventOrderUpdated, fan(constants.RedisPubSubOrderUpdates))
	e.bus.Subscribe(constants.EventTradeExecuted, fan(constants.RedisPubSubOrderUpdates))
	e.bus.Subscribe(constants.EventPositionUpdated, fan(constants.RedisPubSubPositionUpdates))
	e.bus.Subscribe(constants.EventPnlUpdated, fan(constants.RedisPubSubPnlUpdates))
	e.bus.Subscribe(constants.EventInvariantViolated, fan(constants.RedisPubSubOrderUpdates))
}

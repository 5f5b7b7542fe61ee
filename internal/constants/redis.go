package constants

// Redis 队列名称
const (
	// RedisQueueSignals 策略层 → 执行核心 的信号队列
	RedisQueueSignals = "algobot_signal_queue"
)

// Redis Pub/Sub 频道
const (
	// RedisPubSubMarketPrefix 行情数据频道前缀
	RedisPubSubMarketPrefix = "market."

	// RedisPubSubOrderUpdates 订单状态推送频道
	RedisPubSubOrderUpdates = "algobot.order_updates"

	// RedisPubSubPositionUpdates 持仓推送频道
	RedisPubSubPositionUpdates = "algobot.position_updates"

	// RedisPubSubPnlUpdates 盈亏推送频道
	RedisPubSubPnlUpdates = "algobot.pnl_updates"
)

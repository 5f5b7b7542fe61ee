package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/netguy001/algobot-go/internal/constants"
	"github.com/netguy001/algobot-go/internal/model"
)

// PushSignal 把策略信号推入信号队列。
// 方向: 策略层 -> 执行核心。LPUSH 入队，执行核心 BRPOP 消费 (FIFO)。
func PushSignal(ctx context.Context, rdb *redis.Client, sig model.Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}
	if err := rdb.LPush(ctx, constants.RedisQueueSignals, data).Err(); err != nil {
		return fmt.Errorf("failed to push signal to redis: %w", err)
	}
	return nil
}

// PopSignal 阻塞弹出一条信号。队列为空且超时返回 (nil, nil)。
func PopSignal(ctx context.Context, rdb *redis.Client, timeout time.Duration) (*model.Signal, error) {
	result, err := rdb.BRPop(ctx, timeout, constants.RedisQueueSignals).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop signal from redis: %w", err)
	}
	// BRPop 返回 [key, value]
	if len(result) < 2 {
		return nil, nil
	}

	var sig model.Signal
	if err := json.Unmarshal([]byte(result[1]), &sig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signal: %w", err)
	}
	return &sig, nil
}

// PublishUpdate 把推送消息发布到对应的 Pub/Sub 频道，
// 供外部进程 (监控面板、通知服务) 订阅。
func PublishUpdate(ctx context.Context, rdb *redis.Client, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}
	return rdb.Publish(ctx, channel, data).Err()
}

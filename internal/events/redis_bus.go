package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	xerrors "github.com/underscore-finance/underscore/internal/errors"
	"github.com/underscore-finance/underscore/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisBusConfig 描述 Redis 事件总线的连接参数。
type RedisBusConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisBus 使用 Redis list 承载 JSON 编码的事件。
type RedisBus struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisBus 创建 Redis 总线实例。
func NewRedisBus(ctx context.Context, cfg RedisBusConfig) (*RedisBus, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return NewRedisBusWithClient(client, cfg.Queue, cfg.BlockWait), nil
}

// NewRedisBusWithClient 复用已有的 Redis 客户端。
func NewRedisBusWithClient(client *redis.Client, queue string, wait time.Duration) *RedisBus {
	if queue == "" {
		queue = "underscore:wallet-events"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisBus{client: client, queue: queue, wait: wait}
}

// Publish 将事件写入 Redis。
func (b *RedisBus) Publish(ctx context.Context, event *Event) error {
	if err := event.validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码事件失败")
	}
	if err := b.client.LPush(ctx, b.queue, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取事件，处理失败的事件重新入队。
func (b *RedisBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := b.client.BRPop(ctx, b.wait, b.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取事件失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				var event Event
				if err := json.Unmarshal([]byte(values[1]), &event); err != nil {
					logger.L().Warn("丢弃无法解析的事件", slog.String("queue", b.queue), slog.Any("error", err))
					continue
				}
				if handlerErr := handler(ctx, &event); handlerErr != nil {
					_ = b.client.RPush(ctx, b.queue, values[1]).Err()
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

var _ Bus = (*RedisBus)(nil)

package jobs

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "piper-nodes/internal/errors"
	"piper-nodes/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
	// PromoteInterval 是延迟集合的扫描间隔。
	PromoteInterval time.Duration
}

// RedisQueue 使用 Redis list 实现作业队列，延迟作业先写入 sorted set，到期后再移入 list。
type RedisQueue struct {
	client  *redis.Client
	queue   string
	delayed string
	wait    time.Duration
	promote time.Duration
}

// promoteScript 原子地把到期的作业从延迟集合移入就绪队列。
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

const promoteBatch = 100

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "piper:jobs"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	promote := cfg.PromoteInterval
	if promote <= 0 {
		promote = 250 * time.Millisecond
	}
	return &RedisQueue{client: client, queue: queue, delayed: queue + ":delayed", wait: wait, promote: promote}
}

// Publish 将作业投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.queue, jobID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布作业失败")
	}
	return nil
}

// PublishDelayed 将作业写入延迟集合，分数为到期的 Unix 毫秒时间。
// 同一作业重复写入只会保留最后一次的到期时间。
func (q *RedisQueue) PublishDelayed(ctx context.Context, jobID string, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(ctx, jobID)
	}
	due := time.Now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.delayed, redis.Z{Score: float64(due), Member: jobID}).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布延迟作业失败")
	}
	return nil
}

// promoteDue 把到期作业移入就绪队列，返回移动的数量。
func (q *RedisQueue) promoteDue(ctx context.Context, now time.Time) (int, error) {
	moved, err := promoteScript.Run(ctx, q.client, []string{q.delayed, q.queue},
		strconv.FormatInt(now.UnixMilli(), 10), promoteBatch).Int()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 迁移延迟作业失败")
	}
	return moved, nil
}

func (q *RedisQueue) runPromoter(ctx context.Context) {
	ticker := time.NewTicker(q.promote)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				moved, err := q.promoteDue(ctx, time.Now())
				if err != nil {
					if ctx.Err() == nil {
						logger.L().Warn("迁移延迟作业失败", slog.Any("error", err))
					}
					break
				}
				if moved < promoteBatch {
					break
				}
			}
		}
	}
}

// Consume 通过 BRPOP 从 Redis 获取作业，并在后台迁移到期的延迟作业。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	go q.runPromoter(ctx)

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
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取作业失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				jobID := values[1]
				if handlerErr := handler(ctx, jobID); handlerErr != nil {
					// 处理失败时稍后重新投递作业。
					_ = q.PublishDelayed(ctx, jobID, time.Second)
				}
			}
		}()
	}
	// 等待第一个错误或取消信号。
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

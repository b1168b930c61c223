package jobs

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryQueue 使用 channel 模拟消息队列，延迟投递由定时器实现。
type MemoryQueue struct {
	ch        chan string
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		ch:     make(chan string, size),
		done:   make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
}

var errQueueClosed = errors.New("队列已关闭")

// Publish 将作业投递到队列，队列满时阻塞直到有空位、ctx 结束或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, jobID string) error {
	select {
	case <-q.done:
		return errQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return errQueueClosed
	case q.ch <- jobID:
		return nil
	}
}

// PublishDelayed 在 delay 之后投递作业。
func (q *MemoryQueue) PublishDelayed(ctx context.Context, jobID string, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(ctx, jobID)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.done:
		return errQueueClosed
	default:
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		_ = q.Publish(context.Background(), jobID)
	})
	q.timers[timer] = struct{}{}
	return nil
}

// Pending 返回尚未触发的延迟投递数量。
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// Consume 启动指定数量的工作协程消费队列中的作业。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case jobID := <-q.ch:
					if err := handler(ctx, jobID); err != nil && ctx.Err() == nil {
						// 处理失败时稍后重新投递作业。
						_ = q.PublishDelayed(ctx, jobID, time.Second)
					}
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列并取消未触发的延迟投递。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.done)
		q.mu.Lock()
		for timer := range q.timers {
			timer.Stop()
		}
		q.timers = map[*time.Timer]struct{}{}
		q.mu.Unlock()
	})
	return nil
}

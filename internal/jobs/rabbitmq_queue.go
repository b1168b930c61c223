package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "piper-nodes/internal/errors"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用 RabbitMQ 实现作业队列。延迟投递通过按秒划分的
// TTL 队列实现：消息过期后经默认交换机死信路由回主队列。
// 发布开启 mandatory 与 publisher confirm，无法路由的消息会返回错误。
type RabbitMQQueue struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	durable bool

	// mu 串行化发布，保证每次确认与退回都对应刚发布的消息。
	mu      sync.Mutex
	returns chan amqp.Return
}

// delayQueueIdle 是延迟队列在无人声明时被 broker 删除前的空闲时长。
const delayQueueIdle = 10 * time.Minute

// NewRabbitMQQueue 创建 RabbitMQ 队列实例。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "piper.jobs"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ QOS 失败")
		}
	}
	_, err = ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败")
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "开启 RabbitMQ 发布确认失败")
	}
	return &RabbitMQQueue{
		conn:    conn,
		ch:      ch,
		queue:   queue,
		durable: cfg.Durable,
		returns: ch.NotifyReturn(make(chan amqp.Return, 8)),
	}, nil
}

// Publish 将作业投递到 RabbitMQ。
func (q *RabbitMQQueue) Publish(ctx context.Context, jobID string) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.publish(ctx, q.queue, jobID)
}

// PublishDelayed 将作业投递到对应延迟时长的 TTL 队列。
func (q *RabbitMQQueue) PublishDelayed(ctx context.Context, jobID string, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(ctx, jobID)
	}
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	name, err := q.delayQueue(delay)
	if err != nil {
		return err
	}
	return q.publish(ctx, name, jobID)
}

func (q *RabbitMQQueue) publish(ctx context.Context, routingKey, jobID string) error {
	mode := amqp.Transient
	if q.durable {
		mode = amqp.Persistent
	}
	confirm, err := q.ch.PublishWithDeferredConfirmWithContext(ctx, "", routingKey, true, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: mode,
		MessageId:    jobID,
		Body:         []byte(jobID),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布作业失败")
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "等待 RabbitMQ 发布确认失败")
	}
	// broker 先发送 basic.return 再确认，确认到达时退回消息已在通道中。
	var returned error
	for drained := false; !drained; {
		select {
		case ret := <-q.returns:
			if ret.MessageId == jobID {
				returned = xerrors.New(xerrors.CodeQueueFailure, fmt.Sprintf("RabbitMQ 消息无法路由到 %s: %s", routingKey, ret.ReplyText))
			}
		default:
			drained = true
		}
	}
	if returned != nil {
		return returned
	}
	if !acked {
		return xerrors.New(xerrors.CodeQueueFailure, fmt.Sprintf("RabbitMQ 拒绝了作业 %s", jobID))
	}
	return nil
}

// delayBucket 把延迟向上取整到整秒，限制延迟队列的数量。
func delayBucket(delay time.Duration) time.Duration {
	if delay <= time.Second {
		return time.Second
	}
	return (delay + time.Second - 1) / time.Second * time.Second
}

func delayQueueName(queue string, ttl time.Duration) string {
	return queue + ".delay." + strconv.FormatInt(ttl.Milliseconds(), 10)
}

func delayQueueArgs(queue string, ttl time.Duration) amqp.Table {
	return amqp.Table{
		"x-message-ttl":             ttl.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
		"x-expires":                 (ttl + delayQueueIdle).Milliseconds(),
	}
}

// delayQueue 声明延迟为 delay 的 TTL 队列。每次发布前都重新声明，
// 重复声明是幂等的，同时刷新 x-expires 计时。调用方需持有 q.mu。
func (q *RabbitMQQueue) delayQueue(delay time.Duration) (string, error) {
	ttl := delayBucket(delay)
	name := delayQueueName(q.queue, ttl)
	if _, err := q.ch.QueueDeclare(name, q.durable, false, false, false, delayQueueArgs(q.queue, ttl)); err != nil {
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 延迟队列失败")
	}
	return name, nil
}

// Consume 使用手动确认模式消费 RabbitMQ 队列。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
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
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					if err := handler(ctx, string(msg.Body)); err != nil {
						// 处理失败时稍后重新投递，再确认原消息。
						if pubErr := q.PublishDelayed(ctx, string(msg.Body), time.Second); pubErr != nil {
							_ = msg.Nack(false, true)
							continue
						}
					}
					_ = msg.Ack(false)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭 RabbitMQ 连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

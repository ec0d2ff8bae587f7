package dispatch

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "Mofy-Agent/internal/errors"
	"Mofy-Agent/pkg/logger"
)

// redeliveryHeader 记录消息被消费端重投的次数。
const redeliveryHeader = "x-mofy-redeliveries"

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	Redelivery Redelivery
}

// RabbitMQQueue 使用 RabbitMQ 实现任务队列，消息体即任务 ID。
type RabbitMQQueue struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	name       string
	redelivery Redelivery
	logger     *slog.Logger

	// amqp channel 不支持并发发布
	publishMu sync.Mutex
}

// NewRabbitMQQueue 连接 RabbitMQ 并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	q := &RabbitMQQueue{
		name:       cfg.Queue,
		redelivery: cfg.Redelivery.withDefaults(),
		logger:     logger.Named("dispatch").With(slog.String("queue_driver", "rabbitmq")),
	}
	if q.name == "" {
		q.name = "mofy.jobs"
	}
	if err := q.open(cfg); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

func (q *RabbitMQQueue) open(cfg RabbitMQConfig) error {
	var err error
	if q.conn, err = amqp.Dial(cfg.URL); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 RabbitMQ 失败")
	}
	if q.ch, err = q.conn.Channel(); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := q.ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "设置 RabbitMQ 预取数量失败")
		}
	}
	if _, err := q.ch.QueueDeclare(q.name, cfg.Durable, false, false, false, nil); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "声明 RabbitMQ 队列失败",
			xerrors.WithMetadata("queue", q.name))
	}
	return nil
}

// Publish 将任务投递到 RabbitMQ。
func (q *RabbitMQQueue) Publish(ctx context.Context, jobID string) error {
	return q.publish(ctx, jobID, 0)
}

func (q *RabbitMQQueue) publish(ctx context.Context, jobID string, redeliveries int) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	msg := amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Body:         []byte(jobID),
	}
	if redeliveries > 0 {
		msg.Headers = amqp.Table{redeliveryHeader: int32(redeliveries)}
	}
	q.publishMu.Lock()
	defer q.publishMu.Unlock()
	if err := q.ch.PublishWithContext(ctx, "", q.name, false, false, msg); err != nil {
		return xerrors.Wrap(CodeJobPublish, err, "RabbitMQ 发布任务失败", xerrors.WithMetadata("job_id", jobID))
	}
	return nil
}

// Consume 以手动确认模式消费队列。handler 成功时确认消息；失败时按
// Redelivery 策略退避后重新发布，不会立即退回队首。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	deliveries, err := q.ch.ConsumeWithContext(ctx, q.name, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "订阅 RabbitMQ 队列失败")
	}

	var wg sync.WaitGroup
	for range max(workerCount, 1) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx, deliveries, handler)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *RabbitMQQueue) work(ctx context.Context, deliveries <-chan amqp.Delivery, handler Handler) {
	for {
		var d amqp.Delivery
		select {
		case <-ctx.Done():
			return
		case next, ok := <-deliveries:
			if !ok {
				return
			}
			d = next
		}
		jobID := string(d.Body)
		err := handler(ctx, jobID)
		if err == nil {
			_ = d.Ack(false)
			continue
		}
		attempt := redeliveries(d.Headers) + 1
		q.logger.Warn("任务处理失败，稍后重投",
			slog.String("job_id", jobID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		q.redelivery.settle(ctx, d, jobID, attempt, func(ctx context.Context, n int) error {
			return q.publish(ctx, jobID, n)
		}, q.logger)
	}
}

// redeliveries 读取消息头中的重投次数，缺失或类型不符时为 0。
func redeliveries(headers amqp.Table) int {
	switch v := headers[redeliveryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	case int8:
		return int(v)
	default:
		return 0
	}
}

// Close 关闭 channel 与连接。
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

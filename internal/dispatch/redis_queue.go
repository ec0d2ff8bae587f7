package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"Mofy-Agent/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列参数。
type RedisQueueConfig struct {
	Queue      string
	BlockWait  time.Duration
	Redelivery Redelivery
}

// RedisQueue 使用 Redis list 实现任务队列：LPUSH 投递，BRPOP 消费。
type RedisQueue struct {
	client     goredis.UniversalClient
	queue      string
	wait       time.Duration
	owned      bool
	redelivery Redelivery

	mu       sync.Mutex
	attempts map[string]int
}

// NewRedisQueue 基于已有连接创建队列，通常与记忆镜像共用同一个客户端。
// 关闭队列不会关闭该连接。
func NewRedisQueue(client goredis.UniversalClient, cfg RedisQueueConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("Redis 客户端不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "mofy:jobs"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{
		client:     client,
		queue:      queue,
		wait:       wait,
		redelivery: cfg.Redelivery.withDefaults(),
		attempts:   make(map[string]int),
	}, nil
}

// DialRedisQueue 建立独立连接并创建队列，Close 时关闭连接。
func DialRedisQueue(ctx context.Context, url string, cfg RedisQueueConfig) (*RedisQueue, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("解析 Redis URL 失败: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	q, err := NewRedisQueue(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	q.owned = true
	return q, nil
}

// Publish 将任务投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.queue, jobID).Err(); err != nil {
		return fmt.Errorf("Redis 发布任务失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 获取任务。处理失败的任务按 Redelivery 策略退避后放回队尾。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, goredis.Nil) {
						continue
					}
					if ctx.Err() != nil {
						return
					}
					once.Do(func() {
						firstErr = fmt.Errorf("Redis 取任务失败: %w", err)
						cancel()
					})
					return
				}
				if len(values) != 2 {
					continue
				}
				jobID := values[1]
				if handlerErr := handler(ctx, jobID); handlerErr != nil {
					q.requeue(ctx, jobID, handlerErr)
					continue
				}
				q.forget(jobID)
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// requeue 等待退避间隔后把任务放回队尾，超过重投上限时丢弃。
// ctx 结束时立即放回，避免已弹出的任务丢失。
func (q *RedisQueue) requeue(ctx context.Context, jobID string, cause error) {
	log := logger.Named("dispatch").With(slog.String("queue_driver", "redis"), slog.String("job_id", jobID))
	q.mu.Lock()
	q.attempts[jobID]++
	attempt := q.attempts[jobID]
	q.mu.Unlock()

	delay, ok := q.redelivery.Delay(attempt)
	if !ok {
		q.forget(jobID)
		log.Error("任务重投次数耗尽，丢弃消息", slog.Int("redeliveries", attempt-1), slog.Any("error", cause))
		return
	}
	log.Warn("任务处理失败，稍后重投", slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.Any("error", cause))
	_ = sleepCtx(ctx, delay)
	if err := q.client.RPush(context.WithoutCancel(ctx), q.queue, jobID).Err(); err != nil {
		log.Error("任务重投失败", slog.Any("error", err))
	}
}

func (q *RedisQueue) forget(jobID string) {
	q.mu.Lock()
	delete(q.attempts, jobID)
	q.mu.Unlock()
}

// Close 在队列自行建立连接时关闭连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil || !q.owned {
		return nil
	}
	return q.client.Close()
}

package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const defaultRedeliveryAttempts = 5

// Redelivery 描述消费端 handler 返回错误后的重投策略。每次重投前按 NewBackOff
// 给出的间隔等待，累计重投超过 MaxAttempts 次的消息被丢弃。
type Redelivery struct {
	MaxAttempts int
	NewBackOff  func() backoff.BackOff
}

// DefaultRedelivery 返回默认策略：最多重投 5 次，间隔从 500ms 指数增长到 30s。
func DefaultRedelivery() Redelivery {
	return Redelivery{
		MaxAttempts: defaultRedeliveryAttempts,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.Reset()
			return b
		},
	}
}

func (r Redelivery) withDefaults() Redelivery {
	def := DefaultRedelivery()
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = def.MaxAttempts
	}
	if r.NewBackOff == nil {
		r.NewBackOff = def.NewBackOff
	}
	return r
}

// Delay 返回第 attempt 次重投前的等待时间，超过上限时第二个返回值为 false。
func (r Redelivery) Delay(attempt int) (time.Duration, bool) {
	r = r.withDefaults()
	attempt = max(attempt, 1)
	if attempt > r.MaxAttempts {
		return 0, false
	}
	b := r.NewBackOff()
	var d time.Duration
	for range attempt {
		if d = b.NextBackOff(); d == backoff.Stop {
			return 0, false
		}
	}
	return d, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// acknowledger 是 amqp.Delivery 确认方法的子集。
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// settle 处理一条 handler 失败的消息。未超过上限时等待退避间隔，
// 以新的重投次数重新发布后确认原消息；超过上限时确认并丢弃。
// 等待期间 ctx 结束或重新发布失败时，原消息退回 broker。
func (r Redelivery) settle(ctx context.Context, msg acknowledger, jobID string, attempt int,
	republish func(context.Context, int) error, log *slog.Logger) {
	delay, ok := r.Delay(attempt)
	if !ok {
		log.Error("任务重投次数耗尽，丢弃消息", slog.String("job_id", jobID), slog.Int("redeliveries", attempt-1))
		_ = msg.Ack(false)
		return
	}
	if err := sleepCtx(ctx, delay); err != nil {
		_ = msg.Nack(false, true)
		return
	}
	if err := republish(context.WithoutCancel(ctx), attempt); err != nil {
		log.Warn("任务重投失败，退回队列", slog.String("job_id", jobID), slog.Any("error", err))
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

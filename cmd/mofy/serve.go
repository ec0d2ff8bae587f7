package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"Mofy-Agent/internal/api"
	"Mofy-Agent/internal/dispatch"
	"Mofy-Agent/internal/observability/alerting"
	"Mofy-Agent/internal/storage/mysql"
	"Mofy-Agent/pkg/logger"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务与异步任务处理器",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			if err := initLogger(cfg, "stdout"); err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "监听地址，覆盖配置中的 server.address")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	log := logger.Named("serve")

	store, err := a.jobStore(ctx)
	if err != nil {
		return err
	}
	queue, err := a.jobQueue(ctx)
	if err != nil {
		return err
	}
	jobs := dispatch.NewService(store, queue, a.cfg.Queue.MaxRetries)
	defer jobs.Close()

	processor := dispatch.NewProcessor(a.sessions, store, queue, queue,
		dispatch.WithWorkerCount(a.cfg.Queue.Workers),
		dispatch.WithAlertDispatcher(a.alerter()),
		dispatch.WithRecorder(a.metrics),
	)
	processorCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()
	defer func() {
		cancel()
		<-done
	}()

	cleanupDone := make(chan struct{})
	go func() {
		defer close(cleanupDone)
		a.sessions.RunCleanup(processorCtx, a.cfg.Session.CleanupInterval(), a.cfg.Session.MaxAge())
	}()
	defer func() {
		cancel()
		<-cleanupDone
	}()

	log.Info("Mofy 已启动",
		slog.String("addr", a.cfg.Server.Address),
		slog.String("llm_provider", a.cfg.LLM.Provider),
		slog.String("queue", a.cfg.Queue.Driver),
		slog.String("job_store", a.cfg.Queue.Store),
		slog.Duration("session_max_age", a.cfg.Session.MaxAge()),
		slog.Any("tools", a.registry.Names()),
	)
	server := api.NewServer(a.cfg.Server.Address, a.sessions,
		api.WithJobs(jobs),
		api.WithMetrics(a.metrics),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *app) jobStore(ctx context.Context) (dispatch.Store, error) {
	if a.cfg.Queue.Store != "mysql" {
		return dispatch.NewMemoryStore(), nil
	}
	db, err := a.mysql(ctx)
	if err != nil {
		return nil, err
	}
	return mysql.NewJobStore(db), nil
}

func (a *app) jobQueue(ctx context.Context) (dispatch.Queue, error) {
	q := a.cfg.Queue
	switch q.Driver {
	case "redis":
		cfg := dispatch.RedisQueueConfig{Queue: q.Redis.Queue, BlockWait: time.Duration(q.Redis.BlockSeconds) * time.Second}
		if a.redis != nil {
			return dispatch.NewRedisQueue(a.redis.Client(), cfg)
		}
		return dispatch.DialRedisQueue(ctx, a.cfg.Storage.Redis.URL, cfg)
	case "rabbitmq":
		return dispatch.NewRabbitMQQueue(dispatch.RabbitMQConfig{
			URL:      q.RabbitMQ.URL,
			Queue:    q.RabbitMQ.Queue,
			Prefetch: q.RabbitMQ.Prefetch,
			Durable:  q.RabbitMQ.Durable,
		})
	default:
		return dispatch.NewMemoryQueue(1024), nil
	}
}

func (a *app) alerter() alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if a.cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    a.cfg.Alerting.WebhookURL,
			Client: &http.Client{Timeout: 5 * time.Second},
		})
	}
	return alerting.NewFanout(notifiers...)
}

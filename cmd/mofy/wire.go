package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"Mofy-Agent/internal/agent"
	"Mofy-Agent/internal/config"
	xerrors "Mofy-Agent/internal/errors"
	"Mofy-Agent/internal/knowledge"
	"Mofy-Agent/internal/llm"
	"Mofy-Agent/internal/llm/openai"
	"Mofy-Agent/internal/memory"
	"Mofy-Agent/internal/observability/metrics"
	"Mofy-Agent/internal/reflection"
	"Mofy-Agent/internal/scheduler"
	"Mofy-Agent/internal/storage"
	"Mofy-Agent/internal/storage/mysql"
	"Mofy-Agent/internal/storage/redis"
	"Mofy-Agent/internal/tools"
	"Mofy-Agent/internal/tools/builtin"
	"Mofy-Agent/internal/web3"
	"Mofy-Agent/pkg/logger"
)

// app 持有一次运行中共享的组件，Close 按创建的逆序释放。
type app struct {
	cfg      *config.Config
	metrics  *metrics.Collectors
	redis    *redis.KV
	db       *sql.DB
	memory   *memory.Manager
	registry *tools.Registry
	sessions *agent.Sessions
	closers  []func() error
}

func initLogger(cfg *config.Config, console string) error {
	outputs := []string{console}
	if cfg.Log.File != "" {
		outputs = append(outputs, cfg.Log.File)
	}
	return logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
		},
	})
}

// buildApp 按 存储 → 大模型 → 记忆 → 工具 → 归档 → 会话 的顺序装配组件。
func buildApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, metrics: metrics.MustNew(prometheus.NewRegistry())}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()
	log := logger.Named("bootstrap")

	var kv storage.KV
	if cfg.Storage.Redis.URL != "" {
		a.redis, err = redis.Dial(ctx, cfg.Storage.Redis.URL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.redis.Close)
		kv = a.redis
		log.Info("已连接 Redis")
	}

	llmClient, err := newLLMClient(cfg, kv)
	if err != nil {
		return nil, err
	}

	memOpts := []memory.Option{
		memory.WithTTL(cfg.Memory.TTL()),
		memory.WithRecentLimit(cfg.Memory.RecentLimit),
		memory.WithLongTermMatches(cfg.Memory.LongTermMatches),
		memory.WithMaxContextLength(cfg.Memory.MaxContextLength),
		memory.WithLongTerm(cfg.Memory.EnableLongTerm),
	}
	if kv != nil {
		memOpts = append(memOpts, memory.WithStore(kv))
	}
	a.memory = memory.New(memOpts...)
	if cfg.Memory.SeedFile != "" {
		n, err := knowledge.LoadAndSeed(ctx, a.memory, cfg.Memory.SeedFile)
		if err != nil {
			return nil, err
		}
		log.Info("已载入预置知识", slog.Int("entries", n), slog.String("file", cfg.Memory.SeedFile))
	}

	if err := a.buildRegistry(ctx); err != nil {
		return nil, err
	}

	archive, err := a.openArchive(ctx)
	if err != nil {
		return nil, err
	}
	schedOpts := []scheduler.Option{scheduler.WithMaxRetries(cfg.Scheduler.MaxRetries)}
	if archive != nil {
		schedOpts = append(schedOpts, scheduler.WithArchive(archive))
	}

	engine := reflection.New(llmClient,
		reflection.WithHistoryWindow(cfg.Reflection.HistoryWindow),
		reflection.WithMaxRetries(cfg.Scheduler.MaxRetries),
	)
	a.sessions = agent.NewSessions(llmClient, a.registry, a.memory,
		agent.WithReflection(engine),
		agent.WithSchedulerOptions(schedOpts...),
		agent.WithToolRetries(cfg.Tools.Retries),
		agent.WithLoopWindow(cfg.Reflection.LoopWindow),
		agent.WithLLMTimeout(cfg.LLM.Timeout()),
	)
	return a, nil
}

// buildRegistry 注册内置工具，配置了 RPC 地址时额外注册 chain 工具。
func (a *app) buildRegistry(ctx context.Context) error {
	a.registry = tools.NewRegistry(
		tools.WithTimeout(a.cfg.Tools.Timeout()),
		tools.WithBatchConcurrency(a.cfg.Tools.BatchConcurrency),
		tools.WithRecorder(a.metrics),
	)
	var chain *web3.Client
	if a.cfg.Web3.RPCURL != "" {
		var err error
		chain, err = web3.Dial(ctx, a.cfg.Web3.RPCURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { chain.Close(); return nil })
	}
	return builtin.Register(a.registry, chain)
}

func newLLMClient(cfg *config.Config, kv storage.KV) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case config.ProviderScripted:
		return llm.NewScripted(cfg.LLM.Script...), nil
	case config.ProviderOpenAI, config.ProviderSiliconFlow:
		client, err := openai.NewClient(openai.Config{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Timeout:     cfg.LLM.Timeout(),
		})
		if err != nil {
			return nil, err
		}
		if cfg.LLM.CacheTTL <= 0 {
			return client, nil
		}
		if kv == nil {
			kv = storage.NewMemoryKV()
		}
		return llm.NewCachedClient(client, kv, cfg.LLM.Provider, cfg.LLM.Model,
			time.Duration(cfg.LLM.CacheTTL)*time.Second), nil
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, "不支持的LLM提供商: "+cfg.LLM.Provider)
	}
}

func (a *app) openArchive(ctx context.Context) (scheduler.Archive, error) {
	switch a.cfg.Storage.Archive.Driver {
	case "file":
		return mysql.NewFileArchive(a.cfg.Storage.Archive.DataDir)
	case "mysql":
		db, err := a.mysql(ctx)
		if err != nil {
			return nil, err
		}
		return mysql.NewTaskArchive(db), nil
	default:
		return nil, nil
	}
}

// mysql 懒加载共享连接，归档与任务存储复用同一个连接池。
func (a *app) mysql(ctx context.Context) (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	archive := a.cfg.Storage.Archive
	db, err := mysql.Open(ctx, mysql.Config{
		DSN:             archive.DSN,
		MaxOpenConns:    archive.MaxOpenConns,
		MaxIdleConns:    archive.MaxIdleConns,
		ConnMaxLifetime: time.Duration(archive.ConnMaxLifetimeSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	return db, nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	errs = append(errs, logger.Sync())
	return errors.Join(errs...)
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "Mofy-Agent/internal/errors"
)

// Config 描述 Mofy 在启动阶段加载的全部配置，构造一次后显式传入各组件。
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	LLM        LLMConfig        `yaml:"llm"`
	Memory     MemoryConfig     `yaml:"memory"`
	Tools      ToolsConfig      `yaml:"tools"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Reflection ReflectionConfig `yaml:"reflection"`
	Session    SessionConfig    `yaml:"session"`
	Storage    StorageConfig    `yaml:"storage"`
	Queue      QueueConfig      `yaml:"queue"`
	Web3       Web3Config       `yaml:"web3"`
	Alerting   AlertingConfig   `yaml:"alerting"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `yaml:"address"`
}

// LLMConfig 描述文本补全后端。
type LLMConfig struct {
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	Temperature float64  `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
	APIKey      string   `yaml:"api_key"`
	BaseURL     string   `yaml:"base_url"`
	TimeoutSecs int      `yaml:"timeout_seconds"`
	CacheTTL    int      `yaml:"cache_ttl_seconds"`
	Script      []string `yaml:"script"`
}

// Timeout 返回单次补全请求的超时时间。
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// MemoryConfig 描述短期、长期记忆的参数。
type MemoryConfig struct {
	ShortTermTTL     int  `yaml:"short_term_ttl_seconds"`
	EnableLongTerm   bool `yaml:"enable_long_term"`
	RecentLimit      int  `yaml:"recent_limit"`
	LongTermMatches  int  `yaml:"long_term_matches"`
	MaxContextLength int  `yaml:"max_context_length"`
	// SeedFile 为 YAML 或 JSON 格式的长期记忆初始条目。
	SeedFile string `yaml:"seed_file"`
}

// TTL 返回短期记忆的存活时间。
func (c MemoryConfig) TTL() time.Duration {
	return time.Duration(c.ShortTermTTL) * time.Second
}

// ToolsConfig 描述工具调用的超时与并发。
type ToolsConfig struct {
	TimeoutSecs      float64 `yaml:"timeout_seconds"`
	Retries          int     `yaml:"retries"`
	BatchConcurrency int     `yaml:"batch_concurrency"`
}

// Timeout 返回单次工具调用的截止时间。
func (c ToolsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs * float64(time.Second))
}

// SchedulerConfig 描述任务调度器。
type SchedulerConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

// ReflectionConfig 描述反思引擎。
type ReflectionConfig struct {
	HistoryWindow int `yaml:"history_window"`
	LoopWindow    int `yaml:"loop_window"`
}

// SessionConfig 控制空闲会话的回收。MaxAgeSeconds 为 0 时不回收。
type SessionConfig struct {
	MaxAgeSeconds          int `yaml:"max_age_seconds"`
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`
}

// MaxAge 返回会话最长空闲时间。
func (c SessionConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeSeconds) * time.Second
}

// CleanupInterval 返回回收检查的间隔。
func (c SessionConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

// StorageConfig 统一描述 Redis、MySQL 等后端的连接信息。
type StorageConfig struct {
	Redis   RedisConfig   `yaml:"redis"`
	Archive ArchiveConfig `yaml:"archive"`
}

// RedisConfig 为空 URL 时记忆与缓存只保存在进程内。
type RedisConfig struct {
	URL string `yaml:"url"`
}

// ArchiveConfig 描述已完成任务的归档后端，driver 取值 memory、file、mysql。
type ArchiveConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	DataDir                string `yaml:"data_dir"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
}

// QueueConfig 描述异步消息任务所用的队列，driver 取值 memory、redis、rabbitmq；
// store 取值 memory、mysql，mysql 复用 storage.archive.dsn。
type QueueConfig struct {
	Driver     string         `yaml:"driver"`
	Store      string         `yaml:"store"`
	Workers    int            `yaml:"workers"`
	MaxRetries int            `yaml:"max_retries"`
	Redis      RedisQueue     `yaml:"redis"`
	RabbitMQ   RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisQueue 描述基于 Redis list 的队列。
type RedisQueue struct {
	Queue        string `yaml:"queue"`
	BlockSeconds int    `yaml:"block_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
	Durable  bool   `yaml:"durable"`
}

// Web3Config 配置后注册 chain 工具。
type Web3Config struct {
	RPCURL string `yaml:"rpc_url"`
}

// AlertingConfig 描述异步任务最终失败时的通知渠道，告警总是写入审计日志。
type AlertingConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string      `yaml:"level"`
	Format string      `yaml:"format"`
	File   string      `yaml:"file"`
	Audit  AuditConfig `yaml:"audit"`
}

// AuditConfig 描述审计日志。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

const (
	ProviderOpenAI      = "openai"
	ProviderSiliconFlow = "siliconflow"
	ProviderScripted    = "scripted"

	DefaultSiliconFlowBaseURL = "https://api.siliconflow.cn/v1"
)

// Default 返回默认配置。
func Default() *Config {
	return &Config{
		Server: ServerConfig{Address: ":8080"},
		LLM: LLMConfig{
			Provider:    ProviderOpenAI,
			Model:       "gpt-4o",
			Temperature: 0.7,
			TimeoutSecs: 60,
			CacheTTL:    3600,
		},
		Memory: MemoryConfig{
			ShortTermTTL:     3600,
			EnableLongTerm:   true,
			RecentLimit:      5,
			LongTermMatches:  3,
			MaxContextLength: 2000,
		},
		Tools:      ToolsConfig{TimeoutSecs: 3, Retries: 2, BatchConcurrency: 4},
		Scheduler:  SchedulerConfig{MaxRetries: 3},
		Reflection: ReflectionConfig{HistoryWindow: 5, LoopWindow: 3},
		Session:    SessionConfig{MaxAgeSeconds: 86400, CleanupIntervalSeconds: 600},
		Storage: StorageConfig{
			Archive: ArchiveConfig{Driver: "memory", DataDir: "data"},
		},
		Queue: QueueConfig{Driver: "memory", Store: "memory", Workers: 4, MaxRetries: 3},
		Log:   LogConfig{Level: "info", Format: "json", File: "logs/mofy.log"},
	}
}

// Load 读取 YAML 配置文件并叠加环境变量。path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv 与 Load 相同，但允许注入环境变量查找函数。
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	baseDir := "."
	if strings.TrimSpace(path) != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取配置文件失败")
		}
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析配置失败")
		}
		baseDir = filepath.Dir(path)
	}
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConfiguration, err, fmt.Sprintf("环境变量 %s 不是整数", key))
		}
		*dst = n
		return nil
	}

	str("LLM_PROVIDER", &c.LLM.Provider)
	str("MODEL_NAME", &c.LLM.Model)
	str("REDIS_URL", &c.Storage.Redis.URL)
	str("MYSQL_DSN", &c.Storage.Archive.DSN)
	str("RABBITMQ_URL", &c.Queue.RabbitMQ.URL)
	str("WEB3_RPC_URL", &c.Web3.RPCURL)
	str("ALERT_WEBHOOK_URL", &c.Alerting.WebhookURL)
	str("MEMORY_SEED_FILE", &c.Memory.SeedFile)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)
	str("MOFY_ADDR", &c.Server.Address)

	c.LLM.Provider = strings.ToLower(c.LLM.Provider)
	switch c.LLM.Provider {
	case ProviderOpenAI:
		str("OPENAI_API_KEY", &c.LLM.APIKey)
		str("OPENAI_BASE_URL", &c.LLM.BaseURL)
	case ProviderSiliconFlow:
		str("SILICONFLOW_API_KEY", &c.LLM.APIKey)
		str("SILICONFLOW_BASE_URL", &c.LLM.BaseURL)
	}

	if v, ok := lookup("TEMPERATURE"); ok && strings.TrimSpace(v) != "" {
		t, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConfiguration, err, "环境变量 TEMPERATURE 不是数字")
		}
		c.LLM.Temperature = t
	}
	if v, ok := lookup("TOOL_TIMEOUT"); ok && strings.TrimSpace(v) != "" {
		t, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConfiguration, err, "环境变量 TOOL_TIMEOUT 不是数字")
		}
		c.Tools.TimeoutSecs = t
	}
	if v, ok := lookup("ENABLE_LONG_MEMORY"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConfiguration, err, "环境变量 ENABLE_LONG_MEMORY 不是布尔值")
		}
		c.Memory.EnableLongTerm = b
	}
	if err := num("SHORT_TERM_TTL", &c.Memory.ShortTermTTL); err != nil {
		return err
	}
	if err := num("SESSION_MAX_AGE", &c.Session.MaxAgeSeconds); err != nil {
		return err
	}
	return num("TOOL_RETRIES", &c.Tools.Retries)
}

// applyDefaults 补齐用户显式置零的字段。
func (c *Config) applyDefaults(baseDir string) {
	def := Default()
	if c.Server.Address == "" {
		c.Server.Address = def.Server.Address
	}
	if c.LLM.Provider == ProviderSiliconFlow && c.LLM.BaseURL == "" {
		c.LLM.BaseURL = DefaultSiliconFlowBaseURL
	}
	if c.LLM.TimeoutSecs <= 0 {
		c.LLM.TimeoutSecs = def.LLM.TimeoutSecs
	}
	if c.Memory.ShortTermTTL <= 0 {
		c.Memory.ShortTermTTL = def.Memory.ShortTermTTL
	}
	if c.Memory.RecentLimit <= 0 {
		c.Memory.RecentLimit = def.Memory.RecentLimit
	}
	if c.Memory.LongTermMatches <= 0 {
		c.Memory.LongTermMatches = def.Memory.LongTermMatches
	}
	if c.Memory.MaxContextLength <= 0 {
		c.Memory.MaxContextLength = def.Memory.MaxContextLength
	}
	if c.Tools.TimeoutSecs <= 0 {
		c.Tools.TimeoutSecs = def.Tools.TimeoutSecs
	}
	if c.Tools.Retries < 0 {
		c.Tools.Retries = 0
	}
	if c.Tools.BatchConcurrency <= 0 {
		c.Tools.BatchConcurrency = def.Tools.BatchConcurrency
	}
	if c.Scheduler.MaxRetries <= 0 {
		c.Scheduler.MaxRetries = def.Scheduler.MaxRetries
	}
	if c.Reflection.HistoryWindow <= 0 {
		c.Reflection.HistoryWindow = def.Reflection.HistoryWindow
	}
	if c.Reflection.LoopWindow <= 0 {
		c.Reflection.LoopWindow = def.Reflection.LoopWindow
	}
	if c.Session.MaxAgeSeconds < 0 {
		c.Session.MaxAgeSeconds = 0
	}
	if c.Session.CleanupIntervalSeconds <= 0 {
		c.Session.CleanupIntervalSeconds = def.Session.CleanupIntervalSeconds
	}
	if c.Storage.Archive.Driver == "" {
		c.Storage.Archive.Driver = def.Storage.Archive.Driver
	}
	if c.Storage.Archive.DataDir == "" {
		c.Storage.Archive.DataDir = def.Storage.Archive.DataDir
	}
	if !filepath.IsAbs(c.Storage.Archive.DataDir) {
		c.Storage.Archive.DataDir = filepath.Join(baseDir, c.Storage.Archive.DataDir)
	}
	if c.Memory.SeedFile != "" && !filepath.IsAbs(c.Memory.SeedFile) {
		c.Memory.SeedFile = filepath.Join(baseDir, c.Memory.SeedFile)
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = def.Queue.Driver
	}
	if c.Queue.Store == "" {
		c.Queue.Store = def.Queue.Store
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = def.Queue.Workers
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = def.Queue.MaxRetries
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

// Validate 检查 provider、凭证与数值范围，失败时返回 CONFIGURATION 错误。
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderSiliconFlow:
		if strings.TrimSpace(c.LLM.APIKey) == "" {
			return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("%s API 密钥未配置", c.LLM.Provider))
		}
	case ProviderScripted:
		if len(c.LLM.Script) == 0 {
			return xerrors.New(xerrors.CodeConfiguration, "scripted provider 需要至少一条脚本回复")
		}
	default:
		return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("不支持的LLM提供商: %s", c.LLM.Provider))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return xerrors.New(xerrors.CodeConfiguration, "temperature必须在0-2之间")
	}
	switch c.Storage.Archive.Driver {
	case "memory", "file":
	case "mysql":
		if strings.TrimSpace(c.Storage.Archive.DSN) == "" {
			return xerrors.New(xerrors.CodeConfiguration, "mysql 归档需要配置 dsn")
		}
	default:
		return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的归档驱动: %s", c.Storage.Archive.Driver))
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Storage.Redis.URL == "" {
			return xerrors.New(xerrors.CodeConfiguration, "redis 队列需要配置 storage.redis.url")
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return xerrors.New(xerrors.CodeConfiguration, "rabbitmq 队列需要配置 url")
		}
	default:
		return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的队列驱动: %s", c.Queue.Driver))
	}
	switch c.Queue.Store {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.Archive.DSN) == "" {
			return xerrors.New(xerrors.CodeConfiguration, "mysql 任务存储需要配置 storage.archive.dsn")
		}
	default:
		return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的任务存储: %s", c.Queue.Store))
	}
	return nil
}

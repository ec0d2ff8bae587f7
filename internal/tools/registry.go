package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	xerrors "Mofy-Agent/internal/errors"
	"Mofy-Agent/pkg/logger"
)

// DefaultTimeout 是单次工具调用的默认截止时间。
const DefaultTimeout = 3 * time.Second

// Recorder 接收每次工具调用的结果，用于导出指标。
type Recorder interface {
	ObserveToolCall(tool string, success bool, elapsed time.Duration)
}

// Metric 是单个工具的累计调用统计。
type Metric struct {
	Calls     int64         `json:"calls"`
	Successes int64         `json:"successes"`
	Failures  int64         `json:"failures"`
	TotalTime time.Duration `json:"total_time"`
}

// AverageTime 返回平均耗时。
func (m Metric) AverageTime() time.Duration {
	if m.Calls == 0 {
		return 0
	}
	return m.TotalTime / time.Duration(m.Calls)
}

type entry struct {
	tool   Tool
	schema Schema
	metric Metric
}

// Registry 保存工具并负责参数解析、限时执行与指标统计。并发安全。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	timeout     time.Duration
	concurrency int
	recorder    Recorder
	logger      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Registry)

// WithTimeout 设置单次调用的截止时间。
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithBatchConcurrency 限制 ExecuteBatch 的并行度。
func WithBatchConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithRecorder 配置指标导出。
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) {
		r.recorder = rec
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry 创建空的工具注册表。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries:     make(map[string]*entry),
		timeout:     DefaultTimeout,
		concurrency: 4,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = logger.Named("tools")
	}
	return r
}

// Register 登记工具。参数声明为空时返回配置错误，重名时返回冲突错误。
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return xerrors.New(xerrors.CodeConfiguration, "工具不能为空")
	}
	schema := SchemaOf(tool)
	if schema.Name == "" {
		return xerrors.New(xerrors.CodeConfiguration, "工具名称不能为空")
	}
	if len(schema.Parameters) == 0 {
		return xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("工具 %s 必须声明参数", schema.Name),
			xerrors.WithMetadata("tool_name", schema.Name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[schema.Name]; exists {
		return xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("工具 %s 已注册", schema.Name),
			xerrors.WithMetadata("tool_name", schema.Name))
	}
	r.entries[schema.Name] = &entry{tool: tool, schema: schema}
	r.logger.Info("工具已注册", slog.String("tool", schema.Name), slog.Int("params", len(schema.Parameters)))
	return nil
}

// RegisterFunc 以函数形式登记工具。
func (r *Registry) RegisterFunc(schema Schema, fn Func) error {
	if fn == nil {
		return xerrors.New(xerrors.CodeConfiguration, "工具函数不能为空")
	}
	return r.Register(NewFunc(schema, fn))
}

// Has 判断工具是否存在。
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Names 返回按字母排序的工具名。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas 返回按名称排序的工具描述。
func (r *Registry) Schemas() []Schema {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schema, 0, len(names))
	for _, name := range names {
		if e, ok := r.entries[name]; ok {
			out = append(out, e.schema)
		}
	}
	return out
}

// Schema 返回单个工具的描述。
func (r *Registry) Schema(name string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Schema{}, false
	}
	return e.schema, true
}

// Metrics 返回全部工具的统计快照。
func (r *Registry) Metrics() map[string]Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Metric, len(r.entries))
	for name, e := range r.entries {
		out[name] = e.metric
	}
	return out
}

// Metric 返回单个工具的统计快照。
func (r *Registry) Metric(name string) (Metric, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Metric{}, false
	}
	return e.metric, true
}

// Result 是一次工具调用的结构化结果。
type Result struct {
	Tool     string        `json:"tool"`
	Params   Params        `json:"params,omitempty"`
	Output   string        `json:"output,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
	NotFound bool          `json:"not_found,omitempty"`
}

// Success 表示工具执行成功。
func (r Result) Success() bool {
	return !r.NotFound && r.Err == nil
}

// ErrorText 返回用于展示的错误描述。
func (r Result) ErrorText() string {
	if r.Err == nil {
		return ""
	}
	return displayError(r.Err)
}

// String 返回带标签的结果文本。
func (r Result) String() string {
	switch {
	case r.NotFound:
		return fmt.Sprintf("❌ 工具不存在: %s", r.Tool)
	case r.Err != nil:
		return fmt.Sprintf("[%s执行失败] %s", r.Tool, r.ErrorText())
	default:
		return fmt.Sprintf("[%s执行成功] %s", r.Tool, r.Output)
	}
}

func displayError(err error) string {
	if coded, ok := xerrors.From(err); ok {
		msg := coded.Message()
		if cause := coded.Unwrap(); cause != nil {
			msg = msg + ": " + cause.Error()
		}
		return msg
	}
	return err.Error()
}

// Execute 解析参数并调用工具，返回带标签的文本。
func (r *Registry) Execute(ctx context.Context, name, raw string) string {
	return r.Invoke(ctx, name, raw).String()
}

// Invoke 是 Execute 的结构化形式。
func (r *Registry) Invoke(ctx context.Context, name, raw string) Result {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("工具不存在", slog.String("tool", name))
		return Result{Tool: name, NotFound: true}
	}

	start := time.Now()
	params, err := ParseParams(raw, e.schema.Parameters)
	if err != nil {
		res := Result{Tool: name, Err: err, Duration: time.Since(start)}
		r.record(name, res)
		return res
	}
	return r.call(ctx, e, params, start)
}

// InvokeParams 使用已解析的参数调用工具，跳过文本解析。
func (r *Registry) InvokeParams(ctx context.Context, name string, params Params) Result {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Result{Tool: name, NotFound: true}
	}
	start := time.Now()
	if err := validate(params, e.schema.Parameters); err != nil {
		res := Result{Tool: name, Params: params, Err: err, Duration: time.Since(start)}
		r.record(name, res)
		return res
	}
	return r.call(ctx, e, params, start)
}

type outcome struct {
	output string
	err    error
}

// call 在独立 goroutine 中执行工具，到达截止时间后不再等待。
// 忽略 ctx 的工具会在后台继续运行直至返回。
func (r *Registry) call(ctx context.Context, e *entry, params Params, start time.Time) Result {
	name := e.schema.Name
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: NewToolError(name, fmt.Sprintf("工具崩溃: %v", p))}
			}
		}()
		out, err := e.tool.Execute(callCtx, params.Clone())
		done <- outcome{output: out, err: err}
	}()

	res := Result{Tool: name, Params: params}
	select {
	case o := <-done:
		res.Output = o.output
		res.Err = normalizeToolError(name, o.err)
	case <-callCtx.Done():
		if ctx.Err() != nil {
			res.Err = xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "调用已取消",
				xerrors.WithMetadata("tool_name", name))
		} else {
			res.Err = xerrors.New(xerrors.CodeTimeout,
				fmt.Sprintf("执行超时（%s）", r.timeout),
				xerrors.WithMetadata("tool_name", name))
		}
	}
	res.Duration = time.Since(start)
	r.record(name, res)
	return res
}

func normalizeToolError(name string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return WrapToolError(name, err, "工具执行失败")
}

func (r *Registry) record(name string, res Result) {
	r.mu.Lock()
	if e, ok := r.entries[name]; ok {
		e.metric.Calls++
		e.metric.TotalTime += res.Duration
		if res.Err == nil {
			e.metric.Successes++
		} else {
			e.metric.Failures++
		}
	}
	r.mu.Unlock()

	if r.recorder != nil {
		r.recorder.ObserveToolCall(name, res.Err == nil, res.Duration)
	}
	if res.Err != nil {
		logger.Audit().Warn("工具调用失败",
			slog.String("tool", name),
			slog.String("code", string(xerrors.CodeOf(res.Err))),
			slog.Duration("elapsed", res.Duration),
			slog.Any("error", res.Err))
		return
	}
	r.logger.Debug("工具调用成功", slog.String("tool", name), slog.Duration("elapsed", res.Duration))
}

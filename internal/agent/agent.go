package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "Mofy-Agent/internal/errors"
	"Mofy-Agent/internal/llm"
	"Mofy-Agent/internal/memory"
	"Mofy-Agent/internal/reflection"
	"Mofy-Agent/internal/scheduler"
	"Mofy-Agent/internal/tools"
	"Mofy-Agent/pkg/logger"
)

const (
	noToolReply     = "我理解了您的需求，但没有找到合适的工具来处理。"
	errorReplyFmt   = "抱歉，处理过程中出现错误：%s"
	loopAbortResult = "检测到重复的工具调用，已中止执行"
	skippedResult   = "执行已中止，任务未运行"

	defaultToolRetries = 2
)

// Agent 是单个会话的编排器：记录 → 回忆 → 规划 → 调度 → 执行 → 反思 → 总结 → 记录。
// 同一 Agent 上的消息按顺序处理。
type Agent struct {
	procMu sync.Mutex

	stateMu    sync.RWMutex
	sessionID  string
	lastActive time.Time

	llmClient  llm.Client
	registry   *tools.Registry
	memory     *memory.Manager
	reflection *reflection.Engine
	scheduler  *scheduler.Scheduler

	schedulerOpts []scheduler.Option
	toolRetries   int
	loopWindow    int
	llmTimeout    time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithSessionID 指定会话 ID，缺省时生成 UUID。
func WithSessionID(id string) Option {
	return func(a *Agent) {
		a.sessionID = strings.TrimSpace(id)
	}
}

// WithReflection 替换反思引擎，缺省时使用同一个大模型客户端创建。
func WithReflection(engine *reflection.Engine) Option {
	return func(a *Agent) {
		a.reflection = engine
	}
}

// WithSchedulerOptions 传递调度器配置，例如归档与最大重试次数。
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(a *Agent) {
		a.schedulerOpts = append(a.schedulerOpts, opts...)
	}
}

// WithToolRetries 设置单个任务失败后最多重试的次数。
func WithToolRetries(n int) Option {
	return func(a *Agent) {
		if n >= 0 {
			a.toolRetries = n
		}
	}
}

// WithLoopWindow 设置循环检测窗口。
func WithLoopWindow(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.loopWindow = n
		}
	}
}

// WithLLMTimeout 设置单次调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout > 0 {
			a.llmTimeout = timeout
		}
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// New 创建一个 Agent。registry 与 mem 可在多个会话间共享。
func New(llmClient llm.Client, registry *tools.Registry, mem *memory.Manager, opts ...Option) *Agent {
	ag := &Agent{
		llmClient:   llmClient,
		registry:    registry,
		memory:      mem,
		toolRetries: defaultToolRetries,
		loopWindow:  reflection.DefaultLoopWindow,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.sessionID == "" {
		ag.sessionID = uuid.NewString()
	}
	if ag.registry == nil {
		ag.registry = tools.NewRegistry()
	}
	if ag.memory == nil {
		ag.memory = memory.New()
	}
	if ag.reflection == nil {
		ag.reflection = reflection.New(llmClient)
	}
	ag.logger = logger.Named("agent").With(slog.String("session_id", ag.sessionID))
	ag.scheduler = scheduler.New(append([]scheduler.Option{
		scheduler.WithSessionID(ag.sessionID),
	}, ag.schedulerOpts...)...)
	ag.lastActive = ag.now()
	return ag
}

// SessionID 返回会话 ID。
func (a *Agent) SessionID() string {
	return a.sessionID
}

// LastActive 返回最近一次处理消息的时间。
func (a *Agent) LastActive() time.Time {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.lastActive
}

// Expired 报告会话自最近一次处理消息起是否已空闲超过 maxAge。
func (a *Agent) Expired(maxAge time.Duration) bool {
	return a.now().Sub(a.LastActive()) > maxAge
}

// Scheduler 返回会话的任务调度器。
func (a *Agent) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// ProcessMessage 处理一条用户消息并总是返回回复文本。
func (a *Agent) ProcessMessage(ctx context.Context, message string) string {
	reply, _ := a.Handle(ctx, message)
	return reply
}

// Handle 与 ProcessMessage 相同，但同时返回导致错误回复的原因，供异步任务判断是否重试。
func (a *Agent) Handle(ctx context.Context, message string) (reply string, err error) {
	a.procMu.Lock()
	defer a.procMu.Unlock()

	a.stateMu.Lock()
	a.lastActive = a.now()
	a.stateMu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			err = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("处理消息时发生崩溃: %v", p))
			a.abandonPending(ctx)
		}
		if err != nil {
			a.logger.Error("消息处理失败", slog.Any("error", err))
			reply = fmt.Sprintf(errorReplyFmt, describe(err))
		}
	}()
	return a.process(ctx, message)
}

func (a *Agent) process(ctx context.Context, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "消息内容不能为空")
	}
	if a.llmClient == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if err := a.memory.AddExperience(ctx, a.sessionID, "用户: "+message); err != nil {
		return "", err
	}
	memoryContext := a.memory.GetRelevantMemory(ctx, a.sessionID, message)

	plan, err := a.plan(ctx, message, memoryContext)
	if err != nil {
		return "", err
	}

	var reply string
	if len(plan.Tasks) == 0 {
		reply = noToolReply
	} else {
		history, results := a.execute(ctx, plan)
		reply = a.synthesize(ctx, message, history, results)
	}

	if err := a.memory.AddExperience(ctx, a.sessionID, "助手: "+reply); err != nil {
		a.logger.Warn("保存回复失败", slog.Any("error", err))
	}
	return reply, nil
}

func (a *Agent) generate(ctx context.Context, req llm.Request) (string, error) {
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}
	resp, err := a.llmClient.Generate(ctx, req)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return "", xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		if _, ok := xerrors.From(err); ok {
			return "", err
		}
		return "", xerrors.Wrap(xerrors.CodeBackendFailure, err, "大模型推理失败")
	}
	return resp.Content, nil
}

func (a *Agent) plan(ctx context.Context, message, memoryContext string) (Plan, error) {
	content, err := a.generate(ctx, llm.Request{
		Prompt: buildPlanPrompt(memoryContext, describeTools(a.registry.Schemas()), message),
	})
	if err != nil {
		return Plan{}, err
	}
	plan := ParsePlan(content)
	a.logger.Info("任务规划完成", slog.String("intent", plan.Intent), slog.Int("tasks", len(plan.Tasks)))
	return plan, nil
}

// execute 把计划加入调度器并逐个执行，失败时由反思引擎决定是否重试。
func (a *Agent) execute(ctx context.Context, plan Plan) (history, results []string) {
	rawParams := make(map[int64]string, len(plan.Tasks))
	for _, pt := range plan.Tasks {
		taskType := strings.TrimSpace(pt.Type)
		if taskType == "" {
			taskType = "unknown"
		}
		task, err := a.scheduler.AddTask(taskType, pt.ParameterMap(), pt.PriorityValue(),
			scheduler.WithTool(strings.TrimSpace(pt.Tool)))
		if err != nil {
			a.logger.Warn("添加任务失败", slog.Any("error", err))
			continue
		}
		rawParams[task.ID] = pt.RawParameters()
	}
	defer a.scheduler.PruneFinished()

	var actions []string
	for {
		if err := ctx.Err(); err != nil {
			history = append(history, "执行已取消: "+err.Error())
			break
		}
		task, ok := a.scheduler.GetNextTask()
		if !ok {
			break
		}
		raw := rawParams[task.ID]
		actions = append(actions, task.Tool+"("+raw+")")
		if a.reflection.DetectLoop(actions, a.loopWindow) {
			a.scheduler.CompleteTask(ctx, task.ID, loopAbortResult, false)
			history = append(history, fmt.Sprintf("任务: %s, 结果: %s", task.Type, loopAbortResult))
			results = append(results, loopAbortResult)
			break
		}

		if task.Tool == "" {
			a.scheduler.CompleteTask(ctx, task.ID, "任务执行完成", true)
			history = append(history, fmt.Sprintf("任务: %s, 结果: 任务执行完成", task.Type))
			results = append(results, "任务执行完成")
			continue
		}

		res := a.registry.Invoke(ctx, task.Tool, raw)
		tagged := res.String()
		history = append(history, fmt.Sprintf("任务: %s, 结果: %s", task.Type, tagged))
		if res.Success() {
			a.scheduler.CompleteTask(ctx, task.ID, res.Output, true)
			results = append(results, tagged)
			continue
		}

		a.scheduler.CompleteTask(ctx, task.ID, res.ErrorText(), false)
		if res.NotFound {
			results = append(results, tagged)
			continue
		}
		analysis := a.reflection.AnalyzeFailure(ctx, history)
		if task.RetryCount < a.toolRetries && a.reflection.ShouldRetry(analysis, task.RetryCount) &&
			a.scheduler.RetryTask(task.ID) {
			a.logger.Info("任务失败后重试",
				slog.Int64("task_id", task.ID),
				slog.String("failure_type", string(analysis.Type)),
				slog.Int("retry_count", task.RetryCount+1))
			continue
		}
		suggestion := a.reflection.Suggestion(analysis.Type, task.Tool)
		results = append(results, fmt.Sprintf("%s（%s：%s）", tagged, analysis.Type, suggestion))
	}
	a.abandonPending(ctx)
	return history, results
}

// abandonPending 把中止时仍在排队的任务标记为失败，使它们不会在下一条消息中被执行。
func (a *Agent) abandonPending(ctx context.Context) {
	for {
		task, ok := a.scheduler.GetNextTask()
		if !ok {
			return
		}
		a.scheduler.CompleteTask(context.WithoutCancel(ctx), task.ID, skippedResult, false)
		a.logger.Info("丢弃未执行的任务", slog.Int64("task_id", task.ID), slog.String("tool", task.Tool))
	}
}

func (a *Agent) synthesize(ctx context.Context, message string, history, results []string) string {
	if len(history) == 0 {
		return "任务执行完成，但没有产生具体结果。"
	}
	reply, err := a.generate(ctx, llm.Request{
		Prompt: fmt.Sprintf(synthesizePrompt, message, strings.Join(history, "\n")),
	})
	if err != nil || strings.TrimSpace(reply) == "" {
		a.logger.Warn("生成回复失败，直接返回执行结果", slog.Any("error", err))
		return strings.Join(results, "\n")
	}
	return strings.TrimSpace(reply)
}

// Status 是会话状态快照。
type Status struct {
	SessionID      string                  `json:"session_id"`
	LastActive     time.Time               `json:"last_active"`
	PendingTasks   int                     `json:"pending_tasks"`
	CompletedTasks int                     `json:"completed_tasks"`
	ToolMetrics    map[string]tools.Metric `json:"tool_metrics"`
}

// Status 返回会话状态。
func (a *Agent) Status() Status {
	stats := a.scheduler.Stats()
	return Status{
		SessionID:      a.sessionID,
		LastActive:     a.LastActive(),
		PendingTasks:   stats.Pending,
		CompletedTasks: len(a.scheduler.Completed()),
		ToolMetrics:    a.registry.Metrics(),
	}
}

func describe(err error) string {
	if coded, ok := xerrors.From(err); ok {
		if cause := coded.Unwrap(); cause != nil {
			return coded.Message() + ": " + cause.Error()
		}
		return coded.Message()
	}
	return err.Error()
}

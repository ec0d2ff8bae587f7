package reflection

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"Mofy-Agent/internal/llm"
	"Mofy-Agent/pkg/logger"
)

// Type 是失败分类，取值固定为下列五种。
type Type string

const (
	TypeParameter Type = "参数错误"
	TypeTool      Type = "工具失败"
	TypeLogic     Type = "逻辑错误"
	TypeParse     Type = "解析错误"
	TypeUnknown   Type = "未知错误"
)

// Types 按分类顺序列出全部失败类型。
var Types = []Type{TypeParameter, TypeTool, TypeLogic, TypeParse, TypeUnknown}

// Valid 判断是否属于固定分类。
func (t Type) Valid() bool {
	return slices.Contains(Types, t)
}

// Result 是一次失败分析的结论。
type Result struct {
	Type       Type   `json:"type"`
	Reason     string `json:"reason"`
	Suggestion string `json:"suggestion"`
}

const (
	// DefaultHistoryWindow 是送去分析的历史条数。
	DefaultHistoryWindow = 5
	// DefaultLoopWindow 是循环检测的默认窗口。
	DefaultLoopWindow = 3
	// DefaultMaxRetries 是重试次数的硬上限，配置只能调低。
	DefaultMaxRetries = 3

	fallbackSuggestion = "检查提示词模板和LLM响应格式"
)

var suggestions = map[Type]string{
	TypeParameter: "请检查工具调用参数的格式和完整性，确保所有必填参数都已提供",
	TypeTool:      "请检查网络连接和API密钥，或尝试使用备用工具",
	TypeLogic:     "请重新审视任务步骤，确保逻辑链条完整且正确",
	TypeParse:     "请检查LLM输出格式，确保返回有效的JSON格式",
}

// errorPatterns 用于无模型可用时的本地分类，按顺序匹配。
var errorPatterns = []struct {
	typ     Type
	pattern *regexp.Regexp
}{
	{TypeParameter, regexp.MustCompile(`缺少必选参数|缺少必填参数|参数为空|类型错误|格式错误|参数验证失败|非法字符`)},
	{TypeTool, regexp.MustCompile(`API超时|执行超时|权限不足|服务不可用|连接失败|工具不存在|工具崩溃`)},
	{TypeLogic, regexp.MustCompile(`结论矛盾|步骤缺失|计算错误|逻辑不一致`)},
	{TypeParse, regexp.MustCompile(`解析失败|JSON解析|无法解析`)},
}

// Engine 对失败进行分类、检测重复动作并判断是否值得重试。
type Engine struct {
	llm           llm.Client
	historyWindow int
	maxRetries    int
	noRetry       []Type
	logger        *slog.Logger
}

// Option 定义可选配置。
type Option func(*Engine)

// WithHistoryWindow 设置分析时使用的历史条数。
func WithHistoryWindow(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyWindow = n
		}
	}
}

// WithMaxRetries 设置重试上限，超过 DefaultMaxRetries 的值按 DefaultMaxRetries 处理。
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = min(n, DefaultMaxRetries)
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New 创建反思引擎。client 为 nil 时只做本地规则分类。
func New(client llm.Client, opts ...Option) *Engine {
	e := &Engine{
		llm:           client,
		historyWindow: DefaultHistoryWindow,
		maxRetries:    DefaultMaxRetries,
		noRetry:       []Type{TypeParameter, TypeParse},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.logger == nil {
		e.logger = logger.Named("reflection")
	}
	return e
}

const analyzePrompt = `分析以下任务执行历史，指出失败类型和具体原因:
%s

失败类型只能是:参数错误/工具失败/逻辑错误/解析错误/未知错误
输出格式:{"type":"错误类型","reason":"具体原因","suggestion":"改进建议"}

请严格按照JSON格式输出，不要添加任何额外内容。`

// AnalyzeFailure 根据最近的执行历史给出失败分类，从不返回错误。
// 未配置模型时使用本地规则分类；模型调用失败或回复无法解析时归为未知错误。
func (e *Engine) AnalyzeFailure(ctx context.Context, history []string) Result {
	recent := history
	if len(recent) > e.historyWindow {
		recent = recent[len(recent)-e.historyWindow:]
	}
	if e.llm == nil {
		return e.classifyLocally(recent)
	}

	resp, err := e.llm.Generate(ctx, llm.Request{
		Prompt:      fmt.Sprintf(analyzePrompt, strings.Join(recent, "\n")),
		Temperature: llm.Temperature(0.1),
		NoCache:     true,
	})
	if err != nil {
		e.logger.Warn("反思模型调用失败", slog.Any("error", err))
		return defaultResult("反思模型调用失败")
	}

	var parsed Result
	if err := llm.DecodeObject(resp.Content, &parsed); err != nil {
		return defaultResult("反思结果解析失败")
	}
	if parsed.Type == "" {
		return defaultResult("反思结果缺少type字段")
	}
	if !parsed.Type.Valid() {
		parsed.Type = TypeUnknown
	}
	if parsed.Suggestion == "" {
		parsed.Suggestion = e.Suggestion(parsed.Type, "")
	}
	e.logger.Info("反思分析完成", slog.String("type", string(parsed.Type)), slog.String("reason", parsed.Reason))
	return parsed
}

func defaultResult(reason string) Result {
	return Result{Type: TypeUnknown, Reason: reason, Suggestion: fallbackSuggestion}
}

// classifyLocally 用错误模式匹配最近的一条历史，未命中时为未知错误。
func (e *Engine) classifyLocally(history []string) Result {
	if len(history) == 0 {
		return defaultResult("没有可分析的执行历史")
	}
	last := history[len(history)-1]
	for _, p := range errorPatterns {
		if m := p.pattern.FindString(last); m != "" {
			return Result{
				Type:       p.typ,
				Reason:     fmt.Sprintf("执行历史中出现“%s”", m),
				Suggestion: e.Suggestion(p.typ, ""),
			}
		}
	}
	return Result{Type: TypeUnknown, Reason: "无法从执行历史判断失败原因", Suggestion: e.Suggestion(TypeUnknown, "")}
}

// DetectLoop 判断最近 window 个动作是否与紧邻其前的 window 个动作完全相同。
// window <= 0 时使用默认窗口。
func (e *Engine) DetectLoop(actions []string, window int) bool {
	if window <= 0 {
		window = DefaultLoopWindow
	}
	n := len(actions)
	if n < window*2 {
		return false
	}
	if slices.Equal(actions[n-window:], actions[n-2*window:n-window]) {
		e.logger.Warn("检测到循环模式", slog.Any("pattern", actions[n-window:]))
		return true
	}
	return false
}

// ShouldRetry 在重试次数未达上限且失败类型值得重试时返回 true。
func (e *Engine) ShouldRetry(result Result, retryCount int) bool {
	if retryCount >= e.maxRetries {
		return false
	}
	return !slices.Contains(e.noRetry, result.Type)
}

// Suggestion 返回失败类型对应的改进建议，toolName 非空时附带工具提示。
func (e *Engine) Suggestion(t Type, toolName string) string {
	s, ok := suggestions[t]
	if !ok {
		s = "请检查任务执行的各个环节"
	}
	if toolName != "" {
		s += fmt.Sprintf("，特别关注%s工具的使用", toolName)
	}
	return s
}

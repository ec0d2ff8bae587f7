package agent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"Mofy-Agent/internal/llm"
	"Mofy-Agent/internal/scheduler"
	"Mofy-Agent/internal/tools"
)

// Plan 是规划器输出的任务计划。
type Plan struct {
	Intent string        `json:"intent"`
	Tasks  []PlannedTask `json:"tasks"`
}

// PlannedTask 是计划中的一步工具调用。
type PlannedTask struct {
	Type       string          `json:"type"`
	Tool       string          `json:"tool"`
	Parameters json.RawMessage `json:"parameters"`
	Priority   json.RawMessage `json:"priority"`
}

// RawParameters 返回交给工具注册表解析的参数文本。对象保持 JSON 形式，字符串去掉引号。
func (t PlannedTask) RawParameters() string {
	raw := strings.TrimSpace(string(t.Parameters))
	if raw == "" || raw == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(t.Parameters, &s); err == nil {
		return s
	}
	return raw
}

// ParameterMap 返回用于任务记录的参数。
func (t PlannedTask) ParameterMap() map[string]any {
	raw := t.RawParameters()
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err == nil {
		return m
	}
	return map[string]any{"input": raw}
}

// PriorityValue 解析优先级，缺失或超出 1..10 时返回默认值。
func (t PlannedTask) PriorityValue() int {
	raw := strings.Trim(strings.TrimSpace(string(t.Priority)), `"`)
	if raw == "" {
		return scheduler.DefaultPriority
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return scheduler.DefaultPriority
	}
	p := int(f)
	if float64(p) != f || p < scheduler.MinPriority || p > scheduler.MaxPriority {
		return scheduler.DefaultPriority
	}
	return p
}

// ParsePlan 从模型输出中解析任务计划。内容不可解析时返回空计划。
func ParsePlan(content string) Plan {
	var plan Plan
	if err := llm.DecodeObject(content, &plan); err != nil {
		return Plan{}
	}
	return plan
}

const planPrompt = `基于以下上下文分析用户意图，生成任务执行计划:

上下文信息:
%s

可用工具:
%s

用户消息: %s

请分析用户意图并返回JSON格式的任务计划，tool 必须是可用工具之一，没有合适工具时 tasks 为空数组:
{
    "intent": "用户意图描述",
    "tasks": [
        {
            "type": "任务类型",
            "tool": "工具名称",
            "parameters": {"param": "value"},
            "priority": 1-10
        }
    ]
}`

const synthesizePrompt = `基于以下任务执行结果，生成自然语言回复:

用户消息: %s

任务执行历史:
%s

请生成简洁、有用的回复:`

func describeTools(schemas []tools.Schema) string {
	if len(schemas) == 0 {
		return "（无）"
	}
	var b strings.Builder
	for _, s := range schemas {
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
		for _, p := range s.Parameters {
			required := "可选"
			if p.Required {
				required = "必填"
			}
			fmt.Fprintf(&b, "    - %s (%s, %s)", p.Name, p.Type, required)
			if p.Description != "" {
				b.WriteString(": " + p.Description)
			}
			if len(p.Choices) > 0 {
				b.WriteString(" 可选值: " + strings.Join(p.Choices, "/"))
			}
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func buildPlanPrompt(memoryContext, toolList, message string) string {
	if strings.TrimSpace(memoryContext) == "" {
		memoryContext = "（无）"
	}
	return fmt.Sprintf(planPrompt, memoryContext, toolList, message)
}

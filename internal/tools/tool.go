package tools

import (
	"context"
	"regexp"

	xerrors "Mofy-Agent/internal/errors"
)

// ParamSpec 描述一个工具参数。Choices 与 Pattern 供关键词推断使用。
type ParamSpec struct {
	Name        string         `json:"name"`
	Type        Kind           `json:"type"`
	Required    bool           `json:"required"`
	Description string         `json:"description,omitempty"`
	Choices     []string       `json:"choices,omitempty"`
	Pattern     *regexp.Regexp `json:"-"`
}

// Schema 描述工具的名称、用途与有序参数列表。
type Schema struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []ParamSpec `json:"parameters"`
}

// Required 返回必填参数名。
func (s Schema) Required() []string {
	var names []string
	for _, p := range s.Parameters {
		if p.Required {
			names = append(names, p.Name)
		}
	}
	return names
}

// Tool 是可被注册表调用的能力。
type Tool interface {
	Name() string
	Description() string
	Parameters() []ParamSpec
	Execute(ctx context.Context, params Params) (string, error)
}

// SchemaOf 汇总工具的描述信息。
func SchemaOf(t Tool) Schema {
	return Schema{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()}
}

// Func 是以函数实现的工具。
type Func func(ctx context.Context, params Params) (string, error)

type funcTool struct {
	schema Schema
	fn     Func
}

// NewFunc 将 schema 与函数组合成 Tool。
func NewFunc(schema Schema, fn Func) Tool {
	return &funcTool{schema: schema, fn: fn}
}

func (f *funcTool) Name() string            { return f.schema.Name }
func (f *funcTool) Description() string     { return f.schema.Description }
func (f *funcTool) Parameters() []ParamSpec { return f.schema.Parameters }

func (f *funcTool) Execute(ctx context.Context, params Params) (string, error) {
	return f.fn(ctx, params)
}

// NewToolError 构造携带工具名的执行错误，工具实现应使用它报告失败。
func NewToolError(tool, message string) error {
	return xerrors.New(xerrors.CodeToolExecution, message, xerrors.WithMetadata("tool_name", tool))
}

// WrapToolError 与 NewToolError 相同，但保留底层原因。
func WrapToolError(tool string, cause error, message string) error {
	return xerrors.Wrap(xerrors.CodeToolExecution, cause, message, xerrors.WithMetadata("tool_name", tool))
}

package tools

import (
	"fmt"
	"regexp"
	"strings"

	xerrors "Mofy-Agent/internal/errors"
	"Mofy-Agent/internal/llm"
)

// parseStrategy 尝试把原始参数串解析为 Params。返回 false 表示不适用，
// 解析链继续尝试下一个策略。
type parseStrategy struct {
	name  string
	parse func(raw string, specs []ParamSpec) (Params, bool)
}

var strategies = []parseStrategy{
	{name: "json", parse: parseJSONObject},
	{name: "pairs", parse: parseKeyValuePairs},
	{name: "single", parse: parseSingleRequired},
	{name: "infer", parse: inferFromSpec},
}

// ParseParams 依次尝试结构化对象、key=value 对、单必填参数兜底与关键词推断。
// 全部不适用时返回 PARAMETER_PARSE 错误。
func ParseParams(raw string, specs []ParamSpec) (Params, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		if len(requiredOf(specs)) == 0 {
			return Params{}, nil
		}
		return nil, parseError("参数为空，缺少必填参数: %s", strings.Join(requiredOf(specs), ", "))
	}
	for _, s := range strategies {
		params, ok := s.parse(trimmed, specs)
		if !ok {
			continue
		}
		if err := validate(params, specs); err != nil {
			return nil, err
		}
		return params, nil
	}
	return nil, parseError("无法解析参数格式，请使用JSON或'key=value'格式")
}

func parseError(format string, args ...any) error {
	return xerrors.New(xerrors.CodeParameterParse, fmt.Sprintf(format, args...))
}

func requiredOf(specs []ParamSpec) []string {
	var names []string
	for _, s := range specs {
		if s.Required {
			names = append(names, s.Name)
		}
	}
	return names
}

func specByName(specs []ParamSpec, name string) (ParamSpec, bool) {
	for _, s := range specs {
		if s.Name == name {
			return s, true
		}
	}
	return ParamSpec{}, false
}

func covers(params Params, specs []ParamSpec) bool {
	for _, name := range requiredOf(specs) {
		if _, ok := params[name]; !ok {
			return false
		}
	}
	return true
}

// validate 只检查必填项是否齐全；类型在各策略内完成转换。
func validate(params Params, specs []ParamSpec) error {
	for _, name := range requiredOf(specs) {
		if _, ok := params[name]; !ok {
			return parseError("缺少必填参数: %s", name)
		}
	}
	return nil
}

// parseJSONObject 处理 {...} 形式的输入，格式损坏时先修复。
// 未声明的键被忽略；类型无法转换的值视为缺失。
func parseJSONObject(raw string, specs []ParamSpec) (Params, bool) {
	if !strings.HasPrefix(raw, "{") {
		return nil, false
	}
	var decoded map[string]any
	if err := llm.DecodeObject(raw, &decoded); err != nil || decoded == nil {
		return nil, false
	}
	params := make(Params, len(decoded))
	for key, value := range decoded {
		spec, ok := specByName(specs, key)
		if !ok {
			continue
		}
		if v, ok := FromAny(value, kindOf(spec)); ok {
			params[key] = v
		}
	}
	return params, true
}

var pairKey = regexp.MustCompile(`^[\p{L}\p{N}_]+$`)

// parseKeyValuePairs 处理 key=value&key2=value2，分隔符可以是 & , ; 之一。
// 结果必须覆盖全部必填参数。
func parseKeyValuePairs(raw string, specs []ParamSpec) (Params, bool) {
	if !strings.Contains(raw, "=") {
		return nil, false
	}
	segments := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '&' || r == ',' || r == ';' || r == '，' || r == '；'
	})
	params := make(Params, len(segments))
	for _, segment := range segments {
		key, value, found := strings.Cut(segment, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if !pairKey.MatchString(key) {
			return nil, false
		}
		spec, ok := specByName(specs, key)
		if !ok {
			continue
		}
		v, ok := Coerce(value, kindOf(spec))
		if !ok {
			return nil, false
		}
		params[key] = v
	}
	if len(params) == 0 || !covers(params, specs) {
		return nil, false
	}
	return params, true
}

// parseSingleRequired 在恰好一个必填参数时把整串作为它的值，数字与布尔会做类型转换。
// 文本中出现声明的候选项时只取候选项；声明了候选项或正则的可选参数顺带抽取。
func parseSingleRequired(raw string, specs []ParamSpec) (Params, bool) {
	required := requiredOf(specs)
	if len(required) != 1 {
		return nil, false
	}
	spec, _ := specByName(specs, required[0])
	original := raw
	for _, choice := range spec.Choices {
		if choice != "" && strings.Contains(raw, choice) {
			raw = choice
			break
		}
	}
	v, ok := Coerce(raw, kindOf(spec))
	if !ok {
		return nil, false
	}
	params := Params{spec.Name: v}
	for _, opt := range specs {
		if opt.Required || (opt.Pattern == nil && len(opt.Choices) == 0) {
			continue
		}
		if v, ok := inferOne(original, opt); ok {
			params[opt.Name] = v
		}
	}
	return params, true
}

var mathExpression = regexp.MustCompile(`[\d+\-*/().\s]*\d[\d+\-*/().\s]*`)

// inferFromSpec 按参数声明推断取值：候选项、正则、描述中的关键词。
func inferFromSpec(raw string, specs []ParamSpec) (Params, bool) {
	params := make(Params)
	for _, spec := range specs {
		if v, ok := inferOne(raw, spec); ok {
			params[spec.Name] = v
		}
	}
	if !covers(params, specs) {
		return nil, false
	}
	return params, true
}

func inferOne(raw string, spec ParamSpec) (Value, bool) {
	for _, choice := range spec.Choices {
		if choice != "" && strings.Contains(raw, choice) {
			return Coerce(choice, kindOf(spec))
		}
	}
	if spec.Pattern != nil {
		if m := spec.Pattern.FindString(raw); m != "" {
			return Coerce(m, kindOf(spec))
		}
		return Value{}, false
	}
	switch kindOf(spec) {
	case KindNumber, KindBoolean:
		return Coerce(raw, kindOf(spec))
	}
	desc := strings.ToLower(spec.Description)
	switch {
	case containsAny(desc, "表达式", "计算", "expression"):
		if m := strings.TrimSpace(mathExpression.FindString(raw)); m != "" {
			return String(m), true
		}
	case containsAny(desc, "查询", "搜索", "query", "search"):
		return String(raw), true
	}
	return Value{}, false
}

func kindOf(spec ParamSpec) Kind {
	if spec.Type == "" {
		return KindString
	}
	return spec.Type
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

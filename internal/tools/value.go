package tools

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Kind 是工具参数的类型。
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
)

// Value 是带类型标签的参数值，只能是字符串、数字或布尔之一。
type Value struct {
	kind Kind
	str  string
	num  float64
	flag bool
}

// String 构造字符串值。
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number 构造数字值。
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Bool 构造布尔值。
func Bool(b bool) Value { return Value{kind: KindBoolean, flag: b} }

// Kind 返回值的类型，零值为空字符串。
func (v Value) Kind() Kind { return v.kind }

// IsZero 判断是否为未赋值的 Value。
func (v Value) IsZero() bool { return v.kind == "" }

// Text 以字符串形式返回值。
func (v Value) Text() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBoolean:
		return strconv.FormatBool(v.flag)
	default:
		return v.str
	}
}

// Float 返回数字值。
func (v Value) Float() (float64, bool) {
	return v.num, v.kind == KindNumber
}

// Truth 返回布尔值。
func (v Value) Truth() (bool, bool) {
	return v.flag, v.kind == KindBoolean
}

// Any 返回对应的 Go 原生值。
func (v Value) Any() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindBoolean:
		return v.flag
	case KindString:
		return v.str
	default:
		return nil
	}
}

func (v Value) String() string { return v.Text() }

// MarshalJSON 按原生类型编码。
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// Params 是解析后的工具参数。
type Params map[string]Value

// Text 返回字符串参数，不存在时返回空串。
func (p Params) Text(name string) string {
	return p[name].Text()
}

// Float 返回数字参数。
func (p Params) Float(name string) (float64, bool) {
	return p[name].Float()
}

// Truth 返回布尔参数。
func (p Params) Truth(name string) (bool, bool) {
	return p[name].Truth()
}

// Map 转为 map[string]any，用于日志与任务记录。
func (p Params) Map() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v.Any()
	}
	return out
}

// Clone 返回浅拷贝。
func (p Params) Clone() Params {
	return maps.Clone(p)
}

var numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

var boolWords = map[string]bool{
	"是": true, "是的": true, "真": true, "对": true, "true": true, "yes": true, "y": true, "1": true,
	"否": false, "不是": false, "假": false, "不": false, "false": false, "no": false, "n": false, "0": false,
}

// parseBool 按整词匹配中英文布尔关键词，取第一个命中的词。
func parseBool(raw string) (bool, bool) {
	tokens := strings.FieldsFunc(strings.ToLower(raw), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		if v, ok := boolWords[tok]; ok {
			return v, true
		}
	}
	return false, false
}

// Coerce 将文本转换为指定类型。数字取文本中第一个数，布尔按中英文关键词判断。
func Coerce(raw string, kind Kind) (Value, bool) {
	raw = strings.TrimSpace(raw)
	switch kind {
	case KindNumber:
		if n, err := strconv.ParseFloat(raw, 64); err == nil {
			return Number(n), true
		}
		match := numberPattern.FindString(raw)
		if match == "" {
			return Value{}, false
		}
		n, err := strconv.ParseFloat(match, 64)
		if err != nil {
			return Value{}, false
		}
		return Number(n), true
	case KindBoolean:
		v, ok := parseBool(raw)
		if !ok {
			return Value{}, false
		}
		return Bool(v), true
	default:
		return String(raw), true
	}
}

// FromAny 将 JSON 解码得到的值转换为指定类型。
func FromAny(raw any, kind Kind) (Value, bool) {
	switch x := raw.(type) {
	case string:
		return Coerce(x, kind)
	case float64:
		switch kind {
		case KindNumber:
			return Number(x), true
		case KindBoolean:
			return Bool(x != 0), true
		default:
			return String(strconv.FormatFloat(x, 'f', -1, 64)), true
		}
	case bool:
		switch kind {
		case KindBoolean:
			return Bool(x), true
		case KindString:
			return String(strconv.FormatBool(x)), true
		default:
			return Value{}, false
		}
	case json.Number:
		return Coerce(x.String(), kind)
	case nil:
		return Value{}, false
	default:
		if kind == KindString {
			encoded, err := json.Marshal(x)
			if err != nil {
				return String(fmt.Sprint(x)), true
			}
			return String(string(encoded)), true
		}
		return Value{}, false
	}
}

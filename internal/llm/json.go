package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrNoJSON 表示文本中不存在 JSON 对象。
var ErrNoJSON = errors.New("未找到JSON结构")

// ExtractJSON 返回文本中第一个括号平衡的 {...} 块。字符串字面量内的括号不计数。
// 对象未闭合时返回从第一个 '{' 到结尾的内容，交由修复逻辑处理。
func ExtractJSON(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return text[start:], true
}

// DecodeObject 从模型输出中抽取第一个 JSON 对象并解码到 v。
// 标准解码失败时尝试 jsonrepair 修复后再解码一次。
func DecodeObject(text string, v any) error {
	block, ok := ExtractJSON(text)
	if !ok {
		return ErrNoJSON
	}
	err := json.Unmarshal([]byte(block), v)
	if err == nil {
		return nil
	}
	repaired, repairErr := jsonrepair.JSONRepair(block)
	if repairErr != nil {
		return fmt.Errorf("解析JSON失败: %w", errors.Join(err, repairErr))
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("修复后的JSON仍无法解析: %w", err)
	}
	return nil
}

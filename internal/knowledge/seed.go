// Package knowledge 从本地文件加载预置知识，并写入长期记忆供检索。
package knowledge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "Mofy-Agent/internal/errors"
)

// Entry 描述一条预置知识。
type Entry struct {
	Key      string   `json:"key" yaml:"key"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

// Writer 接收长期记忆写入，memory.Manager 实现了该接口。
type Writer interface {
	AddStructured(ctx context.Context, sessionID, key, content string) error
}

// Load 读取 JSON 或 YAML 格式的知识文件，按扩展名选择解码方式。
func Load(path string) ([]Entry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "知识库文件路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析知识库路径失败")
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取知识库文件失败")
	}

	var entries []Entry
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &entries)
	default:
		err = json.Unmarshal(data, &entries)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析知识库文件失败")
	}
	return entries, nil
}

// Seed 把条目写入长期记忆，关键词追加在内容末尾以便检索命中。
// 跳过 key 或内容为空的条目，返回实际写入的数量。
func Seed(ctx context.Context, w Writer, entries []Entry) (int, error) {
	if w == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "长期记忆未初始化")
	}
	written := 0
	for _, entry := range entries {
		key := strings.TrimSpace(entry.Key)
		content := strings.TrimSpace(entry.Content)
		if key == "" || content == "" {
			continue
		}
		if keywords := normalizeKeywords(entry.Keywords); len(keywords) > 0 {
			content += " 关键词: " + strings.Join(keywords, " ")
		}
		if err := w.AddStructured(ctx, "", key, content); err != nil {
			return written, xerrors.Wrap(xerrors.CodeMemoryFailure, err, "写入预置知识失败: "+key)
		}
		written++
	}
	return written, nil
}

// LoadAndSeed 组合 Load 与 Seed。
func LoadAndSeed(ctx context.Context, w Writer, path string) (int, error) {
	entries, err := Load(path)
	if err != nil {
		return 0, err
	}
	return Seed(ctx, w, entries)
}

func normalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, keyword := range keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized != "" {
			out = append(out, normalized)
		}
	}
	return out
}

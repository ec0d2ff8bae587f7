package tools

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Call 是批量执行中的一项请求。
type Call struct {
	Tool   string `json:"tool"`
	Params string `json:"params"`
}

// BatchResult 携带请求在批次中的下标。
type BatchResult struct {
	Index int
	Result
}

// String 返回 "任务N结果" 或 "任务N失败" 形式的文本，N 从 1 开始。
func (b BatchResult) String() string {
	if b.Success() {
		return fmt.Sprintf("任务%d结果: %s", b.Index+1, b.Result.String())
	}
	return fmt.Sprintf("任务%d失败: %s", b.Index+1, b.Result.String())
}

// ExecuteBatch 以有限并行度执行一组调用。单个失败不会中断其余调用，
// 结果按请求顺序返回。
func (r *Registry) ExecuteBatch(ctx context.Context, calls []Call) []BatchResult {
	results := make([]BatchResult, len(calls))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = BatchResult{Index: i, Result: r.Invoke(ctx, call.Tool, call.Params)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// FormatBatch 把批量结果拼接为多行文本。
func FormatBatch(results []BatchResult) string {
	lines := make([]string, len(results))
	for i, res := range results {
		lines[i] = res.String()
	}
	return strings.Join(lines, "\n")
}

package llm

import (
	"context"
)

// Request 描述一次文本补全调用。
type Request struct {
	System string
	Prompt string
	// Temperature 为空时使用客户端配置的默认值。
	Temperature *float64
	MaxTokens   int
	// NoCache 跳过响应缓存，反思分析等需要实时结果的调用会设置它。
	NoCache bool
}

// Response 是补全后端返回的文本。
type Response struct {
	Content string
	Model   string
	Cached  bool
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 让普通函数满足 Client，常用于测试桩。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Generate 实现 Client。
func (f ClientFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Temperature 返回指向 v 的指针，便于构造 Request。
func Temperature(v float64) *float64 {
	return &v
}

package llm

import (
	"context"
	"sync"

	xerrors "Mofy-Agent/internal/errors"
)

// Scripted 按顺序返回预置回复，用完后循环。它让编排流程在没有远程后端时可以
// 确定性地运行，也用作测试桩。
type Scripted struct {
	mu        sync.Mutex
	responses []string
	next      int
	prompts   []Request
}

// NewScripted 创建脚本客户端。
func NewScripted(responses ...string) *Scripted {
	return &Scripted{responses: append([]string(nil), responses...)}
}

// Generate 实现 Client。
func (s *Scripted) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBackendFailure, err, "LLM调用失败")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, req)
	if len(s.responses) == 0 {
		return nil, xerrors.New(xerrors.CodeBackendFailure, "脚本回复为空")
	}
	content := s.responses[s.next%len(s.responses)]
	s.next++
	return &Response{Content: content, Model: "scripted"}, nil
}

// Requests 返回已收到的请求副本。
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.prompts...)
}

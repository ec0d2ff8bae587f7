// Package api 通过 REST 接口暴露会话对话、异步消息任务、会话状态、
// 长期记忆写入、工具列表与 Prometheus 指标。
package api

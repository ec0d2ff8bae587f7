// Package dispatch 异步处理用户消息：提交的消息作为任务写入存储并投递到队列，
// 处理器从队列领取任务交给会话管理器执行，可重试的失败重新入队，最终失败时发出告警。
// 队列支持进程内 channel、Redis list 与 RabbitMQ 三种实现。
package dispatch

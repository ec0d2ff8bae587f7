// Package agent 编排一次对话：把用户消息交给大模型规划成工具任务，经调度器
// 按优先级执行，失败时借助反思引擎决定是否重试，最后合成自然语言回复并写回记忆。
package agent

// Package reflection 分析任务失败的原因，判断是否值得重试，并检测重复的工具调用。
package reflection

// Package tools 维护可调用工具的注册表。
//
// 注册表把模型给出的松散参数文本解析为带类型的 Params，按截止时间执行工具，
// 累计每个工具的调用统计，并把结果包装为带标签的文本供编排器回填给模型。
package tools

// Package memory 实现两级记忆：按会话保存、带 TTL 的短期对话记录，
// 以及按 key 覆盖写入、永不过期的长期知识。两者都可以镜像到
// storage.KV（通常是 Redis），以便进程重启后恢复。
package memory

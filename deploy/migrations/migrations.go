package migrations

import "embed"

// Files 包含按版本号前缀排序执行的 SQL 迁移，供 internal/storage/mysql 在建立连接时应用。
//
//go:embed *.sql
var Files embed.FS

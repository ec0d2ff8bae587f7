// Package mysql 把调度器完成的任务归档到 MySQL 或本地 JSON 行文件，并提供
// 异步消息任务的 MySQL 存储。表结构由 deploy/migrations 中的 SQL 文件维护，
// 连接建立时自动执行尚未应用的迁移。
package mysql

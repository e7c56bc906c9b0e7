// Package migrations 保存 MySQL 记忆表与任务表的建表脚本，
// 文件名形如 NNNN_description.sql，由 internal/storage/mysql.Migrate 按版本执行。
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS

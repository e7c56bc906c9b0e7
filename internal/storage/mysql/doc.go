// Package mysql 提供基于 MySQL 的持久化：连接池、内嵌 SQL 迁移以及记忆仓库。
package mysql

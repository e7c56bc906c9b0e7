// Package redis 提供基于 Redis 列表的记忆存储，适合多实例共享记忆。
package redis

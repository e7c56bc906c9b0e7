// Package memory 将 Agent 产生的每段文本连同语义向量追加写入记忆存储，
// 并支持按余弦相似度检索历史记忆。写入是异步的，失败只记录日志，不影响调用方。
package memory

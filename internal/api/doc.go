// Package api 暴露 HTTP 接口：同步调用智能体、提交与查询异步任务、检索记忆以及查看推送账本。
// 所有响应都使用 {success, data|error, timestamp} 信封。
package api

// Package auth 为 REST 接口提供基于 API Key 的认证与按权限授权。
// 未配置任何 Key 时认证关闭，所有请求直接放行。
package auth

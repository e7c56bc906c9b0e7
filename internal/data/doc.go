// Package data 聚合智能体所需的外部数据：Mode 链浏览器的代币与市场数据、
// CryptoPanic 与 Cointelegraph 新闻，以及基于 X API 的账号社交指标。
package data

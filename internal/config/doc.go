// Package config 解析 VCMilei 守护进程的 JSON 配置，补齐默认值并从环境变量读取密钥。
package config

// Package web3 描述链与代币配置，并定义智能体使用的钱包能力：查询余额、
// 原生币转账以及通过 Uniswap V2 兼容路由合约兑换代币。
package web3

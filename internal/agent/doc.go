// Package agent 组合工具集与编排循环，提供市场、新闻、社交、法律四个报告型
// 智能体，以及面向社交平台的 VCMilei 投资智能体。
//
// 每次调用都会根据 Deps 重新构建工具注册表，工具闭包之间不共享可变状态。
package agent

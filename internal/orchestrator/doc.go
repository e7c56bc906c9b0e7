// Package orchestrator 实现工具增强的补全循环：模型提出工具调用，注册表依次执行，
// 结果回填到对话后继续请求模型，直到模型不再请求工具或达到轮次上限。
package orchestrator

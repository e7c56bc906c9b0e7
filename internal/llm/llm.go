package llm

import "context"

// Role 表示对话消息的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FinishReason 表示一次补全结束的原因。
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishError     FinishReason = "error"
)

// Message 是对话中的一条消息。
//
// assistant 消息可以携带 ToolCalls；tool 消息通过 ToolCallID 与发起调用的请求关联。
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall 是模型发起的一次工具调用请求。
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`

	// InvalidArguments 为 true 表示模型给出的参数不是合法 JSON，此时 Arguments 为空。
	InvalidArguments bool `json:"invalidArguments,omitempty"`
}

// ToolDeclaration 描述暴露给模型的可调用工具，Parameters 为 JSON Schema。
type ToolDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage 记录 token 消耗。
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Add 返回两次统计的累加结果。
func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
	}
}

// Request 描述一次补全调用的输入，调用期间视为只读。
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolDeclaration
	MaxRounds   int
	Temperature float64
}

// Response 是单轮补全的结果。
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	Usage        Usage
	FinishReason FinishReason
}

// Client 定义了调用大模型的统一接口。实现只返回工具调用请求，从不自行执行工具。
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Embedder 将文本转换为语义向量。
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ClientFunc 允许使用普通函数实现 Client，主要用于测试。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Complete 实现 Client 接口。
func (f ClientFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// EmptyResponse 返回用于降级处理畸形响应的结果：空文本并以 stop 结束。
func EmptyResponse() *Response {
	return &Response{FinishReason: FinishStop}
}

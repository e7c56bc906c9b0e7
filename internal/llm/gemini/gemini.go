// Package gemini 基于 Google Gen AI SDK 实现 llm.Client 与 llm.Embedder。
package gemini

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	xerrors "VCMilei/internal/errors"
	"VCMilei/internal/llm"
	"VCMilei/pkg/logger"
)

const (
	defaultModel          = "gemini-2.0-flash"
	defaultEmbeddingModel = "text-embedding-004"
)

// Config 描述 Gemini 适配器的配置。
type Config struct {
	APIKey         string
	Model          string
	EmbeddingModel string
}

// Client 通过 genai 调用 Gemini 模型。
type Client struct {
	client         *genai.Client
	model          string
	embeddingModel string
}

var (
	_ llm.Client   = (*Client)(nil)
	_ llm.Embedder = (*Client)(nil)
)

// New 创建 Gemini 适配器。
func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 Gemini API Key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 genai 客户端失败")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	embeddingModel := strings.TrimSpace(cfg.EmbeddingModel)
	if embeddingModel == "" {
		embeddingModel = defaultEmbeddingModel
	}
	return &Client{client: client, model: model, embeddingModel: embeddingModel}, nil
}

// Complete 执行一轮 generateContent。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	temperature := float32(req.Temperature)
	config := &genai.GenerateContentConfig{
		Tools:       toTools(req.Tools),
		Temperature: &temperature,
	}
	if system := strings.TrimSpace(req.System); system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, toContents(req.Messages), config)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "Gemini 请求超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "请求 Gemini 失败")
	}
	return fromResponse(resp), nil
}

// Embed 实现 llm.Embedder。
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "待向量化的文本为空")
	}
	result, err := c.client.Models.EmbedContent(ctx, c.embeddingModel,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.EmbedContentConfig{TaskType: "RETRIEVAL_DOCUMENT"},
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "Gemini 向量生成失败")
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, xerrors.New(xerrors.CodeTransport, "Gemini 未返回向量", xerrors.WithRetryable(false))
	}
	return result.Embeddings[0].Values, nil
}

func toContents(messages []llm.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	names := make(map[string]string)
	for _, msg := range messages {
		var parts []*genai.Part
		role := "user"
		switch msg.Role {
		case llm.RoleSystem:
			// 系统消息通过 SystemInstruction 传递，出现在历史中时按用户上下文处理。
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
		case llm.RoleAssistant:
			role = "model"
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				names[call.ID] = call.Name
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   call.ID,
					Name: call.Name,
					Args: call.Arguments,
				}})
			}
		case llm.RoleTool:
			name := msg.Name
			if name == "" {
				name = names[msg.ToolCallID]
			}
			parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       msg.ToolCallID,
				Name:     name,
				Response: toolResponse(msg.Content),
			}})
		default:
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
		}
		if len(parts) == 0 {
			continue
		}
		// 连续的工具结果合并为同一条内容，保持与模型一次性发起的多个调用对应。
		if msg.Role == llm.RoleTool && len(contents) > 0 {
			last := contents[len(contents)-1]
			if last.Role == role && len(last.Parts) > 0 && last.Parts[0].FunctionResponse != nil {
				last.Parts = append(last.Parts, parts...)
				continue
			}
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents
}

func toolResponse(content string) map[string]any {
	decoded := map[string]any{}
	if err := json.Unmarshal([]byte(content), &decoded); err == nil {
		return decoded
	}
	return map[string]any{"result": content}
}

func toTools(decls []llm.ToolDeclaration) []*genai.Tool {
	if len(decls) == 0 {
		return nil
	}
	fns := make([]*genai.FunctionDeclaration, 0, len(decls))
	for _, decl := range decls {
		fns = append(fns, &genai.FunctionDeclaration{
			Name:        decl.Name,
			Description: decl.Description,
			Parameters:  schemaFromMap(decl.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: fns}}
}

// schemaFromMap 将 JSON Schema 文档转换为 genai.Schema。联合类型渲染为 AnyOf。
func schemaFromMap(doc map[string]any) *genai.Schema {
	if doc == nil {
		return nil
	}
	schema := &genai.Schema{}
	if desc, ok := doc["description"].(string); ok {
		schema.Description = desc
	}
	switch typ := doc["type"].(type) {
	case string:
		schema.Type = schemaType(typ)
	case []any:
		for _, t := range typ {
			if name, ok := t.(string); ok {
				schema.AnyOf = append(schema.AnyOf, &genai.Schema{Type: schemaType(name)})
			}
		}
	case []string:
		for _, name := range typ {
			schema.AnyOf = append(schema.AnyOf, &genai.Schema{Type: schemaType(name)})
		}
	}
	if enum, ok := doc["enum"].([]any); ok {
		for _, v := range enum {
			if s, ok := v.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := doc["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if sub, ok := raw.(map[string]any); ok {
				schema.Properties[name] = schemaFromMap(sub)
			}
		}
	}
	switch required := doc["required"].(type) {
	case []any:
		for _, v := range required {
			if s, ok := v.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	case []string:
		schema.Required = append(schema.Required, required...)
	}
	if items, ok := doc["items"].(map[string]any); ok {
		schema.Items = schemaFromMap(items)
	}
	if v, ok := doc["minimum"].(float64); ok {
		schema.Minimum = &v
	}
	if v, ok := doc["maximum"].(float64); ok {
		schema.Maximum = &v
	}
	return schema
}

func schemaType(name string) genai.Type {
	switch name {
	case "object":
		return genai.TypeObject
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	default:
		return genai.TypeUnspecified
	}
}

func fromResponse(resp *genai.GenerateContentResponse) *llm.Response {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		logger.L().Warn("Gemini 响应缺少候选内容，按空回复处理")
		return llm.EmptyResponse()
	}
	candidate := resp.Candidates[0]
	out := &llm.Response{FinishReason: llm.FinishStop}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" && !part.Thought {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			id := part.FunctionCall.ID
			if id == "" {
				id = "call-" + uuid.New().String()
			}
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: id, Name: part.FunctionCall.Name, Arguments: args})
		}
	}
	out.Text = text.String()

	switch candidate.FinishReason {
	case genai.FinishReasonMaxTokens:
		out.FinishReason = llm.FinishLength
	case genai.FinishReasonStop, genai.FinishReasonUnspecified, "":
	default:
		logger.L().Debug("Gemini 非常规结束原因", slog.String("reason", string(candidate.FinishReason)))
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = llm.FinishToolCalls
	}

	if usage := resp.UsageMetadata; usage != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(usage.PromptTokenCount),
			CompletionTokens: int(usage.CandidatesTokenCount),
			TotalTokens:      int(usage.TotalTokenCount),
		}
	}
	return out
}

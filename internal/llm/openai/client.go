package openai

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	xerrors "VCMilei/internal/errors"
	"VCMilei/internal/llm"
	"VCMilei/pkg/logger"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultModelName  = "gpt-4o-mini"
	defaultTimeout    = 60 * time.Second
	defaultMaxRetries = 3
	defaultBackoff    = 500 * time.Millisecond
	maxBackoff        = 8 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	// Backoff 为首次重试的等待时间，之后按指数增长。
	Backoff time.Duration
}

// Client 通过 HTTP 调用 OpenAI 兼容的大模型接口。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	maxRetries uint64
	backoff    time.Duration
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	} else if retries == 0 {
		retries = defaultMaxRetries
	}

	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}

	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		maxRetries: uint64(retries),
		backoff:    backoff,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Model 返回当前使用的模型名称。
func (c *Client) Model() string { return c.model }

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete 执行一轮补全。模型请求的工具调用原样返回，由调用方负责执行。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化 OpenAI 请求失败")
	}

	body, err := c.post(ctx, "/chat/completions", payload)
	if err != nil {
		return nil, err
	}

	var decoded chatResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		logger.L().Warn("OpenAI 响应无法解析，按空回复处理", slog.Any("error", err))
		return llm.EmptyResponse(), nil
	}
	if len(decoded.Choices) == 0 {
		logger.L().Warn("OpenAI 响应中没有 choices，按空回复处理")
		return llm.EmptyResponse(), nil
	}

	choice := decoded.Choices[0]
	resp := &llm.Response{
		Usage: llm.Usage{
			PromptTokens:     decoded.Usage.PromptTokens,
			CompletionTokens: decoded.Usage.CompletionTokens,
			TotalTokens:      decoded.Usage.TotalTokens,
		},
		FinishReason: mapFinishReason(choice.FinishReason),
	}
	if choice.Message.Content != nil {
		resp.Text = *choice.Message.Content
	}
	for _, call := range choice.Message.ToolCalls {
		args, ok := decodeArguments(call.Function.Name, call.Function.Arguments)
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
			ID:               call.ID,
			Name:             call.Function.Name,
			Arguments:        args,
			InvalidArguments: !ok,
		})
	}
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = llm.FinishToolCalls
	}
	return resp, nil
}

func (c *Client) buildRequest(req llm.Request) chatRequest {
	out := chatRequest{
		Model:       c.model,
		Temperature: req.Temperature,
		Messages:    make([]wireMessage, 0, len(req.Messages)+1),
	}
	if system := strings.TrimSpace(req.System); system != "" {
		out.Messages = append(out.Messages, wireMessage{Role: string(llm.RoleSystem), Content: &system})
	}
	for _, msg := range req.Messages {
		content := msg.Content
		wm := wireMessage{
			Role:       string(msg.Role),
			Content:    &content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		if msg.Role == llm.RoleAssistant && len(msg.ToolCalls) > 0 && content == "" {
			wm.Content = nil
		}
		for _, call := range msg.ToolCalls {
			args, err := json.Marshal(call.Arguments)
			if err != nil || call.Arguments == nil {
				args = []byte("{}")
			}
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:       call.ID,
				Type:     "function",
				Function: wireFunction{Name: call.Name, Arguments: string(args)},
			})
		}
		out.Messages = append(out.Messages, wm)
	}
	for _, decl := range req.Tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = decl.Name
		wt.Function.Description = decl.Description
		wt.Function.Parameters = decl.Parameters
		out.Tools = append(out.Tools, wt)
	}
	return out
}

// post 发送请求，对 5xx、429 与网络错误做有界的指数退避重试。
func (c *Client) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	endpoint := c.baseURL + path
	backoff := retry.WithMaxRetries(c.maxRetries, retry.WithCappedDuration(maxBackoff, retry.NewExponential(c.backoff)))

	var body []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建 OpenAI 请求失败")
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return retry.RetryableError(xerrors.Wrap(xerrors.CodeTransport, err, "请求 OpenAI 失败"))
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			logger.L().Warn("OpenAI 返回可重试状态",
				slog.Int("status", resp.StatusCode),
				slog.String("endpoint", path),
			)
			return retry.RetryableError(xerrors.New(xerrors.CodeTransport,
				fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))))
		}
		if resp.StatusCode >= http.StatusBadRequest {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return xerrors.New(xerrors.CodeTransport,
				fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
				xerrors.WithRetryable(false))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(xerrors.Wrap(xerrors.CodeTransport, err, "读取 OpenAI 响应失败"))
		}
		return nil
	})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "OpenAI 请求超时")
		}
		return nil, err
	}
	return body, nil
}

// decodeArguments 解析工具参数，第二个返回值为 false 表示原文不是合法的 JSON 对象。
func decodeArguments(name, raw string) (map[string]any, bool) {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args, true
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		logger.L().Warn("工具参数不是合法 JSON", slog.String("tool", name), slog.Any("error", err))
		return map[string]any{}, false
	}
	return args, true
}

func mapFinishReason(reason string) llm.FinishReason {
	switch reason {
	case "stop", "":
		return llm.FinishStop
	case "length":
		return llm.FinishLength
	case "tool_calls", "function_call":
		return llm.FinishToolCalls
	default:
		logger.L().Debug("OpenAI 非常规结束原因", slog.String("reason", reason))
		return llm.FinishStop
	}
}

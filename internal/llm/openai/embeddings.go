package openai

import (
	"context"
	"encoding/json"
	"strings"

	xerrors "VCMilei/internal/errors"
)

const defaultEmbeddingModel = "text-embedding-3-small"

// Embedder 调用 /embeddings 接口生成语义向量，与 Client 共享传输与重试策略。
type Embedder struct {
	client *Client
	model  string
}

// NewEmbedder 基于已有客户端创建向量生成器，model 为空时使用默认模型。
func NewEmbedder(client *Client, model string) *Embedder {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultEmbeddingModel
	}
	return &Embedder{client: client, model: model}
}

// Embed 实现 llm.Embedder。
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "待向量化的文本为空")
	}
	payload, err := json.Marshal(map[string]any{
		"model": e.model,
		"input": text,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化向量请求失败")
	}

	body, err := e.client.post(ctx, "/embeddings", payload)
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "解析向量响应失败", xerrors.WithRetryable(false))
	}
	if len(decoded.Data) == 0 || len(decoded.Data[0].Embedding) == 0 {
		return nil, xerrors.New(xerrors.CodeTransport, "向量响应为空", xerrors.WithRetryable(false))
	}
	return decoded.Data[0].Embedding, nil
}

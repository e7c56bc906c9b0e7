package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"VCMilei/internal/dispatch"
	xerrors "VCMilei/internal/errors"
	"VCMilei/internal/feed/twitter"
	"VCMilei/internal/knowledge"
	"VCMilei/internal/memory"
	"VCMilei/internal/parser"
	"VCMilei/pkg/logger"
)

// RequestType 区分 VCMilei 处理的请求。
type RequestType string

const (
	RequestGeneral    RequestType = "general"
	RequestInvestment RequestType = "investment"
	RequestMention    RequestType = "mention"
	RequestNews       RequestType = "news"
)

// Request 是 VCMilei 的输入。投资请求使用 Project 等字段，其余请求使用 Query。
type Request struct {
	Type        RequestType `json:"type"`
	Query       string      `json:"query"`
	TweetID     string      `json:"tweetId,omitempty"`
	Author      string      `json:"author,omitempty"`
	Project     string      `json:"project,omitempty"`
	Description string      `json:"description,omitempty"`
	Amount      string      `json:"amount,omitempty"`
	Network     string      `json:"network,omitempty"`
}

// Reply 是 VCMilei 的输出。社交请求只有 Text 与 PostID，分析请求携带 Commentary 与 Analysis。
type Reply struct {
	Text       string         `json:"text"`
	PostID     string         `json:"postId,omitempty"`
	Commentary string         `json:"commentary,omitempty"`
	Analysis   map[string]any `json:"analysis"`
	Metadata   *Metadata      `json:"metadata,omitempty"`
}

// VCMileiAgent 是面向社交平台的自主投资智能体。
type VCMileiAgent struct {
	deps Deps
	log  *slog.Logger
}

// NewVCMileiAgent 创建投资智能体。
func NewVCMileiAgent(deps Deps) *VCMileiAgent {
	return &VCMileiAgent{deps: deps.withDefaults(), log: logger.Named("agent.vcmilei")}
}

// Handle 按请求类型分派。
func (a *VCMileiAgent) Handle(ctx context.Context, req Request) (*Reply, error) {
	switch req.Type {
	case RequestMention:
		return a.replyToMention(ctx, req)
	case RequestNews:
		return a.postNews(ctx)
	case RequestGeneral, RequestInvestment, "":
		return a.Respond(ctx, req)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的请求类型 %q", req.Type))
	}
}

// MentionHandler 把提及流中的条目转换为回复请求。
func (a *VCMileiAgent) MentionHandler() dispatch.Handler {
	return func(ctx context.Context, item dispatch.Item) error {
		_, err := a.Handle(ctx, Request{
			Type:    RequestMention,
			Query:   item.Text,
			TweetID: item.ID,
			Author:  item.Author,
		})
		return err
	}
}

// PostNews 发布一条新闻评论，供定时任务调用。
func (a *VCMileiAgent) PostNews(ctx context.Context) error {
	_, err := a.Handle(ctx, Request{Type: RequestNews})
	return err
}

func (a *VCMileiAgent) replyToMention(ctx context.Context, req Request) (*Reply, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "提及内容为空")
	}
	prompt := fmt.Sprintf("Someone tweeted at you: %q\nRespond naturally as %s, using relevant news context if applicable. No JSON, no analysis structure, just a natural tweet response.",
		query, a.deps.Persona.Name)
	if news := a.newsContext(ctx); news != "" {
		prompt = "Context: " + news + "\n\n" + prompt
	}
	out, err := a.deps.invoke(ctx, invocation{
		agent:     "vcmilei",
		category:  memory.CategoryVCMilei,
		system:    a.deps.Persona.Prompt(knowledge.ChannelChat, query),
		prompt:    prompt,
		maxRounds: 1,
	})
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(out.result.FinalText)
	reply := &Reply{Text: text}
	if text == "" || req.TweetID == "" || a.deps.Poster == nil {
		a.log.Info("提及回复未发布", slog.String("tweet_id", req.TweetID), slog.Bool("empty", text == ""))
		return reply, nil
	}
	postID, err := a.deps.Poster.Reply(ctx, text, req.TweetID)
	if err != nil {
		return nil, err
	}
	reply.PostID = postID
	a.log.Info("已回复提及", slog.String("tweet_id", req.TweetID), slog.String("author", req.Author))
	return reply, nil
}

func (a *VCMileiAgent) postNews(ctx context.Context) (*Reply, error) {
	news := a.newsContext(ctx)
	if news == "" {
		return nil, xerrors.New(xerrors.CodeTransport, "新闻报告不可用")
	}
	out, err := a.deps.invoke(ctx, invocation{
		agent:     "vcmilei",
		category:  memory.CategoryVCMilei,
		system:    a.deps.Persona.Prompt(knowledge.ChannelPost, news),
		prompt:    "Analyze this news and write a tweet in English in your own style. No JSON.\n\n" + news,
		maxRounds: 1,
	})
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(out.result.FinalText)
	reply := &Reply{Text: text}
	if text == "" || a.deps.Poster == nil {
		return reply, nil
	}
	postID, err := a.deps.Poster.PostThread(ctx, twitter.Split(text))
	if err != nil {
		return nil, err
	}
	reply.PostID = postID
	return reply, nil
}

// newsContext 返回最近 24 小时新闻报告的 JSON，失败时返回空串。
func (a *VCMileiAgent) newsContext(ctx context.Context) string {
	report, err := NewNewsAgent(a.deps).Report(ctx, NewsRequest{Timeframe: "24h", Limit: defaultNewsLimit})
	if err != nil {
		a.log.Warn("获取新闻上下文失败", slog.Any("error", err))
		return ""
	}
	encoded, err := json.Marshal(report.Report)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// Respond 处理一般咨询与投资请求：先读取钱包状态与新闻，再交由模型按预期结构作答。
func (a *VCMileiAgent) Respond(ctx context.Context, req Request) (*Reply, error) {
	investment := req.Type == RequestInvestment || req.Project != ""
	if !investment && strings.TrimSpace(req.Query) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "query is required")
	}

	var system strings.Builder
	status, err := walletStatus(ctx, a.deps.Wallet)
	if err != nil {
		a.log.Warn("读取钱包状态失败", slog.Any("error", err))
		status = map[string]any{"error": err.Error()}
	}
	encodedStatus, _ := json.MarshalIndent(status, "", "  ")
	system.WriteString("Current Portfolio Status:\n")
	system.Write(encodedStatus)
	system.WriteString("\n\n")
	if news := a.newsContext(ctx); news != "" {
		system.WriteString("Recent news context:\n" + news + "\n\n")
	}
	system.WriteString(investmentSystemPrompt)
	topic := req.Query
	if investment {
		topic = req.Project + " " + req.Description
	}
	if persona := a.deps.Persona.Prompt(knowledge.ChannelChat, topic); persona != "" {
		system.WriteString("\n\n" + persona)
	}

	structure, _ := json.MarshalIndent(expectedStructure(), "", "  ")
	var prompt string
	if investment {
		prompt = fmt.Sprintf("Investment Analysis Request:\nProject: %s\nDescription: %s\nRequested Amount: %s\nNetwork: %s\nExpected Response Structure: %s",
			req.Project, req.Description, req.Amount, req.Network, structure)
	} else {
		prompt = fmt.Sprintf("Query: %s\nExpected Response Structure: %s", req.Query, structure)
	}

	out, err := a.deps.invoke(ctx, invocation{
		agent:    "vcmilei",
		category: memory.CategoryVCMilei,
		system:   system.String(),
		prompt:   prompt,
		tools:    VCMileiToolkit(a.deps),
	})
	if err != nil {
		return nil, err
	}
	reply := composeResponse(out.result.FinalText)
	metadata := out.metadata("vcmilei", a.deps.Now())
	reply.Metadata = &metadata
	return reply, nil
}

// composeResponse 把模型输出拆成评论与分析，分析合并到预期结构之上。
func composeResponse(text string) *Reply {
	parsed := parser.Parse(text)
	obj, ok := parsed.Object()
	if !ok {
		return &Reply{Text: text, Commentary: text}
	}
	analysis := expectedStructure()
	for k, v := range obj {
		analysis[k] = v
	}
	return &Reply{Text: parsed.Commentary, Commentary: parsed.Commentary, Analysis: analysis}
}

func expectedStructure() map[string]any {
	return map[string]any{
		"type": "AUTONOMOUS_INVESTMENT",
		"market_analysis": map[string]any{
			"sentiment":     nil,
			"key_metrics":   nil,
			"opportunities": []any{},
		},
		"investment_action": map[string]any{
			"type":      nil,
			"fromToken": nil,
			"toToken":   nil,
			"amount":    nil,
			"reasoning": []any{},
		},
		"execution_results": nil,
		"future_outlook": map[string]any{
			"short_term": nil,
			"mid_term":   nil,
			"risks":      []any{},
		},
		"milei_catchphrase": nil,
	}
}

func errWalletMissing() error {
	return xerrors.New(xerrors.CodeInitializationFailure, "wallet is not configured")
}

func errSameToken() error {
	return xerrors.New(xerrors.CodeInvalidArgument, "Cannot swap same tokens")
}

func errUnknownToken(symbol string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown token %s", symbol))
}

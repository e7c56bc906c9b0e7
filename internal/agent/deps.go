package agent

import (
	"context"
	"strings"
	"time"

	"VCMilei/internal/data"
	xerrors "VCMilei/internal/errors"
	"VCMilei/internal/feed/twitter"
	"VCMilei/internal/knowledge"
	"VCMilei/internal/llm"
	"VCMilei/internal/memory"
	"VCMilei/internal/orchestrator"
	"VCMilei/internal/tool"
	"VCMilei/internal/web3"
)

const (
	defaultMaxRounds   = 50
	defaultTemperature = 0.7
	defaultNewsLimit   = 5
)

// MarketSource 提供链上代币与市场数据。
type MarketSource interface {
	CollectTokenMetrics(ctx context.Context, address string) (*data.TokenMetrics, error)
	MarketStats(ctx context.Context) (map[string]any, error)
}

// NewsSource 提供按时间倒序合并的新闻。
type NewsSource interface {
	Latest(ctx context.Context, currency string, limit int) ([]data.NewsItem, error)
}

// SocialSource 汇总账号画像与互动指标。
type SocialSource interface {
	Collect(ctx context.Context, username string, tweetLimit int) (*data.SocialMetrics, error)
}

// TrendSource 检索社交平台上的公开讨论。
type TrendSource interface {
	FetchRecent(ctx context.Context, query string, limit int, mode twitter.SearchMode) ([]twitter.Tweet, error)
}

// Poster 向社交平台发布内容。
type Poster interface {
	Reply(ctx context.Context, text, inReplyToID string) (string, error)
	PostThread(ctx context.Context, texts []string) (string, error)
}

// Deps 是构建智能体与工具集所需的全部依赖。未配置的数据源对应的工具会返回失败结果而不是 panic。
type Deps struct {
	LLM      llm.Client
	Recorder *memory.Recorder
	Market   MarketSource
	News     NewsSource
	Social   SocialSource
	Trends   TrendSource
	Wallet   web3.Wallet
	Poster   Poster
	Persona  *knowledge.Character

	MaxRounds    int
	Temperature  float64
	RoundTimeout time.Duration
	Now          func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.MaxRounds <= 0 {
		d.MaxRounds = defaultMaxRounds
	}
	if d.Temperature <= 0 {
		d.Temperature = defaultTemperature
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Persona == nil {
		d.Persona = knowledge.Default()
	}
	return d
}

// Envelope 是报告型智能体的统一输出。
type Envelope struct {
	Report   any      `json:"report"`
	Metadata Metadata `json:"metadata"`
}

// Metadata 描述一次编排的执行情况。
type Metadata struct {
	Agent        string                      `json:"agent"`
	Usage        llm.Usage                   `json:"usage"`
	FinishReason llm.FinishReason            `json:"finishReason"`
	ToolResults  []orchestrator.ExecutedCall `json:"toolResults"`
	Steps        []StepSummary               `json:"steps"`
	Rounds       int                         `json:"rounds"`
	Exhausted    bool                        `json:"exhausted"`
	GeneratedAt  time.Time                   `json:"generatedAt"`
}

// StepSummary 是单轮编排的摘要。
type StepSummary struct {
	Round     int      `json:"round"`
	Text      string   `json:"text,omitempty"`
	ToolCalls []string `json:"toolCalls,omitempty"`
}

type invocation struct {
	agent       string
	category    memory.Category
	system      string
	prompt      string
	tools       []tool.Spec
	maxRounds   int
	temperature float64
}

type outcome struct {
	result *orchestrator.Result
	steps  []StepSummary
}

func (o outcome) metadata(agent string, now time.Time) Metadata {
	calls := o.result.Calls
	if calls == nil {
		calls = []orchestrator.ExecutedCall{}
	}
	return Metadata{
		Agent:        agent,
		Usage:        o.result.Usage,
		FinishReason: o.result.FinishReason,
		ToolResults:  calls,
		Steps:        o.steps,
		Rounds:       o.result.TotalRounds,
		Exhausted:    o.result.Exhausted,
		GeneratedAt:  now.UTC(),
	}
}

// invoke 构建注册表并驱动一次编排，每轮文本写入记忆。
func (d Deps) invoke(ctx context.Context, in invocation) (outcome, error) {
	if d.LLM == nil {
		return outcome{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	registry, err := tool.NewRegistry(in.tools...)
	if err != nil {
		return outcome{}, err
	}
	rounds := in.maxRounds
	if rounds <= 0 {
		rounds = d.MaxRounds
	}
	temperature := in.temperature
	if temperature <= 0 {
		temperature = d.Temperature
	}

	var steps []StepSummary
	record := d.Recorder.Observer(in.category)
	observer := func(ctx context.Context, step orchestrator.Step) {
		record(ctx, step)
		summary := StepSummary{Round: step.Round, Text: step.Text}
		for _, call := range step.ToolCalls {
			summary.ToolCalls = append(summary.ToolCalls, call.Name)
		}
		steps = append(steps, summary)
	}

	req := llm.Request{
		System:      in.system,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: in.prompt}},
		MaxRounds:   rounds,
		Temperature: temperature,
	}
	result, err := orchestrator.Run(ctx, d.LLM, registry, req,
		orchestrator.WithObserver(observer),
		orchestrator.WithRoundTimeout(d.RoundTimeout),
		orchestrator.WithAgentName(in.agent),
	)
	if err != nil {
		return outcome{}, err
	}
	return outcome{result: result, steps: steps}, nil
}

// window 把 "24h"、"7d"、"30d" 这类时间范围转换为时长，无法识别时返回 def。
func window(value string, def time.Duration) time.Duration {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return def
	}
	if strings.HasSuffix(value, "d") {
		if d, err := time.ParseDuration(strings.TrimSuffix(value, "d") + "h"); err == nil && d > 0 {
			return d * 24
		}
		return def
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return def
}

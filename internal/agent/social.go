package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"VCMilei/internal/data"
	xerrors "VCMilei/internal/errors"
	"VCMilei/internal/feed/twitter"
	"VCMilei/internal/memory"
	"VCMilei/internal/parser"
	"VCMilei/internal/tool"
	"VCMilei/pkg/logger"
)

const socialTweetLimit = 20

// SocialToolkit 构建社交分析工具集。
func SocialToolkit(d Deps) []tool.Spec {
	return []tool.Spec{
		{
			Name:        "fetchSocialTrends",
			Description: "Fetches the most relevant recent posts about a topic and summarises the trending terms",
			Schema: tool.Schema{
				Properties: map[string]tool.Property{
					"topic": tool.String("Topic, cashtag or handle to search for"),
					"limit": tool.Union("Maximum number of posts", "number", "string"),
				},
				Required: []string{"topic"},
			},
			Execute: func(ctx context.Context, args map[string]any) tool.Result {
				if d.Trends == nil {
					return tool.Failf("social search is not configured")
				}
				limit, err := tool.IntArg(args, "limit", 20)
				if err != nil {
					return tool.Failure(err)
				}
				tweets, err := d.Trends.FetchRecent(ctx, tool.StringArg(args, "topic", ""), limit, twitter.ModeTop)
				if err != nil {
					return tool.Failure(err)
				}
				texts := make([]string, 0, len(tweets))
				for _, tw := range tweets {
					texts = append(texts, tw.Text)
				}
				return tool.OK(map[string]any{
					"posts":     len(tweets),
					"trends":    data.TrendingTopics(texts, 10),
					"sentiment": impactOf(data.Sentiment(texts)),
				})
			},
		},
		{
			Name:        "analyzeSocialSentiment",
			Description: "Analyzes the sentiment of social media content",
			Schema: tool.Schema{
				Properties: map[string]tool.Property{
					"content": tool.String("Content to analyze sentiment for"),
				},
				Required: []string{"content"},
			},
			Execute: func(_ context.Context, args map[string]any) tool.Result {
				score := data.Sentiment([]string{tool.StringArg(args, "content", "")})
				return tool.OK(map[string]any{
					"sentiment": impactOf(score),
					"score":     score,
				})
			},
		},
	}
}

// SocialRequest 是社交报告的输入。
type SocialRequest struct {
	Username  string `json:"username"`
	DateRange string `json:"dateRange"`
}

// SocialReport 是解析后的社交报告。模型输出无法解析时只有 Raw 有值。
type SocialReport struct {
	Profile         any                 `json:"profile,omitempty"`
	Engagement      any                 `json:"engagement,omitempty"`
	RiskAssessment  any                 `json:"risk_assessment,omitempty"`
	Analysis        any                 `json:"analysis,omitempty"`
	DateRange       any                 `json:"dateRange,omitempty"`
	AgentMetrics    *data.SocialMetrics `json:"agent_metrics,omitempty"`
	AdditionalNotes []string            `json:"additionalNotes,omitempty"`
	Commentary      string              `json:"commentary,omitempty"`
	Raw             string              `json:"raw,omitempty"`
}

// SocialAgent 生成社交媒体报告。
type SocialAgent struct {
	deps Deps
}

// NewSocialAgent 创建社交智能体。
func NewSocialAgent(deps Deps) *SocialAgent {
	return &SocialAgent{deps: deps.withDefaults()}
}

// Report 先采集账号指标，再交由模型生成结构化报告。
func (a *SocialAgent) Report(ctx context.Context, req SocialRequest) (*Envelope, error) {
	username := strings.TrimPrefix(strings.TrimSpace(req.Username), "@")
	if username == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Username is required")
	}
	if req.DateRange == "" {
		req.DateRange = "30d"
	}
	if a.deps.Social == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置社交数据源")
	}
	metrics, err := a.deps.Social.Collect(ctx, username, socialTweetLimit)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(metrics)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码社交指标失败")
	}
	logger.Named("agent.social").Info("生成社交报告",
		slog.String("username", username),
		slog.String("date_range", req.DateRange),
		slog.Float64("engagement_rate", metrics.Analysis.EngagementRate),
	)

	out, err := a.deps.invoke(ctx, invocation{
		agent:    "social",
		category: memory.CategoryAnalysis,
		system:   socialSystemPrompt,
		prompt: fmt.Sprintf(
			"Generate a social media analysis report for user %s during %s. Here is the collected data: %s",
			username, req.DateRange, encoded,
		),
		tools: SocialToolkit(a.deps),
	})
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Report:   buildSocialReport(out.result.FinalText, metrics),
		Metadata: out.metadata("social", a.deps.Now()),
	}, nil
}

func buildSocialReport(text string, metrics *data.SocialMetrics) SocialReport {
	parsed := parser.Parse(text)
	obj, ok := parsed.Object()
	if !ok {
		return SocialReport{Raw: text, AgentMetrics: metrics}
	}
	analysis := obj["analysis"]
	if analysis == nil {
		analysis = map[string]any{}
	}
	return SocialReport{
		Profile:         obj["profile_stats"],
		Engagement:      obj["engagement_metrics"],
		RiskAssessment:  obj["risk_assessment"],
		Analysis:        analysis,
		DateRange:       obj["date_range"],
		AgentMetrics:    metrics,
		AdditionalNotes: parsed.Notes,
		Commentary:      parsed.Commentary,
	}
}

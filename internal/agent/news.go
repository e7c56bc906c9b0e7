package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"VCMilei/internal/data"
	"VCMilei/internal/memory"
	"VCMilei/internal/parser"
	"VCMilei/internal/tool"
	"VCMilei/pkg/logger"
)

// NewsToolkit 构建新闻分析工具集。
func NewsToolkit(d Deps) []tool.Spec {
	return []tool.Spec{
		{
			Name:        "fetchLatestHeadlines",
			Description: "Fetches the latest news headlines for a given topic",
			Schema: tool.Schema{
				Properties: map[string]tool.Property{
					"topic":     tool.String("Topic to fetch news headlines for"),
					"dateRange": tool.String("Date range for the news, e.g. 24h, 7d, 30d"),
					"limit":     tool.Union("Maximum number of headlines", "number", "string"),
				},
				Required: []string{"topic"},
			},
			Execute: func(ctx context.Context, args map[string]any) tool.Result {
				if d.News == nil {
					return tool.Failf("news source is not configured")
				}
				limit, err := tool.IntArg(args, "limit", 10)
				if err != nil {
					return tool.Failure(err)
				}
				items, err := d.News.Latest(ctx, tool.StringArg(args, "topic", ""), limit)
				if err != nil {
					return tool.Failure(err)
				}
				since := sinceWindow(d.now(), tool.StringArg(args, "dateRange", ""))
				headlines := make([]map[string]any, 0, len(items))
				sources := map[string]struct{}{}
				for _, item := range items {
					if !item.PublishedAt.IsZero() && item.PublishedAt.Before(since) {
						continue
					}
					sources[item.Source] = struct{}{}
					headlines = append(headlines, map[string]any{
						"title":       item.Title,
						"source":      item.Source,
						"url":         item.URL,
						"publishedAt": item.PublishedAt,
					})
				}
				return tool.OK(map[string]any{
					"headlines": headlines,
					"summary":   fmt.Sprintf("%d headlines from %d sources", len(headlines), len(sources)),
				})
			},
		},
		{
			Name:        "analyzeNewsImpact",
			Description: "Analyzes the likely market impact of a piece of news",
			Schema: tool.Schema{
				Properties: map[string]tool.Property{
					"newsContent": tool.String("Content of the news to analyze"),
				},
				Required: []string{"newsContent"},
			},
			Execute: func(_ context.Context, args map[string]any) tool.Result {
				content := tool.StringArg(args, "newsContent", "")
				score := data.Sentiment([]string{content})
				return tool.OK(map[string]any{
					"impact":    impactOf(score),
					"sentiment": score,
					"topics":    data.TrendingTopics([]string{content}, 5),
				})
			},
		},
	}
}

func impactOf(score float64) string {
	switch {
	case score > 0:
		return "positive"
	case score < 0:
		return "negative"
	default:
		return "neutral"
	}
}

func sinceWindow(now time.Time, dateRange string) time.Time {
	return now.Add(-window(dateRange, 7*24*time.Hour))
}

func (d Deps) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// NewsRequest 是新闻报告的输入。
type NewsRequest struct {
	Asset     string `json:"asset"`
	Timeframe string `json:"timeframe"`
	Limit     int    `json:"limit"`
}

// NewsAgent 生成新闻报告。
type NewsAgent struct {
	deps Deps
}

// NewNewsAgent 创建新闻智能体。
func NewNewsAgent(deps Deps) *NewsAgent {
	return &NewsAgent{deps: deps.withDefaults()}
}

// Report 生成新闻报告，返回报告与执行元数据。
func (a *NewsAgent) Report(ctx context.Context, req NewsRequest) (*Envelope, error) {
	req.Asset = strings.TrimSpace(req.Asset)
	if req.Asset == "" {
		req.Asset = "crypto"
	}
	if req.Timeframe == "" {
		req.Timeframe = "24h"
	}
	if req.Limit <= 0 {
		req.Limit = defaultNewsLimit
	}
	logger.Named("agent.news").Info("生成新闻报告",
		slog.String("asset", req.Asset),
		slog.String("timeframe", req.Timeframe),
	)
	out, err := a.deps.invoke(ctx, invocation{
		agent:    "news",
		category: memory.CategoryAnalysis,
		system:   newsSystemPrompt,
		prompt:   fmt.Sprintf("Asset: %s\nTimeframe: %s\nLimit: %d", req.Asset, req.Timeframe, req.Limit),
		tools:    NewsToolkit(a.deps),
	})
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Report:   parser.Parse(out.result.FinalText).Map(),
		Metadata: out.metadata("news", a.deps.Now()),
	}, nil
}

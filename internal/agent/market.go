package agent

import (
	"context"
	"fmt"
	"log/slog"

	"VCMilei/internal/data"
	"VCMilei/internal/memory"
	"VCMilei/internal/parser"
	"VCMilei/internal/tool"
	"VCMilei/pkg/logger"
)

var trendTypes = []string{"economic", "political", "social", "technology"}

// MarketToolkit 构建市场分析工具集。
func MarketToolkit(d Deps) []tool.Spec {
	return []tool.Spec{
		{
			Name:        "fetchTokenMetrics",
			Description: "Fetches on-chain metrics (token info, holders, transfers, market stats) for a token on the Mode network",
			Schema: tool.Schema{
				Properties: map[string]tool.Property{
					"tokenAddress": tool.String("Token contract address"),
				},
				Required: []string{"tokenAddress"},
			},
			Execute: func(ctx context.Context, args map[string]any) tool.Result {
				if d.Market == nil {
					return tool.Failf("market data source is not configured")
				}
				metrics, err := d.Market.CollectTokenMetrics(ctx, tool.StringArg(args, "tokenAddress", ""))
				if err != nil {
					return tool.Failure(err)
				}
				return tool.OK(metrics)
			},
		},
		{
			Name:        "fetchMarketStats",
			Description: "Fetches current market statistics for the Mode network",
			Schema:      tool.Schema{},
			Execute: func(ctx context.Context, _ map[string]any) tool.Result {
				if d.Market == nil {
					return tool.Failf("market data source is not configured")
				}
				stats, err := d.Market.MarketStats(ctx)
				if err != nil {
					return tool.Failure(err)
				}
				return tool.OK(stats)
			},
		},
		{
			Name:        "fetchGlobalTrends",
			Description: "Fetches global trends from recent news: trending topics and overall sentiment",
			Schema: tool.Schema{
				Properties: map[string]tool.Property{
					"trendType": tool.Enum("Type of global trend to fetch", trendTypes...),
					"limit":     tool.Union("Number of articles to consider", "number", "string"),
				},
				Required: []string{"trendType"},
			},
			Execute: func(ctx context.Context, args map[string]any) tool.Result {
				if d.News == nil {
					return tool.Failf("news source is not configured")
				}
				limit, err := tool.IntArg(args, "limit", 20)
				if err != nil {
					return tool.Failure(err)
				}
				items, err := d.News.Latest(ctx, "", limit)
				if err != nil {
					return tool.Failure(err)
				}
				texts := data.Headlines(items)
				return tool.OK(map[string]any{
					"trendType": tool.StringArg(args, "trendType", "economic"),
					"topics":    data.TrendingTopics(texts, 10),
					"sentiment": data.Sentiment(texts),
					"articles":  len(items),
				})
			},
		},
	}
}

// MarketRequest 是市场报告的输入。
type MarketRequest struct {
	DateRange string `json:"dateRange"`
}

// MarketAgent 生成市场报告。
type MarketAgent struct {
	deps Deps
}

// NewMarketAgent 创建市场智能体。
func NewMarketAgent(deps Deps) *MarketAgent {
	return &MarketAgent{deps: deps.withDefaults()}
}

// Report 生成报告，每轮文本记录为 Analysis 记忆，最终报告同样写入记忆。
func (a *MarketAgent) Report(ctx context.Context, req MarketRequest) (*Envelope, error) {
	if req.DateRange == "" {
		req.DateRange = "7d"
	}
	logger.Named("agent.market").Info("生成市场报告", slog.String("date_range", req.DateRange))
	out, err := a.deps.invoke(ctx, invocation{
		agent:    "market",
		category: memory.CategoryAnalysis,
		system:   marketSystemPrompt,
		prompt:   fmt.Sprintf("Date Range: %s", req.DateRange),
		tools:    MarketToolkit(a.deps),
	})
	if err != nil {
		return nil, err
	}
	a.deps.Recorder.Record(out.result.FinalText, memory.CategoryAnalysis)
	return &Envelope{
		Report:   parser.Parse(out.result.FinalText).Map(),
		Metadata: out.metadata("market", a.deps.Now()),
	}, nil
}

package agent

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"VCMilei/internal/data"
	"VCMilei/internal/memory"
	"VCMilei/internal/tool"
	"VCMilei/internal/web3"
	"VCMilei/pkg/logger"
)

var (
	defaultSwapSymbols = []string{"ETH", "MODE"}
	memoryCategories   = []string{
		string(memory.CategoryInvestment),
		string(memory.CategoryAnalysis),
		string(memory.CategoryLearning),
		string(memory.CategoryLegal),
		string(memory.CategoryVCMilei),
	}
)

// VCMileiToolkit 构建投资智能体的工具集。
func VCMileiToolkit(d Deps) []tool.Spec {
	symbols := defaultSwapSymbols
	if d.Wallet != nil {
		symbols = d.Wallet.Definition().Symbols()
	}
	return []tool.Spec{
		{
			Name:        "getNewsReport",
			Description: "Fetches and analyzes news reports for specific assets or topics",
			Schema: tool.Schema{
				Properties: map[string]tool.Property{
					"asset":     tool.String("Asset, location, or topic to get news about"),
					"timeframe": tool.String("Timeframe for news (e.g., '24h', '7d', '30d')"),
					"limit":     tool.Union("Maximum number of news items to return", "string", "number"),
				},
				Required: []string{"asset"},
			},
			Execute: func(ctx context.Context, args map[string]any) tool.Result {
				limit, err := tool.IntArg(args, "limit", defaultNewsLimit)
				if err != nil {
					return tool.Failure(err)
				}
				report, err := NewNewsAgent(d).Report(ctx, NewsRequest{
					Asset:     tool.StringArg(args, "asset", ""),
					Timeframe: tool.StringArg(args, "timeframe", "24h"),
					Limit:     limit,
				})
				if err != nil {
					return tool.Failure(err)
				}
				return tool.OK(report)
			},
		},
		{
			Name:        "getMarketData",
			Description: "Fetches market data and trends for a token address or a topic",
			Schema: tool.Schema{
				Properties: map[string]tool.Property{
					"target": tool.String("Token contract address, asset or region to analyze"),
					"type":   tool.Enum("Kind of trend to focus on", "economic", "social", "political"),
				},
				Required: []string{"target"},
			},
			Execute: func(ctx context.Context, args map[string]any) tool.Result {
				return marketData(ctx, d, tool.StringArg(args, "target", ""), tool.StringArg(args, "type", "economic"))
			},
		},
		{
			Name:        "sendInvestment",
			Description: "Sends an investment transaction to a specified address",
			SideEffect:  true,
			Schema: tool.Schema{
				Properties: map[string]tool.Property{
					"toAddress": tool.String("The recipient's ethereum address"),
					"amount":    tool.Union("Amount to send in ETH", "number", "string"),
					"reason":    tool.String("Reason for the investment"),
				},
				Required: []string{"toAddress", "amount", "reason"},
			},
			Execute: func(ctx context.Context, args map[string]any) tool.Result {
				return sendInvestment(ctx, d, args)
			},
		},
		{
			Name:        "checkWalletBalance",
			Description: "Checks the current wallet balance",
			Schema:      tool.Schema{},
			Execute: func(ctx context.Context, _ map[string]any) tool.Result {
				status, err := walletStatus(ctx, d.Wallet)
				if err != nil {
					return tool.Failure(err)
				}
				return tool.OK(status)
			},
		},
		{
			Name:        "swapTokens",
			Description: "Swaps between the native coin and configured tokens on the Mode network",
			SideEffect:  true,
			Schema: tool.Schema{
				Properties: map[string]tool.Property{
					"fromToken": tool.Enum("Input token", symbols...),
					"toToken":   tool.Enum("Output token", symbols...),
					"amount":    tool.Union("Amount of input token to swap", "string", "number"),
					"slippage":  tool.Union("Maximum slippage tolerance in percentage", "string", "number"),
				},
				Required: []string{"fromToken", "toToken", "amount", "slippage"},
			},
			Execute: func(ctx context.Context, args map[string]any) tool.Result {
				return swapTokens(ctx, d, args)
			},
		},
		{
			Name:        "getSocialAnalysis",
			Description: "Analyzes social media profiles and metrics for specific agents or accounts",
			Schema: tool.Schema{
				Properties: map[string]tool.Property{
					"username":  tool.String("Twitter username to analyze"),
					"dateRange": tool.String("Date range for analysis (e.g., '7d', '30d')"),
				},
				Required: []string{"username"},
			},
			Execute: func(ctx context.Context, args map[string]any) tool.Result {
				report, err := NewSocialAgent(d).Report(ctx, SocialRequest{
					Username:  tool.StringArg(args, "username", ""),
					DateRange: tool.StringArg(args, "dateRange", "30d"),
				})
				if err != nil {
					return tool.Failure(err)
				}
				return tool.OK(report)
			},
		},
		{
			Name:        "recallMemories",
			Description: "Searches past analyses and decisions by semantic similarity",
			Schema: tool.Schema{
				Properties: map[string]tool.Property{
					"query":    tool.String("What to look for"),
					"category": tool.Enum("Restrict the search to one kind of memory", memoryCategories...),
					"limit":    tool.Union("Maximum number of memories", "number", "string"),
				},
				Required: []string{"query"},
			},
			Execute: func(ctx context.Context, args map[string]any) tool.Result {
				if d.Recorder == nil {
					return tool.Failf("memory is not configured")
				}
				limit, err := tool.IntArg(args, "limit", 0)
				if err != nil {
					return tool.Failure(err)
				}
				matches, err := d.Recorder.Search(ctx, tool.StringArg(args, "query", ""),
					memory.Category(tool.StringArg(args, "category", "")), limit)
				if err != nil {
					return tool.Failure(err)
				}
				return tool.OK(map[string]any{"memories": matches})
			},
		},
	}
}

func marketData(ctx context.Context, d Deps, target, kind string) tool.Result {
	if common.IsHexAddress(target) {
		if d.Market == nil {
			return tool.Failf("market data source is not configured")
		}
		metrics, err := d.Market.CollectTokenMetrics(ctx, target)
		if err != nil {
			return tool.Failure(err)
		}
		return tool.OK(metrics)
	}
	out := map[string]any{"target": target, "type": kind}
	var failures []string
	if d.Market != nil {
		if stats, err := d.Market.MarketStats(ctx); err == nil {
			out["market"] = stats
		} else {
			failures = append(failures, err.Error())
		}
	}
	if d.News != nil {
		if items, err := d.News.Latest(ctx, target, 20); err == nil {
			texts := data.Headlines(items)
			out["topics"] = data.TrendingTopics(texts, 10)
			out["sentiment"] = impactOf(data.Sentiment(texts))
			out["articles"] = len(items)
		} else {
			failures = append(failures, err.Error())
		}
	}
	if len(out) == 2 {
		if len(failures) > 0 {
			return tool.Failf("market data unavailable: %s", strings.Join(failures, "; "))
		}
		return tool.Failf("market data source is not configured")
	}
	return tool.OK(out)
}

func walletStatus(ctx context.Context, wallet web3.Wallet) (map[string]any, error) {
	if wallet == nil {
		return nil, errWalletMissing()
	}
	balance, err := wallet.Balance(ctx)
	if err != nil {
		return nil, err
	}
	def := wallet.Definition()
	tokens := map[string]string{}
	for symbol, token := range def.Tokens {
		amount, err := wallet.TokenBalance(ctx, symbol)
		if err != nil {
			tokens[symbol] = "unavailable"
			continue
		}
		tokens[symbol] = web3.FormatUnits(amount, token.Decimals)
	}
	return map[string]any{
		"address":      wallet.Address().Hex(),
		"chain":        wallet.Chain(),
		"balanceInEth": web3.FormatEther(balance),
		"balanceInWei": balance.String(),
		"tokens":       tokens,
	}, nil
}

func sendInvestment(ctx context.Context, d Deps, args map[string]any) tool.Result {
	if d.Wallet == nil {
		return tool.Failure(errWalletMissing())
	}
	to := tool.StringArg(args, "toAddress", "")
	if !common.IsHexAddress(to) {
		return tool.Failf("invalid recipient address %q", to)
	}
	amountText := amountArg(args, "amount")
	amount, err := web3.ParseEther(amountText)
	if err != nil {
		return tool.Failure(err)
	}
	if amount.Sign() <= 0 {
		return tool.Failf("amount must be positive")
	}
	balance, err := d.Wallet.Balance(ctx)
	if err != nil {
		return tool.Failure(err)
	}
	if balance.Cmp(amount) < 0 {
		return tool.Failf("Insufficient funds for investment")
	}
	reason := tool.StringArg(args, "reason", "")
	tx, err := d.Wallet.Send(ctx, common.HexToAddress(to), amount)
	if err != nil {
		return tool.Failure(err)
	}
	d.Recorder.Record("Invested "+amountText+" ETH in "+to+": "+reason, memory.CategoryInvestment)
	logger.Audit().Info("投资转账已发送",
		slog.String("tx", tx.Hash.Hex()),
		slog.String("to", to),
		slog.String("amount", amountText),
		slog.String("reason", reason),
	)
	return tool.OK(map[string]any{
		"transactionHash": tx.Hash.Hex(),
		"amount":          amountText,
		"recipient":       common.HexToAddress(to).Hex(),
		"reason":          reason,
	})
}

func swapTokens(ctx context.Context, d Deps, args map[string]any) tool.Result {
	from := strings.ToUpper(tool.StringArg(args, "fromToken", ""))
	to := strings.ToUpper(tool.StringArg(args, "toToken", ""))
	amountText := amountArg(args, "amount")
	details := map[string]any{"fromToken": from, "toToken": to, "amount": amountText}
	fail := func(err error) tool.Result {
		res := tool.Failure(err)
		res.Data = map[string]any{"details": details}
		return res
	}
	if from == to {
		return fail(errSameToken())
	}
	if d.Wallet == nil {
		return fail(errWalletMissing())
	}
	slippage, err := tool.FloatArg(args, "slippage", 0.5)
	if err != nil {
		return fail(err)
	}
	details["slippage"] = slippage
	def := d.Wallet.Definition()
	decimals := 18
	if !def.IsNative(from) {
		token, ok := def.Token(from)
		if !ok {
			return fail(errUnknownToken(from))
		}
		decimals = token.Decimals
	}
	amountIn, err := web3.ParseUnits(amountText, decimals)
	if err != nil {
		return fail(err)
	}
	minOut, err := web3.MinAmountOut(amountIn, slippage)
	if err != nil {
		return fail(err)
	}
	tx, err := d.Wallet.Swap(ctx, web3.SwapRequest{
		TokenIn:      from,
		TokenOut:     to,
		AmountIn:     amountIn,
		MinAmountOut: minOut,
	})
	if err != nil {
		return fail(err)
	}
	d.Recorder.Record("Swapped "+amountText+" "+from+" to "+to, memory.CategoryInvestment)
	return tool.OK(map[string]any{
		"transactionHash":    tx.Hash.Hex(),
		"amountIn":           amountText,
		"tokenIn":            from,
		"tokenOut":           to,
		"slippageTolerance":  slippage,
		"expectedMinimumOut": web3.FormatUnits(minOut, decimals),
	})
}

// amountArg 读取金额参数并保留十进制字面量，避免浮点数被格式化为科学计数法。
func amountArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return strings.TrimSpace(tool.StringArg(args, key, ""))
	}
}

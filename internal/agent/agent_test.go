package agent

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/go-cmp/cmp"

	"VCMilei/internal/data"
	"VCMilei/internal/dispatch"
	xerrors "VCMilei/internal/errors"
	"VCMilei/internal/feed/twitter"
	"VCMilei/internal/llm"
	"VCMilei/internal/orchestrator"
	"VCMilei/internal/tool"
	"VCMilei/internal/web3"
)

var fixedNow = time.Date(2024, 11, 5, 12, 0, 0, 0, time.UTC)

type stubMarket struct {
	stats map[string]any
	err   error
}

func (s stubMarket) CollectTokenMetrics(_ context.Context, address string) (*data.TokenMetrics, error) {
	return &data.TokenMetrics{Network: "mode", Address: address}, s.err
}

func (s stubMarket) MarketStats(context.Context) (map[string]any, error) {
	return s.stats, s.err
}

type stubNews struct {
	items []data.NewsItem
	err   error
}

func (s stubNews) Latest(context.Context, string, int) ([]data.NewsItem, error) {
	return s.items, s.err
}

type stubSocial struct {
	metrics *data.SocialMetrics
}

func (s stubSocial) Collect(_ context.Context, username string, _ int) (*data.SocialMetrics, error) {
	if s.metrics == nil {
		return nil, xerrors.New(xerrors.CodeNotFound, "user "+username+" not found")
	}
	return s.metrics, nil
}

type stubPoster struct {
	mu      sync.Mutex
	replies [][2]string
	threads [][]string
}

func (p *stubPoster) Reply(_ context.Context, text, inReplyToID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, [2]string{text, inReplyToID})
	return "reply-1", nil
}

func (p *stubPoster) PostThread(_ context.Context, texts []string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads = append(p.threads, texts)
	return "thread-1", nil
}

type stubWallet struct {
	balance    *big.Int
	balanceErr error
	sent       []*big.Int
	swaps      []web3.SwapRequest
}

func (w *stubWallet) Chain() string           { return "mode" }
func (w *stubWallet) Address() common.Address { return common.HexToAddress("0x1000000000000000000000000000000000000001") }
func (w *stubWallet) Definition() web3.ChainDefinition {
	return web3.ChainDefinition{
		ChainID:      34443,
		NativeSymbol: "ETH",
		Tokens:       map[string]web3.TokenDefinition{"MODE": {Address: "0xDfc7C877a950e49D2610114102175A06C2e3167a", Decimals: 18}},
	}
}
func (w *stubWallet) Snapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{Chain: "mode"}, nil
}
func (w *stubWallet) Balance(context.Context) (*big.Int, error) {
	if w.balanceErr != nil {
		return nil, w.balanceErr
	}
	return w.balance, nil
}
func (w *stubWallet) TokenBalance(context.Context, string) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (w *stubWallet) Send(_ context.Context, to common.Address, amount *big.Int) (web3.TxResult, error) {
	w.sent = append(w.sent, amount)
	return web3.TxResult{Hash: common.HexToHash("0x01"), To: to, Value: amount}, nil
}
func (w *stubWallet) Swap(_ context.Context, req web3.SwapRequest) (web3.TxResult, error) {
	w.swaps = append(w.swaps, req)
	return web3.TxResult{Hash: common.HexToHash("0x02")}, nil
}
func (w *stubWallet) Close() {}

func ether(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(1_000_000_000_000_000_000))
}

func newsItems() []data.NewsItem {
	return []data.NewsItem{
		{Title: "Bitcoin rally lifts market", Source: "cointelegraph", PublishedAt: fixedNow.Add(-time.Hour)},
		{Title: "Old story", Source: "cryptopanic", PublishedAt: fixedNow.AddDate(0, -2, 0)},
	}
}

// scripted 按系统提示词区分智能体，返回预设的回复序列。
func scripted(t *testing.T, replies map[string][]*llm.Response) (llm.Client, *atomic.Int32) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls atomic.Int32
		index = map[string]int{}
	)
	client := llm.ClientFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		calls.Add(1)
		mu.Lock()
		defer mu.Unlock()
		for marker, seq := range replies {
			if !strings.Contains(req.System, marker) {
				continue
			}
			i := index[marker]
			index[marker] = i + 1
			if i >= len(seq) {
				return seq[len(seq)-1], nil
			}
			return seq[i], nil
		}
		t.Errorf("unexpected system prompt: %.60s", req.System)
		return llm.EmptyResponse(), nil
	})
	return client, &calls
}

func final(text string) *llm.Response {
	return &llm.Response{Text: text, FinishReason: llm.FinishStop, Usage: llm.Usage{TotalTokens: 10}}
}

func callTool(id, name string, args map[string]any) *llm.Response {
	return &llm.Response{
		ToolCalls:    []llm.ToolCall{{ID: id, Name: name, Arguments: args}},
		FinishReason: llm.FinishToolCalls,
		Usage:        llm.Usage{TotalTokens: 5},
	}
}

func TestMarketReportRunsTools(t *testing.T) {
	client, calls := scripted(t, map[string][]*llm.Response{
		"market analyst": {
			callTool("c1", "fetchMarketStats", map[string]any{}),
			final("```json\n{\"summary\":\"steady\"}\n```"),
		},
	})
	agent := NewMarketAgent(Deps{
		LLM:    client,
		Market: stubMarket{stats: map[string]any{"tvl": "1000"}},
		Now:    func() time.Time { return fixedNow },
	})

	envelope, err := agent.Report(context.Background(), MarketRequest{DateRange: "7d"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 completions, got %d", calls.Load())
	}
	report := envelope.Report.(map[string]any)
	if report["summary"] != "steady" {
		t.Fatalf("unexpected report %#v", report)
	}
	meta := envelope.Metadata
	if len(meta.ToolResults) != 1 || !meta.ToolResults[0].Result.Success {
		t.Fatalf("unexpected tool results %#v", meta.ToolResults)
	}
	if meta.Usage.TotalTokens != 15 || meta.Rounds != 2 {
		t.Fatalf("unexpected metadata %#v", meta)
	}
	want := []StepSummary{
		{Round: 0, ToolCalls: []string{"fetchMarketStats"}},
		{Round: 1, Text: "```json\n{\"summary\":\"steady\"}\n```"},
	}
	if diff := cmp.Diff(want, meta.Steps); diff != "" {
		t.Fatalf("unexpected steps (-want +got):\n%s", diff)
	}
}

func TestNewsHeadlinesRespectDateRange(t *testing.T) {
	registry, err := tool.NewRegistry(NewsToolkit(Deps{
		News: stubNews{items: newsItems()},
		Now:  func() time.Time { return fixedNow },
	})...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	res := registry.Execute(context.Background(), "fetchLatestHeadlines", map[string]any{"topic": "bitcoin", "dateRange": "7d"})
	if !res.Success {
		t.Fatalf("expected success, got %s", res.Error)
	}
	headlines := res.Data.(map[string]any)["headlines"].([]map[string]any)
	if len(headlines) != 1 || headlines[0]["title"] != "Bitcoin rally lifts market" {
		t.Fatalf("unexpected headlines %#v", headlines)
	}

	impact := registry.Execute(context.Background(), "analyzeNewsImpact", map[string]any{"newsContent": "Exchange hack triggers crash"})
	if impact.Data.(map[string]any)["impact"] != "negative" {
		t.Fatalf("unexpected impact %#v", impact.Data)
	}
}

func TestSocialReportRequiresUsername(t *testing.T) {
	agent := NewSocialAgent(Deps{LLM: llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		t.Fatal("model must not be called without a username")
		return nil, nil
	})})
	_, err := agent.Report(context.Background(), SocialRequest{Username: "  "})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestSocialReportParsesFencedJSON(t *testing.T) {
	metrics := &data.SocialMetrics{
		Profile:  &twitter.Profile{Username: "modenetwork", Followers: 500},
		Analysis: data.SocialAnalysis{EngagementRate: 12.5},
	}
	text := "```json\n{\"profile_stats\":{\"followers\":500},\"risk_assessment\":\"low\",\"date_range\":\"30d\"}\n```\n\n### Additional Notes:\n- Team is doxxed\n- Check audits\n"
	var prompt string
	client := llm.ClientFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		prompt = req.Messages[0].Content
		return final(text), nil
	})
	agent := NewSocialAgent(Deps{LLM: client, Social: stubSocial{metrics: metrics}})

	envelope, err := agent.Report(context.Background(), SocialRequest{Username: "@modenetwork"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !strings.Contains(prompt, "user modenetwork during 30d") || !strings.Contains(prompt, `"engagement_rate":12.5`) {
		t.Fatalf("metrics missing from prompt: %s", prompt)
	}
	report := envelope.Report.(SocialReport)
	if report.RiskAssessment != "low" || report.DateRange != "30d" {
		t.Fatalf("unexpected report %#v", report)
	}
	if diff := cmp.Diff([]string{"Team is doxxed", "Check audits"}, report.AdditionalNotes); diff != "" {
		t.Fatalf("unexpected notes (-want +got):\n%s", diff)
	}
	if report.AgentMetrics != metrics || report.Analysis == nil {
		t.Fatalf("collected metrics not attached: %#v", report)
	}
}

func TestSocialReportFallsBackToRaw(t *testing.T) {
	agent := NewSocialAgent(Deps{
		LLM:    llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) { return final("no structure here"), nil }),
		Social: stubSocial{metrics: &data.SocialMetrics{}},
	})
	envelope, err := agent.Report(context.Background(), SocialRequest{Username: "someone"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report := envelope.Report.(SocialReport); report.Raw != "no structure here" {
		t.Fatalf("expected raw fallback, got %#v", report)
	}
}

func TestLegalDraftUsesNoTools(t *testing.T) {
	client := llm.ClientFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		if len(req.Tools) != 0 {
			t.Fatalf("legal agent must not declare tools, got %d", len(req.Tools))
		}
		return final("SAFE agreement draft"), nil
	})
	draft, err := NewLegalAgent(Deps{LLM: client}).Draft(context.Background(), LegalRequest{Requirements: "SAFE for 10 ETH"})
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if draft.Draft != "SAFE agreement draft" || draft.Metadata.Rounds != 1 {
		t.Fatalf("unexpected draft %#v", draft)
	}
	if _, err := NewLegalAgent(Deps{LLM: client}).Draft(context.Background(), LegalRequest{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for empty requirements, got %v", err)
	}
}

func TestSwapTokensRejectsSameToken(t *testing.T) {
	wallet := &stubWallet{balance: ether(5)}
	registry, err := tool.NewRegistry(VCMileiToolkit(Deps{Wallet: wallet})...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	res := registry.Execute(context.Background(), "swapTokens", map[string]any{
		"fromToken": "ETH", "toToken": "ETH", "amount": "1", "slippage": "0.5",
	})
	if res.Success || res.Error != "Cannot swap same tokens" {
		t.Fatalf("expected same-token rejection, got %#v", res)
	}
	if len(wallet.swaps) != 0 {
		t.Fatal("wallet must not be called")
	}
}

func TestSwapTokensComputesMinimumOut(t *testing.T) {
	wallet := &stubWallet{balance: ether(5)}
	registry, err := tool.NewRegistry(VCMileiToolkit(Deps{Wallet: wallet})...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	res := registry.Execute(context.Background(), "swapTokens", map[string]any{
		"fromToken": "ETH", "toToken": "MODE", "amount": 1.0, "slippage": "0.5",
	})
	if !res.Success {
		t.Fatalf("swap failed: %s", res.Error)
	}
	if len(wallet.swaps) != 1 {
		t.Fatalf("expected one swap, got %d", len(wallet.swaps))
	}
	swap := wallet.swaps[0]
	wantMin, _ := new(big.Int).SetString("995000000000000000", 10)
	if swap.AmountIn.Cmp(ether(1)) != 0 || swap.MinAmountOut.Cmp(wantMin) != 0 {
		t.Fatalf("unexpected amounts in=%s min=%s", swap.AmountIn, swap.MinAmountOut)
	}
	if got := res.Data.(map[string]any)["expectedMinimumOut"]; got != "0.995" {
		t.Fatalf("unexpected expected minimum %v", got)
	}
}

func TestSendInvestmentChecksBalanceFirst(t *testing.T) {
	wallet := &stubWallet{balance: big.NewInt(500_000_000_000_000_000)}
	registry, err := tool.NewRegistry(VCMileiToolkit(Deps{Wallet: wallet})...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	args := map[string]any{
		"toAddress": "0x2000000000000000000000000000000000000002",
		"amount":    1,
		"reason":    "seed round",
	}
	res := registry.Execute(context.Background(), "sendInvestment", args)
	if res.Success || res.Error != "Insufficient funds for investment" {
		t.Fatalf("expected insufficient funds, got %#v", res)
	}
	if len(wallet.sent) != 0 {
		t.Fatal("send must not be attempted")
	}

	args["amount"] = "0.25"
	res = registry.Execute(context.Background(), "sendInvestment", args)
	if !res.Success {
		t.Fatalf("expected success, got %s", res.Error)
	}
	if len(wallet.sent) != 1 || wallet.sent[0].String() != "250000000000000000" {
		t.Fatalf("unexpected transfer %v", wallet.sent)
	}
}

func TestBalanceFailureDoesNotStopLoop(t *testing.T) {
	wallet := &stubWallet{balanceErr: errors.New("RPC down")}
	registry, err := tool.NewRegistry(VCMileiToolkit(Deps{Wallet: wallet})...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	var calls atomic.Int32
	client := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		n := calls.Add(1)
		return callTool("c"+string(rune('0'+n)), "checkWalletBalance", map[string]any{}), nil
	})
	result, err := orchestrator.Run(context.Background(), client, registry, llm.Request{
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "check the wallet"}},
		MaxRounds: 3,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls.Load() != 4 || !result.Exhausted || len(result.Calls) != 3 {
		t.Fatalf("unexpected loop result calls=%d exhausted=%v executed=%d", calls.Load(), result.Exhausted, len(result.Calls))
	}
	for _, call := range result.Calls {
		if call.Result.Success || call.Result.Error != "RPC down" {
			t.Fatalf("expected RPC failure captured as tool result, got %#v", call.Result)
		}
	}
}

func TestMentionRepliesWithNewsContext(t *testing.T) {
	client, _ := scripted(t, map[string][]*llm.Response{
		"crypto news analyst": {final(`{"headline":"Bitcoin rally"}`)},
		"Persona:":            {final("LONG LIVE LIBERTY! Inflation is theft.")},
	})
	poster := &stubPoster{}
	agent := NewVCMileiAgent(Deps{LLM: client, News: stubNews{items: newsItems()}, Poster: poster})

	err := agent.MentionHandler()(context.Background(), mentionItem())
	if err != nil {
		t.Fatalf("handle mention: %v", err)
	}
	want := [][2]string{{"LONG LIVE LIBERTY! Inflation is theft.", "1850"}}
	if diff := cmp.Diff(want, poster.replies); diff != "" {
		t.Fatalf("unexpected replies (-want +got):\n%s", diff)
	}
}

func TestMentionWithoutNewsStillReplies(t *testing.T) {
	var prompts []string
	client := llm.ClientFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		if strings.Contains(req.System, "crypto news analyst") {
			return nil, xerrors.New(xerrors.CodeTransport, "model unavailable")
		}
		prompts = append(prompts, req.Messages[0].Content)
		return final("The state is the problem."), nil
	})
	poster := &stubPoster{}
	reply, err := NewVCMileiAgent(Deps{LLM: client, Poster: poster}).Handle(context.Background(), Request{
		Type:    RequestMention,
		Query:   "@VCMilei what about taxes?",
		TweetID: "77",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply.PostID != "reply-1" || len(prompts) != 1 || strings.HasPrefix(prompts[0], "Context:") {
		t.Fatalf("unexpected reply %#v prompts %q", reply, prompts)
	}
}

func TestNewsRequestPostsThread(t *testing.T) {
	long := strings.Repeat("The central bank is a scam. ", 15)
	client, _ := scripted(t, map[string][]*llm.Response{
		"crypto news analyst": {final(`{"headline":"ETF approved"}`)},
		"Persona:":            {final(long)},
	})
	poster := &stubPoster{}
	if err := NewVCMileiAgent(Deps{LLM: client, Poster: poster}).PostNews(context.Background()); err != nil {
		t.Fatalf("post news: %v", err)
	}
	if len(poster.threads) != 1 || len(poster.threads[0]) < 2 {
		t.Fatalf("expected a multi-part thread, got %#v", poster.threads)
	}
	for _, part := range poster.threads[0] {
		if len([]rune(part)) > twitter.MaxTweetLength {
			t.Fatalf("thread part exceeds limit: %d", len([]rune(part)))
		}
	}
}

func TestRespondMergesExpectedStructure(t *testing.T) {
	var system string
	client, _ := scripted(t, map[string][]*llm.Response{
		"crypto news analyst": {final(`{"headline":"Mode TVL grows"}`)},
		"autonomous venture capital agent": {
			final("Strong fundamentals, but patience.\n```json\n{\"investment_action\":{\"type\":\"HOLD\"},\"milei_catchphrase\":\"VIVA LA LIBERTAD\"}\n```"),
		},
	})
	capture := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if strings.Contains(req.System, "autonomous venture capital agent") {
			system = req.System
		}
		return client.Complete(ctx, req)
	})
	agent := NewVCMileiAgent(Deps{LLM: capture, Wallet: &stubWallet{balance: ether(2)}})

	reply, err := agent.Handle(context.Background(), Request{
		Type:        RequestInvestment,
		Project:     "ModeSwap",
		Description: "DEX on Mode",
		Amount:      "0.5",
		Network:     "mode",
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if !strings.Contains(system, `"balanceInEth": "2"`) || !strings.Contains(system, "Mode TVL grows") {
		t.Fatalf("wallet status or news missing from system prompt:\n%s", system)
	}
	if reply.Commentary != "Strong fundamentals, but patience." {
		t.Fatalf("unexpected commentary %q", reply.Commentary)
	}
	if reply.Analysis["type"] != "AUTONOMOUS_INVESTMENT" || reply.Analysis["milei_catchphrase"] != "VIVA LA LIBERTAD" {
		t.Fatalf("unexpected analysis %#v", reply.Analysis)
	}
	if action := reply.Analysis["investment_action"].(map[string]any); action["type"] != "HOLD" {
		t.Fatalf("model values must override the structure, got %#v", action)
	}
	if _, ok := reply.Analysis["future_outlook"]; !ok {
		t.Fatal("expected structure keys to be preserved")
	}
}

func TestRespondWithoutJSON(t *testing.T) {
	reply := composeResponse("Just buy bitcoin.")
	if reply.Analysis != nil || reply.Commentary != "Just buy bitcoin." {
		t.Fatalf("unexpected reply %#v", reply)
	}
}

func TestRouterExecute(t *testing.T) {
	client := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return final("term sheet"), nil
	})
	router := NewRouter(Deps{LLM: client, Now: func() time.Time { return fixedNow }})

	input, _ := json.Marshal(LegalRequest{Requirements: "term sheet for ModeSwap"})
	result, err := router.Execute(context.Background(), TaskRequest{Kind: KindLegal, Input: input})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.CreatedAt != fixedNow.Unix() || result.Output.(*LegalDraft).Draft != "term sheet" {
		t.Fatalf("unexpected result %#v", result)
	}

	if _, err := router.Execute(context.Background(), TaskRequest{Kind: "unknown"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := router.Execute(context.Background(), TaskRequest{Kind: KindMarket, Input: json.RawMessage("{")}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected decode failure, got %v", err)
	}
}

func TestWindow(t *testing.T) {
	cases := map[string]time.Duration{
		"24h":   24 * time.Hour,
		"7d":    7 * 24 * time.Hour,
		"30D":   30 * 24 * time.Hour,
		"":      time.Hour,
		"later": time.Hour,
	}
	for in, want := range cases {
		if got := window(in, time.Hour); got != want {
			t.Fatalf("window(%q) = %v, want %v", in, got, want)
		}
	}
}

func mentionItem() dispatch.Item {
	return dispatch.Item{ID: "1850", Text: "@VCMilei is bitcoin a good hedge?", Author: "satoshi", Timestamp: fixedNow}
}

package orchestrator

import (
	"context"
	stdErrors "errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	xerrors "VCMilei/internal/errors"
	"VCMilei/internal/llm"
	"VCMilei/internal/tool"
)

// scriptedClient 按顺序返回预设的响应，超出部分重复最后一个。
type scriptedClient struct {
	responses []*llm.Response
	calls     atomic.Int32
	requests  []llm.Request
}

func (c *scriptedClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	n := int(c.calls.Add(1)) - 1
	c.requests = append(c.requests, req)
	if n >= len(c.responses) {
		n = len(c.responses) - 1
	}
	return c.responses[n], nil
}

func toolCall(id, name string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: map[string]any{}}
}

func balanceRegistry(t *testing.T, fn tool.Func) *tool.Registry {
	t.Helper()
	reg, err := tool.NewRegistry(tool.Spec{Name: "checkBalance", Description: "wallet balance", Execute: fn})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg
}

func TestRunStopsOnToolFreeResponse(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{toolCall("1", "checkBalance")}, Usage: llm.Usage{TotalTokens: 5}},
		{ToolCalls: []llm.ToolCall{toolCall("2", "checkBalance")}, Usage: llm.Usage{TotalTokens: 5}},
		{Text: "you hold 1 ETH", FinishReason: llm.FinishStop, Usage: llm.Usage{TotalTokens: 7}},
	}}
	reg := balanceRegistry(t, func(context.Context, map[string]any) tool.Result { return tool.OK("1 ETH") })

	res, err := Run(context.Background(), client, reg, llm.Request{
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "balance?"}},
		MaxRounds: 10,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.calls.Load() != 3 || res.TotalRounds != 3 {
		t.Fatalf("expected 3 adapter calls, got %d (rounds=%d)", client.calls.Load(), res.TotalRounds)
	}
	if res.FinalText != "you hold 1 ETH" || res.Exhausted {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Calls) != 2 || res.Calls[1].Round != 1 {
		t.Fatalf("unexpected executed calls: %+v", res.Calls)
	}
	if res.Usage.TotalTokens != 17 {
		t.Fatalf("usage should be aggregated: %+v", res.Usage)
	}
}

func TestRunBoundsAdapterCalls(t *testing.T) {
	for _, n := range []int{1, 3, 5} {
		client := &scriptedClient{responses: []*llm.Response{
			{Text: "still working", ToolCalls: []llm.ToolCall{toolCall("x", "checkBalance")}},
		}}
		var executed atomic.Int32
		reg := balanceRegistry(t, func(context.Context, map[string]any) tool.Result {
			executed.Add(1)
			return tool.OK(nil)
		})

		res, err := Run(context.Background(), client, reg, llm.Request{MaxRounds: n})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := int(client.calls.Load()); got != n+1 {
			t.Fatalf("max rounds %d: expected %d adapter calls, got %d", n, n+1, got)
		}
		if int(executed.Load()) != n {
			t.Fatalf("max rounds %d: calls of the final round must not execute, executed=%d", n, executed.Load())
		}
		if !res.Exhausted || res.FinalText != "still working" {
			t.Fatalf("expected exhausted result with final text, got %+v", res)
		}
	}
}

func TestRunFeedsUnknownToolBack(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{toolCall("u1", "bridgeAssets")}},
		{Text: "cannot bridge"},
	}}
	reg := balanceRegistry(t, func(context.Context, map[string]any) tool.Result { return tool.OK(nil) })

	res, err := Run(context.Background(), client, reg, llm.Request{MaxRounds: 3})
	if err != nil {
		t.Fatalf("unknown tool must not escape the loop: %v", err)
	}
	if len(res.Calls) != 1 || res.Calls[0].Result.Success || res.Calls[0].Result.Error != tool.ErrUnknownTool {
		t.Fatalf("unexpected executed calls: %+v", res.Calls)
	}
	last := client.requests[1].Messages
	msg := last[len(last)-1]
	if msg.Role != llm.RoleTool || msg.ToolCallID != "u1" || !strings.Contains(msg.Content, "unknown tool") {
		t.Fatalf("tool result message not appended: %+v", msg)
	}
}

func TestRunRejectsMalformedArgumentsWithoutExecuting(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "m1", Name: "checkBalance", Arguments: map[string]any{}, InvalidArguments: true}}},
		{Text: "retrying"},
	}}
	var executed atomic.Int32
	reg := balanceRegistry(t, func(context.Context, map[string]any) tool.Result {
		executed.Add(1)
		return tool.OK(nil)
	})

	res, err := Run(context.Background(), client, reg, llm.Request{MaxRounds: 3})
	if err != nil {
		t.Fatalf("malformed arguments must not escape the loop: %v", err)
	}
	if executed.Load() != 0 {
		t.Fatalf("tool must not run with malformed arguments")
	}
	if len(res.Calls) != 1 || res.Calls[0].Result.Error != tool.ErrInvalidJSONArguments {
		t.Fatalf("unexpected executed calls: %+v", res.Calls)
	}
	last := client.requests[1].Messages
	if msg := last[len(last)-1]; msg.ToolCallID != "m1" || !strings.Contains(msg.Content, "invalid JSON arguments") {
		t.Fatalf("validation result not fed back: %+v", msg)
	}
}

func TestRunContinuesAfterToolFailure(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{toolCall("b1", "checkBalance")}},
	}}
	reg := balanceRegistry(t, func(context.Context, map[string]any) tool.Result {
		return tool.Failf("RPC down")
	})

	res, err := Run(context.Background(), client, reg, llm.Request{MaxRounds: 2})
	if err != nil {
		t.Fatalf("tool failure must not abort the loop: %v", err)
	}
	if client.calls.Load() != 3 {
		t.Fatalf("expected loop to reach round bound, adapter calls=%d", client.calls.Load())
	}
	second := client.requests[1].Messages
	if !strings.Contains(second[len(second)-1].Content, "RPC down") {
		t.Fatalf("error should be visible to the model: %+v", second)
	}
	if !res.Exhausted {
		t.Fatalf("expected exhausted flag: %+v", res)
	}
}

func TestRunExecutesCallsSequentiallyWithOneResultEach(t *testing.T) {
	var order []string
	reg, _ := tool.NewRegistry(
		tool.Spec{Name: "checkBalance", Execute: func(context.Context, map[string]any) tool.Result {
			order = append(order, "checkBalance")
			return tool.OK(nil)
		}},
		tool.Spec{Name: "swapTokens", Execute: func(context.Context, map[string]any) tool.Result {
			order = append(order, "swapTokens")
			return tool.OK(nil)
		}},
	)
	client := &scriptedClient{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{toolCall("a", "checkBalance"), toolCall("b", "swapTokens"), toolCall("c", "nope")}},
		{Text: "done"},
	}}

	if _, err := Run(context.Background(), client, reg, llm.Request{MaxRounds: 5}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(order, ",") != "checkBalance,swapTokens" {
		t.Fatalf("unexpected execution order: %v", order)
	}
	msgs := client.requests[1].Messages
	if len(msgs) != 4 {
		t.Fatalf("expected assistant message plus three tool results, got %d", len(msgs))
	}
	for i, id := range []string{"a", "b", "c"} {
		if msgs[i+1].ToolCallID != id {
			t.Fatalf("result %d not correlated: %+v", i, msgs[i+1])
		}
	}
}

func TestRunDoesNotMutateCallerMessages(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{toolCall("a", "checkBalance")}},
		{Text: "ok"},
	}}
	reg := balanceRegistry(t, func(context.Context, map[string]any) tool.Result { return tool.OK(nil) })
	messages := make([]llm.Message, 1, 10)
	messages[0] = llm.Message{Role: llm.RoleUser, Content: "hi"}

	if _, err := Run(context.Background(), client, reg, llm.Request{Messages: messages, MaxRounds: 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if extended := messages[:2]; extended[1].Role != "" {
		t.Fatalf("caller backing array was written: %+v", extended[1])
	}
}

func TestRunObserverSeesEveryRound(t *testing.T) {
	client := &scriptedClient{responses: []*llm.Response{
		{Text: "checking", ToolCalls: []llm.ToolCall{toolCall("a", "checkBalance")}},
		{Text: "final"},
	}}
	reg := balanceRegistry(t, func(context.Context, map[string]any) tool.Result { return tool.OK(nil) })

	var steps []Step
	observer := func(_ context.Context, step Step) {
		steps = append(steps, step)
		panic("observer must not break the loop")
	}
	res, err := Run(context.Background(), client, reg, llm.Request{MaxRounds: 3}, WithObserver(observer))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.FinalText != "final" || len(steps) != 2 {
		t.Fatalf("unexpected observation: result=%+v steps=%d", res, len(steps))
	}
	if steps[0].Text != "checking" || len(steps[0].Results) != 1 || steps[0].Final {
		t.Fatalf("unexpected first step: %+v", steps[0])
	}
	if !steps[1].Final || steps[1].Text != "final" {
		t.Fatalf("final text should be observed: %+v", steps[1])
	}
}

func TestRunAdapterErrorsAreTerminal(t *testing.T) {
	var calls atomic.Int32
	failing := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		calls.Add(1)
		return nil, stdErrors.New("connection reset")
	})
	_, err := Run(context.Background(), failing, nil, llm.Request{MaxRounds: 5})
	if xerrors.CodeOf(err) != xerrors.CodeExecutorFailure {
		t.Fatalf("expected executor failure, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("loop must not retry adapter errors, calls=%d", calls.Load())
	}

	slow := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err = Run(context.Background(), slow, nil, llm.Request{MaxRounds: 5}, WithRoundTimeout(10*time.Millisecond))
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

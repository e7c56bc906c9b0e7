package orchestrator

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "VCMilei/internal/errors"
	"VCMilei/internal/llm"
	"VCMilei/internal/observability/metrics"
	"VCMilei/internal/tool"
	"VCMilei/pkg/logger"
)

const defaultRoundTimeout = 60 * time.Second

// ExecutedCall 记录一次已执行的工具调用。
type ExecutedCall struct {
	Round  int          `json:"round"`
	Call   llm.ToolCall `json:"call"`
	Result tool.Result  `json:"result"`
}

// Step 是每轮结束后交给观察者的快照。观察者只做记录，不能影响循环。
type Step struct {
	Round     int
	Text      string
	ToolCalls []llm.ToolCall
	Results   []tool.Result
	// Final 表示这是循环的最后一轮。
	Final bool
}

// StepFunc 观察每一轮的输出。
type StepFunc func(ctx context.Context, step Step)

// Result 是一次编排的最终结果。
type Result struct {
	FinalText    string           `json:"finalText"`
	TotalRounds  int              `json:"totalRounds"`
	Calls        []ExecutedCall   `json:"toolCalls"`
	Usage        llm.Usage        `json:"usage"`
	FinishReason llm.FinishReason `json:"finishReason"`
	// Exhausted 表示达到轮次上限时模型仍在请求工具，属于部分完成而非错误。
	Exhausted bool `json:"exhausted"`
}

type options struct {
	observer     StepFunc
	roundTimeout time.Duration
	agent        string
}

// Option 定义编排循环的可选配置。
type Option func(*options)

// WithObserver 注册每轮结束后的观察者。
func WithObserver(fn StepFunc) Option {
	return func(o *options) {
		o.observer = fn
	}
}

// WithRoundTimeout 设置单轮模型调用的超时时间，与轮次上限相互独立。
func WithRoundTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.roundTimeout = timeout
		}
	}
}

// WithAgentName 设置日志与指标中使用的 Agent 名称。
func WithAgentName(name string) Option {
	return func(o *options) {
		o.agent = name
	}
}

// Run 驱动补全循环。MaxRounds 为 N 时，模型最多被调用 N+1 次。
//
// 工具调用按顺序执行，每个调用在下一次模型调用前恰好得到一条结果消息。
// 循环本身不做任何重试，是否重试由模型根据工具结果自行决定。
func Run(ctx context.Context, client llm.Client, registry *tool.Registry, req llm.Request, opts ...Option) (*Result, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	cfg := options{roundTimeout: defaultRoundTimeout, agent: "default"}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	maxRounds := req.MaxRounds
	if maxRounds < 1 {
		maxRounds = 1
	}
	log := logger.Named("orchestrator").With(slog.String("agent", cfg.agent))

	conversation := make([]llm.Message, len(req.Messages), len(req.Messages)+8)
	copy(conversation, req.Messages)
	declarations := registry.Declarations()

	result := &Result{}
	for round := 0; ; round++ {
		roundReq := llm.Request{
			System:      req.System,
			Messages:    conversation,
			Tools:       declarations,
			MaxRounds:   maxRounds,
			Temperature: req.Temperature,
		}
		resp, err := complete(ctx, client, roundReq, cfg.roundTimeout)
		if err != nil {
			log.Warn("模型调用失败，终止编排", slog.Int("round", round), slog.Any("error", err))
			metrics.ObserveOrchestration(cfg.agent, result.TotalRounds, false)
			return nil, err
		}
		result.TotalRounds++
		result.Usage = result.Usage.Add(resp.Usage)
		result.FinishReason = resp.FinishReason

		if len(resp.ToolCalls) == 0 || round >= maxRounds {
			result.FinalText = resp.Text
			if len(resp.ToolCalls) > 0 {
				result.Exhausted = true
				log.Info("达到轮次上限，模型仍在请求工具",
					slog.Int("rounds", result.TotalRounds),
					slog.Int("pending_calls", len(resp.ToolCalls)),
				)
			}
			notify(ctx, cfg.observer, Step{Round: round, Text: resp.Text, ToolCalls: resp.ToolCalls, Final: true})
			metrics.ObserveOrchestration(cfg.agent, result.TotalRounds, result.Exhausted)
			return result, nil
		}

		conversation = append(conversation, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		results := make([]tool.Result, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			var res tool.Result
			if call.InvalidArguments {
				res = tool.Result{Success: false, Error: tool.ErrInvalidJSONArguments}
			} else {
				res = registry.Execute(ctx, call.Name, call.Arguments)
			}
			results = append(results, res)
			result.Calls = append(result.Calls, ExecutedCall{Round: round, Call: call, Result: res})
			conversation = append(conversation, llm.Message{
				Role:       llm.RoleTool,
				Content:    res.Content(),
				ToolCallID: call.ID,
				Name:       call.Name,
			})
			if !res.Success {
				log.Debug("工具调用失败，结果回传给模型",
					slog.String("tool", call.Name),
					slog.String("error", res.Error),
				)
			}
		}
		notify(ctx, cfg.observer, Step{Round: round, Text: resp.Text, ToolCalls: resp.ToolCalls, Results: results})
	}
}

func complete(ctx context.Context, client llm.Client, req llm.Request, timeout time.Duration) (*llm.Response, error) {
	roundCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := client.Complete(roundCtx, req)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(roundCtx.Err(), context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "大模型推理失败")
	}
	if resp == nil {
		return llm.EmptyResponse(), nil
	}
	return resp, nil
}

// notify 调用观察者。观察者的 panic 被吞掉，避免影响循环。
func notify(ctx context.Context, observer StepFunc, step Step) {
	if observer == nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.L().Error("编排观察者发生 panic", slog.Any("panic", recovered))
		}
	}()
	observer(ctx, step)
}

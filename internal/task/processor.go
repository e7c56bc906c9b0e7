package task

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"VCMilei/internal/agent"
	xerrors "VCMilei/internal/errors"
	"VCMilei/internal/observability/alerting"
	"VCMilei/pkg/logger"
)

// Executor 执行一次智能体请求，通常由 agent.Router 实现。
type Executor interface {
	Execute(ctx context.Context, req agent.TaskRequest) (*agent.TaskResult, error)
}

// Processor 从队列领取任务 ID，调用智能体并把结果写回存储。
//
// 失败的任务在未超过重试次数且错误可重试时重新入队，否则进入终态并告警。
// 同一任务由存储层的 Claim 保证同一时刻只有一个工作协程执行。
type Processor struct {
	executor Executor
	store    Store
	consumer Consumer
	producer Producer

	workers int
	timeout time.Duration
	alerts  alerting.Dispatcher
	log     *slog.Logger
	now     func() time.Time
}

// ProcessorOption 调整 Processor。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置并发消费的协程数，默认 1。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workers = workers
		}
	}
}

// WithExecutionTimeout 为单次智能体执行设置超时，0 表示不限。
func WithExecutionTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithAlertDispatcher 设置任务进入终态时的告警通道。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerts = dispatcher }
}

// NewProcessor 构造 Processor。consumer 与 producer 通常是同一个 Queue。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor: executor,
		store:    store,
		consumer: consumer,
		producer: producer,
		workers:  1,
		log:      logger.Named("task.processor"),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 阻塞消费队列直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	p.log.Info("任务处理器启动", slog.Int("workers", p.workers), slog.Duration("timeout", p.timeout))
	return p.consumer.Consume(ctx, p.workers, p.handle)
}

// handle 处理一条队列消息。返回错误会让队列重新投递该消息，
// 因此只有存储或队列本身出错时才返回错误。
func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	switch {
	case err == nil:
	case staleMessage(err):
		p.log.Debug("忽略过期消息", slog.String("task_id", taskID), slog.String("reason", err.Error()))
		return nil
	default:
		p.log.Error("领取任务失败", slog.String("task_id", taskID), slog.Any("error", err))
		p.alert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	output, err := p.run(ctx, task)
	if err != nil {
		return p.settleFailure(ctx, task, err)
	}
	if err := p.store.MarkSucceeded(ctx, task.ID, ExecutionResult{Output: output, CompletedAt: p.now().Unix()}); err != nil {
		p.log.Error("写入任务结果失败", slog.String("task_id", task.ID), slog.Any("error", err))
		return p.settleFailure(ctx, task, err)
	}
	logger.Audit().Info("task_succeeded",
		slog.String("task_id", task.ID),
		slog.String("kind", string(task.Kind)),
		slog.Int("attempts", task.Attempts),
	)
	return nil
}

// staleMessage 判断消息对应的任务是否已被处理或不再需要处理。
// 至少一次投递的队列会产生这类重复消息。
func staleMessage(err error) bool {
	for _, target := range []error{ErrTaskNotFound, ErrTaskCompleted, ErrTaskExhausted, ErrTaskConflict} {
		if stdErrors.Is(err, target) {
			return true
		}
	}
	return false
}

// run 在超时内执行智能体并编码输出，执行器 panic 视为不可重试的失败。
func (p *Processor) run(ctx context.Context, task *Task) (output json.RawMessage, err error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeExecutorFailure, "智能体执行时发生 panic",
				xerrors.WithMetadata("panic", fmt.Sprint(r)),
				xerrors.WithRetryable(false),
			)
		}
	}()

	result, err := p.executor.Execute(ctx, task.Request())
	if err != nil || result == nil {
		return nil, err
	}
	output, err = json.Marshal(result.Output)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "编码任务输出失败", xerrors.WithRetryable(false))
	}
	return output, nil
}

// failureCode 返回写入任务的错误码以及是否可重试，未归类的错误按可重试的处理失败计。
func failureCode(err error) (xerrors.Code, bool) {
	code := xerrors.CodeOf(err)
	if code == xerrors.CodeUnknown {
		return CodeTaskProcessing, true
	}
	return code, xerrors.RetryableError(err)
}

func (p *Processor) settleFailure(ctx context.Context, task *Task, cause error) error {
	code, retryable := failureCode(cause)
	terminal := !retryable || task.Attempts >= task.MaxRetries

	if err := p.store.MarkFailed(ctx, task.ID, code, cause.Error(), terminal); err != nil {
		p.log.Error("写入任务失败状态出错", slog.String("task_id", task.ID), slog.Any("error", err))
		return err
	}
	logger.Audit().Warn("task_failed",
		slog.String("task_id", task.ID),
		slog.String("kind", string(task.Kind)),
		slog.String("error_code", string(code)),
		slog.String("error", cause.Error()),
		slog.Bool("terminal", terminal),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	switch {
	case !retryable:
		p.alert(ctx, task, code, cause, "non_retryable")
		return nil
	case terminal:
		p.alert(ctx, task, code, cause, "terminal")
		return nil
	case p.producer == nil:
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务生产者")
	}
	if err := p.producer.Publish(ctx, task.ID); err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, fmt.Sprintf("任务 %s 重新入队失败", task.ID))
	}
	p.log.Debug("任务重新入队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

func (p *Processor) alert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p.alerts == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:       code,
		Message:    attrs.Message,
		Severity:   attrs.Severity,
		Source:     "task",
		Subject:    task.ID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   map[string]string{"stage": stage, "kind": string(task.Kind)},
		OccurredAt: p.now().UTC(),
	}
	if cause != nil {
		event.Message = cause.Error()
	}
	if err := p.alerts.Notify(ctx, event); err != nil {
		p.log.Error("发送告警失败", slog.String("task_id", task.ID), slog.String("stage", stage), slog.Any("error", err))
	}
}

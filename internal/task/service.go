package task

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"VCMilei/internal/agent"
	xerrors "VCMilei/internal/errors"
	"VCMilei/pkg/logger"
)

const (
	defaultMaxRetries   = 3
	defaultPollInterval = 500 * time.Millisecond
)

// Service 是异步智能体任务的入口：校验请求、落库并投递到队列。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造任务服务，maxRetries 不大于 0 时取 3。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

func validateRequest(req agent.TaskRequest) error {
	if !req.Kind.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的任务类型 %q", req.Kind))
	}
	if len(req.Input) > 0 && !json.Valid(req.Input) {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务输入必须是合法的 JSON")
	}
	return nil
}

// Submit 创建任务并入队。
//
// 调用方指定的 ID 作为幂等键：同一 ID 重复提交时返回已有任务，不会重复入队。
// 入队失败的任务直接标记为终态失败，避免留下永远不会被消费的 pending 任务。
func (s *Service) Submit(ctx context.Context, req agent.TaskRequest) (*Task, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	} else if existing, err := s.store.Get(ctx, id); err == nil {
		return existing, nil
	} else if !stdErrors.Is(err, ErrTaskNotFound) {
		return nil, err
	}

	created := &Task{
		ID:         id,
		Kind:       req.Kind,
		Input:      cloneRaw(req.Input),
		Metadata:   cloneMetadata(req.Metadata),
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	switch err := s.store.Create(ctx, created); {
	case stdErrors.Is(err, ErrTaskConflict):
		// 并发提交同一 ID，以先落库的为准。
		return s.store.Get(ctx, id)
	case err != nil:
		return nil, err
	}

	if err := s.producer.Publish(ctx, id); err != nil {
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "任务入队失败")
		if markErr := s.store.MarkFailed(ctx, id, CodeTaskPublish, wrapped.Error(), true); markErr != nil {
			logger.Named("task").Error("标记入队失败的任务出错", slog.String("task_id", id), slog.Any("error", markErr))
		}
		return nil, wrapped
	}
	logger.Audit().Info("task_submitted",
		slog.String("task_id", id),
		slog.String("kind", string(created.Kind)),
		slog.Int("max_retries", created.MaxRetries),
	)
	return created, nil
}

func (s *Service) requireStore() error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return nil
}

// Get 查询单个任务。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if err := s.requireStore(); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// List 分页查询任务。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if err := s.requireStore(); err != nil {
		return nil, err
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 统计满足条件的任务，分页参数不影响统计。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if err := s.requireStore(); err != nil {
		return TaskStats{}, err
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// WaitUntilCompleted 按 interval 轮询任务直到成功或终态失败。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Done() {
			return current, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close 关闭存储与队列。
func (s *Service) Close() error {
	var errs []error
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return stdErrors.Join(errs...)
}

package task

import (
	"encoding/json"

	"VCMilei/internal/agent"
	xerrors "VCMilei/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ExecutionResult 保存智能体的输出。
type ExecutionResult struct {
	Output      json.RawMessage `json:"output"`
	CompletedAt int64           `json:"completed_at"`
}

// Task 描述了排队执行的智能体任务。
type Task struct {
	ID         string            `json:"id"`
	Kind       agent.Kind        `json:"kind"`
	Input      json.RawMessage   `json:"input,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Status     Status            `json:"status"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	LastError  string            `json:"last_error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Result     *ExecutionResult  `json:"result,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

// Request 还原出交给智能体路由的请求。
func (t *Task) Request() agent.TaskRequest {
	return agent.TaskRequest{
		ID:       t.ID,
		Kind:     t.Kind,
		Input:    cloneRaw(t.Input),
		Metadata: cloneMetadata(t.Metadata),
	}
}

// Done 判断任务是否已进入终态。
func (t *Task) Done() bool {
	return t.Status == StatusSucceeded || t.Status == StatusFailed
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(xerrors.CodeNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(xerrors.CodeConflict, "task conflict")
	// ErrTaskCompleted 表示任务已经成功完成。
	ErrTaskCompleted = xerrors.New(xerrors.CodeAlreadyCompleted, "task already completed")
	// ErrTaskExhausted 表示任务已失败且不会再重试。
	ErrTaskExhausted = xerrors.New(xerrors.CodeRetriesExhausted, "task retries exhausted")
)

const (
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]string, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneTask(t *Task) *Task {
	if t == nil {
		return nil
	}
	cloned := *t
	cloned.Input = cloneRaw(t.Input)
	cloned.Metadata = cloneMetadata(t.Metadata)
	if t.Result != nil {
		result := *t.Result
		result.Output = cloneRaw(t.Result.Output)
		cloned.Result = &result
	}
	return &cloned
}

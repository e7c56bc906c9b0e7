package task

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	xerrors "VCMilei/internal/errors"
)

// MemoryStore 把任务保存在进程内存中，用于单机部署与测试。
// 所有读写都返回副本，调用方修改结果不会影响存储内容。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

// NewMemoryStore 创建空的 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: map[string]*Task{}, now: time.Now}
}

// Create 保存新任务，ID 已存在时返回 ErrTaskConflict。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务及其 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.ID]; exists {
		return ErrTaskConflict
	}
	stored := cloneTask(task)
	stored.UpdatedAt = m.now().Unix()
	if stored.CreatedAt == 0 {
		stored.CreatedAt = stored.UpdatedAt
	}
	if stored.Status == "" {
		stored.Status = StatusPending
	}
	m.tasks[task.ID] = stored
	task.CreatedAt, task.UpdatedAt, task.Status = stored.CreatedAt, stored.UpdatedAt, stored.Status
	return nil
}

// Get 返回任务副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if task, ok := m.tasks[id]; ok {
		return cloneTask(task), nil
	}
	return nil, ErrTaskNotFound
}

// update 在写锁内修改任务并刷新更新时间。
func (m *MemoryStore) update(id string, fn func(*Task) error) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	err := fn(task)
	return cloneTask(task), err
}

// Claim 把 pending 任务置为 running。已用尽重试次数的任务在此转为终态失败。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	return m.update(id, func(task *Task) error {
		switch task.Status {
		case StatusSucceeded:
			return ErrTaskCompleted
		case StatusFailed:
			return ErrTaskExhausted
		case StatusRunning:
			return ErrTaskConflict
		}
		task.UpdatedAt = m.now().Unix()
		if task.Attempts >= task.MaxRetries {
			task.Status = StatusFailed
			task.ErrorCode = string(xerrors.CodeRetriesExhausted)
			return ErrTaskExhausted
		}
		task.Status = StatusRunning
		task.Attempts++
		return nil
	})
}

// MarkSucceeded 保存智能体输出并清除之前的错误。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result ExecutionResult) error {
	_, err := m.update(id, func(task *Task) error {
		result.Output = cloneRaw(result.Output)
		task.Status = StatusSucceeded
		task.Result = &result
		task.LastError, task.ErrorCode = "", ""
		task.UpdatedAt = m.now().Unix()
		return nil
	})
	return err
}

// MarkFailed 记录失败原因，terminal 为 false 时任务回到 pending 等待重新入队。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	_, err := m.update(id, func(task *Task) error {
		task.Status = StatusPending
		if terminal {
			task.Status = StatusFailed
		}
		task.LastError, task.ErrorCode = lastError, string(code)
		task.UpdatedAt = m.now().Unix()
		return nil
	})
	return err
}

// List 按条件过滤、排序并分页。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts = opts.normalized()
	matched := m.filter(opts)

	slices.SortFunc(matched, func(a, b *Task) int {
		if opts.Order == SortByUpdatedAsc {
			a, b = b, a
		}
		return cmp.Or(
			cmp.Compare(b.UpdatedAt, a.UpdatedAt),
			cmp.Compare(b.CreatedAt, a.CreatedAt),
			strings.Compare(b.ID, a.ID),
		)
	})
	if opts.Offset >= len(matched) {
		return []*Task{}, nil
	}
	matched = matched[opts.Offset:]
	return matched[:min(len(matched), opts.Limit)], nil
}

// Stats 统计满足过滤条件的任务，忽略分页。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	var stats TaskStats
	for _, task := range m.filter(opts.normalized()) {
		stats.add(task)
	}
	return stats, nil
}

func (m *MemoryStore) filter(opts ListOptions) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if opts.matches(task) {
			out = append(out, cloneTask(task))
		}
	}
	return out
}

// Close 无需释放资源。
func (m *MemoryStore) Close() error { return nil }

// matches 在内存中复现 MySQL 存储的 WHERE 条件。
func (o ListOptions) matches(task *Task) bool {
	switch {
	case len(o.Statuses) > 0 && !slices.Contains(o.Statuses, task.Status):
		return false
	case len(o.Kinds) > 0 && !slices.Contains(o.Kinds, task.Kind):
		return false
	case o.UpdatedGTE > 0 && task.UpdatedAt < o.UpdatedGTE:
		return false
	case o.UpdatedLTE > 0 && task.UpdatedAt > o.UpdatedLTE:
		return false
	case o.HasResult != nil && (task.Result != nil) != *o.HasResult:
		return false
	}
	if o.Query == "" {
		return true
	}
	haystack := strings.ToLower(task.ID + " " + string(task.Input) + " " + task.LastError)
	return strings.Contains(haystack, strings.ToLower(o.Query))
}

var _ Store = (*MemoryStore)(nil)

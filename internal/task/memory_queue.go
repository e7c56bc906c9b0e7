package task

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	xerrors "VCMilei/internal/errors"
	"VCMilei/pkg/logger"
)

const defaultMemoryQueueSize = 64

// MemoryQueue 是单进程部署使用的队列，任务 ID 保存在带缓冲的 channel 中，
// 进程退出后未消费的任务只能依靠存储层的状态恢复。
type MemoryQueue struct {
	ch        chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue 创建容量为 size 的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = defaultMemoryQueueSize
	}
	return &MemoryQueue{ch: make(chan string, size), done: make(chan struct{})}
}

// Publish 投递任务 ID。队列已满时阻塞，直到有空位、ctx 结束或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	select {
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "内存队列已关闭")
	default:
	}
	select {
	case q.ch <- taskID:
		return nil
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "内存队列已关闭")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume 以 workerCount 个协程消费任务，阻塞到 ctx 结束或队列关闭。
// handler 返回错误的任务会重新放回队尾。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	log := logger.Named("task.memory_queue")
	var g errgroup.Group
	for range max(workerCount, 1) {
		g.Go(func() error {
			q.work(ctx, handler, log)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) work(ctx context.Context, handler Handler, log *slog.Logger) {
	for {
		var taskID string
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case taskID = <-q.ch:
		}
		err := handler(ctx, taskID)
		if err == nil {
			continue
		}
		log.Warn("任务处理失败，放回队列", slog.String("task_id", taskID), slog.Any("error", err))
		if err := q.Publish(ctx, taskID); err != nil {
			log.Error("任务放回队列失败", slog.String("task_id", taskID), slog.Any("error", err))
		}
	}
}

// Close 停止接收新任务并让消费者退出，可重复调用。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

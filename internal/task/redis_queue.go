package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	xerrors "VCMilei/internal/errors"
	"VCMilei/pkg/logger"
)

const (
	defaultRedisQueue     = "vcmilei:tasks"
	defaultRedisBlockWait = 5 * time.Second
)

// RedisQueueConfig 是 Redis 队列的参数。
type RedisQueueConfig struct {
	// Queue 是待处理列表的键，处理中列表为 Queue + ":processing"。
	Queue     string
	BlockWait time.Duration
	// RecoverInFlight 为 true 时，构造队列会把处理中列表的全部消息放回待处理列表。
	// 只应在单个消费进程的部署中开启。
	RecoverInFlight bool
}

// RedisQueue 用两个 list 实现至少一次投递：BLMOVE 把消息原子地移入处理中列表，
// 处理成功后删除，失败则移回待处理列表的入口端。Redis 客户端由调用方持有。
type RedisQueue struct {
	client     redis.UniversalClient
	pending    string
	processing string
	wait       time.Duration
	log        *slog.Logger
}

// NewRedisQueue 检查连通性并按需恢复上次退出时未确认的消息。
func NewRedisQueue(ctx context.Context, client redis.UniversalClient, cfg RedisQueueConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis 客户端未初始化")
	}
	name := strings.TrimSpace(cfg.Queue)
	if name == "" {
		name = defaultRedisQueue
	}
	q := &RedisQueue{
		client:     client,
		pending:    name,
		processing: name + ":processing",
		wait:       cfg.BlockWait,
		log:        logger.Named("task.redis_queue"),
	}
	if q.wait <= 0 {
		q.wait = defaultRedisBlockWait
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	if cfg.RecoverInFlight {
		if err := q.recover(ctx); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// recover 把处理中列表的消息逐条移回待处理列表。
func (q *RedisQueue) recover(ctx context.Context) error {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.pending, "RIGHT", "RIGHT").Err()
		if stdErrors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "恢复处理中的任务失败")
		}
		moved++
	}
	if moved > 0 {
		q.log.Warn("恢复上次未确认的任务", slog.Int("count", moved), slog.String("queue", q.pending))
	}
	return nil
}

// Publish 把任务 ID 压入待处理列表的入口端。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.pending, taskID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 投递任务失败")
	}
	return nil
}

// Consume 启动 workerCount 个阻塞读取的协程，任一协程遇到 Redis 错误时全部退出。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	group, ctx := errgroup.WithContext(ctx)
	for range max(workerCount, 1) {
		group.Go(func() error { return q.work(ctx, handler) })
	}
	return group.Wait()
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for ctx.Err() == nil {
		taskID, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", q.wait).Result()
		switch {
		case stdErrors.Is(err, redis.Nil):
			continue
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 读取任务失败")
		}
		q.settle(ctx, taskID, handler(ctx, taskID))
	}
	return ctx.Err()
}

// settle 确认或退回一条消息。退回使用事务，保证消息不会同时出现在两个列表中。
func (q *RedisQueue) settle(ctx context.Context, taskID string, handlerErr error) {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, taskID)
		if handlerErr != nil {
			pipe.LPush(ctx, q.pending, taskID)
		}
		return nil
	})
	if handlerErr != nil {
		q.log.Warn("任务处理失败，退回队列", slog.String("task_id", taskID), slog.Any("error", handlerErr))
	}
	if err != nil {
		q.log.Error("更新 Redis 队列失败", slog.String("task_id", taskID), slog.Any("error", err))
	}
}

// Close 不关闭共享的 Redis 客户端。
func (q *RedisQueue) Close() error { return nil }

package task

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	xerrors "VCMilei/internal/errors"
	"VCMilei/pkg/logger"
)

const defaultRabbitQueue = "vcmilei.tasks"

// RabbitMQConfig 是 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 通过默认交换机直接投递到命名队列，消费端手动确认。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	log   *slog.Logger

	// amqp.Channel 不能并发发布。
	publishMu sync.Mutex
}

// NewRabbitMQQueue 建立连接、设置预取数量并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	queue := strings.TrimSpace(cfg.Queue)
	if queue == "" {
		queue = defaultRabbitQueue
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	q := &RabbitMQQueue{conn: conn, queue: queue, log: logger.Named("task.rabbitmq_queue")}
	if err := q.setup(cfg); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

func (q *RabbitMQQueue) setup(cfg RabbitMQConfig) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "打开 RabbitMQ channel 失败")
	}
	q.ch = ch
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ 预取数量失败")
		}
	}
	if _, err := ch.QueueDeclare(q.queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败")
	}
	return nil
}

func (q *RabbitMQQueue) ready() error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	return nil
}

// Publish 以持久化消息投递任务 ID，消息 ID 与任务 ID 相同。
func (q *RabbitMQQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.ready(); err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    taskID,
		Body:         []byte(taskID),
	}
	q.publishMu.Lock()
	err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, msg)
	q.publishMu.Unlock()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 投递任务失败")
	}
	return nil
}

// Consume 订阅队列并由 workerCount 个协程处理投递，处理失败的消息 Nack 后重新入队。
// 连接断开时投递 channel 会关闭，Consume 随之返回。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if err := q.ready(); err != nil {
		return err
	}
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}
	var group errgroup.Group
	for range max(workerCount, 1) {
		group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						return nil
					}
					q.deliver(ctx, d, handler)
				}
			}
		})
	}
	_ = group.Wait()
	return ctx.Err()
}

func (q *RabbitMQQueue) deliver(ctx context.Context, d amqp.Delivery, handler Handler) {
	taskID := string(d.Body)
	if err := handler(ctx, taskID); err != nil {
		q.log.Warn("任务处理失败，退回队列", slog.String("task_id", taskID), slog.Bool("redelivered", d.Redelivered), slog.Any("error", err))
		if nackErr := d.Nack(false, true); nackErr != nil {
			q.log.Error("RabbitMQ Nack 失败", slog.String("task_id", taskID), slog.Any("error", nackErr))
		}
		return
	}
	if err := d.Ack(false); err != nil {
		q.log.Error("RabbitMQ Ack 失败", slog.String("task_id", taskID), slog.Any("error", err))
	}
}

// Close 依次关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

package task

import "context"

// Handler 处理一条携带任务 ID 的消息。返回错误时消息会被重新投递，
// 业务失败应当记录在任务上而不是返回给队列。
type Handler func(ctx context.Context, taskID string) error

// Producer 把任务 ID 投递到队列。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以指定并发度消费队列，阻塞到 ctx 结束。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 由内存、Redis 与 RabbitMQ 三种实现提供，按配置中的 task_queue.driver 选择。
type Queue interface {
	Producer
	Consumer
}

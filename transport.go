package mqkit

import (
	"context"
	"time"
)

// 内置连接类型，DriverFactory 按此选择 Driver。
const (
	KindNull     = "null"
	KindDbal     = "dbal"
	KindDbalLazy = "dbal_lazy"
	KindAmqp     = "amqp"
	KindRedis    = "redis"
	KindMemory   = "memory"
)

// Connection 为传输后端连接。
type Connection interface {
	// Kind 返回连接类型，例如 "dbal"。
	Kind() string
	CreateSession() (Session, error)
	Close() error
}

// Session 在连接之上创建队列、生产者与消费者。
type Session interface {
	// CreateMessage 创建空消息，body 可为 nil。
	CreateMessage(body []byte, properties, headers map[string]string) *Message
	// DeclareQueue 确保队列存在；不需要声明的后端直接返回 nil。
	DeclareQueue(ctx context.Context, queue string) error
	CreateProducer() (Sender, error)
	CreateConsumer(queue string) (Receiver, error)
	Close() error
}

// Sender 向指定队列发送消息。
type Sender interface {
	Send(ctx context.Context, queue string, msg *Message) error
}

// Receiver 从单个队列拉取消息。
type Receiver interface {
	Queue() string
	// Receive 等待至多 timeout；超时无消息时返回 nil, nil。
	Receive(ctx context.Context, timeout time.Duration) (*Message, error)
	Acknowledge(ctx context.Context, msg *Message) error
	// Reject 拒绝消息，requeue 为 true 时以 Redelivered 重新入队。
	Reject(ctx context.Context, msg *Message, requeue bool) error
}

func newMessage(body []byte, properties, headers map[string]string) *Message {
	return &Message{
		Body:       body,
		Properties: copyHeaders(properties),
		Headers:    copyHeaders(headers),
	}
}

// sleepCtx 等待 d 或 ctx 取消。
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

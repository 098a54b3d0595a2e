package mqkit

import (
	"context"
	"time"
)

// NullConnection 丢弃所有发送、永不产生消息的传输，用于禁用队列或测试。
type NullConnection struct{}

func NewNullConnection() *NullConnection { return &NullConnection{} }

func (*NullConnection) Kind() string                    { return KindNull }
func (*NullConnection) CreateSession() (Session, error) { return nullSession{}, nil }
func (*NullConnection) Close() error                    { return nil }

type nullSession struct{}

func (nullSession) CreateMessage(body []byte, properties, headers map[string]string) *Message {
	return newMessage(body, properties, headers)
}
func (nullSession) DeclareQueue(ctx context.Context, queue string) error { return nil }
func (nullSession) CreateProducer() (Sender, error)                      { return nullSender{}, nil }
func (nullSession) CreateConsumer(queue string) (Receiver, error) {
	return nullReceiver{queue: queue}, nil
}
func (nullSession) Close() error { return nil }

type nullSender struct{}

func (nullSender) Send(ctx context.Context, queue string, msg *Message) error { return nil }

type nullReceiver struct{ queue string }

func (r nullReceiver) Queue() string { return r.queue }

// Receive 等待超时后返回空，避免消费循环空转。
func (r nullReceiver) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	if err := sleepCtx(ctx, timeout); err != nil {
		return nil, err
	}
	return nil, nil
}
func (nullReceiver) Acknowledge(ctx context.Context, msg *Message) error          { return nil }
func (nullReceiver) Reject(ctx context.Context, msg *Message, requeue bool) error { return nil }

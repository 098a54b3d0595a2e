package mqkit

import (
	"context"
	"fmt"
)

const (
	headerEventType    = "type"
	headerEventSubject = "subject"
)

// Event 领域事件，通过客户端 Producer 以主题消息发布。
type Event struct {
	Topic    string
	Type     string
	Subject  string
	Metadata map[string]string
	Payload  []byte
}

type Filter func(e Event) bool

// FilterByType 仅接收指定类型的事件。
func FilterByType(t string) Filter { return func(e Event) bool { return e.Type == t } }

// EventHandler 处理事件；返回 error 时消息重新入队。
type EventHandler func(ctx context.Context, e Event) error

// EventBus 基于主题路由的事件发布与订阅。
type EventBus struct {
	producer Producer
	topics   *TopicRegistry
	registry *ProcessorRegistry
}

// NewEventBus 由 Producer 与注册表构造；通常通过 Container.EventBus 获取。
func NewEventBus(producer Producer, topics *TopicRegistry, registry *ProcessorRegistry) *EventBus {
	return &EventBus{producer: producer, topics: topics, registry: registry}
}

func (b *EventBus) Publish(ctx context.Context, e Event, opts ...SendOption) error {
	if e.Topic == "" {
		return fmt.Errorf("%w: event topic empty", ErrInvalidConfig)
	}
	all := make([]SendOption, 0, len(e.Metadata)+2+len(opts))
	for k, v := range e.Metadata {
		all = append(all, WithHeader(k, v))
	}
	if e.Type != "" {
		all = append(all, WithHeader(headerEventType, e.Type))
	}
	if e.Subject != "" {
		all = append(all, WithHeader(headerEventSubject, e.Subject))
	}
	all = append(all, opts...)
	payload := e.Payload
	if payload == nil {
		payload = []byte{}
	}
	return b.producer.Send(ctx, e.Topic, payload, all...)
}

// Subscribe 注册名为 name 的处理器订阅 topic；filter 不匹配的事件直接确认。
// queue 为空时使用默认队列。
func (b *EventBus) Subscribe(topic, name, queue string, filter Filter, handler EventHandler, mws ...Middleware) {
	p := ProcessorFunc(func(ctx context.Context, m *Message, s Session) (Status, error) {
		e := eventFromMessage(m)
		if filter != nil && !filter(e) {
			return StatusAck, nil
		}
		if err := handler(ctx, e); err != nil {
			return StatusRequeue, err
		}
		return StatusAck, nil
	})
	b.registry.Set(name, Chain(p, mws...))
	b.topics.Subscribe(topic, name, queue)
}

func eventFromMessage(m *Message) Event {
	meta := copyHeaders(m.Headers)
	e := Event{Topic: m.Property(PropertyTopicName), Payload: m.Body, Metadata: meta}
	if t, ok := meta[headerEventType]; ok {
		e.Type = t
		delete(meta, headerEventType)
	}
	if s, ok := meta[headerEventSubject]; ok {
		e.Subject = s
		delete(meta, headerEventSubject)
	}
	return e
}

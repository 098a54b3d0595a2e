package mqkit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Producer 按主题发送消息。
type Producer interface {
	// Send 发送 body 到 topic。body 可为 string、[]byte、*Message 或可 JSON 编码的值。
	Send(ctx context.Context, topic string, body interface{}, opts ...SendOption) error
}

// SendOption 发送选项。
type SendOption func(*sendOpts)

type sendOpts struct {
	priority    *Priority
	delay       time.Duration
	processor   string
	queue       string
	headers     map[string]string
	messageID   string
	contentType string
}

// WithPriority 指定优先级。
func WithPriority(p Priority) SendOption { return func(o *sendOpts) { o.priority = &p } }

// WithDelay 指定延时投递。
func WithDelay(d time.Duration) SendOption { return func(o *sendOpts) { o.delay = d } }

// WithProcessor 跳过路由，直接投递给指定处理器。
func WithProcessor(name string) SendOption { return func(o *sendOpts) { o.processor = name } }

// WithQueue 与 WithProcessor 配合使用，指定目标队列，默认为 default 队列。
func WithQueue(name string) SendOption { return func(o *sendOpts) { o.queue = name } }

// WithHeader 追加消息头。
func WithHeader(k, v string) SendOption {
	return func(o *sendOpts) {
		if o.headers == nil {
			o.headers = map[string]string{}
		}
		o.headers[k] = v
	}
}

// WithMessageID 指定消息 ID，默认生成 UUID。
func WithMessageID(id string) SendOption { return func(o *sendOpts) { o.messageID = id } }

// WithContentType 指定内容类型。
func WithContentType(ct string) SendOption { return func(o *sendOpts) { o.contentType = ct } }

func applySendOpts(opts []SendOption) *sendOpts {
	o := &sendOpts{}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// MessageProducer 客户端生产者：未指定处理器的消息经由路由队列分发给订阅者。
type MessageProducer struct {
	driver Driver
}

func NewMessageProducer(driver Driver) *MessageProducer {
	return &MessageProducer{driver: driver}
}

func (p *MessageProducer) Send(ctx context.Context, topic string, body interface{}, opts ...SendOption) error {
	if topic == "" {
		return fmt.Errorf("topic empty")
	}
	o := applySendOpts(opts)
	msg, err := p.buildMessage(body, o)
	if err != nil {
		return fmt.Errorf("build message (topic=%s): %w", topic, err)
	}
	cfg := p.driver.Config()
	msg.SetProperty(PropertyTopicName, topic)

	var queue string
	if msg.Property(PropertyProcessorName) == "" {
		msg.SetProperty(PropertyProcessorName, cfg.RouterProcessorName())
		queue = cfg.RouterQueueName()
	} else {
		queue = msg.Property(PropertyQueueName)
		if queue == "" {
			queue = cfg.DefaultQueueName()
		}
	}
	msg.SetProperty(PropertyQueueName, queue)
	return p.driver.Send(ctx, queue, msg)
}

func (p *MessageProducer) buildMessage(body interface{}, o *sendOpts) (*Message, error) {
	msg := p.driver.CreateTransportMessage()
	switch b := body.(type) {
	case nil:
	case *Message:
		msg = b.Clone()
		msg.Delay = b.Delay
	case []byte:
		msg.Body = b
	case string:
		msg.Body = []byte(b)
		msg.ContentType = "text/plain"
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		msg.Body = data
		msg.ContentType = "application/json"
	}
	if o.contentType != "" {
		msg.ContentType = o.contentType
	}
	for k, v := range o.headers {
		msg.SetHeader(k, v)
	}
	if o.priority != nil {
		msg.Priority = *o.priority
	} else if _, ok := body.(*Message); !ok {
		msg.Priority = PriorityNormal
	}
	if o.delay > 0 {
		msg.Delay = o.delay
	}
	if o.processor != "" {
		msg.SetProperty(PropertyProcessorName, o.processor)
	}
	if o.queue != "" {
		msg.SetProperty(PropertyQueueName, o.queue)
	}
	if o.messageID != "" {
		msg.ID = o.messageID
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return msg, nil
}

// Trace 记录一次发送。
type Trace struct {
	Topic    string
	Body     interface{}
	Priority Priority
	Delay    time.Duration
	Err      error
}

// TraceableProducer 装饰 Producer 并记录所有发送，用于测试与调试。
type TraceableProducer struct {
	inner Producer

	mu     sync.Mutex
	traces []Trace
}

func NewTraceableProducer(inner Producer) *TraceableProducer {
	return &TraceableProducer{inner: inner}
}

func (t *TraceableProducer) Send(ctx context.Context, topic string, body interface{}, opts ...SendOption) error {
	err := t.inner.Send(ctx, topic, body, opts...)
	o := applySendOpts(opts)
	tr := Trace{Topic: topic, Body: body, Priority: PriorityNormal, Delay: o.delay, Err: err}
	if o.priority != nil {
		tr.Priority = *o.priority
	}
	t.mu.Lock()
	t.traces = append(t.traces, tr)
	t.mu.Unlock()
	return err
}

// Traces 返回记录的副本。
func (t *TraceableProducer) Traces() []Trace {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Trace, len(t.traces))
	copy(out, t.traces)
	return out
}

// TopicTraces 返回指定主题的记录。
func (t *TraceableProducer) TopicTraces(topic string) []Trace {
	var out []Trace
	for _, tr := range t.Traces() {
		if tr.Topic == topic {
			out = append(out, tr)
		}
	}
	return out
}

// Clear 清空记录。
func (t *TraceableProducer) Clear() {
	t.mu.Lock()
	t.traces = nil
	t.mu.Unlock()
}

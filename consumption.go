package mqkit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Context 为一次消费周期的上下文，在扩展之间传递。
type Context struct {
	Session   Session
	Receiver  Receiver
	Processor Processor
	// QueueName 传输层队列名。
	QueueName string
	Message   *Message
	// ProcessorName 为消息属性中的处理器名，未收到消息时为空。
	ProcessorName string
	Status        Status
	Err           error
	Logger        Logger
	StartedAt     time.Time
	// ReceivedAt 收到当前消息的时间。
	ReceivedAt time.Time

	mu          sync.Mutex
	interrupted bool
	reason      string
}

// Interrupt 请求在当前周期结束后停止消费。
func (c *Context) Interrupt(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.interrupted {
		c.interrupted = true
		c.reason = reason
	}
}

func (c *Context) Interrupted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupted
}

func (c *Context) InterruptedReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Extension 消费循环的钩子。
type Extension interface {
	// OnStart 在消费开始前调用一次。
	OnStart(ctx context.Context, c *Context)
	// OnBeforeReceive 每次拉取前调用。
	OnBeforeReceive(ctx context.Context, c *Context)
	// OnPreReceived 收到消息、处理前调用；设置 Status 可跳过处理器。
	OnPreReceived(ctx context.Context, c *Context)
	// OnPostReceived 消息确认后调用。
	OnPostReceived(ctx context.Context, c *Context)
	// OnIdle 拉取超时无消息时调用。
	OnIdle(ctx context.Context, c *Context)
	// OnInterrupted 消费停止时调用一次。
	OnInterrupted(ctx context.Context, c *Context)
}

// BaseExtension 提供空实现，供具体扩展嵌入。
type BaseExtension struct{}

func (BaseExtension) OnStart(context.Context, *Context)         {}
func (BaseExtension) OnBeforeReceive(context.Context, *Context) {}
func (BaseExtension) OnPreReceived(context.Context, *Context)   {}
func (BaseExtension) OnPostReceived(context.Context, *Context)  {}
func (BaseExtension) OnIdle(context.Context, *Context)          {}
func (BaseExtension) OnInterrupted(context.Context, *Context)   {}

// ChainExtension 按顺序调用多个扩展。
type ChainExtension []Extension

// NewChainExtension 忽略 nil 扩展。
func NewChainExtension(exts ...Extension) ChainExtension {
	out := make(ChainExtension, 0, len(exts))
	for _, e := range exts {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (ch ChainExtension) OnStart(ctx context.Context, c *Context) {
	for _, e := range ch {
		e.OnStart(ctx, c)
	}
}

func (ch ChainExtension) OnBeforeReceive(ctx context.Context, c *Context) {
	for _, e := range ch {
		e.OnBeforeReceive(ctx, c)
	}
}

func (ch ChainExtension) OnPreReceived(ctx context.Context, c *Context) {
	for _, e := range ch {
		e.OnPreReceived(ctx, c)
	}
}

func (ch ChainExtension) OnPostReceived(ctx context.Context, c *Context) {
	for _, e := range ch {
		e.OnPostReceived(ctx, c)
	}
}

func (ch ChainExtension) OnIdle(ctx context.Context, c *Context) {
	for _, e := range ch {
		e.OnIdle(ctx, c)
	}
}

func (ch ChainExtension) OnInterrupted(ctx context.Context, c *Context) {
	for _, e := range ch {
		e.OnInterrupted(ctx, c)
	}
}

// ConsumerOption 配置 QueueConsumer。
type ConsumerOption func(*QueueConsumer)

// WithReceiveTimeout 单次拉取的最长等待时间，默认 1s。
func WithReceiveTimeout(d time.Duration) ConsumerOption {
	return func(q *QueueConsumer) {
		if d > 0 {
			q.receiveTimeout = d
		}
	}
}

// WithIdleTimeout 无消息时休眠时长，默认 0。
func WithIdleTimeout(d time.Duration) ConsumerOption {
	return func(q *QueueConsumer) { q.idleTimeout = d }
}

// WithConsumerLogger 注入日志。
func WithConsumerLogger(l Logger) ConsumerOption {
	return func(q *QueueConsumer) {
		if l != nil {
			q.logger = l
		}
	}
}

type binding struct {
	queue     string
	processor Processor
}

// QueueConsumer 从一个或多个队列轮询消费，并驱动扩展钩子。
type QueueConsumer struct {
	conn           Connection
	ext            Extension
	logger         Logger
	receiveTimeout time.Duration
	idleTimeout    time.Duration
	bindings       []binding
}

// NewQueueConsumer ext 为所有 Consume 调用共享的扩展，可为 nil。
func NewQueueConsumer(conn Connection, ext Extension, opts ...ConsumerOption) *QueueConsumer {
	q := &QueueConsumer{conn: conn, ext: ext, logger: NopLogger(), receiveTimeout: time.Second}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Bind 绑定传输层队列与处理器；同一队列重复绑定时覆盖。
func (q *QueueConsumer) Bind(queue string, p Processor) *QueueConsumer {
	for i := range q.bindings {
		if q.bindings[i].queue == queue {
			q.bindings[i].processor = p
			return q
		}
	}
	q.bindings = append(q.bindings, binding{queue: queue, processor: p})
	return q
}

// Queues 返回已绑定的队列名。
func (q *QueueConsumer) Queues() []string {
	out := make([]string, 0, len(q.bindings))
	for _, b := range q.bindings {
		out = append(out, b.queue)
	}
	return out
}

// Consume 循环消费直到 ctx 取消或扩展中断（返回 nil），传输错误时返回 error。
// ext 与构造时的扩展合并，构造时的扩展先执行。
func (q *QueueConsumer) Consume(ctx context.Context, ext Extension) error {
	if len(q.bindings) == 0 {
		return fmt.Errorf("no queues bound to consumer")
	}
	chain := NewChainExtension(q.ext, ext)
	session, err := q.conn.CreateSession()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer session.Close()

	receivers := make([]Receiver, len(q.bindings))
	for i, b := range q.bindings {
		if err := session.DeclareQueue(ctx, b.queue); err != nil {
			return fmt.Errorf("declare queue %s: %w", b.queue, err)
		}
		r, err := session.CreateConsumer(b.queue)
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", b.queue, err)
		}
		receivers[i] = r
	}

	start := &Context{Session: session, Logger: q.logger, StartedAt: time.Now()}
	chain.OnStart(ctx, start)
	if start.Interrupted() {
		chain.OnInterrupted(ctx, start)
		return nil
	}

	for {
		for i, b := range q.bindings {
			c := &Context{
				Session:   session,
				Receiver:  receivers[i],
				Processor: b.processor,
				QueueName: b.queue,
				Logger:    q.logger,
				StartedAt: start.StartedAt,
			}
			stop, err := q.consumeOnce(ctx, chain, c)
			if err != nil {
				c.Interrupt(err.Error())
				chain.OnInterrupted(ctx, c)
				return err
			}
			if stop {
				chain.OnInterrupted(ctx, c)
				return nil
			}
		}
	}
}

// consumeOnce 执行一次拉取与处理，返回是否应停止。
func (q *QueueConsumer) consumeOnce(ctx context.Context, chain Extension, c *Context) (bool, error) {
	if ctx.Err() != nil {
		c.Interrupt("context done")
		return true, nil
	}
	chain.OnBeforeReceive(ctx, c)
	if c.Interrupted() {
		return true, nil
	}

	msg, err := c.Receiver.Receive(ctx, q.receiveTimeout)
	if err != nil {
		if ctx.Err() != nil {
			c.Interrupt("context done")
			return true, nil
		}
		return false, fmt.Errorf("receive from %s: %w", c.QueueName, err)
	}

	if msg == nil {
		if q.idleTimeout > 0 {
			_ = sleepCtx(ctx, q.idleTimeout)
		}
		chain.OnIdle(ctx, c)
		return q.shouldStop(ctx, c), nil
	}

	c.Message = msg
	c.ReceivedAt = time.Now()
	c.ProcessorName = msg.Property(PropertyProcessorName)
	chain.OnPreReceived(ctx, c)
	if c.Status == "" {
		c.Status, c.Err = q.process(ctx, c)
	}
	if c.Err != nil {
		q.logger.Error(ctx, "message processing failed",
			"queue", c.QueueName, "message_id", msg.ID, "processor", c.ProcessorName, "error", c.Err)
	}

	// 确认使用独立 context，确保 ctx 取消时已处理的消息仍被确认
	settleCtx := context.WithoutCancel(ctx)
	switch c.Status {
	case StatusAck:
		err = c.Receiver.Acknowledge(settleCtx, msg)
	case StatusReject:
		err = c.Receiver.Reject(settleCtx, msg, false)
	case StatusRequeue:
		err = c.Receiver.Reject(settleCtx, msg, true)
	default:
		return false, fmt.Errorf("unsupported status %q (queue=%s message_id=%s)", c.Status, c.QueueName, msg.ID)
	}
	if err != nil {
		return false, fmt.Errorf("settle message %s (%s): %w", msg.ID, c.Status, err)
	}

	chain.OnPostReceived(ctx, c)
	return q.shouldStop(ctx, c), nil
}

func (q *QueueConsumer) shouldStop(ctx context.Context, c *Context) bool {
	if ctx.Err() != nil {
		c.Interrupt("context done")
	}
	return c.Interrupted()
}

func (q *QueueConsumer) process(ctx context.Context, c *Context) (status Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			status, err = StatusRequeue, fmt.Errorf("processor panic: %v", r)
		}
	}()
	status, err = c.Processor.Process(ctx, c.Message, c.Session)
	if err != nil && status == "" {
		status = StatusRequeue
	}
	if status == "" {
		status = StatusAck
	}
	return status, err
}

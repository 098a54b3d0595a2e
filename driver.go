package mqkit

import (
	"context"
	"fmt"
	"sync"
)

// Driver 将传输连接适配为客户端使用的发送与队列声明接口。
// 入参中的队列名均为客户端名，由 Driver 转换为传输层名称。
type Driver interface {
	CreateTransportMessage() *Message
	Send(ctx context.Context, queueName string, msg *Message) error
	DeclareQueue(ctx context.Context, queueName string) error
	Config() ClientConfig
	Session() Session
}

// DriverConstructor 基于会话创建 Driver。
type DriverConstructor func(session Session, cfg ClientConfig) Driver

// DefaultDriverMapping 内置的连接类型到 Driver 的映射。
func DefaultDriverMapping() map[string]DriverConstructor {
	return map[string]DriverConstructor{
		KindNull:     NewNullDriver,
		KindDbal:     NewDbalDriver,
		KindDbalLazy: NewDbalDriver,
		KindAmqp:     NewAmqpDriver,
		KindRedis:    NewRedisDriver,
		KindMemory:   NewGenericDriver,
	}
}

// DriverFactory 按连接类型选择 Driver 实现。
type DriverFactory struct {
	ctors map[string]DriverConstructor
}

func NewDriverFactory(mapping map[string]DriverConstructor) *DriverFactory {
	m := make(map[string]DriverConstructor, len(mapping))
	for k, v := range mapping {
		m[k] = v
	}
	return &DriverFactory{ctors: m}
}

// Create 为连接创建会话与 Driver。
func (f *DriverFactory) Create(conn Connection, cfg ClientConfig) (Driver, error) {
	ctor, ok := f.ctors[conn.Kind()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedConnection, conn.Kind())
	}
	session, err := conn.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("create session (%s): %w", conn.Kind(), err)
	}
	return ctor(session, cfg), nil
}

// GenericDriver 适用于任何传输的基础实现。
type GenericDriver struct {
	session Session
	cfg     ClientConfig

	// declareOnSend 为 true 时首次发送前声明队列（AMQP 需要）。
	declareOnSend bool

	mu       sync.Mutex
	sender   Sender
	declared map[string]bool
}

func newGenericDriver(session Session, cfg ClientConfig) *GenericDriver {
	return &GenericDriver{session: session, cfg: cfg, declared: map[string]bool{}}
}

// NewGenericDriver 创建基础 Driver。
func NewGenericDriver(session Session, cfg ClientConfig) Driver {
	return newGenericDriver(session, cfg)
}

func (d *GenericDriver) Config() ClientConfig { return d.cfg }
func (d *GenericDriver) Session() Session     { return d.session }

func (d *GenericDriver) CreateTransportMessage() *Message {
	return d.session.CreateMessage(nil, nil, nil)
}

func (d *GenericDriver) DeclareQueue(ctx context.Context, queueName string) error {
	d.mu.Lock()
	ok := d.declared[queueName]
	d.mu.Unlock()
	if ok {
		return nil
	}
	if err := d.session.DeclareQueue(ctx, d.cfg.TransportQueueName(queueName)); err != nil {
		return err
	}
	d.mu.Lock()
	d.declared[queueName] = true
	d.mu.Unlock()
	return nil
}

func (d *GenericDriver) producer() (Sender, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sender != nil {
		return d.sender, nil
	}
	s, err := d.session.CreateProducer()
	if err != nil {
		return nil, err
	}
	d.sender = s
	return s, nil
}

func (d *GenericDriver) Send(ctx context.Context, queueName string, msg *Message) error {
	if d.declareOnSend {
		if err := d.DeclareQueue(ctx, queueName); err != nil {
			return err
		}
	}
	if msg.Priority < PriorityVeryLow {
		msg.Priority = PriorityVeryLow
	}
	if msg.Priority > PriorityVeryHigh {
		msg.Priority = PriorityVeryHigh
	}
	p, err := d.producer()
	if err != nil {
		return err
	}
	return p.Send(ctx, d.cfg.TransportQueueName(queueName), msg)
}

// NullDriver 对应 NullConnection，发送的消息被丢弃。
type NullDriver struct{ *GenericDriver }

func NewNullDriver(session Session, cfg ClientConfig) Driver {
	return NullDriver{newGenericDriver(session, cfg)}
}

// DbalDriver 对应 Dbal 与 DbalLazy 连接，优先级与延时由表字段原生支持。
type DbalDriver struct{ *GenericDriver }

func NewDbalDriver(session Session, cfg ClientConfig) Driver {
	return DbalDriver{newGenericDriver(session, cfg)}
}

// AmqpDriver 首次向队列发送前声明优先级队列。
type AmqpDriver struct{ *GenericDriver }

func NewAmqpDriver(session Session, cfg ClientConfig) Driver {
	d := newGenericDriver(session, cfg)
	d.declareOnSend = true
	return AmqpDriver{d}
}

// RedisDriver 对应 Redis Streams，忽略优先级。
type RedisDriver struct{ *GenericDriver }

func NewRedisDriver(session Session, cfg ClientConfig) Driver {
	return RedisDriver{newGenericDriver(session, cfg)}
}

func (d RedisDriver) Send(ctx context.Context, queueName string, msg *Message) error {
	msg.Priority = PriorityNormal
	return d.GenericDriver.Send(ctx, queueName, msg)
}

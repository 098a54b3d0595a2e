package mqkit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DelayMode 用于 RabbitMQ 延时消息兼容模式。
type DelayMode string

const (
	DelayModeStandard DelayMode = "standard" // 使用 x-delayed-message 插件（x-delay）
	DelayModeAliyun   DelayMode = "aliyun"   // 使用阿里云原生（delay）
)

const amqpPropertiesHeader = "mqkit.properties"

// AmqpConfig RabbitMQ 传输配置。
type AmqpConfig struct {
	URI string `yaml:"uri"`
	// Exchange 为空时使用默认交换机，routing key 即队列名。
	Exchange        string    `yaml:"exchange"`
	DelayedExchange string    `yaml:"delayed_exchange"`
	DelayMode       DelayMode `yaml:"delay_mode"`
	Prefetch        int       `yaml:"prefetch"`
	// MaxPriority 声明队列时的 x-max-priority，默认 4。
	MaxPriority int `yaml:"max_priority"`
	// ConfirmTimeout 发布确认等待时间（毫秒），默认 5000。
	ConfirmTimeout int `yaml:"confirm_timeout"`
}

func (c AmqpConfig) confirmTimeout() time.Duration {
	if c.ConfirmTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ConfirmTimeout) * time.Millisecond
}

func (c *AmqpConfig) setDefaults() {
	if c.DelayMode == "" {
		c.DelayMode = DelayModeStandard
	}
	if c.MaxPriority <= 0 {
		c.MaxPriority = int(PriorityVeryHigh)
	}
}

// AmqpConnection 基于 amqp091-go 的传输连接，断线后在下次使用时重连。
type AmqpConnection struct {
	cfg    AmqpConfig
	logger Logger

	connMu sync.Mutex
	conn   *amqp.Connection
	closed bool
}

// NewAmqpConnection 建立连接并声明交换机。
func NewAmqpConnection(cfg AmqpConfig, logger Logger) (*AmqpConnection, error) {
	cfg.setDefaults()
	if cfg.URI == "" {
		return nil, fmt.Errorf("%w: amqp uri empty", ErrInvalidConfig)
	}
	if logger == nil {
		logger = NopLogger()
	}
	c := &AmqpConnection{cfg: cfg, logger: logger}
	if err := c.ensureConnection(); err != nil {
		return nil, err
	}
	if err := c.declareTopology(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// SetLogger 替换连接日志。
func (c *AmqpConnection) SetLogger(l Logger) {
	if l != nil {
		c.logger = l
	}
}

func (*AmqpConnection) Kind() string { return KindAmqp }

func (c *AmqpConnection) ensureConnection() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}
	// amqp.Dial 自动支持 amqp:// 和 amqps://
	conn, err := amqp.Dial(c.cfg.URI)
	if err != nil {
		return fmt.Errorf("rabbitmq connection failed: %w", err)
	}
	c.conn = conn
	return nil
}

func (c *AmqpConnection) channel() (*amqp.Channel, error) {
	if err := c.ensureConnection(); err != nil {
		return nil, err
	}
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel creation failed: %w", err)
	}
	return ch, nil
}

func (c *AmqpConnection) declareTopology() error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if c.cfg.Exchange != "" {
		c.logger.Info(context.Background(), "declare exchange", "exchange", c.cfg.Exchange)
		if err := ch.ExchangeDeclare(c.cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
			return err
		}
	}
	// 延时交换机仅在 standard 模式下声明
	if c.cfg.DelayMode == DelayModeStandard && c.cfg.DelayedExchange != "" {
		args := amqp.Table{"x-delayed-type": "direct"}
		c.logger.Info(context.Background(), "declare delayed exchange", "exchange", c.cfg.DelayedExchange)
		if err := ch.ExchangeDeclare(c.cfg.DelayedExchange, "x-delayed-message", true, false, false, false, args); err != nil {
			return err
		}
	}
	return nil
}

func (c *AmqpConnection) CreateSession() (Session, error) {
	if err := c.ensureConnection(); err != nil {
		return nil, err
	}
	return &amqpSession{c: c}, nil
}

func (c *AmqpConnection) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.closed = true
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}

// amqpSession 记录创建的接收者，Close 时关闭其 Channel，未确认的投递退回队列。
type amqpSession struct {
	c *AmqpConnection

	mu        sync.Mutex
	receivers []*amqpReceiver
	closed    bool
}

func (s *amqpSession) CreateMessage(body []byte, properties, headers map[string]string) *Message {
	return newMessage(body, properties, headers)
}

// DeclareQueue 声明持久化优先级队列，并绑定到普通与延时交换机。
func (s *amqpSession) DeclareQueue(ctx context.Context, queue string) error {
	ch, err := s.c.channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	args := amqp.Table{"x-max-priority": int32(s.c.cfg.MaxPriority)}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("rabbitmq queue declare (queue=%s): %w", queue, err)
	}
	if s.c.cfg.Exchange != "" {
		s.c.logger.Debug(ctx, "queue bind", "queue", queue, "exchange", s.c.cfg.Exchange)
		if err := ch.QueueBind(queue, queue, s.c.cfg.Exchange, false, nil); err != nil {
			return err
		}
	}
	if s.c.cfg.DelayMode == DelayModeStandard && s.c.cfg.DelayedExchange != "" {
		s.c.logger.Debug(ctx, "queue bind", "queue", queue, "exchange", s.c.cfg.DelayedExchange)
		if err := ch.QueueBind(queue, queue, s.c.cfg.DelayedExchange, false, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *amqpSession) CreateProducer() (Sender, error) { return &amqpSender{c: s.c}, nil }

func (s *amqpSession) CreateConsumer(queue string) (Receiver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrConnectionClosed
	}
	r := &amqpReceiver{c: s.c, queue: queue, deliveries: map[*Message]amqp.Delivery{}}
	s.receivers = append(s.receivers, r)
	return r, nil
}

func (s *amqpSession) Close() error {
	s.mu.Lock()
	receivers := s.receivers
	s.receivers, s.closed = nil, true
	s.mu.Unlock()
	var errs []error
	for _, r := range receivers {
		if err := r.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type amqpSender struct{ c *AmqpConnection }

func (p *amqpSender) Send(ctx context.Context, queue string, msg *Message) error {
	ch, err := p.c.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	exchange := p.c.cfg.Exchange
	// 延时插件不支持 mandatory，经延时交换机的消息不检查路由
	mandatory := true
	headers := toAmqpHeaders(msg)
	if msg.Delay > 0 {
		ms := int64(msg.Delay / time.Millisecond)
		switch p.c.cfg.DelayMode {
		case DelayModeAliyun:
			headers["delay"] = strconv.FormatInt(ms, 10)
		default:
			if p.c.cfg.DelayedExchange == "" {
				return fmt.Errorf("%w: delayed exchange required in standard mode", ErrInvalidConfig)
			}
			headers["x-delay"] = ms
			exchange = p.c.cfg.DelayedExchange
			mandatory = false
		}
	}
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("rabbitmq enable confirms: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	rets := ch.NotifyReturn(make(chan amqp.Return, 1))
	err = ch.PublishWithContext(ctx, exchange, queue, mandatory, false, amqp.Publishing{
		ContentType:  contentTypeOr(msg.ContentType, "application/octet-stream"),
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Priority:     uint8(msg.Priority),
		Headers:      headers,
		Body:         msg.Body,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish failed (queue=%s): %w", queue, err)
	}
	return awaitConfirm(ctx, queue, confirms, rets, p.c.cfg.confirmTimeout())
}

// awaitConfirm 等待 broker 确认。broker 在 ack 之前发送 basic.return，
// 因此收到 ack 后再检查一次 return。
func awaitConfirm(ctx context.Context, queue string, confirms <-chan amqp.Confirmation, rets <-chan amqp.Return, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case ret := <-rets:
		return fmt.Errorf("message unroutable to queue %s: %s (code=%d)", queue, ret.ReplyText, ret.ReplyCode)
	case c, ok := <-confirms:
		if !ok {
			return fmt.Errorf("rabbitmq channel closed before confirm (queue=%s)", queue)
		}
		if !c.Ack {
			return fmt.Errorf("rabbitmq nacked message (queue=%s)", queue)
		}
	case <-t.C:
		return fmt.Errorf("rabbitmq confirm timeout after %s (queue=%s)", timeout, queue)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case ret := <-rets:
		return fmt.Errorf("message unroutable to queue %s: %s (code=%d)", queue, ret.ReplyText, ret.ReplyCode)
	default:
		return nil
	}
}

type amqpReceiver struct {
	c     *AmqpConnection
	queue string

	mu         sync.Mutex
	ch         *amqp.Channel
	msgs       <-chan amqp.Delivery
	deliveries map[*Message]amqp.Delivery
	closed     bool
}

func (r *amqpReceiver) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	ch := r.ch
	r.ch, r.msgs = nil, nil
	r.deliveries = map[*Message]amqp.Delivery{}
	if ch == nil || ch.IsClosed() {
		return nil
	}
	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("rabbitmq close channel (queue=%s): %w", r.queue, err)
	}
	return nil
}

func (r *amqpReceiver) Queue() string { return r.queue }

func (r *amqpReceiver) subscribe() (<-chan amqp.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrConnectionClosed
	}
	if r.ch != nil && !r.ch.IsClosed() {
		return r.msgs, nil
	}
	ch, err := r.c.channel()
	if err != nil {
		return nil, err
	}
	if r.c.cfg.Prefetch > 0 {
		_ = ch.Qos(r.c.cfg.Prefetch, 0, false)
	}
	msgs, err := ch.Consume(r.queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("rabbitmq consume (queue=%s): %w", r.queue, err)
	}
	r.ch, r.msgs = ch, msgs
	return msgs, nil
}

func (r *amqpReceiver) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	msgs, err := r.subscribe()
	if err != nil {
		return nil, err
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, nil
	case d, ok := <-msgs:
		if !ok {
			// Channel 被服务器关闭，下次 Receive 重新订阅
			r.mu.Lock()
			r.ch = nil
			r.mu.Unlock()
			return nil, fmt.Errorf("rabbitmq channel closed (queue=%s)", r.queue)
		}
		msg := fromAmqpDelivery(d)
		r.mu.Lock()
		r.deliveries[msg] = d
		r.mu.Unlock()
		return msg, nil
	}
}

func (r *amqpReceiver) take(msg *Message) (amqp.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deliveries[msg]
	if !ok {
		return amqp.Delivery{}, errors.New("rabbitmq: message was not received by this consumer")
	}
	delete(r.deliveries, msg)
	return d, nil
}

func (r *amqpReceiver) Acknowledge(ctx context.Context, msg *Message) error {
	d, err := r.take(msg)
	if err != nil {
		return err
	}
	return d.Ack(false)
}

func (r *amqpReceiver) Reject(ctx context.Context, msg *Message, requeue bool) error {
	d, err := r.take(msg)
	if err != nil {
		return err
	}
	return d.Nack(false, requeue)
}

func toAmqpHeaders(msg *Message) amqp.Table {
	t := amqp.Table{}
	for k, v := range msg.Headers {
		t[k] = v
	}
	if len(msg.Properties) > 0 {
		props := amqp.Table{}
		for k, v := range msg.Properties {
			props[k] = v
		}
		t[amqpPropertiesHeader] = props
	}
	return t
}

func fromAmqpDelivery(d amqp.Delivery) *Message {
	msg := &Message{
		ID:          d.MessageId,
		Body:        d.Body,
		ContentType: d.ContentType,
		Timestamp:   d.Timestamp,
		Priority:    Priority(d.Priority),
		Redelivered: d.Redelivered,
		Headers:     map[string]string{},
		Properties:  map[string]string{},
	}
	for k, v := range d.Headers {
		switch k {
		case "x-delay", "delay":
			continue
		case amqpPropertiesHeader:
			if props, ok := v.(amqp.Table); ok {
				msg.Properties = tableToStringMap(props)
			}
			continue
		}
		if s, ok := headerString(v); ok {
			msg.Headers[k] = s
		}
	}
	return msg
}

func tableToStringMap(t amqp.Table) map[string]string {
	m := make(map[string]string, len(t))
	for k, v := range t {
		if s, ok := headerString(v); ok {
			m[k] = s
		}
	}
	return m
}

func headerString(v interface{}) (string, bool) {
	switch vv := v.(type) {
	case string:
		return vv, true
	case []byte:
		return string(vv), true
	case int32, int64, int, bool:
		return fmt.Sprintf("%v", vv), true
	}
	return "", false
}

func contentTypeOr(ct, def string) string {
	if ct == "" {
		return def
	}
	return ct
}

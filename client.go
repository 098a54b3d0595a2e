package mqkit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// MessageQueueExtension 维护传输工厂注册表，并根据 Config 装配 Container。
type MessageQueueExtension struct {
	mu        sync.RWMutex
	factories map[string]TransportFactory
}

// NewMessageQueueExtension 预注册内置工厂：default、null、memory、dbal、amqp、redis。
func NewMessageQueueExtension() *MessageQueueExtension {
	e := &MessageQueueExtension{factories: map[string]TransportFactory{}}
	e.MustAddTransportFactory(DefaultTransportFactory{})
	e.MustAddTransportFactory(NullTransportFactory{})
	e.MustAddTransportFactory(MemoryTransportFactory{})
	e.MustAddTransportFactory(DbalTransportFactory{})
	e.MustAddTransportFactory(AmqpTransportFactory{})
	e.MustAddTransportFactory(RedisTransportFactory{})
	return e
}

// AddTransportFactory 注册工厂；名称为空或重复时返回错误。
func (e *MessageQueueExtension) AddTransportFactory(f TransportFactory) error {
	name := f.Name()
	if name == "" {
		return ErrEmptyFactoryName
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.factories[name]; ok {
		return fmt.Errorf("%w. name %s", ErrDuplicateFactory, name)
	}
	e.factories[name] = f
	return nil
}

// MustAddTransportFactory 同 AddTransportFactory，出错时 panic（启动期错误）。
func (e *MessageQueueExtension) MustAddTransportFactory(f TransportFactory) {
	if err := e.AddTransportFactory(f); err != nil {
		panic(err)
	}
}

// TransportFactory 按名称查找工厂。
func (e *MessageQueueExtension) TransportFactory(name string) (TransportFactory, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.factories[name]
	return f, ok
}

// FactoryNames 返回已注册的工厂名，按字典序。
func (e *MessageQueueExtension) FactoryNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.factories))
	for n := range e.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Option 在装配前调整 Container 的默认行为。
type Option func(*Container)

// WithLogger 注入自定义日志实现。
func WithLogger(l Logger) Option {
	return func(c *Container) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics 启用 Prometheus 消费指标。
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Container) { c.metricsReg = reg }
}

// WithJobStorage 指定任务存储；默认在配置了 redis 传输时使用 Redis，否则使用内存。
func WithJobStorage(s JobStorage) Option {
	return func(c *Container) { c.jobStorage = s }
}

// WithProcessorMiddleware 为消费者的处理器追加中间件（如幂等）。
func WithProcessorMiddleware(mws ...Middleware) Option {
	return func(c *Container) { c.middlewares = append(c.middlewares, mws...) }
}

// WithDriverMapping 覆盖连接类型到 Driver 的映射。
func WithDriverMapping(m map[string]DriverConstructor) Option {
	return func(c *Container) { c.driverMapping = m }
}

// New 使用内置工厂装配 Container。
func New(ctx context.Context, cfg Config, opts ...Option) (*Container, error) {
	return NewMessageQueueExtension().Load(ctx, cfg, opts...)
}

// Load 校验配置、创建连接并装配客户端与消费扩展。
// cfg 未经 ParseConfig 时会先应用默认值。
func (e *MessageQueueExtension) Load(ctx context.Context, cfg Config, opts ...Option) (*Container, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Container{
		cfg:           cfg,
		logger:        NewLogger(os.Stderr, cfg.Logger.Level),
		connections:   map[string]Connection{},
		driverMapping: DefaultDriverMapping(),
		topics:        NewTopicRegistry(),
		processors:    NewProcessorRegistry(),
		services:      NewServiceContainer(),
		jobConfig:     NewJobConfigurationProvider(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := e.loadTransports(ctx, c); err != nil {
		_ = c.closeConnections()
		return nil, err
	}

	c.clearer = NewContainerClearer(c.services)
	c.resetExt = NewContainerResetExtension(c.clearer)
	if len(cfg.PersistentServices) > 0 {
		c.clearer.SetPersistentServices(cfg.PersistentServices)
	}
	if len(cfg.PersistentProcessors) > 0 {
		c.resetExt.SetPersistentProcessors(cfg.PersistentProcessors)
	}
	if !cfg.TimeBeforeStale.IsZero() {
		c.jobConfig.SetConfiguration(cfg.TimeBeforeStale)
	}
	if SignalsSupported {
		c.signalExt = NewSignalExtension()
	}
	if cfg.Client != nil {
		if err := c.loadClient(); err != nil {
			_ = c.closeConnections()
			return nil, err
		}
	}
	if c.metricsReg != nil {
		m, err := NewMetricsExtension(c.metricsReg, cfg.Client.prefixOr(DefaultPrefix))
		if err != nil {
			_ = c.closeConnections()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		c.metricsExt = m
	}
	if c.jobStorage == nil {
		c.jobStorage = c.defaultJobStorage()
	}
	c.jobProcessor = NewJobProcessor(c.jobStorage, c.jobConfig, c.logger)
	return c, nil
}

// loadTransports 按名称顺序创建连接，再解析 default 别名。
func (e *MessageQueueExtension) loadTransports(ctx context.Context, c *Container) error {
	names := make([]string, 0, len(c.cfg.Transport))
	for n := range c.cfg.Transport {
		names = append(names, n)
	}
	sort.Strings(names)

	aliases := map[string]string{}
	for _, name := range names {
		f, ok := e.TransportFactory(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTransport, name)
		}
		tc := c.cfg.Transport[name]
		if af, ok := f.(aliasFactory); ok {
			target, err := af.Alias(tc)
			if err != nil {
				return fmt.Errorf("transport %s: %w", name, err)
			}
			aliases[name] = target
			continue
		}
		conn, err := f.CreateConnection(ctx, tc)
		if err != nil {
			return fmt.Errorf("transport %s: %w", name, err)
		}
		if ls, ok := conn.(interface{ SetLogger(Logger) }); ok {
			ls.SetLogger(c.logger)
		}
		c.connections[name] = conn
		c.logger.Debug(ctx, "transport connection created", "transport", name, "kind", conn.Kind())
	}

	if target, ok := aliases["default"]; ok {
		if _, exists := c.connections[target]; !exists {
			return fmt.Errorf("%w: default transport points to unconfigured transport %q", ErrInvalidConfig, target)
		}
		c.defaultName = target
		return nil
	}
	switch len(c.connections) {
	case 0:
		c.connections["null"] = NewNullConnection()
		c.defaultName = "null"
	case 1:
		for n := range c.connections {
			c.defaultName = n
		}
	default:
		return fmt.Errorf("%w: several transports configured, set transport.default", ErrInvalidConfig)
	}
	return nil
}

// Container 持有 Load 装配出的全部组件。
type Container struct {
	cfg    Config
	logger Logger

	connections map[string]Connection
	defaultName string

	driverMapping map[string]DriverConstructor
	middlewares   []Middleware
	metricsReg    prometheus.Registerer

	clientCfg  ClientConfig
	driver     Driver
	producer   Producer
	traceable  *TraceableProducer
	topics     *TopicRegistry
	processors *ProcessorRegistry
	router     *RouterProcessor

	services   *ServiceContainer
	clearer    *ContainerClearer
	resetExt   *ContainerResetExtension
	delayExt   *DelayRedeliveredExtension
	signalExt  *SignalExtension
	metricsExt *MetricsExtension

	jobConfig    *JobConfigurationProvider
	jobStorage   JobStorage
	jobProcessor *JobProcessor

	closeOnce sync.Once
	closeErr  error
}

func (c *Container) loadClient() error {
	cs := c.cfg.Client
	c.clientCfg = NewClientConfig(cs.Prefix, cs.RouterProcessor, cs.RouterDestination, cs.DefaultDestination)
	driver, err := NewDriverFactory(c.driverMapping).Create(c.Connection(), c.clientCfg)
	if err != nil {
		return err
	}
	c.driver = driver
	c.producer = NewMessageProducer(driver)
	if cs.TraceableProducer {
		c.traceable = NewTraceableProducer(c.producer)
		c.producer = c.traceable
	}
	c.delayExt = NewDelayRedeliveredExtension(cs.RedeliveredDelay())
	c.router = NewRouterProcessor(driver, c.topics, c.logger)
	c.processors.Set(c.clientCfg.RouterProcessorName(), c.router)
	return nil
}

func (c *Container) defaultJobStorage() JobStorage {
	names := make([]string, 0, len(c.connections))
	for n := range c.connections {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if rc, ok := c.connections[n].(*RedisConnection); ok {
			return NewRedisJobStorage(rc.Client(), c.cfg.Client.prefixOr(DefaultPrefix))
		}
	}
	return NewMemoryJobStorage()
}

func (s *ClientSection) prefixOr(def string) string {
	if s == nil || s.Prefix == "" {
		return def
	}
	return s.Prefix
}

func (c *Container) Config() Config  { return c.cfg }
func (c *Container) Logger() Logger  { return c.logger }
func (c *Container) HasClient() bool { return c.driver != nil }

// Connection 返回默认连接。
func (c *Container) Connection() Connection { return c.connections[c.defaultName] }

// DefaultTransportName 返回默认连接对应的传输名。
func (c *Container) DefaultTransportName() string { return c.defaultName }

// ConnectionByName 按传输名返回连接。
func (c *Container) ConnectionByName(name string) (Connection, bool) {
	if name == "default" {
		name = c.defaultName
	}
	conn, ok := c.connections[name]
	return conn, ok
}

func (c *Container) ClientConfig() (ClientConfig, error) {
	if !c.HasClient() {
		return ClientConfig{}, ErrClientNotConfigured
	}
	return c.clientCfg, nil
}

func (c *Container) Driver() (Driver, error) {
	if !c.HasClient() {
		return nil, ErrClientNotConfigured
	}
	return c.driver, nil
}

// Producer 返回客户端 Producer；traceable_producer 开启时为 *TraceableProducer。
func (c *Container) Producer() (Producer, error) {
	if !c.HasClient() {
		return nil, ErrClientNotConfigured
	}
	return c.producer, nil
}

// TraceableProducer 仅在 traceable_producer 开启时返回 true。
func (c *Container) TraceableProducer() (*TraceableProducer, bool) {
	return c.traceable, c.traceable != nil
}

func (c *Container) Topics() *TopicRegistry         { return c.topics }
func (c *Container) Processors() *ProcessorRegistry { return c.processors }

// RouterProcessor 未配置 client 时为 nil。
func (c *Container) RouterProcessor() *RouterProcessor { return c.router }

// Subscribe 注册处理器并订阅主题；queue 为空表示默认队列。
func (c *Container) Subscribe(topic, processorName, queue string, p Processor) {
	c.processors.Set(processorName, p)
	c.topics.Subscribe(topic, processorName, queue)
}

// EventBus 返回基于客户端 Producer 与主题注册表的事件总线。
func (c *Container) EventBus() (*EventBus, error) {
	if !c.HasClient() {
		return nil, ErrClientNotConfigured
	}
	return NewEventBus(c.producer, c.topics, c.processors), nil
}

func (c *Container) Services() *ServiceContainer                           { return c.services }
func (c *Container) ContainerClearer() *ContainerClearer                   { return c.clearer }
func (c *Container) ContainerResetExtension() *ContainerResetExtension     { return c.resetExt }
func (c *Container) DelayRedeliveredExtension() *DelayRedeliveredExtension { return c.delayExt }

// SignalExtension 在不支持 POSIX 信号的平台上为 nil。
func (c *Container) SignalExtension() *SignalExtension { return c.signalExt }

// MetricsExtension 未启用指标时为 nil。
func (c *Container) MetricsExtension() *MetricsExtension { return c.metricsExt }

func (c *Container) JobConfigurationProvider() *JobConfigurationProvider { return c.jobConfig }
func (c *Container) JobStorage() JobStorage                              { return c.jobStorage }
func (c *Container) JobProcessor() *JobProcessor                         { return c.jobProcessor }

// JobRunner 返回新的任务运行器。
func (c *Container) JobRunner() *JobRunner { return NewJobRunner(c.jobProcessor) }

// ConsumptionExtensions 返回默认消费扩展链：信号、限制、重投延时、容器重置、孤儿回收、日志、指标。
func (c *Container) ConsumptionExtensions() ChainExtension {
	var exts []Extension
	if c.signalExt != nil {
		exts = append(exts, c.signalExt)
	}
	exts = append(exts, c.cfg.Consumer.LimitExtensions()...)
	if c.delayExt != nil {
		exts = append(exts, c.delayExt)
	}
	exts = append(exts, c.resetExt)
	if or, ok := c.Connection().(OrphanRedeliverer); ok {
		exts = append(exts, NewRedeliverOrphanMessagesExtension(or, 0))
	}
	exts = append(exts, NewLoggerExtension(c.logger))
	if c.metricsExt != nil {
		exts = append(exts, c.metricsExt)
	}
	return NewChainExtension(exts...)
}

// NewConsumer 创建绑定客户端队列的消费者；未指定队列时绑定路由队列与所有订阅涉及的队列。
func (c *Container) NewConsumer(queues ...string) (*QueueConsumer, error) {
	if !c.HasClient() {
		return nil, ErrClientNotConfigured
	}
	if len(queues) == 0 {
		queues = append([]string{c.clientCfg.RouterQueueName()}, c.topics.Queues(c.clientCfg.DefaultQueueName())...)
	}
	opts := append(c.cfg.Consumer.ConsumerOptions(), WithConsumerLogger(c.logger))
	consumer := NewQueueConsumer(c.Connection(), c.ConsumptionExtensions(), opts...)
	processor := Chain(NewDelegateProcessor(c.processors), c.middlewares...)
	for _, q := range queues {
		consumer.Bind(c.clientCfg.TransportQueueName(q), processor)
	}
	return consumer, nil
}

// Scheduler 创建定时调度器；distributed 模式需要配置 redis 传输用于选主。
func (c *Container) Scheduler() (*Scheduler, error) {
	if !c.HasClient() {
		return nil, ErrClientNotConfigured
	}
	sc := c.cfg.Scheduler
	opts := []SchedulerOption{WithSchedulerLogger(c.logger)}
	if sc.Timezone != "" {
		opts = append(opts, WithTimezone(sc.Timezone))
	}
	if sc.Distributed {
		rdb := c.redisClient()
		if rdb == nil {
			return nil, fmt.Errorf("%w: distributed scheduler requires a redis transport", ErrInvalidConfig)
		}
		opts = append(opts, WithLeaderLock(rdb, sc.LeaderLockKey, time.Duration(sc.LeaderTTL)*time.Second))
	}
	return NewScheduler(c.producer, opts...)
}

func (c *Container) redisClient() *redis.Client {
	if rc, ok := c.Connection().(*RedisConnection); ok {
		return rc.Client()
	}
	for _, conn := range c.connections {
		if rc, ok := conn.(*RedisConnection); ok {
			return rc.Client()
		}
	}
	return nil
}

// Close 关闭全部连接，可重复调用。
func (c *Container) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if c.driver != nil {
			c.closeErr = c.driver.Session().Close()
		}
		c.closeErr = errors.Join(c.closeErr, c.closeConnections())
	})
	return c.closeErr
}

func (c *Container) closeConnections() error {
	var errs []error
	for name, conn := range c.connections {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

package mqkit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFactory struct {
	name  string
	conn  Connection
	err   error
	calls int
}

func (f *stubFactory) Name() string { return f.name }
func (f *stubFactory) CreateConnection(ctx context.Context, cfg TransportConfig) (Connection, error) {
	f.calls++
	return f.conn, f.err
}

func memoryConfig() Config {
	return Config{
		Transport: map[string]TransportConfig{"memory": MustTransportConfig(map[string]string{})},
		Client:    &ClientSection{},
	}
}

func TestAddTransportFactory_EmptyName(t *testing.T) {
	e := NewMessageQueueExtension()
	err := e.AddTransportFactory(&stubFactory{name: ""})
	assert.ErrorIs(t, err, ErrEmptyFactoryName)
	assert.Panics(t, func() { e.MustAddTransportFactory(&stubFactory{name: ""}) })
}

func TestAddTransportFactory_Duplicate(t *testing.T) {
	e := NewMessageQueueExtension()
	require.NoError(t, e.AddTransportFactory(&stubFactory{name: "custom"}))
	err := e.AddTransportFactory(&stubFactory{name: "custom"})
	require.ErrorIs(t, err, ErrDuplicateFactory)
	assert.Contains(t, err.Error(), "name custom")

	assert.ErrorIs(t, e.AddTransportFactory(NullTransportFactory{}), ErrDuplicateFactory)
}

func TestNewMessageQueueExtension_BuiltinFactories(t *testing.T) {
	e := NewMessageQueueExtension()
	assert.Equal(t, []string{"amqp", "dbal", "default", "memory", "null", "redis"}, e.FactoryNames())
}

func TestLoad_UnknownTransport(t *testing.T) {
	cfg := Config{Transport: map[string]TransportConfig{"kafka": MustTransportConfig(map[string]string{})}}
	_, err := New(context.Background(), cfg, WithLogger(NopLogger()))
	assert.ErrorIs(t, err, ErrUnknownTransport)
}

func TestLoad_NoTransportUsesNull(t *testing.T) {
	c, err := New(context.Background(), Config{Client: &ClientSection{}}, WithLogger(NopLogger()))
	require.NoError(t, err)
	defer c.Close(context.Background())

	assert.Equal(t, KindNull, c.Connection().Kind())
	d, err := c.Driver()
	require.NoError(t, err)
	assert.IsType(t, NullDriver{}, d)
}

func TestLoad_DefaultAlias(t *testing.T) {
	cfg := Config{
		Transport: map[string]TransportConfig{
			"default": MustTransportConfig("memory"),
			"memory":  MustTransportConfig(map[string]string{}),
			"null":    MustTransportConfig(map[string]string{}),
		},
		Client: &ClientSection{},
	}
	c, err := New(context.Background(), cfg, WithLogger(NopLogger()))
	require.NoError(t, err)
	defer c.Close(context.Background())

	assert.Equal(t, "memory", c.DefaultTransportName())
	assert.Equal(t, KindMemory, c.Connection().Kind())
	conn, ok := c.ConnectionByName("default")
	require.True(t, ok)
	assert.Same(t, c.Connection(), conn)
	_, ok = c.ConnectionByName("null")
	assert.True(t, ok)
}

func TestLoad_DefaultAliasToMissingTransport(t *testing.T) {
	cfg := Config{Transport: map[string]TransportConfig{
		"default": MustTransportConfig("dbal"),
		"memory":  MustTransportConfig(map[string]string{}),
	}}
	_, err := New(context.Background(), cfg, WithLogger(NopLogger()))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_SeveralTransportsWithoutDefault(t *testing.T) {
	cfg := Config{Transport: map[string]TransportConfig{
		"memory": MustTransportConfig(map[string]string{}),
		"null":   MustTransportConfig(map[string]string{}),
	}}
	_, err := New(context.Background(), cfg, WithLogger(NopLogger()))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_FactoryErrorClosesCreatedConnections(t *testing.T) {
	e := NewMessageQueueExtension()
	mem := NewMemoryConnection()
	require.NoError(t, e.AddTransportFactory(&stubFactory{name: "a_ok", conn: mem}))
	require.NoError(t, e.AddTransportFactory(&stubFactory{name: "b_bad", err: errors.New("boom")}))
	cfg := Config{Transport: map[string]TransportConfig{
		"a_ok":  MustTransportConfig(map[string]string{}),
		"b_bad": MustTransportConfig(map[string]string{}),
	}}
	_, err := e.Load(context.Background(), cfg, WithLogger(NopLogger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport b_bad")
	_, err = mem.CreateSession()
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestLoad_CustomFactory(t *testing.T) {
	e := NewMessageQueueExtension()
	f := &stubFactory{name: "custom", conn: NewMemoryConnection()}
	e.MustAddTransportFactory(f)
	c, err := e.Load(context.Background(), Config{Transport: map[string]TransportConfig{"custom": {}}}, WithLogger(NopLogger()))
	require.NoError(t, err)
	defer c.Close(context.Background())
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, "custom", c.DefaultTransportName())
}

func TestLoad_WithoutClient(t *testing.T) {
	cfg := memoryConfig()
	cfg.Client = nil
	c, err := New(context.Background(), cfg, WithLogger(NopLogger()))
	require.NoError(t, err)
	defer c.Close(context.Background())

	assert.False(t, c.HasClient())
	_, err = c.Producer()
	assert.ErrorIs(t, err, ErrClientNotConfigured)
	_, err = c.NewConsumer()
	assert.ErrorIs(t, err, ErrClientNotConfigured)
	assert.Nil(t, c.DelayRedeliveredExtension())
	assert.Nil(t, c.RouterProcessor())
}

func TestLoad_ClientDefaults(t *testing.T) {
	c, err := New(context.Background(), memoryConfig(), WithLogger(NopLogger()))
	require.NoError(t, err)
	defer c.Close(context.Background())

	cc, err := c.ClientConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultPrefix, cc.Prefix())
	assert.Equal(t, DefaultRouterProcessorName, cc.RouterProcessorName())
	assert.Equal(t, DefaultRouterQueueName, cc.RouterQueueName())
	assert.Equal(t, DefaultQueueName, cc.DefaultQueueName())

	p, err := c.Producer()
	require.NoError(t, err)
	assert.IsType(t, &MessageProducer{}, p)
	_, ok := c.TraceableProducer()
	assert.False(t, ok)

	router, err := c.Processors().Get(DefaultRouterProcessorName)
	require.NoError(t, err)
	assert.Same(t, c.RouterProcessor(), router)
	assert.Equal(t, time.Duration(0), c.DelayRedeliveredExtension().Delay())
}

func TestLoad_ClientSettings(t *testing.T) {
	cfg := memoryConfig()
	cfg.Client = &ClientSection{
		Prefix:               "oro",
		RouterProcessor:      "router",
		RouterDestination:    "route",
		DefaultDestination:   "main",
		RedeliveredDelayTime: 10,
		TraceableProducer:    true,
	}
	c, err := New(context.Background(), cfg, WithLogger(NopLogger()))
	require.NoError(t, err)
	defer c.Close(context.Background())

	cc, _ := c.ClientConfig()
	assert.Equal(t, "oro", cc.Prefix())
	assert.Equal(t, "oro.route", cc.TransportRouterQueueName())

	tp, ok := c.TraceableProducer()
	require.True(t, ok)
	p, _ := c.Producer()
	assert.Same(t, tp, p)
	assert.Equal(t, 10*time.Second, c.DelayRedeliveredExtension().Delay())
}

func TestLoad_PersistentAndStaleSettings(t *testing.T) {
	cfg := memoryConfig()
	cfg.PersistentServices = []string{"cache"}
	cfg.PersistentProcessors = []string{"export"}
	cfg.TimeBeforeStale = TimeBeforeStale{Default: 100, Jobs: map[string]int{"export": 5}}
	c, err := New(context.Background(), cfg, WithLogger(NopLogger()))
	require.NoError(t, err)
	defer c.Close(context.Background())

	assert.True(t, c.ContainerClearer().IsPersistent("cache"))
	assert.False(t, c.ContainerClearer().IsPersistent("db"))
	assert.True(t, c.ContainerResetExtension().isPersistent("export"))
	assert.Equal(t, 5, c.JobConfigurationProvider().TimeBeforeStaleForJobName("export"))
	assert.Equal(t, 100, c.JobConfigurationProvider().TimeBeforeStaleForJobName("import"))
}

func TestLoad_SignalExtensionFollowsPlatform(t *testing.T) {
	c, err := New(context.Background(), memoryConfig(), WithLogger(NopLogger()))
	require.NoError(t, err)
	defer c.Close(context.Background())
	assert.Equal(t, SignalsSupported, c.SignalExtension() != nil)
}

func TestLoad_MetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(context.Background(), memoryConfig(), WithLogger(NopLogger()), WithMetrics(reg))
	require.NoError(t, err)
	defer c.Close(context.Background())

	_, err = New(context.Background(), memoryConfig(), WithLogger(NopLogger()), WithMetrics(reg))
	assert.Error(t, err, "registering the same collectors twice")
}

func TestLoad_MetricsWithDottedPrefix(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := memoryConfig()
	cfg.Client.Prefix = "oro.app"
	c, err := New(context.Background(), cfg, WithLogger(NopLogger()), WithMetrics(reg))
	require.NoError(t, err)
	defer c.Close(context.Background())

	c.MetricsExtension().OnIdle(context.Background(), &Context{QueueName: "q"})
	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
	assert.Equal(t, "oro_app_consumer_idle_total", families[0].GetName())
}

func TestLoad_UnsupportedConnectionKind(t *testing.T) {
	cfg := memoryConfig()
	_, err := New(context.Background(), cfg, WithLogger(NopLogger()), WithDriverMapping(map[string]DriverConstructor{KindNull: NewNullDriver}))
	assert.ErrorIs(t, err, ErrUnsupportedConnection)
}

func TestContainer_SubscribeAndConsume(t *testing.T) {
	cfg := memoryConfig()
	cfg.Consumer.ReceiveTimeout = 20
	cfg.Consumer.MessageLimit = 2
	c, err := New(context.Background(), cfg, WithLogger(NopLogger()))
	require.NoError(t, err)
	defer c.Close(context.Background())

	got := make(chan string, 1)
	c.Subscribe("order.created", "mailer", "", ProcessorFunc(func(ctx context.Context, m *Message, s Session) (Status, error) {
		got <- string(m.Body)
		return StatusAck, nil
	}))
	p, _ := c.Producer()
	require.NoError(t, p.Send(context.Background(), "order.created", "o-1"))

	consumer, err := c.NewConsumer()
	require.NoError(t, err)
	assert.Equal(t, []string{"mqkit.default"}, consumer.Queues())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, consumer.Consume(ctx, nil))
	select {
	case body := <-got:
		assert.Equal(t, "o-1", body)
	default:
		t.Fatal("subscriber did not receive message")
	}
}

func TestContainer_NewConsumerWithQueues(t *testing.T) {
	c, err := New(context.Background(), memoryConfig(), WithLogger(NopLogger()))
	require.NoError(t, err)
	defer c.Close(context.Background())
	c.Subscribe("a", "pa", "Reports", ProcessorFunc(func(context.Context, *Message, Session) (Status, error) { return StatusAck, nil }))

	consumer, err := c.NewConsumer()
	require.NoError(t, err)
	assert.Equal(t, []string{"mqkit.default", "mqkit.reports"}, consumer.Queues())

	consumer, err = c.NewConsumer("other")
	require.NoError(t, err)
	assert.Equal(t, []string{"mqkit.other"}, consumer.Queues())
}

func TestContainer_DefaultJobStorage(t *testing.T) {
	c, err := New(context.Background(), memoryConfig(), WithLogger(NopLogger()))
	require.NoError(t, err)
	defer c.Close(context.Background())
	assert.IsType(t, &MemoryJobStorage{}, c.JobStorage())
	assert.NotNil(t, c.JobProcessor())
	assert.NotNil(t, c.JobRunner())

	s := NewMemoryJobStorage()
	c2, err := New(context.Background(), memoryConfig(), WithLogger(NopLogger()), WithJobStorage(s))
	require.NoError(t, err)
	defer c2.Close(context.Background())
	assert.Same(t, s, c2.JobStorage())
}

func TestContainer_ConsumptionExtensions(t *testing.T) {
	cfg := memoryConfig()
	cfg.Consumer.MessageLimit = 3
	c, err := New(context.Background(), cfg, WithLogger(NopLogger()))
	require.NoError(t, err)
	defer c.Close(context.Background())

	var hasDelay, hasReset, hasLimit bool
	for _, e := range c.ConsumptionExtensions() {
		switch e.(type) {
		case *DelayRedeliveredExtension:
			hasDelay = true
		case *ContainerResetExtension:
			hasReset = true
		case *LimitConsumedMessagesExtension:
			hasLimit = true
		}
	}
	assert.True(t, hasDelay)
	assert.True(t, hasReset)
	assert.True(t, hasLimit)
}

func TestContainer_CloseIsIdempotent(t *testing.T) {
	c, err := New(context.Background(), memoryConfig(), WithLogger(NopLogger()))
	require.NoError(t, err)
	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	_, err = c.Connection().CreateSession()
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

package mqkit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryDriver(t *testing.T) (*MemoryConnection, Driver) {
	t.Helper()
	conn := NewMemoryConnection()
	d, err := NewDriverFactory(DefaultDriverMapping()).Create(conn, NewClientConfig("", "", "", ""))
	require.NoError(t, err)
	return conn, d
}

// receiveNow 从传输层队列取一条消息。
func receiveNow(t *testing.T, conn Connection, queue string) *Message {
	t.Helper()
	s, err := conn.CreateSession()
	require.NoError(t, err)
	r, err := s.CreateConsumer(queue)
	require.NoError(t, err)
	m, err := r.Receive(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	if m != nil {
		require.NoError(t, r.Acknowledge(context.Background(), m))
	}
	return m
}

func TestClientConfig_TransportQueueName(t *testing.T) {
	cc := NewClientConfig("Oro", "", "Router", "")
	assert.Equal(t, "oro.router", cc.TransportRouterQueueName())
	assert.Equal(t, "oro.default", cc.TransportQueueName(cc.DefaultQueueName()))
	assert.Equal(t, "oro.mailer", cc.TransportQueueName("Mailer"))

	assert.Equal(t, "oro", NewClientConfig("oro", "", "", "").TransportQueueName(""))
	assert.Equal(t, "mqkit.x", NewClientConfig("", "", "", "").TransportQueueName("x"))
}

func TestDefaultDriverMapping(t *testing.T) {
	cc := NewClientConfig("", "", "", "")
	f := NewDriverFactory(DefaultDriverMapping())
	cases := []struct {
		conn Connection
		want Driver
	}{
		{NewNullConnection(), NullDriver{}},
		{NewDbalConnection(nil, DbalConfig{}), DbalDriver{}},
		{NewDbalLazyConnection(DbalConfig{DSN: "x"}, nil), DbalDriver{}},
		{NewRedisConnectionWithClient(nil, ""), RedisDriver{}},
		{NewMemoryConnection(), &GenericDriver{}},
	}
	for _, tc := range cases {
		t.Run(tc.conn.Kind(), func(t *testing.T) {
			d, err := f.Create(tc.conn, cc)
			require.NoError(t, err)
			assert.IsType(t, tc.want, d)
			assert.Equal(t, cc, d.Config())
		})
	}
}

func TestDriverFactory_Unsupported(t *testing.T) {
	f := NewDriverFactory(map[string]DriverConstructor{})
	_, err := f.Create(NewNullConnection(), NewClientConfig("", "", "", ""))
	assert.ErrorIs(t, err, ErrUnsupportedConnection)
}

func TestGenericDriver_SendUsesTransportNameAndClampsPriority(t *testing.T) {
	conn, d := newMemoryDriver(t)
	m := d.CreateTransportMessage()
	m.Body = []byte("x")
	m.Priority = Priority(9)
	require.NoError(t, d.Send(context.Background(), "Mailer", m))

	got := receiveNow(t, conn, "mqkit.mailer")
	require.NotNil(t, got)
	assert.Equal(t, PriorityVeryHigh, got.Priority)

	m = d.CreateTransportMessage()
	m.Priority = Priority(-3)
	require.NoError(t, d.Send(context.Background(), "mailer", m))
	got = receiveNow(t, conn, "mqkit.mailer")
	require.NotNil(t, got)
	assert.Equal(t, PriorityVeryLow, got.Priority)
}

type recordingSession struct {
	nullSession
	declared []string
	sent     []*Message
}

func (s *recordingSession) DeclareQueue(ctx context.Context, queue string) error {
	s.declared = append(s.declared, queue)
	return nil
}

func (s *recordingSession) CreateProducer() (Sender, error) { return s, nil }

func (s *recordingSession) Send(ctx context.Context, queue string, msg *Message) error {
	s.sent = append(s.sent, msg)
	return nil
}

func TestAmqpDriver_DeclaresQueueOnceBeforeSend(t *testing.T) {
	s := &recordingSession{}
	d := NewAmqpDriver(s, NewClientConfig("", "", "", ""))
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Send(context.Background(), "jobs", d.CreateTransportMessage()))
	}
	assert.Equal(t, []string{"mqkit.jobs"}, s.declared)
	assert.Len(t, s.sent, 3)
}

func TestRedisDriver_IgnoresPriority(t *testing.T) {
	s := &recordingSession{}
	d := NewRedisDriver(s, NewClientConfig("", "", "", ""))
	m := d.CreateTransportMessage()
	m.Priority = PriorityVeryHigh
	require.NoError(t, d.Send(context.Background(), "q", m))
	require.Len(t, s.sent, 1)
	assert.Equal(t, PriorityNormal, s.sent[0].Priority)
	assert.Empty(t, s.declared)
}

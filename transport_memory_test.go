package mqkit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryConnection_PriorityThenFIFO(t *testing.T) {
	conn := NewMemoryConnection()
	sendRaw(t, conn, "q", &Message{ID: "low", Priority: PriorityLow})
	sendRaw(t, conn, "q", &Message{ID: "high1", Priority: PriorityHigh})
	sendRaw(t, conn, "q", &Message{ID: "high2", Priority: PriorityHigh})

	var ids []string
	for i := 0; i < 3; i++ {
		m := receiveNow(t, conn, "q")
		require.NotNil(t, m)
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"high1", "high2", "low"}, ids)
	assert.Nil(t, receiveNow(t, conn, "q"))
}

func TestMemoryConnection_DelayedMessage(t *testing.T) {
	conn := NewMemoryConnection()
	sendRaw(t, conn, "q", &Message{ID: "d", Delay: 60 * time.Millisecond})
	assert.Nil(t, receiveWithin(t, conn, "q", 10*time.Millisecond))

	start := time.Now()
	m := receiveWithin(t, conn, "q", time.Second)
	require.NotNil(t, m)
	assert.Equal(t, "d", m.ID)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMemoryConnection_ReceiveWakesOnSend(t *testing.T) {
	conn := NewMemoryConnection()
	go func() {
		time.Sleep(20 * time.Millisecond)
		sendRaw(t, conn, "q", &Message{ID: "late"})
	}()
	m := receiveWithin(t, conn, "q", time.Second)
	require.NotNil(t, m)
	assert.Equal(t, "late", m.ID)
}

func TestMemoryConnection_RejectRequeue(t *testing.T) {
	conn := NewMemoryConnection()
	sendRaw(t, conn, "q", &Message{ID: "1", Body: []byte("x")})

	s, err := conn.CreateSession()
	require.NoError(t, err)
	r, err := s.CreateConsumer("q")
	require.NoError(t, err)
	ctx := context.Background()

	m, err := r.Receive(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.False(t, m.Redelivered)
	require.NoError(t, r.Reject(ctx, m, true))

	m, err = r.Receive(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.Redelivered)
	assert.Equal(t, "x", string(m.Body))
	require.NoError(t, r.Reject(ctx, m, false))
	assert.Equal(t, 0, conn.Len("q"))
}

func TestMemoryConnection_ContextCancel(t *testing.T) {
	conn := NewMemoryConnection()
	s, _ := conn.CreateSession()
	r, _ := s.CreateConsumer("q")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Receive(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryConnection_Closed(t *testing.T) {
	conn := NewMemoryConnection()
	require.NoError(t, conn.Close())
	_, err := conn.CreateSession()
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestNullConnection(t *testing.T) {
	conn := NewNullConnection()
	sendRaw(t, conn, "q", &Message{ID: "1"})
	assert.Nil(t, receiveWithin(t, conn, "q", 5*time.Millisecond))
	assert.Equal(t, KindNull, conn.Kind())
	assert.NoError(t, conn.Close())
}

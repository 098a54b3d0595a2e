package mqkit

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisConnection_SendReceiveAck(t *testing.T) {
	mr, rdb := newMiniRedis(t)
	conn := NewRedisConnectionWithClient(rdb, "")
	sendRaw(t, conn, "q", &Message{ID: "m1", Body: []byte("hello"), ContentType: "text/plain",
		Properties: map[string]string{PropertyTopicName: "t"}, Timestamp: time.UnixMilli(1700000000000)})
	assert.True(t, mr.Exists("mqkit:queue:q"))

	r := receiverFor(t, conn, "q")
	m, err := r.Receive(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "hello", string(m.Body))
	assert.Equal(t, "text/plain", m.ContentType)
	assert.Equal(t, "t", m.Property(PropertyTopicName))
	assert.Equal(t, int64(1700000000000), m.Timestamp.UnixMilli())
	assert.False(t, m.Redelivered)

	require.NoError(t, r.Acknowledge(context.Background(), m))
	n, err := rdb.XLen(context.Background(), "mqkit:queue:q").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRedisConnection_RejectRequeue(t *testing.T) {
	_, rdb := newMiniRedis(t)
	conn := NewRedisConnectionWithClient(rdb, "app")
	sendRaw(t, conn, "q", &Message{ID: "m1"})

	r := receiverFor(t, conn, "q")
	m, err := r.Receive(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, m)
	require.NoError(t, r.Reject(context.Background(), m, true))

	m, err = r.Receive(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "m1", m.ID)
	assert.True(t, m.Redelivered)
	require.NoError(t, r.Reject(context.Background(), m, false))

	n, err := rdb.XLen(context.Background(), "app:queue:q").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRedisConnection_DelayedMessage(t *testing.T) {
	mr, rdb := newMiniRedis(t)
	conn := NewRedisConnectionWithClient(rdb, "")
	sendRaw(t, conn, "q", &Message{ID: "later", Delay: 50 * time.Millisecond})

	members, err := mr.ZMembers("mqkit:delayed:q")
	require.NoError(t, err)
	assert.Len(t, members, 1)

	time.Sleep(60 * time.Millisecond)
	r := receiverFor(t, conn, "q")
	m, err := r.Receive(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "later", m.ID)
	assert.False(t, mr.Exists("mqkit:delayed:q"))
}

func TestRedisConnection_UndecodableEntryIsDropped(t *testing.T) {
	_, rdb := newMiniRedis(t)
	var logs bytes.Buffer
	conn := NewRedisConnectionWithClient(rdb, "")
	conn.SetLogger(NewLogger(&logs, "warn"))
	ctx := context.Background()
	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{Stream: "mqkit:queue:q", Values: map[string]interface{}{"m": "not-json"}}).Err())
	sendRaw(t, conn, "q", &Message{ID: "good", Body: []byte("ok"), Properties: map[string]string{PropertyProcessorName: "p"}})

	var bodies []string
	c := NewQueueConsumer(conn, nil, WithReceiveTimeout(100*time.Millisecond)).
		Bind("q", ProcessorFunc(func(ctx context.Context, m *Message, s Session) (Status, error) {
			bodies = append(bodies, string(m.Body))
			return StatusAck, nil
		}))
	require.NoError(t, c.Consume(ctx, NewLimitConsumedMessagesExtension(1)))

	assert.Equal(t, []string{"ok"}, bodies)
	n, err := rdb.XLen(ctx, "mqkit:queue:q").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Contains(t, logs.String(), "drop undecodable redis entry")
}

func TestRedisConnection_EmptyQueueTimesOut(t *testing.T) {
	_, rdb := newMiniRedis(t)
	conn := NewRedisConnectionWithClient(rdb, "")
	m, err := receiverFor(t, conn, "q").Receive(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestRedisConnection_ClientOwnership(t *testing.T) {
	_, rdb := newMiniRedis(t)
	conn := NewRedisConnectionWithClient(rdb, "")
	require.NoError(t, conn.Close())
	require.NoError(t, rdb.Ping(context.Background()).Err(), "shared client stays open")

	_, err := NewRedisConnection(RedisConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

package mqkit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_CloneIsDeep(t *testing.T) {
	m := &Message{ID: "1", Body: []byte("a"), Headers: map[string]string{"h": "1"},
		Properties: map[string]string{"p": "1"}, Priority: PriorityHigh, Delay: time.Second, Redelivered: true}
	c := m.Clone()
	c.Body[0] = 'b'
	c.SetHeader("h", "2")
	c.SetProperty("p", "2")

	assert.Equal(t, "a", string(m.Body))
	assert.Equal(t, "1", m.Header("h"))
	assert.Equal(t, "1", m.Property("p"))
	assert.Equal(t, PriorityHigh, c.Priority)
	assert.Zero(t, c.Delay)
	assert.False(t, c.Redelivered)
}

func TestMessage_NilSafeAccessors(t *testing.T) {
	var m *Message
	assert.Empty(t, m.Property("x"))
	assert.Empty(t, m.Header("x"))

	m = &Message{}
	m.SetProperty("a", "b")
	m.SetHeader("c", "d")
	assert.Equal(t, "b", m.Property("a"))
	assert.Equal(t, "d", m.Header("c"))
}

func TestMessage_WireEncoding(t *testing.T) {
	m := &Message{ID: "1", Body: []byte{0, 1, 2}, ContentType: "application/octet-stream",
		Properties: map[string]string{PropertyTopicName: "t"}, Timestamp: time.UnixMilli(1700000000123),
		Priority: PriorityVeryLow, Redelivered: true}
	b, err := encodeMessage(m)
	require.NoError(t, err)
	got, err := decodeMessage(b)
	require.NoError(t, err)
	assert.Equal(t, m.Body, got.Body)
	assert.Equal(t, "t", got.Property(PropertyTopicName))
	assert.True(t, got.Timestamp.Equal(m.Timestamp))
	assert.True(t, got.Redelivered)
	assert.NotNil(t, got.Headers)

	_, err = decodeMessage([]byte("{"))
	assert.Error(t, err)
}

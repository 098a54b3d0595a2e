package mqkit

import (
	"encoding/json"
	"time"
)

// 客户端层使用的消息属性键。
const (
	PropertyTopicName      = "mqkit.topic_name"
	PropertyProcessorName  = "mqkit.processor_name"
	PropertyQueueName      = "mqkit.queue_name"
	PropertyRedeliverCount = "mqkit.redeliver_count"
)

// Priority 消息优先级，数值越大越先被消费。
type Priority int

const (
	PriorityVeryLow Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityVeryHigh
)

// Message 为统一消息结构，传输层与客户端层共用。
type Message struct {
	ID          string
	Body        []byte
	ContentType string
	Headers     map[string]string
	Properties  map[string]string
	Timestamp   time.Time
	Priority    Priority
	// Delay 发送时的延迟投递时间，0 表示立即投递。
	Delay time.Duration
	// Redelivered 为 true 表示消息曾被拒绝并重新入队。
	Redelivered bool
}

// Property 读取属性，不存在时返回空串。
func (m *Message) Property(name string) string {
	if m == nil || m.Properties == nil {
		return ""
	}
	return m.Properties[name]
}

// SetProperty 设置属性。
func (m *Message) SetProperty(name, value string) {
	if m.Properties == nil {
		m.Properties = map[string]string{}
	}
	m.Properties[name] = value
}

// Header 读取消息头，不存在时返回空串。
func (m *Message) Header(name string) string {
	if m == nil || m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// SetHeader 设置消息头。
func (m *Message) SetHeader(name, value string) {
	if m.Headers == nil {
		m.Headers = map[string]string{}
	}
	m.Headers[name] = value
}

// Clone 深拷贝消息，Redelivered 与 Delay 不复制。
func (m *Message) Clone() *Message {
	c := &Message{
		ID:          m.ID,
		ContentType: m.ContentType,
		Headers:     copyHeaders(m.Headers),
		Properties:  copyHeaders(m.Properties),
		Timestamp:   m.Timestamp,
		Priority:    m.Priority,
	}
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	return c
}

func copyHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return map[string]string{}
	}
	m := make(map[string]string, len(h))
	for k, v := range h {
		m[k] = v
	}
	return m
}

// wireMessage 为 Redis/Memory 等需要整体序列化的传输使用的格式。
type wireMessage struct {
	ID          string            `json:"id"`
	Body        []byte            `json:"body"`
	ContentType string            `json:"content_type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	Timestamp   int64             `json:"timestamp"`
	Priority    Priority          `json:"priority"`
	Redelivered bool              `json:"redelivered,omitempty"`
}

func encodeMessage(m *Message) ([]byte, error) {
	var ts int64
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp.UnixMilli()
	}
	return json.Marshal(wireMessage{
		ID:          m.ID,
		Body:        m.Body,
		ContentType: m.ContentType,
		Headers:     m.Headers,
		Properties:  m.Properties,
		Timestamp:   ts,
		Priority:    m.Priority,
		Redelivered: m.Redelivered,
	})
}

func decodeMessage(b []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	m := &Message{
		ID:          w.ID,
		Body:        w.Body,
		ContentType: w.ContentType,
		Headers:     copyHeaders(w.Headers),
		Properties:  copyHeaders(w.Properties),
		Priority:    w.Priority,
		Redelivered: w.Redelivered,
	}
	if w.Timestamp > 0 {
		m.Timestamp = time.UnixMilli(w.Timestamp)
	}
	return m, nil
}

package mqkit

import (
	"context"
	"sync"
	"time"
)

// MemoryConnection 进程内传输：支持优先级、延时与重投，适用于测试与单进程部署。
type MemoryConnection struct {
	mu       sync.Mutex
	queues   map[string]*memoryQueue
	inflight map[*Message]string
	seq      uint64
	closed   bool
}

type memoryQueue struct {
	items  []memoryItem
	notify chan struct{}
}

type memoryItem struct {
	msg         *Message
	availableAt time.Time
	seq         uint64
}

func NewMemoryConnection() *MemoryConnection {
	return &MemoryConnection{queues: map[string]*memoryQueue{}, inflight: map[*Message]string{}}
}

func (*MemoryConnection) Kind() string { return KindMemory }

func (c *MemoryConnection) CreateSession() (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnectionClosed
	}
	return &memorySession{c: c}, nil
}

func (c *MemoryConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, q := range c.queues {
		close(q.notify)
		q.notify = make(chan struct{})
	}
	return nil
}

// Len 返回队列中待消费（含延时）的消息数。
func (c *MemoryConnection) Len(queue string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[queue]; ok {
		return len(q.items)
	}
	return 0
}

func (c *MemoryConnection) queue(name string) *memoryQueue {
	q, ok := c.queues[name]
	if !ok {
		q = &memoryQueue{notify: make(chan struct{})}
		c.queues[name] = q
	}
	return q
}

func (c *MemoryConnection) push(queue string, msg *Message, delay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	q := c.queue(queue)
	c.seq++
	q.items = append(q.items, memoryItem{msg: msg, availableAt: time.Now().Add(delay), seq: c.seq})
	close(q.notify)
	q.notify = make(chan struct{})
	return nil
}

// pop 取出最高优先级的可用消息；没有时返回最近一条延时消息的等待时间。
func (c *MemoryConnection) pop(queue string, now time.Time) (*Message, time.Duration, <-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, 0, nil, ErrConnectionClosed
	}
	q := c.queue(queue)
	best := -1
	var wait time.Duration = -1
	for i, it := range q.items {
		if it.availableAt.After(now) {
			if d := it.availableAt.Sub(now); wait < 0 || d < wait {
				wait = d
			}
			continue
		}
		if best < 0 || it.msg.Priority > q.items[best].msg.Priority ||
			(it.msg.Priority == q.items[best].msg.Priority && it.seq < q.items[best].seq) {
			best = i
		}
	}
	if best < 0 {
		return nil, wait, q.notify, nil
	}
	msg := q.items[best].msg
	q.items = append(q.items[:best], q.items[best+1:]...)
	c.inflight[msg] = queue
	return msg, 0, nil, nil
}

func (c *MemoryConnection) settle(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, msg)
}

type memorySession struct{ c *MemoryConnection }

func (s *memorySession) CreateMessage(body []byte, properties, headers map[string]string) *Message {
	return newMessage(body, properties, headers)
}

func (s *memorySession) DeclareQueue(ctx context.Context, queue string) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.queue(queue)
	return nil
}

func (s *memorySession) CreateProducer() (Sender, error) { return memorySender{c: s.c}, nil }

func (s *memorySession) CreateConsumer(queue string) (Receiver, error) {
	return &memoryReceiver{c: s.c, queue: queue}, nil
}

func (s *memorySession) Close() error { return nil }

type memorySender struct{ c *MemoryConnection }

func (p memorySender) Send(ctx context.Context, queue string, msg *Message) error {
	cp := msg.Clone()
	cp.Redelivered = msg.Redelivered
	return p.c.push(queue, cp, msg.Delay)
}

type memoryReceiver struct {
	c     *MemoryConnection
	queue string
}

func (r *memoryReceiver) Queue() string { return r.queue }

func (r *memoryReceiver) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		now := time.Now()
		msg, wait, notify, err := r.c.pop(r.queue, now)
		if err != nil || msg != nil {
			return msg, err
		}
		left := deadline.Sub(now)
		if left <= 0 {
			return nil, nil
		}
		if wait < 0 || wait > left {
			wait = left
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-notify:
		case <-t.C:
		}
		t.Stop()
	}
}

func (r *memoryReceiver) Acknowledge(ctx context.Context, msg *Message) error {
	r.c.settle(msg)
	return nil
}

func (r *memoryReceiver) Reject(ctx context.Context, msg *Message, requeue bool) error {
	r.c.settle(msg)
	if !requeue {
		return nil
	}
	cp := msg.Clone()
	cp.Redelivered = true
	return r.c.push(r.queue, cp, 0)
}

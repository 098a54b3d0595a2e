package mqkit

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Subscriber 为主题的一个订阅目标。
type Subscriber struct {
	ProcessorName string
	// QueueName 为客户端队列名，空表示 default 队列。
	QueueName string
}

// TopicRegistry 维护主题到订阅者的映射。
type TopicRegistry struct {
	mu     sync.RWMutex
	topics map[string][]Subscriber
}

func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{topics: map[string][]Subscriber{}}
}

// Subscribe 为主题添加订阅者，重复订阅被忽略。
func (r *TopicRegistry) Subscribe(topic, processorName, queueName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.topics[topic] {
		if s.ProcessorName == processorName && s.QueueName == queueName {
			return
		}
	}
	r.topics[topic] = append(r.topics[topic], Subscriber{ProcessorName: processorName, QueueName: queueName})
}

// Subscribers 返回主题的订阅者副本。
func (r *TopicRegistry) Subscribers(topic string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Subscriber(nil), r.topics[topic]...)
}

// Topics 返回所有主题，按字典序。
func (r *TopicRegistry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Queues 返回订阅涉及的所有客户端队列名（空名映射到 defaultQueue）。
func (r *TopicRegistry) Queues(defaultQueue string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, subs := range r.topics {
		for _, s := range subs {
			q := s.QueueName
			if q == "" {
				q = defaultQueue
			}
			if !seen[q] {
				seen[q] = true
				out = append(out, q)
			}
		}
	}
	sort.Strings(out)
	return out
}

// RouterProcessor 将路由队列中的消息按主题复制投递到各订阅者队列。
type RouterProcessor struct {
	driver   Driver
	registry *TopicRegistry
	logger   Logger
}

func NewRouterProcessor(driver Driver, registry *TopicRegistry, logger Logger) *RouterProcessor {
	if logger == nil {
		logger = NopLogger()
	}
	return &RouterProcessor{driver: driver, registry: registry, logger: logger}
}

func (r *RouterProcessor) Process(ctx context.Context, msg *Message, session Session) (Status, error) {
	topic := msg.Property(PropertyTopicName)
	if topic == "" {
		r.logger.Warn(ctx, "router got message without topic", "message_id", msg.ID)
		return StatusReject, nil
	}
	subs := r.registry.Subscribers(topic)
	if len(subs) == 0 {
		r.logger.Debug(ctx, "no subscribers for topic", "topic", topic, "message_id", msg.ID)
	}
	for _, s := range subs {
		queue := s.QueueName
		if queue == "" {
			queue = r.driver.Config().DefaultQueueName()
		}
		cp := msg.Clone()
		cp.SetProperty(PropertyProcessorName, s.ProcessorName)
		cp.SetProperty(PropertyQueueName, queue)
		if err := r.driver.Send(ctx, queue, cp); err != nil {
			return StatusRequeue, fmt.Errorf("route topic %s to %s: %w", topic, s.ProcessorName, err)
		}
	}
	return StatusAck, nil
}

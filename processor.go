package mqkit

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Status 为处理结果，决定消费者对消息的确认方式。
type Status string

const (
	// StatusAck 处理成功，确认并删除消息。
	StatusAck Status = "ACK"
	// StatusReject 拒绝消息，不再投递。
	StatusReject Status = "REJECT"
	// StatusRequeue 拒绝并重新入队，之后以 Redelivered 投递。
	StatusRequeue Status = "REQUEUE"
)

// Processor 处理一条消息。返回 error 且 Status 为空时，消费者按 REQUEUE 处理。
type Processor interface {
	Process(ctx context.Context, msg *Message, session Session) (Status, error)
}

// ProcessorFunc 函数适配器。
type ProcessorFunc func(ctx context.Context, msg *Message, session Session) (Status, error)

func (f ProcessorFunc) Process(ctx context.Context, msg *Message, session Session) (Status, error) {
	return f(ctx, msg, session)
}

// ProcessorRegistry 按名称保存处理器，并发安全。
type ProcessorRegistry struct {
	mu    sync.RWMutex
	procs map[string]Processor
}

func NewProcessorRegistry() *ProcessorRegistry {
	return &ProcessorRegistry{procs: map[string]Processor{}}
}

func (r *ProcessorRegistry) Set(name string, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[name] = p
}

func (r *ProcessorRegistry) Get(name string) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProcessorNotFound, name)
	}
	return p, nil
}

// Names 返回已注册处理器名，按字典序。
func (r *ProcessorRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.procs))
	for n := range r.procs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// DelegateProcessor 根据消息的处理器属性分发到注册的处理器。
type DelegateProcessor struct {
	registry *ProcessorRegistry
}

func NewDelegateProcessor(registry *ProcessorRegistry) *DelegateProcessor {
	return &DelegateProcessor{registry: registry}
}

func (d *DelegateProcessor) Process(ctx context.Context, msg *Message, session Session) (Status, error) {
	name := msg.Property(PropertyProcessorName)
	if name == "" {
		return StatusReject, fmt.Errorf("%w: message has no %s property", ErrProcessorNotFound, PropertyProcessorName)
	}
	p, err := d.registry.Get(name)
	if err != nil {
		return StatusReject, err
	}
	return p.Process(ctx, msg, session)
}

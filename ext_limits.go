package mqkit

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// LimitConsumedMessagesExtension 处理指定数量消息后中断消费。
type LimitConsumedMessagesExtension struct {
	BaseExtension
	limit    int
	consumed int
}

func NewLimitConsumedMessagesExtension(limit int) *LimitConsumedMessagesExtension {
	return &LimitConsumedMessagesExtension{limit: limit}
}

func (e *LimitConsumedMessagesExtension) OnBeforeReceive(ctx context.Context, c *Context) {
	e.check(c)
}

func (e *LimitConsumedMessagesExtension) OnPostReceived(ctx context.Context, c *Context) {
	e.consumed++
	e.check(c)
}

func (e *LimitConsumedMessagesExtension) check(c *Context) {
	if e.limit > 0 && e.consumed >= e.limit {
		c.Interrupt(fmt.Sprintf("message consumption limit %d reached", e.limit))
	}
}

// LimitConsumptionTimeExtension 运行超过指定时长后中断消费。
type LimitConsumptionTimeExtension struct {
	BaseExtension
	limit    time.Duration
	deadline time.Time
	now      func() time.Time
}

func NewLimitConsumptionTimeExtension(limit time.Duration) *LimitConsumptionTimeExtension {
	return &LimitConsumptionTimeExtension{limit: limit, now: time.Now}
}

func (e *LimitConsumptionTimeExtension) OnStart(ctx context.Context, c *Context) {
	e.deadline = e.now().Add(e.limit)
}

func (e *LimitConsumptionTimeExtension) OnBeforeReceive(ctx context.Context, c *Context) { e.check(c) }
func (e *LimitConsumptionTimeExtension) OnPostReceived(ctx context.Context, c *Context)  { e.check(c) }
func (e *LimitConsumptionTimeExtension) OnIdle(ctx context.Context, c *Context)          { e.check(c) }

func (e *LimitConsumptionTimeExtension) check(c *Context) {
	if e.limit > 0 && !e.deadline.IsZero() && !e.now().Before(e.deadline) {
		c.Interrupt(fmt.Sprintf("consumption time limit %s reached", e.limit))
	}
}

// LimitMemoryExtension 堆内存超过阈值（字节）后中断消费，由进程管理器重启。
type LimitMemoryExtension struct {
	BaseExtension
	limit uint64
	usage func() uint64
}

func NewLimitMemoryExtension(limitBytes uint64) *LimitMemoryExtension {
	return &LimitMemoryExtension{limit: limitBytes, usage: heapAlloc}
}

func heapAlloc() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

func (e *LimitMemoryExtension) OnBeforeReceive(ctx context.Context, c *Context) { e.check(c) }
func (e *LimitMemoryExtension) OnPostReceived(ctx context.Context, c *Context)  { e.check(c) }
func (e *LimitMemoryExtension) OnIdle(ctx context.Context, c *Context)          { e.check(c) }

func (e *LimitMemoryExtension) check(c *Context) {
	if e.limit == 0 {
		return
	}
	if used := e.usage(); used >= e.limit {
		c.Interrupt(fmt.Sprintf("memory limit %d bytes reached (%d)", e.limit, used))
	}
}

package mqkit

import (
	"context"
	"time"
)

// OrphanRedeliverer 由能回收孤儿消息的传输实现（DbalConnection）。
type OrphanRedeliverer interface {
	RedeliverOrphans(ctx context.Context, now time.Time) (int64, error)
}

// RedeliverOrphanMessagesExtension 在启动与空闲时回收被已退出消费者锁定的消息。
type RedeliverOrphanMessagesExtension struct {
	BaseExtension
	target   OrphanRedeliverer
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

// NewRedeliverOrphanMessagesExtension interval 为两次检查的最小间隔，默认 1 分钟。
func NewRedeliverOrphanMessagesExtension(target OrphanRedeliverer, interval time.Duration) *RedeliverOrphanMessagesExtension {
	if interval <= 0 {
		interval = time.Minute
	}
	return &RedeliverOrphanMessagesExtension{target: target, interval: interval, now: time.Now}
}

func (e *RedeliverOrphanMessagesExtension) OnStart(ctx context.Context, c *Context) {
	e.run(ctx, c, true)
}
func (e *RedeliverOrphanMessagesExtension) OnIdle(ctx context.Context, c *Context) {
	e.run(ctx, c, false)
}

func (e *RedeliverOrphanMessagesExtension) run(ctx context.Context, c *Context, force bool) {
	now := e.now()
	if !force && now.Sub(e.last) < e.interval {
		return
	}
	e.last = now
	n, err := e.target.RedeliverOrphans(ctx, now)
	if err != nil {
		c.Logger.Error(ctx, "redeliver orphan messages failed", "error", err)
		return
	}
	if n > 0 {
		c.Logger.Info(ctx, "orphan messages redelivered", "count", n)
	}
}

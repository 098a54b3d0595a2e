package mqkit

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"
)

// DelayRedeliveredExtension 将重投消息以延时副本重新发送到原队列，并拒绝原消息，
// 避免失败消息立即被再次消费。delay 为 0 时不生效。
type DelayRedeliveredExtension struct {
	BaseExtension
	delay atomic.Int64
}

func NewDelayRedeliveredExtension(delay time.Duration) *DelayRedeliveredExtension {
	e := &DelayRedeliveredExtension{}
	e.SetDelay(delay)
	return e
}

// SetDelay 设置重投延时。
func (e *DelayRedeliveredExtension) SetDelay(d time.Duration) { e.delay.Store(int64(d)) }

// Delay 返回当前重投延时。
func (e *DelayRedeliveredExtension) Delay() time.Duration { return time.Duration(e.delay.Load()) }

func (e *DelayRedeliveredExtension) OnPreReceived(ctx context.Context, c *Context) {
	msg := c.Message
	delay := e.Delay()
	if msg == nil || !msg.Redelivered || delay <= 0 || c.Status != "" {
		return
	}
	cp := msg.Clone()
	cp.Delay = delay
	count, _ := strconv.Atoi(msg.Property(PropertyRedeliverCount))
	cp.SetProperty(PropertyRedeliverCount, strconv.Itoa(count+1))

	sender, err := c.Session.CreateProducer()
	if err == nil {
		err = sender.Send(ctx, c.QueueName, cp)
	}
	if err != nil {
		// 发送失败时继续正常处理原消息
		c.Logger.Error(ctx, "send delayed redelivered message failed", "queue", c.QueueName, "message_id", msg.ID, "error", err)
		return
	}
	c.Logger.Debug(ctx, "send delayed message", "queue", c.QueueName, "message_id", msg.ID, "delay", delay.String(), "redeliver_count", count+1)
	c.Status = StatusReject
}

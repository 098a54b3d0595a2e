package mqkit

import (
	"context"
	"time"
)

// LoggerExtension 记录消费的开始、每条消息的处理结果与停止原因。
type LoggerExtension struct {
	BaseExtension
	logger Logger
}

func NewLoggerExtension(logger Logger) *LoggerExtension {
	if logger == nil {
		logger = NopLogger()
	}
	return &LoggerExtension{logger: logger}
}

func (e *LoggerExtension) OnStart(ctx context.Context, c *Context) {
	e.logger.Info(ctx, "consumption started")
}

func (e *LoggerExtension) OnPostReceived(ctx context.Context, c *Context) {
	kv := []interface{}{
		"queue", c.QueueName,
		"message_id", c.Message.ID,
		"topic", c.Message.Property(PropertyTopicName),
		"processor", c.ProcessorName,
		"status", string(c.Status),
		"redelivered", c.Message.Redelivered,
		"duration", time.Since(c.ReceivedAt).String(),
	}
	if c.Status == StatusAck {
		e.logger.Debug(ctx, "message processed", kv...)
		return
	}
	e.logger.Warn(ctx, "message not acknowledged", kv...)
}

func (e *LoggerExtension) OnInterrupted(ctx context.Context, c *Context) {
	e.logger.Info(ctx, "consumption interrupted", "reason", c.InterruptedReason())
}

package mqkit

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger 为最小日志接口，应用可注入自定义实现。
// kv 为交替的键值对，例如 "queue", "default"。
type Logger interface {
	Debug(ctx context.Context, msg string, kv ...interface{})
	Info(ctx context.Context, msg string, kv ...interface{})
	Warn(ctx context.Context, msg string, kv ...interface{})
	Error(ctx context.Context, msg string, kv ...interface{})
}

// zeroLogger 基于 zerolog 的默认实现。
type zeroLogger struct {
	l zerolog.Logger
}

// NewLogger 创建写入 w 的结构化日志，level 为空时使用 info。
func NewLogger(w io.Writer, level string) Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zeroLogger{l: zerolog.New(w).Level(lvl).With().Timestamp().Logger()}
}

// NewZerologLogger 复用调用方已有的 zerolog.Logger。
func NewZerologLogger(l zerolog.Logger) Logger { return zeroLogger{l: l} }

func defaultLogger() Logger { return NewLogger(os.Stderr, "info") }

func (z zeroLogger) Debug(ctx context.Context, msg string, kv ...interface{}) {
	withFields(z.l.Debug(), kv).Msg(msg)
}

func (z zeroLogger) Info(ctx context.Context, msg string, kv ...interface{}) {
	withFields(z.l.Info(), kv).Msg(msg)
}

func (z zeroLogger) Warn(ctx context.Context, msg string, kv ...interface{}) {
	withFields(z.l.Warn(), kv).Msg(msg)
}

func (z zeroLogger) Error(ctx context.Context, msg string, kv ...interface{}) {
	withFields(z.l.Error(), kv).Msg(msg)
}

func withFields(e *zerolog.Event, kv []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		if err, ok := kv[i+1].(error); ok {
			e = e.AnErr(key, err)
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	return e
}

// nopLogger 丢弃所有日志，测试中使用。
type nopLogger struct{}

func (nopLogger) Debug(context.Context, string, ...interface{}) {}
func (nopLogger) Info(context.Context, string, ...interface{})  {}
func (nopLogger) Warn(context.Context, string, ...interface{})  {}
func (nopLogger) Error(context.Context, string, ...interface{}) {}

// NopLogger 返回丢弃所有输出的 Logger。
func NopLogger() Logger { return nopLogger{} }

package mqkit

import (
	"context"
	"os"
	"os/signal"
	"sync"
)

// SignalsSupported 当前平台是否支持 POSIX 信号中断。
const SignalsSupported = signalsSupported

// SignalExtension 收到终止信号后在当前周期结束时中断消费。
// 同一实例可被多个消费者共享：首个消费者启动时开始监听，收到的信号对所有消费者生效，
// 最后一个消费者退出时停止监听。
type SignalExtension struct {
	BaseExtension

	mu       sync.Mutex
	users    int
	ch       chan os.Signal
	done     chan struct{}
	received os.Signal
}

func NewSignalExtension() *SignalExtension { return &SignalExtension{} }

func (e *SignalExtension) OnStart(ctx context.Context, c *Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.users++
	if e.users > 1 {
		return
	}
	e.received = nil
	e.ch = make(chan os.Signal, 1)
	e.done = make(chan struct{})
	signal.Notify(e.ch, interruptSignals...)
	go e.watch(e.ch, e.done)
}

func (e *SignalExtension) watch(ch chan os.Signal, done chan struct{}) {
	for {
		select {
		case sig := <-ch:
			e.mu.Lock()
			if e.received == nil {
				e.received = sig
			}
			e.mu.Unlock()
		case <-done:
			return
		}
	}
}

func (e *SignalExtension) OnBeforeReceive(ctx context.Context, c *Context) { e.check(c) }
func (e *SignalExtension) OnPostReceived(ctx context.Context, c *Context)  { e.check(c) }
func (e *SignalExtension) OnIdle(ctx context.Context, c *Context)          { e.check(c) }

func (e *SignalExtension) OnInterrupted(ctx context.Context, c *Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.users == 0 {
		return
	}
	e.users--
	if e.users > 0 {
		return
	}
	signal.Stop(e.ch)
	close(e.done)
	e.ch, e.done = nil, nil
}

// Received 返回已收到的信号，未收到时为 nil。
func (e *SignalExtension) Received() os.Signal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.received
}

func (e *SignalExtension) check(c *Context) {
	sig := e.Received()
	if sig == nil || c.Interrupted() {
		return
	}
	c.Logger.Info(context.Background(), "interrupt by signal", "signal", sig.String())
	c.Interrupt("signal " + sig.String())
}

package mqkit

// Middleware 包装 Processor，按注册顺序由外到内执行。
type Middleware func(next Processor) Processor

// Chain 将中间件套在处理器外层。
func Chain(p Processor, mws ...Middleware) Processor {
	for i := len(mws) - 1; i >= 0; i-- {
		p = mws[i](p)
	}
	return p
}

package mqkit

import "errors"

var (
	// ErrEmptyFactoryName 注册的 TransportFactory 名称为空。
	ErrEmptyFactoryName = errors.New("transport factory name cannot be empty")
	// ErrDuplicateFactory 同名 TransportFactory 已注册。
	ErrDuplicateFactory = errors.New("transport factory with such name already added")
	// ErrUnknownTransport 配置引用了未注册的 transport。
	ErrUnknownTransport = errors.New("unknown transport")
	// ErrUnsupportedConnection DriverFactory 无法为该连接类型创建 Driver。
	ErrUnsupportedConnection = errors.New("unsupported connection")
	// ErrClientNotConfigured 未配置 client 段时访问客户端组件。
	ErrClientNotConfigured = errors.New("message queue client is not configured")
	// ErrProcessorNotFound 消息指定的处理器未注册。
	ErrProcessorNotFound = errors.New("message processor not found")
	// ErrConnectionClosed 连接已关闭。
	ErrConnectionClosed = errors.New("connection closed")
	// ErrDuplicateJob 唯一任务已在运行。
	ErrDuplicateJob = errors.New("unique job is already running")
	// ErrJobNotFound 任务不存在。
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidConfig 配置非法。
	ErrInvalidConfig = errors.New("invalid message queue config")
)

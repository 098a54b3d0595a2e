package mqkit

import "strings"

const (
	DefaultPrefix                  = "mqkit"
	DefaultRouterProcessorName     = "mqkit.client.route_message_processor"
	DefaultRouterQueueName         = "default"
	DefaultQueueName               = "default"
	DefaultRedeliveredDelaySeconds = 10
)

// ClientConfig 客户端层的命名规则：前缀、路由处理器与队列。
type ClientConfig struct {
	prefix              string
	routerProcessorName string
	routerQueueName     string
	defaultQueueName    string
}

// NewClientConfig 创建配置，空值回退到默认值。
func NewClientConfig(prefix, routerProcessorName, routerQueueName, defaultQueueName string) ClientConfig {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if routerProcessorName == "" {
		routerProcessorName = DefaultRouterProcessorName
	}
	if routerQueueName == "" {
		routerQueueName = DefaultRouterQueueName
	}
	if defaultQueueName == "" {
		defaultQueueName = DefaultQueueName
	}
	return ClientConfig{
		prefix:              prefix,
		routerProcessorName: routerProcessorName,
		routerQueueName:     routerQueueName,
		defaultQueueName:    defaultQueueName,
	}
}

func (c ClientConfig) Prefix() string              { return c.prefix }
func (c ClientConfig) RouterProcessorName() string { return c.routerProcessorName }
func (c ClientConfig) RouterQueueName() string     { return c.routerQueueName }
func (c ClientConfig) DefaultQueueName() string    { return c.defaultQueueName }

// TransportQueueName 将客户端队列名转换为传输层队列名：小写的 prefix.name。
func (c ClientConfig) TransportQueueName(name string) string {
	return strings.ToLower(strings.Trim(c.prefix+"."+name, "."))
}

// TransportRouterQueueName 路由队列的传输层名称。
func (c ClientConfig) TransportRouterQueueName() string {
	return c.TransportQueueName(c.routerQueueName)
}

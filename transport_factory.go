package mqkit

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// TransportFactory 按名称注册的传输插件，根据后端配置创建连接。
type TransportFactory interface {
	Name() string
	CreateConnection(ctx context.Context, cfg TransportConfig) (Connection, error)
}

// aliasFactory 由只引用其他传输的工厂实现（如 default）。
type aliasFactory interface {
	Alias(cfg TransportConfig) (string, error)
}

// TransportConfig 为单个传输的原始配置，由对应工厂解码。
type TransportConfig struct {
	node *yaml.Node
}

// NewTransportConfig 由结构体或 map 构造配置，便于代码中装配。
func NewTransportConfig(v interface{}) (TransportConfig, error) {
	var n yaml.Node
	if err := n.Encode(v); err != nil {
		return TransportConfig{}, err
	}
	return TransportConfig{node: &n}, nil
}

// MustTransportConfig 同 NewTransportConfig，出错时 panic。
func MustTransportConfig(v interface{}) TransportConfig {
	c, err := NewTransportConfig(v)
	if err != nil {
		panic(err)
	}
	return c
}

// Decode 将配置解码到 v；配置为空时保持 v 不变。
func (c TransportConfig) Decode(v interface{}) error {
	if c.node == nil {
		return nil
	}
	return c.node.Decode(v)
}

// Scalar 返回标量配置值（例如 default: dbal），非标量返回空串。
func (c TransportConfig) Scalar() string {
	if c.node == nil || c.node.Kind != yaml.ScalarNode {
		return ""
	}
	return c.node.Value
}

func (c *TransportConfig) UnmarshalYAML(n *yaml.Node) error {
	cp := *n
	c.node = &cp
	return nil
}

func (c TransportConfig) MarshalYAML() (interface{}, error) {
	if c.node == nil {
		return nil, nil
	}
	return c.node, nil
}

const redactedValue = "******"

var (
	secretKeys      = map[string]bool{"password": true, "pass": true, "secret": true, "token": true}
	connStringKeys  = map[string]bool{"dsn": true, "uri": true, "url": true}
	kvPasswordField = regexp.MustCompile(`(?i)(password=)('[^']*'|\S+)`)
)

// Redacted 返回隐藏了密码与连接串口令的副本，用于输出配置。
func (c TransportConfig) Redacted() TransportConfig {
	if c.node == nil {
		return c
	}
	return TransportConfig{node: redactNode(c.node)}
}

func redactNode(n *yaml.Node) *yaml.Node {
	cp := *n
	cp.Content = make([]*yaml.Node, len(n.Content))
	for i, child := range n.Content {
		cp.Content[i] = redactNode(child)
	}
	if cp.Kind != yaml.MappingNode {
		return &cp
	}
	for i := 0; i+1 < len(cp.Content); i += 2 {
		key, val := strings.ToLower(cp.Content[i].Value), cp.Content[i+1]
		if val.Kind != yaml.ScalarNode || val.Value == "" {
			continue
		}
		switch {
		case secretKeys[key]:
			val.Value = redactedValue
		case connStringKeys[key]:
			val.Value = redactConnString(val.Value)
		}
	}
	return &cp
}

// redactConnString 处理 URL 形式（user:pass@host）与 libpq 的 key=value 形式。
func redactConnString(s string) string {
	if u, err := url.Parse(s); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), redactedValue)
			return u.String()
		}
	}
	return kvPasswordField.ReplaceAllString(s, "${1}"+redactedValue)
}

// ---- 内置工厂 ----

// DefaultTransportFactory 处理 transport.default，指向另一个已配置的传输。
type DefaultTransportFactory struct{}

func (DefaultTransportFactory) Name() string { return "default" }

func (DefaultTransportFactory) Alias(cfg TransportConfig) (string, error) {
	if s := cfg.Scalar(); s != "" {
		return s, nil
	}
	var v struct {
		Alias string `yaml:"alias"`
	}
	if err := cfg.Decode(&v); err != nil {
		return "", err
	}
	if v.Alias == "" {
		return "", fmt.Errorf("%w: default transport alias empty", ErrInvalidConfig)
	}
	return v.Alias, nil
}

func (DefaultTransportFactory) CreateConnection(ctx context.Context, cfg TransportConfig) (Connection, error) {
	return nil, fmt.Errorf("%w: default transport is an alias", ErrInvalidConfig)
}

// NullTransportFactory 创建 NullConnection。
type NullTransportFactory struct{}

func (NullTransportFactory) Name() string { return "null" }
func (NullTransportFactory) CreateConnection(ctx context.Context, cfg TransportConfig) (Connection, error) {
	return NewNullConnection(), nil
}

// MemoryTransportFactory 创建进程内传输。
type MemoryTransportFactory struct{}

func (MemoryTransportFactory) Name() string { return "memory" }
func (MemoryTransportFactory) CreateConnection(ctx context.Context, cfg TransportConfig) (Connection, error) {
	return NewMemoryConnection(), nil
}

// DbalTransportFactory 创建数据库传输；lazy 为 true 时返回 DbalLazyConnection。
type DbalTransportFactory struct{}

func (DbalTransportFactory) Name() string { return "dbal" }
func (DbalTransportFactory) CreateConnection(ctx context.Context, cfg TransportConfig) (Connection, error) {
	var dc DbalConfig
	if err := cfg.Decode(&dc); err != nil {
		return nil, fmt.Errorf("dbal config: %w", err)
	}
	if dc.DSN == "" {
		return nil, fmt.Errorf("%w: dbal dsn empty", ErrInvalidConfig)
	}
	if dc.Lazy {
		return NewDbalLazyConnection(dc, nil), nil
	}
	return OpenDbalConnection(ctx, dc)
}

// AmqpTransportFactory 创建 RabbitMQ 传输。
type AmqpTransportFactory struct {
	Logger Logger
}

func (AmqpTransportFactory) Name() string { return "amqp" }
func (f AmqpTransportFactory) CreateConnection(ctx context.Context, cfg TransportConfig) (Connection, error) {
	var ac AmqpConfig
	if err := cfg.Decode(&ac); err != nil {
		return nil, fmt.Errorf("amqp config: %w", err)
	}
	return NewAmqpConnection(ac, f.Logger)
}

// RedisTransportFactory 创建 Redis Streams 传输。
type RedisTransportFactory struct {
	Logger Logger
}

func (RedisTransportFactory) Name() string { return "redis" }
func (f RedisTransportFactory) CreateConnection(ctx context.Context, cfg TransportConfig) (Connection, error) {
	var rc RedisConfig
	if err := cfg.Decode(&rc); err != nil {
		return nil, fmt.Errorf("redis config: %w", err)
	}
	c, err := NewRedisConnection(rc)
	if err != nil {
		return nil, err
	}
	c.SetLogger(f.Logger)
	return c, nil
}

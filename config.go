package mqkit

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 为消息队列总配置，通常由 YAML 文件加载。
//
//	transport:
//	  default: dbal
//	  dbal: { dsn: "postgres://...", table: message_queue }
//	client:
//	  prefix: mqkit
//	  redelivered_delay_time: 10
//	persistent_services: [cache]
//	persistent_processors: [export_processor]
//	time_before_stale:
//	  default: 3600
//	  jobs: { "export.": 600 }
type Config struct {
	// Transport 传输名 -> 后端配置。default 为指向其他传输的别名。
	Transport map[string]TransportConfig `yaml:"transport"`
	// Client 为 nil 时不装配客户端（Producer/Driver/Router）。
	Client               *ClientSection  `yaml:"client"`
	PersistentServices   []string        `yaml:"persistent_services"`
	PersistentProcessors []string        `yaml:"persistent_processors"`
	TimeBeforeStale      TimeBeforeStale `yaml:"time_before_stale"`
	Consumer             ConsumerConfig  `yaml:"consumer"`
	Scheduler            SchedulerConfig `yaml:"scheduler"`
	Logger               LoggerConfig    `yaml:"logger"`
}

// ClientSection 客户端配置，空字段使用默认值。
// 从 YAML 解码时 redelivered_delay_time 缺省为 10 秒；代码中构造的零值表示不延时。
type ClientSection struct {
	Prefix             string `yaml:"prefix"`
	RouterProcessor    string `yaml:"router_processor"`
	RouterDestination  string `yaml:"router_destination"`
	DefaultDestination string `yaml:"default_destination"`
	// RedeliveredDelayTime 重投消息的延时（秒），0 表示不延时。
	RedeliveredDelayTime int  `yaml:"redelivered_delay_time"`
	TraceableProducer    bool `yaml:"traceable_producer"`
}

// ConsumerConfig 消费进程的默认限制。
type ConsumerConfig struct {
	// IdleTimeout 无消息时的休眠（毫秒）。
	IdleTimeout int `yaml:"idle_timeout"`
	// ReceiveTimeout 单次拉取的等待（毫秒），默认 1000。
	ReceiveTimeout int `yaml:"receive_timeout"`
	MessageLimit   int `yaml:"message_limit"`
	// TimeLimit 最长运行时间（秒）。
	TimeLimit     int `yaml:"time_limit"`
	MemoryLimitMB int `yaml:"memory_limit_mb"`
}

// SchedulerConfig 定时调度配置。
type SchedulerConfig struct {
	Timezone string `yaml:"timezone"`
	// Distributed 开启后通过 Redis 锁选主，只有主实例触发调度。
	Distributed   bool   `yaml:"distributed"`
	LeaderLockKey string `yaml:"leader_lock_key"`
	// LeaderTTL 锁过期时间（秒），默认 10。
	LeaderTTL int `yaml:"leader_ttl"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
}

// DefaultClientSection 返回全部取默认值的客户端配置。
func DefaultClientSection() *ClientSection {
	return &ClientSection{
		Prefix:               DefaultPrefix,
		RouterProcessor:      DefaultRouterProcessorName,
		RouterDestination:    DefaultRouterQueueName,
		DefaultDestination:   DefaultQueueName,
		RedeliveredDelayTime: DefaultRedeliveredDelaySeconds,
	}
}

func (s *ClientSection) UnmarshalYAML(n *yaml.Node) error {
	type plain ClientSection
	*s = *DefaultClientSection()
	return n.Decode((*plain)(s))
}

// UnmarshalYAML 使 `client: ~` 与 `client: {}` 一样启用客户端。
func (c *Config) UnmarshalYAML(n *yaml.Node) error {
	type plain Config
	if err := n.Decode((*plain)(c)); err != nil {
		return err
	}
	if n.Kind != yaml.MappingNode || c.Client != nil {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == "client" {
			c.Client = DefaultClientSection()
		}
	}
	return nil
}

// Redacted 返回传输配置中口令被隐藏的副本。
func (c Config) Redacted() Config {
	if c.Transport == nil {
		return c
	}
	transports := make(map[string]TransportConfig, len(c.Transport))
	for name, tc := range c.Transport {
		transports[name] = tc.Redacted()
	}
	c.Transport = transports
	return c
}

// ParseConfig 解码 YAML 并应用默认值与校验。
func ParseConfig(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadConfigFile 从文件加载配置。
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ApplyDefaults 填充未设置的字段。
func (c *Config) ApplyDefaults() {
	if c.Client != nil {
		if c.Client.Prefix == "" {
			c.Client.Prefix = DefaultPrefix
		}
		if c.Client.RouterProcessor == "" {
			c.Client.RouterProcessor = DefaultRouterProcessorName
		}
		if c.Client.RouterDestination == "" {
			c.Client.RouterDestination = DefaultRouterQueueName
		}
		if c.Client.DefaultDestination == "" {
			c.Client.DefaultDestination = DefaultQueueName
		}
	}
	if c.Consumer.ReceiveTimeout == 0 {
		c.Consumer.ReceiveTimeout = 1000
	}
	if c.Scheduler.LeaderLockKey == "" {
		c.Scheduler.LeaderLockKey = "mqkit:scheduler:leader"
	}
	if c.Scheduler.LeaderTTL == 0 {
		c.Scheduler.LeaderTTL = 10
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
}

// Validate 校验取值范围；传输名是否已注册由 Extension.Load 校验。
func (c Config) Validate() error {
	if c.Client != nil {
		if c.Client.Prefix == "" {
			return fmt.Errorf("%w: client.prefix cannot be empty", ErrInvalidConfig)
		}
		if c.Client.RouterProcessor == "" {
			return fmt.Errorf("%w: client.router_processor cannot be empty", ErrInvalidConfig)
		}
		if c.Client.RedeliveredDelayTime < 0 {
			return fmt.Errorf("%w: client.redelivered_delay_time must be >= 0", ErrInvalidConfig)
		}
	}
	for name, v := range c.TimeBeforeStale.Jobs {
		if v < NeverStale {
			return fmt.Errorf("%w: time_before_stale.jobs.%s must be >= -1", ErrInvalidConfig, name)
		}
	}
	if c.TimeBeforeStale.Default < NeverStale {
		return fmt.Errorf("%w: time_before_stale.default must be >= -1", ErrInvalidConfig)
	}
	cc := c.Consumer
	if cc.IdleTimeout < 0 || cc.ReceiveTimeout < 0 || cc.MessageLimit < 0 || cc.TimeLimit < 0 || cc.MemoryLimitMB < 0 {
		return fmt.Errorf("%w: consumer limits must be >= 0", ErrInvalidConfig)
	}
	if tz := c.Scheduler.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("%w: scheduler.timezone: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// RedeliveredDelay 重投延时。
func (s ClientSection) RedeliveredDelay() time.Duration {
	return time.Duration(s.RedeliveredDelayTime) * time.Second
}

// ConsumerOptions 转换为 QueueConsumer 选项。
func (c ConsumerConfig) ConsumerOptions() []ConsumerOption {
	return []ConsumerOption{
		WithReceiveTimeout(time.Duration(c.ReceiveTimeout) * time.Millisecond),
		WithIdleTimeout(time.Duration(c.IdleTimeout) * time.Millisecond),
	}
}

// LimitExtensions 根据配置返回限制扩展，未配置的限制不返回。
func (c ConsumerConfig) LimitExtensions() []Extension {
	var out []Extension
	if c.MessageLimit > 0 {
		out = append(out, NewLimitConsumedMessagesExtension(c.MessageLimit))
	}
	if c.TimeLimit > 0 {
		out = append(out, NewLimitConsumptionTimeExtension(time.Duration(c.TimeLimit)*time.Second))
	}
	if c.MemoryLimitMB > 0 {
		out = append(out, NewLimitMemoryExtension(uint64(c.MemoryLimitMB)<<20))
	}
	return out
}

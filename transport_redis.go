package mqkit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig Redis 传输配置。
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Prefix 为所有键的前缀，默认 "mqkit"。
	Prefix string `yaml:"prefix"`
}

const (
	redisGroup      = "mqkit"
	redisFieldMsg   = "m"
	redisMaxBlock   = time.Second
	redisMigrateMax = 100
)

// RedisConnection 基于 Redis Streams 的传输：每个队列一个 Stream 与一个消费组，
// 延时消息先写入 ZSET，在 Receive 时迁移到 Stream。不支持优先级。
type RedisConnection struct {
	rdb    *redis.Client
	prefix string
	owned  bool
	logger Logger

	mu     sync.Mutex
	groups map[string]bool
}

// NewRedisConnection 按配置创建客户端。
func NewRedisConnection(cfg RedisConfig) (*RedisConnection, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: redis addr empty", ErrInvalidConfig)
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
	c := NewRedisConnectionWithClient(rdb, cfg.Prefix)
	c.owned = true
	return c, nil
}

// NewRedisConnectionWithClient 复用已有客户端，Close 时不关闭该客户端。
func NewRedisConnectionWithClient(rdb *redis.Client, prefix string) *RedisConnection {
	if prefix == "" {
		prefix = "mqkit"
	}
	return &RedisConnection{rdb: rdb, prefix: prefix, logger: NopLogger(), groups: map[string]bool{}}
}

// SetLogger 设置日志，用于记录被丢弃的无法解析的消息。
func (c *RedisConnection) SetLogger(l Logger) {
	if l != nil {
		c.logger = l
	}
}

func (*RedisConnection) Kind() string { return KindRedis }

// Client 返回底层 Redis 客户端。
func (c *RedisConnection) Client() *redis.Client { return c.rdb }

func (c *RedisConnection) CreateSession() (Session, error) { return &redisSession{c: c}, nil }

func (c *RedisConnection) Close() error {
	if c.owned {
		return c.rdb.Close()
	}
	return nil
}

func (c *RedisConnection) streamKey(queue string) string { return c.prefix + ":queue:" + queue }
func (c *RedisConnection) delayKey(queue string) string  { return c.prefix + ":delayed:" + queue }

func (c *RedisConnection) ensureGroup(ctx context.Context, queue string) error {
	c.mu.Lock()
	ok := c.groups[queue]
	c.mu.Unlock()
	if ok {
		return nil
	}
	// 使用 "0" 从头读取，组已存在时忽略 BUSYGROUP
	err := c.rdb.XGroupCreateMkStream(ctx, c.streamKey(queue), redisGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis group create (queue=%s): %w", queue, err)
	}
	c.mu.Lock()
	c.groups[queue] = true
	c.mu.Unlock()
	return nil
}

func (c *RedisConnection) publish(ctx context.Context, queue string, msg *Message) error {
	b, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	if msg.Delay > 0 {
		member := uuid.NewString() + ":" + string(b)
		score := float64(time.Now().Add(msg.Delay).UnixMilli())
		return c.rdb.ZAdd(ctx, c.delayKey(queue), redis.Z{Score: score, Member: member}).Err()
	}
	return c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: c.streamKey(queue), Values: map[string]interface{}{redisFieldMsg: string(b)}}).Err()
}

// migrateDelayed 将到期的延时消息转存至 Stream；ZREM 成功者负责写入，避免多消费者重复迁移。
func (c *RedisConnection) migrateDelayed(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	items, err := c.rdb.ZRangeByScore(ctx, c.delayKey(queue), &redis.ZRangeBy{Min: "-inf", Max: now, Offset: 0, Count: redisMigrateMax}).Result()
	if err != nil {
		return err
	}
	for _, member := range items {
		n, err := c.rdb.ZRem(ctx, c.delayKey(queue), member).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		_, payload, ok := strings.Cut(member, ":")
		if !ok {
			continue
		}
		if err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: c.streamKey(queue), Values: map[string]interface{}{redisFieldMsg: payload}}).Err(); err != nil {
			return err
		}
	}
	return nil
}

type redisSession struct{ c *RedisConnection }

func (s *redisSession) CreateMessage(body []byte, properties, headers map[string]string) *Message {
	return newMessage(body, properties, headers)
}

func (s *redisSession) DeclareQueue(ctx context.Context, queue string) error {
	return s.c.ensureGroup(ctx, queue)
}

func (s *redisSession) CreateProducer() (Sender, error) { return redisSender{c: s.c}, nil }

func (s *redisSession) CreateConsumer(queue string) (Receiver, error) {
	return &redisReceiver{c: s.c, queue: queue, consumer: uuid.NewString(), ids: map[*Message]string{}}, nil
}

func (s *redisSession) Close() error { return nil }

type redisSender struct{ c *RedisConnection }

func (p redisSender) Send(ctx context.Context, queue string, msg *Message) error {
	if err := p.c.publish(ctx, queue, msg); err != nil {
		return fmt.Errorf("redis publish failed (queue=%s): %w", queue, err)
	}
	return nil
}

type redisReceiver struct {
	c        *RedisConnection
	queue    string
	consumer string

	mu  sync.Mutex
	ids map[*Message]string
}

func (r *redisReceiver) Queue() string { return r.queue }

func (r *redisReceiver) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	if err := r.c.ensureGroup(ctx, r.queue); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	for {
		if err := r.c.migrateDelayed(ctx, r.queue); err != nil {
			return nil, fmt.Errorf("redis migrate delayed (queue=%s): %w", r.queue, err)
		}
		block := time.Until(deadline)
		if block > redisMaxBlock {
			block = redisMaxBlock
		}
		if block < time.Millisecond {
			block = time.Millisecond
		}
		res, err := r.c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    redisGroup,
			Consumer: r.consumer,
			Streams:  []string{r.c.streamKey(r.queue), ">"},
			Count:    1,
			Block:    block,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("redis receive (queue=%s): %w", r.queue, err)
		}
		if len(res) > 0 && len(res[0].Messages) > 0 {
			if msg := r.decode(ctx, res[0].Messages[0]); msg != nil {
				return msg, nil
			}
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
	}
}

// decode 无法解析的条目确认删除并返回 nil，消费继续。
func (r *redisReceiver) decode(ctx context.Context, xm redis.XMessage) *Message {
	raw, _ := xm.Values[redisFieldMsg].(string)
	msg, err := decodeMessage([]byte(raw))
	if err != nil {
		serr := r.settle(context.WithoutCancel(ctx), xm.ID)
		r.c.logger.Warn(ctx, "drop undecodable redis entry",
			"queue", r.queue, "entry_id", xm.ID, "error", err, "settle_error", serr)
		return nil
	}
	r.mu.Lock()
	r.ids[msg] = xm.ID
	r.mu.Unlock()
	return msg
}

func (r *redisReceiver) take(msg *Message) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ids[msg]
	if !ok {
		return "", errors.New("redis: message was not received by this consumer")
	}
	delete(r.ids, msg)
	return id, nil
}

func (r *redisReceiver) settle(ctx context.Context, id string) error {
	key := r.c.streamKey(r.queue)
	_, err := r.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, key, redisGroup, id)
		pipe.XDel(ctx, key, id)
		return nil
	})
	return err
}

func (r *redisReceiver) Acknowledge(ctx context.Context, msg *Message) error {
	id, err := r.take(msg)
	if err != nil {
		return err
	}
	return r.settle(ctx, id)
}

func (r *redisReceiver) Reject(ctx context.Context, msg *Message, requeue bool) error {
	id, err := r.take(msg)
	if err != nil {
		return err
	}
	if requeue {
		cp := msg.Clone()
		cp.Redelivered = true
		if err := r.c.publish(ctx, r.queue, cp); err != nil {
			return err
		}
	}
	return r.settle(ctx, id)
}

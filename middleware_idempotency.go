package mqkit

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"
)

// KV 是幂等中间件依赖的最小键值接口，便于单元测试注入 mock。
type KV interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// IdempotencyConfig 配置幂等中间件。
// Key 计算顺序：优先 Message.ID；若为空且提供 KeyFunc，则使用 KeyFunc。
// 路由复制的消息共享 ID，因此 key 追加处理器名。
// 最终存储 key 为 Prefix + ":" + sha1(keyRaw + "|" + processor)。
type IdempotencyConfig struct {
	KV      KV
	Prefix  string        // key 前缀，默认 "mqkit:idem"
	TTL     time.Duration // 幂等键过期时间，默认 24h
	KeyFunc func(ctx context.Context, m *Message) (string, error)
}

// NewIdempotencyMiddleware 生成处理器中间件：重复消息直接 ACK；
// 处理未成功（非 ACK 或出错）时删除幂等键，允许重投后再次处理。
func NewIdempotencyMiddleware(cfg IdempotencyConfig) Middleware {
	if cfg.KV == nil {
		panic("IdempotencyMiddleware requires KV")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "mqkit:idem"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return func(next Processor) Processor {
		return ProcessorFunc(func(ctx context.Context, m *Message, s Session) (Status, error) {
			keyRaw := m.ID
			if keyRaw == "" && cfg.KeyFunc != nil {
				if k, err := cfg.KeyFunc(ctx, m); err == nil {
					keyRaw = k
				}
			}
			if keyRaw == "" {
				return next.Process(ctx, m, s)
			}
			if p := m.Property(PropertyProcessorName); p != "" {
				keyRaw += "|" + p
			}
			h := sha1.Sum([]byte(keyRaw))
			storeKey := fmt.Sprintf("%s:%s", prefix, hex.EncodeToString(h[:]))
			ok, err := cfg.KV.SetNX(ctx, storeKey, "1", cfg.TTL)
			if err != nil {
				return "", err
			}
			if !ok {
				return StatusAck, nil // 已处理，直接跳过
			}
			status, err := next.Process(ctx, m, s)
			if err != nil || status != StatusAck {
				_ = cfg.KV.Del(ctx, storeKey)
			}
			return status, err
		})
	}
}

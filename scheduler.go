package mqkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	cronv3 "github.com/robfig/cron/v3"
)

// Scheduler 按 Cron 表达式（含秒字段）周期性发送消息或执行函数。
// 配置选主锁后，只有持有 Redis 锁的实例触发任务；消息经队列分发给所有消费者。
type Scheduler struct {
	producer Producer
	logger   Logger
	loc      *time.Location
	cron     *cronv3.Cron

	mu  sync.Mutex
	ids map[string]cronv3.EntryID

	rdb        *redis.Client
	lockKey    string
	lockTTL    time.Duration
	instanceID string
	leading    atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// SchedulerOption 配置 Scheduler。
type SchedulerOption func(*Scheduler) error

// WithTimezone 指定调度时区，默认 time.Local。
func WithTimezone(tz string) SchedulerOption {
	return func(s *Scheduler) error {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("%w: timezone %s: %v", ErrInvalidConfig, tz, err)
		}
		s.loc = loc
		return nil
	}
}

func WithSchedulerLogger(l Logger) SchedulerOption {
	return func(s *Scheduler) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithLeaderLock 通过 Redis SET NX 选主，ttl 默认 10s，按 ttl/2 续租。
func WithLeaderLock(rdb *redis.Client, key string, ttl time.Duration) SchedulerOption {
	return func(s *Scheduler) error {
		if rdb == nil {
			return fmt.Errorf("%w: leader lock requires redis client", ErrInvalidConfig)
		}
		if key == "" {
			key = "mqkit:scheduler:leader"
		}
		if ttl <= 0 {
			ttl = 10 * time.Second
		}
		s.rdb, s.lockKey, s.lockTTL = rdb, key, ttl
		return nil
	}
}

// renewLeader 仅当锁仍属于本实例时续期。
var renewLeader = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// releaseLeader 仅当锁属于本实例时删除。
var releaseLeader = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// NewScheduler producer 可为 nil，此时只能使用 AddFunc。
func NewScheduler(producer Producer, opts ...SchedulerOption) (*Scheduler, error) {
	s := &Scheduler{
		producer:   producer,
		logger:     defaultLogger(),
		loc:        time.Local,
		ids:        map[string]cronv3.EntryID{},
		instanceID: uuid.NewString(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.cron = cronv3.New(cronv3.WithSeconds(), cronv3.WithLocation(s.loc))
	return s, nil
}

// AddMessage 按 spec 周期性发送消息到 topic；name 为空时以 spec 作为标识，同名任务被替换。
func (s *Scheduler) AddMessage(spec, name, topic string, body interface{}, opts ...SendOption) (string, error) {
	if s.producer == nil {
		return "", ErrClientNotConfigured
	}
	if topic == "" {
		return "", fmt.Errorf("%w: scheduled message topic empty", ErrInvalidConfig)
	}
	return s.AddFunc(spec, name, func(ctx context.Context) error {
		return s.producer.Send(ctx, topic, body, opts...)
	})
}

// AddFunc 按 spec 周期性执行 fn。
func (s *Scheduler) AddFunc(spec, name string, fn func(context.Context) error) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("%w: nil scheduled func", ErrInvalidConfig)
	}
	key := name
	if key == "" {
		key = spec
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.cron.AddFunc(spec, func() { s.run(key, fn) })
	if err != nil {
		return "", fmt.Errorf("%w: cron spec %q: %v", ErrInvalidConfig, spec, err)
	}
	if old, ok := s.ids[key]; ok {
		s.cron.Remove(old)
	}
	s.ids[key] = id
	return key, nil
}

// Remove 移除任务，不存在时忽略。
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.ids[name]; ok {
		s.cron.Remove(id)
		delete(s.ids, name)
	}
	return nil
}

// Entries 返回已注册任务名。
func (s *Scheduler) Entries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.ids))
	for k := range s.ids {
		out = append(out, k)
	}
	return out
}

// IsLeader 未配置选主锁时恒为 true。
func (s *Scheduler) IsLeader() bool {
	if s.rdb == nil {
		return true
	}
	return s.leading.Load()
}

func (s *Scheduler) run(name string, fn func(context.Context) error) {
	if !s.IsLeader() {
		return
	}
	ctx := context.Background()
	if err := fn(ctx); err != nil {
		s.logger.Error(ctx, "scheduled task failed", "name", name, "error", err)
		return
	}
	s.logger.Debug(ctx, "scheduled task done", "name", name)
}

// Start 启动调度；配置选主锁时同时启动选主协程。
func (s *Scheduler) Start(ctx context.Context) error {
	if s.rdb != nil {
		lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.cancel = cancel
		s.done = make(chan struct{})
		s.campaign(lctx)
		go s.leaderLoop(lctx)
	}
	s.cron.Start()
	return nil
}

// Stop 停止调度，等待执行中的任务结束或 ctx 超时，并释放选主锁。
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	if s.cancel != nil {
		s.cancel()
		<-s.done
		if s.leading.Swap(false) {
			if err := releaseLeader.Run(context.WithoutCancel(ctx), s.rdb, []string{s.lockKey}, s.instanceID).Err(); err != nil && !errors.Is(err, redis.Nil) {
				s.logger.Warn(ctx, "release scheduler leader lock failed", "error", err)
			}
		}
	}
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) leaderLoop(ctx context.Context) {
	defer close(s.done)
	t := time.NewTicker(s.lockTTL / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.campaign(ctx)
		}
	}
}

// campaign 持有锁时续期，否则尝试获取。
func (s *Scheduler) campaign(ctx context.Context) {
	if s.leading.Load() {
		n, err := renewLeader.Run(ctx, s.rdb, []string{s.lockKey}, s.instanceID, s.lockTTL.Milliseconds()).Int()
		if err == nil && n == 1 {
			return
		}
		s.leading.Store(false)
		s.logger.Warn(ctx, "scheduler leadership lost", "instance", s.instanceID, "error", err)
	}
	ok, err := s.rdb.SetNX(ctx, s.lockKey, s.instanceID, s.lockTTL).Result()
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn(ctx, "scheduler leader election failed", "error", err)
		}
		return
	}
	if ok {
		s.leading.Store(true)
		s.logger.Info(ctx, "scheduler leadership acquired", "instance", s.instanceID)
	}
}

package mqkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisJobStorage 以 JSON 文档保存任务：
//   - <prefix>:job:<id>            任务文档
//   - <prefix>:jobs:active         未结束根任务（ZSET，按创建时间）
//   - <prefix>:job:<id>:children   子任务（ZSET，按创建时间）
//   - <prefix>:jobs:unique:<name>  唯一根任务 ID
//   - <prefix>:jobs:owner:<owner>  根任务 ID
type RedisJobStorage struct {
	rdb    *redis.Client
	prefix string
}

// releaseUnique 仅当唯一键仍指向该任务时删除。
var releaseUnique = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// claimUnique 键不存在或仍指向 ARGV[2] 时写入新任务 ID。
var claimUnique = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur and cur ~= ARGV[2] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1])
return 1`)

func NewRedisJobStorage(rdb *redis.Client, prefix string) *RedisJobStorage {
	if prefix == "" {
		prefix = "mqkit"
	}
	return &RedisJobStorage{rdb: rdb, prefix: prefix}
}

func (s *RedisJobStorage) jobKey(id string) string        { return s.prefix + ":job:" + id }
func (s *RedisJobStorage) childrenKey(id string) string   { return s.prefix + ":job:" + id + ":children" }
func (s *RedisJobStorage) activeKey() string              { return s.prefix + ":jobs:active" }
func (s *RedisJobStorage) uniqueKey(name string) string   { return s.prefix + ":jobs:unique:" + name }
func (s *RedisJobStorage) ownerKey(ownerID string) string { return s.prefix + ":jobs:owner:" + ownerID }

func (s *RedisJobStorage) Save(ctx context.Context, job *Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	score := float64(job.CreatedAt.UnixMicro())
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.jobKey(job.ID), b, 0)
		if !job.IsRoot() {
			p.ZAddNX(ctx, s.childrenKey(job.RootJobID), redis.Z{Score: score, Member: job.ID})
			return nil
		}
		if job.OwnerID != "" {
			p.Set(ctx, s.ownerKey(job.OwnerID), job.ID, 0)
		}
		if job.Status.Finished() {
			p.ZRem(ctx, s.activeKey(), job.ID)
			return nil
		}
		p.ZAddNX(ctx, s.activeKey(), redis.Z{Score: score, Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	if job.IsRoot() && job.Unique && job.Status.Finished() {
		if err := releaseUnique.Run(ctx, s.rdb, []string{s.uniqueKey(job.Name)}, job.ID).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("release unique job %s: %w", job.Name, err)
		}
	}
	return nil
}

func (s *RedisJobStorage) CreateUniqueRootJob(ctx context.Context, job *Job, replaceID string) error {
	key := s.uniqueKey(job.Name)
	ok, err := claimUnique.Run(ctx, s.rdb, []string{key}, job.ID, replaceID).Int()
	if err != nil {
		return fmt.Errorf("claim unique job %s: %w", job.Name, err)
	}
	if ok == 0 {
		// 持有者已结束但未释放时接管一次。
		holder, err := s.rdb.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if holder == "" || holder == replaceID || !s.holderFinished(ctx, holder) {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
		}
		ok, err = claimUnique.Run(ctx, s.rdb, []string{key}, job.ID, holder).Int()
		if err != nil {
			return fmt.Errorf("claim unique job %s: %w", job.Name, err)
		}
		if ok == 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
		}
	}
	if err := s.Save(ctx, job); err != nil {
		_ = releaseUnique.Run(ctx, s.rdb, []string{key}, job.ID).Err()
		return err
	}
	return nil
}

// holderFinished 文档尚未写入的持有者视为进行中。
func (s *RedisJobStorage) holderFinished(ctx context.Context, id string) bool {
	j, err := s.Find(ctx, id)
	return err == nil && j.Status.Finished()
}

func (s *RedisJobStorage) Find(ctx context.Context, id string) (*Job, error) {
	b, err := s.rdb.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &j, nil
}

func (s *RedisJobStorage) FindRootJobByName(ctx context.Context, name string) (*Job, error) {
	j, err := s.findByPointer(ctx, s.uniqueKey(name))
	if err != nil {
		return nil, err
	}
	if j.Status.Finished() {
		return nil, ErrJobNotFound
	}
	return j, nil
}

func (s *RedisJobStorage) FindRootJobByOwner(ctx context.Context, ownerID string) (*Job, error) {
	return s.findByPointer(ctx, s.ownerKey(ownerID))
}

func (s *RedisJobStorage) findByPointer(ctx context.Context, key string) (*Job, error) {
	id, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Find(ctx, id)
}

func (s *RedisJobStorage) ChildJobs(ctx context.Context, rootID string) ([]*Job, error) {
	return s.loadSet(ctx, s.childrenKey(rootID))
}

func (s *RedisJobStorage) RootJobs(ctx context.Context) ([]*Job, error) {
	return s.loadSet(ctx, s.activeKey())
}

func (s *RedisJobStorage) loadSet(ctx context.Context, key string) ([]*Job, error) {
	ids, err := s.rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Find(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

package mqkit

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryJobStorage 进程内任务存储，用于测试与单实例部署。
type MemoryJobStorage struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	seq  map[string]int
	next int
}

func NewMemoryJobStorage() *MemoryJobStorage {
	return &MemoryJobStorage{jobs: map[string]*Job{}, seq: map[string]int{}}
}

func (s *MemoryJobStorage) Save(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seq[job.ID]; !ok {
		s.next++
		s.seq[job.ID] = s.next
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryJobStorage) CreateUniqueRootJob(ctx context.Context, job *Job, replaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.IsRoot() && j.Unique && j.Name == job.Name && !j.Status.Finished() && j.ID != replaceID && j.ID != job.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
		}
	}
	s.next++
	s.seq[job.ID] = s.next
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryJobStorage) Find(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryJobStorage) FindRootJobByName(ctx context.Context, name string) (*Job, error) {
	return s.findRoot(func(j *Job) bool { return j.Unique && j.Name == name && !j.Status.Finished() })
}

func (s *MemoryJobStorage) FindRootJobByOwner(ctx context.Context, ownerID string) (*Job, error) {
	return s.findRoot(func(j *Job) bool { return j.OwnerID == ownerID })
}

func (s *MemoryJobStorage) findRoot(match func(*Job) bool) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.sorted() {
		if j.IsRoot() && match(j) {
			return j.Clone(), nil
		}
	}
	return nil, ErrJobNotFound
}

func (s *MemoryJobStorage) ChildJobs(ctx context.Context, rootID string) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Job
	for _, j := range s.sorted() {
		if j.RootJobID == rootID {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (s *MemoryJobStorage) RootJobs(ctx context.Context) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Job
	for _, j := range s.sorted() {
		if j.IsRoot() && !j.Status.Finished() {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

// sorted 按保存顺序返回，调用方持有锁。
func (s *MemoryJobStorage) sorted() []*Job {
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return s.seq[out[a].ID] < s.seq[out[b].ID] })
	return out
}

package mqkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobStorages(t *testing.T) map[string]JobStorage {
	_, rdb := newMiniRedis(t)
	return map[string]JobStorage{
		"memory": NewMemoryJobStorage(),
		"redis":  NewRedisJobStorage(rdb, "test"),
	}
}

func TestJobStorage_Contract(t *testing.T) {
	for name, s := range jobStorages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

			_, err := s.Find(ctx, "missing")
			assert.ErrorIs(t, err, ErrJobNotFound)

			root := &Job{ID: "r1", OwnerID: "owner-1", Name: "export", Status: JobStatusNew, Unique: true,
				CreatedAt: base, Data: map[string]interface{}{"file": "a.csv"}}
			require.NoError(t, s.CreateUniqueRootJob(ctx, root, ""))
			rival := &Job{ID: "r2", OwnerID: "owner-2", Name: "export", Status: JobStatusNew, Unique: true, CreatedAt: base}
			assert.ErrorIs(t, s.CreateUniqueRootJob(ctx, rival, ""), ErrDuplicateJob)
			_, err = s.Find(ctx, "r2")
			assert.ErrorIs(t, err, ErrJobNotFound)
			for i, id := range []string{"c1", "c2", "c3"} {
				c := &Job{ID: id, Name: "export:" + id, Status: JobStatusNew, RootJobID: "r1",
					CreatedAt: base.Add(time.Duration(i+1) * time.Second)}
				require.NoError(t, s.Save(ctx, c))
			}

			got, err := s.Find(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, "owner-1", got.OwnerID)
			assert.Equal(t, "a.csv", got.Data["file"])
			assert.True(t, got.CreatedAt.Equal(base))

			byName, err := s.FindRootJobByName(ctx, "export")
			require.NoError(t, err)
			assert.Equal(t, "r1", byName.ID)
			byOwner, err := s.FindRootJobByOwner(ctx, "owner-1")
			require.NoError(t, err)
			assert.Equal(t, "r1", byOwner.ID)
			_, err = s.FindRootJobByOwner(ctx, "owner-x")
			assert.ErrorIs(t, err, ErrJobNotFound)

			children, err := s.ChildJobs(ctx, "r1")
			require.NoError(t, err)
			require.Len(t, children, 3)
			assert.Equal(t, []string{"c1", "c2", "c3"}, []string{children[0].ID, children[1].ID, children[2].ID})

			roots, err := s.RootJobs(ctx)
			require.NoError(t, err)
			require.Len(t, roots, 1)

			got.Data["file"] = "changed"
			again, err := s.Find(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, "a.csv", again.Data["file"], "stored copy is isolated")

			root.Status = JobStatusSuccess
			require.NoError(t, s.Save(ctx, root))
			_, err = s.FindRootJobByName(ctx, "export")
			assert.ErrorIs(t, err, ErrJobNotFound)
			roots, err = s.RootJobs(ctx)
			require.NoError(t, err)
			assert.Empty(t, roots)
			byOwner, err = s.FindRootJobByOwner(ctx, "owner-1")
			require.NoError(t, err)
			assert.Equal(t, JobStatusSuccess, byOwner.Status)
		})
	}
}

func TestRedisJobStorage_UniqueKeyReleasedOnlyByOwner(t *testing.T) {
	mr, rdb := newMiniRedis(t)
	s := NewRedisJobStorage(rdb, "")
	ctx := context.Background()
	now := time.Now()

	old := &Job{ID: "old", OwnerID: "o1", Name: "sync", Status: JobStatusRunning, Unique: true, CreatedAt: now}
	require.NoError(t, s.CreateUniqueRootJob(ctx, old, ""))
	fresh := &Job{ID: "fresh", OwnerID: "o2", Name: "sync", Status: JobStatusNew, Unique: true, CreatedAt: now.Add(time.Second)}
	assert.ErrorIs(t, s.CreateUniqueRootJob(ctx, fresh, "other"), ErrDuplicateJob)
	require.NoError(t, s.CreateUniqueRootJob(ctx, fresh, "old"))

	old.Status = JobStatusStale
	require.NoError(t, s.Save(ctx, old))

	v, err := mr.Get("mqkit:jobs:unique:sync")
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)

	fresh.Status = JobStatusSuccess
	require.NoError(t, s.Save(ctx, fresh))
	assert.False(t, mr.Exists("mqkit:jobs:unique:sync"))
}

func TestRedisJobStorage_ClaimsKeyLeftByFinishedJob(t *testing.T) {
	mr, rdb := newMiniRedis(t)
	s := NewRedisJobStorage(rdb, "")
	ctx := context.Background()

	done := &Job{ID: "done", OwnerID: "o1", Name: "sync", Status: JobStatusSuccess, Unique: true, CreatedAt: time.Now()}
	require.NoError(t, s.Save(ctx, done))
	require.NoError(t, mr.Set("mqkit:jobs:unique:sync", "done"))

	next := &Job{ID: "next", OwnerID: "o2", Name: "sync", Status: JobStatusNew, Unique: true, CreatedAt: time.Now()}
	require.NoError(t, s.CreateUniqueRootJob(ctx, next, ""))
	v, err := mr.Get("mqkit:jobs:unique:sync")
	require.NoError(t, err)
	assert.Equal(t, "next", v)
}

func TestJobProcessor_ConcurrentUniqueRootJobs(t *testing.T) {
	for name, s := range jobStorages(t) {
		t.Run(name, func(t *testing.T) {
			p := NewJobProcessor(s, nil, nil)
			ctx := context.Background()

			const workers = 50
			var (
				wg      sync.WaitGroup
				created atomic.Int32
				dup     atomic.Int32
			)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := p.FindOrCreateRootJob(ctx, fmt.Sprintf("owner-%d", i), "export", true)
					switch {
					case err == nil:
						created.Add(1)
					case errors.Is(err, ErrDuplicateJob):
						dup.Add(1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			wg.Wait()

			assert.Equal(t, int32(1), created.Load())
			assert.Equal(t, int32(workers-1), dup.Load())
			roots, err := s.RootJobs(ctx)
			require.NoError(t, err)
			assert.Len(t, roots, 1)
		})
	}
}

func TestJobProcessor_ConcurrentCallsForOneOwner(t *testing.T) {
	p := NewJobProcessor(NewMemoryJobStorage(), nil, nil)
	ctx := context.Background()

	ids := make([]string, 10)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			j, err := p.FindOrCreateRootJob(ctx, "owner-1", "export", true)
			if assert.NoError(t, err) {
				ids[i] = j.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestJobProcessor_WithRedisStorage(t *testing.T) {
	_, rdb := newMiniRedis(t)
	p := NewJobProcessor(NewRedisJobStorage(rdb, ""), nil, nil)
	runner := NewJobRunner(p)
	ctx := context.Background()

	var rootID string
	ok, err := runner.RunUnique(ctx, "msg-1", "import", func(ctx context.Context, r *JobRunner, job *Job) (bool, error) {
		rootID = r.RootJob().ID
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, ok)

	root, err := p.Storage().Find(ctx, rootID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusSuccess, root.Status)

	ok, err = runner.RunUnique(ctx, "msg-2", "import", func(context.Context, *JobRunner, *Job) (bool, error) { return true, nil })
	require.NoError(t, err)
	assert.True(t, ok)
}

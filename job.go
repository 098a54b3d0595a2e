package mqkit

import (
	"context"
	"time"
)

// JobStatus 任务状态。
type JobStatus string

const (
	JobStatusNew       JobStatus = "new"
	JobStatusRunning   JobStatus = "running"
	JobStatusSuccess   JobStatus = "success"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusStale     JobStatus = "stale"
)

// Finished 是否为终态。
func (s JobStatus) Finished() bool {
	switch s {
	case JobStatusSuccess, JobStatusFailed, JobStatusCancelled, JobStatusStale:
		return true
	}
	return false
}

// Job 描述一个根任务或其子任务。根任务的 RootJobID 为空。
type Job struct {
	ID           string                 `json:"id"`
	OwnerID      string                 `json:"owner_id,omitempty"`
	Name         string                 `json:"name"`
	Status       JobStatus              `json:"status"`
	Interrupted  bool                   `json:"interrupted,omitempty"`
	Unique       bool                   `json:"unique,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
	RootJobID    string                 `json:"root_job_id,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    time.Time              `json:"started_at,omitempty"`
	StoppedAt    time.Time              `json:"stopped_at,omitempty"`
	LastActiveAt time.Time              `json:"last_active_at,omitempty"`
}

func (j *Job) IsRoot() bool { return j.RootJobID == "" }

// Clone 返回副本，Data 浅拷贝。
func (j *Job) Clone() *Job {
	cp := *j
	if j.Data != nil {
		cp.Data = make(map[string]interface{}, len(j.Data))
		for k, v := range j.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}

// lastActivity 返回最近一次活动时间。
func (j *Job) lastActivity() time.Time {
	if !j.LastActiveAt.IsZero() {
		return j.LastActiveAt
	}
	if !j.StartedAt.IsZero() {
		return j.StartedAt
	}
	return j.CreatedAt
}

// JobStorage 任务持久化。未找到时返回 ErrJobNotFound。
type JobStorage interface {
	Save(ctx context.Context, job *Job) error
	// CreateUniqueRootJob 原子地占用 job.Name 并保存根任务。
	// 名称被 replaceID 以外的未结束任务占用时返回 ErrDuplicateJob。
	CreateUniqueRootJob(ctx context.Context, job *Job, replaceID string) error
	Find(ctx context.Context, id string) (*Job, error)
	// FindRootJobByName 返回指定名称、未结束的唯一根任务。
	FindRootJobByName(ctx context.Context, name string) (*Job, error)
	// FindRootJobByOwner 返回指定 owner 的根任务。
	FindRootJobByOwner(ctx context.Context, ownerID string) (*Job, error)
	// ChildJobs 按创建顺序返回根任务的子任务。
	ChildJobs(ctx context.Context, rootID string) ([]*Job, error)
	// RootJobs 返回全部未结束的根任务。
	RootJobs(ctx context.Context) ([]*Job, error)
}

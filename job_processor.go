package mqkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobProcessor 管理根任务与子任务的生命周期，并根据子任务汇总根任务状态。
type JobProcessor struct {
	storage JobStorage
	config  *JobConfigurationProvider
	logger  Logger
	now     func() time.Time
}

func NewJobProcessor(storage JobStorage, config *JobConfigurationProvider, logger Logger) *JobProcessor {
	if config == nil {
		config = NewJobConfigurationProvider()
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &JobProcessor{storage: storage, config: config, logger: logger, now: time.Now}
}

func (p *JobProcessor) Storage() JobStorage { return p.storage }

// IsStale 未结束且最后活动时间早于阈值。
func (p *JobProcessor) IsStale(job *Job) bool {
	if job.Status.Finished() {
		return false
	}
	secs := p.config.TimeBeforeStaleForJobName(job.Name)
	if secs == NeverStale {
		return false
	}
	return !p.now().Before(job.lastActivity().Add(time.Duration(secs) * time.Second))
}

// FindOrCreateRootJob 返回 owner 的根任务，不存在时创建。
// unique 任务同名只能存在一个未结束实例：若已有实例过期则替换并将其标记为 stale，否则返回 ErrDuplicateJob。
// 名称的占用由存储原子完成，多个消费者并发创建时只有一个成功。
func (p *JobProcessor) FindOrCreateRootJob(ctx context.Context, ownerID, name string, unique bool) (*Job, error) {
	if ownerID == "" || name == "" {
		return nil, fmt.Errorf("%w: owner id and job name are required", ErrInvalidConfig)
	}
	if j, err := p.storage.FindRootJobByOwner(ctx, ownerID); err == nil {
		return j, nil
	} else if !errors.Is(err, ErrJobNotFound) {
		return nil, err
	}
	now := p.now()
	job := &Job{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Name:         name,
		Status:       JobStatusNew,
		Unique:       unique,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if !unique {
		if err := p.storage.Save(ctx, job); err != nil {
			return nil, err
		}
		return job, nil
	}

	var stale *Job
	existing, err := p.storage.FindRootJobByName(ctx, name)
	switch {
	case err == nil:
		if !p.IsStale(existing) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, name)
		}
		stale = existing
	case !errors.Is(err, ErrJobNotFound):
		return nil, err
	}
	replaceID := ""
	if stale != nil {
		replaceID = stale.ID
	}
	if err := p.storage.CreateUniqueRootJob(ctx, job, replaceID); err != nil {
		if errors.Is(err, ErrDuplicateJob) {
			// 同一 owner 并发创建时返回胜出者。
			if j, ferr := p.storage.FindRootJobByOwner(ctx, ownerID); ferr == nil {
				return j, nil
			}
		}
		return nil, err
	}
	// 先占用名称再标记旧任务，旧任务的释放不会删除新占用。
	if stale != nil {
		if err := p.markStale(ctx, stale); err != nil {
			return nil, err
		}
	}
	return job, nil
}

// FindOrCreateChildJob 在根任务下按名称查找或创建子任务。
func (p *JobProcessor) FindOrCreateChildJob(ctx context.Context, name string, root *Job) (*Job, error) {
	if !root.IsRoot() {
		return nil, fmt.Errorf("job %s is not a root job", root.ID)
	}
	children, err := p.storage.ChildJobs(ctx, root.ID)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		if c.Name == name {
			return c, nil
		}
	}
	now := p.now()
	child := &Job{
		ID:           uuid.NewString(),
		Name:         name,
		Status:       JobStatusNew,
		RootJobID:    root.ID,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := p.storage.Save(ctx, child); err != nil {
		return nil, err
	}
	return child, p.recalculateRoot(ctx, root.ID)
}

func (p *JobProcessor) StartChildJob(ctx context.Context, job *Job) error {
	return p.transition(ctx, job, JobStatusRunning, JobStatusNew)
}

func (p *JobProcessor) SuccessChildJob(ctx context.Context, job *Job) error {
	return p.transition(ctx, job, JobStatusSuccess, JobStatusRunning)
}

func (p *JobProcessor) FailChildJob(ctx context.Context, job *Job) error {
	return p.transition(ctx, job, JobStatusFailed, JobStatusRunning)
}

func (p *JobProcessor) CancelChildJob(ctx context.Context, job *Job) error {
	return p.transition(ctx, job, JobStatusCancelled, JobStatusNew, JobStatusRunning)
}

// transition 校验当前状态后更新子任务并重算根任务。
func (p *JobProcessor) transition(ctx context.Context, job *Job, to JobStatus, from ...JobStatus) error {
	if job.IsRoot() {
		return fmt.Errorf("job %s is a root job", job.ID)
	}
	current, err := p.storage.Find(ctx, job.ID)
	if err != nil {
		return err
	}
	allowed := false
	for _, s := range from {
		if current.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("can not change job %s status from %s to %s", job.ID, current.Status, to)
	}
	now := p.now()
	current.Status = to
	current.LastActiveAt = now
	if to == JobStatusRunning {
		current.StartedAt = now
	}
	if to.Finished() {
		current.StoppedAt = now
	}
	if err := p.storage.Save(ctx, current); err != nil {
		return err
	}
	*job = *current
	return p.recalculateRoot(ctx, job.RootJobID)
}

// InterruptRootJob 标记根任务为中断，尚未开始的子任务不再执行。
// force 时立即将根任务置为 cancelled。
func (p *JobProcessor) InterruptRootJob(ctx context.Context, root *Job, force bool) error {
	if !root.IsRoot() {
		return fmt.Errorf("job %s is not a root job", root.ID)
	}
	current, err := p.storage.Find(ctx, root.ID)
	if err != nil {
		return err
	}
	if current.Interrupted && !force {
		return nil
	}
	current.Interrupted = true
	current.LastActiveAt = p.now()
	if force && !current.Status.Finished() {
		current.Status = JobStatusCancelled
		current.StoppedAt = current.LastActiveAt
	}
	if err := p.storage.Save(ctx, current); err != nil {
		return err
	}
	*root = *current
	if force {
		return nil
	}
	return p.recalculateRoot(ctx, root.ID)
}

// recalculateRoot 根据子任务重算根任务状态：
// 全部 new 为 new；存在未结束子任务为 running；全部结束时依次取 failed、cancelled、success。
// 已中断、无运行中子任务但仍有未开始子任务的根任务为 cancelled。
func (p *JobProcessor) recalculateRoot(ctx context.Context, rootID string) error {
	root, err := p.storage.Find(ctx, rootID)
	if err != nil {
		return err
	}
	if root.Status.Finished() {
		return nil
	}
	children, err := p.storage.ChildJobs(ctx, rootID)
	if err != nil {
		return err
	}
	var nNew, nRunning, nFailed, nCancelled int
	for _, c := range children {
		switch c.Status {
		case JobStatusNew:
			nNew++
		case JobStatusRunning:
			nRunning++
		case JobStatusFailed, JobStatusStale:
			nFailed++
		case JobStatusCancelled:
			nCancelled++
		}
	}
	status := root.Status
	switch {
	case len(children) == 0:
	case root.Interrupted && nRunning == 0 && nNew > 0:
		status = JobStatusCancelled
	case nNew == len(children):
		status = JobStatusNew
	case nNew > 0 || nRunning > 0:
		status = JobStatusRunning
	case nFailed > 0:
		status = JobStatusFailed
	case nCancelled > 0:
		status = JobStatusCancelled
	default:
		status = JobStatusSuccess
	}
	now := p.now()
	if status == JobStatusRunning && root.StartedAt.IsZero() {
		root.StartedAt = now
	}
	if status.Finished() {
		root.StoppedAt = now
	}
	root.Status = status
	root.LastActiveAt = now
	return p.storage.Save(ctx, root)
}

// MarkStale 将过期的根任务及其未结束子任务标记为 stale，返回标记数量。
func (p *JobProcessor) MarkStale(ctx context.Context) (int, error) {
	roots, err := p.storage.RootJobs(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range roots {
		if !p.IsStale(r) {
			continue
		}
		if err := p.markStale(ctx, r); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (p *JobProcessor) markStale(ctx context.Context, root *Job) error {
	now := p.now()
	children, err := p.storage.ChildJobs(ctx, root.ID)
	if err != nil {
		return err
	}
	for _, c := range children {
		if c.Status.Finished() {
			continue
		}
		c.Status = JobStatusStale
		c.StoppedAt = now
		if err := p.storage.Save(ctx, c); err != nil {
			return err
		}
	}
	root.Status = JobStatusStale
	root.StoppedAt = now
	if err := p.storage.Save(ctx, root); err != nil {
		return err
	}
	p.logger.Warn(ctx, "job marked stale", "job_id", root.ID, "name", root.Name)
	return nil
}

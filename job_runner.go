package mqkit

import (
	"context"
	"fmt"
)

// JobFunc 任务体；返回 false 或 error 时子任务标记为 failed。
type JobFunc func(ctx context.Context, runner *JobRunner, job *Job) (bool, error)

// JobRunner 在根任务上下文中运行子任务。
type JobRunner struct {
	processor *JobProcessor
	root      *Job
}

func NewJobRunner(processor *JobProcessor) *JobRunner {
	return &JobRunner{processor: processor}
}

// RootJob 当前上下文的根任务，RunUnique 之外为 nil。
func (r *JobRunner) RootJob() *Job { return r.root }

// RunUnique 以唯一根任务运行 fn；同名任务仍在运行时返回 ErrDuplicateJob。
func (r *JobRunner) RunUnique(ctx context.Context, ownerID, name string, fn JobFunc) (bool, error) {
	root, err := r.processor.FindOrCreateRootJob(ctx, ownerID, name, true)
	if err != nil {
		return false, err
	}
	child, err := r.processor.FindOrCreateChildJob(ctx, name, root)
	if err != nil {
		return false, err
	}
	if root.Interrupted {
		if !child.Status.Finished() {
			if err := r.processor.CancelChildJob(ctx, child); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	if child.Status == JobStatusNew {
		if err := r.processor.StartChildJob(ctx, child); err != nil {
			return false, err
		}
	}
	return r.execute(ctx, &JobRunner{processor: r.processor, root: root}, child, fn)
}

// CreateDelayed 在当前根任务下创建子任务，fn 通常负责发送携带 job.ID 的消息。
func (r *JobRunner) CreateDelayed(ctx context.Context, name string, fn JobFunc) (bool, error) {
	if r.root == nil {
		return false, fmt.Errorf("create delayed job %s: no root job in context", name)
	}
	child, err := r.processor.FindOrCreateChildJob(ctx, name, r.root)
	if err != nil {
		return false, err
	}
	return fn(ctx, r, child)
}

// RunDelayed 运行之前由 CreateDelayed 创建的子任务；根任务已中断时取消该子任务。
func (r *JobRunner) RunDelayed(ctx context.Context, jobID string, fn JobFunc) (bool, error) {
	child, err := r.processor.Storage().Find(ctx, jobID)
	if err != nil {
		return false, err
	}
	if child.IsRoot() {
		return false, fmt.Errorf("job %s is a root job", jobID)
	}
	root, err := r.processor.Storage().Find(ctx, child.RootJobID)
	if err != nil {
		return false, err
	}
	if root.Interrupted {
		if !child.Status.Finished() {
			if err := r.processor.CancelChildJob(ctx, child); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	if child.Status.Finished() {
		return child.Status == JobStatusSuccess, nil
	}
	if child.Status == JobStatusNew {
		if err := r.processor.StartChildJob(ctx, child); err != nil {
			return false, err
		}
	}
	return r.execute(ctx, &JobRunner{processor: r.processor, root: root}, child, fn)
}

func (r *JobRunner) execute(ctx context.Context, scoped *JobRunner, child *Job, fn JobFunc) (bool, error) {
	ok, err := fn(ctx, scoped, child)
	if err != nil || !ok {
		if ferr := r.processor.FailChildJob(ctx, child); ferr != nil {
			return false, ferr
		}
		return false, err
	}
	if err := r.processor.SuccessChildJob(ctx, child); err != nil {
		return false, err
	}
	return true, nil
}

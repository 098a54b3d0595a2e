package main

import (
	"context"
	"errors"
	"fmt"

	mqkit "github.com/northseadl/mqkit"
)

// 唯一任务：同名任务运行期间再次启动会返回 ErrDuplicateJob。
func main() {
	ctx := context.Background()
	cfg := mqkit.Config{
		TimeBeforeStale: mqkit.TimeBeforeStale{Default: 3600, Jobs: map[string]int{"export.": 600}},
	}
	c, err := mqkit.New(ctx, cfg)
	if err != nil {
		panic(err)
	}
	defer func() { _ = c.Close(ctx) }()

	runner := c.JobRunner()
	ok, err := runner.RunUnique(ctx, "msg-1", "export.products", func(ctx context.Context, r *mqkit.JobRunner, job *mqkit.Job) (bool, error) {
		fmt.Println("[Jobs] 执行:", job.Name)
		_, err := runner.RunUnique(ctx, "msg-2", "export.products", func(context.Context, *mqkit.JobRunner, *mqkit.Job) (bool, error) {
			return true, nil
		})
		if errors.Is(err, mqkit.ErrDuplicateJob) {
			fmt.Println("[Jobs] 重复任务被拒绝")
		}
		return true, nil
	})
	fmt.Println("[Jobs] 结果:", ok, err)

	root, _ := c.JobStorage().FindRootJobByOwner(ctx, "msg-1")
	fmt.Println("[Jobs] 根任务状态:", root.Status)
	fmt.Println("[Jobs] 过期阈值(s):", c.JobConfigurationProvider().TimeBeforeStaleForJobName("export.products"))
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newJobsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and maintain jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stale",
		Short: "Mark root jobs past their time_before_stale as stale",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := root.load(ctx)
			if err != nil {
				return err
			}
			defer c.Close(ctx)
			n, err := c.JobProcessor().MarkStale(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d job(s) marked stale\n", n)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List unfinished root jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := root.load(ctx)
			if err != nil {
				return err
			}
			defer c.Close(ctx)
			jobs, err := c.JobStorage().RootJobs(ctx)
			if err != nil {
				return err
			}
			p := c.JobProcessor()
			for _, j := range jobs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tstale=%t\n", j.ID, j.Name, j.Status, p.IsStale(j))
			}
			return nil
		},
	})
	return cmd
}

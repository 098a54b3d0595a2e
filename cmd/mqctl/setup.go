package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type tableCreator interface {
	CreateTable(ctx context.Context) error
}

func newSetupCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Create broker-side structures (dbal tables, amqp queues)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := root.load(ctx)
			if err != nil {
				return err
			}
			defer c.Close(ctx)
			if tc, ok := c.Connection().(tableCreator); ok {
				if err := tc.CreateTable(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "message table ready")
			}
			if !c.HasClient() {
				return nil
			}
			driver, err := c.Driver()
			if err != nil {
				return err
			}
			cc := driver.Config()
			queues := append([]string{cc.RouterQueueName()}, c.Topics().Queues(cc.DefaultQueueName())...)
			for _, q := range dedupe(queues) {
				if err := driver.DeclareQueue(ctx, q); err != nil {
					return fmt.Errorf("declare %s: %w", q, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queue %s declared\n", cc.TransportQueueName(q))
			}
			return nil
		},
	}
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

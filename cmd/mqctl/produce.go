package main

import (
	"fmt"
	"time"

	"github.com/northseadl/mqkit"
	"github.com/spf13/cobra"
)

func newProduceCmd(root *rootOptions) *cobra.Command {
	var (
		topic     string
		body      string
		priority  int
		delay     time.Duration
		processor string
		queue     string
	)
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Send a message to a topic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if topic == "" {
				return fmt.Errorf("--topic is required")
			}
			ctx := cmd.Context()
			c, err := root.load(ctx)
			if err != nil {
				return err
			}
			defer c.Close(ctx)
			p, err := c.Producer()
			if err != nil {
				return err
			}
			opts := []mqkit.SendOption{mqkit.WithPriority(mqkit.Priority(priority)), mqkit.WithDelay(delay)}
			if processor != "" {
				opts = append(opts, mqkit.WithProcessor(processor))
			}
			if queue != "" {
				opts = append(opts, mqkit.WithQueue(queue))
			}
			if err := p.Send(ctx, topic, body, opts...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent to %s\n", topic)
			return nil
		},
	}
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "topic name")
	cmd.Flags().StringVarP(&body, "body", "b", "", "message body (sent as text/plain)")
	cmd.Flags().IntVar(&priority, "priority", int(mqkit.PriorityNormal), "priority 0 (very low) to 4 (very high)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delivery delay")
	cmd.Flags().StringVar(&processor, "processor", "", "send directly to this processor, bypassing the router")
	cmd.Flags().StringVar(&queue, "queue", "", "client queue for --processor (default: default queue)")
	return cmd
}

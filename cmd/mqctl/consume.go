package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/northseadl/mqkit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newConsumeCmd(root *rootOptions) *cobra.Command {
	var (
		queues       []string
		messageLimit int
		timeLimit    time.Duration
		memoryLimit  int
		metricsAddr  string
	)
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume client queues until interrupted",
		Long:  "Consume the router queue and subscribed queues (or the queues given by --queue) with the configured extensions.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if messageLimit > 0 {
				cfg.Consumer.MessageLimit = messageLimit
			}
			if timeLimit > 0 {
				cfg.Consumer.TimeLimit = int(timeLimit.Seconds())
			}
			if memoryLimit > 0 {
				cfg.Consumer.MemoryLimitMB = memoryLimit
			}
			ctx := cmd.Context()
			var opts []mqkit.Option
			if metricsAddr != "" {
				reg := prometheus.NewRegistry()
				reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
				opts = append(opts, mqkit.WithMetrics(reg))
				srv := serveMetrics(metricsAddr, reg)
				defer srv.Shutdown(context.WithoutCancel(ctx))
			}
			c, err := mqkit.New(ctx, cfg, opts...)
			if err != nil {
				return err
			}
			defer c.Close(ctx)
			consumer, err := c.NewConsumer(queues...)
			if err != nil {
				return err
			}
			c.Logger().Info(ctx, "consumer starting", "queues", consumer.Queues())
			return consumer.Consume(ctx, nil)
		},
	}
	cmd.Flags().StringSliceVarP(&queues, "queue", "q", nil, "client queue names to consume (default: router and subscribed queues)")
	cmd.Flags().IntVar(&messageLimit, "message-limit", 0, "stop after consuming this many messages")
	cmd.Flags().DurationVar(&timeLimit, "time-limit", 0, "stop after running for this long")
	cmd.Flags().IntVar(&memoryLimit, "memory-limit", 0, "stop when heap usage exceeds this many MB")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9102")
	return cmd
}

// serveMetrics 在后台暴露 /metrics。
func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg, ErrorHandling: promhttp.ContinueOnError}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mqkit.NewLogger(os.Stderr, "info").Error(context.Background(), "metrics server stopped", "error", err)
		}
	}()
	return srv
}

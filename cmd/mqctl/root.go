package main

import (
	"context"

	"github.com/northseadl/mqkit"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "mqctl",
		Short:         "Message queue operator tool",
		Long:          "Consume, produce and inspect messages of an mqkit message queue configured by a YAML file.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "mqkit.yaml", "path to the YAML configuration")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logger.level")

	cmd.AddCommand(
		newConsumeCmd(opts),
		newProduceCmd(opts),
		newConfigCmd(opts),
		newSetupCmd(opts),
		newJobsCmd(opts),
	)
	return cmd
}

func (o *rootOptions) loadConfig() (mqkit.Config, error) {
	cfg, err := mqkit.LoadConfigFile(o.configPath)
	if err != nil {
		return mqkit.Config{}, err
	}
	if o.logLevel != "" {
		cfg.Logger.Level = o.logLevel
	}
	return cfg, nil
}

func (o *rootOptions) load(ctx context.Context) (*mqkit.Container, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return mqkit.New(ctx, cfg)
}

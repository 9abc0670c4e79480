package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/downtoearthtw/proxy-aggregator/internal/buildinfo"
	"github.com/downtoearthtw/proxy-aggregator/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

type cliFlag struct {
	name  string
	key   string
	usage string
	def   any
}

var flagConfigs = []cliFlag{
	{name: "output", key: "output.dir", usage: "directory for generated artifacts", def: "output"},
	{name: "max-nodes", key: "output.max_nodes", usage: "maximum nodes per rendered subscription", def: 200},
	{name: "concurrency", key: "testing.max_concurrent", usage: "maximum concurrent probes", def: 50},
	{name: "timeout", key: "testing.timeout_seconds", usage: "per-stage probe timeout in seconds", def: 10},
	{name: "reputation", key: "reputation.provider", usage: "reputation provider: ipapi, offline or none", def: "ipapi"},
	{name: "history", key: "history.db_path", usage: "SQLite run history path (empty disables)", def: ""},
	{name: "log-level", key: "log.level", usage: "log level", def: "info"},
	{name: "log-format", key: "log.format", usage: "log format: text or json", def: "text"},
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var configPath string

	root := &cobra.Command{
		Use:           filepath.Base(os.Args[0]),
		Short:         "Aggregate, test and republish proxy subscriptions",
		Version:       buildinfo.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "settings file (json or yaml)")
	for _, item := range flagConfigs {
		switch d := item.def.(type) {
		case string:
			root.PersistentFlags().String(item.name, d, item.usage)
		case int:
			root.PersistentFlags().Int(item.name, d, item.usage)
		}
		_ = v.BindPFlag(item.key, root.PersistentFlags().Lookup(item.name))
	}

	load := func(cmd *cobra.Command) (*config.Config, error) {
		explicit := cmd.Flags().Changed("config")
		if err := config.ReadFile(v, configPath, explicit); err != nil {
			return nil, err
		}
		cfg, err := config.Load(v)
		if err != nil {
			return nil, err
		}
		setupLogging(cfg)
		if used := v.ConfigFileUsed(); used != "" {
			if abs, err := filepath.Abs(used); err == nil {
				logrus.WithField("path", abs).Debug("using config file")
			}
		}
		return cfg, nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one aggregation batch and write the artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			return runOnce(cmd.Context(), cfg)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve subscriptions over HTTP and refresh them on a schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	})
	return root
}

func setupLogging(cfg *config.Config) {
	logrus.SetLevel(cfg.LogLevel)
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

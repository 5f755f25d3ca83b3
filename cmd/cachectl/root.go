package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/firewatch-np/fire-feed-service/internal/cache"
	"github.com/firewatch-np/fire-feed-service/internal/config"
	"github.com/firewatch-np/fire-feed-service/internal/observability"
)

type rootOptions struct {
	cacheDir string
	verbose  bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "cachectl",
		Short: "Inspect and maintain the fire-feed observation cache",
		Long: `cachectl lists, clears and prunes the disk tier of the fire-feed cache
and can refresh a single (date, source) entry from the upstream providers.
It reads config/{ENV_NAME}.yaml from the working directory unless --cache-dir is given.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.cacheDir, "cache-dir", "", "disk cache directory (overrides cache.dir)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log to stderr")

	root.AddCommand(
		newListCmd(opts),
		newClearCmd(opts),
		newPruneCmd(opts),
		newFetchCmd(opts),
	)
	return root
}

func (o *rootOptions) logger() *zap.Logger {
	if !o.verbose {
		return zap.NewNop()
	}
	logger, err := observability.NewLogger()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// loadConfig reads service config, applying --cache-dir.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if o.cacheDir != "" {
		cfg.CacheDir = o.cacheDir
	}
	return cfg, nil
}

// diskStore opens the disk tier alone. --cache-dir skips loading config.
func (o *rootOptions) diskStore() (*cache.DiskStore, error) {
	if o.cacheDir != "" {
		return cache.NewDiskStore(o.cacheDir)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return cache.NewDiskStore(cfg.CacheDir)
}

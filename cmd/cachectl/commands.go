package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/firewatch-np/fire-feed-service/internal/app"
	"github.com/firewatch-np/fire-feed-service/internal/client"
	"github.com/firewatch-np/fire-feed-service/internal/observability"
)

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List disk cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			disk, err := opts.diskStore()
			if err != nil {
				return err
			}
			entries, err := disk.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "FILE\tSIZE\tWRITTEN\tAGE")
			now := time.Now()
			for _, e := range entries {
				_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
					e.Name, e.SizeBytes, e.ModTime.UTC().Format(time.RFC3339), now.Sub(e.ModTime).Truncate(time.Second))
			}
			_ = w.Flush()
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\n%d entries in %s\n", len(entries), disk.Dir())
			return nil
		},
	}
}

func newClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every disk cache entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			disk, err := opts.diskStore()
			if err != nil {
				return err
			}
			n, err := disk.Clear(cmd.Context())
			if err != nil {
				return fmt.Errorf("clear %s: removed %d: %w", disk.Dir(), n, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
			return nil
		},
	}
}

func newPruneCmd(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove disk cache entries written before --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive, got %s", olderThan)
			}
			disk, err := opts.diskStore()
			if err != nil {
				return err
			}
			n, err := disk.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if n > 0 {
				observability.DiskPrunedTotal.Add(float64(n))
			}
			if err != nil {
				return fmt.Errorf("prune %s: removed %d: %w", disk.Dir(), n, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries older than %s\n", n, olderThan)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age threshold, e.g. 720h")
	return cmd
}

func newFetchCmd(opts *rootOptions) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "fetch DATE",
		Short: "Fetch one date from the upstream and overwrite its cache entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := opts.logger()
			ctx := cmd.Context()
			store, err := app.OpenStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			svc := app.NewService(cfg, app.NewUpstream(cfg, logger), store, nil, logger)
			n, err := svc.Refresh(ctx, args[0], source)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cached %d records for %s/%s\n", n, source, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", client.SatelliteSourceID, "NASA_FIRMS or BIPAD")
	return cmd
}

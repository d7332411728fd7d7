package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"docsync/internal/client"
	"docsync/internal/client/storage"

	"github.com/spf13/cobra"
)

// StatsOptions holds flags for the stats command.
type StatsOptions struct {
	Cleanup bool
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatsOptions{}

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show local replica statistics",
		Long: `Show document, tombstone and size statistics of the local replica.

The replica is read only unless --cleanup is given, in which case documents
whose expiry has passed are deleted before the statistics are collected.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.Context(), rootOpts, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.Cleanup, "cleanup", false, "Delete expired documents before reporting")
	return cmd
}

func runStats(ctx context.Context, opts *RootOptions, statsOpts *StatsOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	engine, err := storage.Open(storage.Options{
		Path:         opts.cfg.DBPath,
		MaxSizeBytes: opts.cfg.MaxStorage,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open local replica", err)
	}
	defer engine.Close()

	if statsOpts.Cleanup {
		if _, err := engine.CleanupExpired(ctx); err != nil {
			return WrapExitError(ExitFailure, "failed to remove expired documents", err)
		}
	}
	st, err := engine.GetStats(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read stats", err)
	}

	if opts.Format == "json" {
		return writeJSON(out, st)
	}
	printStorage(out, st)
	return nil
}

func printStats(out io.Writer, stats *client.Stats) {
	fmt.Fprintf(out, "Status:        %s\n", stats.Status)
	if stats.LastSyncTime != nil {
		fmt.Fprintf(out, "Last sync:     %s\n", stats.LastSyncTime.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "Stale writes:  %d\n", stats.StaleWrites)
	if stats.Storage != nil {
		printStorage(out, stats.Storage)
	}
}

func printStorage(out io.Writer, st *storage.Stats) {
	fmt.Fprintf(out, "Documents:     %d in %d collections\n", st.DocumentCount, st.CollectionCount)
	fmt.Fprintf(out, "Tombstones:    %d\n", st.DeletionCount)
	if st.MaxSizeBytes > 0 {
		fmt.Fprintf(out, "Size:          %d / %d bytes (%.1f%%)\n",
			st.TotalSizeBytes, st.MaxSizeBytes, float64(st.TotalSizeBytes)/float64(st.MaxSizeBytes)*100)
	} else {
		fmt.Fprintf(out, "Size:          %d bytes\n", st.TotalSizeBytes)
	}
	if st.OldestModified != nil && st.NewestModified != nil {
		fmt.Fprintf(out, "Modified:      %s .. %s\n",
			st.OldestModified.Format(time.RFC3339), st.NewestModified.Format(time.RFC3339))
	}
}

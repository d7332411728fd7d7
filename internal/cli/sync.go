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

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Since string
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync <collection>...",
		Short: "Pull collections into the local replica",
		Long: `Pull every page of the given collections from the server and merge
them into the local replica. Documents already present at an equal or
higher version are left alone.

Examples:
  syncctl sync events tasks
  syncctl sync events --since 2026-03-01T00:00:00Z`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), opts, args, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Since, "since", "", "only pull changes after this RFC3339 time")

	return cmd
}

func runSync(ctx context.Context, opts *SyncOptions, collections []string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var since *time.Time
	if opts.Since != "" {
		t, err := time.Parse(time.RFC3339Nano, opts.Since)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --since", err)
		}
		since = &t
	}

	engine, c, err := openClient(opts.RootOptions)
	if err != nil {
		return err
	}
	defer engine.Close()
	defer c.Disconnect()

	var failed error
	for _, collection := range collections {
		if err := c.SyncCollection(ctx, collection, since); err != nil {
			fmt.Fprintf(out, "✗ %s: %v\n", collection, err)
			failed = err
			continue
		}
		if opts.Format == "text" {
			fmt.Fprintf(out, "✓ %s synced\n", collection)
		}
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read stats", err)
	}
	if opts.Format == "json" {
		if err := writeJSON(out, stats); err != nil {
			return err
		}
	} else {
		printStats(out, stats)
	}

	if failed != nil {
		return WrapExitError(ExitFailure, "sync failed", failed)
	}
	return nil
}

// openClient opens the local replica and a client over it
func openClient(opts *RootOptions) (*storage.Engine, *client.Client, error) {
	engine, err := storage.Open(storage.Options{
		Path:         opts.cfg.DBPath,
		MaxSizeBytes: opts.cfg.MaxStorage,
	})
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open local replica", err)
	}

	c, err := client.New(engine, client.Options{
		ServerURL:        opts.cfg.ServerURL,
		Token:            opts.cfg.Token,
		PageSize:         opts.cfg.PageSize,
		RequestTimeout:   opts.cfg.RequestTimeout,
		AutoSyncInterval: opts.cfg.AutoSync,
	})
	if err != nil {
		engine.Close()
		return nil, nil, WrapExitError(ExitCommandError, "failed to create client", err)
	}
	return engine, c, nil
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"docsync/internal/client"

	"github.com/spf13/cobra"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <collection>...",
		Short: "Stay connected and print changes as they arrive",
		Long: `Subscribe to the given collections over the realtime channel and
print every change applied to the local replica. The client reconnects
with backoff and resyncs after each reconnect. Stop with Ctrl-C.

Examples:
  syncctl watch events
  syncctl watch events tasks --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, rootOpts, args, cmd.OutOrStdout())
		},
	}
}

func runWatch(ctx context.Context, opts *RootOptions, collections []string, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	engine, c, err := openClient(opts)
	if err != nil {
		return err
	}
	defer engine.Close()
	defer c.Disconnect()

	subs := make([]*client.Subscription, 0, len(collections))
	for _, collection := range collections {
		sub, err := c.Subscribe(collection)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to subscribe", err)
		}
		subs = append(subs, sub)
	}

	if err := c.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to start client", err)
	}

	events := make(chan client.SyncEvent)
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *client.Subscription) {
			defer wg.Done()
			for ev := range sub.Events() {
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}(sub)
	}
	go func() {
		wg.Wait()
		close(events)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := printEvent(out, opts.Format, ev); err != nil {
				return err
			}
		}
	}
}

type eventLine struct {
	Kind       client.EventKind `json:"kind"`
	Collection string           `json:"collection"`
	ID         string           `json:"id,omitempty"`
	Version    int64            `json:"version,omitempty"`
	Data       json.RawMessage  `json:"data,omitempty"`
	Error      string           `json:"error,omitempty"`
}

func toEventLine(ev client.SyncEvent) eventLine {
	line := eventLine{Kind: ev.Kind, Collection: ev.Collection}
	switch {
	case ev.Document != nil:
		line.ID, line.Version, line.Data = ev.Document.ID, ev.Document.Metadata.Version, ev.Document.Data
	case ev.Deletion != nil:
		line.ID, line.Version = ev.Deletion.ID, ev.Deletion.Version
	}
	if ev.Err != nil {
		line.Error = ev.Err.Error()
	}
	return line
}

func printEvent(out io.Writer, format string, ev client.SyncEvent) error {
	line := toEventLine(ev)
	if format == "json" {
		b, err := json.Marshal(line)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(b))
		return err
	}

	switch line.Kind {
	case client.EventError:
		_, err := fmt.Fprintf(out, "! %s/%s: %s\n", line.Collection, line.ID, line.Error)
		return err
	case client.EventDelete:
		_, err := fmt.Fprintf(out, "- %s/%s v%d\n", line.Collection, line.ID, line.Version)
		return err
	default:
		_, err := fmt.Fprintf(out, "+ %s/%s v%d %s\n", line.Collection, line.ID, line.Version, line.Data)
		return err
	}
}

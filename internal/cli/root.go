package cli

import (
	"fmt"

	"docsync/internal/config"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands. Empty flags fall back
// to the SYNC_* environment.
type RootOptions struct {
	ServerURL string
	Token     string
	Database  string
	Format    string // "json" | "text"

	cfg *config.ClientConfig
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for syncctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "syncctl - drive a docsync client",
		Long:  "Keeps a local SQLite replica of docsync collections in step with a server.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ServerURL, "server", "", "server base url (default $SYNC_SERVER_URL)")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "bearer credential (default $SYNC_TOKEN)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "local replica path (default $SYNC_DB_PATH)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

// load merges flags over the environment
func (o *RootOptions) load() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if o.ServerURL != "" {
		cfg.ServerURL = o.ServerURL
	}
	if o.Token != "" {
		cfg.Token = o.Token
	}
	if o.Database != "" {
		cfg.DBPath = o.Database
	}
	o.cfg = cfg
	return nil
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

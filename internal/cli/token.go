package cli

import (
	"errors"
	"fmt"
	"time"

	"docsync/internal/auth"

	"github.com/spf13/cobra"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Subject string
	TTL     time.Duration
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development credential",
		Long: `Sign a bearer credential for a subject with $JWT_SECRET, the same
secret the server verifies with. Meant for local development.

Examples:
  JWT_SECRET=dev syncctl token --subject alice
  export SYNC_TOKEN=$(JWT_SECRET=dev syncctl token --subject alice --ttl 1h)`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.cfg.JWTSecret == "" {
				return WrapExitError(ExitCommandError, "JWT_SECRET is required", errors.New("no signing secret"))
			}
			tok, err := auth.NewVerifier(opts.cfg.JWTSecret).Issue(opts.Subject, opts.TTL)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to issue token", err)
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"subject": opts.Subject, "token": tok})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "subject", "", "subject id the credential names (required)")
	_ = cmd.MarkFlagRequired("subject")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "credential lifetime")

	return cmd
}

package cli

import (
	"fmt"
	"time"

	"journal-billing/internal/middleware"

	"github.com/spf13/cobra"
)

type tokenOptions struct {
	secret  string
	subject string
	email   string
	ttl     time.Duration
}

// NewTokenCommand mints a bearer token for the billing API.
func NewTokenCommand(root *RootOptions) *cobra.Command {
	opts := &tokenOptions{}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.secret == "" || opts.subject == "" {
				return &ExitError{Code: ExitCommandError, Message: "--secret and --subject are required"}
			}
			if opts.ttl <= 0 {
				return &ExitError{Code: ExitCommandError, Message: "--ttl must be positive"}
			}

			j := middleware.NewJWTManager(opts.secret)
			j.TTL = opts.ttl
			token, err := j.Generate(opts.subject, opts.email)
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: "failed to sign token", Err: err}
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.secret, "secret", envOr("JWT_SECRET", ""), "HS256 secret shared with the server")
	cmd.Flags().StringVar(&opts.subject, "subject", "", "external user id (sub claim)")
	cmd.Flags().StringVar(&opts.email, "email", "", "email claim")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", time.Hour, "token lifetime")

	return cmd
}

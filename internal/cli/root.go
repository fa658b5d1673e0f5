// Package cli implements paycli, the operator tool for polling orders,
// signing gateway requests and minting test tokens.
package cli

import (
	"errors"
	"fmt"
	"time"

	"journal-billing/internal/config"
	"journal-billing/internal/poller"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // payment did not complete
	ExitCommandError = 2 // bad flags, unreachable service, bad credentials
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// GetExitCode extracts the exit code from an error.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// RootOptions holds global flags and the seams tests replace.
type RootOptions struct {
	Verbose bool

	loadGateway func() (*config.Gateway, error)
	newTimer    func(time.Duration) poller.Timer
	now         func() time.Time
}

// NewRootCommand creates the root command for paycli.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{
		loadGateway: config.LoadGateway,
		now:         time.Now,
	})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "paycli",
		Short:         "paycli - journal billing operator tool",
		Long:          "Poll payment orders, sign payment gateway requests and mint bearer tokens for the billing API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewPollCommand(opts))
	cmd.AddCommand(NewSignCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"journal-billing/internal/middleware"
	"journal-billing/internal/poller"

	"github.com/spf13/cobra"
)

type pollOptions struct {
	baseURL     string
	token       string
	jwtSecret   string
	subject     string
	maxAttempts int
}

// NewPollCommand polls one order until it settles and activates the
// subscription on success.
func NewPollCommand(root *RootOptions) *cobra.Command {
	opts := &pollOptions{}

	cmd := &cobra.Command{
		Use:   "poll <out-trade-no>",
		Short: "Poll a payment order until it completes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPoll(ctx, cmd, root, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.baseURL, "base-url", envOr("PAYCLI_BASE_URL", "http://localhost:8080"), "billing API base URL")
	cmd.Flags().StringVar(&opts.token, "token", os.Getenv("PAYCLI_TOKEN"), "bearer token of the paying user")
	cmd.Flags().StringVar(&opts.jwtSecret, "jwt-secret", "", "mint a token with this secret instead of --token")
	cmd.Flags().StringVar(&opts.subject, "subject", "", "token subject when minting with --jwt-secret")
	cmd.Flags().IntVar(&opts.maxAttempts, "max-attempts", poller.MaxAttempts, "give up after this many status queries")

	return cmd
}

func runPoll(ctx context.Context, cmd *cobra.Command, root *RootOptions, opts *pollOptions, outTradeNo string) error {
	token := opts.token
	if token == "" && opts.jwtSecret != "" {
		if opts.subject == "" {
			return &ExitError{Code: ExitCommandError, Message: "--subject is required with --jwt-secret"}
		}
		minted, err := middleware.NewJWTManager(opts.jwtSecret).Generate(opts.subject, "")
		if err != nil {
			return &ExitError{Code: ExitCommandError, Message: "failed to mint token", Err: err}
		}
		token = minted
	}
	if token == "" {
		return &ExitError{Code: ExitCommandError, Message: "a bearer token is required (--token, PAYCLI_TOKEN or --jwt-secret)"}
	}
	if opts.maxAttempts <= 0 {
		return &ExitError{Code: ExitCommandError, Message: "--max-attempts must be positive"}
	}

	p := poller.New(outTradeNo,
		&poller.HTTPStatusClient{BaseURL: opts.baseURL, Token: token},
		&poller.HTTPActivator{BaseURL: opts.baseURL, Token: token},
		nil,
	).WithMaxAttempts(opts.maxAttempts)
	if root.newTimer != nil {
		p.WithTimer(root.newTimer)
	}

	out := cmd.OutOrStdout()
	if root.Verbose {
		p.OnAttempt(func(attempt int, st poller.TradeStatus, err error) {
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "attempt %d: error: %v\n", attempt, err)
				return
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "attempt %d: %s\n", attempt, st.TradeState)
		})
	}

	result := p.Run(ctx)
	fmt.Fprintf(out, "status: %s\nattempts: %d\n", result.Status, result.Attempts)
	if result.TransactionID != "" {
		fmt.Fprintf(out, "transaction: %s\nactivated: %t\n", result.TransactionID, result.Activated)
	}

	switch {
	case result.Err != nil && result.Status == poller.StatusSucceeded:
		return &ExitError{Code: ExitFailure, Message: "payment succeeded but activation failed", Err: result.Err}
	case result.Status == poller.StatusSucceeded:
		return nil
	case result.Status == poller.StatusAborted:
		return &ExitError{Code: ExitCommandError, Message: "polling aborted", Err: result.Err}
	default:
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("payment not completed: %s", result.Status)}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

package cli

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"journal-billing/internal/gateway"

	"github.com/spf13/cobra"
)

type signOptions struct {
	method string
	path   string
	body   string
}

// NewSignCommand prints the Authorization header the gateway client would
// send for a request, using credentials from the environment.
func NewSignCommand(root *RootOptions) *cobra.Command {
	opts := &signOptions{}

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print a signed Authorization header for a gateway request",
		Example: `  paycli sign --method GET --path '/v3/pay/transactions/out-trade-no/plan_monthly_u1_1704067200000?mchid=1230000109'
  paycli sign --method POST --path /v3/pay/transactions/native --body @request.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, err := root.loadGateway()
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: "failed to load gateway credentials", Err: err}
			}

			method := strings.ToUpper(opts.method)
			if method != http.MethodGet && method != http.MethodPost {
				return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("unsupported method %q", opts.method)}
			}
			if !strings.HasPrefix(opts.path, "/") {
				return &ExitError{Code: ExitCommandError, Message: "--path must start with /"}
			}

			body := opts.body
			if name, ok := strings.CutPrefix(body, "@"); ok {
				data, err := os.ReadFile(name)
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: "failed to read body file", Err: err}
				}
				body = string(data)
			}

			header, err := gateway.NewClient(gw).WithClock(root.now).Authorization(method, opts.path, body)
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: "failed to sign request", Err: err}
			}
			fmt.Fprintln(cmd.OutOrStdout(), header)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.method, "method", http.MethodGet, "HTTP method (GET|POST)")
	cmd.Flags().StringVar(&opts.path, "path", "", "request path including the query string")
	cmd.Flags().StringVar(&opts.body, "body", "", "request body exactly as sent, or @file")
	_ = cmd.MarkFlagRequired("path")

	return cmd
}

package main

import (
	"fmt"
	"os"

	"journal-billing/internal/cli"
	"journal-billing/pkg/logging"
)

func main() {
	// keep stdout for command output
	logging.SetOutput(os.Stderr)

	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}

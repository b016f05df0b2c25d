package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// exitError carries an orchestrator exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

func main() {
	root := &cobra.Command{
		Use:           "oiat",
		Short:         "POS ingestion and accounting upload platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config-dir", "companies", "directory of per-tenant JSON configs")
	root.PersistentFlags().String("base-dir", ".", "root for uploads/, Uploaded/ and runtime state")
	root.PersistentFlags().String("dsn", "", "PostgreSQL DSN (defaults to DATABASE_URL; file/memory mode when empty)")
	root.PersistentFlags().String("token-db", "qbo_tokens.sqlite", "path to the OAuth token store")

	root.AddCommand(newRunCmd())
	root.AddCommand(newRunAllCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newStoreTokenCmd())

	if err := root.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			if exit.err != nil {
				fmt.Fprintln(os.Stderr, exit.err)
			}
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

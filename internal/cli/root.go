// Package cli implements the invoicectl operator commands.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/SalmaAmgarou/invoice/internal/queue"
)

// Execute builds the command tree and runs it against the configured
// queue backend.
func Execute(store queue.Store, log *slog.Logger) error {
	rootCmd := &cobra.Command{
		Use:           "invoicectl",
		Short:         "Operator tooling for the invoice job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(DlqCmd(store, log))
	rootCmd.AddCommand(StatusCmd(store))
	rootCmd.AddCommand(RedeliverCmd(store))

	return rootCmd.Execute()
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SalmaAmgarou/invoice/internal/queue"
)

// RedeliverCmd is the shorthand for `dlq requeue`: clone a dead job back
// into the queue so its result is produced and delivered again.
func RedeliverCmd(store queue.Store) *cobra.Command {
	return &cobra.Command{
		Use:   "redeliver <task-id>",
		Short: "Re-run a dead-lettered job under a fresh identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			newID, err := store.Requeue(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("redeliver %s: %w", args[0], err)
			}
			fmt.Printf("redelivery scheduled: %s\n", newID)
			return nil
		},
	}
}

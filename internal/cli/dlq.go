package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/SalmaAmgarou/invoice/internal/export"
	"github.com/SalmaAmgarou/invoice/internal/queue"
)

// DlqCmd groups the dead-letter operations: list, requeue, export.
func DlqCmd(store queue.Store, log *slog.Logger) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and act on dead-lettered jobs",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := store.DeadLetters(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing dead letters: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Println("dead-letter queue is empty")
				return nil
			}
			fmt.Printf("%-36s  %-7s  %-8s  %s\n", "TASK ID", "KIND", "ATTEMPTS", "LAST ERROR")
			for _, job := range jobs {
				fmt.Printf("%-36s  %-7s  %-8d  %s\n",
					job.ID, job.Descriptor.Kind, job.Attempts, job.LastError)
			}
			return nil
		},
	}

	requeueCmd := &cobra.Command{
		Use:   "requeue <task-id>",
		Short: "Clone a dead job back into the queue under a fresh identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			newID, err := store.Requeue(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("requeue %s: %w", args[0], err)
			}
			fmt.Printf("requeued %s as %s\n", args[0], newID)
			return nil
		},
	}

	var outPath string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export the dead-letter set as an XLSX workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := export.NewService(store, store, log)
			data, err := svc.ExportDeadLettersXLSX(cmd.Context())
			if err != nil {
				return err
			}
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", outPath, err)
			}
			fmt.Printf("wrote %s (%d bytes)\n", outPath, len(data))
			return nil
		},
	}
	exportCmd.Flags().StringVar(&outPath, "out", "deadletters.xlsx", "output file path")

	dlqCmd.AddCommand(listCmd)
	dlqCmd.AddCommand(requeueCmd)
	dlqCmd.AddCommand(exportCmd)
	return dlqCmd
}

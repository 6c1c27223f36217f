package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SalmaAmgarou/invoice/internal/queue"
)

// StatusCmd prints the state of one job.
func StatusCmd(store queue.Store) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show the current state of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("fetching job %s: %w", args[0], err)
			}
			fmt.Printf("task_id:      %s\n", job.ID)
			fmt.Printf("kind:         %s\n", job.Descriptor.Kind)
			fmt.Printf("status:       %s\n", job.Status)
			fmt.Printf("attempts:     %d/%d\n", job.Attempts, job.MaxAttempts)
			fmt.Printf("submitted_at: %s\n", job.SubmittedAt.Format("2006-01-02 15:04:05"))
			if job.LastError != "" {
				fmt.Printf("last_error:   %s\n", job.LastError)
			}
			if job.FinishedAt != nil {
				fmt.Printf("finished_at:  %s\n", job.FinishedAt.Format("2006-01-02 15:04:05"))
			}

			recs, err := store.Attempts(cmd.Context(), job.ID)
			if err == nil && len(recs) > 0 {
				fmt.Println("deliveries:")
				for _, rec := range recs {
					line := fmt.Sprintf("  #%d at %s", rec.Attempt, rec.SentAt.Format("15:04:05"))
					if rec.Err != "" {
						line += " error=" + rec.Err
					} else {
						line += fmt.Sprintf(" status=%d", rec.StatusCode)
					}
					fmt.Println(line)
				}
			}
			return nil
		},
	}
}

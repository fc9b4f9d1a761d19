package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pibrain/pibrain/internal/queue"
)

// NewEnqueueCommand force-enqueues one segment for analysis at user priority.
func NewEnqueueCommand() *cobra.Command {
	var jobType string

	cmd := &cobra.Command{
		Use:   "enqueue <session-path> <start-id> <end-id>",
		Short: "Force-enqueue a segment for analysis",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgErr := loadConfig(cmd)
			if cfgErr != nil {
				return cfgErr
			}

			s, q, openErr := openComponents(cfg)
			if openErr != nil {
				return openErr
			}
			defer s.Close()

			job, enqErr := q.Enqueue(cmd.Context(), queue.Input{
				Type:        queue.JobType(jobType),
				SessionPath: args[0],
				StartID:     args[1],
				EndID:       args[2],
			})
			if enqErr != nil {
				return enqErr
			}

			fmt.Fprintf(os.Stdout, "Enqueued %s job %s (priority %d)\n", job.Type, job.ID, job.Priority)

			return nil
		},
	}

	cmd.Flags().StringVar(&jobType, "type", string(queue.TypeUser), "job type (user|fork|initial|reanalysis|connection)")

	return cmd
}

package commands

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/pibrain/pibrain/internal/queue"
)

// NewQueueCommand inspects queue statistics and recent jobs.
func NewQueueCommand() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show analysis queue status and recent jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, cfgErr := loadConfig(cmd)
			if cfgErr != nil {
				return cfgErr
			}

			s, q, openErr := openComponents(cfg)
			if openErr != nil {
				return openErr
			}
			defer s.Close()

			ctx := cmd.Context()

			stats, statsErr := q.Stats(ctx)
			if statsErr != nil {
				return statsErr
			}

			fmt.Fprintf(os.Stdout, "Queue: %d pending, %d running, %d completed, %d failed (%d total)\n\n",
				stats.Pending, stats.Running, stats.Completed, stats.Failed, stats.Total())

			jobs, listErr := q.List(ctx, queue.Status(status), limit)
			if listErr != nil {
				return listErr
			}

			renderJobTable(jobs)

			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|running|completed|failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to list")

	return cmd
}

func renderJobTable(jobs []*queue.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(os.Stdout, "No jobs.")

		return
	}

	tbl := table.NewWriter()
	tbl.SetOutputMirror(os.Stdout)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"ID", "Type", "Status", "Session", "Segment", "Retries", "Age", "Last Error"})

	for _, job := range jobs {
		tbl.AppendRow(table.Row{
			job.ID,
			job.Type,
			colorStatus(job.Status),
			job.SessionPath,
			job.StartID + ".." + job.EndID,
			job.RetryCount,
			humanize.Time(job.EnqueuedAt),
			truncate(job.LastError, 48),
		})
	}

	tbl.Render()
}

// colorStatus renders a job status with the conventional traffic colors.
func colorStatus(status queue.Status) string {
	switch status {
	case queue.StatusCompleted:
		return color.GreenString(string(status))
	case queue.StatusFailed:
		return color.RedString(string(status))
	case queue.StatusRunning:
		return color.CyanString(string(status))
	default:
		return color.YellowString(string(status))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n-1] + "…"
}

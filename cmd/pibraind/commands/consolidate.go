package commands

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pibrain/pibrain/internal/consolidate"
)

// NewConsolidateCommand runs one consolidation job outside its schedule.
func NewConsolidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate <job>",
		Short: "Run one consolidation job immediately",
		Long: `Run one consolidation job immediately. Jobs:
  reanalysis, connection-discovery, pattern-aggregation, decay-archive,
  creative-association`,
		Args: cobra.ExactArgs(1),
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

			sched, schedErr := consolidate.New(consolidate.Options{Store: s, Queue: q})
			if schedErr != nil {
				return schedErr
			}

			result, runErr := sched.RunJobNow(cmd.Context(), args[0])
			if runErr != nil {
				return runErr
			}

			fmt.Fprintf(os.Stdout, "%s: %d items in %s\n",
				result.Name, result.Items, result.End.Sub(result.Start).Round(time.Millisecond))

			keys := make([]string, 0, len(result.Details))
			for key := range result.Details {
				keys = append(keys, key)
			}

			sort.Strings(keys)

			for _, key := range keys {
				fmt.Fprintf(os.Stdout, "  %s: %d\n", strings.ReplaceAll(key, "_", " "), result.Details[key])
			}

			return nil
		},
	}
}

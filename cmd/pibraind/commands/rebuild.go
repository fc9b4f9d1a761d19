package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRebuildCommand reindexes the relational projection from node blobs.
func NewRebuildCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-index",
		Short: "Rebuild the relational index from node blob files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, cfgErr := loadConfig(cmd)
			if cfgErr != nil {
				return cfgErr
			}

			s, _, openErr := openComponents(cfg)
			if openErr != nil {
				return openErr
			}
			defer s.Close()

			result, rebuildErr := s.RebuildIndex(cmd.Context())
			if rebuildErr != nil {
				return rebuildErr
			}

			fmt.Fprintf(os.Stdout, "Rebuilt index: %d blobs scanned, %d nodes indexed, %d skipped, %d removed\n",
				result.BlobsScanned, result.NodesIndexed, result.Skipped, result.Removed)

			return nil
		},
	}
}

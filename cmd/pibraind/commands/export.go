package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pibrain/pibrain/internal/export"
)

// NewExportCommand writes a portable snapshot of the knowledge graph.
func NewExportCommand() *cobra.Command {
	var (
		format   string
		compress bool
		outPath  string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the knowledge graph as JSON or YAML",
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

			var out io.Writer = os.Stdout

			if outPath != "" {
				f, createErr := os.Create(outPath)
				if createErr != nil {
					return fmt.Errorf("create output file: %w", createErr)
				}
				defer f.Close()

				out = f
			}

			snap, writeErr := export.Write(cmd.Context(), s, out, export.Options{
				Format:   export.Format(format),
				Compress: compress,
			})
			if writeErr != nil {
				return writeErr
			}

			if outPath != "" {
				info, statErr := os.Stat(outPath)
				if statErr == nil {
					fmt.Fprintf(os.Stderr, "Exported %d nodes, %d edges to %s (%s)\n",
						snap.NodeCount, snap.EdgeCount, outPath, humanize.Bytes(uint64(info.Size())))
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", string(export.FormatJSON), "output format (json|yaml)")
	cmd.Flags().BoolVar(&compress, "compress", false, "lz4-compress the output")
	cmd.Flags().StringVar(&outPath, "out", "", "output file (default: stdout)")

	return cmd
}

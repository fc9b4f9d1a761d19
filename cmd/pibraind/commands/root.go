// Package commands implements the pibraind CLI subcommands.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pibrain/pibrain/internal/config"
	"github.com/pibrain/pibrain/internal/queue"
	"github.com/pibrain/pibrain/internal/store"
)

// loadConfig resolves the --config persistent flag and loads configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg, loadErr := config.Load(path)
	if loadErr != nil {
		return nil, fmt.Errorf("load config: %w", loadErr)
	}

	return cfg, nil
}

// openComponents opens the store and queue for offline inspection commands.
// The caller must Close the returned store.
func openComponents(cfg *config.Config) (*store.Store, *queue.Queue, error) {
	s, storeErr := store.Open(store.Options{
		Dir:          cfg.Hub.DatabaseDir,
		EnableVector: cfg.Daemon.EmbeddingProvider != config.EmbedMock,
		VectorDims:   cfg.Daemon.EmbeddingDimensions,
	})
	if storeErr != nil {
		return nil, nil, fmt.Errorf("open store: %w", storeErr)
	}

	q, queueErr := queue.New(queue.Options{
		DB:         s.DB(),
		MaxRetries: cfg.Daemon.MaxRetries,
	})
	if queueErr != nil {
		_ = s.Close()

		return nil, nil, fmt.Errorf("open queue: %w", queueErr)
	}

	return s, q, nil
}

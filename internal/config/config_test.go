package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pibrain/pibrain/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	return path
}

func TestLoad_EmptyFile_AppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, config.DefaultWebUIPort, cfg.Hub.WebUIPort)
	assert.Equal(t, config.DefaultParallelWorkers, cfg.Daemon.ParallelWorkers)
	assert.Equal(t, config.DefaultMaxQueueSize, cfg.Daemon.MaxQueueSize)
	assert.Equal(t, config.DefaultReanalysisSchedule, cfg.Daemon.ReanalysisSchedule)
	assert.Equal(t, config.EmbedMock, cfg.Daemon.EmbeddingProvider)
	assert.Equal(t, config.DefaultLogLevel, cfg.Logging.Level)
	assert.Zero(t, cfg.Telemetry.MetricsPort)
	assert.Empty(t, cfg.Spokes)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(writeConfig(t, `
hub:
  webUiPort: 9000
daemon:
  parallelWorkers: 4
  embeddingProvider: ollama
  embeddingModel: all-minilm
`))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Hub.WebUIPort)
	assert.Equal(t, 4, cfg.Daemon.ParallelWorkers)
	assert.Equal(t, config.EmbedOllama, cfg.Daemon.EmbeddingProvider)
	assert.Equal(t, "all-minilm", cfg.Daemon.EmbeddingModel)

	// Untouched keys keep their defaults.
	assert.Equal(t, config.DefaultMaxRetries, cfg.Daemon.MaxRetries)
}

func TestLoad_UnknownKey_Errors(t *testing.T) {
	t.Parallel()

	_, err := config.Load(writeConfig(t, `
daemon:
  paralelWorkers: 4
`))
	require.Error(t, err)
	assert.Contains(t, strings.ToLower(err.Error()), "paralelworkers")
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PIBRAIN_DAEMON_PARALLELWORKERS", "8")

	cfg, err := config.Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Daemon.ParallelWorkers)
}

func TestLoad_InvalidCron_NamesField(t *testing.T) {
	t.Parallel()

	_, err := config.Load(writeConfig(t, `
daemon:
  connectionDiscoverySchedule: "0 3 * *"
`))
	require.ErrorIs(t, err, config.ErrInvalidCron)
	assert.Contains(t, err.Error(), "daemon.connectionDiscoverySchedule")
}

func TestLoad_SpokeValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want error
	}{
		{
			name: "duplicate names",
			body: `
spokes:
  - {name: laptop, syncMethod: syncthing, path: /sync/laptop}
  - {name: laptop, syncMethod: syncthing, path: /sync/laptop2}
`,
			want: config.ErrDuplicateSpoke,
		},
		{
			name: "unknown sync method",
			body: `
spokes:
  - {name: laptop, syncMethod: ftp, path: /sync/laptop}
`,
			want: config.ErrInvalidSyncMethod,
		},
		{
			name: "rsync requires source",
			body: `
spokes:
  - {name: laptop, syncMethod: rsync, path: /sync/laptop}
`,
			want: config.ErrSpokeSourceRequired,
		},
		{
			name: "remote shell flag rejected",
			body: `
spokes:
  - name: laptop
    syncMethod: rsync
    path: /sync/laptop
    source: "user@laptop:~/.pi/agent/sessions"
    rsyncOptions:
      extraArgs: ["--rsh=sh -c evil"]
`,
			want: config.ErrUnsafeRsyncArg,
		},
		{
			name: "short remote shell flag rejected",
			body: `
spokes:
  - name: laptop
    syncMethod: rsync
    path: /sync/laptop
    source: "user@laptop:~/.pi/agent/sessions"
    rsyncOptions:
      extraArgs: ["-essh"]
`,
			want: config.ErrUnsafeRsyncArg,
		},
		{
			name: "bad spoke schedule",
			body: `
spokes:
  - {name: laptop, syncMethod: syncthing, path: /sync/laptop, schedule: "often"}
`,
			want: config.ErrInvalidCron,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := config.Load(writeConfig(t, tc.body))
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestLoad_SpokeEnabledDefaultsTrue(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(writeConfig(t, `
spokes:
  - {name: laptop, syncMethod: syncthing, path: /sync/laptop}
  - {name: desktop, syncMethod: syncthing, path: /sync/desktop, enabled: false}
`))
	require.NoError(t, err)
	require.Len(t, cfg.Spokes, 2)

	assert.True(t, cfg.Spokes[0].IsEnabled())
	assert.False(t, cfg.Spokes[1].IsEnabled())
}

func TestLoad_PortAndCountValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want error
	}{
		{name: "port too large", body: "hub:\n  webUiPort: 70000\n", want: config.ErrInvalidPort},
		{name: "port zero", body: "hub:\n  webUiPort: 0\n", want: config.ErrInvalidPort},
		{name: "workers zero", body: "daemon:\n  parallelWorkers: 0\n", want: config.ErrInvalidWorkers},
		{name: "idle timeout zero", body: "daemon:\n  idleTimeoutMinutes: 0\n", want: config.ErrInvalidIdleTimeout},
		{name: "negative retries", body: "daemon:\n  maxRetries: -1\n", want: config.ErrInvalidMaxRetries},
		{name: "queue size zero", body: "daemon:\n  maxQueueSize: 0\n", want: config.ErrInvalidQueueSize},
		{name: "bad embedding provider", body: "daemon:\n  embeddingProvider: word2vec\n", want: config.ErrInvalidEmbeddingProvider},
		{name: "reanalysis limit zero", body: "daemon:\n  reanalysisLimit: 0\n", want: config.ErrInvalidBatchLimit},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := config.Load(writeConfig(t, tc.body))
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestExpandHome_ResolvesTilde(t *testing.T) {
	t.Parallel()

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".pi-brain/data"), config.ExpandHome("~/.pi-brain/data"))
	assert.Equal(t, "/var/data", config.ExpandHome("/var/data"))
}

package config

// Config is the top-level configuration struct for the pi-brain daemon.
// Field tags use mapstructure for viper unmarshalling; unknown keys are a
// load-time error.
type Config struct {
	Hub       HubConfig       `mapstructure:"hub"`
	Spokes    []SpokeConfig   `mapstructure:"spokes"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Query     QueryConfig     `mapstructure:"query"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// HubConfig locates the hub's transcript tree and data directory.
type HubConfig struct {
	SessionsDir string `mapstructure:"sessionsDir"`
	DatabaseDir string `mapstructure:"databaseDir"`
	WebUIPort   int    `mapstructure:"webUiPort"`
}

// SpokeConfig describes one secondary transcript source synced into the hub.
type SpokeConfig struct {
	Name       string `mapstructure:"name"`
	SyncMethod string `mapstructure:"syncMethod"`
	Path       string `mapstructure:"path"`
	Source     string `mapstructure:"source"`
	// Enabled defaults to true when omitted, hence the pointer.
	Enabled  *bool        `mapstructure:"enabled"`
	Schedule string       `mapstructure:"schedule"`
	Rsync    RsyncOptions `mapstructure:"rsyncOptions"`
}

// IsEnabled reports whether the spoke participates in watching; an omitted
// enabled key counts as true.
func (s SpokeConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// RsyncOptions are extra knobs for rsync-synced spokes.
type RsyncOptions struct {
	ExtraArgs []string `mapstructure:"extraArgs"`
}

// Sync methods accepted for spokes.
const (
	SyncSyncthing = "syncthing"
	SyncRsync     = "rsync"
)

// DaemonConfig holds the analysis pipeline knobs.
type DaemonConfig struct {
	IdleTimeoutMinutes     int `mapstructure:"idleTimeoutMinutes"`
	ParallelWorkers        int `mapstructure:"parallelWorkers"`
	MaxRetries             int `mapstructure:"maxRetries"`
	RetryDelaySeconds      int `mapstructure:"retryDelaySeconds"`
	AnalysisTimeoutMinutes int `mapstructure:"analysisTimeoutMinutes"`
	MaxConcurrentAnalysis  int `mapstructure:"maxConcurrentAnalysis"`
	MaxQueueSize           int `mapstructure:"maxQueueSize"`

	ReanalysisSchedule          string `mapstructure:"reanalysisSchedule"`
	ConnectionDiscoverySchedule string `mapstructure:"connectionDiscoverySchedule"`
	PatternAggregationSchedule  string `mapstructure:"patternAggregationSchedule"`
	DecayArchiveSchedule        string `mapstructure:"decayArchiveSchedule"`
	// ClusteringSchedule drives the weekly creative-association pass.
	ClusteringSchedule string `mapstructure:"clusteringSchedule"`

	ReanalysisLimit                  int `mapstructure:"reanalysisLimit"`
	ConnectionDiscoveryLimit         int `mapstructure:"connectionDiscoveryLimit"`
	ConnectionDiscoveryLookbackDays  int `mapstructure:"connectionDiscoveryLookbackDays"`
	ConnectionDiscoveryCooldownHours int `mapstructure:"connectionDiscoveryCooldownHours"`

	EmbeddingProvider   string `mapstructure:"embeddingProvider"`
	EmbeddingModel      string `mapstructure:"embeddingModel"`
	EmbeddingAPIKey     string `mapstructure:"embeddingApiKey"`
	EmbeddingBaseURL    string `mapstructure:"embeddingBaseUrl"`
	EmbeddingDimensions int    `mapstructure:"embeddingDimensions"`

	Provider   string `mapstructure:"provider"`
	Model      string `mapstructure:"model"`
	PromptFile string `mapstructure:"promptFile"`
}

// Embedding providers accepted by the daemon.
const (
	EmbedOllama     = "ollama"
	EmbedOpenAI     = "openai"
	EmbedOpenRouter = "openrouter"
	EmbedMock       = "mock"
)

// QueryConfig selects the model used by ad-hoc query tooling.
type QueryConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig controls the optional metrics endpoint. A zero port
// disables the listener.
type TelemetryConfig struct {
	MetricsPort int    `mapstructure:"metricsPort"`
	ServiceName string `mapstructure:"serviceName"`
}

package config

// Hub defaults.
const (
	DefaultSessionsDir = "~/.pi/agent/sessions"
	DefaultDatabaseDir = "~/.pi-brain/data"
	DefaultWebUIPort   = 8765
)

// Daemon defaults.
const (
	DefaultIdleTimeoutMinutes     = 10
	DefaultParallelWorkers        = 1
	DefaultMaxRetries             = 3
	DefaultRetryDelaySeconds      = 60
	DefaultAnalysisTimeoutMinutes = 30
	DefaultMaxConcurrentAnalysis  = 1
	DefaultMaxQueueSize           = 1000

	DefaultReanalysisSchedule          = "0 2 * * *"
	DefaultConnectionDiscoverySchedule = "0 3 * * *"
	DefaultPatternAggregationSchedule  = "0 3 * * *"
	DefaultDecayArchiveSchedule        = "0 3 * * *"
	DefaultClusteringSchedule          = "0 4 * * 0"

	DefaultReanalysisLimit                  = 100
	DefaultConnectionDiscoveryLimit         = 100
	DefaultConnectionDiscoveryLookbackDays  = 7
	DefaultConnectionDiscoveryCooldownHours = 24

	DefaultEmbeddingProvider = EmbedMock
	DefaultEmbeddingModel    = "nomic-embed-text"

	DefaultProvider   = "anthropic"
	DefaultModel      = "claude-sonnet"
	DefaultPromptFile = "~/.pi-brain/prompts/analyze-segment.md"
)

// Logging and telemetry defaults.
const (
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"
	DefaultServiceName = "pibrain"
)

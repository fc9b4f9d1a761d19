package config

import (
	"errors"
	"fmt"
	"strings"
)

// Port bounds for listener validation.
const (
	portMin = 1
	portMax = 65535
)

// cronFieldCount is the required number of whitespace-separated cron fields.
const cronFieldCount = 5

// Sentinel errors for configuration validation.
var (
	// ErrInvalidPort indicates a port outside [1, 65535].
	ErrInvalidPort = errors.New("port must be between 1 and 65535")
	// ErrInvalidWorkers indicates parallelWorkers is not positive.
	ErrInvalidWorkers = errors.New("daemon.parallelWorkers must be positive")
	// ErrInvalidIdleTimeout indicates idleTimeoutMinutes is not positive.
	ErrInvalidIdleTimeout = errors.New("daemon.idleTimeoutMinutes must be positive")
	// ErrInvalidMaxRetries indicates maxRetries is negative.
	ErrInvalidMaxRetries = errors.New("daemon.maxRetries must be non-negative")
	// ErrInvalidRetryDelay indicates retryDelaySeconds is not positive.
	ErrInvalidRetryDelay = errors.New("daemon.retryDelaySeconds must be positive")
	// ErrInvalidAnalysisTimeout indicates analysisTimeoutMinutes is not positive.
	ErrInvalidAnalysisTimeout = errors.New("daemon.analysisTimeoutMinutes must be positive")
	// ErrInvalidQueueSize indicates maxQueueSize is not positive.
	ErrInvalidQueueSize = errors.New("daemon.maxQueueSize must be positive")
	// ErrInvalidBatchLimit indicates a consolidation batch limit is not positive.
	ErrInvalidBatchLimit = errors.New("consolidation batch limit must be positive")
	// ErrInvalidCron indicates a schedule is not a 5-field cron expression.
	ErrInvalidCron = errors.New("schedule must have exactly 5 whitespace-separated fields")
	// ErrInvalidSyncMethod indicates an unknown spoke sync method.
	ErrInvalidSyncMethod = errors.New("spoke syncMethod must be syncthing or rsync")
	// ErrDuplicateSpoke indicates two spokes share a name.
	ErrDuplicateSpoke = errors.New("spoke names must be unique")
	// ErrSpokeSourceRequired indicates an rsync spoke without a source.
	ErrSpokeSourceRequired = errors.New("rsync spokes require a source")
	// ErrUnsafeRsyncArg indicates an rsync extra arg that can execute commands.
	ErrUnsafeRsyncArg = errors.New("rsyncOptions.extraArgs must not set a remote shell")
	// ErrInvalidEmbeddingProvider indicates an unknown embedding provider.
	ErrInvalidEmbeddingProvider = errors.New("daemon.embeddingProvider must be ollama, openai, openrouter, or mock")
)

// Validate checks Config invariants and returns the first error found.
func (c *Config) Validate() error {
	hubErr := c.validateHub()
	if hubErr != nil {
		return hubErr
	}

	daemonErr := c.validateDaemon()
	if daemonErr != nil {
		return daemonErr
	}

	return c.validateSpokes()
}

func (c *Config) validateHub() error {
	if c.Hub.WebUIPort < portMin || c.Hub.WebUIPort > portMax {
		return fmt.Errorf("hub.webUiPort: %w", ErrInvalidPort)
	}

	if c.Telemetry.MetricsPort != 0 && (c.Telemetry.MetricsPort < portMin || c.Telemetry.MetricsPort > portMax) {
		return fmt.Errorf("telemetry.metricsPort: %w", ErrInvalidPort)
	}

	return nil
}

func (c *Config) validateDaemon() error {
	d := c.Daemon

	if d.ParallelWorkers <= 0 {
		return ErrInvalidWorkers
	}

	if d.IdleTimeoutMinutes <= 0 {
		return ErrInvalidIdleTimeout
	}

	if d.MaxRetries < 0 {
		return ErrInvalidMaxRetries
	}

	if d.RetryDelaySeconds <= 0 {
		return ErrInvalidRetryDelay
	}

	if d.AnalysisTimeoutMinutes <= 0 {
		return ErrInvalidAnalysisTimeout
	}

	if d.MaxQueueSize <= 0 {
		return ErrInvalidQueueSize
	}

	for field, limit := range map[string]int{
		"daemon.reanalysisLimit":                  d.ReanalysisLimit,
		"daemon.connectionDiscoveryLimit":         d.ConnectionDiscoveryLimit,
		"daemon.connectionDiscoveryLookbackDays":  d.ConnectionDiscoveryLookbackDays,
		"daemon.connectionDiscoveryCooldownHours": d.ConnectionDiscoveryCooldownHours,
	} {
		if limit <= 0 {
			return fmt.Errorf("%s: %w", field, ErrInvalidBatchLimit)
		}
	}

	switch d.EmbeddingProvider {
	case EmbedOllama, EmbedOpenAI, EmbedOpenRouter, EmbedMock:
	default:
		return fmt.Errorf("%q: %w", d.EmbeddingProvider, ErrInvalidEmbeddingProvider)
	}

	return c.validateSchedules()
}

// validateSchedules checks every cron expression, naming the offending field.
func (c *Config) validateSchedules() error {
	schedules := map[string]string{
		"daemon.reanalysisSchedule":          c.Daemon.ReanalysisSchedule,
		"daemon.connectionDiscoverySchedule": c.Daemon.ConnectionDiscoverySchedule,
		"daemon.patternAggregationSchedule":  c.Daemon.PatternAggregationSchedule,
		"daemon.decayArchiveSchedule":        c.Daemon.DecayArchiveSchedule,
		"daemon.clusteringSchedule":          c.Daemon.ClusteringSchedule,
	}

	for field, spec := range schedules {
		if len(strings.Fields(spec)) != cronFieldCount {
			return fmt.Errorf("%s %q: %w", field, spec, ErrInvalidCron)
		}
	}

	return nil
}

func (c *Config) validateSpokes() error {
	seen := make(map[string]struct{}, len(c.Spokes))

	for _, spoke := range c.Spokes {
		if _, dup := seen[spoke.Name]; dup {
			return fmt.Errorf("spoke %q: %w", spoke.Name, ErrDuplicateSpoke)
		}

		seen[spoke.Name] = struct{}{}

		switch spoke.SyncMethod {
		case SyncSyncthing, SyncRsync:
		default:
			return fmt.Errorf("spoke %q: %w", spoke.Name, ErrInvalidSyncMethod)
		}

		if spoke.SyncMethod == SyncRsync && spoke.Source == "" {
			return fmt.Errorf("spoke %q: %w", spoke.Name, ErrSpokeSourceRequired)
		}

		if spoke.Schedule != "" && len(strings.Fields(spoke.Schedule)) != cronFieldCount {
			return fmt.Errorf("spoke %q schedule %q: %w", spoke.Name, spoke.Schedule, ErrInvalidCron)
		}

		argErr := validateRsyncArgs(spoke)
		if argErr != nil {
			return argErr
		}
	}

	return nil
}

// validateRsyncArgs rejects extra args that select a remote shell, which
// would let a config file execute arbitrary commands.
func validateRsyncArgs(spoke SpokeConfig) error {
	for _, arg := range spoke.Rsync.ExtraArgs {
		if strings.HasPrefix(arg, "--rsh") || strings.HasPrefix(arg, "-e") {
			return fmt.Errorf("spoke %q arg %q: %w", spoke.Name, arg, ErrUnsafeRsyncArg)
		}
	}

	return nil
}

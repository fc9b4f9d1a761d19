package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = "config"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for daemon settings.
const envPrefix = "PIBRAIN"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// configDir is the default directory searched for the config file.
const configDir = "~/.pi-brain"

// Load reads configuration from file, env vars, and defaults. If configPath
// is non-empty it is used as the explicit config file path; otherwise the
// file is searched in CWD and ~/.pi-brain. A missing config file is not an
// error; defaults are used. Unknown keys in the file are an error.
func Load(configPath string) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath(ExpandHome(configDir))
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.UnmarshalExact(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	cfg.expandPaths()

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("hub.sessionsDir", DefaultSessionsDir)
	viperCfg.SetDefault("hub.databaseDir", DefaultDatabaseDir)
	viperCfg.SetDefault("hub.webUiPort", DefaultWebUIPort)

	viperCfg.SetDefault("daemon.idleTimeoutMinutes", DefaultIdleTimeoutMinutes)
	viperCfg.SetDefault("daemon.parallelWorkers", DefaultParallelWorkers)
	viperCfg.SetDefault("daemon.maxRetries", DefaultMaxRetries)
	viperCfg.SetDefault("daemon.retryDelaySeconds", DefaultRetryDelaySeconds)
	viperCfg.SetDefault("daemon.analysisTimeoutMinutes", DefaultAnalysisTimeoutMinutes)
	viperCfg.SetDefault("daemon.maxConcurrentAnalysis", DefaultMaxConcurrentAnalysis)
	viperCfg.SetDefault("daemon.maxQueueSize", DefaultMaxQueueSize)

	viperCfg.SetDefault("daemon.reanalysisSchedule", DefaultReanalysisSchedule)
	viperCfg.SetDefault("daemon.connectionDiscoverySchedule", DefaultConnectionDiscoverySchedule)
	viperCfg.SetDefault("daemon.patternAggregationSchedule", DefaultPatternAggregationSchedule)
	viperCfg.SetDefault("daemon.decayArchiveSchedule", DefaultDecayArchiveSchedule)
	viperCfg.SetDefault("daemon.clusteringSchedule", DefaultClusteringSchedule)

	viperCfg.SetDefault("daemon.reanalysisLimit", DefaultReanalysisLimit)
	viperCfg.SetDefault("daemon.connectionDiscoveryLimit", DefaultConnectionDiscoveryLimit)
	viperCfg.SetDefault("daemon.connectionDiscoveryLookbackDays", DefaultConnectionDiscoveryLookbackDays)
	viperCfg.SetDefault("daemon.connectionDiscoveryCooldownHours", DefaultConnectionDiscoveryCooldownHours)

	viperCfg.SetDefault("daemon.embeddingProvider", DefaultEmbeddingProvider)
	viperCfg.SetDefault("daemon.embeddingModel", DefaultEmbeddingModel)

	viperCfg.SetDefault("daemon.provider", DefaultProvider)
	viperCfg.SetDefault("daemon.model", DefaultModel)
	viperCfg.SetDefault("daemon.promptFile", DefaultPromptFile)

	viperCfg.SetDefault("query.provider", DefaultProvider)
	viperCfg.SetDefault("query.model", DefaultModel)

	viperCfg.SetDefault("logging.level", DefaultLogLevel)
	viperCfg.SetDefault("logging.format", DefaultLogFormat)

	viperCfg.SetDefault("telemetry.metricsPort", 0)
	viperCfg.SetDefault("telemetry.serviceName", DefaultServiceName)
}

// ExpandHome resolves a leading "~/" against the current user's home
// directory. Paths without the prefix pass through unchanged.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	if path == "~" {
		return home
	}

	return filepath.Join(home, path[2:])
}

// expandPaths resolves "~" prefixes on all path-valued fields.
func (c *Config) expandPaths() {
	c.Hub.SessionsDir = ExpandHome(c.Hub.SessionsDir)
	c.Hub.DatabaseDir = ExpandHome(c.Hub.DatabaseDir)
	c.Daemon.PromptFile = ExpandHome(c.Daemon.PromptFile)

	for i := range c.Spokes {
		c.Spokes[i].Path = ExpandHome(c.Spokes[i].Path)
	}
}

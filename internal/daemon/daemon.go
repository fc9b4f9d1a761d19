// Package daemon composes the store, queue, watcher, worker pool, and
// consolidation scheduler into one long-running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pibrain/pibrain/internal/analyzer"
	"github.com/pibrain/pibrain/internal/config"
	"github.com/pibrain/pibrain/internal/consolidate"
	"github.com/pibrain/pibrain/internal/embed"
	"github.com/pibrain/pibrain/internal/queue"
	"github.com/pibrain/pibrain/internal/segment"
	"github.com/pibrain/pibrain/internal/store"
	"github.com/pibrain/pibrain/internal/telemetry"
	"github.com/pibrain/pibrain/internal/watcher"
	"github.com/pibrain/pibrain/internal/worker"
)

// defaultAnalyzerCommand is the analyzer subprocess binary. Overridable for
// tests and packaging via PIBRAIN_ANALYZER.
const defaultAnalyzerCommand = "pi-brain-analyzer"

// envAnalyzerCommand overrides the analyzer binary.
const envAnalyzerCommand = "PIBRAIN_ANALYZER"

// logsDirName holds one log file per analysis job, under the data directory.
const logsDirName = "logs"

// leaseGrace pads the job lease beyond the analysis timeout so a slow but
// live worker is not treated as dead.
const leaseGrace = 5 * time.Minute

// Options configures a Daemon beyond the loaded config file.
type Options struct {
	Config *config.Config

	// Version is stamped into telemetry and logs.
	Version string

	// Analyzer overrides the subprocess adapter; nil builds one from config.
	Analyzer worker.Analyzer

	// Logger overrides the telemetry-built logger when set.
	Logger *slog.Logger
}

// Daemon owns every long-running component and their start/stop ordering.
type Daemon struct {
	cfg *config.Config
	log *slog.Logger

	providers telemetry.Providers
	metrics   *telemetry.PipelineMetrics
	pid       *PIDFile

	store   *store.Store
	queue   *queue.Queue
	watcher *watcher.Watcher
	pool    *worker.Pool
	sched   *consolidate.Scheduler
}

// New wires all components without starting them.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("daemon: config required")
	}

	providers, telErr := telemetry.Init(telemetry.Options{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: opts.Version,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		MetricsPort:    cfg.Telemetry.MetricsPort,
	})
	if telErr != nil {
		return nil, telErr
	}

	log := providers.Logger
	if opts.Logger != nil {
		log = opts.Logger
	}

	d := &Daemon{cfg: cfg, log: log, providers: providers}

	buildErr := d.build(opts)
	if buildErr != nil {
		shutdownErr := providers.Shutdown(context.Background())

		return nil, errors.Join(buildErr, shutdownErr)
	}

	return d, nil
}

func (d *Daemon) build(opts Options) error {
	cfg := d.cfg

	embedder := buildEmbedder(cfg.Daemon)

	s, storeErr := store.Open(store.Options{
		Dir:          cfg.Hub.DatabaseDir,
		EnableVector: cfg.Daemon.EmbeddingProvider != config.EmbedMock,
		VectorDims:   cfg.Daemon.EmbeddingDimensions,
		Logger:       d.log,
	})
	if storeErr != nil {
		return fmt.Errorf("open store: %w", storeErr)
	}

	d.store = s

	analysisTimeout := time.Duration(cfg.Daemon.AnalysisTimeoutMinutes) * time.Minute

	q, queueErr := queue.New(queue.Options{
		DB:            s.DB(),
		LeaseDuration: analysisTimeout + leaseGrace,
		BackoffBase:   time.Duration(cfg.Daemon.RetryDelaySeconds) * time.Second,
		MaxRetries:    cfg.Daemon.MaxRetries,
		MaxPending:    cfg.Daemon.MaxQueueSize,
		Logger:        d.log,
	})
	if queueErr != nil {
		return fmt.Errorf("build queue: %w", queueErr)
	}

	d.queue = q

	pm, pmErr := telemetry.NewPipelineMetrics(d.providers.Meter, func(ctx context.Context) int {
		stats, statsErr := q.Stats(ctx)
		if statsErr != nil {
			return 0
		}

		return stats.Pending
	})
	if pmErr != nil {
		return fmt.Errorf("build pipeline metrics: %w", pmErr)
	}

	d.metrics = pm

	anlz := opts.Analyzer
	if anlz == nil {
		adapter, anlzErr := buildAnalyzer(cfg, analysisTimeout, d.log)
		if anlzErr != nil {
			return anlzErr
		}

		anlz = adapter
	}

	pool, poolErr := worker.New(worker.Options{
		Workers:               cfg.Daemon.ParallelWorkers,
		MaxConcurrentAnalysis: cfg.Daemon.MaxConcurrentAnalysis,
		Segments:              segment.DefaultConfig(),
		Queue:                 q,
		Store:                 s,
		Analyzer:              anlz,
		Embedder:              embedder,
		Tracer:                d.providers.Tracer,
		Logger:                d.log,
	})
	if poolErr != nil {
		return fmt.Errorf("build worker pool: %w", poolErr)
	}

	d.pool = pool

	w, watchErr := watcher.New(watcher.Options{
		HubDir:      cfg.Hub.SessionsDir,
		Spokes:      buildSpokes(cfg.Spokes),
		IdleTimeout: time.Duration(cfg.Daemon.IdleTimeoutMinutes) * time.Minute,
		Segments:    segment.DefaultConfig(),
		StateDir:    cfg.Hub.DatabaseDir,
		Queue:       q,
		Nodes:       s,
		Logger:      d.log,
	})
	if watchErr != nil {
		return fmt.Errorf("build watcher: %w", watchErr)
	}

	d.watcher = w

	sched, schedErr := consolidate.New(consolidate.Options{
		Store:    s,
		Queue:    q,
		Embedder: embedder,
		Schedules: consolidate.Schedules{
			Reanalysis:          cfg.Daemon.ReanalysisSchedule,
			ConnectionDiscovery: cfg.Daemon.ConnectionDiscoverySchedule,
			PatternAggregation:  cfg.Daemon.PatternAggregationSchedule,
			DecayArchive:        cfg.Daemon.DecayArchiveSchedule,
			CreativeAssociation: cfg.Daemon.ClusteringSchedule,
		},
		Limits: buildLimits(cfg.Daemon),
		Tracer: d.providers.Tracer,
		Logger: d.log,
	})
	if schedErr != nil {
		return fmt.Errorf("build scheduler: %w", schedErr)
	}

	d.sched = sched

	return nil
}

// Start claims the PID file and brings components up: watcher first so no
// transcript event is missed, then workers, then the cron scheduler.
func (d *Daemon) Start(ctx context.Context) error {
	pid, pidErr := AcquirePIDFile(filepath.Join(d.cfg.Hub.DatabaseDir, pidFileName))
	if pidErr != nil {
		return pidErr
	}

	d.pid = pid

	watchErr := d.watcher.Start(ctx)
	if watchErr != nil {
		_ = d.pid.Release()

		return fmt.Errorf("start watcher: %w", watchErr)
	}

	poolErr := d.pool.Start(ctx)
	if poolErr != nil {
		_ = d.watcher.Stop()
		_ = d.pid.Release()

		return fmt.Errorf("start worker pool: %w", poolErr)
	}

	d.sched.Start(ctx)

	go d.observeWorkers(ctx)

	d.log.Info("daemon started",
		slog.String("sessions_dir", d.cfg.Hub.SessionsDir),
		slog.String("database_dir", d.cfg.Hub.DatabaseDir),
		slog.Int("workers", d.cfg.Daemon.ParallelWorkers))

	return nil
}

// Stop shuts components down in reverse start order.
func (d *Daemon) Stop(ctx context.Context) error {
	d.sched.Stop()
	d.pool.Stop()

	errs := []error{
		d.watcher.Stop(),
		d.store.Close(),
		d.providers.Shutdown(ctx),
	}

	if d.pid != nil {
		errs = append(errs, d.pid.Release())
	}

	d.log.Info("daemon stopped")

	return errors.Join(errs...)
}

// Run starts the daemon and blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	startErr := d.Start(ctx)
	if startErr != nil {
		return startErr
	}

	<-ctx.Done()

	return d.Stop(context.Background())
}

// observeWorkers folds pool lifecycle events into the pipeline metrics.
func (d *Daemon) observeWorkers(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.pool.Events():
			switch ev.Kind {
			case worker.JobCompleted:
				d.metrics.RecordJob(ctx, ev.JobType, "completed")
				d.metrics.RecordAnalysis(ctx, ev.JobType, ev.Duration)
				d.metrics.RecordNodeUpsert(ctx)
			case worker.JobFailed:
				d.metrics.RecordJob(ctx, ev.JobType, "failed")
			case worker.JobStarted:
			}
		}
	}
}

// Store exposes the knowledge store for programmatic callers.
func (d *Daemon) Store() *store.Store { return d.store }

// Queue exposes the job queue for inspection and force-enqueue.
func (d *Daemon) Queue() *queue.Queue { return d.queue }

// RunConsolidationNow triggers one consolidation job outside its schedule.
func (d *Daemon) RunConsolidationNow(ctx context.Context, name string) (consolidate.Result, error) {
	return d.sched.RunJobNow(ctx, name)
}

// buildEmbedder maps the config provider name to an embedding client.
func buildEmbedder(dcfg config.DaemonConfig) embed.Provider {
	switch dcfg.EmbeddingProvider {
	case config.EmbedOllama:
		return embed.NewOllama(dcfg.EmbeddingBaseURL, dcfg.EmbeddingModel, dcfg.EmbeddingDimensions)
	case config.EmbedOpenAI:
		return embed.NewOpenAI(dcfg.EmbeddingBaseURL, dcfg.EmbeddingAPIKey, dcfg.EmbeddingModel, dcfg.EmbeddingDimensions)
	case config.EmbedOpenRouter:
		return embed.NewOpenAI(dcfg.EmbeddingBaseURL, dcfg.EmbeddingAPIKey, dcfg.EmbeddingModel, dcfg.EmbeddingDimensions)
	default:
		return embed.NewMock(dcfg.EmbeddingDimensions)
	}
}

func buildAnalyzer(cfg *config.Config, timeout time.Duration, log *slog.Logger) (*analyzer.Adapter, error) {
	command := defaultAnalyzerCommand
	if env := os.Getenv(envAnalyzerCommand); env != "" {
		command = env
	}

	adapter, err := analyzer.New(analyzer.Options{
		Command:    []string{command},
		PromptPath: cfg.Daemon.PromptFile,
		Model:      cfg.Daemon.Model,
		Provider:   cfg.Daemon.Provider,
		Timeout:    timeout,
		LogsDir:    filepath.Join(cfg.Hub.DatabaseDir, logsDirName),
		Logger:     log,
	})
	if err != nil {
		return nil, fmt.Errorf("build analyzer: %w", err)
	}

	return adapter, nil
}

// buildLimits maps config knobs onto consolidation batch limits, keeping
// stock values for the knobs the config file does not expose.
func buildLimits(dcfg config.DaemonConfig) consolidate.Limits {
	limits := consolidate.DefaultLimits()
	limits.ReanalysisLimit = dcfg.ReanalysisLimit
	limits.ConnectionLimit = dcfg.ConnectionDiscoveryLimit
	limits.ConnectionLookback = time.Duration(dcfg.ConnectionDiscoveryLookbackDays) * 24 * time.Hour
	limits.ConnectionCooldown = time.Duration(dcfg.ConnectionDiscoveryCooldownHours) * time.Hour

	return limits
}

func buildSpokes(spokes []config.SpokeConfig) []watcher.Spoke {
	out := make([]watcher.Spoke, 0, len(spokes))

	for _, s := range spokes {
		out = append(out, watcher.Spoke{
			Name:    s.Name,
			Path:    s.Path,
			Enabled: s.IsEnabled(),
		})
	}

	return out
}

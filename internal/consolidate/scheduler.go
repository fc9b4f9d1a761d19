// Package consolidate runs the periodic maintenance jobs that turn isolated
// knowledge nodes into a connected, decaying graph: reanalysis, connection
// discovery, pattern aggregation, relevance decay, and creative association.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/pibrain/pibrain/internal/embed"
	"github.com/pibrain/pibrain/internal/queue"
	"github.com/pibrain/pibrain/internal/store"
)

// Job names accepted by RunJobNow.
const (
	JobReanalysis          = "reanalysis"
	JobConnectionDiscovery = "connection-discovery"
	JobPatternAggregation  = "pattern-aggregation"
	JobDecayArchive        = "decay-archive"
	JobCreativeAssociation = "creative-association"
)

// ErrUnknownJob indicates RunJobNow was given a name no job carries.
var ErrUnknownJob = errors.New("consolidate: unknown job")

// Result is the structured outcome of one job run.
type Result struct {
	Name    string
	Start   time.Time
	End     time.Time
	Items   int
	Details map[string]int
	Err     error
}

// Schedules carries one cron expression per job.
type Schedules struct {
	Reanalysis          string
	ConnectionDiscovery string
	PatternAggregation  string
	DecayArchive        string
	CreativeAssociation string
}

// DefaultSchedules are the stock nightly/weekly times.
func DefaultSchedules() Schedules {
	return Schedules{
		Reanalysis:          "0 2 * * *",
		ConnectionDiscovery: "0 3 * * *",
		PatternAggregation:  "0 3 * * *",
		DecayArchive:        "0 3 * * *",
		CreativeAssociation: "0 4 * * 0",
	}
}

// Limits are the per-job batch bounds.
type Limits struct {
	ReanalysisLimit     int
	ConnectionLimit     int
	ConnectionLookback  time.Duration
	ConnectionCooldown  time.Duration
	ConnectionTopK      int
	SimilarityThreshold float64
	ArchiveThreshold    float64
	DecayConstant       float64
	CreativeSampleSize  int
	CreativeMinScore    float64
	CreativeMaxEdges    int
}

// DefaultLimits mirror the documented defaults.
func DefaultLimits() Limits {
	return Limits{
		ReanalysisLimit:     100,
		ConnectionLimit:     100,
		ConnectionLookback:  7 * 24 * time.Hour,
		ConnectionCooldown:  24 * time.Hour,
		ConnectionTopK:      5,
		SimilarityThreshold: 0.75,
		ArchiveThreshold:    0.2,
		DecayConstant:       0.01,
		CreativeSampleSize:  50,
		CreativeMinScore:    0.3,
		CreativeMaxEdges:    3,
	}
}

// Options configures a Scheduler.
type Options struct {
	Store *store.Store
	Queue *queue.Queue

	// Embedder resolves query vectors for connection discovery and creative
	// association. Nil degrades both to non-semantic methods.
	Embedder embed.Provider

	Schedules Schedules
	Limits    Limits

	// Tracer wraps each job run in a span. Nil means no tracing.
	Tracer trace.Tracer

	Logger *slog.Logger
}

// Scheduler owns the cron driver and the job implementations.
type Scheduler struct {
	opts   Options
	log    *slog.Logger
	cron   *cron.Cron
	tracer trace.Tracer

	jobs map[string]func(ctx context.Context) Result

	// cooldown tracks the last connection-discovery visit per node.
	cooldownMu sync.Mutex
	cooldown   map[string]time.Time

	runCtx context.Context
	cancel context.CancelFunc

	now func() time.Time
}

// New validates schedules and builds a stopped Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil || opts.Queue == nil {
		return nil, errors.New("consolidate: store and queue required")
	}

	if opts.Schedules == (Schedules{}) {
		opts.Schedules = DefaultSchedules()
	}

	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("consolidate")
	}

	s := &Scheduler{
		opts:     opts,
		log:      logger,
		cron:     cron.New(),
		tracer:   tracer,
		cooldown: make(map[string]time.Time),
		now:      time.Now,
	}

	s.jobs = map[string]func(ctx context.Context) Result{
		JobReanalysis:          s.runReanalysis,
		JobConnectionDiscovery: s.runConnectionDiscovery,
		JobPatternAggregation:  s.runPatternAggregation,
		JobDecayArchive:        s.runDecayArchive,
		JobCreativeAssociation: s.runCreativeAssociation,
	}

	scheduleErr := s.register()
	if scheduleErr != nil {
		return nil, scheduleErr
	}

	return s, nil
}

// register binds each job to its cron expression.
func (s *Scheduler) register() error {
	bindings := []struct {
		name string
		spec string
	}{
		{JobReanalysis, s.opts.Schedules.Reanalysis},
		{JobConnectionDiscovery, s.opts.Schedules.ConnectionDiscovery},
		{JobPatternAggregation, s.opts.Schedules.PatternAggregation},
		{JobDecayArchive, s.opts.Schedules.DecayArchive},
		{JobCreativeAssociation, s.opts.Schedules.CreativeAssociation},
	}

	for _, b := range bindings {
		name := b.name

		_, err := s.cron.AddFunc(b.spec, func() {
			ctx := s.runCtx
			if ctx == nil {
				ctx = context.Background()
			}

			s.report(s.run(ctx, name))
		})
		if err != nil {
			return fmt.Errorf("consolidate: schedule %s (%q): %w", b.name, b.spec, err)
		}
	}

	return nil
}

// Start launches the cron driver.
func (s *Scheduler) Start(ctx context.Context) {
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()

	s.log.Info("consolidation scheduler started")
}

// Stop halts the cron driver and cancels any in-flight job, waiting for
// scheduled runs to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

// RunJobNow runs one job synchronously, outside its schedule.
func (s *Scheduler) RunJobNow(ctx context.Context, name string) (Result, error) {
	_, known := s.jobs[name]
	if !known {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	result := s.run(ctx, name)
	s.report(result)

	return result, result.Err
}

// run executes one job inside a span.
func (s *Scheduler) run(ctx context.Context, name string) Result {
	ctx, span := s.tracer.Start(ctx, "consolidate."+name)
	defer span.End()

	result := s.jobs[name](ctx)

	span.SetAttributes(attribute.Int("items", result.Items))

	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	}

	return result
}

// JobNames lists the registered job names.
func (s *Scheduler) JobNames() []string {
	return []string{
		JobReanalysis,
		JobConnectionDiscovery,
		JobPatternAggregation,
		JobDecayArchive,
		JobCreativeAssociation,
	}
}

// report logs a structured job outcome.
func (s *Scheduler) report(r Result) {
	attrs := []any{
		slog.String("job", r.Name),
		slog.Duration("elapsed", r.End.Sub(r.Start)),
		slog.Int("items", r.Items),
	}

	for key, value := range r.Details {
		attrs = append(attrs, slog.Int("detail_"+key, value))
	}

	if r.Err != nil {
		attrs = append(attrs, slog.Any("error", r.Err))
		s.log.Warn("consolidation job finished with error", attrs...)

		return
	}

	s.log.Info("consolidation job finished", attrs...)
}

// begin stamps a new Result for a job run.
func (s *Scheduler) begin(name string) Result {
	return Result{Name: name, Start: s.now(), Details: make(map[string]int)}
}

// finish closes out a Result.
func (s *Scheduler) finish(r Result, err error) Result {
	r.End = s.now()
	r.Err = err

	return r
}

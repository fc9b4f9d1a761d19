// Package worker runs the analysis pipeline: lease a job, parse the
// transcript, locate the segment, invoke the analyzer, and record the
// resulting node atomically.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/pibrain/pibrain/internal/analyzer"
	"github.com/pibrain/pibrain/internal/embed"
	"github.com/pibrain/pibrain/internal/queue"
	"github.com/pibrain/pibrain/internal/segment"
	"github.com/pibrain/pibrain/internal/store"
	"github.com/pibrain/pibrain/internal/transcript"
)

// Analyzer is the adapter surface the pool needs; satisfied by
// analyzer.Adapter and by test stubs.
type Analyzer interface {
	Analyze(ctx context.Context, req analyzer.Request) (*analyzer.Result, error)
}

// Defaults for unset options.
const (
	defaultWorkers      = 1
	defaultPollInterval = 2 * time.Second
	defaultStopGrace    = 5 * time.Second
)

// Options configures a Pool.
type Options struct {
	// Workers is the number of concurrent analysis loops.
	Workers int

	// MaxConcurrentAnalysis caps concurrent analyzer invocations below the
	// worker count. Zero means no extra cap.
	MaxConcurrentAnalysis int

	// PollInterval is the wait between dequeue attempts on an empty queue.
	PollInterval time.Duration

	// Segments configures boundary detection.
	Segments segment.Config

	Queue    *queue.Queue
	Store    *store.Store
	Analyzer Analyzer

	// Embedder is optional; nil skips embedding.
	Embedder embed.Provider

	// Tracer wraps each job in a span. Nil means no tracing.
	Tracer trace.Tracer

	Logger *slog.Logger
}

// Pool is a fixed set of analysis workers.
type Pool struct {
	opts     Options
	log      *slog.Logger
	tracer   trace.Tracer
	detector *segment.Detector
	events   chan Event

	// analysisSem bounds analyzer subprocess concurrency. Nil when uncapped.
	analysisSem chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New validates options and builds a stopped Pool.
func New(opts Options) (*Pool, error) {
	if opts.Queue == nil || opts.Store == nil || opts.Analyzer == nil {
		return nil, errors.New("worker: queue, store, and analyzer required")
	}

	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	cfgErr := opts.Segments.Validate()
	if cfgErr != nil {
		return nil, cfgErr
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("worker")
	}

	p := &Pool{
		opts:     opts,
		log:      logger,
		tracer:   tracer,
		detector: segment.NewDetector(opts.Segments),
		events:   make(chan Event, eventBuffer),
		now:      time.Now,
	}

	if opts.MaxConcurrentAnalysis > 0 && opts.MaxConcurrentAnalysis < opts.Workers {
		p.analysisSem = make(chan struct{}, opts.MaxConcurrentAnalysis)
	}

	return p, nil
}

// Events exposes lifecycle notifications. The channel is bounded; events are
// dropped rather than blocking workers.
func (p *Pool) Events() <-chan Event {
	return p.events
}

// Start releases stale leases from a previous run, then launches the
// worker loops.
func (p *Pool) Start(ctx context.Context) error {
	released, err := p.opts.Queue.ReleaseAllRunning(ctx)
	if err != nil {
		return fmt.Errorf("worker: startup recovery: %w", err)
	}

	if released > 0 {
		p.log.Info("recovered jobs from previous run", slog.Int("count", released))
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.opts.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)

		p.wg.Add(1)

		go func() {
			defer p.wg.Done()
			p.loop(runCtx, workerID)
		}()
	}

	p.log.Info("worker pool started", slog.Int("workers", p.opts.Workers))

	return nil
}

// Stop cancels the loops and waits for in-flight jobs. The caller's context
// timeout bounds the analyzer; this method only adds a small grace.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}

	p.cancel()

	done := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(defaultStopGrace):
		p.log.Warn("worker pool stop grace elapsed")
	}
}

// loop dequeues and processes jobs until the context is cancelled.
func (p *Pool) loop(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.opts.Queue.Dequeue(ctx, workerID)
		if errors.Is(err, queue.ErrEmpty) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.PollInterval):
			}

			continue
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}

			p.log.Error("dequeue failed", slog.String("worker", workerID), slog.Any("error", err))

			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.PollInterval):
			}

			continue
		}

		p.process(ctx, workerID, job)
	}
}

// process runs the full pipeline for one leased job.
func (p *Pool) process(ctx context.Context, workerID string, job *queue.Job) {
	started := p.now()

	ctx, span := p.tracer.Start(ctx, "worker.process", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type))))
	defer span.End()

	p.publish(Event{Kind: JobStarted, JobID: job.ID, JobType: string(job.Type), At: started})

	nodeID, err := p.analyzeSegment(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		p.failJob(ctx, workerID, job, err, p.now().Sub(started))

		return
	}

	span.SetAttributes(attribute.String("node.id", nodeID))

	completeErr := p.opts.Queue.Complete(ctx, job.ID, workerID, nodeID)
	if completeErr != nil {
		p.log.Error("complete failed", slog.String("job", job.ID), slog.Any("error", completeErr))
	}

	p.publish(Event{
		Kind:     JobCompleted,
		JobID:    job.ID,
		JobType:  string(job.Type),
		NodeID:   nodeID,
		Duration: p.now().Sub(started),
		At:       p.now(),
	})

	p.log.Info("job completed",
		slog.String("worker", workerID),
		slog.String("job", job.ID),
		slog.String("node", nodeID))
}

// failJob classifies the error, routes it to the queue, and notifies.
func (p *Pool) failJob(ctx context.Context, workerID string, job *queue.Job, err error, took time.Duration) {
	permanent := false

	var classErr *analyzer.Error
	if errors.As(err, &classErr) {
		permanent = classErr.Class.Permanent()
	}

	failErr := p.opts.Queue.Fail(ctx, job.ID, workerID, err, permanent)
	if failErr != nil {
		p.log.Error("fail routing failed", slog.String("job", job.ID), slog.Any("error", failErr))
	}

	p.publish(Event{
		Kind:     JobFailed,
		JobID:    job.ID,
		JobType:  string(job.Type),
		Err:      err,
		Duration: took,
		At:       p.now(),
	})

	p.log.Warn("job failed",
		slog.String("worker", workerID),
		slog.String("job", job.ID),
		slog.Bool("permanent", permanent),
		slog.Any("error", err))
}

// analyzeSegment runs parse, segment lookup, analysis, and upsert for one
// job. It returns the upserted node id.
func (p *Pool) analyzeSegment(ctx context.Context, job *queue.Job) (string, error) {
	session, parseErr := transcript.ParseFile(job.SessionPath)
	if parseErr != nil {
		return "", &analyzer.Error{
			Class: analyzer.PermanentInput,
			Stage: "parse transcript",
			Err:   parseErr,
		}
	}

	seg, found := p.locateSegment(session, job)
	if !found {
		return "", &analyzer.Error{
			Class: analyzer.PermanentInput,
			Stage: "locate segment",
			Err:   fmt.Errorf("segment [%s..%s] not found in %s", job.StartID, job.EndID, job.SessionPath),
		}
	}

	result, analyzeErr := p.analyze(ctx, analyzer.Request{
		JobID:       job.ID,
		SessionPath: job.SessionPath,
		StartID:     seg.StartID,
		EndID:       seg.EndID,
		Context:     job.Context,
	})
	if analyzeErr != nil {
		return "", analyzeErr
	}

	node, buildErr := p.buildNode(session, seg, job, result.NodeJSON)
	if buildErr != nil {
		return "", buildErr
	}

	emb, embErr := p.buildEmbedding(ctx, node)
	if embErr != nil {
		// Embedding faults must not lose the analysis.
		p.log.Warn("embedding skipped", slog.String("node", node.ID), slog.Any("error", embErr))
	}

	upsertErr := p.opts.Store.UpsertSegment(ctx, node, nil, emb)
	if upsertErr != nil {
		return "", fmt.Errorf("upsert node: %w", upsertErr)
	}

	return node.ID, nil
}

// analyze invokes the analyzer, holding a semaphore slot when subprocess
// concurrency is capped below the worker count.
func (p *Pool) analyze(ctx context.Context, req analyzer.Request) (*analyzer.Result, error) {
	if p.analysisSem != nil {
		select {
		case p.analysisSem <- struct{}{}:
			defer func() { <-p.analysisSem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return p.opts.Analyzer.Analyze(ctx, req)
}

// locateSegment finds the detected segment matching the job's range.
func (p *Pool) locateSegment(session *transcript.Session, job *queue.Job) (segment.Segment, bool) {
	for _, seg := range p.detector.Segments(session) {
		if seg.StartID == job.StartID && seg.EndID == job.EndID {
			return seg, true
		}
	}

	return segment.Segment{}, false
}

// buildNode decodes the analyzer document and stamps the daemon-owned
// identity and provenance fields.
func (p *Pool) buildNode(
	session *transcript.Session, seg segment.Segment, job *queue.Job, doc []byte,
) (*store.Node, error) {
	var node store.Node

	decodeErr := json.Unmarshal(doc, &node)
	if decodeErr != nil {
		return nil, &analyzer.Error{
			Class: analyzer.PermanentInput,
			Stage: "decode node",
			Err:   decodeErr,
		}
	}

	node.ID = seg.NodeID()
	node.Source.SessionPath = seg.SessionPath
	node.Source.StartID = seg.StartID
	node.Source.EndID = seg.EndID

	if node.Source.Computer == "" {
		node.Source.Computer = job.Context
	}

	end, ok := session.Entry(seg.EndID)
	if ok {
		node.Metadata.ObservedAt = end.Timestamp
	}

	node.Metadata.AnalyzedAt = p.now()

	if node.Metadata.AnalyzerVersion == "" {
		node.Metadata.AnalyzerVersion = analyzer.Version
	}

	return &node, nil
}

// buildEmbedding vectorizes the node's searchable text when a provider is
// configured.
func (p *Pool) buildEmbedding(ctx context.Context, node *store.Node) (*store.Embedding, error) {
	if p.opts.Embedder == nil {
		return nil, nil
	}

	input := node.Content.Summary
	for _, d := range node.Content.KeyDecisions {
		input += "\n" + d
	}

	vector, err := p.opts.Embedder.Embed(ctx, input)
	if err != nil {
		return nil, err
	}

	return &store.Embedding{
		NodeID:    node.ID,
		Model:     p.opts.Embedder.Model(),
		InputText: input,
		Format:    store.EmbeddingFormatV1,
		Vector:    vector,
	}, nil
}

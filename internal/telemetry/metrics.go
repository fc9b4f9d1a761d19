package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricJobsTotal        = "pibrain.jobs.total"
	metricAnalysisDuration = "pibrain.analysis.duration.seconds"
	metricNodesUpserted    = "pibrain.nodes.upserted.total"
	metricQueueDepth       = "pibrain.queue.depth"

	attrJobType = "job_type"
	attrStatus  = "status"
)

// analysisBucketBoundaries covers sub-second stub analyzers through
// multi-minute LLM calls.
var analysisBucketBoundaries = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200}

// PipelineMetrics holds the instruments for the analysis pipeline.
type PipelineMetrics struct {
	jobsTotal        metric.Int64Counter
	analysisDuration metric.Float64Histogram
	nodesUpserted    metric.Int64Counter
	queueDepth       metric.Int64ObservableGauge
}

// NewPipelineMetrics creates the pipeline instruments. queueDepth is polled
// on each collection; nil disables the gauge.
func NewPipelineMetrics(mt metric.Meter, queueDepth func(ctx context.Context) int) (*PipelineMetrics, error) {
	b := newMetricBuilder(mt)

	pm := &PipelineMetrics{
		jobsTotal:        b.counter(metricJobsTotal, "Jobs reaching a terminal status", "{job}"),
		analysisDuration: b.histogram(metricAnalysisDuration, "Analyzer invocation duration in seconds", "s", analysisBucketBoundaries...),
		nodesUpserted:    b.counter(metricNodesUpserted, "Knowledge nodes written", "{node}"),
		queueDepth:       b.gauge(metricQueueDepth, "Jobs pending in the analysis queue", "{job}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	if queueDepth != nil {
		_, err := mt.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(pm.queueDepth, int64(queueDepth(ctx)))

			return nil
		}, pm.queueDepth)
		if err != nil {
			return nil, err
		}
	}

	return pm, nil
}

// RecordJob counts one job reaching a terminal status.
func (pm *PipelineMetrics) RecordJob(ctx context.Context, jobType, status string) {
	pm.jobsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrJobType, jobType),
		attribute.String(attrStatus, status),
	))
}

// RecordAnalysis records one analyzer invocation duration.
func (pm *PipelineMetrics) RecordAnalysis(ctx context.Context, jobType string, d time.Duration) {
	pm.analysisDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String(attrJobType, jobType),
	))
}

// RecordNodeUpsert counts one node written to the store.
func (pm *PipelineMetrics) RecordNodeUpsert(ctx context.Context) {
	pm.nodesUpserted.Add(ctx, 1)
}

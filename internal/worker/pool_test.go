package worker_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pibrain/pibrain/internal/analyzer"
	"github.com/pibrain/pibrain/internal/embed"
	"github.com/pibrain/pibrain/internal/queue"
	"github.com/pibrain/pibrain/internal/segment"
	"github.com/pibrain/pibrain/internal/store"
	"github.com/pibrain/pibrain/internal/worker"
)

const header = `{"id":"e00","ts":"2026-01-02T10:00:00Z","kind":"session_info","header":true,"sessionId":"sess-1"}`

func msg(id, parent, ts string) string {
	return `{"id":"` + id + `","parentId":"` + parent + `","ts":"` + ts +
		`","kind":"message","role":"user","content":"x"}`
}

func writeSession(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "session.jsonl")
	lines := []string{
		header,
		msg("e01", "e00", "2026-01-02T10:00:01Z"),
		msg("e02", "e01", "2026-01-02T10:00:02Z"),
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	return path
}

// stubAnalyzer returns canned results and counts invocations.
type stubAnalyzer struct {
	calls   atomic.Int32
	failUpTo int32
	failWith *analyzer.Error
}

func (s *stubAnalyzer) Analyze(_ context.Context, req analyzer.Request) (*analyzer.Result, error) {
	n := s.calls.Add(1)

	if s.failWith != nil && n <= s.failUpTo {
		return nil, s.failWith
	}

	doc := `{
		"source": {"sessionPath": "` + req.SessionPath + `", "startId": "` + req.StartID + `", "endId": "` + req.EndID + `"},
		"content": {"summary": "stubbed analysis", "outcome": "success"},
		"classification": {"project": "pibrain"}
	}`

	return &analyzer.Result{NodeJSON: []byte(doc)}, nil
}

type fixture struct {
	store *store.Store
	queue *queue.Queue
	stub  *stubAnalyzer
	pool  *worker.Pool
}

func newFixture(t *testing.T, stub *stubAnalyzer, mutate func(*worker.Options)) *fixture {
	t.Helper()

	s, err := store.Open(store.Options{Dir: t.TempDir(), EnableVector: true, VectorDims: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	q, qErr := queue.New(queue.Options{DB: s.DB(), BackoffBase: time.Millisecond})
	require.NoError(t, qErr)

	opts := worker.Options{
		Workers:      1,
		PollInterval: 10 * time.Millisecond,
		Segments:     segment.DefaultConfig(),
		Queue:        q,
		Store:        s,
		Analyzer:     stub,
		Embedder:     embed.NewMock(8),
	}

	if mutate != nil {
		mutate(&opts)
	}

	p, pErr := worker.New(opts)
	require.NoError(t, pErr)

	return &fixture{store: s, queue: q, stub: stub, pool: p}
}

func enqueueSegment(t *testing.T, f *fixture, path string) *queue.Job {
	t.Helper()

	job, err := f.queue.Enqueue(context.Background(), queue.Input{
		Type:        queue.TypeInitial,
		SessionPath: path,
		StartID:     "e00",
		EndID:       "e02",
		Context:     "hubhost",
	})
	require.NoError(t, err)

	return job
}

func waitJobStatus(t *testing.T, f *fixture, jobID string, want queue.Status) *queue.Job {
	t.Helper()

	var got *queue.Job

	require.Eventually(t, func() bool {
		job, err := f.queue.Get(context.Background(), jobID)
		if err != nil {
			return false
		}

		got = job

		return job.Status == want
	}, 5*time.Second, 10*time.Millisecond)

	return got
}

func TestPool_ProcessesJob_EndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubAnalyzer{}, nil)
	path := writeSession(t)
	job := enqueueSegment(t, f, path)

	require.NoError(t, f.pool.Start(context.Background()))
	defer f.pool.Stop()

	done := waitJobStatus(t, f, job.ID, queue.StatusCompleted)

	nodeID := segment.NodeID(path, "e00", "e02")
	assert.Equal(t, nodeID, done.ResultNode)

	node, err := f.store.GetNode(context.Background(), nodeID)
	require.NoError(t, err)
	assert.Equal(t, 1, node.Version)
	assert.Equal(t, "stubbed analysis", node.Content.Summary)
	assert.Equal(t, "hubhost", node.Source.Computer)
	assert.False(t, node.Metadata.AnalyzedAt.IsZero())

	// Embedding recorded via the mock provider.
	emb, embErr := f.store.GetEmbedding(context.Background(), nodeID, "mock")
	require.NoError(t, embErr)
	assert.Len(t, emb.Vector, 8)
}

func TestPool_TransientFailure_RetriesToCompletion(t *testing.T) {
	t.Parallel()

	stub := &stubAnalyzer{
		failUpTo: 1,
		failWith: &analyzer.Error{
			Class: analyzer.RetryableTransient,
			Stage: "run subprocess",
			Err:   errors.New("rate limited"),
		},
	}

	f := newFixture(t, stub, nil)
	path := writeSession(t)
	job := enqueueSegment(t, f, path)

	require.NoError(t, f.pool.Start(context.Background()))
	defer f.pool.Stop()

	done := waitJobStatus(t, f, job.ID, queue.StatusCompleted)
	assert.Equal(t, 1, done.RetryCount)
	assert.EqualValues(t, 2, stub.calls.Load())

	node, err := f.store.GetNode(context.Background(), segment.NodeID(path, "e00", "e02"))
	require.NoError(t, err)
	assert.Equal(t, 1, node.Version, "node written exactly once")
}

func TestPool_PermanentFailure_NoRetry(t *testing.T) {
	t.Parallel()

	stub := &stubAnalyzer{
		failUpTo: 99,
		failWith: &analyzer.Error{
			Class: analyzer.PermanentConfig,
			Stage: "check prompt",
			Err:   errors.New("prompt missing"),
		},
	}

	f := newFixture(t, stub, func(o *worker.Options) {})
	path := writeSession(t)
	job := enqueueSegment(t, f, path)

	require.NoError(t, f.pool.Start(context.Background()))
	defer f.pool.Stop()

	done := waitJobStatus(t, f, job.ID, queue.StatusFailed)
	assert.Contains(t, done.LastError, "prompt missing")
	assert.EqualValues(t, 1, stub.calls.Load(), "permanent classes exit the retry loop")
}

func TestPool_UnparseableTranscript_PermanentInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubAnalyzer{}, nil)

	path := filepath.Join(t.TempDir(), "broken.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n"+msg("e01", "e00", "2026-01-02T10:00:01Z")+"\n"), 0o644))

	job, err := f.queue.Enqueue(context.Background(), queue.Input{
		Type: queue.TypeInitial, SessionPath: path, StartID: "e00", EndID: "e01",
	})
	require.NoError(t, err)

	require.NoError(t, f.pool.Start(context.Background()))
	defer f.pool.Stop()

	waitJobStatus(t, f, job.ID, queue.StatusFailed)
	assert.EqualValues(t, 0, f.stub.calls.Load(), "analyzer never invoked on parse failure")
}

func TestPool_UnknownSegment_PermanentInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubAnalyzer{}, nil)
	path := writeSession(t)

	job, err := f.queue.Enqueue(context.Background(), queue.Input{
		Type: queue.TypeInitial, SessionPath: path, StartID: "e55", EndID: "e99",
	})
	require.NoError(t, err)

	require.NoError(t, f.pool.Start(context.Background()))
	defer f.pool.Stop()

	done := waitJobStatus(t, f, job.ID, queue.StatusFailed)
	assert.Contains(t, done.LastError, "not found")
}

func TestPool_EmitsLifecycleEvents(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubAnalyzer{}, nil)
	path := writeSession(t)
	job := enqueueSegment(t, f, path)

	require.NoError(t, f.pool.Start(context.Background()))
	defer f.pool.Stop()

	waitJobStatus(t, f, job.ID, queue.StatusCompleted)

	var kinds []worker.EventKind

	deadline := time.After(2 * time.Second)

	for len(kinds) < 2 {
		select {
		case ev := <-f.pool.Events():
			if ev.JobID == job.ID {
				kinds = append(kinds, ev.Kind)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %v", kinds)
		}
	}

	assert.Equal(t, []worker.EventKind{worker.JobStarted, worker.JobCompleted}, kinds)
}

func TestPool_Start_RecoversOrphanedRunningJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubAnalyzer{}, nil)
	path := writeSession(t)
	job := enqueueSegment(t, f, path)

	// A previous process leased the job and died.
	leased, err := f.queue.Dequeue(context.Background(), "dead-worker")
	require.NoError(t, err)
	require.Equal(t, job.ID, leased.ID)

	require.NoError(t, f.pool.Start(context.Background()))
	defer f.pool.Stop()

	done := waitJobStatus(t, f, job.ID, queue.StatusCompleted)
	assert.Equal(t, queue.StatusCompleted, done.Status)

	_, getErr := f.store.GetNode(context.Background(), segment.NodeID(path, "e00", "e02"))
	require.NoError(t, getErr)
}

func TestPool_Stop_ReturnsPromptly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubAnalyzer{}, func(o *worker.Options) {
		o.PollInterval = 50 * time.Millisecond
	})

	require.NoError(t, f.pool.Start(context.Background()))

	stopped := make(chan struct{})

	go func() {
		f.pool.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("pool stop exceeded its bound")
	}
}

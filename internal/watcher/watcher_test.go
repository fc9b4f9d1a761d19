package watcher_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pibrain/pibrain/internal/queue"
	"github.com/pibrain/pibrain/internal/segment"
	"github.com/pibrain/pibrain/internal/store"
	"github.com/pibrain/pibrain/internal/transcript"
	"github.com/pibrain/pibrain/internal/watcher"
)

const header = `{"id":"e00","ts":"2026-01-02T10:00:00Z","kind":"session_info","header":true,"sessionId":"sess-1"}`

func msg(id, parent, ts string) string {
	return `{"id":"` + id + `","parentId":"` + parent + `","ts":"` + ts +
		`","kind":"message","role":"user","content":"x"}`
}

func writeTranscript(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	return path
}

func linearSession(t *testing.T, dir, name string) string {
	t.Helper()

	return writeTranscript(t, dir, name,
		header,
		msg("e01", "e00", "2026-01-02T10:00:01Z"),
		msg("e02", "e01", "2026-01-02T10:00:02Z"),
		msg("e03", "e02", "2026-01-02T10:00:03Z"),
	)
}

type fixture struct {
	watcher *watcher.Watcher
	queue   *queue.Queue
	store   *store.Store
	hub     string
}

func newFixture(t *testing.T, mutate func(*watcher.Options)) *fixture {
	t.Helper()

	s, err := store.Open(store.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	q, qErr := queue.New(queue.Options{DB: s.DB()})
	require.NoError(t, qErr)

	hub := t.TempDir()

	opts := watcher.Options{
		HubDir:      hub,
		IdleTimeout: 10 * time.Minute,
		Segments:    segment.DefaultConfig(),
		Hostname:    "hubhost",
		Queue:       q,
		Nodes:       s,
	}

	if mutate != nil {
		mutate(&opts)
	}

	w, wErr := watcher.New(opts)
	require.NoError(t, wErr)

	return &fixture{watcher: w, queue: q, store: s, hub: hub}
}

func TestIsTranscript(t *testing.T) {
	t.Parallel()

	assert.True(t, watcher.IsTranscript("/x/sessions/abc.jsonl"))
	assert.False(t, watcher.IsTranscript("/x/sessions/abc.json"))
	assert.False(t, watcher.IsTranscript("/x/sessions/.hidden.jsonl"))
	assert.False(t, watcher.IsTranscript("/x/sessions/notes.txt"))
}

func TestComputerFor_PathBoundaryMatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(o *watcher.Options) {
		o.Spokes = []watcher.Spoke{
			{Name: "laptop", Path: "/x/laptop", Enabled: true},
			{Name: "desk", Path: "/x/desk", Enabled: false},
		}
	})

	assert.Equal(t, "laptop", f.watcher.ComputerFor("/x/laptop/sessions/a.jsonl"))
	assert.Equal(t, "hubhost", f.watcher.ComputerFor("/x/laptop-backup/sessions/a.jsonl"),
		"prefix match must respect path boundaries")
	assert.Equal(t, "hubhost", f.watcher.ComputerFor("/x/desk/sessions/a.jsonl"),
		"disabled spokes do not tag")
}

func TestChainFingerprint_TracksActiveBranchGrowth(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := linearSession(t, dir, "a.jsonl")

	first, parseErr := transcript.ParseFile(path)
	require.NoError(t, parseErr)

	base := watcher.ChainFingerprint(first)
	require.NotEmpty(t, base)

	// Re-reading unchanged content yields the same digest.
	again, againErr := transcript.ParseFile(path)
	require.NoError(t, againErr)
	assert.Equal(t, base, watcher.ChainFingerprint(again))

	// A new entry on the active branch moves the leaf and the digest.
	f, openErr := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, openErr)

	_, writeErr := f.WriteString(msg("e04", "e03", "2026-01-02T10:00:04Z") + "\n")
	require.NoError(t, writeErr)
	require.NoError(t, f.Close())

	grown, grownErr := transcript.ParseFile(path)
	require.NoError(t, grownErr)
	assert.NotEqual(t, base, watcher.ChainFingerprint(grown))
}

func TestSweep_IdleSession_EnqueuesInitialJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	path := linearSession(t, f.hub, "a.jsonl")

	seen := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	f.watcher.SetNowFunc(func() time.Time { return seen.Add(11 * time.Minute) })
	f.watcher.Observe(path, seen)

	enqueued, err := f.watcher.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, enqueued)

	job, dqErr := f.queue.Dequeue(context.Background(), "w1")
	require.NoError(t, dqErr)
	assert.Equal(t, queue.TypeInitial, job.Type)
	assert.Equal(t, path, job.SessionPath)
	assert.Equal(t, "e00", job.StartID)
	assert.Equal(t, "e03", job.EndID)
	assert.Equal(t, "hubhost", job.Context)
}

func TestSweep_ActiveSession_NotEnqueued(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	path := linearSession(t, f.hub, "a.jsonl")

	seen := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	f.watcher.SetNowFunc(func() time.Time { return seen.Add(time.Minute) })
	f.watcher.Observe(path, seen)

	enqueued, err := f.watcher.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, enqueued)
}

func TestSweep_RepeatSweeps_CoalesceToOneJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	path := linearSession(t, f.hub, "a.jsonl")

	seen := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	f.watcher.SetNowFunc(func() time.Time { return seen.Add(time.Hour) })
	f.watcher.Observe(path, seen)

	ctx := context.Background()

	first, err := f.watcher.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first)

	second, err := f.watcher.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, second, "unchanged fingerprint short-circuits")

	stats, statsErr := f.queue.Stats(ctx)
	require.NoError(t, statsErr)
	assert.Equal(t, 1, stats.Pending)
}

func TestSweep_AnalyzedSegment_Skipped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	path := linearSession(t, f.hub, "a.jsonl")
	ctx := context.Background()

	// The segment already has a node in the store.
	nodeID := segment.NodeID(path, "e00", "e03")
	require.NoError(t, f.store.UpsertSegment(ctx, &store.Node{
		ID:     nodeID,
		Source: store.Source{SessionPath: path, StartID: "e00", EndID: "e03"},
		Content: store.Content{
			Summary: "already analyzed",
		},
	}, nil, nil))

	seen := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	f.watcher.SetNowFunc(func() time.Time { return seen.Add(time.Hour) })
	f.watcher.Observe(path, seen)

	enqueued, err := f.watcher.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, enqueued)
}

func TestSweep_MultiSegmentSession_EnqueuesEach(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	// A compaction entry opens a second segment.
	path := writeTranscript(t, f.hub, "a.jsonl",
		header,
		msg("e01", "e00", "2026-01-02T10:00:01Z"),
		msg("e02", "e01", "2026-01-02T10:00:02Z"),
		`{"id":"e03","parentId":"e02","ts":"2026-01-02T10:00:03Z","kind":"compaction","summary":"compacted"}`,
		msg("e04", "e03", "2026-01-02T10:00:04Z"),
	)

	seen := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	f.watcher.SetNowFunc(func() time.Time { return seen.Add(time.Hour) })
	f.watcher.Observe(path, seen)

	enqueued, err := f.watcher.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, enqueued)
}

func TestStartStop_TracksCreatedTranscripts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(o *watcher.Options) {
		o.SweepInterval = time.Hour // keep the ticker out of the way
	})

	require.NoError(t, f.watcher.Start(context.Background()))

	linearSession(t, f.hub, "live.jsonl")

	require.Eventually(t, func() bool {
		return f.watcher.TrackedFiles() == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, f.watcher.Stop())
}

func TestStateRoundTrip_SurvivesRestart(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()

	f := newFixture(t, func(o *watcher.Options) {
		o.StateDir = stateDir
		o.SweepInterval = time.Hour
	})

	require.NoError(t, f.watcher.Start(context.Background()))
	f.watcher.Observe(filepath.Join(f.hub, "a.jsonl"), time.Now())
	require.NoError(t, f.watcher.Stop())

	restarted := newFixture(t, func(o *watcher.Options) {
		o.StateDir = stateDir
		o.SweepInterval = time.Hour
	})

	require.NoError(t, restarted.watcher.Start(context.Background()))
	defer restarted.watcher.Stop() //nolint:errcheck

	assert.Equal(t, 1, restarted.watcher.TrackedFiles())
}

func TestStop_ReturnsPromptly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(o *watcher.Options) {
		o.SweepInterval = 50 * time.Millisecond
	})

	require.NoError(t, f.watcher.Start(context.Background()))

	stopped := make(chan struct{})

	go func() {
		_ = f.watcher.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher stop exceeded its bound")
	}
}

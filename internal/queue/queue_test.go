package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pibrain/pibrain/internal/queue"
	"github.com/pibrain/pibrain/internal/store"
)

// openQueue opens a fresh store (which owns the schema) and a queue on the
// same database handle.
func openQueue(t *testing.T, opts queue.Options) *queue.Queue {
	t.Helper()

	s, err := store.Open(store.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	opts.DB = s.DB()

	q, qErr := queue.New(opts)
	require.NoError(t, qErr)

	return q
}

func initialJob(path string) queue.Input {
	return queue.Input{
		Type:        queue.TypeInitial,
		SessionPath: path,
		StartID:     "e1",
		EndID:       "e9",
	}
}

func TestEnqueue_AssignsIDAndPriority(t *testing.T) {
	t.Parallel()

	q := openQueue(t, queue.Options{})

	job, err := q.Enqueue(context.Background(), initialJob("/s/a.jsonl"))
	require.NoError(t, err)
	assert.Len(t, job.ID, 16)
	assert.Equal(t, queue.PriorityInitial, job.Priority)
	assert.Equal(t, queue.StatusPending, job.Status)
}

func TestEnqueue_DuplicateSegment_Rejected(t *testing.T) {
	t.Parallel()

	q := openQueue(t, queue.Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, initialJob("/s/a.jsonl"))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, initialJob("/s/a.jsonl"))
	require.ErrorIs(t, err, queue.ErrDuplicate)

	// A different segment of the same file is not a duplicate.
	other := initialJob("/s/a.jsonl")
	other.StartID = "e10"
	other.EndID = "e20"
	_, err = q.Enqueue(ctx, other)
	require.NoError(t, err)
}

func TestEnqueue_BacklogCap_ReturnsErrFull(t *testing.T) {
	t.Parallel()

	q := openQueue(t, queue.Options{MaxPending: 2})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, initialJob("/s/a.jsonl"))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, initialJob("/s/b.jsonl"))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, initialJob("/s/c.jsonl"))
	require.ErrorIs(t, err, queue.ErrFull)

	// Draining a job frees capacity.
	_, err = q.Dequeue(ctx, "w1")
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, initialJob("/s/c.jsonl"))
	require.NoError(t, err)
}

func TestEnqueueMany_SkipsDuplicatesInOneTransaction(t *testing.T) {
	t.Parallel()

	q := openQueue(t, queue.Options{})

	jobs, err := q.EnqueueMany(context.Background(), []queue.Input{
		initialJob("/s/a.jsonl"),
		initialJob("/s/a.jsonl"), // duplicate of the first
		initialJob("/s/b.jsonl"),
	})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestDequeue_Empty_ReturnsErrEmpty(t *testing.T) {
	t.Parallel()

	q := openQueue(t, queue.Options{})

	_, err := q.Dequeue(context.Background(), "w1")
	require.ErrorIs(t, err, queue.ErrEmpty)
}

func TestDequeue_HonorsPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	q := openQueue(t, queue.Options{})
	ctx := context.Background()

	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	clock := base
	q.SetNowFunc(func() time.Time { return clock })

	_, err := q.Enqueue(ctx, initialJob("/s/first-initial.jsonl"))
	require.NoError(t, err)

	clock = base.Add(time.Second)
	_, err = q.Enqueue(ctx, initialJob("/s/second-initial.jsonl"))
	require.NoError(t, err)

	clock = base.Add(2 * time.Second)
	_, err = q.Enqueue(ctx, queue.Input{
		Type: queue.TypeUser, SessionPath: "/s/user.jsonl", StartID: "e1", EndID: "e2",
	})
	require.NoError(t, err)

	got, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, queue.TypeUser, got.Type, "lowest priority number wins")

	got, err = q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "/s/first-initial.jsonl", got.SessionPath, "FIFO within priority")

	got, err = q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "/s/second-initial.jsonl", got.SessionPath)
}

func TestDequeue_SetsLeaseAndWorker(t *testing.T) {
	t.Parallel()

	q := openQueue(t, queue.Options{LeaseDuration: 30 * time.Minute})
	ctx := context.Background()

	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	q.SetNowFunc(func() time.Time { return now })

	_, err := q.Enqueue(ctx, initialJob("/s/a.jsonl"))
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusRunning, job.Status)
	assert.Equal(t, "w1", job.WorkerID)
	assert.Equal(t, now.Add(30*time.Minute), job.LeaseExpiry)
}

func TestDequeue_Concurrent_EachJobAwardedOnce(t *testing.T) {
	t.Parallel()

	q := openQueue(t, queue.Options{})
	ctx := context.Background()

	const jobCount = 8

	for i := 0; i < jobCount; i++ {
		in := initialJob("/s/many.jsonl")
		in.StartID = string(rune('a' + i))
		_, err := q.Enqueue(ctx, in)
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)

	for w := 0; w < 4; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				job, err := q.Dequeue(ctx, "worker")
				if errors.Is(err, queue.ErrEmpty) {
					return
				}

				if !assert.NoError(t, err) {
					return
				}

				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Len(t, seen, jobCount)

	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s leased more than once", id)
	}
}

func TestComplete_ClearsLeaseAndRecordsResult(t *testing.T) {
	t.Parallel()

	q := openQueue(t, queue.Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, initialJob("/s/a.jsonl"))
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, job.ID, "w1", "kn-abc"))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, got.Status)
	assert.Equal(t, "kn-abc", got.ResultNode)
	assert.Empty(t, got.WorkerID)
}

func TestComplete_StolenLease_IsNoOp(t *testing.T) {
	t.Parallel()

	q := openQueue(t, queue.Options{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, initialJob("/s/a.jsonl"))
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)

	// Another worker took over after a stale release.
	released, relErr := q.ReleaseAllRunning(ctx)
	require.NoError(t, relErr)
	require.Equal(t, 1, released)

	stolen, err := q.Dequeue(ctx, "w2")
	require.NoError(t, err)
	require.Equal(t, job.ID, stolen.ID)

	// The original worker's complete must not clobber w2's lease.
	require.NoError(t, q.Complete(ctx, job.ID, "w1", "kn-old"))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusRunning, got.Status)
	assert.Equal(t, "w2", got.WorkerID)
}

func TestFail_BelowBudget_RetriesWithBackoff(t *testing.T) {
	t.Parallel()

	q := openQueue(t, queue.Options{BackoffBase: time.Minute, MaxRetries: 3})
	ctx := context.Background()

	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	q.SetNowFunc(func() time.Time { return now })
	q.SetJitterFunc(func(max time.Duration) time.Duration { return max })

	_, err := q.Enqueue(ctx, initialJob("/s/a.jsonl"))
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, job.ID, "w1", errors.New("analyzer timeout"), false))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "analyzer timeout", got.LastError)
	assert.Equal(t, now.Add(time.Minute), got.LeaseExpiry, "not-before lease in the future")

	// Still backing off: not eligible for dequeue.
	_, err = q.Dequeue(ctx, "w2")
	require.ErrorIs(t, err, queue.ErrEmpty)

	// After the backoff window it is eligible again.
	now = now.Add(2 * time.Minute)

	retried, err := q.Dequeue(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, job.ID, retried.ID)
}

func TestFail_AtBudget_TransitionsToFailed(t *testing.T) {
	t.Parallel()

	q := openQueue(t, queue.Options{MaxRetries: 1})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, initialJob("/s/a.jsonl"))
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, job.ID, "w1", errors.New("boom"), false))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
}

func TestFail_Permanent_SkipsRetryBudget(t *testing.T) {
	t.Parallel()

	q := openQueue(t, queue.Options{MaxRetries: 5})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, initialJob("/s/a.jsonl"))
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, job.ID, "w1", errors.New("malformed transcript"), true))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
}

func TestReleaseStale_OnlyExpiredLeases(t *testing.T) {
	t.Parallel()

	q := openQueue(t, queue.Options{LeaseDuration: 10 * time.Minute})
	ctx := context.Background()

	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	q.SetNowFunc(func() time.Time { return now })

	_, err := q.Enqueue(ctx, initialJob("/s/stale.jsonl"))
	require.NoError(t, err)

	stale, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)

	now = now.Add(11 * time.Minute)

	fresh := initialJob("/s/fresh.jsonl")
	_, err = q.Enqueue(ctx, fresh)
	require.NoError(t, err)

	freshJob, err := q.Dequeue(ctx, "w2")
	require.NoError(t, err)

	released, err := q.ReleaseStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	got, err := q.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount, "stale release must not count as a retry")

	got, err = q.Get(ctx, freshJob.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusRunning, got.Status)
}

func TestCancelJob_PendingOnly(t *testing.T) {
	t.Parallel()

	q := openQueue(t, queue.Options{})
	ctx := context.Background()

	pending, err := q.Enqueue(ctx, initialJob("/s/a.jsonl"))
	require.NoError(t, err)
	require.NoError(t, q.CancelJob(ctx, pending.ID))

	_, err = q.Get(ctx, pending.ID)
	require.ErrorIs(t, err, queue.ErrNotFound)

	_, err = q.Enqueue(ctx, initialJob("/s/b.jsonl"))
	require.NoError(t, err)

	running, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.ErrorIs(t, q.CancelJob(ctx, running.ID), queue.ErrBadState)
}

func TestCancelJobsForSession_RemovesAllPending(t *testing.T) {
	t.Parallel()

	q := openQueue(t, queue.Options{})
	ctx := context.Background()

	for _, start := range []string{"e1", "e10", "e20"} {
		in := initialJob("/s/a.jsonl")
		in.StartID = start
		_, err := q.Enqueue(ctx, in)
		require.NoError(t, err)
	}

	_, err := q.Enqueue(ctx, initialJob("/s/other.jsonl"))
	require.NoError(t, err)

	removed, err := q.CancelJobsForSession(ctx, "/s/a.jsonl")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

func TestRetryJob_ResetsCounters(t *testing.T) {
	t.Parallel()

	q := openQueue(t, queue.Options{MaxRetries: 1})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, initialJob("/s/a.jsonl"))
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job.ID, "w1", errors.New("boom"), false))

	require.NoError(t, q.RetryJob(ctx, job.ID))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.LastError)

	// Retrying a non-failed job is rejected.
	require.ErrorIs(t, q.RetryJob(ctx, job.ID), queue.ErrBadState)
}

func TestClearOldCompleted_KeepsRecent(t *testing.T) {
	t.Parallel()

	q := openQueue(t, queue.Options{})
	ctx := context.Background()

	now := time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC)
	q.SetNowFunc(func() time.Time { return now })

	_, err := q.Enqueue(ctx, initialJob("/s/old.jsonl"))
	require.NoError(t, err)

	oldJob, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, oldJob.ID, "w1", ""))

	now = now.AddDate(0, 0, 10)

	_, err = q.Enqueue(ctx, initialJob("/s/recent.jsonl"))
	require.NoError(t, err)

	recentJob, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, recentJob.ID, "w1", ""))

	removed, err := q.ClearOldCompleted(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = q.Get(ctx, recentJob.ID)
	require.NoError(t, err)
}

func TestStats_CountsAndOldestPending(t *testing.T) {
	t.Parallel()

	q := openQueue(t, queue.Options{})
	ctx := context.Background()

	enqueued := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	q.SetNowFunc(func() time.Time { return enqueued })

	_, err := q.Enqueue(ctx, initialJob("/s/a.jsonl"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, initialJob("/s/b.jsonl"))
	require.NoError(t, err)

	_, err = q.Dequeue(ctx, "w1")
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 2, stats.Total())
	assert.Equal(t, enqueued, stats.OldestPending)
}

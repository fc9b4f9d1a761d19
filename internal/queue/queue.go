// Package queue implements the durable analysis job queue, persisted in the
// same SQLite database as the knowledge graph. Jobs are priority-ordered,
// leased with an expiry, and retried with full-jitter backoff.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

var (
	// ErrEmpty indicates the queue has no eligible job.
	ErrEmpty = errors.New("queue: empty")
	// ErrDuplicate indicates a pending or running job already covers the segment.
	ErrDuplicate = errors.New("queue: duplicate job")
	// ErrNotFound indicates the job id does not exist.
	ErrNotFound = errors.New("queue: job not found")
	// ErrBadState indicates the job is not in a state the operation accepts.
	ErrBadState = errors.New("queue: invalid job state")
	// ErrFull indicates the pending backlog reached MaxPending.
	ErrFull = errors.New("queue: full")
)

// Defaults applied when Options leaves a knob zero.
const (
	defaultLeaseDuration = 30 * time.Minute
	defaultBackoffBase   = 30 * time.Second
	defaultBackoffCap    = 30 * time.Minute
	defaultMaxRetries    = 3
)

// Options configures a Queue.
type Options struct {
	DB *sql.DB

	// LeaseDuration bounds how long a dequeued job stays claimed.
	LeaseDuration time.Duration

	// BackoffBase is the first retry delay; doubled per retry, full jitter.
	BackoffBase time.Duration

	// MaxRetries is the default retry budget per job.
	MaxRetries int

	// MaxPending caps the pending backlog; Enqueue returns ErrFull beyond
	// it. Zero means unbounded.
	MaxPending int

	Logger *slog.Logger
}

// Queue is the durable job queue.
type Queue struct {
	db            *sql.DB
	leaseDuration time.Duration
	backoffBase   time.Duration
	maxRetries    int
	maxPending    int
	log           *slog.Logger

	now     func() time.Time
	jitterF func(max time.Duration) time.Duration
}

// New wires a Queue over an already-open database. The schema is owned by
// the store's migrations.
func New(opts Options) (*Queue, error) {
	if opts.DB == nil {
		return nil, errors.New("queue: database handle not set")
	}

	q := &Queue{
		db:            opts.DB,
		leaseDuration: opts.LeaseDuration,
		backoffBase:   opts.BackoffBase,
		maxRetries:    opts.MaxRetries,
		maxPending:    opts.MaxPending,
		log:           opts.Logger,
	}

	if q.leaseDuration <= 0 {
		q.leaseDuration = defaultLeaseDuration
	}

	if q.backoffBase <= 0 {
		q.backoffBase = defaultBackoffBase
	}

	if q.maxRetries <= 0 {
		q.maxRetries = defaultMaxRetries
	}

	if q.log == nil {
		q.log = slog.Default()
	}

	q.now = time.Now
	q.jitterF = func(max time.Duration) time.Duration {
		if max <= 0 {
			return 0
		}

		return time.Duration(rand.Int64N(int64(max)))
	}

	return q, nil
}

// Enqueue inserts one pending job. A pending or running job covering the
// same (session, start, end) makes this a no-op returning ErrDuplicate.
func (q *Queue) Enqueue(ctx context.Context, in Input) (*Job, error) {
	tx, beginErr := q.db.BeginTx(ctx, nil)
	if beginErr != nil {
		return nil, fmt.Errorf("queue: begin enqueue: %w", beginErr)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit.

	job, err := q.enqueueTx(ctx, tx, in)
	if err != nil {
		return nil, err
	}

	commitErr := tx.Commit()
	if commitErr != nil {
		return nil, fmt.Errorf("queue: commit enqueue: %w", commitErr)
	}

	q.log.Debug("job enqueued",
		slog.String("job", job.ID),
		slog.String("type", string(job.Type)),
		slog.String("session", job.SessionPath))

	return job, nil
}

// EnqueueMany inserts all inputs in a single transaction. Duplicates are
// skipped, not fatal; the returned slice holds the jobs actually inserted.
func (q *Queue) EnqueueMany(ctx context.Context, ins []Input) ([]*Job, error) {
	tx, beginErr := q.db.BeginTx(ctx, nil)
	if beginErr != nil {
		return nil, fmt.Errorf("queue: begin enqueue-many: %w", beginErr)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit.

	var jobs []*Job

	for _, in := range ins {
		job, err := q.enqueueTx(ctx, tx, in)
		if errors.Is(err, ErrDuplicate) {
			continue
		}

		if err != nil {
			return nil, err
		}

		jobs = append(jobs, job)
	}

	commitErr := tx.Commit()
	if commitErr != nil {
		return nil, fmt.Errorf("queue: commit enqueue-many: %w", commitErr)
	}

	return jobs, nil
}

func (q *Queue) enqueueTx(ctx context.Context, tx *sql.Tx, in Input) (*Job, error) {
	var one int

	dupErr := tx.QueryRowContext(ctx, `
		SELECT 1 FROM analysis_queue
		WHERE session_path = ? AND start_id = ? AND end_id = ?
		  AND status IN ('pending', 'running')
		LIMIT 1`,
		in.SessionPath, in.StartID, in.EndID).Scan(&one)
	if dupErr == nil {
		return nil, fmt.Errorf("%w: %s [%s..%s]", ErrDuplicate, in.SessionPath, in.StartID, in.EndID)
	}

	if !errors.Is(dupErr, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue: dedup check: %w", dupErr)
	}

	if q.maxPending > 0 {
		var pending int

		countErr := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM analysis_queue WHERE status = 'pending'`).Scan(&pending)
		if countErr != nil {
			return nil, fmt.Errorf("queue: backlog check: %w", countErr)
		}

		if pending >= q.maxPending {
			return nil, fmt.Errorf("%w: %d pending jobs", ErrFull, pending)
		}
	}

	id, idErr := newJobID()
	if idErr != nil {
		return nil, fmt.Errorf("queue: generate job id: %w", idErr)
	}

	maxRetries := in.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.maxRetries
	}

	job := &Job{
		ID:          id,
		Type:        in.Type,
		Priority:    PriorityFor(in.Type),
		SessionPath: in.SessionPath,
		StartID:     in.StartID,
		EndID:       in.EndID,
		Context:     in.Context,
		Status:      StatusPending,
		MaxRetries:  maxRetries,
		EnqueuedAt:  q.now(),
	}

	_, insErr := tx.ExecContext(ctx, `
		INSERT INTO analysis_queue
			(id, type, priority, session_path, start_id, end_id, context,
			 status, max_retries, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
		job.ID, string(job.Type), job.Priority, job.SessionPath, job.StartID,
		job.EndID, job.Context, job.MaxRetries, job.EnqueuedAt.Unix())
	if insErr != nil {
		return nil, fmt.Errorf("queue: insert job: %w", insErr)
	}

	return job, nil
}

// Dequeue atomically claims the highest-priority eligible pending job for
// workerID. A pending job with a future lease expiry is still backing off
// and is not eligible. Returns ErrEmpty when nothing is claimable.
//
// The claim is a single UPDATE…RETURNING statement, so concurrent callers
// are awarded disjoint jobs by the database's write serialization.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	now := q.now()

	row := q.db.QueryRowContext(ctx, `
		UPDATE analysis_queue
		SET status = 'running', worker_id = ?, lease_expiry = ?, started_at = ?
		WHERE id = (
			SELECT id FROM analysis_queue
			WHERE status = 'pending' AND lease_expiry <= ?
			ORDER BY priority ASC, enqueued_at ASC, id ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		workerID, now.Add(q.leaseDuration).Unix(), now.Unix(), now.Unix())

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}

	if err != nil {
		return nil, err
	}

	return job, nil
}

// Complete transitions a running job to completed and clears its lease.
// A worker whose lease was stolen (worker-id mismatch) gets a silent no-op.
func (q *Queue) Complete(ctx context.Context, jobID, workerID, resultNode string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE analysis_queue
		SET status = 'completed', result_node = ?, finished_at = ?,
		    worker_id = '', lease_expiry = 0
		WHERE id = ? AND status = 'running' AND worker_id = ?`,
		resultNode, q.now().Unix(), jobID, workerID)
	if err != nil {
		return fmt.Errorf("queue: complete: %w", err)
	}

	return q.ignoreStolenLease(ctx, res, jobID, workerID, "complete")
}

// Fail records a failure. Below the retry budget the job returns to pending
// with a backoff-delayed lease; at the budget, or when permanent is set, it
// transitions to failed. Stolen leases are a silent no-op.
func (q *Queue) Fail(ctx context.Context, jobID, workerID string, jobErr error, permanent bool) error {
	job, getErr := q.Get(ctx, jobID)
	if getErr != nil {
		return getErr
	}

	if job.Status != StatusRunning || job.WorkerID != workerID {
		q.log.Debug("fail on stolen lease ignored", slog.String("job", jobID))

		return nil
	}

	message := ""
	if jobErr != nil {
		message = jobErr.Error()
	}

	retryCount := job.RetryCount + 1
	if permanent || retryCount >= job.MaxRetries {
		_, err := q.db.ExecContext(ctx, `
			UPDATE analysis_queue
			SET status = 'failed', retry_count = ?, last_error = ?,
			    finished_at = ?, worker_id = '', lease_expiry = 0
			WHERE id = ? AND status = 'running' AND worker_id = ?`,
			retryCount, message, q.now().Unix(), jobID, workerID)
		if err != nil {
			return fmt.Errorf("queue: fail terminal: %w", err)
		}

		q.log.Warn("job failed terminally",
			slog.String("job", jobID), slog.Int("retries", retryCount), slog.String("error", message))

		return nil
	}

	notBefore := q.now().Add(q.backoff(retryCount))

	_, err := q.db.ExecContext(ctx, `
		UPDATE analysis_queue
		SET status = 'pending', retry_count = ?, last_error = ?,
		    worker_id = '', lease_expiry = ?
		WHERE id = ? AND status = 'running' AND worker_id = ?`,
		retryCount, message, notBefore.Unix(), jobID, workerID)
	if err != nil {
		return fmt.Errorf("queue: fail retry: %w", err)
	}

	q.log.Info("job scheduled for retry",
		slog.String("job", jobID),
		slog.Int("retry", retryCount),
		slog.Time("not_before", notBefore))

	return nil
}

// backoff returns base*2^(retry-1) capped, with full jitter.
func (q *Queue) backoff(retry int) time.Duration {
	delay := q.backoffBase
	for i := 1; i < retry && delay < defaultBackoffCap; i++ {
		delay *= 2
	}

	if delay > defaultBackoffCap {
		delay = defaultBackoffCap
	}

	return q.jitterF(delay)
}

// ReleaseStale returns to pending every running job whose lease expired.
// Retry counters are not touched.
func (q *Queue) ReleaseStale(ctx context.Context) (int, error) {
	return q.release(ctx, `status = 'running' AND lease_expiry < ?`, q.now().Unix())
}

// ReleaseAllRunning unconditionally returns every running job to pending.
// Called once at startup to recover from crashes mid-analysis.
func (q *Queue) ReleaseAllRunning(ctx context.Context) (int, error) {
	return q.release(ctx, `status = 'running'`)
}

func (q *Queue) release(ctx context.Context, where string, args ...any) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE analysis_queue
		SET status = 'pending', worker_id = '', lease_expiry = 0
		WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("queue: release: %w", err)
	}

	affected, affErr := res.RowsAffected()
	if affErr != nil {
		return 0, fmt.Errorf("queue: release rows: %w", affErr)
	}

	if affected > 0 {
		q.log.Info("released leased jobs", slog.Int64("count", affected))
	}

	return int(affected), nil
}

// HasExistingJob reports whether a pending or running job covers the segment.
func (q *Queue) HasExistingJob(ctx context.Context, sessionPath, startID, endID string) (bool, error) {
	var one int

	err := q.db.QueryRowContext(ctx, `
		SELECT 1 FROM analysis_queue
		WHERE session_path = ? AND start_id = ? AND end_id = ?
		  AND status IN ('pending', 'running')
		LIMIT 1`,
		sessionPath, startID, endID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("queue: existing job check: %w", err)
	}

	return true, nil
}

// Get loads one job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM analysis_queue WHERE id = ?`, jobID)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}

	return job, err
}

// Stats summarizes the queue.
type Stats struct {
	Pending       int
	Running       int
	Completed     int
	Failed        int
	OldestPending time.Time
}

// Total is the number of jobs in any state.
func (s Stats) Total() int {
	return s.Pending + s.Running + s.Completed + s.Failed
}

// CountsByStatus returns the per-status job counts.
func (q *Queue) CountsByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM analysis_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue: counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)

	for rows.Next() {
		var (
			status string
			n      int
		)

		scanErr := rows.Scan(&status, &n)
		if scanErr != nil {
			return nil, fmt.Errorf("queue: scan counts: %w", scanErr)
		}

		counts[Status(status)] = n
	}

	return counts, rows.Err()
}

// Stats collects per-status counts and the oldest pending enqueue time.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.CountsByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Pending:   counts[StatusPending],
		Running:   counts[StatusRunning],
		Completed: counts[StatusCompleted],
		Failed:    counts[StatusFailed],
	}

	if stats.Pending > 0 {
		var oldest int64

		oldestErr := q.db.QueryRowContext(ctx,
			`SELECT MIN(enqueued_at) FROM analysis_queue WHERE status = 'pending'`).Scan(&oldest)
		if oldestErr != nil {
			return Stats{}, fmt.Errorf("queue: oldest pending: %w", oldestErr)
		}

		stats.OldestPending = time.Unix(oldest, 0).UTC()
	}

	return stats, nil
}

// List returns jobs filtered by status (empty matches all), newest first.
func (q *Queue) List(ctx context.Context, status Status, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + jobColumns + ` FROM analysis_queue`
	args := []any{}

	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}

	query += ` ORDER BY enqueued_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	defer rows.Close()

	var jobs []*Job

	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// CancelJob removes a pending job. Running jobs cannot be cancelled.
func (q *Queue) CancelJob(ctx context.Context, jobID string) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM analysis_queue WHERE id = ? AND status = 'pending'`, jobID)
	if err != nil {
		return fmt.Errorf("queue: cancel: %w", err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		job, getErr := q.Get(ctx, jobID)
		if getErr != nil {
			return getErr
		}

		return fmt.Errorf("%w: job %s is %s", ErrBadState, jobID, job.Status)
	}

	return nil
}

// CancelJobsForSession removes every pending job targeting the session file.
func (q *Queue) CancelJobsForSession(ctx context.Context, sessionPath string) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM analysis_queue WHERE session_path = ? AND status = 'pending'`, sessionPath)
	if err != nil {
		return 0, fmt.Errorf("queue: cancel for session: %w", err)
	}

	affected, affErr := res.RowsAffected()
	if affErr != nil {
		return 0, fmt.Errorf("queue: cancel rows: %w", affErr)
	}

	return int(affected), nil
}

// RetryJob returns a failed job to pending with counters reset.
func (q *Queue) RetryJob(ctx context.Context, jobID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE analysis_queue
		SET status = 'pending', retry_count = 0, last_error = '',
		    worker_id = '', lease_expiry = 0, started_at = 0, finished_at = 0
		WHERE id = ? AND status = 'failed'`, jobID)
	if err != nil {
		return fmt.Errorf("queue: retry: %w", err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		job, getErr := q.Get(ctx, jobID)
		if getErr != nil {
			return getErr
		}

		return fmt.Errorf("%w: job %s is %s", ErrBadState, jobID, job.Status)
	}

	return nil
}

// ClearOldCompleted deletes completed jobs finished more than days ago.
func (q *Queue) ClearOldCompleted(ctx context.Context, days int) (int, error) {
	cutoff := q.now().AddDate(0, 0, -days).Unix()

	res, err := q.db.ExecContext(ctx,
		`DELETE FROM analysis_queue WHERE status = 'completed' AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue: clear old: %w", err)
	}

	affected, affErr := res.RowsAffected()
	if affErr != nil {
		return 0, fmt.Errorf("queue: clear rows: %w", affErr)
	}

	return int(affected), nil
}

// ClearAll deletes every job regardless of state.
func (q *Queue) ClearAll(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM analysis_queue`)
	if err != nil {
		return 0, fmt.Errorf("queue: clear all: %w", err)
	}

	affected, affErr := res.RowsAffected()
	if affErr != nil {
		return 0, fmt.Errorf("queue: clear rows: %w", affErr)
	}

	return int(affected), nil
}

// ignoreStolenLease logs and swallows a zero-row lease-guarded update when
// the job exists but is held by someone else; a missing job is still an error.
func (q *Queue) ignoreStolenLease(ctx context.Context, res sql.Result, jobID, workerID, op string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: %s rows: %w", op, err)
	}

	if affected > 0 {
		return nil
	}

	_, getErr := q.Get(ctx, jobID)
	if getErr != nil {
		return getErr
	}

	q.log.Debug("lease no longer held, update ignored",
		slog.String("op", op), slog.String("job", jobID), slog.String("worker", workerID))

	return nil
}

// jobColumns is the shared select list, ordered to match scanJob.
const jobColumns = `id, type, priority, session_path, start_id, end_id, context,
	status, retry_count, max_retries, worker_id, lease_expiry,
	enqueued_at, started_at, finished_at, last_error, result_node`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var (
		job                                            Job
		jobType, status                                string
		leaseExpiry, enqueuedAt, startedAt, finishedAt int64
	)

	err := r.Scan(&job.ID, &jobType, &job.Priority, &job.SessionPath,
		&job.StartID, &job.EndID, &job.Context, &status, &job.RetryCount,
		&job.MaxRetries, &job.WorkerID, &leaseExpiry, &enqueuedAt,
		&startedAt, &finishedAt, &job.LastError, &job.ResultNode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("queue: scan job: %w", err)
	}

	job.Type = JobType(jobType)
	job.Status = Status(status)
	job.LeaseExpiry = unixTime(leaseExpiry)
	job.EnqueuedAt = unixTime(enqueuedAt)
	job.StartedAt = unixTime(startedAt)
	job.FinishedAt = unixTime(finishedAt)

	return &job, nil
}

func unixTime(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}

	return time.Unix(unix, 0).UTC()
}

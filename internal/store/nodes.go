package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetNode loads the authoritative node blob for the given id.
func (s *Store) GetNode(ctx context.Context, id string) (*Node, error) {
	var blobPath string

	err := s.db.QueryRowContext(ctx,
		`SELECT blob_path FROM nodes WHERE id = ?`, id).Scan(&blobPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: node %s", ErrNotFound, id)
	}

	if err != nil {
		return nil, internalErr("lookup node", err)
	}

	return readBlob(blobPath)
}

// GetNodeSummary loads the relational projection for the given id.
func (s *Store) GetNodeSummary(ctx context.Context, id string) (*NodeSummary, error) {
	row := s.db.QueryRowContext(ctx, summarySelect+` WHERE id = ?`, id)

	summary, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: node %s", ErrNotFound, id)
	}

	if err != nil {
		return nil, err
	}

	return summary, nil
}

// Archive marks a node archived. Archival never deletes.
func (s *Store) Archive(ctx context.Context, id string) error {
	return s.setArchived(ctx, id, true)
}

// Unarchive explicitly clears the archived flag. Decay never does this.
func (s *Store) Unarchive(ctx context.Context, id string) error {
	return s.setArchived(ctx, id, false)
}

func (s *Store) setArchived(ctx context.Context, id string, archived bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET archived = ?, updated_at = ? WHERE id = ?`,
		archived, s.now().Unix(), id)
	if err != nil {
		return internalErr("set archived", err)
	}

	return requireRow(res, id)
}

// SetRelevance records a decayed relevance score for a node.
func (s *Store) SetRelevance(ctx context.Context, id string, score float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET relevance = ?, updated_at = ? WHERE id = ?`,
		clampUnit(score), s.now().Unix(), id)
	if err != nil {
		return internalErr("set relevance", err)
	}

	return requireRow(res, id)
}

// TouchAccess stamps the last-accessed timestamp, feeding access recency
// into relevance decay.
func (s *Store) TouchAccess(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET last_accessed_at = ? WHERE id = ?`,
		s.now().Unix(), id)
	if err != nil {
		return internalErr("touch access", err)
	}

	return requireRow(res, id)
}

// EdgeCount returns the number of edges touching the node in either direction.
func (s *Store) EdgeCount(ctx context.Context, id string) (int, error) {
	var count int

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM edges WHERE source_id = ? OR target_id = ?`, id, id).Scan(&count)
	if err != nil {
		return 0, internalErr("count edges", err)
	}

	return count, nil
}

// UpsertEdge coalesces a single edge outside a segment upsert. Used by
// consolidation jobs.
func (s *Store) UpsertEdge(ctx context.Context, e Edge) error {
	tx, beginErr := s.db.BeginTx(ctx, nil)
	if beginErr != nil {
		return internalErr("begin edge upsert", beginErr)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit.

	err := upsertEdgeTx(ctx, tx, s.now().Unix(), &e)
	if err != nil {
		return err
	}

	commitErr := tx.Commit()
	if commitErr != nil {
		return internalErr("commit edge upsert", commitErr)
	}

	return nil
}

// HasEdge reports whether an edge exists for the exact (source, target, type).
func (s *Store) HasEdge(ctx context.Context, sourceID, targetID, edgeType string) (bool, error) {
	var one int

	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM edges WHERE source_id = ? AND target_id = ? AND type = ?`,
		sourceID, targetID, edgeType).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, internalErr("check edge", err)
	}

	return true, nil
}

// OldestAnalyzed returns up to limit non-archived nodes ordered by oldest
// analyzed-at first. Used by the reanalysis job.
func (s *Store) OldestAnalyzed(ctx context.Context, limit int) ([]NodeSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		summarySelect+` WHERE archived = 0 ORDER BY analyzed_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, internalErr("list oldest analyzed", err)
	}

	return collectSummaries(rows)
}

// RecentlyTouched returns up to limit non-archived nodes created or updated
// within the lookback window, newest first. Used by connection discovery.
func (s *Store) RecentlyTouched(ctx context.Context, lookback time.Duration, limit int) ([]NodeSummary, error) {
	cutoff := s.now().Add(-lookback).Unix()

	rows, err := s.db.QueryContext(ctx,
		summarySelect+` WHERE archived = 0 AND updated_at >= ? ORDER BY updated_at DESC, id ASC LIMIT ?`,
		cutoff, limit)
	if err != nil {
		return nil, internalErr("list recently touched", err)
	}

	return collectSummaries(rows)
}

// NonArchived streams every non-archived node summary. Used by decay.
func (s *Store) NonArchived(ctx context.Context) ([]NodeSummary, error) {
	rows, err := s.db.QueryContext(ctx, summarySelect+` WHERE archived = 0 ORDER BY id ASC`)
	if err != nil {
		return nil, internalErr("list non-archived", err)
	}

	return collectSummaries(rows)
}

// SampleRelevant returns up to sampleSize non-archived nodes with relevance
// at or above the threshold, ordered randomly. Used by creative association.
func (s *Store) SampleRelevant(ctx context.Context, minRelevance float64, sampleSize int) ([]NodeSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		summarySelect+` WHERE archived = 0 AND relevance >= ? ORDER BY RANDOM() LIMIT ?`,
		minRelevance, sampleSize)
	if err != nil {
		return nil, internalErr("sample relevant", err)
	}

	return collectSummaries(rows)
}

// AllNodeIDs lists every node id, archived included. Used by export.
func (s *Store) AllNodeIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM nodes ORDER BY id ASC`)
	if err != nil {
		return nil, internalErr("list node ids", err)
	}
	defer rows.Close()

	var out []string

	for rows.Next() {
		var id string

		scanErr := rows.Scan(&id)
		if scanErr != nil {
			return nil, internalErr("scan node id", scanErr)
		}

		out = append(out, id)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, internalErr("iterate node ids", rowsErr)
	}

	return out, nil
}

// AllEdges lists every edge. Used by export.
func (s *Store) AllEdges(ctx context.Context) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, target_id, type, created_by, confidence, similarity, created_at
		FROM edges
		ORDER BY source_id ASC, target_id ASC, type ASC`)
	if err != nil {
		return nil, internalErr("list edges", err)
	}
	defer rows.Close()

	var out []Edge

	for rows.Next() {
		var (
			e          Edge
			createdBy  string
			similarity sql.NullFloat64
			createdAt  int64
		)

		scanErr := rows.Scan(&e.SourceID, &e.TargetID, &e.Type, &createdBy,
			&e.Confidence, &similarity, &createdAt)
		if scanErr != nil {
			return nil, internalErr("scan edge", scanErr)
		}

		e.CreatedBy = EdgeCreator(createdBy)
		e.CreatedAt = timeOrZero(createdAt)

		if similarity.Valid {
			sim := similarity.Float64
			e.Similarity = &sim
		}

		out = append(out, e)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, internalErr("iterate edges", rowsErr)
	}

	return out, nil
}

// summarySelect is the shared projection column list.
const summarySelect = `
	SELECT id, version, session_path, start_id, end_id, computer, project,
	       task_type, outcome, summary, observed_at, analyzed_at, relevance,
	       importance, archived, last_accessed_at
	FROM nodes`

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(r rowScanner) (*NodeSummary, error) {
	var (
		n                                  NodeSummary
		observedAt, analyzedAt, accessedAt int64
	)

	err := r.Scan(&n.ID, &n.Version, &n.SessionPath, &n.StartID, &n.EndID,
		&n.Computer, &n.Project, &n.TaskType, &n.Outcome, &n.Summary,
		&observedAt, &analyzedAt, &n.Relevance, &n.Importance, &n.Archived,
		&accessedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, internalErr("scan node summary", err)
	}

	n.ObservedAt = timeOrZero(observedAt)
	n.AnalyzedAt = timeOrZero(analyzedAt)
	n.LastAccessedAt = timeOrZero(accessedAt)

	return &n, nil
}

func collectSummaries(rows *sql.Rows) ([]NodeSummary, error) {
	defer rows.Close()

	var out []NodeSummary

	for rows.Next() {
		n, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, *n)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, internalErr("iterate summaries", rowsErr)
	}

	return out, nil
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return internalErr("rows affected", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: node %s", ErrNotFound, id)
	}

	return nil
}

// timeOrZero converts unix seconds to time.Time, zero staying zero.
func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}

	return time.Unix(unix, 0).UTC()
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Insight types produced by pattern aggregation.
const (
	InsightModelQuirk  = "model_quirk"
	InsightToolFailure = "tool_failure"
	InsightPromptWin   = "prompt_win"
	InsightWorkflow    = "workflow"
)

// Insight is one aggregated cross-node pattern.
type Insight struct {
	ID             int64
	Type           string
	Model          string
	Tool           string
	Pattern        string
	Frequency      int
	MeanConfidence float64
	Severity       string
	Workaround     string
	UpdatedAt      time.Time
}

// UpsertInsight records one observation of a pattern. Repeated observations
// increment frequency and fold the confidence into a running mean.
func (s *Store) UpsertInsight(ctx context.Context, in Insight) error {
	if in.Severity == "" {
		in.Severity = "info"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO insights (type, model, tool, pattern, frequency, mean_confidence, severity, workaround, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT (type, model, tool, pattern) DO UPDATE SET
			frequency       = frequency + 1,
			mean_confidence = mean_confidence + (excluded.mean_confidence - mean_confidence) / (frequency + 1),
			severity        = excluded.severity,
			workaround      = CASE WHEN excluded.workaround != '' THEN excluded.workaround ELSE workaround END,
			updated_at      = excluded.updated_at`,
		in.Type, in.Model, in.Tool, in.Pattern, in.MeanConfidence,
		in.Severity, in.Workaround, s.now().Unix())
	if err != nil {
		return internalErr("upsert insight", err)
	}

	return nil
}

// ListInsights returns insights of one type (or all when insightType is
// empty), most frequent first.
func (s *Store) ListInsights(ctx context.Context, insightType string, limit int) ([]Insight, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	query := `
		SELECT id, type, model, tool, pattern, frequency, mean_confidence, severity, workaround, updated_at
		FROM insights`
	args := []any{}

	if insightType != "" {
		query += ` WHERE type = ?`
		args = append(args, insightType)
	}

	query += ` ORDER BY frequency DESC, updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, internalErr("list insights", err)
	}
	defer rows.Close()

	var out []Insight

	for rows.Next() {
		var (
			in        Insight
			updatedAt int64
		)

		scanErr := rows.Scan(&in.ID, &in.Type, &in.Model, &in.Tool, &in.Pattern,
			&in.Frequency, &in.MeanConfidence, &in.Severity, &in.Workaround, &updatedAt)
		if scanErr != nil {
			return nil, internalErr("scan insight", scanErr)
		}

		in.UpdatedAt = timeOrZero(updatedAt)
		out = append(out, in)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, internalErr("iterate insights", rowsErr)
	}

	return out, nil
}

// FailurePattern is one recurring tool-use failure.
type FailurePattern struct {
	Pattern  string
	Tool     string
	Count    int
	LastSeen time.Time
}

// RecordFailurePattern counts one occurrence of a failure pattern.
func (s *Store) RecordFailurePattern(ctx context.Context, pattern, tool string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failure_patterns (pattern, tool, count, last_seen)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (pattern) DO UPDATE SET
			count     = count + 1,
			tool      = excluded.tool,
			last_seen = excluded.last_seen`,
		pattern, tool, s.now().Unix())
	if err != nil {
		return internalErr("record failure pattern", err)
	}

	return nil
}

// TopFailurePatterns returns the most frequent failure patterns.
func (s *Store) TopFailurePatterns(ctx context.Context, limit int) ([]FailurePattern, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT pattern, tool, count, last_seen
		FROM failure_patterns
		ORDER BY count DESC, last_seen DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, internalErr("list failure patterns", err)
	}
	defer rows.Close()

	var out []FailurePattern

	for rows.Next() {
		var (
			fp       FailurePattern
			lastSeen int64
		)

		scanErr := rows.Scan(&fp.Pattern, &fp.Tool, &fp.Count, &lastSeen)
		if scanErr != nil {
			return nil, internalErr("scan failure pattern", scanErr)
		}

		fp.LastSeen = timeOrZero(lastSeen)
		out = append(out, fp)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, internalErr("iterate failure patterns", rowsErr)
	}

	return out, nil
}

// ModelStat accumulates per-model usage observed across segments.
type ModelStat struct {
	Model     string
	Segments  int
	Tokens    int64
	CostUSD   float64
	Quirks    int
	UpdatedAt time.Time
}

// AddModelStat folds one segment's usage into the per-model aggregate.
func (s *Store) AddModelStat(ctx context.Context, model string, tokens int64, costUSD float64, quirks int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_stats (model, segments, tokens, cost_usd, quirks, updated_at)
		VALUES (?, 1, ?, ?, ?, ?)
		ON CONFLICT (model) DO UPDATE SET
			segments   = segments + 1,
			tokens     = tokens + excluded.tokens,
			cost_usd   = cost_usd + excluded.cost_usd,
			quirks     = quirks + excluded.quirks,
			updated_at = excluded.updated_at`,
		model, tokens, costUSD, quirks, s.now().Unix())
	if err != nil {
		return internalErr("add model stat", err)
	}

	return nil
}

// ModelStats returns all per-model aggregates, most used first.
func (s *Store) ModelStats(ctx context.Context) ([]ModelStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, segments, tokens, cost_usd, quirks, updated_at
		FROM model_stats
		ORDER BY segments DESC, model ASC`)
	if err != nil {
		return nil, internalErr("list model stats", err)
	}
	defer rows.Close()

	var out []ModelStat

	for rows.Next() {
		var (
			ms        ModelStat
			updatedAt int64
		)

		scanErr := rows.Scan(&ms.Model, &ms.Segments, &ms.Tokens, &ms.CostUSD, &ms.Quirks, &updatedAt)
		if scanErr != nil {
			return nil, internalErr("scan model stat", scanErr)
		}

		ms.UpdatedAt = timeOrZero(updatedAt)
		out = append(out, ms)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, internalErr("iterate model stats", rowsErr)
	}

	return out, nil
}

// CreateCluster records a labeled cluster and its member node ids.
func (s *Store) CreateCluster(ctx context.Context, label string, nodeIDs []string) (int64, error) {
	tx, beginErr := s.db.BeginTx(ctx, nil)
	if beginErr != nil {
		return 0, internalErr("begin cluster", beginErr)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit.

	var clusterID int64

	err := tx.QueryRowContext(ctx,
		`INSERT INTO clusters (label, created_at) VALUES (?, ?) RETURNING id`,
		label, s.now().Unix()).Scan(&clusterID)
	if err != nil {
		return 0, internalErr("insert cluster", err)
	}

	for _, nodeID := range nodeIDs {
		_, memberErr := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO cluster_members (cluster_id, node_id) VALUES (?, ?)`,
			clusterID, nodeID)
		if memberErr != nil {
			return 0, internalErr("insert cluster member", memberErr)
		}
	}

	commitErr := tx.Commit()
	if commitErr != nil {
		return 0, internalErr("commit cluster", commitErr)
	}

	return clusterID, nil
}

// ClusterMembers returns the node ids recorded for a cluster.
func (s *Store) ClusterMembers(ctx context.Context, clusterID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id FROM cluster_members WHERE cluster_id = ? ORDER BY node_id`, clusterID)
	if err != nil {
		return nil, internalErr("list cluster members", err)
	}
	defer rows.Close()

	var out []string

	for rows.Next() {
		var id string

		scanErr := rows.Scan(&id)
		if scanErr != nil {
			return nil, internalErr("scan cluster member", scanErr)
		}

		out = append(out, id)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, internalErr("iterate cluster members", rowsErr)
	}

	return out, nil
}

// RecordDecision appends one daemon decision attributed to a node.
func (s *Store) RecordDecision(ctx context.Context, nodeID, decision string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (node_id, decision, created_at) VALUES (?, ?, ?)`,
		nodeID, decision, s.now().Unix())
	if err != nil {
		return internalErr("record decision", err)
	}

	return nil
}

// Decisions returns the most recent decisions for a node.
func (s *Store) Decisions(ctx context.Context, nodeID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT decision FROM decisions
		WHERE node_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, nodeID, limit)
	if err != nil {
		return nil, internalErr("list decisions", err)
	}
	defer rows.Close()

	var out []string

	for rows.Next() {
		var d string

		scanErr := rows.Scan(&d)
		if scanErr != nil {
			return nil, internalErr("scan decision", scanErr)
		}

		out = append(out, d)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, internalErr("iterate decisions", rowsErr)
	}

	return out, nil
}

// NodeExists reports whether a node row exists, archived or not.
func (s *Store) NodeExists(ctx context.Context, id string) (bool, error) {
	var one int

	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, internalErr("check node", err)
	}

	return true, nil
}

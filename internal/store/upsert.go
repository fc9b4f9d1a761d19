package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"
)

// defaultRelevance is the relevance score assigned to a freshly created node.
const defaultRelevance = 1.0

// ErrMissingNodeID indicates an upsert without a derived node id.
var ErrMissingNodeID = errors.New("store: node id not set")

// UpsertSegment atomically records one analysis result: the node row, its
// edges, its embedding, the vector side-table entry, and the FTS row, all in
// a single transaction. The blob file is renamed into place before the
// transaction commits and removed again if the transaction fails.
//
// The upsert is idempotent on the deterministic node id: an existing node is
// updated in place with version+1; a new node starts at version 1.
func (s *Store) UpsertSegment(ctx context.Context, n *Node, edges []Edge, emb *Embedding) error {
	if n.ID == "" {
		return ErrMissingNodeID
	}

	tx, beginErr := s.db.BeginTx(ctx, nil)
	if beginErr != nil {
		return internalErr("begin upsert", beginErr)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit.

	prior, priorErr := readPriorNodeState(ctx, tx, n.ID)
	if priorErr != nil {
		return priorErr
	}

	applyPriorState(n, prior)

	blobPath, blobErr := s.writeBlob(n)
	if blobErr != nil {
		return blobErr
	}

	txErr := s.upsertRows(ctx, tx, n, edges, emb, blobPath)
	if txErr == nil {
		txErr = tx.Commit()
		if txErr != nil {
			txErr = internalErr("commit upsert", txErr)
		}
	}

	if txErr != nil {
		// The row transaction failed; the blob must not outlive it.
		os.Remove(blobPath)

		return txErr
	}

	return nil
}

// priorNodeState is the daemon-owned state carried across reanalysis.
type priorNodeState struct {
	exists         bool
	version        int
	relevance      float64
	importance     float64
	archived       bool
	lastAccessedAt int64
}

// readPriorNodeState loads version and relevance state for an existing node.
func readPriorNodeState(ctx context.Context, tx *sql.Tx, id string) (priorNodeState, error) {
	var p priorNodeState

	row := tx.QueryRowContext(ctx, `
		SELECT version, relevance, importance, archived, last_accessed_at
		FROM nodes WHERE id = ?`, id)

	err := row.Scan(&p.version, &p.relevance, &p.importance, &p.archived, &p.lastAccessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}

	if err != nil {
		return p, internalErr("read prior node", err)
	}

	p.exists = true

	return p, nil
}

// applyPriorState stamps version and daemon-owned relevance fields onto the
// node before the blob is written, so blob and row agree. Reanalysis never
// resets relevance decay or unarchives.
func applyPriorState(n *Node, prior priorNodeState) {
	if prior.exists {
		n.Version = prior.version + 1
		n.Relevance.Score = prior.relevance
		n.Relevance.Archived = prior.archived

		if n.Relevance.Importance == 0 {
			n.Relevance.Importance = prior.importance
		}

		return
	}

	n.Version = 1

	if n.Relevance.Score == 0 {
		n.Relevance.Score = defaultRelevance
	}
}

// upsertRows performs all relational writes for one segment analysis.
func (s *Store) upsertRows(
	ctx context.Context, tx *sql.Tx, n *Node, edges []Edge, emb *Embedding, blobPath string,
) error {
	nodeErr := s.upsertNodeRow(ctx, tx, n, blobPath)
	if nodeErr != nil {
		return nodeErr
	}

	for i := range edges {
		edgeErr := upsertEdgeTx(ctx, tx, s.now().Unix(), &edges[i])
		if edgeErr != nil {
			return edgeErr
		}
	}

	if emb != nil {
		embErr := s.upsertEmbedding(ctx, tx, emb)
		if embErr != nil {
			return embErr
		}
	}

	return s.upsertFTS(ctx, tx, n)
}

// upsertNodeRow writes the relational projection of the node.
func (s *Store) upsertNodeRow(ctx context.Context, tx *sql.Tx, n *Node, blobPath string) error {
	tags, _ := json.Marshal(n.Semantic.Tags)
	topics, _ := json.Marshal(n.Semantic.Topics)
	nowUnix := s.now().Unix()

	_, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (
			id, version, session_path, start_id, end_id, computer,
			project, task_type, outcome, summary, tags, topics,
			observed_at, analyzed_at, relevance, importance, archived,
			last_accessed_at, blob_path, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			version      = excluded.version,
			computer     = excluded.computer,
			project      = excluded.project,
			task_type    = excluded.task_type,
			outcome      = excluded.outcome,
			summary      = excluded.summary,
			tags         = excluded.tags,
			topics       = excluded.topics,
			observed_at  = excluded.observed_at,
			analyzed_at  = excluded.analyzed_at,
			importance   = excluded.importance,
			blob_path    = excluded.blob_path,
			updated_at   = excluded.updated_at`,
		n.ID, n.Version, n.Source.SessionPath, n.Source.StartID, n.Source.EndID,
		n.Source.Computer, n.Classification.Project, n.Classification.TaskType,
		string(n.Content.Outcome), n.Content.Summary, string(tags), string(topics),
		unixOrZero(n.Metadata.ObservedAt), unixOrZero(n.Metadata.AnalyzedAt),
		n.Relevance.Score, n.Relevance.Importance, n.Relevance.Archived,
		unixOrZero(n.Relevance.LastAccessedAt), blobPath, nowUnix, nowUnix)
	if err != nil {
		return internalErr("upsert node row", err)
	}

	return nil
}

// upsertEdgeTx coalesces an edge into (source, target, type), last write
// winning on confidence, similarity, and metadata.
func upsertEdgeTx(ctx context.Context, tx *sql.Tx, nowUnix int64, e *Edge) error {
	createdAt := e.CreatedAt.Unix()
	if e.CreatedAt.IsZero() {
		createdAt = nowUnix
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO edges (source_id, target_id, type, created_by, confidence, similarity, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_id, target_id, type) DO UPDATE SET
			confidence = excluded.confidence,
			similarity = excluded.similarity,
			metadata   = excluded.metadata`,
		e.SourceID, e.TargetID, e.Type, string(e.CreatedBy),
		e.Confidence, e.Similarity, nullableJSON(e.Metadata), createdAt)
	if err != nil {
		return internalErr("upsert edge", err)
	}

	return nil
}

// upsertEmbedding writes the embedding row and maintains the vector
// side-table. The prior vector rowid is captured before replacement so the
// delete targets the old entry, never a post-upsert identifier.
func (s *Store) upsertEmbedding(ctx context.Context, tx *sql.Tx, emb *Embedding) error {
	var priorRowID sql.NullInt64

	row := tx.QueryRowContext(ctx,
		`SELECT id FROM node_embeddings WHERE node_id = ? AND model = ?`,
		emb.NodeID, emb.Model)

	scanErr := row.Scan(&priorRowID)
	if scanErr != nil && !errors.Is(scanErr, sql.ErrNoRows) {
		return internalErr("read prior embedding", scanErr)
	}

	var rowID int64

	insertErr := tx.QueryRowContext(ctx, `
		INSERT INTO node_embeddings (node_id, model, input_text, format, dims, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_id, model) DO UPDATE SET
			input_text = excluded.input_text,
			format     = excluded.format,
			dims       = excluded.dims
		RETURNING id`,
		emb.NodeID, emb.Model, emb.InputText, emb.Format, len(emb.Vector), s.now().Unix(),
	).Scan(&rowID)
	if insertErr != nil {
		return internalErr("upsert embedding row", insertErr)
	}

	if !s.vectorAvailable {
		return nil
	}

	if priorRowID.Valid {
		_, delErr := tx.ExecContext(ctx, `DELETE FROM vec_index WHERE rowid = ?`, priorRowID.Int64)
		if delErr != nil {
			return internalErr("delete prior vector", delErr)
		}
	}

	_, vecErr := tx.ExecContext(ctx,
		`INSERT INTO vec_index (rowid, embedding) VALUES (?, ?)`,
		rowID, encodeVector(emb.Vector))
	if vecErr != nil {
		return internalErr("insert vector", vecErr)
	}

	return nil
}

// upsertFTS replaces the full-text row for the node.
func (s *Store) upsertFTS(ctx context.Context, tx *sql.Tx, n *Node) error {
	_, delErr := tx.ExecContext(ctx, `DELETE FROM node_fts WHERE node_id = ?`, n.ID)
	if delErr != nil {
		return internalErr("delete fts row", delErr)
	}

	_, insErr := tx.ExecContext(ctx,
		`INSERT INTO node_fts (node_id, summary, key_text) VALUES (?, ?, ?)`,
		n.ID, n.Content.Summary, keyText(n))
	if insErr != nil {
		return internalErr("insert fts row", insErr)
	}

	return nil
}

// keyText concatenates the searchable non-summary text of a node.
func keyText(n *Node) string {
	var parts []string

	parts = append(parts, n.Content.KeyDecisions...)
	parts = append(parts, n.Semantic.Tags...)
	parts = append(parts, n.Semantic.Topics...)
	parts = append(parts, n.Semantic.Concepts...)
	parts = append(parts, n.Lessons.Project...)
	parts = append(parts, n.Lessons.Task...)
	parts = append(parts, n.Lessons.Model...)
	parts = append(parts, n.Lessons.Tool...)

	return strings.Join(parts, "\n")
}

// nullableJSON converts empty metadata to SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}

	return string(raw)
}

// unixOrZero converts a possibly-zero time to unix seconds.
func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.Unix()
}

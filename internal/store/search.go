package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Filter narrows a relational node search. Zero-valued fields match
// everything.
type Filter struct {
	Project         string
	TaskType        string
	Outcome         Outcome
	Computer        string
	Tag             string
	Since           time.Time
	Until           time.Time
	MinRelevance    float64
	IncludeArchived bool
	Limit           int
	Offset          int
}

// defaultSearchLimit bounds unlimited filter queries.
const defaultSearchLimit = 50

// SearchByFilter returns node summaries matching the filter, newest
// observed first, paged by Limit and Offset.
func (s *Store) SearchByFilter(ctx context.Context, f Filter) ([]NodeSummary, error) {
	var (
		where []string
		args  []any
	)

	if !f.IncludeArchived {
		where = append(where, "archived = 0")
	}

	if f.Project != "" {
		where = append(where, "project = ?")
		args = append(args, f.Project)
	}

	if f.TaskType != "" {
		where = append(where, "task_type = ?")
		args = append(args, f.TaskType)
	}

	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(f.Outcome))
	}

	if f.Computer != "" {
		where = append(where, "computer = ?")
		args = append(args, f.Computer)
	}

	if f.Tag != "" {
		// Tags are stored as a JSON array; match the quoted element.
		where = append(where, `tags LIKE ? ESCAPE '\'`)
		args = append(args, `%"`+escapeLike(f.Tag)+`"%`)
	}

	if !f.Since.IsZero() {
		where = append(where, "observed_at >= ?")
		args = append(args, f.Since.Unix())
	}

	if !f.Until.IsZero() {
		where = append(where, "observed_at < ?")
		args = append(args, f.Until.Unix())
	}

	if f.MinRelevance > 0 {
		where = append(where, "relevance >= ?")
		args = append(args, f.MinRelevance)
	}

	query := summarySelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	query += " ORDER BY observed_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, internalErr("filter search", err)
	}

	return collectSummaries(rows)
}

// TextMatch is one full-text search hit.
type TextMatch struct {
	Node    NodeSummary
	Rank    float64
	Snippet string
}

// SearchText runs an FTS5 match over summaries and key text, best rank
// first. Archived nodes are excluded unless includeArchived is set.
func (s *Store) SearchText(ctx context.Context, query string, limit int, includeArchived bool) ([]TextMatch, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	if limit <= 0 {
		limit = defaultSearchLimit
	}

	archivedClause := "AND n.archived = 0"
	if includeArchived {
		archivedClause = ""
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT n.id, n.version, n.session_path, n.start_id, n.end_id, n.computer,
		       n.project, n.task_type, n.outcome, n.summary, n.observed_at,
		       n.analyzed_at, n.relevance, n.importance, n.archived,
		       n.last_accessed_at,
		       bm25(node_fts) AS rank,
		       snippet(node_fts, 1, '[', ']', '…', 12) AS snip
		FROM node_fts
		JOIN nodes n ON n.id = node_fts.node_id
		WHERE node_fts MATCH ? %s
		ORDER BY rank ASC
		LIMIT ?`, archivedClause),
		ftsQuery(query), limit)
	if err != nil {
		return nil, internalErr("text search", err)
	}
	defer rows.Close()

	var out []TextMatch

	for rows.Next() {
		var (
			m                                  TextMatch
			observedAt, analyzedAt, accessedAt int64
		)

		scanErr := rows.Scan(&m.Node.ID, &m.Node.Version, &m.Node.SessionPath,
			&m.Node.StartID, &m.Node.EndID, &m.Node.Computer, &m.Node.Project,
			&m.Node.TaskType, &m.Node.Outcome, &m.Node.Summary, &observedAt,
			&analyzedAt, &m.Node.Relevance, &m.Node.Importance, &m.Node.Archived,
			&accessedAt, &m.Rank, &m.Snippet)
		if scanErr != nil {
			return nil, internalErr("scan text match", scanErr)
		}

		m.Node.ObservedAt = timeOrZero(observedAt)
		m.Node.AnalyzedAt = timeOrZero(analyzedAt)
		m.Node.LastAccessedAt = timeOrZero(accessedAt)

		out = append(out, m)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, internalErr("iterate text matches", rowsErr)
	}

	return out, nil
}

// ftsQuery quotes each whitespace-separated term so user punctuation never
// reaches the FTS5 query parser as syntax.
func ftsQuery(q string) string {
	terms := strings.Fields(q)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}

	return strings.Join(terms, " ")
}

// SemanticMatch is one vector search hit.
type SemanticMatch struct {
	NodeID     string
	Model      string
	Similarity float64
}

// SearchSemantic runs cosine nearest-neighbor search over stored embeddings.
// Excluded ids are skipped, matches below minSimilarity are dropped, and
// ErrUnavailable is returned when the vector index was never installed.
func (s *Store) SearchSemantic(
	ctx context.Context, query []float32, limit int, minSimilarity float64, excluded []string,
) ([]SemanticMatch, error) {
	if !s.vectorAvailable {
		return nil, fmt.Errorf("%w: vector index not installed", ErrUnavailable)
	}

	if len(query) == 0 {
		return nil, nil
	}

	if limit <= 0 {
		limit = defaultSearchLimit
	}

	skip := make(map[string]struct{}, len(excluded))
	for _, id := range excluded {
		skip[id] = struct{}{}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.node_id, e.model, v.embedding
		FROM vec_index v
		JOIN node_embeddings e ON e.id = v.rowid
		JOIN nodes n ON n.id = e.node_id
		WHERE n.archived = 0`)
	if err != nil {
		return nil, internalErr("semantic search", err)
	}
	defer rows.Close()

	var out []SemanticMatch

	for rows.Next() {
		var (
			m    SemanticMatch
			blob []byte
		)

		scanErr := rows.Scan(&m.NodeID, &m.Model, &blob)
		if scanErr != nil {
			return nil, internalErr("scan vector", scanErr)
		}

		if _, skipped := skip[m.NodeID]; skipped {
			continue
		}

		vec, decodeErr := decodeVector(blob)
		if decodeErr != nil {
			return nil, decodeErr
		}

		m.Similarity = cosineSimilarity(query, vec)
		if m.Similarity < minSimilarity {
			continue
		}

		out = append(out, m)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, internalErr("iterate vectors", rowsErr)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}

		return out[i].NodeID < out[j].NodeID
	})

	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// TraversalNode is one node reached during graph traversal, annotated with
// its distance from the start node and the edge that reached it.
type TraversalNode struct {
	Node     NodeSummary
	Depth    int
	ViaType  string
	ViaFrom  string
	Incoming bool
}

// Traverse walks the edge graph breadth-first from startID, visiting both
// edge directions, bounded by maxDepth hops and maxNodes results. The start
// node itself is not included.
func (s *Store) Traverse(ctx context.Context, startID string, maxDepth, maxNodes int) ([]TraversalNode, error) {
	if maxDepth <= 0 || maxNodes <= 0 {
		return nil, nil
	}

	_, startErr := s.GetNodeSummary(ctx, startID)
	if startErr != nil {
		return nil, startErr
	}

	visited := map[string]struct{}{startID: {}}
	frontier := []string{startID}

	var out []TraversalNode

	for depth := 1; depth <= maxDepth && len(frontier) > 0 && len(out) < maxNodes; depth++ {
		var next []string

		for _, id := range frontier {
			neighbors, err := s.neighbors(ctx, id)
			if err != nil {
				return nil, err
			}

			for _, nb := range neighbors {
				if _, seen := visited[nb.id]; seen {
					continue
				}

				visited[nb.id] = struct{}{}

				summary, sumErr := s.GetNodeSummary(ctx, nb.id)
				if sumErr != nil {
					return nil, sumErr
				}

				out = append(out, TraversalNode{
					Node:     *summary,
					Depth:    depth,
					ViaType:  nb.edgeType,
					ViaFrom:  id,
					Incoming: nb.incoming,
				})

				if len(out) >= maxNodes {
					return out, nil
				}

				next = append(next, nb.id)
			}
		}

		frontier = next
	}

	return out, nil
}

type neighbor struct {
	id       string
	edgeType string
	incoming bool
}

// neighbors returns the ids adjacent to a node, deterministic order.
func (s *Store) neighbors(ctx context.Context, id string) ([]neighbor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_id, type, 0 FROM edges WHERE source_id = ?
		UNION ALL
		SELECT source_id, type, 1 FROM edges WHERE target_id = ?
		ORDER BY 1, 2`, id, id)
	if err != nil {
		return nil, internalErr("list neighbors", err)
	}
	defer rows.Close()

	var out []neighbor

	for rows.Next() {
		var (
			nb neighbor
			in int
		)

		scanErr := rows.Scan(&nb.id, &nb.edgeType, &in)
		if scanErr != nil {
			return nil, internalErr("scan neighbor", scanErr)
		}

		nb.incoming = in == 1
		out = append(out, nb)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, internalErr("iterate neighbors", rowsErr)
	}

	return out, nil
}

// GetEmbedding loads the stored embedding for (nodeID, model).
func (s *Store) GetEmbedding(ctx context.Context, nodeID, model string) (*Embedding, error) {
	var (
		emb   = Embedding{NodeID: nodeID, Model: model}
		rowID int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT id, input_text, format FROM node_embeddings WHERE node_id = ? AND model = ?`,
		nodeID, model).Scan(&rowID, &emb.InputText, &emb.Format)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: embedding for node %s model %s", ErrNotFound, nodeID, model)
	}

	if err != nil {
		return nil, internalErr("read embedding", err)
	}

	if s.vectorAvailable {
		var blob []byte

		vecErr := s.db.QueryRowContext(ctx,
			`SELECT embedding FROM vec_index WHERE rowid = ?`, rowID).Scan(&blob)
		if vecErr != nil && vecErr != sql.ErrNoRows {
			return nil, internalErr("read vector", vecErr)
		}

		if vecErr == nil {
			vec, decodeErr := decodeVector(blob)
			if decodeErr != nil {
				return nil, decodeErr
			}

			emb.Vector = vec
		}
	}

	return &emb, nil
}

// escapeLike escapes LIKE wildcards in user input; the pattern adds its own.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `%`, `\%`)

	return strings.ReplaceAll(s, `_`, `\_`)
}

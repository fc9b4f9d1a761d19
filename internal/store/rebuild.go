package store

import (
	"context"
	"log/slog"
	"strings"
)

// RebuildResult summarizes one index rebuild.
type RebuildResult struct {
	BlobsScanned int
	NodesIndexed int
	Skipped      int
	Removed      int
}

// RebuildIndex reconstructs the relational node rows and the full-text index
// from the blob tree. The blobs are the source of truth; for each node id
// only the highest version found is indexed, and rows whose node id no
// longer exists on disk are removed along with their FTS, embedding, vector,
// and edge rows.
func (s *Store) RebuildIndex(ctx context.Context) (*RebuildResult, error) {
	var result RebuildResult

	latest := make(map[string]*Node)

	walkErr := s.walkBlobs(func(path string) error {
		result.BlobsScanned++

		n, err := readBlob(path)
		if err != nil {
			s.log.Warn("skipping unreadable blob", slog.String("path", path), slog.Any("error", err))
			result.Skipped++

			return nil
		}

		if n.ID == "" {
			s.log.Warn("skipping blob without node id", slog.String("path", path))
			result.Skipped++

			return nil
		}

		prior, seen := latest[n.ID]
		if !seen || n.Version > prior.Version {
			latest[n.ID] = n
		}

		return nil
	})
	if walkErr != nil {
		return nil, internalErr("walk blobs", walkErr)
	}

	existing, idsErr := s.AllNodeIDs(ctx)
	if idsErr != nil {
		return nil, idsErr
	}

	for _, id := range existing {
		if _, onDisk := latest[id]; onDisk {
			continue
		}

		removeErr := s.removeNodeRows(ctx, id)
		if removeErr != nil {
			return nil, removeErr
		}

		result.Removed++

		s.log.Debug("removed rows for missing blob", slog.String("node", id))
	}

	for id, n := range latest {
		err := s.reindexNode(ctx, n)
		if err != nil {
			return nil, err
		}

		result.NodesIndexed++

		s.log.Debug("reindexed node", slog.String("node", id), slog.Int("version", n.Version))
	}

	s.log.Info("index rebuild complete",
		slog.Int("blobs", result.BlobsScanned),
		slog.Int("nodes", result.NodesIndexed),
		slog.Int("skipped", result.Skipped),
		slog.Int("removed", result.Removed))

	return &result, nil
}

// removeNodeRows deletes every relational trace of a node whose blob is gone.
func (s *Store) removeNodeRows(ctx context.Context, id string) error {
	tx, beginErr := s.db.BeginTx(ctx, nil)
	if beginErr != nil {
		return internalErr("begin row removal", beginErr)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit.

	statements := []string{
		`DELETE FROM node_fts WHERE node_id = ?`,
		`DELETE FROM vec_index WHERE rowid IN (SELECT rowid FROM node_embeddings WHERE node_id = ?)`,
		`DELETE FROM node_embeddings WHERE node_id = ?`,
		`DELETE FROM edges WHERE source_id = ? OR target_id = ?`,
		`DELETE FROM nodes WHERE id = ?`,
	}

	for _, stmt := range statements {
		args := []any{id}
		if strings.Count(stmt, "?") == 2 {
			args = append(args, id)
		}

		_, execErr := tx.ExecContext(ctx, stmt, args...)
		if execErr != nil {
			return internalErr("remove node rows", execErr)
		}
	}

	commitErr := tx.Commit()
	if commitErr != nil {
		return internalErr("commit row removal", commitErr)
	}

	return nil
}

// reindexNode writes the node row and FTS entry for one blob-loaded node.
func (s *Store) reindexNode(ctx context.Context, n *Node) error {
	tx, beginErr := s.db.BeginTx(ctx, nil)
	if beginErr != nil {
		return internalErr("begin reindex", beginErr)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit.

	// The blob carries its own relevance state; the row is overwritten to
	// match, including the daemon-owned fields the normal upsert preserves.
	nodeErr := s.upsertNodeRow(ctx, tx, n, s.blobPath(n))
	if nodeErr != nil {
		return nodeErr
	}

	_, relErr := tx.ExecContext(ctx,
		`UPDATE nodes SET relevance = ?, archived = ?, last_accessed_at = ? WHERE id = ?`,
		n.Relevance.Score, n.Relevance.Archived, unixOrZero(n.Relevance.LastAccessedAt), n.ID)
	if relErr != nil {
		return internalErr("restore relevance", relErr)
	}

	ftsErr := s.upsertFTS(ctx, tx, n)
	if ftsErr != nil {
		return ftsErr
	}

	commitErr := tx.Commit()
	if commitErr != nil {
		return internalErr("commit reindex", commitErr)
	}

	return nil
}

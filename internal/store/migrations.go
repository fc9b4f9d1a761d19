package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// migration is one numbered schema step. Skippable migrations record a skip
// instead of failing when their capability gate reports unavailable; the skip
// does not block later migrations.
type migration struct {
	Version   int
	Name      string
	Skippable bool

	// Gate reports whether the migration can run. Nil means always.
	Gate func(s *Store) bool

	// Apply runs the schema change inside the migration transaction.
	Apply func(ctx context.Context, tx *sql.Tx) error
}

// vectorMigrationName identifies the vector side-table migration.
const vectorMigrationName = "vector"

// migrations is the ordered schema history. Versions are strictly ascending
// and never reused.
func (s *Store) migrations(vectorEnabled bool) []migration {
	return []migration{
		{Version: 1, Name: "core", Apply: applyCore},
		{Version: 2, Name: "fts", Apply: applyFTS},
		{
			Version:   3,
			Name:      vectorMigrationName,
			Skippable: true,
			Gate:      func(*Store) bool { return vectorEnabled },
			Apply:     applyVector,
		},
		{Version: 4, Name: "aggregates", Apply: applyAggregates},
	}
}

// migrate applies all pending migrations in ascending order. Applied and
// skipped versions are recorded in schema_migrations.
func (s *Store) migrate(ctx context.Context, vectorEnabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			skipped    INTEGER NOT NULL DEFAULT 0,
			applied_at INTEGER NOT NULL
		)`)
	if err != nil {
		return internalErr("create schema_migrations", err)
	}

	applied, skipped, stateErr := s.migrationState(ctx)
	if stateErr != nil {
		return stateErr
	}

	steps := s.migrations(vectorEnabled)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Version < steps[j].Version })

	for _, m := range steps {
		// A previously skipped migration is retried when its gate opens.
		if applied[m.Version] && !skipped[m.Version] {
			continue
		}

		stepErr := s.applyMigration(ctx, m, skipped[m.Version])
		if stepErr != nil {
			return stepErr
		}
	}

	if s.vectorAvailable {
		s.log.Debug("vector index available", "dims", s.vectorDims)
	}

	return nil
}

// migrationState loads the applied and skipped version sets.
func (s *Store) migrationState(ctx context.Context) (applied, skipped map[int]bool, err error) {
	rows, queryErr := s.db.QueryContext(ctx, `SELECT version, skipped FROM schema_migrations`)
	if queryErr != nil {
		return nil, nil, internalErr("read schema_migrations", queryErr)
	}
	defer rows.Close()

	applied = make(map[int]bool)
	skipped = make(map[int]bool)

	for rows.Next() {
		var (
			version int
			skip    bool
		)

		scanErr := rows.Scan(&version, &skip)
		if scanErr != nil {
			return nil, nil, internalErr("scan schema_migrations", scanErr)
		}

		applied[version] = true
		skipped[version] = skip
	}

	return applied, skipped, rows.Err()
}

// applyMigration runs one step in its own transaction, recording the outcome.
func (s *Store) applyMigration(ctx context.Context, m migration, wasSkipped bool) error {
	if m.Gate != nil && !m.Gate(s) {
		if !m.Skippable {
			return fmt.Errorf("%w: migration %d (%s) gated but not skippable", ErrInternal, m.Version, m.Name)
		}

		s.log.Warn("skipping migration", "version", m.Version, "name", m.Name)

		return s.recordMigration(ctx, m, true, wasSkipped)
	}

	tx, beginErr := s.db.BeginTx(ctx, nil)
	if beginErr != nil {
		return internalErr("begin migration", beginErr)
	}

	applyErr := m.Apply(ctx, tx)
	if applyErr != nil {
		_ = tx.Rollback()

		if m.Skippable {
			s.log.Warn("skippable migration failed, recording skip",
				"version", m.Version, "name", m.Name, "error", applyErr)

			return s.recordMigration(ctx, m, true, wasSkipped)
		}

		return fmt.Errorf("%w: migration %d (%s): %v", ErrInternal, m.Version, m.Name, applyErr)
	}

	commitErr := tx.Commit()
	if commitErr != nil {
		return internalErr("commit migration", commitErr)
	}

	if m.Name == vectorMigrationName {
		s.vectorAvailable = true
	}

	return s.recordMigration(ctx, m, false, wasSkipped)
}

// recordMigration upserts the outcome row for a migration version.
func (s *Store) recordMigration(ctx context.Context, m migration, skip, wasSkipped bool) error {
	var err error

	if wasSkipped {
		_, err = s.db.ExecContext(ctx,
			`UPDATE schema_migrations SET skipped = ?, applied_at = ? WHERE version = ?`,
			skip, s.now().Unix(), m.Version)
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, skipped, applied_at) VALUES (?, ?, ?, ?)`,
			m.Version, m.Name, skip, s.now().Unix())
	}

	if err != nil {
		return internalErr("record migration", err)
	}

	return nil
}

func applyCore(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS nodes (
		id               TEXT PRIMARY KEY,
		version          INTEGER NOT NULL CHECK (version >= 1),
		session_path     TEXT NOT NULL,
		start_id         TEXT NOT NULL,
		end_id           TEXT NOT NULL,
		computer         TEXT NOT NULL DEFAULT '',
		project          TEXT NOT NULL DEFAULT '',
		task_type        TEXT NOT NULL DEFAULT '',
		outcome          TEXT NOT NULL DEFAULT '',
		summary          TEXT NOT NULL DEFAULT '',
		tags             TEXT NOT NULL DEFAULT '[]',
		topics           TEXT NOT NULL DEFAULT '[]',
		observed_at      INTEGER NOT NULL DEFAULT 0,
		analyzed_at      INTEGER NOT NULL DEFAULT 0,
		relevance        REAL NOT NULL DEFAULT 1.0,
		importance       REAL NOT NULL DEFAULT 0.5,
		archived         INTEGER NOT NULL DEFAULT 0,
		last_accessed_at INTEGER NOT NULL DEFAULT 0,
		blob_path        TEXT NOT NULL,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL,
		UNIQUE (session_path, start_id, end_id)
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_project   ON nodes(project);
	CREATE INDEX IF NOT EXISTS idx_nodes_task_type ON nodes(task_type);
	CREATE INDEX IF NOT EXISTS idx_nodes_outcome   ON nodes(outcome);
	CREATE INDEX IF NOT EXISTS idx_nodes_analyzed  ON nodes(analyzed_at);
	CREATE INDEX IF NOT EXISTS idx_nodes_relevance ON nodes(archived, relevance);

	CREATE TABLE IF NOT EXISTS edges (
		source_id  TEXT NOT NULL,
		target_id  TEXT NOT NULL,
		type       TEXT NOT NULL,
		created_by TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		similarity REAL,
		metadata   TEXT,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (source_id, target_id, type)
	);

	CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id);

	CREATE TABLE IF NOT EXISTS node_embeddings (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		node_id    TEXT NOT NULL,
		model      TEXT NOT NULL,
		input_text TEXT NOT NULL DEFAULT '',
		format     TEXT NOT NULL DEFAULT 'v1',
		dims       INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE (node_id, model)
	);

	CREATE TABLE IF NOT EXISTS analysis_queue (
		id            TEXT PRIMARY KEY,
		type          TEXT NOT NULL,
		priority      INTEGER NOT NULL,
		session_path  TEXT NOT NULL,
		start_id      TEXT NOT NULL DEFAULT '',
		end_id        TEXT NOT NULL DEFAULT '',
		context       TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'pending',
		retry_count   INTEGER NOT NULL DEFAULT 0,
		max_retries   INTEGER NOT NULL DEFAULT 3,
		worker_id     TEXT NOT NULL DEFAULT '',
		lease_expiry  INTEGER NOT NULL DEFAULT 0,
		enqueued_at   INTEGER NOT NULL,
		started_at    INTEGER NOT NULL DEFAULT 0,
		finished_at   INTEGER NOT NULL DEFAULT 0,
		last_error    TEXT NOT NULL DEFAULT '',
		result_node   TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_queue_dequeue ON analysis_queue(status, priority, enqueued_at, id);
	CREATE INDEX IF NOT EXISTS idx_queue_session ON analysis_queue(session_path, status);
	`)

	return err
}

func applyFTS(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
	CREATE VIRTUAL TABLE IF NOT EXISTS node_fts USING fts5(
		node_id UNINDEXED,
		summary,
		key_text
	)`)

	return err
}

func applyVector(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS vec_index (
		rowid     INTEGER PRIMARY KEY,
		embedding BLOB NOT NULL
	)`)

	return err
}

func applyAggregates(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS insights (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		type            TEXT NOT NULL,
		model           TEXT NOT NULL DEFAULT '',
		tool            TEXT NOT NULL DEFAULT '',
		pattern         TEXT NOT NULL,
		frequency       INTEGER NOT NULL DEFAULT 1,
		mean_confidence REAL NOT NULL DEFAULT 0,
		severity        TEXT NOT NULL DEFAULT 'info',
		workaround      TEXT NOT NULL DEFAULT '',
		prompt_text     TEXT NOT NULL DEFAULT '',
		prompt_included INTEGER NOT NULL DEFAULT 0,
		prompt_version  TEXT NOT NULL DEFAULT '',
		updated_at      INTEGER NOT NULL,
		UNIQUE (type, model, tool, pattern)
	);

	CREATE TABLE IF NOT EXISTS failure_patterns (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		pattern   TEXT NOT NULL UNIQUE,
		tool      TEXT NOT NULL DEFAULT '',
		count     INTEGER NOT NULL DEFAULT 1,
		last_seen INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS model_stats (
		model      TEXT PRIMARY KEY,
		segments   INTEGER NOT NULL DEFAULT 0,
		tokens     INTEGER NOT NULL DEFAULT 0,
		cost_usd   REAL NOT NULL DEFAULT 0,
		quirks     INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS clusters (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		label      TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cluster_members (
		cluster_id INTEGER NOT NULL REFERENCES clusters(id) ON DELETE CASCADE,
		node_id    TEXT NOT NULL,
		PRIMARY KEY (cluster_id, node_id)
	);

	CREATE TABLE IF NOT EXISTS decisions (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		node_id    TEXT NOT NULL,
		decision   TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`)

	return err
}

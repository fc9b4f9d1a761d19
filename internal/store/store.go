// Package store implements the knowledge graph: a SQLite relational index
// paired with content-addressed JSON blob files. Blobs are the source of
// truth; relational rows are a deterministic projection maintained in
// lockstep and rebuildable on demand.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Storage error model. All operations are safe to retry on ErrInternal.
var (
	// ErrNotFound indicates the requested node, edge, or job does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict indicates a violated unique constraint on an idempotent path.
	ErrConflict = errors.New("store: conflict")
	// ErrUnavailable indicates an optional capability (vector index) is missing.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrInternal indicates a storage fault.
	ErrInternal = errors.New("store: internal")
)

// databaseFile is the SQLite file name inside the data directory.
const databaseFile = "pibrain.db"

// blobDirName is the node blob subdirectory inside the data directory.
const blobDirName = "nodes"

// Options configures Open.
type Options struct {
	// Dir is the data directory holding the database and blob tree.
	Dir string

	// EnableVector enables the vector side-table. When false the vector
	// migration records a skip and semantic search returns ErrUnavailable.
	EnableVector bool

	// VectorDims is the expected embedding dimensionality. Zero disables
	// dimension checks.
	VectorDims int

	// Logger receives migration and maintenance diagnostics. Nil uses the
	// default slog logger.
	Logger *slog.Logger
}

// Store owns the SQLite handle and the blob directory.
type Store struct {
	db      *sql.DB
	dir     string
	blobDir string
	log     *slog.Logger

	vectorAvailable bool
	vectorDims      int

	now func() time.Time
}

// Open opens (creating if needed) the store at opts.Dir and applies all
// pending migrations in strict ascending order.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: data directory not set", ErrInternal)
	}

	mkdirErr := os.MkdirAll(opts.Dir, 0o755)
	if mkdirErr != nil {
		return nil, fmt.Errorf("create data dir: %w", mkdirErr)
	}

	dsn := filepath.Join(opts.Dir, databaseFile) +
		"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pingErr := db.Ping()
	if pingErr != nil {
		db.Close()

		return nil, fmt.Errorf("ping database: %w", pingErr)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		db:         db,
		dir:        opts.Dir,
		blobDir:    filepath.Join(opts.Dir, blobDirName),
		log:        logger,
		vectorDims: opts.VectorDims,
		now:        time.Now,
	}

	migrateErr := s.migrate(context.Background(), opts.EnableVector)
	if migrateErr != nil {
		db.Close()

		return nil, migrateErr
	}

	return s, nil
}

// Close checkpoints the WAL and releases the database handle.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")

	return s.db.Close()
}

// DB exposes the underlying handle for collaborators sharing the database
// (the job queue persists in the same file).
func (s *Store) DB() *sql.DB {
	return s.db
}

// VectorAvailable reports whether the vector side-table was provisioned.
func (s *Store) VectorAvailable() bool {
	return s.vectorAvailable
}

// BlobDir returns the root of the node blob tree.
func (s *Store) BlobDir() string {
	return s.blobDir
}

// internalErr wraps a driver error into the ErrInternal class.
func internalErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInternal, op, err)
}

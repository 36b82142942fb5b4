package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/mamadbah2/stocksync/internal/domain/models"
)

//go:embed schema.sql
var schemaSQL string

// Store is the durable local record set for stock lines and their history.
// It is the source of truth for the counter UI and is always available.
type Store struct {
	db      *sql.DB
	changes *notifier
	logger  *zap.Logger
}

// Open creates or opens a SQLite database at the given path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - a 5-second busy timeout for lock contention
//   - foreign key enforcement (history cascades with its stock)
//   - schema migrations tracked in PRAGMA user_version
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite supports a single writer; one connection serializes writes and
	// keeps per-connection pragmas (foreign_keys) in effect.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Debug("local store opened", zap.String("path", path))

	return &Store{db: db, changes: newNotifier(), logger: logger}, nil
}

// Close closes the database connection and ends every change subscription.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	s.changes.close()
	return s.db.Close()
}

// DB returns the underlying sql.DB, used by readiness probes.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Subscribe returns a channel that receives a signal after every committed
// write. Signals are coalesced: a slow reader sees at most one pending
// signal. The returned function cancels the subscription and is idempotent.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	return s.changes.subscribe()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	return nil
}

// localErr tags a driver failure as a local store failure.
func localErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrLocalIO, err)
}

func (s *Store) notify() {
	s.changes.broadcast()
}

// withTx runs fn inside a transaction and notifies subscribers on commit.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return localErr(op+": begin tx", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return localErr(op+": commit", err)
	}
	s.notify()
	return nil
}

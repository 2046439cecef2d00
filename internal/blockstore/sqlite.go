// Package blockstore persists brute-force blocks in a SQLite ledger so they
// survive proxy restarts.
package blockstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Store is the auth_errors ledger. Each row pairs a client host with a unix
// timestamp its block expires at; a host may carry several rows and the
// effective block is the latest one.
//
// The database runs in WAL mode with a single writer connection and a final
// checkpoint on Close.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	closeOnce sync.Once

	getStmt    *sql.Stmt
	putStmt    *sql.Stmt
	removeStmt *sql.Stmt
}

// DefaultBusyTimeout is how long SQLite waits for locks before failing.
const DefaultBusyTimeout = 10 * time.Second

// Open opens or creates the ledger at dbPath.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}

	// The modernc driver takes pragmas as _pragma=name(value) pairs.
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		dbPath, int(DefaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS auth_errors (
		host TEXT NOT NULL,
		block_until INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_auth_errors_host ON auth_errors(host);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) prepareStatements() error {
	var err error

	s.getStmt, err = s.db.Prepare(`
		SELECT MAX(block_until) FROM auth_errors WHERE host = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get statement: %w", err)
	}

	s.putStmt, err = s.db.Prepare(`
		INSERT INTO auth_errors (host, block_until) VALUES (?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare put statement: %w", err)
	}

	s.removeStmt, err = s.db.Prepare(`
		DELETE FROM auth_errors WHERE host = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare remove statement: %w", err)
	}

	return nil
}

// Get returns the latest block expiry recorded for host. The second return
// is false when the host has no rows at all.
func (s *Store) Get(ctx context.Context, host string) (int64, bool, error) {
	if host == "" {
		return 0, false, fmt.Errorf("host cannot be empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var blockUntil sql.NullInt64
	err := s.getStmt.QueryRowContext(ctx, host).Scan(&blockUntil)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load block for %s: %w", host, err)
	}
	if !blockUntil.Valid {
		return 0, false, nil
	}

	return blockUntil.Int64, true, nil
}

// Put records a block for host expiring at the given unix timestamp.
func (s *Store) Put(ctx context.Context, host string, blockUntil int64) error {
	if host == "" {
		return fmt.Errorf("host cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.putStmt.ExecContext(ctx, host, blockUntil); err != nil {
		return fmt.Errorf("failed to record block for %s: %w", host, err)
	}
	return nil
}

// Remove deletes every block row for host.
func (s *Store) Remove(ctx context.Context, host string) error {
	if host == "" {
		return fmt.Errorf("host cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.removeStmt.ExecContext(ctx, host); err != nil {
		return fmt.Errorf("failed to remove blocks for %s: %w", host, err)
	}
	return nil
}

// Close releases the database. Idempotent.
func (s *Store) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		if s.getStmt != nil {
			s.getStmt.Close()
		}
		if s.putStmt != nil {
			s.putStmt.Close()
		}
		if s.removeStmt != nil {
			s.removeStmt.Close()
		}

		if s.db != nil {
			// Run final checkpoint
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
			closeErr = s.db.Close()
		}
	})

	return closeErr
}

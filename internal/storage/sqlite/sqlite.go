// Package sqlite implements the storage interface against the embedded
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"

	"github.com/beadscore/beads/internal/beaderr"
	"github.com/beadscore/beads/internal/enginelog"
	"github.com/beadscore/beads/internal/idgen"
)

// Store implements storage.Storage against a single embedded database.
type Store struct {
	db               *sql.DB
	dbPath           string
	prefix           string
	closed           atomic.Bool
	log              *enginelog.Logger
	externalResolver ExternalResolver
}

// Open opens (creating if necessary) the database at path and runs pending
// migrations. path may be ":memory:" for a private in-memory store, used by
// tests.
func Open(path, prefix string, log *enginelog.Logger) (*Store, error) {
	if log == nil {
		log = enginelog.NoOp()
	}

	dbPath := path
	if path == ":memory:" {
		dbPath = "file::memory:"
	} else {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite: create directory: %w", err)
			}
		}
	}

	// WAL is required by §4.2 unless in-memory or on a filesystem without
	// shared-memory support; modernc.org/sqlite falls back automatically for
	// ":memory:" connections, so we only special-case the pragma string here.
	journalMode := "WAL"
	if strings.Contains(dbPath, ":memory:") {
		journalMode = "MEMORY"
	}

	pragmas := fmt.Sprintf(
		"_pragma=journal_mode(%s)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)"+
			"&_pragma=synchronous(NORMAL)&_pragma=cache_size(-64000)&_pragma=temp_store(MEMORY)"+
			"&_pragma=mmap_size(268435456)&_time_format=sqlite",
		journalMode,
	)

	connStr := dbPath
	if strings.Contains(dbPath, "?") {
		connStr += "&" + pragmas
	} else {
		connStr += "?" + pragmas
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if strings.Contains(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("sqlite: initialize schema: %w", err)
	}

	if err := runMigrations(db, log); err != nil {
		return nil, fmt.Errorf("sqlite: migrations: %w", err)
	}

	absPath := path
	if !strings.Contains(path, ":memory:") {
		if p, err := filepath.Abs(path); err == nil {
			absPath = p
		}
	}

	return &Store{db: db, dbPath: absPath, prefix: prefix, log: log}, nil
}

func (s *Store) Path() string          { return s.dbPath }
func (s *Store) UnderlyingDB() *sql.DB { return s.db }

func (s *Store) UnderlyingConn(ctx context.Context) (*sql.Conn, error) {
	return s.db.Conn(ctx)
}

// Shutdown closes the underlying database exactly once.
func (s *Store) Shutdown() error {
	if s.closed.CompareAndSwap(false, true) {
		return s.db.Close()
	}
	return nil
}

// busyBackoff builds the exponential backoff policy of §4.3: 10, 20, 40 ms…
// capped at 5s, retried up to ten times.
func busyBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, 10)
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// withImmediateTx runs fn inside a BEGIN IMMEDIATE transaction on a dedicated
// connection, retrying busy errors with busyBackoff per §4.3. fn must not
// commit or roll back; withImmediateTx does so based on fn's return value.
func (s *Store) withImmediateTx(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	operation := func() error {
		conn, err := s.db.Conn(ctx)
		if err != nil {
			return fmt.Errorf("sqlite: acquire connection: %w", err)
		}
		defer func() { _ = conn.Close() }()

		if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
			if isBusyErr(err) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("sqlite: begin immediate: %w", err))
		}

		committed := false
		defer func() {
			if !committed {
				_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
			}
		}()

		if err := fn(ctx, conn); err != nil {
			if isBusyErr(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
			if isBusyErr(err) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("sqlite: commit: %w", err))
		}
		committed = true
		return nil
	}

	return backoff.Retry(operation, busyBackoff())
}

// Prefix returns the workspace's configured issue prefix, falling back to
// the prefix Store was opened with if config has none set.
func (s *Store) Prefix(ctx context.Context) string {
	var p string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = 'issue_prefix'`).Scan(&p)
	if err != nil || p == "" {
		return s.prefix
	}
	return p
}

// IDExists reports whether id is already present, satisfying idgen.ExistsFunc.
func (s *Store) IDExists(ctx context.Context, id string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("sqlite: check id existence: %w", err)
	}
	return count > 0, nil
}

// CountTopLevelIssues counts issues whose token (the part after "<prefix>-")
// contains no dot, i.e. excludes hierarchical children, per §4.1.
func (s *Store) CountTopLevelIssues(ctx context.Context, prefix string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM issues
		WHERE id LIKE ? || '-%'
		  AND instr(substr(id, length(?) + 2), '.') = 0
	`, prefix, prefix).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count top-level issues: %w", err)
	}
	return count, nil
}

// AdaptiveConfig reads idgen.Config from the config table, falling back to
// idgen.DefaultConfig for any unset key.
func (s *Store) AdaptiveConfig(ctx context.Context) idgen.Config {
	cfg := idgen.DefaultConfig()
	all, err := s.GetAllConfig(ctx)
	if err != nil {
		return cfg
	}
	if v, ok := all["min_hash_length"]; ok {
		fmt.Sscanf(v, "%d", &cfg.MinLength)
	}
	if v, ok := all["max_hash_length"]; ok {
		fmt.Sscanf(v, "%d", &cfg.MaxLength)
	}
	if v, ok := all["max_collision_prob"]; ok {
		fmt.Sscanf(v, "%f", &cfg.MaxCollisionProb)
	}
	if v, ok := all["max_hierarchy_depth"]; ok {
		fmt.Sscanf(v, "%d", &cfg.MaxDepth)
	}
	return cfg
}

// NextChildID atomically reserves the next hierarchical child ID under
// parentID, per §4.1. It is the entry point a caller (e.g. a create-child
// command) uses to draw N atomically instead of supplying one by hand.
func (s *Store) NextChildID(ctx context.Context, parentID string) (string, error) {
	var id string
	err := s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var err error
		id, err = s.childIDTx(ctx, conn, parentID)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// childIDTx draws the next hierarchical child ID under parentID atomically
// within an already-open transaction, validating parent existence and the
// configured depth limit first.
func (s *Store) childIDTx(ctx context.Context, conn *sql.Conn, parentID string) (string, error) {
	var count int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues WHERE id = ?`, parentID).Scan(&count); err != nil {
		return "", fmt.Errorf("sqlite: check parent existence: %w", err)
	}
	if count == 0 {
		return "", beaderr.New(beaderr.NotFound, fmt.Sprintf("parent issue %s does not exist", parentID))
	}
	if idgen.Depth(parentID+".1") > s.AdaptiveConfig(ctx).MaxDepth {
		return "", beaderr.New(beaderr.HierarchyDepthExceeded, "hierarchical depth exceeds configured maximum")
	}
	n, err := reserveChildN(ctx, conn, parentID)
	if err != nil {
		return "", err
	}
	return idgen.ChildID(parentID, n), nil
}

// reserveChildN atomically increments and returns the next child counter for
// parentID (§4.1).
func reserveChildN(ctx context.Context, conn *sql.Conn, parentID string) (int64, error) {
	var n int64
	err := conn.QueryRowContext(ctx, `
		INSERT INTO child_counters (parent_id, next_n) VALUES (?, 2)
		ON CONFLICT(parent_id) DO UPDATE SET next_n = next_n + 1
		RETURNING next_n - 1
	`, parentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: next child id for %s: %w", parentID, err)
	}
	return n, nil
}

// bumpChildCounter ensures the counter for parentID is at least n+1, used
// when importing an explicit child ID so future auto-generated children
// don't collide (§4.1).
func bumpChildCounter(ctx context.Context, conn *sql.Conn, parentID string, n int64) error {
	_, err := conn.ExecContext(ctx, `
		INSERT INTO child_counters (parent_id, next_n) VALUES (?, ?)
		ON CONFLICT(parent_id) DO UPDATE SET next_n = MAX(next_n, excluded.next_n)
	`, parentID, n+1)
	if err != nil {
		return fmt.Errorf("sqlite: bump child counter for %s: %w", parentID, err)
	}
	return nil
}

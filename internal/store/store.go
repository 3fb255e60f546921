// Package store is the Queue State Store: SQLite-backed persistence for
// branches, patchsets, and the comment outbox, with the uniqueness and
// concurrency-cap queries the daemon's core depends on.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Branch is a configured landing destination.
type Branch struct {
	Name             string `db:"name"`
	RepoURL          string `db:"repo_url"`
	Threshold        int    `db:"threshold"`
	ApprovalRequired bool   `db:"approval_required"`
	PermissionGroup  string `db:"permission_group"`
}

// Patchset is one queued landing request.
type Patchset struct {
	ID        int64      `db:"id"`
	BugID     int        `db:"bug_id"`
	Branch    string     `db:"branch"`
	Patches   string     `db:"patches"` // comma-joined patch IDs
	TrySyntax string     `db:"try_syntax"`
	Author    string     `db:"author"`
	TryRun    bool       `db:"try_run"`
	Revision  *string    `db:"revision"`
	PushTime  *time.Time `db:"push_time"`
	Retries   int        `db:"retries"`
	CreatedAt time.Time  `db:"created_at"`
}

// PatchIDs parses the comma-joined Patches column back into integers.
func (p Patchset) PatchIDs() []int {
	if p.Patches == "" {
		return nil
	}
	parts := strings.Split(p.Patches, ",")
	out := make([]int, 0, len(parts))
	for _, s := range parts {
		var n int
		fmt.Sscanf(s, "%d", &n)
		out = append(out, n)
	}
	return out
}

// JoinPatchIDs renders a patch ID slice into the store's comma-joined form.
func JoinPatchIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}

// Comment is a durable outbox entry.
type Comment struct {
	ID        int64     `db:"id"`
	Bug       int       `db:"bug"`
	Comment   string    `db:"comment"`
	Attempts  int       `db:"attempts"`
	CreatedAt time.Time `db:"created_at"`
}

// ErrUniquenessViolation is returned by InsertPatchset when the
// (bug_id, branch, patches, try_run) tuple already exists.
var ErrUniquenessViolation = errors.New("patchset already queued for this bug/branch/patches/try_run")

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("not found")

// Store wraps the queue database.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the SQLite database at dsn and applies
// migrations.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	if path := filePath(dsn); path != "" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrap(err, "creating store directory")
			}
		}
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening store")
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enabling WAL")
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enabling foreign keys")
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrating store")
	}
	return s, nil
}

func filePath(dsn string) string {
	if strings.HasPrefix(dsn, "file:") {
		rest := strings.TrimPrefix(dsn, "file:")
		if i := strings.IndexByte(rest, '?'); i >= 0 {
			rest = rest[:i]
		}
		return rest
	}
	return dsn
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return errors.Wrap(err, "creating migrations table")
	}

	var version int
	if err := s.db.Get(&version, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations"); err != nil {
		return errors.Wrap(err, "reading migration version")
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migration1},
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return errors.Wrapf(err, "migration %d", m.version)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return errors.Wrapf(err, "recording migration %d", m.version)
		}
		s.logger.Info("applied store migration", zap.Int("version", m.version))
	}

	return nil
}

const migration1 = `
CREATE TABLE IF NOT EXISTS branches (
    name TEXT PRIMARY KEY,
    repo_url TEXT NOT NULL,
    threshold INTEGER NOT NULL,
    approval_required INTEGER NOT NULL DEFAULT 0,
    permission_group TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS patchsets (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bug_id INTEGER NOT NULL,
    branch TEXT NOT NULL,
    patches TEXT NOT NULL,
    try_syntax TEXT,
    author TEXT,
    try_run INTEGER NOT NULL,
    revision TEXT,
    push_time DATETIME,
    retries INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (bug_id, branch, patches, try_run)
);

CREATE INDEX IF NOT EXISTS idx_patchsets_branch ON patchsets(branch);
CREATE INDEX IF NOT EXISTS idx_patchsets_revision ON patchsets(revision);
CREATE INDEX IF NOT EXISTS idx_patchsets_push_time ON patchsets(push_time);

CREATE TABLE IF NOT EXISTS comments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bug INTEGER NOT NULL,
    comment TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// isUniqueViolation detects SQLite's unique-constraint error text. The
// modernc.org/sqlite driver does not expose a typed sqlite3.Error, so the
// message is matched the way the driver's own tests do.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

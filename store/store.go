// Package store persists the relay's diff history, current file versions,
// lock mirror and conflict records in an embedded SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/nyroxsystems/partsync/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS diffs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file TEXT NOT NULL,
	patch TEXT NOT NULL,
	author TEXT,
	type TEXT DEFAULT 'human',
	timestamp INTEGER NOT NULL,
	version TEXT,
	previous_version TEXT,
	compressed INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_diffs_file ON diffs (file);
CREATE INDEX IF NOT EXISTS idx_diffs_timestamp ON diffs (timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_diffs_file_version ON diffs (file, version);
CREATE TABLE IF NOT EXISTS locks (
	file TEXT PRIMARY KEY,
	locked_by TEXT,
	lock_type TEXT DEFAULT 'editing',
	since INTEGER
);
CREATE TABLE IF NOT EXISTS file_versions (
	file TEXT PRIMARY KEY,
	hash TEXT,
	timestamp INTEGER
);
CREATE TABLE IF NOT EXISTS conflicts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file TEXT,
	conflict_file TEXT,
	author_a TEXT,
	author_b TEXT,
	timestamp INTEGER,
	resolved INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_conflicts_file ON conflicts (file);
`

// Store - owns the relay database. All methods serialize through the
// underlying driver; WAL journaling with normal sync.
type Store struct {
	db     *sql.DB
	path   string
	logger *logrus.Logger
}

// Open creates or opens the database at path and ensures the schema.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %v", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %v", err)
	}
	logger.Debugf("Opened store %s", path)
	return &Store{db: db, path: path, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InsertDiff appends a diff row and returns its monotonic id.
func (s *Store) InsertDiff(d wire.FileDiff) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO diffs (file, patch, author, type, timestamp, version, previous_version, compressed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.File, d.Patch, d.Author, d.Type, d.Timestamp, d.Version, d.PreviousVersion, boolToInt(d.Compressed))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpsertVersion replaces the single current-fingerprint row for file.
func (s *Store) UpsertVersion(file, hash string, timestamp int64) error {
	_, err := s.db.Exec(
		`INSERT INTO file_versions (file, hash, timestamp) VALUES (?, ?, ?)
		 ON CONFLICT(file) DO UPDATE SET hash=excluded.hash, timestamp=excluded.timestamp`,
		file, hash, timestamp)
	return err
}

// Version returns the current fingerprint for file, if any.
func (s *Store) Version(file string) (string, bool, error) {
	var hash string
	err := s.db.QueryRow(`SELECT hash FROM file_versions WHERE file = ?`, file).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}

// AllVersions returns the current fingerprint of every file the relay knows.
func (s *Store) AllVersions() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT file, hash FROM file_versions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	versions := make(map[string]string)
	for rows.Next() {
		var file, hash string
		if err := rows.Scan(&file, &hash); err != nil {
			return nil, err
		}
		versions[file] = hash
	}
	return versions, rows.Err()
}

// DiffsByFile returns up to limit diffs for file, newest first.
func (s *Store) DiffsByFile(file string, limit int) ([]wire.FileDiff, error) {
	rows, err := s.db.Query(
		`SELECT id, file, patch, author, type, timestamp, version, previous_version, compressed
		 FROM diffs WHERE file = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, file, limit)
	if err != nil {
		return nil, err
	}
	return scanDiffs(rows)
}

// DiffsSince returns every diff for file newer than the latest one whose
// version matches the given fingerprint, oldest first. If no row matches,
// all diffs for the file are returned.
func (s *Store) DiffsSince(file, version string) ([]wire.FileDiff, error) {
	var anchor sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(id) FROM diffs WHERE file = ? AND version = ?`,
		file, version).Scan(&anchor)
	if err != nil {
		return nil, err
	}
	query := `SELECT id, file, patch, author, type, timestamp, version, previous_version, compressed
		 FROM diffs WHERE file = ? ORDER BY id ASC`
	args := []interface{}{file}
	if anchor.Valid {
		query = `SELECT id, file, patch, author, type, timestamp, version, previous_version, compressed
		 FROM diffs WHERE file = ? AND id > ? ORDER BY id ASC`
		args = append(args, anchor.Int64)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	return scanDiffs(rows)
}

// Recent returns up to limit diffs across all files, newest first.
func (s *Store) Recent(limit int) ([]wire.FileDiff, error) {
	rows, err := s.db.Query(
		`SELECT id, file, patch, author, type, timestamp, version, previous_version, compressed
		 FROM diffs ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanDiffs(rows)
}

// ByID fetches one diff; used for undo.
func (s *Store) ByID(id int64) (wire.FileDiff, bool, error) {
	row := s.db.QueryRow(
		`SELECT id, file, patch, author, type, timestamp, version, previous_version, compressed
		 FROM diffs WHERE id = ?`, id)
	var d wire.FileDiff
	var compressed int
	err := row.Scan(&d.ID, &d.File, &d.Patch, &d.Author, &d.Type, &d.Timestamp,
		&d.Version, &d.PreviousVersion, &compressed)
	if err == sql.ErrNoRows {
		return wire.FileDiff{}, false, nil
	}
	if err != nil {
		return wire.FileDiff{}, false, err
	}
	d.Compressed = compressed != 0
	return d, true, nil
}

// Prune drops rows for file not in the newest keep by timestamp.
func (s *Store) Prune(file string, keep int) error {
	_, err := s.db.Exec(
		`DELETE FROM diffs WHERE file = ? AND id NOT IN
		 (SELECT id FROM diffs WHERE file = ? ORDER BY timestamp DESC, id DESC LIMIT ?)`,
		file, file, keep)
	return err
}

// InsertConflict records a conflict event and returns its id.
func (s *Store) InsertConflict(e wire.ConflictEvent) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO conflicts (file, conflict_file, author_a, author_b, timestamp, resolved)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.File, e.ConflictFile, e.AuthorA, e.AuthorB, e.Timestamp, boolToInt(e.Resolved))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecentConflicts returns up to limit conflict events, newest first.
func (s *Store) RecentConflicts(limit int) ([]wire.ConflictEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, file, conflict_file, author_a, author_b, timestamp, resolved
		 FROM conflicts ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []wire.ConflictEvent
	for rows.Next() {
		var e wire.ConflictEvent
		var resolved int
		if err := rows.Scan(&e.ID, &e.File, &e.ConflictFile, &e.AuthorA, &e.AuthorB,
			&e.Timestamp, &resolved); err != nil {
			return nil, err
		}
		e.Resolved = resolved != 0
		events = append(events, e)
	}
	return events, rows.Err()
}

// ResolveConflict flips the resolved bit. Conflicts are never auto-removed.
func (s *Store) ResolveConflict(id int64) error {
	_, err := s.db.Exec(`UPDATE conflicts SET resolved = 1 WHERE id = ?`, id)
	return err
}

// SaveLock mirrors a lock to storage. Connection identity is never persisted.
func (s *Store) SaveLock(l wire.LockState) error {
	_, err := s.db.Exec(
		`INSERT INTO locks (file, locked_by, lock_type, since) VALUES (?, ?, ?, ?)
		 ON CONFLICT(file) DO UPDATE SET locked_by=excluded.locked_by,
		 lock_type=excluded.lock_type, since=excluded.since`,
		l.File, l.LockedBy, l.LockType, l.Since)
	return err
}

// DeleteLock removes the persisted row for file.
func (s *Store) DeleteLock(file string) error {
	_, err := s.db.Exec(`DELETE FROM locks WHERE file = ?`, file)
	return err
}

// LoadLocks returns all persisted locks, expired or not; the lock table
// filters at restore time.
func (s *Store) LoadLocks() ([]wire.LockState, error) {
	rows, err := s.db.Query(`SELECT file, locked_by, lock_type, since FROM locks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var states []wire.LockState
	for rows.Next() {
		var l wire.LockState
		if err := rows.Scan(&l.File, &l.LockedBy, &l.LockType, &l.Since); err != nil {
			return nil, err
		}
		states = append(states, l)
	}
	return states, rows.Err()
}

// TotalDiffs - health counter.
func (s *Store) TotalDiffs() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM diffs`).Scan(&n)
	return n, err
}

// TotalFiles - health counter.
func (s *Store) TotalFiles() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM file_versions`).Scan(&n)
	return n, err
}

// Size returns the database file size in bytes.
func (s *Store) Size() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func scanDiffs(rows *sql.Rows) ([]wire.FileDiff, error) {
	defer rows.Close()
	var diffs []wire.FileDiff
	for rows.Next() {
		var d wire.FileDiff
		var compressed int
		if err := rows.Scan(&d.ID, &d.File, &d.Patch, &d.Author, &d.Type, &d.Timestamp,
			&d.Version, &d.PreviousVersion, &compressed); err != nil {
			return nil, err
		}
		d.Compressed = compressed != 0
		diffs = append(diffs, d)
	}
	return diffs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

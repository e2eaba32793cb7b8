package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS metadata (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT UNIQUE NOT NULL,
	ext TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT 'ROOT',
	length INTEGER NOT NULL DEFAULT 0,
	date INTEGER NOT NULL DEFAULT 0,
	duration INTEGER NOT NULL DEFAULT 0,
	label TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	mark INTEGER NOT NULL DEFAULT 0,
	rating INTEGER NOT NULL DEFAULT 0,
	flag INTEGER NOT NULL DEFAULT 0,
	option TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL,
	applied_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_metadata_category ON metadata(category);
CREATE INDEX IF NOT EXISTS idx_metadata_flag ON metadata(flag);
CREATE INDEX IF NOT EXISTS idx_metadata_updated_at ON metadata(updated_at);

CREATE TRIGGER IF NOT EXISTS trg_metadata_updated_at
AFTER UPDATE ON metadata
FOR EACH ROW
BEGIN
	UPDATE metadata SET updated_at = strftime('%Y-%m-%d %H:%M:%f', 'now') WHERE id = NEW.id;
END;
`

const timeLayout = "2006-01-02 15:04:05.000"

const recordColumns = `id, path, ext, title, category, length, date, duration,
	label, description, mark, rating, flag, option, created_at, updated_at`

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex // Protects concurrent access
	path   string
	closed bool
}

// NewSQLiteStore opens (creating if necessary) the metadata database at
// dbPath with WAL journaling.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			db.Close()
			return nil, fmt.Errorf("insert schema version: %w", err)
		}
	} else if err != nil {
		db.Close()
		return nil, fmt.Errorf("check schema version: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// Upsert inserts or refreshes the file-derived fields of a record.
// The conflict clause leaves label, description, mark, rating, flag and
// option untouched; the update trigger bumps updated_at.
func (s *SQLiteStore) Upsert(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO metadata (path, ext, title, category, length, date, duration)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			ext = excluded.ext,
			title = excluded.title,
			category = excluded.category,
			length = excluded.length,
			date = excluded.date,
			duration = excluded.duration
	`, rec.Path, rec.Ext, rec.Title, rec.Category, rec.Length, rec.Date, rec.Duration)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", rec.Path, err)
	}
	return nil
}

// GetByID retrieves a record by id.
func (s *SQLiteStore) GetByID(id int64) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+recordColumns+` FROM metadata WHERE id = ?`, id)
	return scanOne(row)
}

// GetByPath retrieves a record by path.
func (s *SQLiteStore) GetByPath(path string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+recordColumns+` FROM metadata WHERE path = ?`, path)
	return scanOne(row)
}

// GetByPaths retrieves the records for the given paths.
func (s *SQLiteStore) GetByPaths(paths []string) ([]*Record, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.Repeat("?,", len(paths))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(paths))
	for i, p := range paths {
		args[i] = p
	}

	return s.queryRecords(
		`SELECT `+recordColumns+` FROM metadata WHERE path IN (`+placeholders+`) ORDER BY path`,
		args...,
	)
}

// GetAll returns every record ordered by path.
func (s *SQLiteStore) GetAll() ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRecords(`SELECT ` + recordColumns + ` FROM metadata ORDER BY path`)
}

// GetByFlag returns records with the given flag value.
func (s *SQLiteStore) GetByFlag(flag int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRecords(`SELECT `+recordColumns+` FROM metadata WHERE flag = ? ORDER BY path`, flag)
}

// GetByRating returns records rated min or higher.
func (s *SQLiteStore) GetByRating(min int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRecords(`SELECT `+recordColumns+` FROM metadata WHERE rating >= ? ORDER BY rating DESC, path`, min)
}

// SearchByLabel returns records whose label contains substr.
func (s *SQLiteStore) SearchByLabel(substr string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRecords(
		`SELECT `+recordColumns+` FROM metadata WHERE label LIKE '%' || ? || '%' ORDER BY path`,
		substr,
	)
}

// GetCreatedSince returns records created strictly after t.
func (s *SQLiteStore) GetCreatedSince(t time.Time) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRecords(
		`SELECT `+recordColumns+` FROM metadata WHERE created_at > ? ORDER BY created_at`,
		t.UTC().Format(timeLayout),
	)
}

// GetUpdatedSince returns records updated strictly after t.
func (s *SQLiteStore) GetUpdatedSince(t time.Time) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRecords(
		`SELECT `+recordColumns+` FROM metadata WHERE updated_at > ? ORDER BY updated_at`,
		t.UTC().Format(timeLayout),
	)
}

// Delete removes the record for path.
func (s *SQLiteStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM metadata WHERE path = ?", path)
	return err
}

// DeleteMany removes the records for paths in one transaction.
func (s *SQLiteStore) DeleteMany(paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare("DELETE FROM metadata WHERE path = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range paths {
		if _, err := stmt.Exec(p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdatePath atomically renames a record; the update trigger bumps
// updated_at. No-op when oldPath has no record.
func (s *SQLiteStore) UpdatePath(oldPath, newPath, newTitle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if newTitle != "" {
		_, err = s.db.Exec("UPDATE metadata SET path = ?, title = ? WHERE path = ?", newPath, newTitle, oldPath)
	} else {
		_, err = s.db.Exec("UPDATE metadata SET path = ? WHERE path = ?", newPath, oldPath)
	}
	if err != nil {
		return fmt.Errorf("update path %s -> %s: %w", oldPath, newPath, err)
	}
	return nil
}

// SetLabel sets the user-authored label of a record.
func (s *SQLiteStore) SetLabel(id int64, label string) error {
	return s.setField(id, "label", label)
}

// SetDescription sets the user-authored description of a record.
func (s *SQLiteStore) SetDescription(id int64, description string) error {
	return s.setField(id, "description", description)
}

// SetMark sets the user-authored mark of a record.
func (s *SQLiteStore) SetMark(id int64, mark int) error {
	return s.setField(id, "mark", mark)
}

// SetRating sets the user-authored rating of a record.
func (s *SQLiteStore) SetRating(id int64, rating int) error {
	return s.setField(id, "rating", rating)
}

// SetFlag sets the user-authored flag of a record.
func (s *SQLiteStore) SetFlag(id int64, flag int) error {
	return s.setField(id, "flag", flag)
}

// SetOption sets the opaque option JSON of a record.
func (s *SQLiteStore) SetOption(id int64, option string) error {
	return s.setField(id, "option", option)
}

func (s *SQLiteStore) setField(id int64, column string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// column is always one of our own literals, never user input
	_, err := s.db.Exec("UPDATE metadata SET "+column+" = ? WHERE id = ?", value, id)
	return err
}

// Categories returns the distinct categories present, sorted.
func (s *SQLiteStore) Categories() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT DISTINCT category FROM metadata ORDER BY category")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var categories []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// Close closes the database connection. Idempotent.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) queryRecords(query string, args ...interface{}) ([]*Record, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var createdAt, updatedAt string

	err := row.Scan(
		&rec.ID, &rec.Path, &rec.Ext, &rec.Title, &rec.Category,
		&rec.Length, &rec.Date, &rec.Duration,
		&rec.Label, &rec.Description, &rec.Mark, &rec.Rating, &rec.Flag,
		&rec.Option, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

func scanOne(row *sql.Row) (*Record, error) {
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		// Older rows may lack fractional seconds
		t, _ = time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC)
	}
	return t
}

package store

import (
	"time"

	"github.com/toyota-m2k/boo-server/internal/media"
)

// Record is one persistent metadata row. The file-derived fields mirror
// media.File; the user-authored fields (Label, Description, Mark, Rating,
// Flag, Option) are owned by clients and survive any file-derived update.
type Record struct {
	ID          int64     `json:"id"`
	Path        string    `json:"path"`
	Ext         string    `json:"ext"`
	Title       string    `json:"title"`
	Category    string    `json:"category"`
	Length      int64     `json:"length"`
	Date        int64     `json:"date"`
	Duration    float64   `json:"duration"`
	Label       string    `json:"label"`
	Description string    `json:"description"`
	Mark        int       `json:"mark"`
	Rating      int       `json:"rating"`
	Flag        int       `json:"flag"`
	Option      string    `json:"option"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// MediaType returns the one-letter media class of the record.
func (r *Record) MediaType() string {
	return media.MediaTypeOf(r.Ext)
}

// MIMEType returns the MIME type of the record.
func (r *Record) MIMEType() string {
	return media.MIMETypeOf(r.Ext)
}

// FromFile builds a Record carrying only file-derived fields.
func FromFile(f *media.File) *Record {
	return &Record{
		Path:     f.Path,
		Ext:      f.Ext,
		Title:    f.Title,
		Category: f.Category,
		Length:   f.Length,
		Date:     f.Date,
		Duration: f.Duration,
	}
}

// Store defines the persistence interface for media metadata.
// Implementations must be safe for concurrent use; writes are serialized.
type Store interface {
	// Upsert inserts the record or, when a row with the same path exists,
	// overwrites its file-derived fields. User-authored fields are never
	// touched by an upsert.
	Upsert(rec *Record) error

	// GetByID retrieves a record by id. Returns nil if not found.
	GetByID(id int64) (*Record, error)

	// GetByPath retrieves a record by path. Returns nil if not found.
	GetByPath(path string) (*Record, error)

	// GetByPaths retrieves the records for the given paths. Missing paths
	// are silently absent from the result.
	GetByPaths(paths []string) ([]*Record, error)

	// GetAll returns every record ordered by path.
	GetAll() ([]*Record, error)

	// GetByFlag returns records with the given flag value.
	GetByFlag(flag int) ([]*Record, error)

	// GetByRating returns records rated min or higher.
	GetByRating(min int) ([]*Record, error)

	// SearchByLabel returns records whose label contains substr.
	SearchByLabel(substr string) ([]*Record, error)

	// GetCreatedSince returns records created strictly after t,
	// ordered by creation time.
	GetCreatedSince(t time.Time) ([]*Record, error)

	// GetUpdatedSince returns records updated strictly after t,
	// ordered by update time.
	GetUpdatedSince(t time.Time) ([]*Record, error)

	// Delete removes the record for path. No-op when absent.
	Delete(path string) error

	// DeleteMany removes the records for paths in one transaction.
	DeleteMany(paths []string) error

	// UpdatePath atomically renames a record. An empty newTitle keeps the
	// stored title. No-op when no record exists for oldPath.
	UpdatePath(oldPath, newPath, newTitle string) error

	// User-authored field setters, keyed by id.
	SetLabel(id int64, label string) error
	SetDescription(id int64, description string) error
	SetMark(id int64, mark int) error
	SetRating(id int64, rating int) error
	SetFlag(id int64, flag int) error
	SetOption(id int64, option string) error

	// Categories returns the distinct categories present, sorted.
	Categories() ([]string, error)

	// Close flushes and closes the store. Idempotent.
	Close() error
}

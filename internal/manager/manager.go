// Package manager aggregates every configured media source behind one
// query surface and keeps the metadata store aligned with what the
// sources observe on disk.
package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toyota-m2k/boo-server/internal/logger"
	"github.com/toyota-m2k/boo-server/internal/media"
	"github.com/toyota-m2k/boo-server/internal/source"
	"github.com/toyota-m2k/boo-server/internal/store"
	"github.com/toyota-m2k/boo-server/internal/watcher"
)

// MediaSource is the slice of source.Source the manager drives.
type MediaSource interface {
	Name() string
	Scan(ctx context.Context) error
	Files() []*media.File
	Changes() <-chan source.Change
	StartWatching()
	StopWatching()
}

// Manager owns the store and the sources for the process lifetime.
type Manager struct {
	store   store.Store
	sources []MediaSource

	lastUpdated atomic.Int64 // milliseconds since epoch

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires the store and sources together. Call Start to scan and
// begin watching.
func New(st store.Store, sources ...MediaSource) *Manager {
	return &Manager{store: st, sources: sources}
}

// Start performs the startup reconciliation and begins watching:
// records without a file on disk are purged, files without a record are
// inserted, everything else keeps its stored (user-authored) state.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	records, err := m.store.GetAll()
	if err != nil {
		return err
	}
	existing := make(map[string]bool, len(records))
	for _, r := range records {
		existing[r.Path] = true
	}

	// Consumers run before the scans: raw-data ingestion during a scan
	// queues creates that must drain somewhere.
	for _, s := range m.sources {
		m.wg.Add(1)
		go m.consume(loopCtx, s)
	}

	for _, s := range m.sources {
		if err := s.Scan(ctx); err != nil {
			return err
		}
		for _, f := range s.Files() {
			if existing[f.Path] {
				delete(existing, f.Path)
				continue
			}
			if err := m.store.Upsert(store.FromFile(f)); err != nil {
				logger.Error("upsert during reconciliation", "path", f.Path, "error", err)
			}
		}
	}

	if len(existing) > 0 {
		vanished := make([]string, 0, len(existing))
		for p := range existing {
			vanished = append(vanished, p)
		}
		logger.Info("purging records for vanished files", "count", len(vanished))
		if err := m.store.DeleteMany(vanished); err != nil {
			return err
		}
	}

	m.touch()

	for _, s := range m.sources {
		s.StartWatching()
	}
	logger.Info("media file manager started", "sources", len(m.sources))
	return nil
}

// StopWatching halts all sources and the event consumers.
func (m *Manager) StopWatching() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false

	for _, s := range m.sources {
		s.StopWatching()
	}
	m.cancel()
	m.wg.Wait()
}

// consume applies one source's change stream to the store.
func (m *Manager) consume(ctx context.Context, s MediaSource) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-s.Changes():
			m.apply(c)
		}
	}
}

// apply maps one source change onto a store mutation.
func (m *Manager) apply(c source.Change) {
	var err error
	switch c.Type {
	case watcher.Created, watcher.Changed:
		err = m.store.Upsert(store.FromFile(c.File))
	case watcher.Deleted:
		err = m.store.Delete(c.File.Path)
	case watcher.Renamed:
		// UpdatePath keeps the user-authored fields on the row; the
		// follow-up upsert refreshes the remaining file-derived fields
		// (category in particular) and covers the startup race where no
		// record existed under the old path.
		if err = m.store.UpdatePath(c.OldPath, c.File.Path, c.File.Title); err == nil {
			err = m.store.Upsert(store.FromFile(c.File))
		}
	default:
		return
	}
	if err != nil {
		logger.Error("store mutation failed", "type", c.Type, "path", c.File.Path, "error", err)
		return
	}
	logger.Debug("store updated", "type", c.Type, "path", c.File.Path)
	m.touch()
}

func (m *Manager) touch() {
	m.lastUpdated.Store(time.Now().UnixMilli())
}

// LastUpdated returns the time of the last store mutation in
// milliseconds since epoch.
func (m *Manager) LastUpdated() int64 {
	return m.lastUpdated.Load()
}

// AllFiles returns every record in the store.
func (m *Manager) AllFiles() ([]*store.Record, error) {
	return m.store.GetAll()
}

// GetFile returns the record with the given id, or nil.
func (m *Manager) GetFile(id int64) (*store.Record, error) {
	return m.store.GetByID(id)
}

// Categories returns the distinct categories present in the store.
func (m *Manager) Categories() ([]string, error) {
	return m.store.Categories()
}

// Store exposes the metadata store to the HTTP front-end.
func (m *Manager) Store() store.Store {
	return m.store
}

// User-authored field setters, passed through to the store for the HTTP
// front-end. Each successful mutation advances lastUpdated so polling
// clients pick up the edit.

// SetLabel sets the label of a record.
func (m *Manager) SetLabel(id int64, label string) error {
	return m.setUserField(func() error { return m.store.SetLabel(id, label) })
}

// SetDescription sets the description of a record.
func (m *Manager) SetDescription(id int64, description string) error {
	return m.setUserField(func() error { return m.store.SetDescription(id, description) })
}

// SetMark sets the mark of a record.
func (m *Manager) SetMark(id int64, mark int) error {
	return m.setUserField(func() error { return m.store.SetMark(id, mark) })
}

// SetRating sets the rating of a record.
func (m *Manager) SetRating(id int64, rating int) error {
	return m.setUserField(func() error { return m.store.SetRating(id, rating) })
}

// SetFlag sets the flag of a record.
func (m *Manager) SetFlag(id int64, flag int) error {
	return m.setUserField(func() error { return m.store.SetFlag(id, flag) })
}

// SetOption sets the opaque option JSON of a record.
func (m *Manager) SetOption(id int64, option string) error {
	return m.setUserField(func() error { return m.store.SetOption(id, option) })
}

func (m *Manager) setUserField(mutate func() error) error {
	if err := mutate(); err != nil {
		return err
	}
	m.touch()
	return nil
}

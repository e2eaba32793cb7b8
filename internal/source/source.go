// Package source implements the per-root orchestrator: it owns the
// in-memory view of one media directory, keeps it aligned with watcher
// events, and lazily imports files staged in an optional raw-data root.
package source

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/toyota-m2k/boo-server/internal/logger"
	"github.com/toyota-m2k/boo-server/internal/media"
	"github.com/toyota-m2k/boo-server/internal/pathutil"
	"github.com/toyota-m2k/boo-server/internal/watcher"
)

// RawDataConfig points at the staging directory paired with a source.
type RawDataConfig struct {
	Path      string
	Recursive bool
	Cloud     bool
}

// Config describes one source root. When RawData is set, its path and
// the source path must be distinct directories.
type Config struct {
	Path      string
	Name      string
	Recursive bool
	Cloud     bool
	RawData   *RawDataConfig
}

// Converter is the ffmpeg surface the source needs. It also satisfies
// media.DurationProber.
type Converter interface {
	Convert(ctx context.Context, in, out string) (bool, error)
	Duration(ctx context.Context, path string) (float64, error)
}

// Change is one mutation of the source's file set, emitted to the owner.
type Change struct {
	Type    watcher.ChangeType
	File    *media.File
	OldPath string // set for renames
}

// Source watches one root. Apart from the initial scan, which runs
// before watching starts, all mutations of files happen on the single
// event-loop goroutine, so no lock guards the map.
type Source struct {
	cfg  Config
	conv Converter

	watcher    watcher.Watcher
	rawWatcher watcher.Watcher

	files   map[string]*media.File
	changes chan Change

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Source with backend watchers picked by the cloud flags.
// cloudInterval applies to any cloud-backed watcher the source owns.
func New(cfg Config, conv Converter, cloudInterval time.Duration) *Source {
	cfg.Path = pathutil.ToSlash(cfg.Path)
	s := &Source{
		cfg:     cfg,
		conv:    conv,
		files:   make(map[string]*media.File),
		changes: make(chan Change, 256),
		watcher: watcher.New(cfg.Path, cfg.Recursive, cfg.Cloud, cloudInterval),
	}
	if cfg.RawData != nil {
		raw := *cfg.RawData
		raw.Path = pathutil.ToSlash(raw.Path)
		s.cfg.RawData = &raw
		s.rawWatcher = watcher.New(raw.Path, raw.Recursive, raw.Cloud, cloudInterval)
	}
	return s
}

// newWithWatchers wires explicit watchers; used by tests.
func newWithWatchers(cfg Config, conv Converter, primary, raw watcher.Watcher) *Source {
	cfg.Path = pathutil.ToSlash(cfg.Path)
	return &Source{
		cfg:        cfg,
		conv:       conv,
		files:      make(map[string]*media.File),
		changes:    make(chan Change, 256),
		watcher:    primary,
		rawWatcher: raw,
	}
}

// Name returns the configured display name of the source.
func (s *Source) Name() string {
	return s.cfg.Name
}

// Path returns the slash-normalized source root.
func (s *Source) Path() string {
	return s.cfg.Path
}

// Changes returns the outgoing mutation stream.
func (s *Source) Changes() <-chan Change {
	return s.changes
}

// Files returns a snapshot of the indexed files.
func (s *Source) Files() []*media.File {
	out := make([]*media.File, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, f)
	}
	return out
}

// Scan builds the initial file set from disk and then ingests any staged
// raw-data files. Must complete before StartWatching.
func (s *Source) Scan(ctx context.Context) error {
	root := filepath.FromSlash(s.cfg.Path)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !s.cfg.Recursive && pathutil.ToSlash(p) != s.cfg.Path {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !media.AcceptablePath(p) {
			return nil
		}
		f, err := media.NewFile(ctx, p, s.cfg.Path, s.conv)
		if err != nil {
			// Unprobeable files are skipped, not fatal to the scan.
			logger.Warn("skipping unreadable media file", "path", p, "error", err)
			return nil
		}
		s.files[f.Path] = f
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", s.cfg.Path, err)
	}
	logger.Info("source scanned", "name", s.cfg.Name, "path", s.cfg.Path, "files", len(s.files))

	if s.cfg.RawData != nil {
		if err := s.reconcileRawData(ctx); err != nil {
			return err
		}
	}
	return nil
}

// reconcileRawData imports every staged file that has no counterpart
// under the source root yet.
func (s *Source) reconcileRawData(ctx context.Context) error {
	raw := s.cfg.RawData
	rawList, err := media.NewFileList(raw.Path, raw.Recursive)
	if err != nil {
		return fmt.Errorf("list raw data %s: %w", raw.Path, err)
	}
	curList, err := media.NewFileList(s.cfg.Path, s.cfg.Recursive)
	if err != nil {
		return fmt.Errorf("list source %s: %w", s.cfg.Path, err)
	}

	onlyInRaw, _ := rawList.Compare(curList)
	for _, rawPath := range onlyInRaw {
		if !media.AcceptablePath(rawPath) {
			continue
		}
		if err := s.processRawFile(ctx, rawPath); err != nil {
			logger.Error("raw data import failed", "path", rawPath, "error", err)
		}
	}
	return nil
}

// StartWatching launches the event loop and both watchers.
func (s *Source) StartWatching() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)

	s.watcher.Start()
	if s.rawWatcher != nil {
		s.rawWatcher.Start()
	}
}

// StopWatching halts both watchers and the event loop. Events already
// queued are dropped.
func (s *Source) StopWatching() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false

	s.watcher.Stop()
	if s.rawWatcher != nil {
		s.rawWatcher.Stop()
	}
	s.cancel()
	s.wg.Wait()
}

// run is the single goroutine serializing every mutation of files.
func (s *Source) run(ctx context.Context) {
	defer s.wg.Done()

	var rawEvents <-chan watcher.Event
	if s.rawWatcher != nil {
		rawEvents = s.rawWatcher.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.watcher.Events():
			s.handlePrimary(ctx, ev)
		case ev := <-rawEvents:
			s.handleRaw(ctx, ev)
		}
	}
}

// handlePrimary applies one event from the source-root watcher.
func (s *Source) handlePrimary(ctx context.Context, ev watcher.Event) {
	if !media.AcceptablePath(ev.FullPath) {
		// A rename away from an acceptable name removes the file from
		// the indexable set.
		if ev.ChangeType == watcher.Renamed && media.AcceptablePath(ev.OldFullPath) {
			s.applyDelete(ctx, ev.OldFullPath)
		}
		return
	}

	switch ev.ChangeType {
	case watcher.Created, watcher.Changed:
		s.applyUpsert(ctx, ev.FullPath)
	case watcher.Deleted:
		s.applyDelete(ctx, ev.FullPath)
	case watcher.Renamed:
		s.applyRename(ctx, ev.OldFullPath, ev.FullPath)
	}
}

// handleRaw applies one event from the raw-data watcher. Raw data is
// append-only staging: only creations are actionable.
func (s *Source) handleRaw(ctx context.Context, ev watcher.Event) {
	if !media.AcceptablePath(ev.FullPath) {
		return
	}
	if ev.ChangeType != watcher.Created {
		logger.Debug("ignoring raw data event", "type", ev.ChangeType, "path", ev.FullPath)
		return
	}
	if err := s.processRawFile(ctx, ev.FullPath); err != nil {
		logger.Error("raw data import failed", "path", ev.FullPath, "error", err)
	}
}

// applyUpsert handles a created or changed file under the source root.
func (s *Source) applyUpsert(ctx context.Context, fullPath string) {
	fullPath = pathutil.ToSlash(fullPath)
	info, err := os.Stat(filepath.FromSlash(fullPath))
	if err != nil {
		logger.Debug("stat failed on changed file", "path", fullPath, "error", err)
		return
	}

	old := s.files[fullPath]
	if old != nil && old.Length == info.Size() && old.Date == info.ModTime().UnixMilli() {
		// Coalesced notification noise: nothing observable changed.
		return
	}

	changeType := watcher.Created
	if old != nil {
		changeType = watcher.Changed
	}

	f, err := media.NewFile(ctx, fullPath, s.cfg.Path, s.conv)
	if err != nil {
		// The file is likely still being written; ask to see it again.
		logger.Warn("media file not readable yet", "path", fullPath, "error", err)
		s.watcher.FeedbackCreationError(fullPath)
		return
	}

	s.files[fullPath] = f
	s.emit(ctx, Change{Type: changeType, File: f})
}

// applyDelete handles a removed file.
func (s *Source) applyDelete(ctx context.Context, fullPath string) {
	fullPath = pathutil.ToSlash(fullPath)
	f, ok := s.files[fullPath]
	if !ok {
		return
	}
	delete(s.files, fullPath)
	s.emit(ctx, Change{Type: watcher.Deleted, File: f})
}

// applyRename moves a cache entry to its new path.
func (s *Source) applyRename(ctx context.Context, oldPath, newPath string) {
	oldPath = pathutil.ToSlash(oldPath)
	newPath = pathutil.ToSlash(newPath)

	f, ok := s.files[oldPath]
	if !ok {
		// The old name was never indexed (startup race); index the new
		// name as a fresh creation instead.
		logger.Debug("rename of unindexed file", "old", oldPath, "new", newPath)
		s.applyUpsert(ctx, newPath)
		return
	}

	// Copy-on-write: earlier emitted pointers stay immutable for the
	// consumer while the cache moves to the new identity.
	renamed := *f
	renamed.Path = newPath
	renamed.Title = pathutil.Title(newPath)
	renamed.Category = media.CategoryOf(newPath, s.cfg.Path)
	delete(s.files, oldPath)
	s.files[newPath] = &renamed
	s.emit(ctx, Change{Type: watcher.Renamed, File: &renamed, OldPath: oldPath})
}

// processRawFile imports one staged file into the source root:
// convert-or-copy, index, announce. Idempotent: an existing target
// means a previous import already ran.
func (s *Source) processRawFile(ctx context.Context, rawPath string) error {
	raw := s.cfg.RawData
	rawPath = pathutil.ToSlash(rawPath)

	ext := pathutil.Ext(rawPath)
	rel, err := pathutil.Rel(raw.Path, rawPath)
	if err != nil {
		return fmt.Errorf("raw path outside raw root: %w", err)
	}
	targetPath := pathutil.Join(s.cfg.Path, rel)
	dir := pathutil.Dir(targetPath)

	if _, err := os.Stat(filepath.FromSlash(targetPath)); err == nil {
		logger.Info("raw file already imported", "target", targetPath)
		return nil
	}
	if err := pathutil.EnsureDir(dir); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}

	if ext == ".mp4" || ext == ".mp3" {
		// A cloud mount can list a file before its bytes arrive; probe
		// first and lean on the watcher to re-announce it next cycle.
		if _, err := s.conv.Duration(ctx, rawPath); err != nil {
			logger.Warn("raw file not probeable yet", "path", rawPath, "error", err)
			if s.rawWatcher != nil {
				s.rawWatcher.FeedbackCreationError(rawPath)
			}
			return nil
		}
	}

	return s.withPrimarySuspended(func() error {
		if ext == ".mp4" {
			converted, err := s.conv.Convert(ctx, rawPath, targetPath)
			if err != nil {
				os.Remove(filepath.FromSlash(targetPath))
				return fmt.Errorf("convert %s: %w", rawPath, err)
			}
			if !converted {
				if err := copyFile(rawPath, targetPath); err != nil {
					return err
				}
			}
		} else {
			if err := copyFile(rawPath, targetPath); err != nil {
				return err
			}
		}

		f, err := media.NewFile(ctx, targetPath, s.cfg.Path, s.conv)
		if err != nil {
			return fmt.Errorf("index imported file: %w", err)
		}
		s.files[targetPath] = f
		s.emit(ctx, Change{Type: watcher.Created, File: f})
		logger.Info("raw file imported", "raw", rawPath, "target", targetPath)
		return nil
	})
}

// withPrimarySuspended runs fn with the primary watcher stopped so the
// source's own writes never come back as external events. The watcher is
// restarted iff it was running, on success and error paths alike.
func (s *Source) withPrimarySuspended(fn func() error) error {
	wasRunning := s.watcher.Stop()
	defer func() {
		if wasRunning {
			s.watcher.Start()
		}
	}()
	return fn()
}

// emit delivers a change to the owner, giving up on cancellation.
func (s *Source) emit(ctx context.Context, c Change) {
	select {
	case s.changes <- c:
	case <-ctx.Done():
	}
}

// copyFile copies src to dst. Works across filesystems unlike os.Rename.
func copyFile(src, dst string) error {
	srcFile, err := os.Open(filepath.FromSlash(src))
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(filepath.FromSlash(dst))
	if err != nil {
		return err
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return err
	}
	return dstFile.Close()
}

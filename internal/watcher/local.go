package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/thejerf/suture/v4"

	"github.com/toyota-m2k/boo-server/internal/logger"
	"github.com/toyota-m2k/boo-server/internal/pathutil"
)

// renamePairWindow is how long a rename-away event waits for its matching
// create before degrading to a delete. fsnotify reports a move as RENAME
// on the old name followed by CREATE on the new one; pairing the two
// within this window recovers a single rename event.
const renamePairWindow = 500 * time.Millisecond

// LocalWatcher observes a root through OS change notifications. The
// fsnotify loop runs as a supervised service: if it terminates without a
// stop having been requested, the supervisor restarts it with backoff.
type LocalWatcher struct {
	root      string
	recursive bool
	events    chan Event

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    <-chan error
}

// NewLocalWatcher creates a watcher for root. Call Start to begin.
func NewLocalWatcher(root string, recursive bool) *LocalWatcher {
	return &LocalWatcher{
		root:      pathutil.ToSlash(root),
		recursive: recursive,
		events:    make(chan Event, eventBuffer),
	}
}

// Events returns the change stream.
func (w *LocalWatcher) Events() <-chan Event {
	return w.events
}

// Start launches the supervised observer. No-op when already running.
func (w *LocalWatcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}

	sup := suture.New("localwatcher", suture.Spec{
		EventHook: func(e suture.Event) {
			logger.Warn("observer event", "root", w.root, "event", e.String())
		},
	})
	sup.Add(&observer{watcher: w})

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = sup.ServeBackground(ctx)
	w.running = true
	logger.Info("local watcher started", "root", w.root, "recursive", w.recursive)
}

// Stop terminates the observer and waits for it to quiesce. Returns
// whether the watcher was running.
func (w *LocalWatcher) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return false
	}

	w.cancel()
	<-w.done
	w.running = false
	logger.Info("local watcher stopped", "root", w.root)
	return true
}

// FeedbackCreationError is a no-op for local roots: the OS will notify
// again on the next mutation of the path.
func (w *LocalWatcher) FeedbackCreationError(path string) {}

// observer is the suture service wrapping one fsnotify session.
type observer struct {
	watcher *LocalWatcher
}

// Serve runs the fsnotify loop until ctx is cancelled. Any other return
// is an unexpected termination and makes the supervisor restart us.
func (o *observer) Serve(ctx context.Context) error {
	w := o.watcher

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := o.addTree(fw, w.root); err != nil {
		return err
	}

	// Rename pairing state: the path that moved away and the deadline
	// for its create counterpart to show up.
	var pendingOld string
	expire := time.NewTimer(renamePairWindow)
	if !expire.Stop() {
		<-expire.C
	}
	defer expire.Stop()

	flushPending := func() error {
		if pendingOld == "" {
			return nil
		}
		old := pendingOld
		pendingOld = ""
		return o.emit(ctx, Event{ChangeType: Deleted, Name: pathutil.Base(old), FullPath: old})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-expire.C:
			if err := flushPending(); err != nil {
				return err
			}

		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("fsnotify event channel closed")
			}
			full := pathutil.ToSlash(ev.Name)

			switch {
			case ev.Op.Has(fsnotify.Create):
				info, statErr := os.Stat(ev.Name)
				if statErr != nil {
					// Gone already; nothing to report.
					continue
				}
				if info.IsDir() {
					if err := flushPending(); err != nil {
						return err
					}
					if w.recursive {
						if err := o.addTree(fw, full); err != nil {
							logger.Warn("watch new directory", "path", full, "error", err)
						}
						// A directory moved into the root carries files the
						// OS never announced individually.
						if err := o.emitTreeCreates(ctx, fw, full); err != nil {
							return err
						}
					}
					continue
				}
				if pendingOld != "" {
					old := pendingOld
					pendingOld = ""
					if !expire.Stop() {
						select {
						case <-expire.C:
						default:
						}
					}
					if err := o.emit(ctx, Event{
						ChangeType:  Renamed,
						Name:        pathutil.Base(full),
						FullPath:    full,
						OldName:     pathutil.Base(old),
						OldFullPath: old,
					}); err != nil {
						return err
					}
					continue
				}
				if err := o.emit(ctx, Event{ChangeType: Created, Name: pathutil.Base(full), FullPath: full}); err != nil {
					return err
				}

			case ev.Op.Has(fsnotify.Write):
				if err := o.emit(ctx, Event{ChangeType: Changed, Name: pathutil.Base(full), FullPath: full}); err != nil {
					return err
				}

			case ev.Op.Has(fsnotify.Remove):
				if err := o.emit(ctx, Event{ChangeType: Deleted, Name: pathutil.Base(full), FullPath: full}); err != nil {
					return err
				}

			case ev.Op.Has(fsnotify.Rename):
				if err := flushPending(); err != nil {
					return err
				}
				pendingOld = full
				expire.Reset(renamePairWindow)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("fsnotify error channel closed")
			}
			logger.Error("observer error", "root", w.root, "error", err)
		}
	}
}

// emit delivers ev unless the context is already cancelled. Blocking on
// a full channel is deliberate: consumers apply backpressure, and a
// cancellation mid-send unblocks Stop.
func (o *observer) emit(ctx context.Context, ev Event) error {
	select {
	case o.watcher.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// addTree registers root (and, in recursive mode, every directory below
// it) with the fsnotify session.
func (o *observer) addTree(fw *fsnotify.Watcher, root string) error {
	if !o.watcher.recursive {
		return fw.Add(filepath.FromSlash(root))
	}
	return filepath.WalkDir(filepath.FromSlash(root), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(p)
		}
		return nil
	})
}

// emitTreeCreates announces every regular file under dir as created.
func (o *observer) emitTreeCreates(ctx context.Context, fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(filepath.FromSlash(dir), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		full := pathutil.ToSlash(p)
		return o.emit(ctx, Event{ChangeType: Created, Name: pathutil.Base(full), FullPath: full})
	})
}

package watcher

import (
	"sync"
	"time"

	"github.com/toyota-m2k/boo-server/internal/logger"
	"github.com/toyota-m2k/boo-server/internal/media"
	"github.com/toyota-m2k/boo-server/internal/pathutil"
)

// CloudWatcher detects changes under a cloud-mounted root by periodic
// rescan-by-diff: each tick captures a snapshot of the tree and compares
// it with the previous one. Files on cloud mounts may be listed before
// their bytes are present; a consumer that fails to read one calls
// FeedbackCreationError, which evicts the path from the committed
// snapshot so the next tick reports it as created again.
type CloudWatcher struct {
	root      string
	recursive bool
	interval  time.Duration
	events    chan Event

	mu       sync.Mutex
	running  bool
	timer    *time.Timer
	stopCh   chan struct{}
	scanning bool
	prev     *media.FileList

	retryMu sync.Mutex
	retry   map[string]bool
}

// NewCloudWatcher creates a watcher polling root every interval.
func NewCloudWatcher(root string, recursive bool, interval time.Duration) *CloudWatcher {
	return &CloudWatcher{
		root:      pathutil.ToSlash(root),
		recursive: recursive,
		interval:  interval,
		events:    make(chan Event, eventBuffer),
		retry:     make(map[string]bool),
	}
}

// Events returns the change stream.
func (w *CloudWatcher) Events() <-chan Event {
	return w.events
}

// Start arms the scan timer. No-op when already running. The first scan
// fires after one full interval; the consumer is expected to have taken
// its own initial snapshot of the root.
func (w *CloudWatcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.timer = time.AfterFunc(w.interval, w.tick)
	logger.Info("cloud watcher started", "root", w.root, "interval", w.interval)
}

// Stop cancels the pending timer. A scan already in progress runs to
// completion but its events are suppressed once Stop has returned.
// Returns whether the watcher was running (a timer was armed or a scan
// was re-arming it).
func (w *CloudWatcher) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return false
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	close(w.stopCh)
	w.running = false
	logger.Info("cloud watcher stopped", "root", w.root)
	return true
}

// FeedbackCreationError marks path for re-observation on the next tick.
func (w *CloudWatcher) FeedbackCreationError(path string) {
	w.retryMu.Lock()
	defer w.retryMu.Unlock()
	w.retry[pathutil.ToSlash(path)] = true
	logger.Debug("creation retry requested", "path", path)
}

// tick runs one scan cycle and re-arms the timer.
func (w *CloudWatcher) tick() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	if w.scanning {
		// Non-reentrant: a tick arriving mid-scan is dropped.
		w.timer = time.AfterFunc(w.interval, w.tick)
		w.mu.Unlock()
		logger.Debug("scan still running, tick dropped", "root", w.root)
		return
	}
	w.scanning = true
	stopCh := w.stopCh
	w.mu.Unlock()

	w.scan(stopCh)

	w.mu.Lock()
	w.scanning = false
	if w.running {
		w.timer = time.AfterFunc(w.interval, w.tick)
	}
	w.mu.Unlock()
}

// scan captures a snapshot, diffs it against the previous one and emits
// delete/create events. stopCh aborts emission when the watcher is
// stopped mid-scan.
func (w *CloudWatcher) scan(stopCh chan struct{}) {
	cur, err := media.NewFileList(w.root, w.recursive)
	if err != nil {
		logger.Error("cloud scan failed", "root", w.root, "error", err)
		return
	}

	prev := w.prev
	if prev != nil {
		// Paths the consumer failed to ingest are dropped from the old
		// snapshot: they diff as freshly created below.
		w.retryMu.Lock()
		for p := range w.retry {
			prev.Remove(p)
		}
		w.retry = make(map[string]bool)
		w.retryMu.Unlock()

		onlyInPrev, onlyInCur := prev.Compare(cur)
		for _, p := range onlyInPrev {
			if !w.emit(stopCh, Event{ChangeType: Deleted, Name: pathutil.Base(p), FullPath: p}) {
				return
			}
		}
		for _, p := range onlyInCur {
			if !w.emit(stopCh, Event{ChangeType: Created, Name: pathutil.Base(p), FullPath: p}) {
				return
			}
		}
	}
	w.prev = cur
}

// emit delivers ev unless the watcher was stopped. Reports delivery.
func (w *CloudWatcher) emit(stopCh chan struct{}, ev Event) bool {
	select {
	case <-stopCh:
		return false
	default:
	}
	select {
	case w.events <- ev:
		return true
	case <-stopCh:
		return false
	}
}

// ScanNow runs one scan cycle synchronously if none is in flight.
// Used by tests to step the watcher without waiting on the timer.
func (w *CloudWatcher) ScanNow() {
	w.mu.Lock()
	if w.scanning {
		w.mu.Unlock()
		return
	}
	w.scanning = true
	stopCh := w.stopCh
	if stopCh == nil {
		stopCh = make(chan struct{})
	}
	w.mu.Unlock()

	w.scan(stopCh)

	w.mu.Lock()
	w.scanning = false
	w.mu.Unlock()
}

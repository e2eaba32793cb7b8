package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/toyota-m2k/boo-server/internal/logger"
	"github.com/toyota-m2k/boo-server/internal/pathutil"
	"github.com/toyota-m2k/boo-server/internal/watcher"
)

func init() {
	logger.Init("error")
}

// fakeWatcher is a hand-driven watcher for exercising the event loop.
type fakeWatcher struct {
	mu       sync.Mutex
	running  bool
	starts   int
	stops    int
	feedback []string
	events   chan watcher.Event
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{events: make(chan watcher.Event, 64)}
}

func (w *fakeWatcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = true
	w.starts++
}

func (w *fakeWatcher) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	was := w.running
	w.running = false
	if was {
		w.stops++
	}
	return was
}

func (w *fakeWatcher) FeedbackCreationError(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.feedback = append(w.feedback, path)
}

func (w *fakeWatcher) Events() <-chan watcher.Event { return w.events }

func (w *fakeWatcher) feedbackPaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.feedback...)
}

// fakeConverter mimics ffmpeg. failProbe marks paths whose probing fails.
type fakeConverter struct {
	mu         sync.Mutex
	failProbe  map[string]bool
	convertErr error
	hasVideo   bool
	converts   []string
}

func newFakeConverter() *fakeConverter {
	return &fakeConverter{failProbe: make(map[string]bool), hasVideo: true}
}

func (c *fakeConverter) Convert(ctx context.Context, in, out string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.convertErr != nil {
		return false, c.convertErr
	}
	c.converts = append(c.converts, in)
	if !c.hasVideo {
		return false, nil
	}
	// Stand-in for a real transcode: write the output file.
	if err := os.WriteFile(filepath.FromSlash(out), []byte("converted:"+in), 0644); err != nil {
		return false, err
	}
	return true, nil
}

func (c *fakeConverter) Duration(ctx context.Context, path string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failProbe[pathutil.ToSlash(path)] {
		return 0, errors.New("moov atom not found")
	}
	return 42, nil
}

func (c *fakeConverter) setProbeFailure(path string, fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failProbe[pathutil.ToSlash(path)] = fail
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func newTestSource(t *testing.T, cfg Config, conv Converter) (*Source, *fakeWatcher, *fakeWatcher) {
	t.Helper()
	primary := newFakeWatcher()
	var raw *fakeWatcher
	var rawW watcher.Watcher
	if cfg.RawData != nil {
		raw = newFakeWatcher()
		rawW = raw
	}
	s := newWithWatchers(cfg, conv, primary, rawW)
	return s, primary, raw
}

func waitChange(t *testing.T, s *Source) Change {
	t.Helper()
	select {
	case c := <-s.Changes():
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
		return Change{}
	}
}

// waitWatcherCounts polls until the fake watcher reaches the expected
// stop/start counters; the resume step runs after the change event is
// emitted, so a plain read would race it.
func waitWatcherCounts(t *testing.T, w *fakeWatcher, stops, starts int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		ok := w.stops == stops && w.starts == starts
		w.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	t.Fatalf("watcher counters: stops=%d starts=%d, want stops=%d starts=%d",
		w.stops, w.starts, stops, starts)
}

func expectNoChange(t *testing.T, s *Source) {
	t.Helper()
	select {
	case c := <-s.Changes():
		t.Fatalf("unexpected change: %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestScanIndexesAcceptableFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.mp4", "aaaa")
	writeFile(t, root, "notes.txt", "skip me")
	writeFile(t, root, "sub/b.jpg", "bbbb")

	s, _, _ := newTestSource(t, Config{Path: root, Name: "m", Recursive: true}, newFakeConverter())
	if err := s.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	files := s.Files()
	if len(files) != 2 {
		t.Fatalf("expected 2 indexed files, got %d", len(files))
	}
	for _, f := range files {
		if f.Path != pathutil.ToSlash(f.Path) {
			t.Errorf("path not normalized: %s", f.Path)
		}
		if !filepath.IsAbs(filepath.FromSlash(f.Path)) {
			t.Errorf("path not absolute: %s", f.Path)
		}
	}
}

func TestScanSkipsUnprobeableFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "good.mp4", "ok")
	bad := writeFile(t, root, "bad.mp4", "broken")

	conv := newFakeConverter()
	conv.setProbeFailure(bad, true)

	s, _, _ := newTestSource(t, Config{Path: root, Recursive: true}, conv)
	if err := s.Scan(context.Background()); err != nil {
		t.Fatalf("scan should not abort on a bad file: %v", err)
	}
	if len(s.Files()) != 1 {
		t.Errorf("expected only the probeable file, got %d", len(s.Files()))
	}
}

func TestCreatedEventIndexesFile(t *testing.T) {
	root := t.TempDir()
	s, primary, _ := newTestSource(t, Config{Path: root, Recursive: true}, newFakeConverter())
	s.StartWatching()
	defer s.StopWatching()

	p := writeFile(t, root, "new.mp4", "fresh")
	primary.events <- watcher.Event{ChangeType: watcher.Created, Name: "new.mp4", FullPath: pathutil.ToSlash(p)}

	c := waitChange(t, s)
	if c.Type != watcher.Created {
		t.Errorf("expected create, got %s", c.Type)
	}
	if c.File.Title != "new" || c.File.Category != "ROOT" {
		t.Errorf("unexpected file: %+v", c.File)
	}
}

func TestUnacceptableExtensionDropped(t *testing.T) {
	root := t.TempDir()
	s, primary, _ := newTestSource(t, Config{Path: root, Recursive: true}, newFakeConverter())
	s.StartWatching()
	defer s.StopWatching()

	p := writeFile(t, root, "notes.txt", "text")
	primary.events <- watcher.Event{ChangeType: watcher.Created, Name: "notes.txt", FullPath: pathutil.ToSlash(p)}
	expectNoChange(t, s)
}

func TestRenameToUnacceptableBecomesDelete(t *testing.T) {
	root := t.TempDir()
	p := writeFile(t, root, "a.mp4", "aaaa")

	s, primary, _ := newTestSource(t, Config{Path: root, Recursive: true}, newFakeConverter())
	if err := s.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.StartWatching()
	defer s.StopWatching()

	primary.events <- watcher.Event{
		ChangeType:  watcher.Renamed,
		Name:        "a.bak",
		FullPath:    pathutil.ToSlash(p) + ".bak",
		OldName:     "a.mp4",
		OldFullPath: pathutil.ToSlash(p),
	}

	c := waitChange(t, s)
	if c.Type != watcher.Deleted {
		t.Errorf("expected delete, got %s", c.Type)
	}
	if c.File.Path != pathutil.ToSlash(p) {
		t.Errorf("delete should carry the old path, got %s", c.File.Path)
	}
}

func TestChangedEventCoalescedWhenStatMatches(t *testing.T) {
	root := t.TempDir()
	p := writeFile(t, root, "a.mp4", "aaaa")

	s, primary, _ := newTestSource(t, Config{Path: root, Recursive: true}, newFakeConverter())
	if err := s.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.StartWatching()
	defer s.StopWatching()

	// Same size and mtime as the cached observation: pure noise.
	primary.events <- watcher.Event{ChangeType: watcher.Changed, Name: "a.mp4", FullPath: pathutil.ToSlash(p)}
	expectNoChange(t, s)
}

func TestChangedEventWithNewContent(t *testing.T) {
	root := t.TempDir()
	p := writeFile(t, root, "a.mp4", "aaaa")

	s, primary, _ := newTestSource(t, Config{Path: root, Recursive: true}, newFakeConverter())
	if err := s.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.StartWatching()
	defer s.StopWatching()

	if err := os.WriteFile(p, []byte("a much longer body"), 0644); err != nil {
		t.Fatal(err)
	}
	primary.events <- watcher.Event{ChangeType: watcher.Changed, Name: "a.mp4", FullPath: pathutil.ToSlash(p)}

	c := waitChange(t, s)
	if c.Type != watcher.Changed {
		t.Errorf("expected change, got %s", c.Type)
	}
	if c.File.Length != int64(len("a much longer body")) {
		t.Errorf("length not refreshed: %d", c.File.Length)
	}
}

func TestCreateProbeFailureFeedsBack(t *testing.T) {
	root := t.TempDir()
	p := writeFile(t, root, "partial.mp4", "still downloading")

	conv := newFakeConverter()
	conv.setProbeFailure(p, true)

	s, primary, _ := newTestSource(t, Config{Path: root, Recursive: true}, conv)
	s.StartWatching()
	defer s.StopWatching()

	primary.events <- watcher.Event{ChangeType: watcher.Created, Name: "partial.mp4", FullPath: pathutil.ToSlash(p)}
	expectNoChange(t, s)

	fb := primary.feedbackPaths()
	if len(fb) != 1 || fb[0] != pathutil.ToSlash(p) {
		t.Errorf("expected feedback for %s, got %v", p, fb)
	}
	if len(s.Files()) != 0 {
		t.Error("unprobeable file must not be indexed")
	}
}

func TestDeletedEvent(t *testing.T) {
	root := t.TempDir()
	p := writeFile(t, root, "a.mp4", "aaaa")

	s, primary, _ := newTestSource(t, Config{Path: root, Recursive: true}, newFakeConverter())
	if err := s.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.StartWatching()
	defer s.StopWatching()

	os.Remove(p)
	primary.events <- watcher.Event{ChangeType: watcher.Deleted, Name: "a.mp4", FullPath: pathutil.ToSlash(p)}

	c := waitChange(t, s)
	if c.Type != watcher.Deleted {
		t.Errorf("expected delete, got %s", c.Type)
	}
	if len(s.Files()) != 0 {
		t.Error("deleted file should leave the cache")
	}

	// A delete for an unindexed path is silent.
	primary.events <- watcher.Event{ChangeType: watcher.Deleted, Name: "ghost.mp4", FullPath: pathutil.Join(pathutil.ToSlash(root), "ghost.mp4")}
	expectNoChange(t, s)
}

func TestRenamedEventMovesCacheEntry(t *testing.T) {
	root := t.TempDir()
	p := writeFile(t, root, "a.mp4", "aaaa")

	s, primary, _ := newTestSource(t, Config{Path: root, Recursive: true}, newFakeConverter())
	if err := s.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.StartWatching()
	defer s.StopWatching()

	newPath := writeFile(t, root, "sub/b.mp4", "aaaa")
	os.Remove(p)
	primary.events <- watcher.Event{
		ChangeType:  watcher.Renamed,
		Name:        "b.mp4",
		FullPath:    pathutil.ToSlash(newPath),
		OldName:     "a.mp4",
		OldFullPath: pathutil.ToSlash(p),
	}

	c := waitChange(t, s)
	if c.Type != watcher.Renamed {
		t.Fatalf("expected rename, got %s", c.Type)
	}
	if c.OldPath != pathutil.ToSlash(p) {
		t.Errorf("old path = %s", c.OldPath)
	}
	if c.File.Path != pathutil.ToSlash(newPath) || c.File.Title != "b" || c.File.Category != "sub" {
		t.Errorf("renamed file not updated: %+v", c.File)
	}

	files := s.Files()
	if len(files) != 1 || files[0].Path != pathutil.ToSlash(newPath) {
		t.Errorf("cache entry not moved: %v", files)
	}
}

func TestRawCreateImportsWithConversion(t *testing.T) {
	root := t.TempDir()
	rawRoot := t.TempDir()
	rawFile := writeFile(t, rawRoot, "v.mp4", "hevc stuff")

	conv := newFakeConverter()
	cfg := Config{Path: root, Recursive: true, RawData: &RawDataConfig{Path: rawRoot, Recursive: true}}
	s, primary, raw := newTestSource(t, cfg, conv)
	s.StartWatching()
	defer s.StopWatching()

	raw.events <- watcher.Event{ChangeType: watcher.Created, Name: "v.mp4", FullPath: pathutil.ToSlash(rawFile)}

	c := waitChange(t, s)
	if c.Type != watcher.Created {
		t.Fatalf("expected create, got %s", c.Type)
	}
	target := pathutil.Join(pathutil.ToSlash(root), "v.mp4")
	if c.File.Path != target {
		t.Errorf("imported path = %s, want %s", c.File.Path, target)
	}
	if _, err := os.Stat(filepath.Join(root, "v.mp4")); err != nil {
		t.Error("converted file should exist under the source root")
	}

	// The primary watcher was suspended around the write and restarted
	// (initial start + resume).
	waitWatcherCounts(t, primary, 1, 2)
}

func TestRawImportIsIdempotent(t *testing.T) {
	root := t.TempDir()
	rawRoot := t.TempDir()
	rawFile := writeFile(t, rawRoot, "v.mp4", "hevc stuff")
	// The target already exists: a previous import ran.
	writeFile(t, root, "v.mp4", "already here")

	conv := newFakeConverter()
	cfg := Config{Path: root, Recursive: true, RawData: &RawDataConfig{Path: rawRoot, Recursive: true}}
	s, _, raw := newTestSource(t, cfg, conv)
	s.StartWatching()
	defer s.StopWatching()

	raw.events <- watcher.Event{ChangeType: watcher.Created, Name: "v.mp4", FullPath: pathutil.ToSlash(rawFile)}
	expectNoChange(t, s)

	data, err := os.ReadFile(filepath.Join(root, "v.mp4"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "already here" {
		t.Error("existing target must be left untouched")
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if len(conv.converts) != 0 {
		t.Error("no conversion should run for an existing target")
	}
}

func TestRawProbeFailureFeedsBackToRawWatcher(t *testing.T) {
	root := t.TempDir()
	rawRoot := t.TempDir()
	rawFile := writeFile(t, rawRoot, "x.mp4", "bytes not here yet")

	conv := newFakeConverter()
	conv.setProbeFailure(rawFile, true)

	cfg := Config{Path: root, Recursive: true, RawData: &RawDataConfig{Path: rawRoot, Recursive: true}}
	s, primary, raw := newTestSource(t, cfg, conv)
	s.StartWatching()
	defer s.StopWatching()

	raw.events <- watcher.Event{ChangeType: watcher.Created, Name: "x.mp4", FullPath: pathutil.ToSlash(rawFile)}
	expectNoChange(t, s)

	fb := raw.feedbackPaths()
	if len(fb) != 1 || fb[0] != pathutil.ToSlash(rawFile) {
		t.Errorf("expected raw feedback, got %v", fb)
	}
	if _, err := os.Stat(filepath.Join(root, "x.mp4")); !os.IsNotExist(err) {
		t.Error("unprobeable raw file must not be imported")
	}

	// Primary watcher stayed untouched: no suspension happened.
	primary.mu.Lock()
	stops := primary.stops
	primary.mu.Unlock()
	if stops != 0 {
		t.Errorf("no suspension expected, got %d stops", stops)
	}

	// Next cycle the bytes are there.
	conv.setProbeFailure(rawFile, false)
	raw.events <- watcher.Event{ChangeType: watcher.Created, Name: "x.mp4", FullPath: pathutil.ToSlash(rawFile)}
	c := waitChange(t, s)
	if c.Type != watcher.Created {
		t.Errorf("expected create after retry, got %s", c.Type)
	}
}

func TestRawNonCreateEventsIgnored(t *testing.T) {
	root := t.TempDir()
	rawRoot := t.TempDir()
	rawFile := writeFile(t, rawRoot, "v.mp4", "data")

	cfg := Config{Path: root, Recursive: true, RawData: &RawDataConfig{Path: rawRoot, Recursive: true}}
	s, _, raw := newTestSource(t, cfg, newFakeConverter())
	s.StartWatching()
	defer s.StopWatching()

	raw.events <- watcher.Event{ChangeType: watcher.Deleted, Name: "v.mp4", FullPath: pathutil.ToSlash(rawFile)}
	raw.events <- watcher.Event{ChangeType: watcher.Changed, Name: "v.mp4", FullPath: pathutil.ToSlash(rawFile)}
	expectNoChange(t, s)
}

func TestScanRunsRawReconciliation(t *testing.T) {
	root := t.TempDir()
	rawRoot := t.TempDir()
	writeFile(t, rawRoot, "staged.mp4", "hevc stuff")
	writeFile(t, rawRoot, "both.mp4", "already imported")
	writeFile(t, root, "both.mp4", "already imported")

	conv := newFakeConverter()
	cfg := Config{Path: root, Recursive: true, RawData: &RawDataConfig{Path: rawRoot, Recursive: true}}
	s, _, _ := newTestSource(t, cfg, conv)

	if err := s.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "staged.mp4")); err != nil {
		t.Error("staged file should be imported during scan")
	}
	if len(s.Files()) != 2 {
		t.Errorf("expected both files indexed, got %d", len(s.Files()))
	}

	// The import's own create is queued for the manager.
	c := waitChange(t, s)
	if c.Type != watcher.Created || pathutil.Base(c.File.Path) != "staged.mp4" {
		t.Errorf("expected queued create for staged.mp4, got %+v", c)
	}
}

func TestConversionFailureSkipsImport(t *testing.T) {
	root := t.TempDir()
	rawRoot := t.TempDir()
	rawFile := writeFile(t, rawRoot, "v.mp4", "hevc stuff")

	conv := newFakeConverter()
	conv.convertErr = errors.New("encoder blew up")

	cfg := Config{Path: root, Recursive: true, RawData: &RawDataConfig{Path: rawRoot, Recursive: true}}
	s, primary, raw := newTestSource(t, cfg, conv)
	s.StartWatching()
	defer s.StopWatching()

	raw.events <- watcher.Event{ChangeType: watcher.Created, Name: "v.mp4", FullPath: pathutil.ToSlash(rawFile)}
	expectNoChange(t, s)

	if _, err := os.Stat(filepath.Join(root, "v.mp4")); !os.IsNotExist(err) {
		t.Error("failed conversion must not leave a target file")
	}

	// The watcher is restarted even on the failure path.
	waitWatcherCounts(t, primary, 1, 2)
}

func TestNonMp4RawFileIsCopied(t *testing.T) {
	root := t.TempDir()
	rawRoot := t.TempDir()
	rawFile := writeFile(t, rawRoot, "pic.jpg", "jpeg bytes")

	conv := newFakeConverter()
	cfg := Config{Path: root, Recursive: true, RawData: &RawDataConfig{Path: rawRoot, Recursive: true}}
	s, _, raw := newTestSource(t, cfg, conv)
	s.StartWatching()
	defer s.StopWatching()

	raw.events <- watcher.Event{ChangeType: watcher.Created, Name: "pic.jpg", FullPath: pathutil.ToSlash(rawFile)}

	c := waitChange(t, s)
	if c.Type != watcher.Created {
		t.Fatalf("expected create, got %s", c.Type)
	}
	data, err := os.ReadFile(filepath.Join(root, "pic.jpg"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "jpeg bytes" {
		t.Error("image should be copied byte for byte")
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if len(conv.converts) != 0 {
		t.Error("images are never converted")
	}
}

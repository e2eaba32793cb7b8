// Package watcher emits a uniform stream of file change events for one
// directory root. Two backends exist: LocalWatcher rides OS change
// notifications, while CloudWatcher rescans on a timer and diffs
// snapshots, the right choice for cloud-mounted drives whose mounts
// don't deliver inotify events.
package watcher

import (
	"time"
)

// ChangeType classifies a file change event.
type ChangeType string

const (
	Created ChangeType = "create"
	Changed ChangeType = "change"
	Deleted ChangeType = "delete"
	Renamed ChangeType = "rename"
)

// Event is one observed file change. Field names follow the wire format
// of the change stream: one JSON object per event with changeType, name,
// fullPath and, for renames, oldName/oldFullPath. All paths are
// forward-slash-normalized.
type Event struct {
	ChangeType  ChangeType `json:"changeType"`
	Name        string     `json:"name"`
	FullPath    string     `json:"fullPath"`
	OldName     string     `json:"oldName,omitempty"`
	OldFullPath string     `json:"oldFullPath,omitempty"`
}

// Watcher is the capability set shared by both backends. A Watcher is
// bound to one root for its lifetime. Start on a started watcher is a
// no-op. Stop blocks until the backend has quiesced: no event is
// delivered on Events() after Stop returns, and the channel stays open
// for a later Start.
type Watcher interface {
	// Start begins observation.
	Start()

	// Stop halts observation and reports whether the watcher was running.
	Stop() bool

	// FeedbackCreationError hints that path could not be consumed and
	// should be re-observed on the next cycle. Only meaningful for the
	// cloud backend; the OS re-notifies on its own for local roots.
	FeedbackCreationError(path string)

	// Events returns the change stream. The channel is owned by the
	// watcher and never closed; it survives Stop/Start cycles.
	Events() <-chan Event
}

// DefaultCloudScanInterval is the rescan period for cloud roots.
const DefaultCloudScanInterval = 3 * time.Minute

// eventBuffer is the capacity of a watcher's outgoing channel. Bursts
// beyond it apply backpressure to the emitting backend, never loss.
const eventBuffer = 256

// New picks the backend for a root: CloudWatcher when cloud is set,
// LocalWatcher otherwise. A non-positive interval falls back to
// DefaultCloudScanInterval.
func New(root string, recursive, cloud bool, interval time.Duration) Watcher {
	if cloud {
		if interval <= 0 {
			interval = DefaultCloudScanInterval
		}
		return NewCloudWatcher(root, recursive, interval)
	}
	return NewLocalWatcher(root, recursive)
}

// Package syncd implements the endpoint sync agent: a debounced filesystem
// watcher over the content root, CRDT change extraction against the local
// store, and the sync loop that exchanges encrypted frames with the relay.
package syncd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceWindow is how long a path has to stay quiet before its event is
// delivered. Editors often write a file several times in quick succession;
// one event per burst is enough.
const DebounceWindow = 100 * time.Millisecond

// EventOp is the kind of change observed on a path.
type EventOp int

const (
	// OpModify covers create and write; the file now has content to read.
	OpModify EventOp = iota
	// OpDelete covers remove and rename-away.
	OpDelete
)

func (op EventOp) String() string {
	switch op {
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// WatchEvent is one debounced file change under the content root.
type WatchEvent struct {
	Path string // absolute
	Op   EventOp
}

// cloudMarkers are path fragments of cloud-storage placeholder trees.
// Files under these are hydrated on demand and reading them can block or
// download gigabytes, so the watcher skips them entirely.
var cloudMarkers = []string{
	"OneDrive", "GoogleDrive", "Google Drive", "Dropbox", "iCloud", ".cloud",
}

// IgnorePath reports whether a path should be invisible to sync: dotfiles
// and dot-directories, editor temp files, and cloud-storage placeholders.
func IgnorePath(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return true
		}
	}
	if strings.HasSuffix(path, ".tmp") || strings.HasSuffix(path, ".swp") || strings.HasSuffix(path, "~") {
		return true
	}
	for _, marker := range cloudMarkers {
		if strings.Contains(path, marker) {
			return true
		}
	}
	return false
}

// Watcher watches the content root recursively and emits debounced events.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher
	events  chan WatchEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	timers  map[string]*time.Timer
}

// NewWatcher creates a watcher over root. Start must be called before
// events flow.
func NewWatcher(root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		root:    root,
		watcher: fsw,
		events:  make(chan WatchEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		timers:  make(map[string]*time.Timer),
	}, nil
}

// Start registers the root and every existing subdirectory, then begins
// emitting events. Directories created later are picked up on the fly.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}

	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return fmt.Errorf("failed to create content root %s: %w", w.root, err)
	}
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && IgnorePath(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
	if err != nil {
		return fmt.Errorf("failed to watch content root %s: %w", w.root, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop shuts the watcher down and waits for the event loop.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()
	close(w.events)
	close(w.errors)
	return nil
}

// Events emits debounced file changes. Closed when the watcher stops.
func (w *Watcher) Events() <-chan WatchEvent {
	return w.events
}

// Errors emits watcher failures. Closed when the watcher stops.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleRawEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

func (w *Watcher) handleRawEvent(event fsnotify.Event) {
	if IgnorePath(event.Name) {
		return
	}

	// New directories join the watch set so nested files are seen.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.watcher.Add(event.Name)
			return
		}
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return
	}
	w.debounce(WatchEvent{Path: event.Name, Op: op})
}

// debounce arms (or re-arms) the per-path timer; the event is delivered
// once the path has been quiet for DebounceWindow. A later op for the same
// path replaces the pending one, so a create followed by a remove within
// the window comes out as a single delete.
func (w *Watcher) debounce(ev WatchEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if t, ok := w.timers[ev.Path]; ok {
		t.Stop()
	}
	w.timers[ev.Path] = time.AfterFunc(DebounceWindow, func() {
		w.mu.Lock()
		delete(w.timers, ev.Path)
		running := w.running
		w.mu.Unlock()
		if !running {
			return
		}
		select {
		case w.events <- ev:
		case <-w.done:
		}
	})
}

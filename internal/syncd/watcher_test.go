package syncd

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIgnorePath(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/home/u/lst/notes/todo.md", false},
		{"/home/u/lst/lists/groceries.md", false},
		{"/home/u/lst/.git/config", true},
		{"/home/u/lst/notes/.draft.md", true},
		{"/home/u/lst/notes/todo.md.tmp", true},
		{"/home/u/lst/notes/.todo.md.swp", true},
		{"/home/u/lst/notes/todo.md~", true},
		{"/home/u/OneDrive/lst/notes/a.md", true},
		{"/home/u/Dropbox/notes/a.md", true},
		{"/home/u/Library/iCloud/notes/a.md", true},
	}
	for _, tc := range cases {
		if got := IgnorePath(tc.path); got != tc.want {
			t.Errorf("IgnorePath(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func startTestWatcher(t *testing.T) (*Watcher, string) {
	t.Helper()
	root := t.TempDir()
	w, err := NewWatcher(root)
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w, root
}

func awaitEvent(t *testing.T, w *Watcher, timeout time.Duration) (WatchEvent, bool) {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev, true
	case <-time.After(timeout):
		return WatchEvent{}, false
	}
}

func TestWatcherEmitsModify(t *testing.T) {
	w, root := startTestWatcher(t)

	path := filepath.Join(root, "note.md")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	ev, ok := awaitEvent(t, w, 2*time.Second)
	if !ok {
		t.Fatal("no event within 2s")
	}
	if ev.Path != path || ev.Op != OpModify {
		t.Errorf("event = %+v", ev)
	}
}

func TestWatcherDebouncesBursts(t *testing.T) {
	w, root := startTestWatcher(t)

	path := filepath.Join(root, "burst.md")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("v"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, ok := awaitEvent(t, w, 2*time.Second); !ok {
		t.Fatal("no event within 2s")
	}
	// The burst collapses to one event; the wire stays quiet afterwards.
	if ev, ok := awaitEvent(t, w, 300*time.Millisecond); ok {
		t.Errorf("unexpected second event %+v", ev)
	}
}

func TestWatcherIgnoresDotfiles(t *testing.T) {
	w, root := startTestWatcher(t)

	if err := os.WriteFile(filepath.Join(root, ".hidden.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "edit.md.swp"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if ev, ok := awaitEvent(t, w, 400*time.Millisecond); ok {
		t.Errorf("unexpected event for an ignored path: %+v", ev)
	}
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	w, root := startTestWatcher(t)

	sub := filepath.Join(root, "lists")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to pick up the new directory.
	time.Sleep(200 * time.Millisecond)

	path := filepath.Join(sub, "groceries.md")
	if err := os.WriteFile(path, []byte("milk"), 0o644); err != nil {
		t.Fatal(err)
	}

	ev, ok := awaitEvent(t, w, 2*time.Second)
	if !ok {
		t.Fatal("no event for a file in a new subdirectory")
	}
	if ev.Path != path {
		t.Errorf("event path = %q", ev.Path)
	}
}

func TestWatcherEmitsDelete(t *testing.T) {
	w, root := startTestWatcher(t)

	path := filepath.Join(root, "gone.md")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := awaitEvent(t, w, 2*time.Second); !ok {
		t.Fatal("no create event")
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	ev, ok := awaitEvent(t, w, 2*time.Second)
	if !ok {
		t.Fatal("no delete event")
	}
	if ev.Op != OpDelete {
		t.Errorf("op = %v, want delete", ev.Op)
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	w, _ := startTestWatcher(t)
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}

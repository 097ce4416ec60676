package syncd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lst-sh/lst/internal/config"
	"github.com/lst-sh/lst/internal/crypto"
	"github.com/lst-sh/lst/internal/model"
	"github.com/lst-sh/lst/internal/protocol"
	"github.com/lst-sh/lst/internal/server"
	"github.com/lst-sh/lst/internal/store"
)

var testKey = bytes.Repeat([]byte{7}, crypto.KeySize)

func startRelay(t *testing.T) *server.Server {
	t.Helper()
	db, err := server.OpenSyncDB(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("OpenSyncDB() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	srv, err := server.New(config.ServerSettings{
		Host:      "127.0.0.1",
		Port:      0,
		JWTSecret: "test-secret",
	}, db, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

// newTestAgent builds an agent for one simulated device of the same user.
func newTestAgent(t *testing.T, srv *server.Server, deviceID string) *Agent {
	t.Helper()
	jwt, expiresAt, err := server.IssueJWT([]byte("test-secret"), "user@example.com", time.Now())
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Paths.ContentDir = filepath.Join(dir, "content")
	cfg.Sync.URL = "http://" + srv.Addr()
	cfg.Sync.DeviceID = deviceID
	cfg.Sync.DatabasePath = filepath.Join(dir, "sync.db")
	cfg.Sync.MaxFileSize = config.DefaultMaxFileSize
	cfg.Auth.Email = "user@example.com"
	cfg.Auth.JWT = jwt
	cfg.Auth.JWTExpiresAt = expiresAt

	st, err := store.Open(cfg.Sync.DatabasePath)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return New(cfg, st, testKey, nil)
}

func writeLocal(t *testing.T, a *Agent, rel, content string) string {
	t.Helper()
	full := filepath.Join(a.cfg.ContentDir(), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return full
}

func readLocal(t *testing.T, a *Agent, rel string) (string, bool) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(a.cfg.ContentDir(), filepath.FromSlash(rel)))
	if err != nil {
		return "", false
	}
	return string(data), true
}

func TestPushAndMaterialize(t *testing.T) {
	srv := startRelay(t)
	a := newTestAgent(t, srv, "device-a")
	b := newTestAgent(t, srv, "device-b")
	ctx := context.Background()

	path := writeLocal(t, a, "lists/groceries.md", "milk\neggs\n")
	a.enqueue(path, OpModify)
	if _, err := a.doSync(ctx); err != nil {
		t.Fatalf("a.doSync() failed: %v", err)
	}

	if _, err := b.doSync(ctx); err != nil {
		t.Fatalf("b.doSync() failed: %v", err)
	}
	got, ok := readLocal(t, b, "lists/groceries.md")
	if !ok {
		t.Fatal("document was not materialized on device b")
	}
	if got != "milk\neggs" {
		t.Errorf("materialized content = %q", got)
	}

	row, err := b.store.GetByPath("lists/groceries.md")
	if err != nil || row == nil {
		t.Fatalf("device b is not tracking the document: %v", err)
	}
	if row.DocID != model.DocumentID("lists/groceries.md") {
		t.Errorf("tracked id = %q", row.DocID)
	}
}

func TestEditPropagatesToTrackedDocument(t *testing.T) {
	srv := startRelay(t)
	a := newTestAgent(t, srv, "device-a")
	b := newTestAgent(t, srv, "device-b")
	ctx := context.Background()

	path := writeLocal(t, a, "notes/plan.md", "v1")
	a.enqueue(path, OpModify)
	if _, err := a.doSync(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := b.doSync(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := readLocal(t, b, "notes/plan.md"); got != "v1" {
		t.Fatalf("initial content on b = %q", got)
	}

	// The relay's index timestamps have second granularity.
	time.Sleep(1100 * time.Millisecond)

	writeLocal(t, a, "notes/plan.md", "v1 and then v2")
	a.enqueue(path, OpModify)
	if _, err := a.doSync(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := b.doSync(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := readLocal(t, b, "notes/plan.md"); got != "v1 and then v2" {
		t.Errorf("content on b after edit = %q", got)
	}
}

func TestUnchangedFileSendsNothing(t *testing.T) {
	srv := startRelay(t)
	a := newTestAgent(t, srv, "device-a")
	ctx := context.Background()

	path := writeLocal(t, a, "notes/same.md", "stable")
	a.enqueue(path, OpModify)
	if _, err := a.doSync(ctx); err != nil {
		t.Fatal(err)
	}
	before, err := a.store.Get(model.DocumentID("notes/same.md"))
	if err != nil || before == nil {
		t.Fatal("document not tracked after first sync")
	}

	// Re-queue without editing; the fold yields no new frames.
	a.enqueue(path, OpModify)
	if _, err := a.doSync(ctx); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
}

func TestEchoSuppressed(t *testing.T) {
	a := newTestAgent(t, startRelay(t), "device-a")

	if err := a.handleNewChanges(protocol.NewChanges{
		DocID:    "some-doc",
		DeviceID: "device-a",
		Changes:  [][]byte{[]byte("junk that would fail decryption")},
	}); err != nil {
		t.Errorf("own echo produced an error: %v", err)
	}
}

func TestOversizedFileSkipped(t *testing.T) {
	a := newTestAgent(t, startRelay(t), "device-a")
	a.cfg.Sync.MaxFileSize = 10

	path := writeLocal(t, a, "notes/huge.md", "this is more than ten bytes long")
	if err := a.pushLocalEdit(context.Background(), nil, path); err != nil {
		t.Fatalf("pushLocalEdit() failed: %v", err)
	}
	row, err := a.store.GetByPath("notes/huge.md")
	if err != nil {
		t.Fatal(err)
	}
	if row != nil {
		t.Error("oversized file was tracked")
	}
}

func TestLocalDeleteUntracksOnly(t *testing.T) {
	srv := startRelay(t)
	a := newTestAgent(t, srv, "device-a")
	b := newTestAgent(t, srv, "device-b")
	ctx := context.Background()

	path := writeLocal(t, a, "notes/kept.md", "content")
	a.enqueue(path, OpModify)
	if _, err := a.doSync(ctx); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := a.handleLocalDelete(path); err != nil {
		t.Fatal(err)
	}
	if row, _ := a.store.GetByPath("notes/kept.md"); row != nil {
		t.Error("deleted file is still tracked")
	}

	// The relay keeps the document; another device still receives it.
	if _, err := b.doSync(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := readLocal(t, b, "notes/kept.md"); !ok {
		t.Error("document vanished from the relay after a local delete")
	}
}

func TestDoSyncWithoutLogin(t *testing.T) {
	a := newTestAgent(t, startRelay(t), "device-a")
	a.cfg.Auth = config.AuthState{}

	if _, err := a.doSync(context.Background()); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("doSync() = %v, want ErrNotLoggedIn", err)
	}
}

func TestDoSyncUnconfiguredIsNoop(t *testing.T) {
	a := newTestAgent(t, startRelay(t), "device-a")
	a.cfg.Sync.URL = ""

	if _, err := a.doSync(context.Background()); err != nil {
		t.Errorf("unconfigured sync returned %v", err)
	}
}

func TestOfflineRequeuesPending(t *testing.T) {
	srv := startRelay(t)
	a := newTestAgent(t, srv, "device-a")
	a.cfg.Sync.URL = "http://127.0.0.1:1" // nothing listens here

	path := writeLocal(t, a, "notes/offline.md", "queued")
	a.enqueue(path, OpModify)

	if _, err := a.doSync(context.Background()); err == nil {
		t.Fatal("expected connection failure")
	}
	if n := a.pendingCount(); n != 1 {
		t.Errorf("pending after failed sync = %d, want 1", n)
	}
}

func TestDecryptFilenameFallback(t *testing.T) {
	a := newTestAgent(t, startRelay(t), "device-a")

	if got := a.decryptFilename("aabbccdd-1234-5678-9999-000011112222", []byte("garbage")); got != "notes/aabbccdd.md" {
		t.Errorf("fallback name = %q", got)
	}

	enc, err := crypto.Encrypt([]byte("lists/real.md"), testKey)
	if err != nil {
		t.Fatal(err)
	}
	if got := a.decryptFilename("whatever-id", enc); got != "lists/real.md" {
		t.Errorf("decrypted name = %q", got)
	}
}

func TestTrackedDocSeededToFreshRelay(t *testing.T) {
	srv := startRelay(t)
	a := newTestAgent(t, srv, "device-a")
	ctx := context.Background()

	path := writeLocal(t, a, "lists/seeds.md", "one\ntwo\n")
	a.enqueue(path, OpModify)
	if _, err := a.doSync(ctx); err != nil {
		t.Fatal(err)
	}

	// The relay loses its database. Nothing is queued locally and the
	// file is unchanged, yet the next run must re-seed the document.
	fresh := startRelay(t)
	a.cfg.Sync.URL = "http://" + fresh.Addr()
	if _, err := a.doSync(ctx); err != nil {
		t.Fatal(err)
	}

	b := newTestAgent(t, fresh, "device-b")
	if _, err := b.doSync(ctx); err != nil {
		t.Fatal(err)
	}
	if got, ok := readLocal(t, b, "lists/seeds.md"); !ok || got != "one\ntwo" {
		t.Errorf("content on b = %q (ok=%v)", got, ok)
	}
}

func TestSnapshotMergeKeepsLocalEdits(t *testing.T) {
	a := newTestAgent(t, startRelay(t), "device-a")

	base := model.NewDoc()
	if err := base.Fold(model.KindNote, "v1"); err != nil {
		t.Fatal(err)
	}

	// The local replica is ahead of the relay's snapshot.
	local, err := model.LoadDoc(base.Save())
	if err != nil {
		t.Fatal(err)
	}
	if err := local.Fold(model.KindNote, "v1 plus local"); err != nil {
		t.Fatal(err)
	}
	if err := a.store.Put(&store.Document{
		DocID:    "00000000-aaaa-bbbb-cccc-000000000001",
		FilePath: "notes/ahead.md",
		Kind:     model.KindNote,
		State:    local.Save(),
	}); err != nil {
		t.Fatal(err)
	}

	encName, err := crypto.Encrypt([]byte("notes/ahead.md"), testKey)
	if err != nil {
		t.Fatal(err)
	}
	encSnap, err := crypto.Encrypt(base.Save(), testKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.handleSnapshot(protocol.Snapshot{
		DocID:    "00000000-aaaa-bbbb-cccc-000000000001",
		Filename: encName,
		Snapshot: encSnap,
	}); err != nil {
		t.Fatalf("handleSnapshot() failed: %v", err)
	}

	if got, _ := readLocal(t, a, "notes/ahead.md"); got != "v1 plus local" {
		t.Errorf("content after merging a stale snapshot = %q", got)
	}
	row, err := a.store.Get("00000000-aaaa-bbbb-cccc-000000000001")
	if err != nil || row == nil {
		t.Fatalf("row vanished: %v", err)
	}
	merged, err := model.LoadDoc(row.State)
	if err != nil {
		t.Fatal(err)
	}
	if got := merged.Extract(model.KindNote); got != "v1 plus local" {
		t.Errorf("stored state extracts %q", got)
	}
}

func TestSnapshotAfterCompactionConverges(t *testing.T) {
	srv := startRelay(t)
	a := newTestAgent(t, srv, "device-a")
	b := newTestAgent(t, srv, "device-b")
	ctx := context.Background()

	path := writeLocal(t, a, "notes/big.md", "v1")
	a.enqueue(path, OpModify)
	if _, err := a.doSync(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := b.doSync(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := readLocal(t, b, "notes/big.md"); got != "v1" {
		t.Fatalf("initial content on b = %q", got)
	}

	// The relay's index timestamps have second granularity.
	time.Sleep(1100 * time.Millisecond)

	// Device a edits and compacts in one step: the edit now exists only
	// inside the uploaded snapshot, never as stored change frames.
	rowA, err := a.store.GetByPath("notes/big.md")
	if err != nil || rowA == nil {
		t.Fatalf("device a lost its row: %v", err)
	}
	doc, err := model.LoadDoc(rowA.State)
	if err != nil {
		t.Fatal(err)
	}
	if err := doc.Fold(model.KindNote, "v1 compacted v2"); err != nil {
		t.Fatal(err)
	}
	client, err := Connect(ctx, a.cfg.Sync.URL, a.cfg.Auth.JWT)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if err := a.pushSnapshot(ctx, client, rowA.DocID, "notes/big.md", doc); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond) // let the relay commit the snapshot

	if _, err := b.doSync(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := readLocal(t, b, "notes/big.md"); got != "v1 compacted v2" {
		t.Errorf("content on b after compaction = %q", got)
	}
}

func TestEditKeepsMaterializedDocID(t *testing.T) {
	srv := startRelay(t)
	a := newTestAgent(t, srv, "device-a")
	ctx := context.Background()

	// Materialize a foreign document whose id is unrelated to its path.
	doc := model.NewDoc()
	if err := doc.Fold(model.KindNote, "remote"); err != nil {
		t.Fatal(err)
	}
	encName, err := crypto.Encrypt([]byte("notes/foreign.md"), testKey)
	if err != nil {
		t.Fatal(err)
	}
	encSnap, err := crypto.Encrypt(doc.Save(), testKey)
	if err != nil {
		t.Fatal(err)
	}
	const foreignID = "12ab34cd-0000-1111-2222-333344445555"
	if err := a.handleSnapshot(protocol.Snapshot{
		DocID:    foreignID,
		Filename: encName,
		Snapshot: encSnap,
	}); err != nil {
		t.Fatal(err)
	}

	// Editing the materialized file must reuse the tracked id rather than
	// derive a fresh one from the path.
	path := writeLocal(t, a, "notes/foreign.md", "remote edited")
	a.enqueue(path, OpModify)
	if _, err := a.doSync(ctx); err != nil {
		t.Fatalf("sync after editing a materialized file failed: %v", err)
	}

	row, err := a.store.GetByPath("notes/foreign.md")
	if err != nil || row == nil {
		t.Fatalf("tracked row missing: %v", err)
	}
	if row.DocID != foreignID {
		t.Errorf("tracked id = %q, want %q", row.DocID, foreignID)
	}
	if ghost, _ := a.store.Get(model.DocumentID("notes/foreign.md")); ghost != nil {
		t.Errorf("a path-derived duplicate row appeared: %+v", ghost)
	}
	got, err := model.LoadDoc(row.State)
	if err != nil {
		t.Fatal(err)
	}
	if text := got.Extract(model.KindNote); text != "remote edited" {
		t.Errorf("stored state extracts %q", text)
	}
}

func TestPathCollisionRenames(t *testing.T) {
	srv := startRelay(t)
	a := newTestAgent(t, srv, "device-a")

	// A foreign document claims the same path as a local one.
	if err := a.store.Put(&store.Document{
		DocID:    "local-owner-0000-0000-000000000000",
		FilePath: "notes/todo.md",
		Kind:     model.KindNote,
	}); err != nil {
		t.Fatal(err)
	}

	doc := model.NewDoc()
	if err := doc.Fold(model.KindNote, "remote text"); err != nil {
		t.Fatal(err)
	}
	encName, err := crypto.Encrypt([]byte("notes/todo.md"), testKey)
	if err != nil {
		t.Fatal(err)
	}
	encSnap, err := crypto.Encrypt(doc.Save(), testKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.handleSnapshot(protocol.Snapshot{
		DocID:    "ffee0011-2233-4455-6677-889900aabbcc",
		Filename: encName,
		Snapshot: encSnap,
	}); err != nil {
		t.Fatalf("handleSnapshot() failed: %v", err)
	}

	row, err := a.store.Get("ffee0011-2233-4455-6677-889900aabbcc")
	if err != nil || row == nil {
		t.Fatalf("remote doc not tracked: %v", err)
	}
	if row.FilePath != "notes/todo_ffee0011.md" {
		t.Errorf("collided path = %q, want notes/todo_ffee0011.md", row.FilePath)
	}
	if got, ok := readLocal(t, a, "notes/todo_ffee0011.md"); !ok || got != "remote text" {
		t.Errorf("materialized content = %q (ok=%v)", got, ok)
	}
}

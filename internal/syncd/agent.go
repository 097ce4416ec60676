package syncd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lst-sh/lst/internal/config"
	"github.com/lst-sh/lst/internal/crypto"
	"github.com/lst-sh/lst/internal/model"
	"github.com/lst-sh/lst/internal/protocol"
	"github.com/lst-sh/lst/internal/store"
)

// readIdle is how long a sync run waits for further server messages before
// deciding the exchange is over.
const readIdle = 2 * time.Second

// ErrNotLoggedIn is returned when a sync run needs credentials that are
// missing or expired.
var ErrNotLoggedIn = errors.New("not logged in; run lst-syncd login")

// Agent is the endpoint sync daemon: it watches the content root, folds
// file edits into CRDT documents, and exchanges encrypted frames with the
// relay on a timer and on local or remote triggers.
type Agent struct {
	cfg    *config.Config
	store  *store.Store
	key    []byte
	logger *log.Logger

	pendingMu sync.Mutex
	pending   map[string]EventOp // absolute path -> latest op

	trigger chan struct{}
	status  *StatusReporter
}

// New assembles an agent. The key is the account's symmetric key; st is
// the opened endpoint store.
func New(cfg *config.Config, st *store.Store, key []byte, logger *log.Logger) *Agent {
	if logger == nil {
		logger = log.Default()
	}
	return &Agent{
		cfg:     cfg,
		store:   st,
		key:     key,
		logger:  logger,
		pending: make(map[string]EventOp),
		trigger: make(chan struct{}, 1),
		status:  NewStatusReporter(cfg),
	}
}

// TriggerSync requests a sync run soon. Safe from any goroutine; coalesces
// with an already-pending trigger.
func (a *Agent) TriggerSync() {
	select {
	case a.trigger <- struct{}{}:
	default:
	}
}

// Run watches, syncs, and blocks until ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	watcher, err := NewWatcher(a.cfg.ContentDir())
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()

	a.enqueueExistingFiles()

	go a.runTriggerListener(ctx)

	ticker := time.NewTicker(a.cfg.Sync.Interval())
	defer ticker.Stop()

	a.logger.Printf("watching %s, syncing every %s", a.cfg.ContentDir(), a.cfg.Sync.Interval())
	a.syncRun(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}
			a.enqueue(ev.Path, ev.Op)
			a.TriggerSync()

		case err, ok := <-watcher.Errors():
			if ok {
				a.logger.Printf("watcher error: %v", err)
			}

		case <-a.trigger:
			a.syncRun(ctx)

		case <-ticker.C:
			a.syncRun(ctx)
		}
	}
}

func (a *Agent) enqueue(path string, op EventOp) {
	a.pendingMu.Lock()
	a.pending[path] = op
	a.pendingMu.Unlock()
}

// enqueueExistingFiles seeds the pending queue with every eligible file so
// the first sync run covers edits made while the daemon was down.
func (a *Agent) enqueueExistingFiles() {
	root := a.cfg.ContentDir()
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && IgnorePath(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !IgnorePath(path) {
			a.enqueue(path, OpModify)
		}
		return nil
	})
}

// takePending swaps the queue out; the caller owns the returned map.
func (a *Agent) takePending() map[string]EventOp {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	if len(a.pending) == 0 {
		return nil
	}
	taken := a.pending
	a.pending = make(map[string]EventOp)
	return taken
}

func (a *Agent) requeue(batch map[string]EventOp) {
	a.pendingMu.Lock()
	for path, op := range batch {
		if _, exists := a.pending[path]; !exists {
			a.pending[path] = op
		}
	}
	a.pendingMu.Unlock()
}

// syncRun performs one full exchange with the relay. Failures are reported
// through the status file and retried on the next trigger or tick.
func (a *Agent) syncRun(ctx context.Context) {
	connected, err := a.doSync(ctx)
	a.status.Report(err, connected, a.pendingCount())
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Printf("sync failed: %v", err)
	}
}

func (a *Agent) pendingCount() int {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	return len(a.pending)
}

// doSync reports whether a relay session was established alongside any
// run-level error; both feed the status file.
func (a *Agent) doSync(ctx context.Context) (bool, error) {
	if a.cfg.Sync.URL == "" {
		return false, nil // sync not configured; purely local operation
	}
	if !a.cfg.Auth.JWTValid() {
		return false, ErrNotLoggedIn
	}

	client, err := Connect(ctx, a.cfg.Sync.URL, a.cfg.Auth.JWT)
	if err != nil {
		return false, err
	}
	defer client.Close()

	batch := a.takePending()
	if err := a.pushBatch(ctx, client, batch); err != nil {
		a.requeue(batch)
		return true, err
	}

	if err := client.Send(ctx, protocol.RequestDocumentList{}); err != nil {
		return true, err
	}

	// Drain the exchange: responses to our requests plus anything the
	// relay fans out while we are connected. A quiet wire ends the run.
	for {
		idleCtx, cancel := context.WithTimeout(ctx, readIdle)
		msg, err := client.Read(idleCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, nil // idle or closed; the run is complete
		}
		if err := a.handleServerMessage(ctx, client, msg); err != nil {
			a.logger.Printf("failed to handle %T: %v", msg, err)
		}
	}
}

// pushBatch folds each queued file edit into its document and uploads the
// resulting change frames.
func (a *Agent) pushBatch(ctx context.Context, client *Client, batch map[string]EventOp) error {
	for path, op := range batch {
		var err error
		switch op {
		case OpDelete:
			err = a.handleLocalDelete(path)
		case OpModify:
			err = a.pushLocalEdit(ctx, client, path)
		}
		if err != nil {
			return fmt.Errorf("failed to sync %s: %w", path, err)
		}
	}
	return nil
}

// handleLocalDelete drops the local tracking row. Deletions do not
// propagate: the document stays on the relay and on other devices, and a
// later list sync re-materializes it here under its indexed name.
func (a *Agent) handleLocalDelete(path string) error {
	cp, err := model.Canonicalize(a.cfg.ContentDir(), path)
	if err != nil {
		return nil
	}
	row, err := a.store.GetByPath(cp.RelativePath)
	if err != nil || row == nil {
		return err
	}
	a.logger.Printf("untracking deleted file %s", cp.RelativePath)
	return a.store.Delete(row.DocID)
}

func (a *Agent) pushLocalEdit(ctx context.Context, client *Client, path string) error {
	cp, err := model.Canonicalize(a.cfg.ContentDir(), path)
	if err != nil {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		// Deleted between the event and now.
		return nil
	}
	if info.Size() > a.cfg.Sync.MaxFileSize {
		a.logger.Printf("skipping %s: %d bytes exceeds the %d byte limit",
			cp.RelativePath, info.Size(), a.cfg.Sync.MaxFileSize)
		return nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// A materialized document can live at a renamed or fallback path, so
	// the tracked row decides the id; deriving it from the path only
	// covers files this device has never synced.
	row, err := a.store.GetByPath(cp.RelativePath)
	if err != nil {
		return err
	}
	docID := model.DocumentID(cp.RelativePath)
	if row != nil {
		docID = row.DocID
	}

	doc := model.NewDoc()
	isNew := true
	if row != nil && len(row.State) > 0 {
		if loaded, err := model.LoadDoc(row.State); err == nil {
			doc = loaded
			isNew = false
		} else {
			a.logger.Printf("stored state for %s is unreadable, restarting history: %v", docID, err)
		}
	}

	// Identical content folds to nothing; skip before touching history.
	// This also breaks the feedback loop from our own materialized writes.
	hash := store.HashContent(content)
	if !isNew && (row.ContentHash == hash || doc.Extract(cp.Kind) == string(content)) {
		return nil
	}

	heads := doc.Heads()
	if err := doc.Fold(cp.Kind, string(content)); err != nil {
		return err
	}
	frames, err := doc.ChangesSince(heads)
	if err != nil {
		return err
	}

	if len(frames) > 0 {
		encrypted := make([][]byte, len(frames))
		for i, frame := range frames {
			if encrypted[i], err = crypto.Encrypt(frame, a.key); err != nil {
				return err
			}
		}
		if err := client.Send(ctx, protocol.PushChanges{
			DocID:    docID,
			DeviceID: a.cfg.Sync.DeviceID,
			Changes:  encrypted,
		}); err != nil {
			return err
		}
	}
	if isNew {
		if err := a.pushSnapshot(ctx, client, docID, cp.RelativePath, doc); err != nil {
			return err
		}
	}

	next := &store.Document{
		DocID:       docID,
		FilePath:    cp.RelativePath,
		Kind:        cp.Kind,
		State:       doc.Save(),
		ContentHash: hash,
		Owner:       a.cfg.Auth.Email,
	}
	if row != nil {
		next.Writers, next.Readers = row.Writers, row.Readers
	}
	return a.store.Put(next)
}

func (a *Agent) pushSnapshot(ctx context.Context, client *Client, docID, relativePath string, doc *model.Doc) error {
	encName, err := crypto.Encrypt([]byte(relativePath), a.key)
	if err != nil {
		return err
	}
	encSnap, err := crypto.Encrypt(doc.Save(), a.key)
	if err != nil {
		return err
	}
	return client.Send(ctx, protocol.PushSnapshot{
		DocID:    docID,
		Filename: encName,
		Snapshot: encSnap,
	})
}

func (a *Agent) handleServerMessage(ctx context.Context, client *Client, msg protocol.ServerMessage) error {
	switch m := msg.(type) {
	case protocol.Authenticated:
		return nil

	case protocol.DocumentList:
		indexed := make(map[string]bool, len(m.Documents))
		for _, info := range m.Documents {
			indexed[info.DocID] = true
			row, err := a.store.Get(info.DocID)
			if err != nil {
				return err
			}
			if row == nil || info.UpdatedAt.After(row.UpdatedAt) {
				if err := client.Send(ctx, protocol.RequestSnapshot{DocID: info.DocID}); err != nil {
					return err
				}
			}
		}
		return a.seedMissing(ctx, client, indexed)

	case protocol.Snapshot:
		return a.handleSnapshot(m)

	case protocol.NewChanges:
		return a.handleNewChanges(m)

	case protocol.RequestCompaction:
		row, err := a.store.Get(m.DocID)
		if err != nil || row == nil {
			return err
		}
		doc, err := model.LoadDoc(row.State)
		if err != nil {
			return err
		}
		a.logger.Printf("compacting %s on relay request", m.DocID)
		return a.pushSnapshot(ctx, client, m.DocID, row.FilePath, doc)

	default:
		return fmt.Errorf("unhandled message %T", msg)
	}
}

// seedMissing uploads snapshots for tracked documents the relay does not
// index, so a fresh or wiped relay relearns the full document set.
func (a *Agent) seedMissing(ctx context.Context, client *Client, indexed map[string]bool) error {
	local, err := a.store.List()
	if err != nil {
		return err
	}
	for _, row := range local {
		if indexed[row.DocID] {
			continue
		}
		doc, err := model.LoadDoc(row.State)
		if err != nil {
			a.logger.Printf("cannot seed %s, stored state unreadable: %v", row.DocID, err)
			continue
		}
		a.logger.Printf("seeding relay with %s", row.FilePath)
		if err := a.pushSnapshot(ctx, client, row.DocID, row.FilePath, doc); err != nil {
			return err
		}
	}
	return nil
}

// handleSnapshot materializes a document this device has never seen, or
// merges the relay's state into one it already tracks. Merging keeps any
// unpushed local edits while landing edits that were compacted into the
// snapshot and so no longer exist as change frames.
func (a *Agent) handleSnapshot(m protocol.Snapshot) error {
	row, err := a.store.Get(m.DocID)
	if err != nil {
		return err
	}

	doc := model.NewDoc()
	if len(m.Snapshot) > 0 {
		state, err := crypto.Decrypt(m.Snapshot, a.key)
		if err != nil {
			return fmt.Errorf("cannot decrypt snapshot for %s: %w", m.DocID, err)
		}
		if doc, err = model.LoadDoc(state); err != nil {
			return fmt.Errorf("snapshot for %s is unreadable: %w", m.DocID, err)
		}
	}

	if row != nil {
		if local, err := model.LoadDoc(row.State); err == nil {
			if err := local.Merge(doc); err != nil {
				return err
			}
			doc = local
		} else {
			a.logger.Printf("stored state for %s is unreadable, adopting snapshot: %v", m.DocID, err)
		}
		text := doc.Extract(row.Kind)
		if err := a.writeContent(row.FilePath, text); err != nil {
			return err
		}
		row.State = doc.Save()
		row.ContentHash = store.HashContent([]byte(text))
		row.UpdatedAt = time.Now()
		return a.store.Put(row)
	}

	relativePath := a.decryptFilename(m.DocID, m.Filename)
	relativePath, err = a.store.EnsureUniquePath(m.DocID, relativePath)
	if err != nil {
		return err
	}

	kind := model.KindFromPath(relativePath)
	text := doc.Extract(kind)
	if err := a.writeContent(relativePath, text); err != nil {
		return err
	}
	a.logger.Printf("materialized %s as %s", m.DocID, relativePath)
	return a.store.Put(&store.Document{
		DocID:       m.DocID,
		FilePath:    relativePath,
		Kind:        kind,
		State:       doc.Save(),
		ContentHash: store.HashContent([]byte(text)),
		Owner:       a.cfg.Auth.Email,
	})
}

// decryptFilename recovers the relative path, falling back to a name built
// from the document id when the ciphertext is missing or undecipherable.
func (a *Agent) decryptFilename(docID string, encrypted []byte) string {
	if len(encrypted) > 0 {
		if name, err := crypto.Decrypt(encrypted, a.key); err == nil && len(name) > 0 {
			if cp, err := model.Canonicalize(a.cfg.ContentDir(), string(name)); err == nil {
				return cp.RelativePath
			}
		}
	}
	short := docID
	if len(short) > 8 {
		short = short[:8]
	}
	return "notes/" + short + ".md"
}

func (a *Agent) handleNewChanges(m protocol.NewChanges) error {
	// Our own frames echoed back carry nothing new.
	if m.DeviceID == a.cfg.Sync.DeviceID {
		return nil
	}
	row, err := a.store.Get(m.DocID)
	if err != nil {
		return err
	}
	if row == nil {
		// Changes for an unknown document; the next list sync requests
		// its snapshot.
		return nil
	}
	doc, err := model.LoadDoc(row.State)
	if err != nil {
		return err
	}

	frames := make([][]byte, 0, len(m.Changes))
	for _, enc := range m.Changes {
		plain, err := crypto.Decrypt(enc, a.key)
		if err != nil {
			a.logger.Printf("dropping undecipherable change for %s: %v", m.DocID, err)
			continue
		}
		frames = append(frames, plain)
	}
	applied, skipped, err := doc.ApplyChanges(frames)
	if err != nil {
		return err
	}
	if skipped > 0 {
		a.logger.Printf("skipped %d malformed changes for %s", skipped, m.DocID)
	}
	if applied == 0 {
		return nil
	}

	text := doc.Extract(row.Kind)
	if err := a.writeContent(row.FilePath, text); err != nil {
		return err
	}
	row.State = doc.Save()
	row.ContentHash = store.HashContent([]byte(text))
	row.UpdatedAt = time.Now()
	return a.store.Put(row)
}

// writeContent materializes document text at its relative path, atomically.
func (a *Agent) writeContent(relativePath, text string) error {
	full := filepath.Join(a.cfg.ContentDir(), filepath.FromSlash(relativePath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", relativePath, err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", relativePath, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", relativePath, err)
	}
	return nil
}

// Package model is the canonical document model shared by the sync agent
// and its tests: it maps filesystem paths to stable document ids and folds
// plain text into (and out of) CRDT documents.
//
// Document ids are UUIDv5 over the canonical relative path, so every device
// that sees the same file under its content root derives the same id
// without coordination.
package model

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

// Kind is the document type, derived from the leading path segment.
type Kind string

const (
	KindList Kind = "list"
	KindNote Kind = "note"
)

// KindFromPath derives the document kind from a canonical relative path.
// Anything outside lists/ is a note.
func KindFromPath(relativePath string) Kind {
	if relativePath == "lists" || strings.HasPrefix(relativePath, "lists/") {
		return KindList
	}
	return KindNote
}

// CanonicalPath is the resolved form of a file path under the content root.
type CanonicalPath struct {
	// FullPath is the absolute on-disk location.
	FullPath string
	// RelativePath is forward-slash, root-less; the sole input to
	// DocumentID and the name the server sees (encrypted).
	RelativePath string
	Kind         Kind
}

// Canonicalize resolves path against the content root. Absolute paths must
// lie inside the root; relative paths are taken as root-relative.
func Canonicalize(contentRoot, path string) (CanonicalPath, error) {
	root := filepath.Clean(contentRoot)
	var rel string
	if filepath.IsAbs(path) {
		r, err := filepath.Rel(root, filepath.Clean(path))
		if err != nil {
			return CanonicalPath{}, fmt.Errorf("path %s is not under content root %s: %w", path, root, err)
		}
		rel = r
	} else {
		rel = filepath.Clean(path)
	}
	rel = filepath.ToSlash(rel)
	rel = strings.TrimLeft(rel, "/")
	if rel == "" || rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return CanonicalPath{}, fmt.Errorf("path %s escapes content root %s", path, root)
	}
	return CanonicalPath{
		FullPath:     filepath.Join(root, filepath.FromSlash(rel)),
		RelativePath: rel,
		Kind:         KindFromPath(rel),
	}, nil
}

// DocumentID returns the stable id for a canonical relative path:
// uuid_v5(namespace=OID, name=relativePath).
func DocumentID(relativePath string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(relativePath)).String()
}

// Heads is an opaque marker of a document's causal frontier.
type Heads []automerge.ChangeHash

// Doc wraps a CRDT document. The rest of the codebase only sees the
// capability set {load, save, heads, changes-since, apply, merge, fold,
// extract}; the automerge types never leak past this package.
type Doc struct {
	am *automerge.Doc
}

// NewDoc returns an empty document.
func NewDoc() *Doc {
	return &Doc{am: automerge.New()}
}

// LoadDoc restores a document from serialized state.
func LoadDoc(state []byte) (*Doc, error) {
	am, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("failed to load document state: %w", err)
	}
	return &Doc{am: am}, nil
}

// Save serializes the full document state, usable as a snapshot baseline.
func (d *Doc) Save() []byte {
	return d.am.Save()
}

// Heads returns the current causal frontier.
func (d *Doc) Heads() Heads {
	return Heads(d.am.Heads())
}

// ChangesSince returns the raw change frames added after the given heads.
// Pass nil for the full history.
func (d *Doc) ChangesSince(since Heads) ([][]byte, error) {
	changes, err := d.am.Changes(since...)
	if err != nil {
		return nil, fmt.Errorf("failed to collect changes: %w", err)
	}
	raw := make([][]byte, 0, len(changes))
	for _, c := range changes {
		raw = append(raw, c.Save())
	}
	return raw, nil
}

// Merge folds the other document's history into d. Histories d already
// carries are no-ops, so merging keeps any changes other lacks.
func (d *Doc) Merge(other *Doc) error {
	if _, err := d.am.Merge(other.am); err != nil {
		return fmt.Errorf("failed to merge documents: %w", err)
	}
	return nil
}

// ApplyChanges parses each raw frame and applies every frame that parses,
// atomically. Unparseable frames are counted in skipped; if no frame
// parses the document is left untouched and applied is zero.
func (d *Doc) ApplyChanges(frames [][]byte) (applied, skipped int, err error) {
	var changes []*automerge.Change
	for _, raw := range frames {
		parsed, perr := automerge.LoadChanges(raw)
		if perr != nil {
			skipped++
			continue
		}
		changes = append(changes, parsed...)
	}
	if len(changes) == 0 {
		return 0, skipped, nil
	}
	if err := d.am.Apply(changes...); err != nil {
		return 0, skipped, fmt.Errorf("failed to apply changes: %w", err)
	}
	return len(changes), skipped, nil
}

// Fold writes text into the document per its kind. Lists replace the
// "items" collection with one entry per non-empty line; notes update the
// "content" text object to the new text. Fold is total on well-formed
// input: empty text yields an empty collection or empty text.
func (d *Doc) Fold(kind Kind, text string) error {
	var err error
	switch kind {
	case KindList:
		err = d.foldList(text)
	default:
		err = d.foldNote(text)
	}
	if err != nil {
		return err
	}
	// Empty commits (text identical to current state) are not an error.
	_, _ = d.am.Commit("lst: fold " + string(kind))
	return nil
}

func (d *Doc) foldList(text string) error {
	items := []string{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			items = append(items, line)
		}
	}
	if err := d.am.Path("items").Set(items); err != nil {
		return fmt.Errorf("failed to set list items: %w", err)
	}
	return nil
}

func (d *Doc) foldNote(text string) error {
	v, err := d.am.Path("content").Get()
	if err == nil && v.Kind() == automerge.KindText {
		if err := v.Text().Set(text); err != nil {
			return fmt.Errorf("failed to update note text: %w", err)
		}
		return nil
	}
	if err := d.am.Path("content").Set(automerge.NewText(text)); err != nil {
		return fmt.Errorf("failed to create note text: %w", err)
	}
	return nil
}

// Extract is the inverse reader: list items joined with newlines, or the
// note text. Unknown kinds read as notes; a document missing the expected
// key extracts to the empty string.
func (d *Doc) Extract(kind Kind) string {
	if kind == KindList {
		items, err := automerge.As[[]string](d.am.Path("items").Get())
		if err != nil {
			return ""
		}
		return strings.Join(items, "\n")
	}
	v, err := d.am.Path("content").Get()
	if err != nil {
		return ""
	}
	switch v.Kind() {
	case automerge.KindText:
		s, err := v.Text().Get()
		if err != nil {
			return ""
		}
		return s
	case automerge.KindStr:
		return v.Str()
	default:
		return ""
	}
}

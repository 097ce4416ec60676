// Package store is the endpoint agent's durable state: one SQLite database
// mapping document ids to their canonical file path, kind, and serialized
// CRDT state.
//
// The database is opened with WAL mode and a single writer connection; the
// agent's sync loop is the only writer, so every mutation observes the
// previous one.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/lst-sh/lst/internal/model"
)

// Document is one tracked file and its CRDT state.
type Document struct {
	DocID       string
	FilePath    string // canonical relative path under the content root
	Kind        model.Kind
	State       []byte // serialized CRDT document
	ContentHash string // hex sha256 of the file content at the last sync
	Owner       string // account email that owns the document
	Writers     []string
	Readers     []string // share lists; recorded here, not yet enforced
	UpdatedAt   time.Time
}

// HashContent returns the hex sha256 of file content, kept per document so
// an unchanged file is recognized without folding it.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store wraps the endpoint sync database.
type Store struct {
	conn *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	doc_id       TEXT PRIMARY KEY,
	file_path    TEXT NOT NULL UNIQUE,
	doc_type     TEXT NOT NULL,
	state        BLOB,
	content_hash TEXT NOT NULL DEFAULT '',
	owner        TEXT NOT NULL DEFAULT '',
	writers      TEXT NOT NULL DEFAULT '[]',
	readers      TEXT NOT NULL DEFAULT '[]',
	updated_at   INTEGER NOT NULL
);
`

const docColumns = `doc_id, file_path, doc_type, state, content_hash, owner, writers, readers, updated_at`

// Open creates or opens the sync database at path. The caller must Close.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Single writer; the sync loop owns all mutations.
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn, path: path}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}
	if _, err := s.conn.Exec(schema); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// Put inserts or replaces the row for doc.DocID.
func (s *Store) Put(doc *Document) error {
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now()
	}
	_, err := s.conn.Exec(`
		INSERT INTO documents (`+docColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			file_path    = excluded.file_path,
			doc_type     = excluded.doc_type,
			state        = excluded.state,
			content_hash = excluded.content_hash,
			owner        = excluded.owner,
			writers      = excluded.writers,
			readers      = excluded.readers,
			updated_at   = excluded.updated_at`,
		doc.DocID, doc.FilePath, string(doc.Kind), doc.State, doc.ContentHash,
		doc.Owner, marshalList(doc.Writers), marshalList(doc.Readers), doc.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to store document %s: %w", doc.DocID, err)
	}
	return nil
}

// Get returns the document with the given id, or nil if untracked.
func (s *Store) Get(docID string) (*Document, error) {
	return s.scanOne(`SELECT `+docColumns+` FROM documents WHERE doc_id = ?`, docID)
}

// GetByPath returns the document tracked at the given relative path, or nil.
func (s *Store) GetByPath(relativePath string) (*Document, error) {
	return s.scanOne(`SELECT `+docColumns+` FROM documents WHERE file_path = ?`, relativePath)
}

func (s *Store) scanOne(query string, arg string) (*Document, error) {
	var (
		doc              Document
		kind             string
		writers, readers string
		unix             int64
	)
	err := s.conn.QueryRow(query, arg).Scan(&doc.DocID, &doc.FilePath, &kind,
		&doc.State, &doc.ContentHash, &doc.Owner, &writers, &readers, &unix)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	doc.Kind = model.Kind(kind)
	doc.Writers = unmarshalList(writers)
	doc.Readers = unmarshalList(readers)
	doc.UpdatedAt = time.Unix(unix, 0)
	return &doc, nil
}

func marshalList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalList(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return nil
	}
	return items
}

// Delete removes the row for docID. Deleting an untracked id is a no-op.
func (s *Store) Delete(docID string) error {
	if _, err := s.conn.Exec(`DELETE FROM documents WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", docID, err)
	}
	return nil
}

// List returns all tracked documents ordered by path.
func (s *Store) List() ([]*Document, error) {
	rows, err := s.conn.Query(`SELECT ` + docColumns + ` FROM documents ORDER BY file_path`)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		var (
			doc              Document
			kind             string
			writers, readers string
			unix             int64
		)
		if err := rows.Scan(&doc.DocID, &doc.FilePath, &kind, &doc.State,
			&doc.ContentHash, &doc.Owner, &writers, &readers, &unix); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		doc.Kind = model.Kind(kind)
		doc.Writers = unmarshalList(writers)
		doc.Readers = unmarshalList(readers)
		doc.UpdatedAt = time.Unix(unix, 0)
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

// EnsureUniquePath resolves a path collision for an incoming document: if
// relativePath is already tracked under a different doc id, it returns the
// path with the first 8 characters of docID spliced in before the
// extension. Otherwise the path comes back unchanged.
func (s *Store) EnsureUniquePath(docID, relativePath string) (string, error) {
	existing, err := s.GetByPath(relativePath)
	if err != nil {
		return "", err
	}
	if existing == nil || existing.DocID == docID {
		return relativePath, nil
	}
	return RenameForID(relativePath, docID), nil
}

// RenameForID returns relativePath with a short id suffix before the
// extension: notes/todo.md becomes notes/todo_1a2b3c4d.md.
func RenameForID(relativePath, docID string) string {
	short := strings.ReplaceAll(docID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	ext := filepath.Ext(relativePath)
	base := strings.TrimSuffix(relativePath, ext)
	return base + "_" + short + ext
}

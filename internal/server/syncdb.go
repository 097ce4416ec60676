package server

import (
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"golang.org/x/crypto/argon2"
)

// ErrUnauthorized is returned when credentials or tokens do not check out.
var ErrUnauthorized = errors.New("unauthorized")

// SyncDB is the relay's durable state: user accounts, short-lived login
// tokens, and the per-user document index with its encrypted payloads.
// Payload columns (filename, snapshot, change frames) hold ciphertext the
// relay cannot read.
type SyncDB struct {
	conn *sql.DB
}

const syncSchema = `
CREATE TABLE IF NOT EXISTS users (
	email         TEXT PRIMARY KEY,
	password_hash BLOB NOT NULL,
	salt          BLOB NOT NULL,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_tokens (
	token      TEXT PRIMARY KEY,
	email      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	doc_id             TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	filename           BLOB,
	encrypted_snapshot BLOB,
	updated_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id);

CREATE TABLE IF NOT EXISTS document_permissions (
	doc_id  TEXT NOT NULL,
	user_id TEXT NOT NULL,
	PRIMARY KEY (doc_id, user_id)
);

CREATE TABLE IF NOT EXISTS document_changes (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	doc_id     TEXT NOT NULL,
	device_id  TEXT NOT NULL,
	change     BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_changes_doc ON document_changes(doc_id);
`

// OpenSyncDB opens or creates the relay database at path.
func OpenSyncDB(path string) (*SyncDB, error) {
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
	conn.SetMaxOpenConns(1)

	db := &SyncDB{conn: conn}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}
	if _, err := db.conn.Exec(syncSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// Close checkpoints and closes the database.
func (db *SyncDB) Close() error {
	if db.conn == nil {
		return nil
	}
	_, _ = db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	err := db.conn.Close()
	db.conn = nil
	return err
}

// VerifyOrCreateUser checks the client password pre-hash for email,
// creating the account on first contact. The pre-hash is never stored as
// received: it is re-hashed with a random per-user salt, so a copy of the
// relay database alone cannot replay a login. A mismatch on an existing
// account returns ErrUnauthorized.
func (db *SyncDB) VerifyOrCreateUser(email, passwordHash string) error {
	var (
		stored []byte
		salt   []byte
	)
	err := db.conn.QueryRow(`SELECT password_hash, salt FROM users WHERE email = ?`, email).
		Scan(&stored, &salt)
	if err == sql.ErrNoRows {
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("failed to generate user salt: %w", err)
		}
		_, err = db.conn.Exec(`INSERT INTO users (email, password_hash, salt, created_at) VALUES (?, ?, ?, ?)`,
			email, hashServerSide(passwordHash, salt), salt, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up user: %w", err)
	}
	if subtle.ConstantTimeCompare(stored, hashServerSide(passwordHash, salt)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

func hashServerSide(passwordHash string, salt []byte) []byte {
	return argon2.IDKey([]byte(passwordHash), salt, 2, 19*1024, 1, 32)
}

// InsertToken records a login token for email with the given lifetime. An
// account holds at most one live token; re-requesting replaces it.
func (db *SyncDB) InsertToken(token, email string, ttl time.Duration) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM auth_tokens WHERE email = ?`, email); err != nil {
		return fmt.Errorf("failed to replace auth token: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO auth_tokens (token, email, expires_at) VALUES (?, ?, ?)`,
		token, email, time.Now().Add(ttl).Unix()); err != nil {
		return fmt.Errorf("failed to store auth token: %w", err)
	}
	return tx.Commit()
}

// ConsumeToken removes the token and returns its email. Expired or unknown
// tokens return ErrUnauthorized; a token can only be consumed once.
func (db *SyncDB) ConsumeToken(token, email string) error {
	var (
		storedEmail string
		expiresAt   int64
	)
	err := db.conn.QueryRow(`SELECT email, expires_at FROM auth_tokens WHERE token = ?`, token).
		Scan(&storedEmail, &expiresAt)
	if err == sql.ErrNoRows {
		return ErrUnauthorized
	}
	if err != nil {
		return fmt.Errorf("failed to look up auth token: %w", err)
	}
	if _, err := db.conn.Exec(`DELETE FROM auth_tokens WHERE token = ?`, token); err != nil {
		return fmt.Errorf("failed to consume auth token: %w", err)
	}
	if storedEmail != email || time.Now().Unix() > expiresAt {
		return ErrUnauthorized
	}
	return nil
}

// PruneExpiredTokens drops tokens past their lifetime.
func (db *SyncDB) PruneExpiredTokens() error {
	_, err := db.conn.Exec(`DELETE FROM auth_tokens WHERE expires_at < ?`, time.Now().Unix())
	return err
}

// DocumentRow is one index entry returned to a syncing device.
type DocumentRow struct {
	DocID     string
	Filename  []byte
	UpdatedAt time.Time
}

// ListDocuments returns the document index visible to userID.
func (db *SyncDB) ListDocuments(userID string) ([]DocumentRow, error) {
	rows, err := db.conn.Query(`
		SELECT doc_id, filename, updated_at FROM documents WHERE user_id = ?
		UNION
		SELECT d.doc_id, d.filename, d.updated_at
		FROM documents d JOIN document_permissions p ON p.doc_id = d.doc_id
		WHERE p.user_id = ?
		ORDER BY doc_id`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []DocumentRow
	for rows.Next() {
		var (
			row  DocumentRow
			unix int64
		)
		if err := rows.Scan(&row.DocID, &row.Filename, &unix); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		row.UpdatedAt = time.Unix(unix, 0).UTC()
		docs = append(docs, row)
	}
	return docs, rows.Err()
}

// CanAccess reports whether userID owns or has been granted docID. Unknown
// documents are accessible: the first push claims them.
func (db *SyncDB) CanAccess(docID, userID string) (bool, error) {
	var owner string
	err := db.conn.QueryRow(`SELECT user_id FROM documents WHERE doc_id = ?`, docID).Scan(&owner)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check document owner: %w", err)
	}
	if owner == userID {
		return true, nil
	}
	var n int
	err = db.conn.QueryRow(`SELECT COUNT(*) FROM document_permissions WHERE doc_id = ? AND user_id = ?`,
		docID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check document permission: %w", err)
	}
	return n > 0, nil
}

// SaveSnapshot stores a new snapshot baseline for docID, claiming the
// document for userID if it is new, and truncates the change log: the
// snapshot subsumes every stored change.
func (db *SyncDB) SaveSnapshot(docID, userID string, filename, snapshot []byte) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO documents (doc_id, user_id, filename, encrypted_snapshot, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			filename           = excluded.filename,
			encrypted_snapshot = excluded.encrypted_snapshot,
			updated_at         = excluded.updated_at`,
		docID, userID, filename, snapshot, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM document_changes WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("failed to truncate change log: %w", err)
	}
	return tx.Commit()
}

// GetSnapshot returns the stored filename and snapshot for docID, with any
// change frames appended after the snapshot was taken. A nil row means the
// document is unknown.
func (db *SyncDB) GetSnapshot(docID string) (filename, snapshot []byte, changes [][]byte, err error) {
	err = db.conn.QueryRow(`SELECT filename, encrypted_snapshot FROM documents WHERE doc_id = ?`, docID).
		Scan(&filename, &snapshot)
	if err == sql.ErrNoRows {
		return nil, nil, nil, nil
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	rows, err := db.conn.Query(`SELECT change FROM document_changes WHERE doc_id = ? ORDER BY id`, docID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load changes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c []byte
		if err := rows.Scan(&c); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to scan change: %w", err)
		}
		changes = append(changes, c)
	}
	return filename, snapshot, changes, rows.Err()
}

// AppendChanges stores change frames for docID in arrival order, creating
// the index row (owned by userID, no snapshot yet) if needed. It returns
// the total number of stored changes so the caller can decide whether to
// ask for compaction.
func (db *SyncDB) AppendChanges(docID, userID, deviceID string, changes [][]byte) (int, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	_, err = tx.Exec(`
		INSERT INTO documents (doc_id, user_id, filename, encrypted_snapshot, updated_at)
		VALUES (?, ?, NULL, NULL, ?)
		ON CONFLICT(doc_id) DO UPDATE SET updated_at = excluded.updated_at`,
		docID, userID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to touch document: %w", err)
	}

	for _, c := range changes {
		if _, err := tx.Exec(`INSERT INTO document_changes (doc_id, device_id, change, created_at)
			VALUES (?, ?, ?, ?)`, docID, deviceID, c, now); err != nil {
			return 0, fmt.Errorf("failed to append change: %w", err)
		}
	}

	var total int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM document_changes WHERE doc_id = ?`, docID).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count changes: %w", err)
	}
	return total, tx.Commit()
}

// GrantAccess lets granteeID sync docID alongside its owner.
func (db *SyncDB) GrantAccess(docID, granteeID string) error {
	_, err := db.conn.Exec(`INSERT OR IGNORE INTO document_permissions (doc_id, user_id) VALUES (?, ?)`,
		docID, granteeID)
	if err != nil {
		return fmt.Errorf("failed to grant access: %w", err)
	}
	return nil
}

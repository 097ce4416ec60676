// Package server implements the lst relay: account login with short-lived
// word tokens, JWT session bearers, and the websocket sync endpoint that
// stores and fans out end-to-end encrypted documents.
//
// The relay is content-blind. It indexes documents by id and owner, stores
// whatever ciphertext devices push, and forwards change frames to the
// user's other live sessions. Decryption only ever happens on endpoints.
package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/lst-sh/lst/internal/config"
	"github.com/lst-sh/lst/internal/protocol"
)

// compactionThreshold is the stored-change count past which the relay asks
// the pushing device for a fresh snapshot.
const compactionThreshold = 100

// Server is the relay process.
type Server struct {
	cfg       config.ServerSettings
	db        *SyncDB
	hub       *hub
	jwtSecret []byte

	listener net.Listener
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New creates a relay server around an open SyncDB. If no JWT secret is
// configured a random one is generated; sessions then do not survive a
// restart.
func New(cfg config.ServerSettings, db *SyncDB, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		logger.Printf("no jwt_secret configured; using an ephemeral secret")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		db:        db,
		hub:       newHub(),
		jwtSecret: secret,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}, nil
}

// Start begins listening. It returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr(), err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/auth/request", s.handleAuthRequest)
	mux.HandleFunc("/api/auth/verify", s.handleAuthVerify)
	mux.HandleFunc("/api/sync", s.handleSync)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("relay listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("server error: %v", err)
		}
	}()

	// Expired login tokens accumulate otherwise.
	s.wg.Add(1)
	go s.pruneLoop()

	return nil
}

// Stop shuts the server down and waits for the session goroutines.
func (s *Server) Stop() error {
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.wg.Wait()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr()
}

func (s *Server) pruneLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.db.PruneExpiredTokens(); err != nil {
				s.logger.Printf("failed to prune tokens: %v", err)
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, "OK")
}

type authRequestBody struct {
	Email        string `json:"email"`
	Host         string `json:"host"` // requesting device's hostname, informational
	PasswordHash string `json:"password_hash"`
}

type authRequestResponse struct {
	Token     string    `json:"token"`
	LoginURL  string    `json:"login_url"`
	QRPNG     string    `json:"qr_png_base64"` // PNG of LoginURL
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAuthRequest verifies the account password (creating the account on
// first contact) and hands back a short-lived login token, both as text
// and as a QR-encoded lst-login:// URL for a second device to scan.
func (s *Server) handleAuthRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body authRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	email := strings.ToLower(strings.TrimSpace(body.Email))
	if email == "" || !strings.Contains(email, "@") || body.PasswordHash == "" {
		http.Error(w, "email and password are required", http.StatusBadRequest)
		return
	}

	if err := s.db.VerifyOrCreateUser(email, body.PasswordHash); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		s.logger.Printf("auth request for %s failed: %v", email, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	token, err := GenerateToken()
	if err != nil {
		s.logger.Printf("token generation failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := s.db.InsertToken(token, email, TokenTTL); err != nil {
		s.logger.Printf("failed to store token for %s: %v", email, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	loginURL := fmt.Sprintf("lst-login://authenticate?email=%s&token=%s",
		url.QueryEscape(email), url.QueryEscape(token))
	png, err := qrcode.Encode(loginURL, qrcode.Medium, 256)
	if err != nil {
		s.logger.Printf("failed to render login QR: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if body.Host != "" {
		s.logger.Printf("issued login token for %s from %s", email, body.Host)
	} else {
		s.logger.Printf("issued login token for %s", email)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(authRequestResponse{
		Token:     token,
		LoginURL:  loginURL,
		QRPNG:     base64.StdEncoding.EncodeToString(png),
		ExpiresAt: time.Now().Add(TokenTTL).UTC(),
	})
}

type authVerifyBody struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

type authVerifyResponse struct {
	JWT       string    `json:"jwt"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAuthVerify redeems a login token for a session JWT. Tokens are
// single use and expire after TokenTTL.
func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body authVerifyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	email := strings.ToLower(strings.TrimSpace(body.Email))
	token := strings.ToUpper(strings.TrimSpace(body.Token))
	if email == "" || !ValidTokenFormat(token) {
		http.Error(w, "email and token are required", http.StatusBadRequest)
		return
	}

	if err := s.db.ConsumeToken(token, email); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}
		s.logger.Printf("token verify for %s failed: %v", email, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	jwt, expiresAt, err := IssueJWT(s.jwtSecret, email, time.Now())
	if err != nil {
		s.logger.Printf("failed to issue JWT for %s: %v", email, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.logger.Printf("login verified for %s", email)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(authVerifyResponse{JWT: jwt, ExpiresAt: expiresAt.UTC()})
}

// handleSync upgrades to a websocket sync session. A valid Bearer header
// authenticates the session up front, making the Authenticate message
// optional; without one the session must open with Authenticate.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var email string
	if auth := r.Header.Get("Authorization"); auth != "" {
		bearer := strings.TrimPrefix(auth, "Bearer ")
		verified, err := VerifyJWT(s.jwtSecret, bearer)
		if err != nil {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		email = verified
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSession(conn, email)
	}()
}

func (s *Server) runSession(conn *websocket.Conn, email string) {
	defer conn.Close(websocket.StatusNormalClosure, "")

	sess := &session{conn: conn}

	if email == "" {
		var err error
		email, err = s.awaitAuthenticate(sess)
		if err != nil {
			s.logger.Printf("session rejected: %v", err)
			conn.Close(websocket.StatusPolicyViolation, "authentication required")
			return
		}
	}
	sess.userID = email
	s.hub.add(sess)
	defer s.hub.remove(sess)
	s.logger.Printf("sync session opened for %s (%d live)", email, s.hub.sessionCount())

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			s.logger.Printf("sync session closed for %s: %v", email, err)
			return
		}
		msg, err := protocol.DecodeClient(data)
		if err != nil {
			s.logger.Printf("bad message from %s: %v", email, err)
			continue
		}
		if err := s.dispatch(sess, msg); err != nil {
			s.logger.Printf("request from %s failed: %v", email, err)
		}
	}
}

func (s *Server) awaitAuthenticate(sess *session) (string, error) {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	_, data, err := sess.conn.Read(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read opening message: %w", err)
	}
	msg, err := protocol.DecodeClient(data)
	if err != nil {
		return "", err
	}
	auth, ok := msg.(protocol.Authenticate)
	if !ok {
		return "", fmt.Errorf("expected Authenticate, got %T", msg)
	}

	email, err := VerifyJWT(s.jwtSecret, auth.Token)
	if err != nil {
		_ = s.send(sess, protocol.Authenticated{Success: false})
		return "", err
	}
	if err := s.send(sess, protocol.Authenticated{Success: true}); err != nil {
		return "", err
	}
	return email, nil
}

func (s *Server) dispatch(sess *session, msg protocol.ClientMessage) error {
	switch m := msg.(type) {
	case protocol.Authenticate:
		// Re-authentication mid-session; refreshes nothing but is harmless.
		_, err := VerifyJWT(s.jwtSecret, m.Token)
		return s.send(sess, protocol.Authenticated{Success: err == nil})

	case protocol.RequestDocumentList:
		rows, err := s.db.ListDocuments(sess.userID)
		if err != nil {
			return err
		}
		list := protocol.DocumentList{Documents: make([]protocol.DocumentInfo, 0, len(rows))}
		for _, row := range rows {
			list.Documents = append(list.Documents, protocol.DocumentInfo{
				DocID:     row.DocID,
				Filename:  row.Filename,
				UpdatedAt: row.UpdatedAt,
			})
		}
		return s.send(sess, list)

	case protocol.RequestSnapshot:
		if err := s.requireAccess(m.DocID, sess.userID); err != nil {
			return err
		}
		filename, snapshot, changes, err := s.db.GetSnapshot(m.DocID)
		if err != nil {
			return err
		}
		if err := s.send(sess, protocol.Snapshot{DocID: m.DocID, Filename: filename, Snapshot: snapshot}); err != nil {
			return err
		}
		// Changes stored after the snapshot ride along so the device
		// catches up in one round trip.
		if len(changes) > 0 {
			return s.send(sess, protocol.NewChanges{DocID: m.DocID, Changes: changes})
		}
		return nil

	case protocol.PushChanges:
		if len(m.Changes) == 0 {
			return nil
		}
		if err := s.requireAccess(m.DocID, sess.userID); err != nil {
			return err
		}
		sess.deviceID = m.DeviceID
		total, err := s.db.AppendChanges(m.DocID, sess.userID, m.DeviceID, m.Changes)
		if err != nil {
			return err
		}
		s.fanOut(sess, protocol.NewChanges{DocID: m.DocID, DeviceID: m.DeviceID, Changes: m.Changes})
		if total > compactionThreshold {
			return s.send(sess, protocol.RequestCompaction{DocID: m.DocID})
		}
		return nil

	case protocol.PushSnapshot:
		if err := s.requireAccess(m.DocID, sess.userID); err != nil {
			return err
		}
		return s.db.SaveSnapshot(m.DocID, sess.userID, m.Filename, m.Snapshot)

	default:
		return fmt.Errorf("unhandled message %T", msg)
	}
}

func (s *Server) requireAccess(docID, userID string) error {
	ok, err := s.db.CanAccess(docID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("user %s may not access document %s: %w", userID, docID, ErrUnauthorized)
	}
	return nil
}

func (s *Server) send(sess *session, msg protocol.ServerMessage) error {
	data, err := protocol.EncodeServer(msg)
	if err != nil {
		return err
	}
	return sess.write(s.ctx, data)
}

// fanOut delivers msg to the user's other live sessions. Send failures
// only affect the failing session; its read loop will notice the close.
func (s *Server) fanOut(from *session, msg protocol.ServerMessage) {
	data, err := protocol.EncodeServer(msg)
	if err != nil {
		s.logger.Printf("failed to encode fan-out: %v", err)
		return
	}
	for _, peer := range s.hub.peers(from.userID, from) {
		if err := peer.write(s.ctx, data); err != nil {
			s.logger.Printf("fan-out to a session of %s failed: %v", from.userID, err)
		}
	}
}

package server

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// session is one authenticated websocket connection.
type session struct {
	userID   string
	deviceID string // set once the first PushChanges arrives; best effort
	conn     *websocket.Conn

	writeMu sync.Mutex
}

// write sends one text frame, serialized per session so concurrent fan-out
// and reply writes never interleave on the wire.
func (s *session) write(ctx context.Context, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// hub tracks the live sessions of every user so pushed changes can fan out
// to the user's other devices.
type hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*session]bool // userID -> sessions
}

func newHub() *hub {
	return &hub{sessions: make(map[string]map[*session]bool)}
}

func (h *hub) add(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.userID] == nil {
		h.sessions[s.userID] = make(map[*session]bool)
	}
	h.sessions[s.userID][s] = true
}

func (h *hub) remove(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions[s.userID], s)
	if len(h.sessions[s.userID]) == 0 {
		delete(h.sessions, s.userID)
	}
}

// peers returns the user's sessions other than exclude.
func (h *hub) peers(userID string, exclude *session) []*session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*session
	for s := range h.sessions[userID] {
		if s != exclude {
			out = append(out, s)
		}
	}
	return out
}

func (h *hub) sessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.sessions {
		n += len(set)
	}
	return n
}

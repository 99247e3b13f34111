package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fcartres/proyectofinal-sub001/internal/observability"
)

type jsonConn interface {
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// session is one connected client; writes are serialized.
type session struct {
	conn jsonConn
	mu   sync.Mutex
}

func (s *session) send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(ev)
}

// Hub pushes events to the websocket sessions of the users they concern.
type Hub struct {
	mu       sync.RWMutex
	sessions map[int64]map[*session]struct{}
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{sessions: make(map[int64]map[*session]struct{}), logger: logger}
}

// Add registers conn for userID and returns a func that unregisters it.
func (h *Hub) Add(userID int64, conn *websocket.Conn) func() {
	return h.add(userID, conn)
}

func (h *Hub) add(userID int64, conn jsonConn) func() {
	s := &session{conn: conn}
	h.mu.Lock()
	if h.sessions[userID] == nil {
		h.sessions[userID] = make(map[*session]struct{})
	}
	h.sessions[userID][s] = struct{}{}
	h.mu.Unlock()
	observability.WSSessions.Inc()
	return func() { h.remove(userID, s) }
}

func (h *Hub) remove(userID int64, s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[userID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.sessions, userID)
	}
	_ = s.conn.Close()
	observability.WSSessions.Dec()
}

func (h *Hub) Connected(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

// Publish delivers ev to every session of ev.UserIDs. Sessions that fail a
// write are dropped; delivery to users without a session is skipped.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	type target struct {
		userID int64
		s      *session
	}
	var targets []target
	h.mu.RLock()
	for _, id := range ev.UserIDs {
		for s := range h.sessions[id] {
			targets = append(targets, target{id, s})
		}
	}
	h.mu.RUnlock()

	for _, t := range targets {
		if err := t.s.send(ev); err != nil {
			h.logger.Debug("ws send failed", "user_id", t.userID, "error", err)
			h.remove(t.userID, t.s)
			record("ws", err)
			continue
		}
		record("ws", nil)
	}
	return nil
}

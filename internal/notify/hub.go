// Package notify pushes job progress to the initiating user over websockets.
// Delivery is fire-and-forget: a dead or absent connection never fails a job.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"visualization/internal/domain"
	"visualization/internal/infra"
)

const writeTimeout = 5 * time.Second

type message struct {
	Type    string             `json:"type"`
	JobID   string             `json:"job_id,omitempty"`
	Message string             `json:"message,omitempty"`
	Data    *domain.Progress   `json:"data,omitempty"`
	Summary *domain.JobSummary `json:"summary,omitempty"`
}

// session is one registered websocket connection. gorilla/websocket permits
// at most one concurrent writer per Conn, so every frame goes through the
// session's write mutex: notifications arrive from many worker goroutines.
type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) write(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Hub tracks websocket connections per user and fans progress out to all of a
// user's open sessions.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]map[*session]struct{}
	upgrader websocket.Upgrader
	logger   infra.Logger
}

// NewHub creates an empty hub.
func NewHub(logger infra.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]map[*session]struct{}),
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and registers it under the user_id query
// parameter until the peer disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("notify: websocket upgrade failed")
		return
	}
	sess := &session{conn: conn}
	h.register(userID, sess)
	h.logger.Debug().Str("user_id", userID).Msg("notify: client connected")

	// Drain reads so pings and close frames are processed; we never expect
	// payloads from the client.
	go func() {
		defer h.unregister(userID, sess)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// NotifyProgress pushes a progress update to every session of the user.
func (h *Hub) NotifyProgress(ctx context.Context, userID string, p domain.Progress) {
	h.send(userID, message{Type: "job_progress", JobID: p.JobID, Data: &p})
}

// NotifyCompleted pushes the final summary of a completed job.
func (h *Hub) NotifyCompleted(ctx context.Context, userID string, s domain.JobSummary) {
	h.send(userID, message{Type: "job_completed", JobID: s.JobID, Summary: &s})
}

// NotifyFailed pushes a failure notice.
func (h *Hub) NotifyFailed(ctx context.Context, userID, jobID, msg string) {
	h.send(userID, message{Type: "job_failed", JobID: jobID, Message: msg})
}

func (h *Hub) send(userID string, msg message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("notify: encode message")
		return
	}

	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions[userID]))
	for s := range h.sessions[userID] {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.write(payload); err != nil {
			h.logger.Debug().Err(err).Str("user_id", userID).Msg("notify: dropping dead connection")
			h.unregister(userID, sess)
		}
	}
}

func (h *Hub) register(userID string, sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[userID] == nil {
		h.sessions[userID] = make(map[*session]struct{})
	}
	h.sessions[userID][sess] = struct{}{}
}

func (h *Hub) unregister(userID string, sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.sessions[userID]; ok {
		if _, ok := set[sess]; ok {
			delete(set, sess)
			_ = sess.conn.Close()
		}
		if len(set) == 0 {
			delete(h.sessions, userID)
		}
	}
}

var _ domain.Notifier = (*Hub)(nil)

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flitsinc/go-sessions/internal/auth"
	"github.com/flitsinc/go-sessions/internal/event"
	"github.com/flitsinc/go-sessions/internal/history"
	"github.com/flitsinc/go-sessions/internal/idgen"
	"github.com/flitsinc/go-sessions/internal/registry"
	"github.com/flitsinc/go-sessions/internal/sessionbus"
)

// Server exposes the session update delivery surface: event appends
// from the task engine, the pull-channel status endpoint, and the
// push-channel websocket.
type Server struct {
	Bus      *sessionbus.Bus
	Registry *registry.Registry
	History  *history.Store
	Verifier *auth.Verifier // nil disables authentication
	Logger   *slog.Logger

	Conns *ConnManager
}

// StatusResponse is the canonical pull contract. Anything else the
// status endpoint might have carried historically is gone: consumers
// get exactly events-after-cursor plus a processing flag.
type StatusResponse struct {
	Messages     []event.Event `json:"messages"`
	IsProcessing bool          `json:"is_processing"`
	LastSeq      uint64        `json:"last_seq"`
}

func (s *Server) Handler() http.Handler {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Conns == nil {
		s.Conns = NewConnManager()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/sessions", s.handleCreate)
	mux.HandleFunc("/api/sessions/", s.handleSessions)
	mux.HandleFunc("/api/ws", s.handleWS)
	return mux
}

// handleCreate mints a session ID for producers that do not bring their
// own. The session itself materializes on first append or subscribe.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": idgen.New()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 2 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("session resource"))
		return
	}
	sessionID := segments[0]

	switch segments[1] {
	case "events":
		s.handleAppend(w, r, sessionID)
	case "status":
		s.handleStatus(w, r, sessionID)
	case "history":
		s.handleHistory(w, r, sessionID)
	default:
		writeError(w, http.StatusNotFound, errNotFound("session action"))
	}
}

// handleAppend lets the task engine publish one event into the bus.
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	var payload struct {
		Kind    event.Kind     `json:"kind"`
		Payload map[string]any `json:"payload"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	seq, err := s.Bus.Append(r.Context(), sessionID, payload.Kind, payload.Payload)
	if errors.Is(err, sessionbus.ErrSessionClosed) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Kind.Terminal() && s.Registry != nil {
		s.Registry.SessionCompleted(sessionID)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"seq": seq})
}

// handleStatus serves the pull channel: events after the caller's
// cursor plus the processing flag. Idempotent and safe to retry.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	cursor, err := parseCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap, err := s.Bus.Snapshot(sessionID, cursor)
	if errors.Is(err, sessionbus.ErrInvalidCursor) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// An empty, in-progress snapshot may mean the in-memory log was
	// evicted after Done. The durable record still answers completion
	// and replay, so pollers that missed the Done can terminate.
	if snap.LastSeq == 0 && !snap.Completed && s.History != nil {
		if done := s.statusFromHistory(w, r, sessionID, cursor); done {
			return
		}
	}
	messages := snap.Events
	if messages == nil {
		messages = []event.Event{}
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Messages:     messages,
		IsProcessing: !snap.Completed,
		LastSeq:      snap.LastSeq,
	})
}

// statusFromHistory serves the status contract from the durable store.
// Returns false when no events are recorded, leaving the caller to
// answer with the live (empty) snapshot.
func (s *Server) statusFromHistory(w http.ResponseWriter, r *http.Request, sessionID string, cursor uint64) bool {
	last, ok, err := s.History.LastRecorded(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return true
	}
	if !ok {
		return false
	}
	if cursor > last.Seq {
		writeError(w, http.StatusBadRequest, sessionbus.ErrInvalidCursor)
		return true
	}
	events, err := s.History.ListSession(r.Context(), sessionID, cursor, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return true
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Messages:     events,
		IsProcessing: !last.Kind.Terminal(),
		LastSeq:      last.Seq,
	})
	return true
}

// handleHistory reads the durable store, which outlives bus eviction.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	if s.History == nil {
		writeError(w, http.StatusNotImplemented, errNotFound("history store"))
		return
	}
	after, err := parseCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 200)
	events, err := s.History.ListSession(r.Context(), sessionID, after, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// authenticate resolves the caller identity. With no verifier
// configured everything runs as "anonymous" (local development).
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.Verifier == nil {
		return "anonymous", true
	}
	identity, err := s.Verifier.Verify(auth.FromRequest(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return "", false
	}
	return identity, true
}

func parseCursor(value string) (uint64, error) {
	if value == "" {
		return 0, nil
	}
	cursor, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, errors.New("cursor must be a non-negative integer")
	}
	return cursor, nil
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}

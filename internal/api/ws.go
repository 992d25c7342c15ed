package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/flitsinc/go-sessions/internal/auth"
	"github.com/flitsinc/go-sessions/internal/event"
	"github.com/flitsinc/go-sessions/internal/idgen"
	"github.com/flitsinc/go-sessions/internal/sessionbus"
)

// Frame is the websocket wire unit in both directions.
//
// Client → server: subscribe, unsubscribe, ping.
// Server → client: event, pong, error. Session completion is an event
// frame whose event kind is done.
type Frame struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id,omitempty"`
	Cursor    uint64       `json:"cursor,omitempty"`
	Event     *event.Event `json:"event,omitempty"`
	Error     string       `json:"error,omitempty"`
}

const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameEvent       = "event"
	FrameError       = "error"
)

type frameWriter interface {
	writeFrame(ctx context.Context, frame Frame) error
}

// ConnManager tracks live push connections. It is owned by the Server
// instance and constructed explicitly; there is no process-wide state.
type ConnManager struct {
	mu    sync.Mutex
	conns map[string]*pushConn
}

func NewConnManager() *ConnManager {
	return &ConnManager{conns: map[string]*pushConn{}}
}

func (m *ConnManager) add(c *pushConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.id] = c
}

func (m *ConnManager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, id)
}

// Count returns the number of live push connections.
func (m *ConnManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// CloseAll force-closes every live push connection. Each connection's
// read loop sees the close and runs its own teardown.
func (m *ConnManager) CloseAll() {
	m.mu.Lock()
	conns := make([]*pushConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// pushConn is one accepted websocket with its session subscriptions.
type pushConn struct {
	id       string
	identity string
	ws       *websocket.Conn

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*subscription
}

// subscription identifies one live session stream on a connection.
// Identity matters: a re-subscribe replaces the map entry, and the
// replaced stream's cleanup must not touch its successor.
type subscription struct {
	cancel context.CancelFunc
}

func (c *pushConn) writeFrame(ctx context.Context, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	identity := "anonymous"
	if s.Verifier != nil {
		var err error
		identity, err = s.Verifier.Verify(auth.FromRequest(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}

	conn := &pushConn{
		id:       idgen.ConnectionID(),
		identity: identity,
		ws:       ws,
		subs:     map[string]*subscription{},
	}
	s.Conns.add(conn)
	s.Logger.Info("push connection opened", "connection_id", conn.id, "identity", identity)

	ctx := r.Context()
	s.readLoop(ctx, conn)

	s.teardown(conn)
	_ = ws.Close(websocket.StatusNormalClosure, "closed")
	s.Logger.Info("push connection closed", "connection_id", conn.id)
}

func (s *Server) readLoop(ctx context.Context, conn *pushConn) {
	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = conn.writeFrame(ctx, Frame{Type: FrameError, Error: "malformed frame"})
			continue
		}
		switch frame.Type {
		case FramePing:
			_ = conn.writeFrame(ctx, Frame{Type: FramePong})
		case FrameSubscribe:
			s.subscribe(ctx, conn, frame.SessionID, frame.Cursor)
		case FrameUnsubscribe:
			s.unsubscribe(conn, frame.SessionID)
		default:
			_ = conn.writeFrame(ctx, Frame{Type: FrameError, Error: "unknown frame type " + frame.Type})
		}
	}
}

// subscribe starts streaming one session to the connection, replaying
// from the client's cursor first. Re-subscribing an already-subscribed
// session restarts the stream from the new cursor, which is how a
// reconnecting client closes its delivery gap.
func (s *Server) subscribe(ctx context.Context, conn *pushConn, sessionID string, cursor uint64) {
	if sessionID == "" {
		_ = conn.writeFrame(ctx, Frame{Type: FrameError, Error: "session_id is required"})
		return
	}

	conn.mu.Lock()
	if old, ok := conn.subs[sessionID]; ok {
		old.cancel()
		delete(conn.subs, sessionID)
		s.Registry.Deactivate(sessionID)
	}
	conn.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	events, err := s.Bus.Subscribe(subCtx, sessionID, cursor)
	if err != nil {
		cancel()
		if errors.Is(err, sessionbus.ErrInvalidCursor) {
			_ = conn.writeFrame(ctx, Frame{Type: FrameError, SessionID: sessionID, Error: err.Error()})
			return
		}
		_ = conn.writeFrame(ctx, Frame{Type: FrameError, SessionID: sessionID, Error: "subscribe failed"})
		return
	}

	sub := &subscription{cancel: cancel}
	conn.mu.Lock()
	conn.subs[sessionID] = sub
	conn.mu.Unlock()
	s.Registry.Activate(sessionID)

	go func() {
		err := streamSession(subCtx, events, conn)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.Logger.Debug("session stream ended", "connection_id", conn.id, "session_id", sessionID, "err", err)
		}
		s.releaseSubscription(conn, sessionID, sub)
	}()
}

// releaseSubscription drops a finished stream's subscription unless
// unsubscribe, teardown, or a re-subscribe already replaced it. The
// identity check keeps an ending stream from releasing a live
// replacement started from a newer cursor.
func (s *Server) releaseSubscription(conn *pushConn, sessionID string, sub *subscription) {
	conn.mu.Lock()
	current, ok := conn.subs[sessionID]
	if !ok || current != sub {
		conn.mu.Unlock()
		return
	}
	delete(conn.subs, sessionID)
	conn.mu.Unlock()

	sub.cancel()
	s.Registry.Deactivate(sessionID)
}

func (s *Server) unsubscribe(conn *pushConn, sessionID string) {
	conn.mu.Lock()
	sub, ok := conn.subs[sessionID]
	if ok {
		delete(conn.subs, sessionID)
	}
	conn.mu.Unlock()
	if !ok {
		return
	}
	sub.cancel()
	s.Registry.Deactivate(sessionID)
}

// teardown releases every subscription held by a closing connection.
func (s *Server) teardown(conn *pushConn) {
	conn.mu.Lock()
	subs := conn.subs
	conn.subs = map[string]*subscription{}
	conn.mu.Unlock()

	for sessionID, sub := range subs {
		sub.cancel()
		s.Registry.Deactivate(sessionID)
	}
	s.Conns.remove(conn.id)
}

// streamSession forwards bus events to the writer until the channel
// closes (Done delivered) or the context is canceled.
func streamSession(ctx context.Context, events <-chan event.Event, conn frameWriter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if err := conn.writeFrame(ctx, Frame{Type: FrameEvent, SessionID: evt.SessionID, Event: &evt}); err != nil {
				return err
			}
		}
	}
}

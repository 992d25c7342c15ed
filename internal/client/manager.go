package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/flitsinc/go-sessions/internal/api"
)

// ErrAuth means the server rejected the credential during the
// handshake. It is fatal for the connection attempt and never retried.
var ErrAuth = errors.New("authentication rejected")

// ConnState is the push connection lifecycle.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnected
	StateReconnecting
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// transportSignals is the selector surface the manager reports into.
type transportSignals interface {
	PushConnected()
	PushFailed(sessions map[string]uint64)
}

type ManagerOptions struct {
	URL   string // websocket endpoint, e.g. ws://host/api/ws
	Token string

	DialTimeout    time.Duration
	ReconnectDelay time.Duration
	MaxAttempts    int
	PingInterval   time.Duration

	// HTTPClient is handed to the websocket dialer; tests use it to
	// route dials in-process.
	HTTPClient *http.Client
}

// Manager owns the persistent push connection for one logical client.
// Only connection establishment is retried: a broken read or write
// just drops the connection, and the cursor-based resubscribe on the
// next connect replays whatever was missed.
type Manager struct {
	opts     ManagerOptions
	cursors  *cursorStore
	handler  Handler
	selector transportSignals
	logger   *slog.Logger

	writeMu sync.Mutex

	mu    sync.Mutex
	conn  *websocket.Conn
	state ConnState
}

func NewManager(opts ManagerOptions, cursors *cursorStore, handler Handler, selector transportSignals, logger *slog.Logger) *Manager {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:     opts,
		cursors:  cursors,
		handler:  handler,
		selector: selector,
		logger:   logger,
		state:    StateConnecting,
	}
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(state ConnState) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// Subscribe tracks a session from the given cursor and, when connected,
// asks the server to stream it.
func (m *Manager) Subscribe(ctx context.Context, sessionID string, fromSeq uint64) {
	m.cursors.track(sessionID, fromSeq)

	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()
	if connected && conn != nil {
		if err := m.writeFrame(ctx, conn, api.Frame{Type: api.FrameSubscribe, SessionID: sessionID, Cursor: fromSeq}); err != nil {
			m.logger.Debug("subscribe frame failed", "session_id", sessionID, "err", err)
		}
	}
}

// Unsubscribe stops tracking a session.
func (m *Manager) Unsubscribe(ctx context.Context, sessionID string) {
	m.cursors.forget(sessionID)

	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()
	if connected && conn != nil {
		if err := m.writeFrame(ctx, conn, api.Frame{Type: api.FrameUnsubscribe, SessionID: sessionID}); err != nil {
			m.logger.Debug("unsubscribe frame failed", "session_id", sessionID, "err", err)
		}
	}
}

// Run drives the connection state machine until ctx is canceled or the
// credential is rejected. After the retry ceiling is exhausted it
// reports Failed once (flipping the client into poll fallback) and
// keeps dialing in the background so a recovered server flips delivery
// back to push.
func (m *Manager) Run(ctx context.Context) error {
	attempts := 0
	reportedFailure := false

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempts == 0 && m.State() != StateDisconnected {
			m.setState(StateConnecting)
		} else {
			m.setState(StateReconnecting)
		}

		conn, err := m.dial(ctx)
		if err != nil {
			if errors.Is(err, ErrAuth) {
				m.setState(StateFailed)
				return err
			}
			attempts++
			m.logger.Debug("dial failed", "attempt", attempts, "err", err)
			if !reportedFailure && attempts >= m.opts.MaxAttempts {
				reportedFailure = true
				m.setState(StateFailed)
				m.selector.PushFailed(m.cursors.pending())
			}
			if err := sleep(ctx, m.opts.ReconnectDelay); err != nil {
				return err
			}
			continue
		}

		attempts = 0
		reportedFailure = false
		m.mu.Lock()
		m.conn = conn
		m.state = StateConnected
		m.mu.Unlock()
		m.logger.Info("push transport connected")

		// Order matters: polling must be fully stopped before any
		// replayed event can reach the handler.
		m.selector.PushConnected()

		if err := m.resubscribe(ctx, conn); err != nil {
			m.dropConn(conn)
			continue
		}

		pingCtx, stopPing := context.WithCancel(ctx)
		go m.pingLoop(pingCtx, conn)
		m.readLoop(ctx, conn)
		stopPing()

		m.dropConn(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.setState(StateDisconnected)
		if err := sleep(ctx, m.opts.ReconnectDelay); err != nil {
			return err
		}
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()

	dialOpts := &websocket.DialOptions{HTTPClient: m.opts.HTTPClient}
	if m.opts.Token != "" {
		dialOpts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + m.opts.Token}}
	}
	conn, resp, err := websocket.Dial(dialCtx, m.opts.URL, dialOpts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrAuth
		}
		return nil, err
	}
	return conn, nil
}

// resubscribe closes the delivery gap after a (re)connect by asking the
// server to replay each pending session from its cursor.
func (m *Manager) resubscribe(ctx context.Context, conn *websocket.Conn) error {
	for sessionID, cursor := range m.cursors.pending() {
		if err := m.writeFrame(ctx, conn, api.Frame{Type: api.FrameSubscribe, SessionID: sessionID, Cursor: cursor}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame api.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			m.logger.Debug("malformed frame", "err", err)
			continue
		}
		switch frame.Type {
		case api.FrameEvent:
			if frame.Event == nil {
				continue
			}
			if m.cursors.advance(*frame.Event) {
				m.handler(*frame.Event)
			}
		case api.FramePong:
			// Liveness confirmed.
		case api.FrameError:
			m.logger.Warn("server error frame", "session_id", frame.SessionID, "error", frame.Error)
		}
	}
}

func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.writeFrame(ctx, conn, api.Frame{Type: api.FramePing}); err != nil {
				return
			}
		}
	}
}

func (m *Manager) writeFrame(ctx context.Context, conn *websocket.Conn, frame api.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (m *Manager) dropConn(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "closed")
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

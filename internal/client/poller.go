package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/flitsinc/go-sessions/internal/event"
)

// statusResponse is the canonical pull contract. The decoder rejects
// any other top-level shape instead of guessing at legacy variants.
type statusResponse struct {
	Messages     []event.Event `json:"messages"`
	IsProcessing bool          `json:"is_processing"`
	LastSeq      uint64        `json:"last_seq"`
}

// Poller is the pull fallback coordinator. It owns all poll timers:
// loops are started and stopped only through Start/Stop/StartAll/
// StopAll, never toggled by consumers, so two loops can never race on
// one session.
type Poller struct {
	baseURL string
	token   string
	http    *http.Client

	interval    time.Duration
	maxFailures int

	cursors *cursorStore
	handler Handler
	logger  *slog.Logger

	mu     sync.Mutex
	loops  map[string]*pollLoop
	halted bool
}

type pollLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type PollerOptions struct {
	BaseURL        string
	Token          string
	HTTPClient     *http.Client
	Interval       time.Duration
	RequestTimeout time.Duration
	MaxFailures    int
}

func NewPoller(opts PollerOptions, cursors *cursorStore, handler Handler, logger *slog.Logger) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	// The poller's request timeout must not leak into the caller's
	// client, which may be shared with the websocket dialer.
	httpClient := &http.Client{}
	if opts.HTTPClient != nil {
		clone := *opts.HTTPClient
		httpClient = &clone
	}
	httpClient.Timeout = opts.RequestTimeout
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		baseURL:     opts.BaseURL,
		token:       opts.Token,
		http:        httpClient,
		interval:    opts.Interval,
		maxFailures: opts.MaxFailures,
		cursors:     cursors,
		handler:     handler,
		logger:      logger,
		loops:       map[string]*pollLoop{},
	}
}

// Start begins polling one session. A loop that is already running is
// left alone. While the poller is halted (after StopAll) Start is a
// no-op, so a subscribe racing a transport handover cannot leave a
// stray loop running alongside push delivery.
func (p *Poller) Start(sessionID string, fromSeq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startLocked(sessionID, fromSeq)
}

func (p *Poller) startLocked(sessionID string, fromSeq uint64) {
	if p.halted {
		return
	}
	if _, ok := p.loops[sessionID]; ok {
		return
	}
	if p.cursors.isDone(sessionID) {
		return
	}
	p.cursors.track(sessionID, fromSeq)

	ctx, cancel := context.WithCancel(context.Background())
	loop := &pollLoop{cancel: cancel, done: make(chan struct{})}
	p.loops[sessionID] = loop
	go p.run(ctx, sessionID, loop)
}

// StartAll lifts a halt and begins polling every listed session.
func (p *Poller) StartAll(sessions map[string]uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halted = false
	for sessionID, cursor := range sessions {
		p.startLocked(sessionID, cursor)
	}
}

// Stop halts the session's poll loop and waits for it to drain, so no
// delivery from this loop can land after Stop returns.
func (p *Poller) Stop(sessionID string) {
	p.mu.Lock()
	loop, ok := p.loops[sessionID]
	if ok {
		delete(p.loops, sessionID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	loop.cancel()
	<-loop.done
}

// StopAll halts every poll loop and waits for them all. It also halts
// the poller as a whole: Start stays a no-op until the next StartAll.
func (p *Poller) StopAll() {
	p.mu.Lock()
	p.halted = true
	loops := p.loops
	p.loops = map[string]*pollLoop{}
	p.mu.Unlock()

	for _, loop := range loops {
		loop.cancel()
	}
	for _, loop := range loops {
		<-loop.done
	}
}

// Polling reports whether a loop is running for the session.
func (p *Poller) Polling(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.loops[sessionID]
	return ok
}

func (p *Poller) run(ctx context.Context, sessionID string, loop *pollLoop) {
	defer close(loop.done)
	defer p.release(sessionID, loop)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cursor, tracked := p.cursors.cursor(sessionID)
		if !tracked {
			return
		}
		status, err := p.fetchStatus(ctx, sessionID, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			p.logger.Debug("poll tick failed", "session_id", sessionID, "consecutive", failures, "err", err)
			if failures >= p.maxFailures {
				// The cursor is untouched, so a later fallback can
				// resume exactly where delivery stopped.
				p.handler(event.Event{
					SessionID: sessionID,
					Kind:      event.KindError,
					Payload:   map[string]any{"error": fmt.Sprintf("polling failed %d times: %v", failures, err)},
					CreatedAt: time.Now().UTC(),
				})
				return
			}
			continue
		}
		failures = 0

		for _, evt := range status.Messages {
			if ctx.Err() != nil {
				return
			}
			if p.cursors.advance(evt) {
				p.handler(evt)
			}
		}
		if p.cursors.isDone(sessionID) {
			return
		}
		if !status.IsProcessing {
			// The engine finished without a Done reaching us; emit one
			// synthetic Done so consumers see the same terminal shape
			// on either transport.
			if seq, ok := p.cursors.markDone(sessionID); ok && ctx.Err() == nil {
				p.handler(event.Event{
					SessionID: sessionID,
					Seq:       seq,
					Kind:      event.KindDone,
					CreatedAt: time.Now().UTC(),
				})
			}
			return
		}
	}
}

// release removes a loop that ended on its own (completion or error
// threshold); Stop and StopAll remove entries themselves first.
func (p *Poller) release(sessionID string, loop *pollLoop) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if current, ok := p.loops[sessionID]; ok && current == loop {
		delete(p.loops, sessionID)
	}
}

func (p *Poller) fetchStatus(ctx context.Context, sessionID string, cursor uint64) (statusResponse, error) {
	url := fmt.Sprintf("%s/api/sessions/%s/status?cursor=%d", p.baseURL, sessionID, cursor)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return statusResponse{}, err
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return statusResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return statusResponse{}, fmt.Errorf("GET status: %d %s", resp.StatusCode, string(body))
	}
	var status statusResponse
	dec := json.NewDecoder(resp.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&status); err != nil {
		return statusResponse{}, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}

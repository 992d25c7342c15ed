// Package client delivers session updates to a consumer over two
// interchangeable transports: a persistent websocket push channel and
// a polling pull fallback. The push channel is always preferred; the
// poller takes over only after push exhausts its reconnect budget, and
// hands back the moment push recovers. A shared cursor store
// deduplicates across the handover, so the consumer sees each
// (session, seq) pair exactly once and always in order.
package client

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/flitsinc/go-sessions/internal/event"
)

// Handler consumes delivered events for one logical client. It is
// called from transport goroutines and must not block for long.
type Handler func(evt event.Event)

type Options struct {
	// BaseURL is the server's HTTP root, e.g. "http://127.0.0.1:8080".
	BaseURL string
	Token   string

	PushDialTimeout    time.Duration
	PushReconnectDelay time.Duration
	PushMaxAttempts    int
	PushPingInterval   time.Duration

	PollInterval       time.Duration
	PollRequestTimeout time.Duration
	PollMaxFailures    int

	// HTTPClient, when set, carries both the websocket dial and the
	// poll requests. Tests use it to stay in-process.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client is one logical consumer of session updates.
type Client struct {
	manager  *Manager
	poller   *Poller
	selector *Selector
	cursors  *cursorStore
}

func New(opts Options, handler Handler) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cursors := newCursorStore()

	poller := NewPoller(PollerOptions{
		BaseURL:        strings.TrimSuffix(opts.BaseURL, "/"),
		Token:          opts.Token,
		HTTPClient:     opts.HTTPClient,
		Interval:       opts.PollInterval,
		RequestTimeout: opts.PollRequestTimeout,
		MaxFailures:    opts.PollMaxFailures,
	}, cursors, handler, logger)

	selector := NewSelector(poller, logger)

	manager := NewManager(ManagerOptions{
		URL:            wsURL(opts.BaseURL),
		Token:          opts.Token,
		DialTimeout:    opts.PushDialTimeout,
		ReconnectDelay: opts.PushReconnectDelay,
		MaxAttempts:    opts.PushMaxAttempts,
		PingInterval:   opts.PushPingInterval,
		HTTPClient:     opts.HTTPClient,
	}, cursors, handler, selector, logger)

	return &Client{manager: manager, poller: poller, selector: selector, cursors: cursors}
}

// Run drives the push connection until ctx is canceled or the
// credential is rejected, then stops any fallback polling.
func (c *Client) Run(ctx context.Context) error {
	err := c.manager.Run(ctx)
	c.poller.StopAll()
	return err
}

// Subscribe starts delivery for a session from the given cursor.
func (c *Client) Subscribe(ctx context.Context, sessionID string, fromSeq uint64) {
	c.manager.Subscribe(ctx, sessionID, fromSeq)
	if c.selector.Active() == TransportPoll {
		c.poller.Start(sessionID, fromSeq)
	}
}

// Unsubscribe cancels delivery for a session on both transports.
func (c *Client) Unsubscribe(ctx context.Context, sessionID string) {
	c.poller.Stop(sessionID)
	c.manager.Unsubscribe(ctx, sessionID)
}

// Transport returns which channel is currently authoritative.
func (c *Client) Transport() Transport {
	return c.selector.Active()
}

// PushState returns the push connection's lifecycle state.
func (c *Client) PushState() ConnState {
	return c.manager.State()
}

func wsURL(baseURL string) string {
	url := strings.TrimSuffix(baseURL, "/")
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + "/api/ws"
}

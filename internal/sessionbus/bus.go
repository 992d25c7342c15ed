package sessionbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flitsinc/go-sessions/internal/event"
)

var (
	// ErrInvalidCursor is returned when a caller asks for events past
	// the session head.
	ErrInvalidCursor = errors.New("cursor beyond session head")
	// ErrSessionClosed is returned for appends after a Done event.
	ErrSessionClosed = errors.New("session closed")
)

// Recorder receives every appended event for durable storage. Recorder
// failures are logged and never block or fail delivery.
type Recorder interface {
	Record(ctx context.Context, evt event.Event) error
}

// Bus keeps a per-session ordered event log and fans events out to
// subscribers. Appends are serialized per session; sequence numbers
// start at 1 and are gapless until the session is evicted.
type Bus struct {
	mu       sync.RWMutex
	sessions map[string]*session

	recorder Recorder
	logger   *slog.Logger
}

type session struct {
	mu     sync.Mutex
	events []event.Event
	done   bool
	// notify is closed and replaced on every append so blocked
	// subscribers wake up without the bus tracking them.
	notify chan struct{}
}

// Snapshot is the pull-channel view of a session: everything after the
// caller's cursor plus enough state to detect completion.
type Snapshot struct {
	Events    []event.Event `json:"events"`
	LastSeq   uint64        `json:"last_seq"`
	Completed bool          `json:"completed"`
}

type Option func(*Bus)

// WithRecorder registers a durable sink invoked after every append.
func WithRecorder(r Recorder) Option {
	return func(b *Bus) { b.recorder = r }
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{sessions: map[string]*session{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) getOrCreate(sessionID string) *session {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		s = &session{notify: make(chan struct{})}
		b.sessions[sessionID] = s
	}
	return s
}

func (b *Bus) get(sessionID string) (*session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[sessionID]
	return s, ok
}

// Append adds one event to the session log and returns its sequence
// number. A Done event closes the session for further appends.
func (b *Bus) Append(ctx context.Context, sessionID string, kind event.Kind, payload map[string]any) (uint64, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("session id is required")
	}
	if !kind.Valid() {
		return 0, fmt.Errorf("unknown event kind %q", kind)
	}

	s := b.getOrCreate(sessionID)

	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return 0, ErrSessionClosed
	}
	evt := event.Event{
		SessionID: sessionID,
		Seq:       uint64(len(s.events)) + 1,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	s.events = append(s.events, evt)
	if kind.Terminal() {
		s.done = true
	}
	wake := s.notify
	s.notify = make(chan struct{})
	s.mu.Unlock()
	close(wake)

	if b.recorder != nil {
		if err := b.recorder.Record(ctx, evt); err != nil {
			b.logger.Error("record event", "session_id", sessionID, "seq", evt.Seq, "err", err)
		}
	}
	return evt.Seq, nil
}

// Subscribe returns a channel that replays every event with Seq >
// fromSeq and then streams live appends. The channel closes after Done
// has been delivered or when ctx is canceled. Subscribing to an
// unknown session creates it, so a client may subscribe before the
// task engine produces anything.
func (b *Bus) Subscribe(ctx context.Context, sessionID string, fromSeq uint64) (<-chan event.Event, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	s := b.getOrCreate(sessionID)

	s.mu.Lock()
	if fromSeq > uint64(len(s.events)) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: cursor %d, head %d", ErrInvalidCursor, fromSeq, len(s.events))
	}
	s.mu.Unlock()

	out := make(chan event.Event, 64)
	go func() {
		defer close(out)
		cursor := fromSeq
		for {
			s.mu.Lock()
			pending := make([]event.Event, len(s.events[cursor:]))
			copy(pending, s.events[cursor:])
			done := s.done
			wake := s.notify
			s.mu.Unlock()

			for _, evt := range pending {
				select {
				case out <- evt:
					cursor = evt.Seq
				case <-ctx.Done():
					return
				}
			}
			if done {
				return
			}
			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Snapshot returns all events after fromSeq along with the current head
// and completion state. Used by the pull channel; safe to call
// repeatedly with the same cursor.
func (b *Bus) Snapshot(sessionID string, fromSeq uint64) (Snapshot, error) {
	s, ok := b.get(sessionID)
	if !ok {
		return Snapshot{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last := uint64(len(s.events))
	if fromSeq > last {
		return Snapshot{}, fmt.Errorf("%w: cursor %d, head %d", ErrInvalidCursor, fromSeq, last)
	}
	events := make([]event.Event, len(s.events[fromSeq:]))
	copy(events, s.events[fromSeq:])
	return Snapshot{Events: events, LastSeq: last, Completed: s.done}, nil
}

// Completed reports whether the session exists and has seen Done.
func (b *Bus) Completed(sessionID string) bool {
	s, ok := b.get(sessionID)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Evict drops a session's in-memory log. The registry calls this after
// the post-completion grace period; the durable history, if any, is
// unaffected. A later Append recreates the session with a fresh log.
func (b *Bus) Evict(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}

// SessionCount returns the number of in-memory session logs.
func (b *Bus) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

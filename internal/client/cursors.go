package client

import (
	"sync"

	"github.com/flitsinc/go-sessions/internal/event"
)

// cursorStore is the shared dedup state for one logical client. Both
// transports advance it, so a (session, seq) pair can only be handed to
// the consumer once no matter which channel carried it.
type cursorStore struct {
	mu       sync.Mutex
	sessions map[string]*cursorState
}

type cursorState struct {
	seq  uint64
	done bool
}

func newCursorStore() *cursorStore {
	return &cursorStore{sessions: map[string]*cursorState{}}
}

func (c *cursorStore) track(sessionID string, fromSeq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[sessionID]; !ok {
		c.sessions[sessionID] = &cursorState{seq: fromSeq}
	}
}

func (c *cursorStore) forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// advance reports whether the event is new for its session and, if so,
// moves the cursor. Events at or below the cursor are duplicates from
// a transport handover or replay and must be discarded.
func (c *cursorStore) advance(evt event.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.sessions[evt.SessionID]
	if !ok || state.done {
		return false
	}
	if evt.Seq <= state.seq {
		return false
	}
	state.seq = evt.Seq
	if evt.Kind.Terminal() {
		state.done = true
	}
	return true
}

func (c *cursorStore) cursor(sessionID string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.sessions[sessionID]
	if !ok {
		return 0, false
	}
	return state.seq, true
}

// markDone flags the session terminal and returns the sequence number
// the synthetic Done should carry. The second return is false if the
// session was already terminal, so a synthetic Done is emitted at most
// once.
func (c *cursorStore) markDone(sessionID string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.sessions[sessionID]
	if !ok || state.done {
		return 0, false
	}
	state.done = true
	state.seq++
	return state.seq, true
}

func (c *cursorStore) isDone(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.sessions[sessionID]
	return ok && state.done
}

// pending returns the sessions that still expect events, with their
// cursors. Used when failing over to the pull channel.
func (c *cursorStore) pending() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]uint64{}
	for id, state := range c.sessions {
		if !state.done {
			out[id] = state.seq
		}
	}
	return out
}

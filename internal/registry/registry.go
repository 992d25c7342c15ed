package registry

import (
	"log/slog"
	"sync"
	"time"
)

// Log is the part of the session bus the registry manages: completion
// state drives eviction eligibility, Evict drops the in-memory log.
type Log interface {
	Completed(sessionID string) bool
	Evict(sessionID string)
}

// Watcher is notified when a session's subscriber count crosses 0→1 or
// 1→0. The pull fallback coordinator registers one so polling only
// runs for sessions somebody is watching.
type Watcher interface {
	SessionActivated(sessionID string)
	SessionDeactivated(sessionID string)
}

// Registry tracks which sessions have interested subscribers and evicts
// completed session logs after a grace period with zero subscribers.
type Registry struct {
	log     Log
	watcher Watcher
	grace   time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	counts map[string]int
	timers map[string]*time.Timer
}

type Option func(*Registry)

func WithWatcher(w Watcher) Option {
	return func(r *Registry) { r.watcher = w }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func New(log Log, grace time.Duration, opts ...Option) *Registry {
	r := &Registry{
		log:    log,
		grace:  grace,
		logger: slog.Default(),
		counts: map[string]int{},
		timers: map[string]*time.Timer{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Activate records one more subscriber for the session. Crossing 0→1
// cancels any pending eviction and notifies the watcher.
func (r *Registry) Activate(sessionID string) {
	r.mu.Lock()
	r.counts[sessionID]++
	first := r.counts[sessionID] == 1
	if first {
		if timer, ok := r.timers[sessionID]; ok {
			timer.Stop()
			delete(r.timers, sessionID)
		}
	}
	r.mu.Unlock()

	if first && r.watcher != nil {
		r.watcher.SessionActivated(sessionID)
	}
}

// Deactivate records one fewer subscriber. Crossing 1→0 notifies the
// watcher and, if the session is completed, schedules eviction after
// the grace period. The count never goes below zero.
func (r *Registry) Deactivate(sessionID string) {
	r.mu.Lock()
	count, ok := r.counts[sessionID]
	if !ok || count == 0 {
		r.mu.Unlock()
		return
	}
	count--
	if count == 0 {
		delete(r.counts, sessionID)
	} else {
		r.counts[sessionID] = count
	}
	last := count == 0
	if last && r.log.Completed(sessionID) {
		r.scheduleEvictionLocked(sessionID)
	}
	r.mu.Unlock()

	if last && r.watcher != nil {
		r.watcher.SessionDeactivated(sessionID)
	}
}

// SessionCompleted should be called when a session's Done event is
// appended. With no subscribers left the eviction timer starts now
// instead of waiting for a Deactivate that will never come.
func (r *Registry) SessionCompleted(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts[sessionID] == 0 {
		r.scheduleEvictionLocked(sessionID)
	}
}

func (r *Registry) scheduleEvictionLocked(sessionID string) {
	if _, ok := r.timers[sessionID]; ok {
		return
	}
	r.timers[sessionID] = time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		delete(r.timers, sessionID)
		active := r.counts[sessionID] > 0
		r.mu.Unlock()
		if active {
			return
		}
		r.log.Evict(sessionID)
		r.logger.Debug("evicted session log", "session_id", sessionID)
	})
}

// IsActive reports whether the session has at least one subscriber.
func (r *Registry) IsActive(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[sessionID] > 0
}

// Subscribers returns the current subscriber count for the session.
func (r *Registry) Subscribers(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[sessionID]
}

// Close stops all pending eviction timers.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
}

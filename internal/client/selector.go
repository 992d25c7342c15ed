package client

import (
	"log/slog"
	"sync/atomic"
)

// Transport names which channel is authoritative for a logical client.
type Transport int32

const (
	TransportPush Transport = iota
	TransportPoll
)

func (t Transport) String() string {
	if t == TransportPoll {
		return "poll"
	}
	return "push"
}

// pollControl is the part of the poller the selector drives.
type pollControl interface {
	// StartAll begins polling the given sessions at their cursors.
	StartAll(sessions map[string]uint64)
	// StopAll halts every poll loop and blocks until their in-flight
	// deliveries have drained.
	StopAll()
}

// Selector owns the push/poll handover for one logical client. The
// active-transport flag is swapped with compare-and-swap so exactly one
// caller wins each transition; the loser's signal is a no-op. Polling
// is always stopped synchronously before push resumes, which is what
// keeps one event from reaching the consumer through both channels.
type Selector struct {
	active atomic.Int32
	poller pollControl
	logger *slog.Logger
}

func NewSelector(poller pollControl, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{poller: poller, logger: logger}
}

// Active returns the currently authoritative transport.
func (s *Selector) Active() Transport {
	return Transport(s.active.Load())
}

// PushConnected is signaled on every successful (re)connect. If the
// client was in poll fallback, polling stops before the caller is
// allowed to proceed with push delivery.
func (s *Selector) PushConnected() {
	if s.active.CompareAndSwap(int32(TransportPoll), int32(TransportPush)) {
		s.poller.StopAll()
		s.logger.Info("transport recovered", "active", TransportPush.String())
	}
}

// PushFailed is signaled only after the push manager exhausts its
// reconnect budget; transient disconnects never reach the selector.
// sessions maps each still-pending session to its delivery cursor.
func (s *Selector) PushFailed(sessions map[string]uint64) {
	if s.active.CompareAndSwap(int32(TransportPush), int32(TransportPoll)) {
		s.logger.Warn("push transport failed, entering poll fallback", "sessions", len(sessions))
		s.poller.StartAll(sessions)
	}
}

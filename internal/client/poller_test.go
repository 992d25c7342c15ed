package client

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flitsinc/go-sessions/internal/api"
	"github.com/flitsinc/go-sessions/internal/event"
	"github.com/flitsinc/go-sessions/internal/registry"
	"github.com/flitsinc/go-sessions/internal/sessionbus"
	"github.com/flitsinc/go-sessions/internal/testutil"
)

type eventCollector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *eventCollector) handle(evt event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *eventCollector) snapshot() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *eventCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newBusServer() (*api.Server, *sessionbus.Bus) {
	bus := sessionbus.NewBus()
	server := &api.Server{
		Bus:      bus,
		Registry: registry.New(bus, time.Minute),
	}
	return server, bus
}

func newTestPoller(handler http.Handler, collector *eventCollector) (*Poller, *cursorStore) {
	cursors := newCursorStore()
	poller := NewPoller(PollerOptions{
		BaseURL:    "http://in-process",
		HTTPClient: testutil.NewInProcessClient(handler),
		Interval:   10 * time.Millisecond,
	}, cursors, collector.handle, nil)
	return poller, cursors
}

func TestPollerDeliversFromCursor(t *testing.T) {
	server, bus := newBusServer()
	ctx := context.Background()
	for _, text := range []string{"a", "b", "c", "d"} {
		if _, err := bus.Append(ctx, "s1", event.KindDelta, map[string]any{"text": text}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	collector := &eventCollector{}
	poller, _ := newTestPoller(server.Handler(), collector)
	defer poller.StopAll()

	poller.Start("s1", 2)
	waitFor(t, "events after cursor", func() bool { return collector.count() >= 2 })

	events := collector.snapshot()
	if events[0].Seq != 3 || events[1].Seq != 4 {
		t.Fatalf("seqs = %d, %d; want 3, 4", events[0].Seq, events[1].Seq)
	}
}

func TestPollerStopsOnDoneEvent(t *testing.T) {
	server, bus := newBusServer()
	ctx := context.Background()
	if _, err := bus.Append(ctx, "s1", event.KindDelta, map[string]any{"text": "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := bus.Append(ctx, "s1", event.KindDone, nil); err != nil {
		t.Fatalf("append done: %v", err)
	}

	collector := &eventCollector{}
	poller, cursors := newTestPoller(server.Handler(), collector)
	defer poller.StopAll()

	poller.Start("s1", 0)
	waitFor(t, "loop exit after done", func() bool { return !poller.Polling("s1") })

	events := collector.snapshot()
	if len(events) != 2 {
		t.Fatalf("delivered %d events; want 2", len(events))
	}
	if events[1].Kind != event.KindDone || events[1].Seq != 2 {
		t.Fatalf("last event = %s #%d; want done #2", events[1].Kind, events[1].Seq)
	}
	if !cursors.isDone("s1") {
		t.Fatal("session should be marked terminal")
	}
}

func TestPollerSynthesizesDone(t *testing.T) {
	// The status endpoint reports the session finished but the done
	// event itself never arrives, e.g. the bus was already evicted.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages": [], "is_processing": false, "last_seq": 0}`))
	})

	collector := &eventCollector{}
	poller, _ := newTestPoller(handler, collector)
	defer poller.StopAll()

	poller.Start("s1", 5)
	waitFor(t, "synthetic done", func() bool { return collector.count() >= 1 })

	events := collector.snapshot()
	if events[0].Kind != event.KindDone {
		t.Fatalf("kind = %s; want done", events[0].Kind)
	}
	if events[0].Seq != 6 {
		t.Fatalf("synthetic done seq = %d; want cursor+1 = 6", events[0].Seq)
	}
	waitFor(t, "loop release", func() bool { return !poller.Polling("s1") })

	// A restart after the synthetic done must not emit a second one.
	poller.Start("s1", 6)
	if poller.Polling("s1") {
		t.Fatal("terminal session should not restart polling")
	}
}

func TestPollerFailureThreshold(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	collector := &eventCollector{}
	cursors := newCursorStore()
	poller := NewPoller(PollerOptions{
		BaseURL:     "http://in-process",
		HTTPClient:  testutil.NewInProcessClient(handler),
		Interval:    5 * time.Millisecond,
		MaxFailures: 3,
	}, cursors, collector.handle, nil)
	defer poller.StopAll()

	poller.Start("s1", 7)
	waitFor(t, "synthetic error", func() bool { return collector.count() >= 1 })

	events := collector.snapshot()
	if events[0].Kind != event.KindError {
		t.Fatalf("kind = %s; want error", events[0].Kind)
	}
	if events[0].Seq != 0 {
		t.Fatalf("synthetic error seq = %d; want 0", events[0].Seq)
	}
	msg, _ := events[0].Payload["error"].(string)
	if !strings.Contains(msg, "3 times") {
		t.Fatalf("error payload = %q; want failure count", msg)
	}

	// The cursor survives so a later fallback resumes where it stopped.
	if seq, ok := cursors.cursor("s1"); !ok || seq != 7 {
		t.Fatalf("cursor = %d, %v; want 7, true", seq, ok)
	}
	if cursors.isDone("s1") {
		t.Fatal("error threshold must not mark the session terminal")
	}
	waitFor(t, "loop release", func() bool { return !poller.Polling("s1") })
}

func TestPollerStopWaitsForDrain(t *testing.T) {
	server, bus := newBusServer()
	if _, err := bus.Append(context.Background(), "s1", event.KindDelta, map[string]any{"text": "x"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	collector := &eventCollector{}
	poller, _ := newTestPoller(server.Handler(), collector)

	poller.Start("s1", 0)
	waitFor(t, "first delivery", func() bool { return collector.count() >= 1 })

	poller.Stop("s1")
	if poller.Polling("s1") {
		t.Fatal("loop should be gone after Stop")
	}
	seen := collector.count()
	time.Sleep(30 * time.Millisecond)
	if collector.count() != seen {
		t.Fatal("delivery happened after Stop returned")
	}
}

func TestNewPollerLeavesSharedClientUntouched(t *testing.T) {
	shared := &http.Client{}
	NewPoller(PollerOptions{
		BaseURL:        "http://in-process",
		HTTPClient:     shared,
		RequestTimeout: 3 * time.Second,
	}, newCursorStore(), func(event.Event) {}, nil)

	if shared.Timeout != 0 {
		t.Fatalf("shared client timeout changed to %v", shared.Timeout)
	}
}

func TestStartIsNoOpWhileHalted(t *testing.T) {
	server, _ := newBusServer()
	collector := &eventCollector{}
	poller, _ := newTestPoller(server.Handler(), collector)

	// A halt (push took over) must gate Start, even for a session
	// subscribed concurrently with the handover.
	poller.StopAll()
	poller.Start("s1", 0)
	if poller.Polling("s1") {
		t.Fatal("loop started while halted")
	}

	// The next failover lifts the halt.
	poller.StartAll(map[string]uint64{"s1": 0})
	defer poller.StopAll()
	if !poller.Polling("s1") {
		t.Fatal("StartAll should resume polling")
	}
}

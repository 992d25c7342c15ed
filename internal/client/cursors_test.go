package client

import (
	"testing"

	"github.com/flitsinc/go-sessions/internal/event"
)

func TestCursorStoreDeduplicates(t *testing.T) {
	cursors := newCursorStore()
	cursors.track("s1", 0)

	if !cursors.advance(event.Event{SessionID: "s1", Seq: 1, Kind: event.KindDelta}) {
		t.Fatal("first event should advance")
	}
	if cursors.advance(event.Event{SessionID: "s1", Seq: 1, Kind: event.KindDelta}) {
		t.Fatal("replayed event should be discarded")
	}
	if !cursors.advance(event.Event{SessionID: "s1", Seq: 2, Kind: event.KindDelta}) {
		t.Fatal("next event should advance")
	}

	seq, ok := cursors.cursor("s1")
	if !ok || seq != 2 {
		t.Fatalf("cursor = %d, %v; want 2, true", seq, ok)
	}
}

func TestCursorStoreUntrackedSession(t *testing.T) {
	cursors := newCursorStore()
	if cursors.advance(event.Event{SessionID: "ghost", Seq: 1, Kind: event.KindDelta}) {
		t.Fatal("untracked session should not advance")
	}
	if _, ok := cursors.cursor("ghost"); ok {
		t.Fatal("untracked session should report no cursor")
	}
}

func TestCursorStoreTerminalStopsDelivery(t *testing.T) {
	cursors := newCursorStore()
	cursors.track("s1", 0)

	if !cursors.advance(event.Event{SessionID: "s1", Seq: 1, Kind: event.KindDone}) {
		t.Fatal("done event should advance")
	}
	if !cursors.isDone("s1") {
		t.Fatal("session should be terminal after done")
	}
	if cursors.advance(event.Event{SessionID: "s1", Seq: 2, Kind: event.KindDelta}) {
		t.Fatal("events after terminal should be discarded")
	}
}

func TestCursorStoreMarkDoneOnce(t *testing.T) {
	cursors := newCursorStore()
	cursors.track("s1", 3)

	seq, ok := cursors.markDone("s1")
	if !ok || seq != 4 {
		t.Fatalf("markDone = %d, %v; want 4, true", seq, ok)
	}
	if _, ok := cursors.markDone("s1"); ok {
		t.Fatal("second markDone should be a no-op")
	}
}

func TestCursorStorePendingSkipsDone(t *testing.T) {
	cursors := newCursorStore()
	cursors.track("active", 2)
	cursors.track("finished", 0)
	cursors.markDone("finished")

	pending := cursors.pending()
	if len(pending) != 1 {
		t.Fatalf("pending = %v; want only the active session", pending)
	}
	if pending["active"] != 2 {
		t.Fatalf("pending cursor = %d; want 2", pending["active"])
	}
}

func TestCursorStoreForget(t *testing.T) {
	cursors := newCursorStore()
	cursors.track("s1", 5)
	cursors.forget("s1")
	if _, ok := cursors.cursor("s1"); ok {
		t.Fatal("forgotten session should report no cursor")
	}
}

package sessionbus

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/flitsinc/go-sessions/internal/event"
)

// One writer per session is the contract, but separate sessions append
// concurrently and each subscriber must still see its own session's
// events gapless and in order.
func TestAppendAcrossSessionsKeepsPerSessionOrder(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const sessions = 8
	const perSession = 50

	subs := make([]<-chan event.Event, sessions)
	for i := 0; i < sessions; i++ {
		sub, err := bus.Subscribe(ctx, fmt.Sprintf("s%d", i), 0)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		subs[i] = sub
	}

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < perSession; j++ {
				if _, err := bus.Append(context.Background(), id, event.KindDelta, map[string]any{"j": j}); err != nil {
					t.Errorf("append %s: %v", id, err)
					return
				}
			}
			if _, err := bus.Append(context.Background(), id, event.KindDone, nil); err != nil {
				t.Errorf("append done %s: %v", id, err)
			}
		}(fmt.Sprintf("s%d", i))
	}
	wg.Wait()

	for i := 0; i < sessions; i++ {
		events := collect(t, subs[i], perSession+1)
		for j, evt := range events {
			if evt.Seq != uint64(j+1) {
				t.Fatalf("session %d: expected seq %d, got %d", i, j+1, evt.Seq)
			}
		}
		if events[perSession].Kind != event.KindDone {
			t.Fatalf("session %d: expected done last", i)
		}
	}
}

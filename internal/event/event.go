package event

import "time"

// Kind identifies what a session event describes. The wire names match
// what consumers already parse from the status endpoint.
type Kind string

const (
	KindDelta               Kind = "delta"
	KindToolCallStart       Kind = "tool_call"
	KindToolCallArguments   Kind = "tool_call_arguments"
	KindToolCallProgress    Kind = "tool_call_progress"
	KindImageGenerated      Kind = "image_generated"
	KindFileGenerated       Kind = "file_generated"
	KindAllMessagesSnapshot Kind = "all_messages"
	KindInfo                Kind = "info"
	KindError               Kind = "error"
	KindDone                Kind = "done"
)

var validKinds = map[Kind]struct{}{
	KindDelta:               {},
	KindToolCallStart:       {},
	KindToolCallArguments:   {},
	KindToolCallProgress:    {},
	KindImageGenerated:      {},
	KindFileGenerated:       {},
	KindAllMessagesSnapshot: {},
	KindInfo:                {},
	KindError:               {},
	KindDone:                {},
}

func (k Kind) Valid() bool {
	_, ok := validKinds[k]
	return ok
}

// Terminal reports whether no further events may follow this kind.
func (k Kind) Terminal() bool {
	return k == KindDone
}

// Event is one observable occurrence within a session. Seq is assigned
// by the bus at append time, starts at 1, and is gapless per session;
// it is the only ordering and deduplication key across transports.
type Event struct {
	SessionID string         `json:"session_id"`
	Seq       uint64         `json:"seq"`
	Kind      Kind           `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

package engine

import "github.com/roach88/carrier/internal/model"

// eventKind identifies what the Run loop should do with an event.
type eventKind int

const (
	eventCreate eventKind = iota + 1
	eventSendResult
	eventRemoteInsert
	eventReachability
	eventReplay
	eventCatchUp
	eventFetchResult
	eventRetry
	eventIdle
)

func (k eventKind) String() string {
	switch k {
	case eventCreate:
		return "create"
	case eventSendResult:
		return "send_result"
	case eventRemoteInsert:
		return "remote_insert"
	case eventReachability:
		return "reachability"
	case eventReplay:
		return "replay"
	case eventCatchUp:
		return "catch_up"
	case eventFetchResult:
		return "fetch_result"
	case eventRetry:
		return "retry"
	case eventIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// event is the unit of work for the Run loop.
//
// Only the fields relevant to kind are set. Events that a caller waits on
// carry a reply channel with a buffer of one, so the loop never blocks
// answering a caller that has already given up.
type event struct {
	kind eventKind

	ownerID string
	content string
	key     string

	// msg is the draft that was sent (send results) or the confirmed
	// record that arrived (remote inserts).
	msg model.Message

	// confirmed is the server's answer to a successful send.
	confirmed model.Message

	// records are the result of a catch-up fetch.
	records []model.Message

	reachable bool
	attach    bool
	err       error

	reply chan reply
}

// reply is what the loop sends back to a waiting caller.
type reply struct {
	msg model.Message
	n   int
	err error
}

func (ev event) respond(r reply) {
	if ev.reply != nil {
		ev.reply <- r
	}
}

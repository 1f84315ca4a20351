package events

import "github.com/crystal-mush/mushcore/pkg/world"

// EventType classifies session events for subscribers.
type EventType int

const (
	EvConnect    EventType = iota // Descriptor bound to a player
	EvDisconnect                  // Connected descriptor torn down or recycled
	EvReject                      // Admission refused (site ban, slot exhaustion)
	EvResolved                    // Hostname resolution completed for a descriptor
	EvOverflow                    // Output buffer overflow, bytes discarded
	EvShutdown                    // Server entering shutdown
)

// String returns a human-readable name for the event type.
func (t EventType) String() string {
	switch t {
	case EvConnect:
		return "connect"
	case EvDisconnect:
		return "disconnect"
	case EvReject:
		return "reject"
	case EvResolved:
		return "resolved"
	case EvOverflow:
		return "overflow"
	case EvShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Event is a structured session event flowing through the bus. Subscribers
// decide what to do with each type: the accounting writer stores
// EvDisconnect, metrics count everything, game-state collaborators listen
// for EvConnect/EvDisconnect to fire their own triggers.
type Event struct {
	Type     EventType
	Player   world.DBRef // Affected player (Nothing for pre-auth descriptors)
	Desc     int         // Descriptor id
	Addr     string      // Peer address or hostname text
	Reason   string      // Disconnect/reject reason
	Text     string      // Pre-formatted detail text
	Cmds     int         // Command count at disconnect
	ConnSecs int         // Session length in seconds at disconnect
	Lost     int         // Bytes discarded (EvOverflow)
}

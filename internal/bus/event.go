package bus

import "time"

// Wildcard subscribes a handler to every event kind.
const Wildcard = "*"

// Event is a single occurrence published on the bus: a lifecycle transition
// of the realtime connection or an inbound wire frame. Raw holds the original
// frame bytes when the event came off the wire, nil otherwise.
type Event struct {
	Kind       string
	Payload    any
	Raw        []byte
	ReceivedAt time.Time
}

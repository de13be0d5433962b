package realtime

import "slices"

// Status represents the lifecycle state of the logical connection.
type Status string

const (
	StatusIdle         Status = "IDLE"
	StatusRegistering  Status = "REGISTERING"
	StatusConnecting   Status = "CONNECTING"
	StatusOpen         Status = "OPEN"
	StatusClosed       Status = "CLOSED"
	StatusError        Status = "ERROR"
	StatusReconnecting Status = "RECONNECTING"
)

// validTransitions defines the expected lifecycle edges. Idle is reachable
// from everywhere because a manual disconnect or credential loss resets the
// connection regardless of where it was.
var validTransitions = map[Status][]Status{
	StatusIdle:         {StatusRegistering, StatusIdle},
	StatusRegistering:  {StatusConnecting, StatusReconnecting, StatusError, StatusIdle},
	StatusConnecting:   {StatusOpen, StatusClosed, StatusReconnecting, StatusError, StatusIdle},
	StatusOpen:         {StatusClosed, StatusError, StatusIdle},
	StatusClosed:       {StatusReconnecting, StatusRegistering, StatusIdle},
	StatusError:        {StatusClosed, StatusReconnecting, StatusRegistering, StatusIdle},
	StatusReconnecting: {StatusRegistering, StatusIdle},
}

func transitionAllowed(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

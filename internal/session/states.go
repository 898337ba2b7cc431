package session

import "fmt"

// Status is the session connection state. Transitions are validated; an
// invalid transition is a programming error surfaced loudly in logs rather
// than silently absorbed.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusQRWait       Status = "qr_wait"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// validTransitions encodes the session lifecycle:
//
//	disconnected -> connecting            (startConnection / reconnect timer)
//	connecting   -> qr_wait               (pairing required)
//	connecting   -> connected             (credentials still valid)
//	connecting   -> disconnected          (attempt failed)
//	qr_wait      -> connected             (challenge consumed)
//	qr_wait      -> disconnected          (challenge expired / socket lost)
//	connected    -> disconnected          (any close)
var validTransitions = map[Status][]Status{
	StatusDisconnected: {StatusConnecting},
	StatusConnecting:   {StatusQRWait, StatusConnected, StatusDisconnected},
	StatusQRWait:       {StatusConnected, StatusDisconnected},
	StatusConnected:    {StatusDisconnected},
}

func transitionAllowed(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (m *Manager) setStatusLocked(to Status) error {
	from := m.status
	if !transitionAllowed(from, to) {
		return fmt.Errorf("invalid session transition %s -> %s", from, to)
	}
	m.status = to
	return nil
}

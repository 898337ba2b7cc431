package session

import "context"

// Client is the upstream protocol client the bridge drives. The wire-level
// pairing/authentication cryptography lives behind this interface; the
// bridge only consumes lifecycle events and issues sends.
//
// Implementations must:
//   - Deliver lifecycle events on the channel passed to Start, in order.
//   - Wrap protocol-level rejections (the network refusing a send) with
//     retry.Permanent so the dispatch layer doesn't retry them.
//   - Never surface credential material through errors or events.
type Client interface {
	// Start binds the event channel. Called once before any Connect.
	Start(ctx context.Context, out chan<- Event) error
	// Connect initiates one connection attempt using persisted credentials;
	// when none are valid the client emits a pairing event. The outcome
	// arrives as EventConnected or EventDisconnected.
	Connect(ctx context.Context) error
	// Disconnect tears down the active connection, if any.
	Disconnect()
	// WipeCredentials removes persisted authentication material so the
	// next Connect forces a fresh pairing challenge.
	WipeCredentials() error

	// SendText delivers text to the group and returns the message id.
	SendText(ctx context.Context, groupJID, text string) (string, error)
	// ResolveGroupName maps a human-readable group subject to its id.
	ResolveGroupName(ctx context.Context, name string) (string, error)
	// GroupParticipants lists current members of the group.
	GroupParticipants(ctx context.Context, groupJID string) ([]Participant, error)
}

type Participant struct {
	JID     string
	IsAdmin bool
}

type EventKind string

const (
	// EventPairing carries a fresh one-time pairing code to scan.
	EventPairing EventKind = "pairing"
	// EventConnected reports an authenticated, open connection.
	EventConnected EventKind = "connected"
	// EventDisconnected reports a closed connection with its reason.
	EventDisconnected EventKind = "disconnected"
)

// Event is a connection lifecycle signal from the Client.
type Event struct {
	Kind EventKind

	// Pairing
	Code string

	// Connected
	Identity string

	// Disconnected
	Reason    string
	ErrorCode int
	// LoggedOut marks an explicit, irrecoverable deauthorization. The
	// manager suspends auto-reconnect and requires a manual relink.
	LoggedOut bool
}

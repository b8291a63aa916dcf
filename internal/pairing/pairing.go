// Package pairing defines the contract with the messaging protocol client that performs
// the device pairing handshake, plus the file-backed credential store the client writes to.
package pairing

import "context"

// EventKind identifies a protocol event.
type EventKind string

const (
	// EventCredentialsUpdate carries new or changed credential files.
	EventCredentialsUpdate EventKind = "credentials.update"
	// EventConnectionUpdate reports a change of the connection state.
	EventConnectionUpdate EventKind = "connection.update"
)

// ConnectionState is the state reported by a connection.update event.
type ConnectionState string

const (
	ConnectionConnecting ConnectionState = "connecting"
	ConnectionOpen       ConnectionState = "open"
	ConnectionClose      ConnectionState = "close"
)

// Event is one protocol event. Credentials is set for credentials.update, Connection
// (and optionally Reason) for connection.update.
type Event struct {
	Kind        EventKind
	Credentials map[string][]byte // file name -> contents
	Connection  ConnectionState
	Reason      string
}

// Handle is a live protocol session scoped to one credential store.
type Handle interface {
	// RequestPairingCode asks the protocol layer for a short-lived code for the given digits-only phone number.
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	// Events returns the ordered event stream. The channel is closed when the handle is closed or the session ends.
	Events() <-chan Event
	// Close releases the handle. Safe to call more than once.
	Close() error
}

// Client opens protocol handles.
type Client interface {
	Open(ctx context.Context, store *CredentialStore) (Handle, error)
}

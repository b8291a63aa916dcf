package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// Lifecycle event types. Every state change of a user's session emits one.
const (
	EventPairingStarted   = "pairing.started"
	EventPairingFailed    = "pairing.failed"
	EventPairingClosed    = "pairing.closed"
	EventSessionConnected = "session.connected"
	EventPublishSucceeded = "publish.succeeded"
	EventPublishFailed    = "publish.failed"
	EventDeploySucceeded  = "deploy.succeeded"
	EventDeployFailed     = "deploy.failed"
	EventCleanupSucceeded = "cleanup.succeeded"
	EventCleanupSkipped   = "cleanup.skipped"
	EventCleanupFailed    = "cleanup.failed"
)

// Event is one lifecycle event of a user's session.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	UserID     string            `json:"user_id"`
	SessionID  string            `json:"session_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Error      string            `json:"error,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// NewEvent returns an event of type typ stamped with a fresh id and the current time.
func NewEvent(typ, userID, sessionID string) *Event {
	return &Event{
		ID:         uuid.NewString(),
		Type:       typ,
		UserID:     userID,
		SessionID:  sessionID,
		OccurredAt: time.Now().UTC(),
	}
}

// With sets an attribute and returns e.
func (e *Event) With(key, value string) *Event {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithError records err on e and returns e. A nil err is ignored.
func (e *Event) WithError(err error) *Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

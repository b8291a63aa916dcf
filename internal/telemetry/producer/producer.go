// Package producer defines the interface for publishing lifecycle events to a broker (e.g. Kafka).
package producer

import (
	"context"

	"session-provisioner/internal/telemetry"
)

// Producer emits lifecycle events. Callers use it best-effort: log and ignore errors.
// Every Producer is also a telemetry.EventEmitter.
type Producer interface {
	// Emit sends a single event. Implementations may block briefly; call from a goroutine if needed.
	Emit(ctx context.Context, event *telemetry.Event) error
	// Close releases resources (e.g. Kafka writer). Safe to call if already closed.
	Close() error
}

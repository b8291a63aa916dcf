package otel

import (
	"context"
	"sort"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"session-provisioner/internal/telemetry"
)

const instrumentationName = "session-provisioner/lifecycle"

// RecordEmitter is the part of an OTel logger the event emitter needs.
type RecordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewEventEmitter returns an EventEmitter that sends lifecycle events as OTel log records via the given LoggerProvider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return NewEventEmitterWithLogger(provider.Logger(instrumentationName))
}

// NewEventEmitterWithLogger returns an EventEmitter writing to logger.
func NewEventEmitterWithLogger(logger RecordEmitter) telemetry.EventEmitter {
	return &otelEmitter{logger: logger}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *telemetry.Event) error { return nil }

type otelEmitter struct {
	logger RecordEmitter
}

// Emit converts the event to an OTel log record. Failed stages are emitted at error severity.
func (e *otelEmitter) Emit(ctx context.Context, event *telemetry.Event) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	rec.SetTimestamp(event.OccurredAt)
	if rec.Timestamp().IsZero() {
		rec.SetTimestamp(time.Now().UTC())
	}
	rec.SetEventName(event.Type)
	rec.SetBody(otellog.StringValue(event.Type))
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetSeverityText("INFO")
	if event.Error != "" {
		rec.SetSeverity(otellog.SeverityError)
		rec.SetSeverityText("ERROR")
		rec.AddAttributes(otellog.String("error", event.Error))
	}
	rec.AddAttributes(otellog.String("event_type", event.Type))
	if event.ID != "" {
		rec.AddAttributes(otellog.String("event_id", event.ID))
	}
	if event.UserID != "" {
		rec.AddAttributes(otellog.String("user_id", event.UserID))
	}
	if event.SessionID != "" {
		rec.AddAttributes(otellog.String("session_id", event.SessionID))
	}
	keys := make([]string, 0, len(event.Attributes))
	for k := range event.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rec.AddAttributes(otellog.String(k, event.Attributes[k]))
	}
	e.logger.Emit(ctx, rec)
	return nil
}

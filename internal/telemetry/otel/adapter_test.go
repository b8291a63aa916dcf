package otel

import (
	"context"
	"errors"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"session-provisioner/internal/telemetry"
)

func TestNewEventEmitter_NilProvider_ReturnsNoop(t *testing.T) {
	em := NewEventEmitter(nil)
	if em == nil {
		t.Fatal("NewEventEmitter(nil) returned nil")
	}
	if err := em.Emit(context.Background(), telemetry.NewEvent(telemetry.EventPairingStarted, "u1", "s1")); err != nil {
		t.Errorf("noop Emit: %v", err)
	}
}

func TestEmit_NilEvent_ReturnsNil(t *testing.T) {
	provider := sdklog.NewLoggerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()
	em := NewEventEmitter(provider)
	if err := em.Emit(context.Background(), nil); err != nil {
		t.Errorf("Emit(ctx, nil): %v", err)
	}
}

// recordCapture stores the last Record passed to Emit for assertion.
type recordCapture struct {
	rec otellog.Record
}

func (r *recordCapture) Emit(ctx context.Context, rec otellog.Record) {
	r.rec = rec
}

func attrsOf(rec otellog.Record) map[string]string {
	attrs := make(map[string]string)
	rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value.AsString()
		return true
	})
	return attrs
}

func TestEmit_AttributeMapping(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	event := telemetry.NewEvent(telemetry.EventDeploySucceeded, "u1", "u1_1").With("app", "bot-u1-x")
	if err := em.Emit(context.Background(), event); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	rec := cap.rec
	if rec.Body().AsString() != telemetry.EventDeploySucceeded || rec.EventName() != telemetry.EventDeploySucceeded {
		t.Errorf("body = %q, event name = %q", rec.Body().AsString(), rec.EventName())
	}
	if rec.Severity() != otellog.SeverityInfo {
		t.Errorf("severity = %v, want info", rec.Severity())
	}
	want := map[string]string{
		"event_type": telemetry.EventDeploySucceeded, "event_id": event.ID,
		"user_id": "u1", "session_id": "u1_1", "app": "bot-u1-x",
	}
	attrs := attrsOf(rec)
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("attr %q = %q, want %q", k, attrs[k], v)
		}
	}
	if !rec.Timestamp().Equal(event.OccurredAt) {
		t.Errorf("timestamp = %v, want %v", rec.Timestamp(), event.OccurredAt)
	}
}

func TestEmit_FailureIsErrorSeverity(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	event := telemetry.NewEvent(telemetry.EventPublishFailed, "u1", "").WithError(errors.New("push rejected"))
	if err := em.Emit(context.Background(), event); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if cap.rec.Severity() != otellog.SeverityError {
		t.Errorf("severity = %v, want error", cap.rec.Severity())
	}
	attrs := attrsOf(cap.rec)
	if attrs["error"] != "push rejected" {
		t.Errorf("error attr = %q", attrs["error"])
	}
	if _, ok := attrs["session_id"]; ok {
		t.Error("empty session id should not be set")
	}
}

func TestEmit_ZeroTimestamp_SetsCurrentTime(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	before := time.Now().UTC()
	if err := em.Emit(context.Background(), &telemetry.Event{Type: "x", UserID: "u1"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	ts := cap.rec.Timestamp()
	if ts.IsZero() || ts.Before(before) {
		t.Errorf("timestamp = %v, want now", ts)
	}
}

package telemetry

import (
	"context"
	"errors"
)

// EventEmitter emits lifecycle events (e.g. to OTel Logs or Kafka). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *Event) error
}

// Fanout returns an emitter that sends every event to each non-nil emitter in order.
// All emitters are tried; their errors are joined.
func Fanout(emitters ...EventEmitter) EventEmitter {
	out := make(fanout, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

type fanout []EventEmitter

func (f fanout) Emit(ctx context.Context, event *Event) error {
	var errs []error
	for _, e := range f {
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package logging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	otellog "go.opentelemetry.io/otel/log"
)

// RecordEmitter is the part of an OTel logger the handler needs.
type RecordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// OTelHandler is a slog.Handler that converts records into OTel log records.
type OTelHandler struct {
	logger RecordEmitter
	level  slog.Leveler
	attrs  []otellog.KeyValue
	groups []string
}

// NewOTelHandler returns a handler emitting records at or above level to logger.
func NewOTelHandler(logger RecordEmitter, level slog.Leveler) *OTelHandler {
	return &OTelHandler{logger: logger, level: level}
}

func (h *OTelHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *OTelHandler) Handle(ctx context.Context, r slog.Record) error {
	var rec otellog.Record
	rec.SetTimestamp(r.Time)
	rec.SetObservedTimestamp(time.Now())
	rec.SetBody(otellog.StringValue(r.Message))
	rec.SetSeverity(severity(r.Level))
	rec.SetSeverityText(r.Level.String())
	rec.AddAttributes(h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if kv, ok := h.convert(a); ok {
			rec.AddAttributes(kv)
		}
		return true
	})
	h.logger.Emit(ctx, rec)
	return nil
}

func (h *OTelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := h.clone()
	for _, a := range attrs {
		if kv, ok := h.convert(a); ok {
			out.attrs = append(out.attrs, kv)
		}
	}
	return out
}

func (h *OTelHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	out := h.clone()
	out.groups = append(out.groups, name)
	return out
}

func (h *OTelHandler) clone() *OTelHandler {
	out := *h
	out.attrs = append([]otellog.KeyValue(nil), h.attrs...)
	out.groups = append([]string(nil), h.groups...)
	return &out
}

// convert maps an attribute to a key/value, prefixing the key with open groups.
func (h *OTelHandler) convert(a slog.Attr) (otellog.KeyValue, bool) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return otellog.KeyValue{}, false
	}
	key := a.Key
	for i := len(h.groups) - 1; i >= 0; i-- {
		key = h.groups[i] + "." + key
	}
	return otellog.KeyValue{Key: key, Value: value(a.Value)}, true
}

func value(v slog.Value) otellog.Value {
	switch v.Kind() {
	case slog.KindString:
		return otellog.StringValue(v.String())
	case slog.KindInt64:
		return otellog.Int64Value(v.Int64())
	case slog.KindUint64:
		return otellog.Int64Value(int64(v.Uint64()))
	case slog.KindFloat64:
		return otellog.Float64Value(v.Float64())
	case slog.KindBool:
		return otellog.BoolValue(v.Bool())
	case slog.KindDuration:
		return otellog.StringValue(v.Duration().String())
	case slog.KindTime:
		return otellog.StringValue(v.Time().Format(time.RFC3339Nano))
	case slog.KindGroup:
		group := v.Group()
		kvs := make([]otellog.KeyValue, 0, len(group))
		for _, a := range group {
			kvs = append(kvs, otellog.KeyValue{Key: a.Key, Value: value(a.Value.Resolve())})
		}
		return otellog.MapValue(kvs...)
	default:
		if err, ok := v.Any().(error); ok {
			return otellog.StringValue(err.Error())
		}
		return otellog.StringValue(fmt.Sprint(v.Any()))
	}
}

func severity(l slog.Level) otellog.Severity {
	switch {
	case l >= slog.LevelError:
		return otellog.SeverityError
	case l >= slog.LevelWarn:
		return otellog.SeverityWarn
	case l >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}

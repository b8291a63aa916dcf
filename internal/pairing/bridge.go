package pairing

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Full method names of the pairing bridge sidecar. Every request and response is a
// google.protobuf.Struct.
const (
	MethodOpen               = "/pairing.v1.PairingBridge/Open"
	MethodRequestPairingCode = "/pairing.v1.PairingBridge/RequestPairingCode"
	MethodSubscribe          = "/pairing.v1.PairingBridge/Subscribe"
	MethodClose              = "/pairing.v1.PairingBridge/Close"
)

const (
	eventBuffer  = 16
	closeTimeout = 5 * time.Second
)

// BridgeClient talks to an out-of-process protocol sidecar over gRPC.
type BridgeClient struct {
	conn   grpc.ClientConnInterface
	closer io.Closer
}

// DialBridge connects to the sidecar at addr. The connection is plaintext unless opts override
// the transport credentials, and is instrumented with OpenTelemetry.
func DialBridge(addr string, opts ...grpc.DialOption) (*BridgeClient, error) {
	if addr == "" {
		return nil, errors.New("pairing: bridge address is empty")
	}
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("pairing: dial bridge: %w", err)
	}
	return &BridgeClient{conn: conn, closer: conn}, nil
}

// NewBridgeClient wraps an existing connection. The caller keeps ownership of conn.
func NewBridgeClient(conn grpc.ClientConnInterface) *BridgeClient {
	return &BridgeClient{conn: conn}
}

// Close closes the connection if this client dialed it.
func (c *BridgeClient) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// Open starts a protocol session on the sidecar seeded with the credentials already in store,
// and subscribes to its events.
func (c *BridgeClient) Open(ctx context.Context, store *CredentialStore) (Handle, error) {
	files, err := store.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("pairing: read credentials: %w", err)
	}
	creds := make(map[string]any, len(files))
	for name, data := range files {
		creds[name] = base64.StdEncoding.EncodeToString(data)
	}
	req, err := structpb.NewStruct(map[string]any{
		"credential_dir": store.Dir(),
		"credentials":    creds,
	})
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, MethodOpen, req, resp); err != nil {
		return nil, fmt.Errorf("pairing: open: %w", err)
	}
	id := resp.GetFields()["handle_id"].GetStringValue()
	if id == "" {
		return nil, errors.New("pairing: open: bridge returned no handle_id")
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := c.conn.NewStream(streamCtx, &grpc.StreamDesc{StreamName: "Subscribe", ServerStreams: true}, MethodSubscribe)
	if err == nil {
		err = sendOne(stream, handleRequest(id, nil))
	}
	if err != nil {
		cancel()
		c.closeRemote(id)
		return nil, fmt.Errorf("pairing: subscribe: %w", err)
	}

	h := &bridgeHandle{
		client: c,
		id:     id,
		events: make(chan Event, eventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.receive(streamCtx, stream)
	return h, nil
}

func (c *BridgeClient) closeRemote(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err := c.conn.Invoke(ctx, MethodClose, handleRequest(id, nil), new(structpb.Struct))
	if err != nil && status.Code(err) != codes.NotFound {
		slog.Warn("pairing: close bridge handle", "handle_id", id, "error", err)
	}
}

type bridgeHandle struct {
	client *BridgeClient
	id     string
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (h *bridgeHandle) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	resp := new(structpb.Struct)
	req := handleRequest(h.id, map[string]string{"phone_number": phone})
	if err := h.client.conn.Invoke(ctx, MethodRequestPairingCode, req, resp); err != nil {
		return "", fmt.Errorf("pairing: request code: %w", err)
	}
	code := resp.GetFields()["code"].GetStringValue()
	if code == "" {
		return "", errors.New("pairing: request code: bridge returned no code")
	}
	return code, nil
}

func (h *bridgeHandle) Events() <-chan Event {
	return h.events
}

func (h *bridgeHandle) Close() error {
	h.once.Do(func() {
		h.cancel()
		<-h.done
		h.client.closeRemote(h.id)
	})
	return nil
}

func (h *bridgeHandle) receive(ctx context.Context, stream grpc.ClientStream) {
	defer close(h.done)
	defer close(h.events)
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
				slog.Warn("pairing: event stream ended", "handle_id", h.id, "error", err)
			}
			return
		}
		ev, err := decodeEvent(msg)
		if err != nil {
			slog.Warn("pairing: drop malformed event", "handle_id", h.id, "error", err)
			continue
		}
		select {
		case h.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func sendOne(stream grpc.ClientStream, req *structpb.Struct) error {
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	return stream.CloseSend()
}

func handleRequest(id string, extra map[string]string) *structpb.Struct {
	fields := map[string]*structpb.Value{"handle_id": structpb.NewStringValue(id)}
	for k, v := range extra {
		fields[k] = structpb.NewStringValue(v)
	}
	return &structpb.Struct{Fields: fields}
}

// decodeEvent converts a bridge message into an Event. Credential contents travel base64 encoded.
func decodeEvent(msg *structpb.Struct) (Event, error) {
	f := msg.GetFields()
	switch kind := EventKind(f["type"].GetStringValue()); kind {
	case EventCredentialsUpdate:
		raw := f["credentials"].GetStructValue().GetFields()
		creds := make(map[string][]byte, len(raw))
		for name, v := range raw {
			data, err := base64.StdEncoding.DecodeString(v.GetStringValue())
			if err != nil {
				return Event{}, fmt.Errorf("credential %q: %w", name, err)
			}
			creds[name] = data
		}
		return Event{Kind: kind, Credentials: creds}, nil
	case EventConnectionUpdate:
		state := ConnectionState(f["connection"].GetStringValue())
		if state == "" {
			return Event{}, errors.New("connection.update without state")
		}
		return Event{Kind: kind, Connection: state, Reason: f["reason"].GetStringValue()}, nil
	default:
		return Event{}, fmt.Errorf("unknown event type %q", kind)
	}
}

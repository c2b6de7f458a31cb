//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	api "github.com/oshokin/torchd/internal/api/grpc/torch"
	"github.com/oshokin/torchd/internal/config"
	domain "github.com/oshokin/torchd/internal/domain/torch"
	"github.com/oshokin/torchd/internal/journal"
)

// Client wraps the gRPC TorchService client with convenience helpers.
type Client struct {
	// conn is the underlying gRPC connection to torchd.
	conn *grpc.ClientConn
	// api is the TorchService client.
	api api.TorchServiceClient
	// actor is sent with every request.
	actor string

	// callTimeout is the default timeout for unary calls. Watch is not bounded by it.
	callTimeout time.Duration
}

// Option configures client behaviour.
type Option func(*Client)

// WithCallTimeout sets a default timeout for unary calls.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// WithActor names the caller in request metadata.
func WithActor(actor string) Option {
	return func(c *Client) {
		c.actor = actor
	}
}

// WithConn replaces the dialed connection, mainly for in-process transports.
func WithConn(conn grpc.ClientConnInterface) Option {
	return func(c *Client) {
		c.api = api.NewTorchServiceClient(conn)
	}
}

// errAddressRequired is returned when a required address value is missing.
var errAddressRequired = errors.New("address must be provided")

// Dial prepares a connection to torchd. The connection is established lazily.
// Note: this uses insecure transport credentials; torchd listens on loopback
// by default.
func Dial(_ context.Context, address string, opts ...Option) (*Client, error) {
	if address == "" {
		return nil, errAddressRequired
	}

	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial torchd: %w", err)
	}

	client := &Client{
		conn:        conn,
		api:         api.NewTorchServiceClient(conn),
		callTimeout: config.DefaultTimeout,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}

	return c.conn.Close()
}

// SetIntensity requests an intensity; negative selects the preferred one.
func (c *Client) SetIntensity(ctx context.Context, intensity int) (domain.Snapshot, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	//nolint:gosec // Intensities are small.
	doc, err := c.api.SetIntensity(callCtx, wrapperspb.Int32(int32(intensity)))
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("set intensity: %w", err)
	}

	return api.SnapshotFromStruct(doc), nil
}

// State returns the current snapshot.
func (c *Client) State(ctx context.Context) (domain.Snapshot, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	doc, err := c.api.GetState(callCtx, new(emptypb.Empty))
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("get state: %w", err)
	}

	return api.SnapshotFromStruct(doc), nil
}

// Refresh asks torchd to retry discovery.
func (c *Client) Refresh(ctx context.Context) (domain.Snapshot, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	doc, err := c.api.Refresh(callCtx, new(emptypb.Empty))
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("refresh: %w", err)
	}

	return api.SnapshotFromStruct(doc), nil
}

// SetKeepAlive stores the keep-alive preference.
func (c *Client) SetKeepAlive(ctx context.Context, keepAlive bool) (domain.Snapshot, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	doc, err := c.api.SetKeepAlive(callCtx, wrapperspb.Bool(keepAlive))
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("set keep-alive: %w", err)
	}

	return api.SnapshotFromStruct(doc), nil
}

// History returns up to limit recent journal entries, newest first.
func (c *Client) History(ctx context.Context, limit uint32) ([]journal.Entry, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	doc, err := c.api.History(callCtx, wrapperspb.UInt32(limit))
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	return api.EntriesFromStruct(doc), nil
}

// Watch attaches as a host named name and calls fn for every event until ctx
// is done, the server ends the stream or fn returns an error.
func (c *Client) Watch(ctx context.Context, name string, fn func(api.Event) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"name": structpb.NewStringValue(name),
	}}

	stream, err := c.api.Watch(c.withActor(ctx), req)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	for {
		doc, recvErr := stream.Recv()

		switch {
		case errors.Is(recvErr, io.EOF):
			return nil
		case recvErr != nil:
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("receive event: %w", recvErr)
		}

		if err = fn(api.EventFromStruct(doc)); err != nil {
			return err
		}
	}
}

// callContext returns a context carrying the actor and, when configured, the call timeout.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = c.withActor(ctx)

	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.callTimeout)
}

func (c *Client) withActor(ctx context.Context) context.Context {
	if c.actor == "" {
		return ctx
	}

	return api.WithActor(ctx, c.actor)
}

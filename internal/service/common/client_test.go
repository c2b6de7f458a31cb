//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	api "github.com/oshokin/torchd/internal/api/grpc/torch"
	domain "github.com/oshokin/torchd/internal/domain/torch"
	"github.com/oshokin/torchd/internal/host"
	"github.com/oshokin/torchd/internal/journal"
)

// stubService answers every call with a fixed snapshot and records actors.
type stubService struct {
	mu     sync.Mutex
	actors []string
}

func (s *stubService) record(actor string) domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.actors = append(s.actors, actor)

	return domain.Snapshot{ResourceID: "cam1", State: domain.StateActive, Current: 2, Desired: 2, Max: 5}
}

func (s *stubService) SetIntensity(_ context.Context, actor string, _ int) (domain.Snapshot, error) {
	return s.record(actor), nil
}

func (s *stubService) State(context.Context) (domain.Snapshot, error) {
	return s.record(""), nil
}

func (s *stubService) Refresh(_ context.Context, actor string) (domain.Snapshot, error) {
	return s.record(actor), nil
}

func (s *stubService) SetKeepAlive(_ context.Context, actor string, keepAlive bool) (domain.Snapshot, error) {
	snapshot := s.record(actor)
	snapshot.KeepAlive = keepAlive

	return snapshot, nil
}

func (s *stubService) History(_ context.Context, limit int) ([]journal.Entry, error) {
	entries := make([]journal.Entry, 0, limit)
	for i := range limit {
		entries = append(entries, journal.Entry{ID: int64(limit - i), Kind: journal.KindState, Current: i, Max: 5})
	}

	return entries, nil
}

func (s *stubService) Watch(_ context.Context, _ string, sink host.Sink) error {
	ctx := context.Background()
	sink.OnStateChanged(ctx, 0, 5)
	sink.OnStateChanged(ctx, 5, 5)

	return nil
}

// newStubClient connects a Client to a stub server over bufconn.
func newStubClient(t *testing.T, svc api.Service, opts ...Option) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	api.RegisterTorchServiceServer(srv, api.NewServer(svc))

	go func() { _ = srv.Serve(lis) }()

	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	return &Client{
		api:         api.NewTorchServiceClient(conn),
		actor:       "tester@bench",
		callTimeout: time.Second,
	}
}

// TestDial_ValidatesAddress verifies that Dial rejects empty addresses.
func TestDial_ValidatesAddress(t *testing.T) {
	t.Parallel()

	c, err := Dial(context.Background(), "")
	require.Error(t, err)
	require.Nil(t, c)
}

// TestDial_AppliesOptions checks the options reach the client.
func TestDial_AppliesOptions(t *testing.T) {
	t.Parallel()

	c, err := Dial(context.Background(), "127.0.0.1:7311", WithActor("me@here"), WithCallTimeout(time.Minute))
	require.NoError(t, err)

	defer func() { require.NoError(t, c.Close()) }()

	require.Equal(t, "me@here", c.actor)
	require.Equal(t, time.Minute, c.callTimeout)
}

// TestClient_callContext checks timeout vs cancel-only behavior of callContext.
func TestClient_callContext(t *testing.T) {
	t.Parallel()

	c := &Client{
		callTimeout: 0,
	}

	ctx, cancel := c.callContext(context.Background())
	cancel()

	_, ok := ctx.Deadline()
	require.False(t, ok)

	c.callTimeout = 10 * time.Millisecond

	ctx, cancel = c.callContext(context.Background())
	defer cancel()

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(10*time.Millisecond), deadline, 30*time.Millisecond)
}

// TestClient_Calls exercises every unary helper against a stub server.
func TestClient_Calls(t *testing.T) {
	t.Parallel()

	svc := new(stubService)
	c := newStubClient(t, svc)
	ctx := context.Background()

	snapshot, err := c.SetIntensity(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 2, snapshot.Current)

	snapshot, err = c.State(ctx)
	require.NoError(t, err)
	require.Equal(t, "cam1", snapshot.ResourceID)

	_, err = c.Refresh(ctx)
	require.NoError(t, err)

	snapshot, err = c.SetKeepAlive(ctx, true)
	require.NoError(t, err)
	require.True(t, snapshot.KeepAlive)

	entries, err := c.History(ctx, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, int64(3), entries[0].ID)

	svc.mu.Lock()
	defer svc.mu.Unlock()

	require.Equal(t, []string{"tester@bench", "", "tester@bench", "tester@bench"}, svc.actors)
}

// TestClient_Watch delivers every streamed event to the callback.
func TestClient_Watch(t *testing.T) {
	t.Parallel()

	c := newStubClient(t, new(stubService))

	var states []int

	err := c.Watch(context.Background(), "panel", func(e api.Event) error {
		require.Equal(t, api.EventState, e.Type)

		states = append(states, e.Current)

		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{0, 5}, states)
}

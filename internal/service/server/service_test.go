package server

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	api "github.com/oshokin/torchd/internal/api/grpc/torch"
	"github.com/oshokin/torchd/internal/dispatch"
	domain "github.com/oshokin/torchd/internal/domain/torch"
	"github.com/oshokin/torchd/internal/driver/simulated"
	"github.com/oshokin/torchd/internal/journal"
	"github.com/oshokin/torchd/internal/repository/prefs"
	"github.com/oshokin/torchd/internal/session"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// recordingSink collects host events from the session loop.
type recordingSink struct {
	mu     sync.Mutex
	states []int
	errors []domain.ErrorKind
	owner  []bool
}

func (r *recordingSink) OnStateChanged(_ context.Context, current, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.states = append(r.states, current)
}

func (r *recordingSink) OnError(_ context.Context, kind domain.ErrorKind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errors = append(r.errors, kind)
}

func (r *recordingSink) OnOwnerNeededChanged(_ context.Context, needResource, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.owner = append(r.owner, needResource)
}

func (r *recordingSink) stateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.states)
}

func (r *recordingSink) lastState() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.states) == 0 {
		return -1
	}

	return r.states[len(r.states)-1]
}

// newTestService runs a service over the simulated backend with cam0 (no
// intensity control) and cam1 (max 5).
func newTestService(t *testing.T) (*service, *simulated.Driver) {
	t.Helper()

	drv := simulated.New(
		simulated.DeviceSpec{ID: "cam0"},
		simulated.DeviceSpec{ID: "cam1", MaxIntensity: 5},
	)
	loop := dispatch.New()

	ctx, cancel := context.WithCancel(context.Background())

	go func() { _ = drv.Run(ctx) }()
	go func() { _ = loop.Run(ctx) }()

	t.Cleanup(func() {
		loop.Stop()
		cancel()
	})

	store, err := prefs.NewStore(ctx, prefs.NewFileRepository(filepath.Join(t.TempDir(), "prefs.json")))
	require.NoError(t, err)

	return newService(loop, session.New(drv, loop), store), drv
}

// hostCount reads the tracked hosts on the loop, after everything posted so far.
func hostCount(t *testing.T, s *service) int {
	t.Helper()

	var n int

	require.NoError(t, s.loop.Call(context.Background(), func(context.Context) { n = len(s.hosts) }))

	return n
}

// TestService_SetIntensityTurnsTorchOn checks the unary path from request to hardware.
func TestService_SetIntensityTurnsTorchOn(t *testing.T) {
	t.Parallel()

	s, drv := newTestService(t)
	ctx := context.Background()

	snapshot, err := s.SetIntensity(ctx, "tester", 3)
	require.NoError(t, err)
	require.Equal(t, domain.StateActive, snapshot.State)
	require.Equal(t, 3, snapshot.Current)
	require.Equal(t, "cam1", snapshot.ResourceID)
	require.Equal(t, 5, snapshot.Max)
	require.True(t, snapshot.OwnerNeeded)

	require.Eventually(t, func() bool { return drv.Intensity("cam1") == 3 }, waitFor, tick)
	require.Equal(t, 3, s.prefs.Intensity(0))

	// The lit primary host stays registered.
	require.Equal(t, 1, hostCount(t, s))

	snapshot, err = s.SetIntensity(ctx, "tester", 0)
	require.NoError(t, err)
	require.Equal(t, domain.StateIdle, snapshot.State)
	require.False(t, snapshot.IsOn())
	require.False(t, drv.IsOpen("cam1"))

	require.Equal(t, 0, hostCount(t, s))
}

// TestService_PreferredIntensity uses the saved value for the "on" sentinel.
func TestService_PreferredIntensity(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.prefs.SetIntensity(ctx, 2))

	snapshot, err := s.SetIntensity(ctx, "tester", domain.UnknownIntensity)
	require.NoError(t, err)
	require.Equal(t, 2, snapshot.Current)

	// A request above the maximum is clamped but still saved as preference.
	snapshot, err = s.SetIntensity(ctx, "tester", 9)
	require.NoError(t, err)
	require.Equal(t, 5, snapshot.Current)
	require.Equal(t, 9, s.prefs.Intensity(0))
}

// TestService_KeepAliveHoldsPrimary keeps the primary host after the torch turns off.
func TestService_KeepAliveHoldsPrimary(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t)
	ctx := context.Background()

	snapshot, err := s.SetKeepAlive(ctx, "tester", true)
	require.NoError(t, err)
	require.True(t, snapshot.KeepAlive)

	_, err = s.SetIntensity(ctx, "tester", 1)
	require.NoError(t, err)

	_, err = s.SetIntensity(ctx, "tester", 0)
	require.NoError(t, err)
	require.Equal(t, 1, hostCount(t, s))

	snapshot, err = s.SetKeepAlive(ctx, "tester", false)
	require.NoError(t, err)
	require.False(t, snapshot.KeepAlive)
	require.Equal(t, 0, hostCount(t, s))
}

// TestService_PreferencesChangedOnDisk releases hosts when keep-alive is dropped externally.
func TestService_PreferencesChangedOnDisk(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.SetKeepAlive(ctx, "tester", true)
	require.NoError(t, err)

	_, err = s.Refresh(ctx, "tester")
	require.NoError(t, err)
	require.Equal(t, 1, hostCount(t, s))

	s.onPreferencesChanged(prefs.Preferences{KeepAlive: true})
	require.Equal(t, 1, hostCount(t, s))

	require.NoError(t, s.prefs.SetKeepAlive(ctx, false))
	s.onPreferencesChanged(prefs.Preferences{})
	require.Equal(t, 0, hostCount(t, s))
}

// TestService_HistoryDisabled reports the missing journal.
func TestService_HistoryDisabled(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t)

	_, err := s.History(context.Background(), 10)
	require.ErrorIs(t, err, journal.ErrDisabled)
}

// TestService_WatchForwardsEvents streams state changes to an attached sink.
func TestService_WatchForwardsEvents(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t)
	sink := new(recordingSink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- s.Watch(ctx, "panel", sink) }()

	// Registration sends the discovered state.
	require.Eventually(t, func() bool { return sink.stateCount() > 0 }, waitFor, tick)

	_, err := s.SetIntensity(context.Background(), "tester", 4)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sink.lastState() == 4 }, waitFor, tick)

	cancel()
	require.NoError(t, <-done)

	// The watcher was the primary owner; it leaves once the torch is off.
	_, err = s.SetIntensity(context.Background(), "tester", 0)
	require.NoError(t, err)
	require.Equal(t, 0, hostCount(t, s))
}

// TestService_AttachmentControls drives the torch like the MQTT bridge does.
func TestService_AttachmentControls(t *testing.T) {
	t.Parallel()

	s, drv := newTestService(t)
	ctx := context.Background()

	attachment, err := s.Attach(ctx, "mqtt", nil)
	require.NoError(t, err)

	require.NoError(t, attachment.Toggle(ctx))
	require.Eventually(t, func() bool { return drv.Intensity("cam1") == 5 }, waitFor, tick)

	require.NoError(t, attachment.Toggle(ctx))

	snapshot, err := s.State(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.StateIdle, snapshot.State)

	require.NoError(t, attachment.SetIntensity(ctx, 2))
	require.NoError(t, attachment.Refresh(ctx))

	attachment.Detach(ctx)
	require.Equal(t, 1, hostCount(t, s), "lit primary stays after detach")
}

// TestService_ShutdownTurnsTorchOff closes the session and rejects further work.
func TestService_ShutdownTurnsTorchOff(t *testing.T) {
	t.Parallel()

	s, drv := newTestService(t)
	ctx := context.Background()

	_, err := s.SetIntensity(ctx, "tester", 3)
	require.NoError(t, err)

	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, s.Shutdown(ctx))

	snapshot, err := s.State(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.StateIdle, snapshot.State)
	require.False(t, drv.IsOpen("cam1"))

	_, err = s.SetIntensity(ctx, "tester", 1)
	require.ErrorIs(t, err, api.ErrShuttingDown)
}

package host

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/torchd/internal/dispatch"
	"github.com/oshokin/torchd/internal/domain/torch"
	"github.com/oshokin/torchd/internal/driver/simulated"
	"github.com/oshokin/torchd/internal/session"
)

type memoryPrefs struct {
	intensity int
	keepAlive bool
	saved     []int
}

func (m *memoryPrefs) Intensity(def int) int {
	if m.intensity > 0 {
		return m.intensity
	}

	return def
}

func (m *memoryPrefs) SetIntensity(_ context.Context, v int) error {
	m.intensity = v
	m.saved = append(m.saved, v)

	return nil
}

func (m *memoryPrefs) KeepAlive() bool { return m.keepAlive }

type ownerEvent struct {
	resource, foreground bool
}

type recordingSink struct {
	states [][2]int
	errors []torch.ErrorKind
	owner  []ownerEvent
}

func (s *recordingSink) OnStateChanged(_ context.Context, current, maxIntensity int) {
	s.states = append(s.states, [2]int{current, maxIntensity})
}

func (s *recordingSink) OnError(_ context.Context, kind torch.ErrorKind) {
	s.errors = append(s.errors, kind)
}

func (s *recordingSink) OnOwnerNeededChanged(_ context.Context, needResource, needForeground bool) {
	s.owner = append(s.owner, ownerEvent{needResource, needForeground})
}

type fixture struct {
	drv     *simulated.Driver
	loop    *dispatch.Loop
	session *session.Session
	prefs   *memoryPrefs
	stopped []string
}

func newFixture(t *testing.T, specs ...simulated.DeviceSpec) *fixture {
	t.Helper()

	if len(specs) == 0 {
		specs = []simulated.DeviceSpec{{ID: "cam1", MaxIntensity: 5}}
	}

	f := &fixture{
		drv:   simulated.New(specs...),
		loop:  dispatch.New(),
		prefs: &memoryPrefs{},
	}
	f.session = session.New(f.drv, f.loop)

	return f
}

func (f *fixture) newHost(name string, sink Sink) *Host {
	return New(name, Options{
		Torch:       f.session,
		Preferences: f.prefs,
		Poster:      f.loop,
		Sink:        sink,
		OnStopped: func(_ context.Context, h *Host) {
			f.stopped = append(f.stopped, h.Name())
		},
	})
}

func (f *fixture) settle() {
	ctx := context.Background()

	for {
		if f.drv.Flush(ctx)+f.loop.Drain(ctx) == 0 {
			return
		}
	}
}

// TestHost_PrimaryLingersWhileTorchIsOn keeps the first host until the torch is off and dependents are gone.
func TestHost_PrimaryLingersWhileTorchIsOn(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	first := f.newHost("first", nil)
	first.Start(ctx)
	first.SetIntensity(ctx, 3)
	f.settle()
	first.Unbind(ctx)
	f.settle()

	require.False(t, first.Stopped())
	require.True(t, first.Retained())
	require.True(t, first.Foreground())
	require.True(t, f.session.IsPrimary(first))

	second := f.newHost("second", nil)
	second.Start(ctx)
	second.SetIntensity(ctx, 0)
	f.settle()

	// The second host still depends on the primary.
	require.True(t, first.Retained())
	require.False(t, first.Stopped())

	second.Unbind(ctx)
	f.settle()

	require.True(t, second.Stopped())
	require.True(t, first.Stopped())
	require.Equal(t, []string{"second", "first"}, f.stopped)
	require.Empty(t, f.session.Snapshot().Primary)
}

// TestHost_BoundHostStays ignores owner release while the context is still bound.
func TestHost_BoundHostStays(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	h := f.newHost("watch", nil)
	h.Start(ctx)
	h.SetIntensity(ctx, 2)
	f.settle()
	h.SetIntensity(ctx, 0)
	f.settle()

	require.False(t, h.Stopped())
	require.False(t, h.Retained())

	h.Unbind(ctx)
	require.True(t, h.Stopped())
}

// TestHost_KeepAlivePreference keeps an idle primary resident.
func TestHost_KeepAlivePreference(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.prefs.keepAlive = true

	h := f.newHost("tile", nil)
	h.Start(ctx)
	h.Unbind(ctx)
	f.settle()

	require.False(t, h.Stopped())

	f.prefs.keepAlive = false
	h.TryStop(ctx)

	require.True(t, h.Stopped())
}

// TestHost_PreferredIntensity resolves the sentinel and persists explicit values.
func TestHost_PreferredIntensity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	h := f.newHost("cli", nil)
	h.Start(ctx)

	h.SetIntensity(ctx, torch.UnknownIntensity)
	f.settle()
	require.Equal(t, 5, f.drv.Intensity("cam1"))
	require.Empty(t, f.prefs.saved)

	h.SetIntensity(ctx, 2)
	f.settle()
	h.SetIntensity(ctx, 0)
	f.settle()
	h.SetIntensity(ctx, -1)
	f.settle()

	require.Equal(t, 2, f.drv.Intensity("cam1"))
	require.Equal(t, []int{2}, f.prefs.saved)
}

// TestHost_PreferredIntensityIsClamped never exceeds the device maximum.
func TestHost_PreferredIntensityIsClamped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.prefs.intensity = 40

	h := f.newHost("cli", nil)
	h.Start(ctx)
	h.SetIntensity(ctx, -1)
	f.settle()

	require.Equal(t, 5, f.drv.Intensity("cam1"))
}

// TestHost_Toggle flips between off and the preferred intensity.
func TestHost_Toggle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.prefs.intensity = 3

	h := f.newHost("tile", nil)
	h.Start(ctx)

	h.Toggle(ctx)
	f.settle()
	require.Equal(t, 3, f.drv.Intensity("cam1"))

	h.Toggle(ctx)
	f.settle()
	require.False(t, f.drv.IsOpen("cam1"))
}

// TestHost_SinkForwarding relays listener and owner events.
func TestHost_SinkForwarding(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	sink := &recordingSink{}

	h := f.newHost("bridge", sink)
	h.Start(ctx)
	h.SetIntensity(ctx, 4)
	f.settle()

	f.drv.Disconnect("cam1")
	f.settle()

	require.Equal(t, [][2]int{{0, 5}, {4, 5}, {0, 5}}, sink.states)
	require.Equal(t, []torch.ErrorKind{torch.ErrorDisconnected}, sink.errors)
	require.Equal(t, []ownerEvent{{true, true}, {false, false}}, sink.owner)
	require.False(t, h.Stopped())
}

// TestHost_PreferredWithoutResource reports the discovery failure and does nothing else.
func TestHost_PreferredWithoutResource(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, simulated.DeviceSpec{ID: "cam0"})
	sink := &recordingSink{}

	h := f.newHost("cli", sink)
	h.Start(ctx)
	h.SetIntensity(ctx, -1)
	f.settle()

	require.Equal(t, []torch.ErrorKind{torch.ErrorNoValidResource, torch.ErrorNoValidResource}, sink.errors)
	require.Equal(t, torch.StateIdle, f.session.State())
}

package session

import (
	"context"
	"fmt"

	"github.com/oshokin/torchd/internal/dispatch"
	"github.com/oshokin/torchd/internal/domain/torch"
	"github.com/oshokin/torchd/internal/driver"
	"github.com/oshokin/torchd/internal/logger"
)

// Session owns the torch device and sequences the driver protocol.
//
// The three states guard against re-entering an asynchronous open: requests
// arriving while Activating only update the desired intensity, which the
// in-flight open applies once the capture session is configured.
type Session struct {
	driver    driver.Driver
	poster    dispatch.Poster
	listeners *Listeners
	arbiter   *Arbiter

	resourceID   driver.ResourceID
	maxIntensity int

	state   torch.State
	current int
	desired int

	device  driver.Device
	capture driver.CaptureSession

	// attempt identifies the current open attempt. Callbacks carrying an
	// older value belong to a device that was already closed.
	attempt uint64
}

// New creates an idle session. Driver callbacks are posted to poster, which
// must be the loop every other Session method runs on.
func New(drv driver.Driver, poster dispatch.Poster) *Session {
	s := &Session{
		driver:       drv,
		poster:       poster,
		listeners:    NewListeners(),
		maxIntensity: torch.UnknownIntensity,
		state:        torch.StateIdle,
	}
	s.arbiter = newArbiter(s)

	return s
}

// Discover finds the first resource reporting a maximum intensity and caches
// it for the lifetime of the session. It reports whether a resource is known.
func (s *Session) Discover(ctx context.Context) bool {
	if s.resourceID != "" {
		return true
	}

	ids, err := s.driver.ListCapableResources(ctx)
	if err != nil {
		logger.ErrorKV(ctx, "Failed to query for capable resources", "error", err)
		s.fail(ctx, KindFromError(err))

		return false
	}

	for _, id := range ids {
		maxIntensity, ok := s.driver.QueryMaxIntensity(ctx, id)
		if !ok || maxIntensity <= 0 {
			continue
		}

		s.resourceID = id
		s.maxIntensity = maxIntensity
		s.current = 0

		logger.InfoKV(ctx, "Found torch resource", "resource_id", id, "max_intensity", maxIntensity)

		return true
	}

	logger.ErrorKV(ctx, "Failed to find a suitable resource", "candidates", len(ids))
	s.fail(ctx, torch.ErrorNoValidResource)

	return false
}

// SetIntensity requests a new intensity. Values are clamped to [0, max];
// zero closes the device from any state.
func (s *Session) SetIntensity(ctx context.Context, requested int) {
	logger.DebugKV(ctx, "Intensity requested", "requested", requested, "state", s.state)

	if requested <= 0 {
		s.desired = 0
		s.Close(ctx)

		return
	}

	if !s.Discover(ctx) {
		return
	}

	s.desired = min(requested, s.maxIntensity)

	switch s.state {
	case torch.StateIdle:
		s.open(ctx)
	case torch.StateActivating:
		// The in-flight open picks up the new value once configured.
	case torch.StateActive:
		s.operate(ctx)
	}
}

// Refresh retries discovery when needed and re-sends the current state to
// every listener. Clients call it after resolving a permission problem.
func (s *Session) Refresh(ctx context.Context) {
	if s.Discover(ctx) {
		s.listeners.NotifyState(ctx, s.current, s.maxIntensity)
	}
}

// Close releases the device unconditionally and returns to Idle. Closing an
// idle session does nothing.
func (s *Session) Close(ctx context.Context) {
	// Closing the device is sufficient to release the capture session.
	s.capture = nil

	if s.device != nil {
		s.driver.Close(s.device)
		s.device = nil
	}

	wasBusy := s.state != torch.StateIdle
	s.state = torch.StateIdle
	s.current = 0

	if !wasBusy {
		return
	}

	s.attempt++

	logger.InfoKV(ctx, "Torch closed", "resource_id", s.resourceID)

	s.notifyState(ctx)
	s.arbiter.resourceReleased(ctx)
}

// RegisterOwner adds an owner; see Arbiter.Register.
func (s *Session) RegisterOwner(ctx context.Context, o Owner) {
	s.arbiter.Register(ctx, o)
}

// UnregisterOwner removes an owner; see Arbiter.Unregister.
func (s *Session) UnregisterOwner(ctx context.Context, o Owner) {
	s.arbiter.Unregister(ctx, o)
}

// IsOwnerNeeded reports whether the primary owner must stay resident.
func (s *Session) IsOwnerNeeded() bool {
	return s.arbiter.IsOwnerNeeded()
}

// IsPrimary reports whether o is the primary owner.
func (s *Session) IsPrimary(o Owner) bool {
	return s.arbiter.IsPrimary(o)
}

// RegisterListener adds l and, when a resource can be discovered, immediately
// sends it the current state.
func (s *Session) RegisterListener(ctx context.Context, l Listener) {
	s.listeners.Add(ctx, l)

	if s.Discover(ctx) {
		l.OnStateChanged(ctx, s.current, s.maxIntensity)
	}
}

// UnregisterListener removes l.
func (s *Session) UnregisterListener(ctx context.Context, l Listener) {
	s.listeners.Remove(ctx, l)
}

// State returns the lifecycle state.
func (s *Session) State() torch.State {
	return s.state
}

// MaxIntensity returns the discovered maximum or torch.UnknownIntensity.
func (s *Session) MaxIntensity() int {
	return s.maxIntensity
}

// Snapshot copies the observable state.
func (s *Session) Snapshot() torch.Snapshot {
	snap := torch.Snapshot{
		ResourceID:       string(s.resourceID),
		State:            s.state,
		Current:          s.current,
		Desired:          s.desired,
		Max:              s.maxIntensity,
		OwnerNeeded:      s.arbiter.IsOwnerNeeded(),
		AdditionalOwners: s.arbiter.AdditionalCount(),
	}

	if p := s.arbiter.Primary(); p != nil {
		snap.Primary = fmt.Sprint(p)
	}

	return snap
}

// busy implements resourceStatus.
func (s *Session) busy() bool {
	return s.state != torch.StateIdle
}

// currentIntensity implements resourceStatus.
func (s *Session) currentIntensity() int {
	return s.current
}

func (s *Session) open(ctx context.Context) {
	s.attempt++
	s.state = torch.StateActivating

	s.arbiter.resourceNeeded(ctx)

	logger.InfoKV(ctx, "Opening torch", "resource_id", s.resourceID, "desired", s.desired)

	cb := &callbacks{session: s, attempt: s.attempt}
	if err := s.driver.Open(s.resourceID, cb); err != nil {
		logger.ErrorKV(ctx, "Failed to open device", "resource_id", s.resourceID, "error", err)
		s.fail(ctx, KindFromError(err))
	}
}

// operate moves to Active and submits the desired intensity when it differs
// from the current one.
func (s *Session) operate(ctx context.Context) {
	s.state = torch.StateActive

	if s.current == s.desired {
		return
	}

	logger.DebugKV(ctx, "Operating torch", "current", s.current, "desired", s.desired)

	target := s.desired
	s.onOperateResult(ctx, target, s.driver.Operate(s.capture, target))
}

// fail reports kind to listeners and returns to a known-safe state.
func (s *Session) fail(ctx context.Context, kind torch.ErrorKind) {
	logger.WarnKV(ctx, "Torch lifecycle exiting due to error", "error_kind", kind, "state", s.state)

	s.listeners.NotifyError(ctx, kind)

	if s.state != torch.StateIdle {
		s.Close(ctx)
	}
}

func (s *Session) notifyState(ctx context.Context) {
	if s.resourceID == "" {
		return
	}

	s.listeners.NotifyState(ctx, s.current, s.maxIntensity)
}

// isCurrent reports whether a callback from attempt still applies.
func (s *Session) isCurrent(attempt uint64) bool {
	return attempt == s.attempt && s.state != torch.StateIdle
}

func (s *Session) onOpened(ctx context.Context, attempt uint64, dev driver.Device) {
	if !s.isCurrent(attempt) || s.device != nil {
		logger.DebugKV(ctx, "Closing device opened by a stale attempt", "resource_id", dev.ID())
		s.driver.Close(dev)

		return
	}

	logger.DebugKV(ctx, "Device opened", "resource_id", dev.ID())

	s.device = dev

	cb := &callbacks{session: s, attempt: attempt}
	if err := s.driver.ConfigureSession(dev, driver.TorchTarget, cb); err != nil {
		logger.ErrorKV(ctx, "Failed to create capture session", "error", err)
		s.fail(ctx, torch.ErrorSession)
	}
}

func (s *Session) onConfigured(ctx context.Context, attempt uint64, cs driver.CaptureSession) {
	if !s.isCurrent(attempt) || s.device == nil {
		logger.Debug(ctx, "Ignoring configured session of a stale attempt")

		return
	}

	logger.Debug(ctx, "Capture session configured")

	s.capture = cs
	s.operate(ctx)
}

func (s *Session) onConfigureFailed(ctx context.Context, attempt uint64) {
	if !s.isCurrent(attempt) {
		return
	}

	logger.Error(ctx, "Failed to configure capture session")
	s.fail(ctx, torch.ErrorSession)
}

func (s *Session) onOperateResult(ctx context.Context, intensity int, err error) {
	if err != nil {
		logger.ErrorKV(ctx, "Failed to operate torch", "intensity", intensity, "error", err)
		s.fail(ctx, KindFromError(err))

		return
	}

	s.current = intensity
	logger.InfoKV(ctx, "Torch intensity applied", "current", s.current, "max", s.maxIntensity)

	s.notifyState(ctx)
}

func (s *Session) onDisconnected(ctx context.Context, attempt uint64) {
	if !s.isCurrent(attempt) {
		return
	}

	logger.ErrorKV(ctx, "Device disconnected", "resource_id", s.resourceID)
	s.fail(ctx, torch.ErrorDisconnected)
}

func (s *Session) onDeviceError(ctx context.Context, attempt uint64, code driver.Code) {
	if !s.isCurrent(attempt) {
		return
	}

	logger.ErrorKV(ctx, "Device failed", "resource_id", s.resourceID, "code", code)
	s.fail(ctx, KindFromCode(code))
}

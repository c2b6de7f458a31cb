package host

import (
	"context"

	"github.com/oshokin/torchd/internal/dispatch"
	"github.com/oshokin/torchd/internal/domain/torch"
	"github.com/oshokin/torchd/internal/logger"
	"github.com/oshokin/torchd/internal/session"
)

// Torch is the part of the session a host drives.
type Torch interface {
	RegisterOwner(ctx context.Context, o session.Owner)
	UnregisterOwner(ctx context.Context, o session.Owner)
	IsOwnerNeeded() bool
	IsPrimary(o session.Owner) bool
	RegisterListener(ctx context.Context, l session.Listener)
	UnregisterListener(ctx context.Context, l session.Listener)
	Discover(ctx context.Context) bool
	SetIntensity(ctx context.Context, requested int)
	Refresh(ctx context.Context)
	MaxIntensity() int
	Snapshot() torch.Snapshot
}

// Preferences supplies and records the preferred intensity.
type Preferences interface {
	Intensity(def int) int
	SetIntensity(ctx context.Context, v int) error
	KeepAlive() bool
}

// Sink receives everything the host observes. It is optional.
type Sink interface {
	session.Listener
	session.Owner
}

// Options configure a Host.
type Options struct {
	// Torch is the session the host registers with.
	Torch Torch
	// Preferences backs the "preferred intensity" sentinel.
	Preferences Preferences
	// Poster is the session loop, used to defer stop attempts.
	Poster dispatch.Poster
	// Sink receives forwarded events.
	Sink Sink
	// OnStopped is called once after the host unregistered itself.
	OnStopped func(ctx context.Context, h *Host)
}

// Host is one deployment context attached to the session.
type Host struct {
	name string
	opts Options

	started bool
	stopped bool
	// bound is true while the deployment context still needs the host.
	bound bool
	// retained mirrors the last owner-needed notification.
	retained   bool
	foreground bool
}

// New creates a host. It does nothing until Start.
func New(name string, opts Options) *Host {
	return &Host{name: name, opts: opts}
}

// Start registers the host as an owner and listener and binds it to its
// deployment context.
func (h *Host) Start(ctx context.Context) {
	if h.started {
		return
	}

	h.started = true
	h.bound = true

	ctx = h.logContext(ctx)
	logger.Debug(ctx, "Starting host")

	h.opts.Torch.RegisterOwner(ctx, h)
	h.opts.Torch.RegisterListener(ctx, h)
}

// Unbind tells the host its deployment context is gone and stops it when
// nothing else needs it.
func (h *Host) Unbind(ctx context.Context) {
	h.bound = false
	h.TryStop(ctx)
}

// SetIntensity requests an intensity. A negative value selects the preferred
// intensity (the maximum when none is saved); positive values become the new
// preference.
func (h *Host) SetIntensity(ctx context.Context, requested int) {
	ctx = h.logContext(ctx)

	switch {
	case requested < 0:
		if !h.opts.Torch.Discover(ctx) {
			return
		}

		requested = h.preferred()
		logger.DebugKV(ctx, "Using preferred intensity", "intensity", requested)
	case requested > 0 && h.opts.Preferences != nil:
		if err := h.opts.Preferences.SetIntensity(ctx, requested); err != nil {
			logger.WarnKV(ctx, "Failed to save preferred intensity", "error", err)
		}
	}

	h.opts.Torch.SetIntensity(ctx, requested)
}

// Toggle turns the torch off when it is on, otherwise on at the preferred intensity.
func (h *Host) Toggle(ctx context.Context) {
	if h.opts.Torch.Snapshot().IsOn() {
		h.SetIntensity(ctx, 0)

		return
	}

	h.SetIntensity(ctx, torch.UnknownIntensity)
}

// Refresh re-sends the current state, retrying discovery if needed.
func (h *Host) Refresh(ctx context.Context) {
	h.opts.Torch.Refresh(h.logContext(ctx))
}

// TryStop stops the host when its context no longer needs it and it is not
// the primary owner still needed by the session.
func (h *Host) TryStop(ctx context.Context) {
	if !h.started || h.stopped || h.bound {
		return
	}

	ctx = h.logContext(ctx)

	if h.opts.Torch.IsPrimary(h) {
		if h.opts.Torch.IsOwnerNeeded() {
			logger.Debug(ctx, "Primary host is still needed")

			return
		}

		if h.opts.Preferences != nil && h.opts.Preferences.KeepAlive() {
			logger.Debug(ctx, "Primary host kept alive by preference")

			return
		}
	}

	h.stop(ctx)
}

// OnStateChanged implements session.Listener.
func (h *Host) OnStateChanged(ctx context.Context, current, maxIntensity int) {
	if h.opts.Sink != nil {
		h.opts.Sink.OnStateChanged(h.logContext(ctx), current, maxIntensity)
	}
}

// OnError implements session.Listener.
func (h *Host) OnError(ctx context.Context, kind torch.ErrorKind) {
	if h.opts.Sink != nil {
		h.opts.Sink.OnError(h.logContext(ctx), kind)
	}
}

// OnOwnerNeededChanged implements session.Owner.
func (h *Host) OnOwnerNeededChanged(ctx context.Context, needResource, needForeground bool) {
	ctx = h.logContext(ctx)
	logger.DebugKV(ctx, "Owner needed changed", "need_resource", needResource, "need_foreground", needForeground)

	h.retained = needResource
	h.foreground = needResource && needForeground

	if h.opts.Sink != nil {
		h.opts.Sink.OnOwnerNeededChanged(ctx, needResource, needForeground)
	}

	if !needResource {
		h.opts.Poster.Post(h.TryStop)
	}
}

// Name returns the host name.
func (h *Host) Name() string { return h.name }

// String implements fmt.Stringer.
func (h *Host) String() string { return h.name }

// Stopped reports whether the host unregistered itself.
func (h *Host) Stopped() bool { return h.stopped }

// Retained reports whether the session last said it needs this host.
func (h *Host) Retained() bool { return h.retained }

// Foreground reports whether the torch was active when the host was last retained.
func (h *Host) Foreground() bool { return h.foreground }

func (h *Host) preferred() int {
	maxIntensity := h.opts.Torch.MaxIntensity()
	if h.opts.Preferences == nil {
		return maxIntensity
	}

	return min(h.opts.Preferences.Intensity(maxIntensity), maxIntensity)
}

func (h *Host) stop(ctx context.Context) {
	logger.Debug(ctx, "Stopping host")

	h.stopped = true
	h.retained = false
	h.foreground = false

	h.opts.Torch.UnregisterListener(ctx, h)
	h.opts.Torch.UnregisterOwner(ctx, h)

	if h.opts.OnStopped != nil {
		h.opts.OnStopped(ctx, h)
	}
}

func (h *Host) logContext(ctx context.Context) context.Context {
	return logger.WithKV(ctx, "host", h.name)
}

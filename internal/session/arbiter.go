package session

import (
	"context"
	"fmt"

	"github.com/oshokin/torchd/internal/logger"
)

// Owner is a client with a stake in keeping the torch host resident.
// Implementations must be comparable (typically pointers).
type Owner interface {
	// OnOwnerNeededChanged is only ever delivered to the primary owner.
	OnOwnerNeededChanged(ctx context.Context, needResource, needForeground bool)
}

// resourceStatus is the view of the session the arbiter consults.
type resourceStatus interface {
	busy() bool
	currentIntensity() int
}

// Arbiter tracks the primary owner and the additional (dependent) owners.
// The primary must stay resident while the resource is busy or any
// additional owner exists.
type Arbiter struct {
	status     resourceStatus
	primary    Owner
	additional map[Owner]struct{}
}

// newArbiter creates an arbiter reading resource status from status.
func newArbiter(status resourceStatus) *Arbiter {
	return &Arbiter{
		status:     status,
		additional: make(map[Owner]struct{}),
	}
}

// Register makes o the primary owner when the slot is vacant. Otherwise o
// becomes an additional owner and the primary is told it is needed.
func (a *Arbiter) Register(ctx context.Context, o Owner) {
	if a.primary == nil {
		a.primary = o
		logger.DebugKV(ctx, "Registered primary owner", "owner", o)

		return
	}

	if a.primary == o {
		logger.WarnKV(ctx, "Owner is already the primary owner", "owner", o)

		return
	}

	logger.DebugKV(ctx, "Registering additional owner", "owner", o)
	a.additional[o] = struct{}{}

	// The primary owner must stay alive until all additional owners are unregistered.
	a.notifyNeeded(ctx)
}

// Unregister removes o. Removing the primary while the torch is lit or while
// additional owners exist is a programming error and panics.
func (a *Arbiter) Unregister(ctx context.Context, o Owner) {
	if a.primary != nil && a.primary == o {
		logger.DebugKV(ctx, "Unregistering primary owner", "owner", o)

		if current := a.status.currentIntensity(); current != 0 {
			panic(fmt.Errorf("%w: torch is on at intensity %d", ErrPrimaryStillNeeded, current))
		}

		if len(a.additional) > 0 {
			panic(fmt.Errorf("%w: %d additional owners remain", ErrPrimaryStillNeeded, len(a.additional)))
		}

		a.primary = nil

		return
	}

	if _, ok := a.additional[o]; !ok {
		logger.WarnKV(ctx, "Owner was never registered", "owner", o)

		return
	}

	logger.DebugKV(ctx, "Unregistering additional owner", "owner", o)
	delete(a.additional, o)

	// The primary owner might be able to leave foreground mode now.
	a.tryNotifyNotNeeded(ctx)
}

// IsOwnerNeeded reports whether the primary owner has to stay resident.
func (a *Arbiter) IsOwnerNeeded() bool {
	return a.status.busy() || len(a.additional) > 0
}

// IsPrimary reports whether o holds the primary slot.
func (a *Arbiter) IsPrimary(o Owner) bool {
	return a.primary != nil && a.primary == o
}

// Primary returns the primary owner or nil.
func (a *Arbiter) Primary() Owner {
	return a.primary
}

// AdditionalCount returns the number of additional owners.
func (a *Arbiter) AdditionalCount() int {
	return len(a.additional)
}

// resourceNeeded is called by the session when it starts activating.
func (a *Arbiter) resourceNeeded(ctx context.Context) {
	a.notifyNeeded(ctx)
}

// resourceReleased is called by the session after leaving a non-idle state.
func (a *Arbiter) resourceReleased(ctx context.Context) {
	a.tryNotifyNotNeeded(ctx)
}

func (a *Arbiter) notifyNeeded(ctx context.Context) {
	if a.primary == nil {
		logger.Warn(ctx, "Torch became needed without a primary owner")

		return
	}

	foreground := a.status.busy()
	logger.DebugKV(ctx, "Notifying primary owner that it is needed", "foreground", foreground)
	a.primary.OnOwnerNeededChanged(ctx, true, foreground)
}

func (a *Arbiter) tryNotifyNotNeeded(ctx context.Context) {
	if a.IsOwnerNeeded() {
		logger.DebugKV(ctx, "Primary owner is still needed",
			"busy", a.status.busy(),
			"additional_owners", len(a.additional))

		return
	}

	if a.primary == nil {
		return
	}

	logger.Debug(ctx, "Notifying primary owner that it is not needed")
	a.primary.OnOwnerNeededChanged(ctx, false, false)
}

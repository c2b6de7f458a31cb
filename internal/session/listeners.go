package session

import (
	"context"

	"github.com/oshokin/torchd/internal/domain/torch"
	"github.com/oshokin/torchd/internal/logger"
)

// Listener observes intensity and error events. Implementations must be
// comparable (typically pointers) because they are kept in a set.
type Listener interface {
	OnStateChanged(ctx context.Context, current, maxIntensity int)
	OnError(ctx context.Context, kind torch.ErrorKind)
}

// Listeners is a set of observers with fan-out notification in no particular order.
type Listeners struct {
	set map[Listener]struct{}
}

// NewListeners creates an empty registry.
func NewListeners() *Listeners {
	return &Listeners{set: make(map[Listener]struct{})}
}

// Add registers l. Registering twice is a no-op that logs a warning.
func (ls *Listeners) Add(ctx context.Context, l Listener) bool {
	if _, ok := ls.set[l]; ok {
		logger.WarnKV(ctx, "Listener was already registered", "listener", l)

		return false
	}

	ls.set[l] = struct{}{}
	logger.DebugKV(ctx, "Registered listener", "listener", l, "listeners", len(ls.set))

	return true
}

// Remove unregisters l. Removing an unknown listener is a no-op that logs a warning.
func (ls *Listeners) Remove(ctx context.Context, l Listener) bool {
	if _, ok := ls.set[l]; !ok {
		logger.WarnKV(ctx, "Listener was never registered", "listener", l)

		return false
	}

	delete(ls.set, l)
	logger.DebugKV(ctx, "Unregistered listener", "listener", l, "listeners", len(ls.set))

	return true
}

// Len returns the number of registered listeners.
func (ls *Listeners) Len() int {
	return len(ls.set)
}

// NotifyState sends a state change to every listener.
func (ls *Listeners) NotifyState(ctx context.Context, current, maxIntensity int) {
	for _, l := range ls.members() {
		l.OnStateChanged(ctx, current, maxIntensity)
	}
}

// NotifyError sends an error to every listener.
func (ls *Listeners) NotifyError(ctx context.Context, kind torch.ErrorKind) {
	for _, l := range ls.members() {
		l.OnError(ctx, kind)
	}
}

// members copies the set so callbacks may register or unregister listeners.
func (ls *Listeners) members() []Listener {
	out := make([]Listener, 0, len(ls.set))
	for l := range ls.set {
		out = append(out, l)
	}

	return out
}

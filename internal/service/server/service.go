package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	api "github.com/oshokin/torchd/internal/api/grpc/torch"
	"github.com/oshokin/torchd/internal/dispatch"
	domain "github.com/oshokin/torchd/internal/domain/torch"
	"github.com/oshokin/torchd/internal/host"
	"github.com/oshokin/torchd/internal/journal"
	"github.com/oshokin/torchd/internal/logger"
	"github.com/oshokin/torchd/internal/repository/prefs"
	"github.com/oshokin/torchd/internal/session"
)

const (
	// settleTimeout bounds how long a unary call waits for activation to finish.
	settleTimeout = time.Second
	// settlePoll is the interval between snapshot polls while settling.
	settlePoll = 10 * time.Millisecond
)

// history is the read side of the event journal.
type history interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// service runs every torch operation on the session loop. Each unary request
// is served by a short-lived host that unbinds right after the operation,
// while watch streams and the MQTT bridge hold long-lived hosts.
type service struct {
	loop    *dispatch.Loop
	session *session.Session
	prefs   *prefs.Store
	// history is nil when the journal is disabled.
	history history
	// observers receive owner-needed changes of the primary host.
	observers []session.Owner

	// hosts is confined to the loop.
	hosts map[*host.Host]struct{}

	closing   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

var _ api.Service = (*service)(nil)

// newService creates a service around a session driven by loop.
func newService(loop *dispatch.Loop, sess *session.Session, store *prefs.Store) *service {
	return &service{
		loop:    loop,
		session: sess,
		prefs:   store,
		hosts:   make(map[*host.Host]struct{}),
		done:    make(chan struct{}),
	}
}

// SetIntensity applies requested through a short-lived host.
func (s *service) SetIntensity(ctx context.Context, actor string, requested int) (domain.Snapshot, error) {
	ctx = logger.WithKV(ctx, "actor", actor)
	logger.InfoKV(ctx, "Intensity requested", "intensity", requested)

	err := s.call(ctx, func(ctx context.Context) {
		h := s.newHost(hostName("grpc", actor), nil)
		h.Start(ctx)
		h.SetIntensity(ctx, requested)
		h.Unbind(ctx)
	})
	if err != nil {
		return domain.Snapshot{}, err
	}

	return s.settle(ctx)
}

// State returns the current snapshot.
func (s *service) State(ctx context.Context) (domain.Snapshot, error) {
	return s.snapshot(ctx)
}

// Refresh retries discovery and re-broadcasts the state.
func (s *service) Refresh(ctx context.Context, actor string) (domain.Snapshot, error) {
	ctx = logger.WithKV(ctx, "actor", actor)
	logger.Info(ctx, "Refresh requested")

	err := s.call(ctx, func(ctx context.Context) {
		h := s.newHost(hostName("grpc", actor), nil)
		h.Start(ctx)
		h.Refresh(ctx)
		h.Unbind(ctx)
	})
	if err != nil {
		return domain.Snapshot{}, err
	}

	return s.snapshot(ctx)
}

// SetKeepAlive stores the preference. Turning it off lets an idle primary host stop.
func (s *service) SetKeepAlive(ctx context.Context, actor string, keepAlive bool) (domain.Snapshot, error) {
	ctx = logger.WithKV(ctx, "actor", actor)

	if err := s.prefs.SetKeepAlive(ctx, keepAlive); err != nil {
		return domain.Snapshot{}, err
	}

	logger.InfoKV(ctx, "Keep-alive updated", "keep_alive", keepAlive)

	if !keepAlive {
		if err := s.call(ctx, s.releaseHosts); err != nil {
			return domain.Snapshot{}, err
		}
	}

	return s.snapshot(ctx)
}

// History returns recent journal entries.
func (s *service) History(ctx context.Context, limit int) ([]journal.Entry, error) {
	if s.history == nil {
		return nil, journal.ErrDisabled
	}

	entries, err := s.history.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("journal history: %w", err)
	}

	return entries, nil
}

// Watch attaches sink as a long-lived host until ctx is done or the service shuts down.
func (s *service) Watch(ctx context.Context, name string, sink host.Sink) error {
	attachment, err := s.Attach(ctx, name, sink)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-s.done:
	}

	attachment.Detach(context.WithoutCancel(ctx))

	return nil
}

// Attach starts a long-lived host bound until Detach.
func (s *service) Attach(ctx context.Context, name string, sink host.Sink) (*Attachment, error) {
	var h *host.Host

	err := s.call(ctx, func(ctx context.Context) {
		h = s.newHost(name, sink)
		h.Start(ctx)
	})
	if err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Host attached", "host", name)

	return &Attachment{service: s, host: h}, nil
}

// onPreferencesChanged runs when the preferences file changed on disk.
func (s *service) onPreferencesChanged(p prefs.Preferences) {
	if !p.KeepAlive {
		s.loop.Post(s.releaseHosts)
	}
}

// Shutdown rejects new work, ends watch streams and turns the torch off.
func (s *service) Shutdown(ctx context.Context) error {
	var err error

	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.done)

		err = s.loop.Call(ctx, func(ctx context.Context) {
			s.session.Close(ctx)
		})
	})

	if err != nil && !errors.Is(err, dispatch.ErrStopped) {
		return fmt.Errorf("close session: %w", err)
	}

	return nil
}

// newHost creates and tracks a host. Loop only.
func (s *service) newHost(name string, sink host.Sink) *host.Host {
	h := host.New(name, host.Options{
		Torch:       s.session,
		Preferences: s.prefs,
		Poster:      s.loop,
		Sink:        fanout{sink: sink, observers: s.observers},
		OnStopped:   s.forget,
	})
	s.hosts[h] = struct{}{}

	return h
}

func (s *service) forget(_ context.Context, h *host.Host) {
	delete(s.hosts, h)
}

// releaseHosts gives every host a chance to stop. Loop only.
func (s *service) releaseHosts(ctx context.Context) {
	for h := range s.hosts {
		h.TryStop(ctx)
	}
}

// call runs op on the loop unless the service is shutting down.
func (s *service) call(ctx context.Context, op dispatch.Op) error {
	if s.closing.Load() {
		return api.ErrShuttingDown
	}

	if err := s.loop.Call(ctx, op); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	return nil
}

func (s *service) snapshot(ctx context.Context) (domain.Snapshot, error) {
	var snapshot domain.Snapshot

	if err := s.loop.Call(ctx, func(context.Context) {
		snapshot = s.session.Snapshot()
	}); err != nil {
		return domain.Snapshot{}, fmt.Errorf("dispatch: %w", err)
	}

	snapshot.KeepAlive = s.prefs.KeepAlive()

	return snapshot, nil
}

// settle polls the snapshot until activation finished or settleTimeout passed.
func (s *service) settle(ctx context.Context) (domain.Snapshot, error) {
	deadline := time.NewTimer(settleTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(settlePoll)
	defer ticker.Stop()

	for {
		snapshot, err := s.snapshot(ctx)
		if err != nil || snapshot.State != domain.StateActivating {
			return snapshot, err
		}

		select {
		case <-ctx.Done():
			return snapshot, nil
		case <-deadline.C:
			return snapshot, nil
		case <-ticker.C:
		}
	}
}

func hostName(kind, actor string) string {
	return kind + ":" + actor + "#" + uuid.NewString()[:8]
}

// Attachment is a long-lived host driven from outside the loop.
type Attachment struct {
	service *service
	host    *host.Host
}

// SetIntensity implements mqtt.Controller.
func (a *Attachment) SetIntensity(ctx context.Context, v int) error {
	return a.service.call(ctx, func(ctx context.Context) { a.host.SetIntensity(ctx, v) })
}

// Toggle implements mqtt.Controller.
func (a *Attachment) Toggle(ctx context.Context) error {
	return a.service.call(ctx, a.host.Toggle)
}

// Refresh implements mqtt.Controller.
func (a *Attachment) Refresh(ctx context.Context) error {
	return a.service.call(ctx, a.host.Refresh)
}

// Detach unbinds the host. It stays registered while the session still needs it.
func (a *Attachment) Detach(ctx context.Context) {
	err := a.service.loop.Call(ctx, a.host.Unbind)
	if err != nil && !errors.Is(err, dispatch.ErrStopped) {
		logger.WarnKV(ctx, "Failed to detach host", "host", a.host.Name(), "error", err)
	}
}

// fanout forwards host events to an optional sink and owner changes to observers.
type fanout struct {
	sink      host.Sink
	observers []session.Owner
}

func (f fanout) OnStateChanged(ctx context.Context, current, maxIntensity int) {
	if f.sink != nil {
		f.sink.OnStateChanged(ctx, current, maxIntensity)
	}
}

func (f fanout) OnError(ctx context.Context, kind domain.ErrorKind) {
	if f.sink != nil {
		f.sink.OnError(ctx, kind)
	}
}

func (f fanout) OnOwnerNeededChanged(ctx context.Context, needResource, needForeground bool) {
	if f.sink != nil {
		f.sink.OnOwnerNeededChanged(ctx, needResource, needForeground)
	}

	for _, o := range f.observers {
		o.OnOwnerNeededChanged(ctx, needResource, needForeground)
	}
}

package torch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/oshokin/torchd/internal/dispatch"
	domain "github.com/oshokin/torchd/internal/domain/torch"
	"github.com/oshokin/torchd/internal/host"
	"github.com/oshokin/torchd/internal/journal"
	"github.com/oshokin/torchd/internal/logger"
)

const (
	// ActorMetadataKey carries the caller identity ("user@host") in request metadata.
	ActorMetadataKey = "x-torchd-actor"
	// AnonymousActor is used when a request carries no actor.
	AnonymousActor = "anonymous"

	// watchBuffer bounds events queued for one Watch stream.
	watchBuffer = 64
)

// ErrShuttingDown is returned by services that refuse work during shutdown.
var ErrShuttingDown = errors.New("torch service is shutting down")

// Service abstracts the torch operations the transport layer depends on.
type Service interface {
	SetIntensity(ctx context.Context, actor string, requested int) (domain.Snapshot, error)
	State(ctx context.Context) (domain.Snapshot, error)
	Refresh(ctx context.Context, actor string) (domain.Snapshot, error)
	SetKeepAlive(ctx context.Context, actor string, keepAlive bool) (domain.Snapshot, error)
	History(ctx context.Context, limit int) ([]journal.Entry, error)
	// Watch attaches sink under name and blocks until ctx is done or the
	// service shuts down.
	Watch(ctx context.Context, name string, sink host.Sink) error
}

var _ TorchServiceServer = (*Server)(nil)

// Server implements TorchServiceServer on top of a Service.
type Server struct {
	// service provides the torch operations.
	service Service
}

// NewServer wires the provided service implementation into a gRPC handler.
func NewServer(service Service) *Server {
	return &Server{
		service: service,
	}
}

// WithActor returns a context whose outgoing metadata names the caller.
func WithActor(ctx context.Context, actor string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, ActorMetadataKey, actor)
}

// ActorFromContext extracts the caller identity from incoming metadata.
func ActorFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return AnonymousActor
	}

	if values := md.Get(ActorMetadataKey); len(values) > 0 && values[0] != "" {
		return values[0]
	}

	return AnonymousActor
}

// SetIntensity applies the requested intensity.
func (s *Server) SetIntensity(ctx context.Context, req *wrapperspb.Int32Value) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "intensity is required")
	}

	snapshot, err := s.service.SetIntensity(ctx, ActorFromContext(ctx), int(req.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}

	return SnapshotToStruct(snapshot), nil
}

// GetState returns the current snapshot.
func (s *Server) GetState(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snapshot, err := s.service.State(ctx)
	if err != nil {
		return nil, toStatus(err)
	}

	return SnapshotToStruct(snapshot), nil
}

// Refresh retries discovery and returns the resulting snapshot.
func (s *Server) Refresh(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snapshot, err := s.service.Refresh(ctx, ActorFromContext(ctx))
	if err != nil {
		return nil, toStatus(err)
	}

	return SnapshotToStruct(snapshot), nil
}

// SetKeepAlive stores the keep-alive preference.
func (s *Server) SetKeepAlive(ctx context.Context, req *wrapperspb.BoolValue) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "keep-alive flag is required")
	}

	snapshot, err := s.service.SetKeepAlive(ctx, ActorFromContext(ctx), req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}

	return SnapshotToStruct(snapshot), nil
}

// History returns recent journal entries.
func (s *Server) History(ctx context.Context, req *wrapperspb.UInt32Value) (*structpb.Struct, error) {
	entries, err := s.service.History(ctx, int(req.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}

	return EntriesToStruct(entries), nil
}

// Watch attaches the stream as a long-lived host and forwards its events.
// The optional "name" field of the request names the host.
func (s *Server) Watch(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	name := req.GetFields()["name"].GetStringValue()
	if name == "" {
		name = "watch:" + ActorFromContext(ctx)
	}

	ctx = logger.WithKV(ctx, "watcher", name)
	sink := newEventSink(watchBuffer)

	done := make(chan error, 1)

	go func() {
		done <- s.service.Watch(ctx, name, sink)
	}()

	for {
		select {
		case event := <-sink.events:
			if err := stream.Send(EventToStruct(event)); err != nil {
				cancel()
				<-done

				return err
			}
		case err := <-done:
			sink.flushTo(stream)

			if dropped := sink.dropped.Load(); dropped > 0 {
				logger.WarnKV(ctx, "Watch stream dropped events", "dropped", dropped)
			}

			if err != nil && !errors.Is(err, context.Canceled) {
				return toStatus(err)
			}

			return nil
		}
	}
}

// eventSink turns host callbacks into buffered stream events. Callbacks run on
// the session loop and never block; events are dropped when the buffer is full.
type eventSink struct {
	events  chan Event
	dropped atomic.Uint64
}

func newEventSink(size int) *eventSink {
	return &eventSink{events: make(chan Event, size)}
}

func (e *eventSink) OnStateChanged(_ context.Context, current, maxIntensity int) {
	e.push(Event{Type: EventState, Current: current, Max: maxIntensity})
}

func (e *eventSink) OnError(_ context.Context, kind domain.ErrorKind) {
	e.push(Event{Type: EventError, Error: kind})
}

func (e *eventSink) OnOwnerNeededChanged(_ context.Context, needResource, needForeground bool) {
	e.push(Event{Type: EventOwner, NeedResource: needResource, NeedForeground: needForeground})
}

func (e *eventSink) push(event Event) {
	event.At = time.Now()

	select {
	case e.events <- event:
	default:
		e.dropped.Add(1)
	}
}

// flushTo sends whatever is still buffered. Send errors end the flush.
func (e *eventSink) flushTo(stream grpc.ServerStreamingServer[structpb.Struct]) {
	for {
		select {
		case event := <-e.events:
			if err := stream.Send(EventToStruct(event)); err != nil {
				return
			}
		default:
			return
		}
	}
}

// toStatus maps service errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, journal.ErrDisabled):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, dispatch.ErrStopped), errors.Is(err, ErrShuttingDown):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

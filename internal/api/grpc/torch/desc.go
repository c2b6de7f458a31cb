package torch

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "torchd.v1.TorchService"

// Full method names.
const (
	SetIntensityMethod = "/" + ServiceName + "/SetIntensity"
	GetStateMethod     = "/" + ServiceName + "/GetState"
	RefreshMethod      = "/" + ServiceName + "/Refresh"
	SetKeepAliveMethod = "/" + ServiceName + "/SetKeepAlive"
	HistoryMethod      = "/" + ServiceName + "/History"
	WatchMethod        = "/" + ServiceName + "/Watch"
)

// TorchServiceServer is the server API of the torch service.
type TorchServiceServer interface {
	// SetIntensity applies an intensity; negative selects the preferred one.
	SetIntensity(ctx context.Context, req *wrapperspb.Int32Value) (*structpb.Struct, error)
	// GetState returns the current session snapshot.
	GetState(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	// Refresh retries discovery and re-broadcasts the state.
	Refresh(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	// SetKeepAlive stores the keep-alive preference.
	SetKeepAlive(ctx context.Context, req *wrapperspb.BoolValue) (*structpb.Struct, error)
	// History returns recent journal entries, newest first.
	History(ctx context.Context, req *wrapperspb.UInt32Value) (*structpb.Struct, error)
	// Watch streams events to a long-lived attached host.
	Watch(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error
}

// ServiceDesc describes the torch service for grpc.Server.RegisterService.
//
//nolint:gochecknoglobals // Registered with grpc like generated descriptors.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TorchServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SetIntensity",
			Handler:    unaryHandler(SetIntensityMethod, newMessage[wrapperspb.Int32Value], TorchServiceServer.SetIntensity),
		},
		{
			MethodName: "GetState",
			Handler:    unaryHandler(GetStateMethod, newMessage[emptypb.Empty], TorchServiceServer.GetState),
		},
		{
			MethodName: "Refresh",
			Handler:    unaryHandler(RefreshMethod, newMessage[emptypb.Empty], TorchServiceServer.Refresh),
		},
		{
			MethodName: "SetKeepAlive",
			Handler:    unaryHandler(SetKeepAliveMethod, newMessage[wrapperspb.BoolValue], TorchServiceServer.SetKeepAlive),
		},
		{
			MethodName: "History",
			Handler:    unaryHandler(HistoryMethod, newMessage[wrapperspb.UInt32Value], TorchServiceServer.History),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "torchd/v1/torch.proto",
}

// RegisterTorchServiceServer registers srv with the gRPC server.
func RegisterTorchServiceServer(s grpc.ServiceRegistrar, srv TorchServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func newMessage[T any]() *T {
	return new(T)
}

// unaryHandler adapts a typed server method to grpc.MethodHandler.
func unaryHandler[Req proto.Message](
	fullMethod string,
	newReq func() Req,
	call func(TorchServiceServer, context.Context, Req) (*structpb.Struct, error),
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}

		server, _ := srv.(TorchServiceServer)
		if interceptor == nil {
			return call(server, ctx, in)
		}

		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}

		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			typed, _ := req.(Req)

			return call(server, ctx, typed)
		})
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}

	server, _ := srv.(TorchServiceServer)

	return server.Watch(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// TorchServiceClient is the client API of the torch service.
type TorchServiceClient interface {
	SetIntensity(ctx context.Context, in *wrapperspb.Int32Value, opts ...grpc.CallOption) (*structpb.Struct, error)
	GetState(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
	Refresh(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
	SetKeepAlive(ctx context.Context, in *wrapperspb.BoolValue, opts ...grpc.CallOption) (*structpb.Struct, error)
	History(ctx context.Context, in *wrapperspb.UInt32Value, opts ...grpc.CallOption) (*structpb.Struct, error)
	Watch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error)
}

type torchServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewTorchServiceClient creates a client on top of a connection.
func NewTorchServiceClient(cc grpc.ClientConnInterface) TorchServiceClient {
	return &torchServiceClient{cc: cc}
}

func (c *torchServiceClient) SetIntensity(ctx context.Context, in *wrapperspb.Int32Value, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, SetIntensityMethod, in, opts)
}

func (c *torchServiceClient) GetState(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, GetStateMethod, in, opts)
}

func (c *torchServiceClient) Refresh(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, RefreshMethod, in, opts)
}

func (c *torchServiceClient) SetKeepAlive(ctx context.Context, in *wrapperspb.BoolValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, SetKeepAliveMethod, in, opts)
}

func (c *torchServiceClient) History(ctx context.Context, in *wrapperspb.UInt32Value, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, HistoryMethod, in, opts)
}

func (c *torchServiceClient) Watch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], WatchMethod, opts...)
	if err != nil {
		return nil, err
	}

	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err = x.SendMsg(in); err != nil {
		return nil, err
	}

	if err = x.CloseSend(); err != nil {
		return nil, err
	}

	return x, nil
}

func (c *torchServiceClient) invoke(ctx context.Context, method string, in proto.Message, opts []grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

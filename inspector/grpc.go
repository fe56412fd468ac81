package inspector

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/xiaonanln/canvasgov/governor"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "canvasgov.inspector.v1.Inspector"

const (
	methodGetStatus    = "GetStatus"
	methodListIsolated = "ListIsolated"
	methodIsolate      = "Isolate"
	methodRestore      = "Restore"
	methodRestoreAll   = "RestoreAll"
	methodSetEnabled   = "SetEnabled"
	methodGetConfig    = "GetConfig"
	methodSetConfig    = "SetConfig"
	methodWatchEvents  = "WatchEvents"
)

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// InspectorServer is the server API of the inspector service. Messages are
// protobuf well-known types carrying the JSON views of this package.
type InspectorServer interface {
	// GetStatus returns a StatusView
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// ListIsolated returns the ledger, filtered by an optional "auto" or "manual" reason
	ListIsolated(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	Isolate(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Restore(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
	RestoreAll(context.Context, *emptypb.Empty) (*wrapperspb.Int64Value, error)
	SetEnabled(context.Context, *wrapperspb.BoolValue) (*structpb.Struct, error)
	GetConfig(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// SetConfig takes a ConfigPatchRequest and returns the resulting ConfigView
	SetConfig(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// WatchEvents streams every transition event as a governor.TransitionEvent
	WatchEvents(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

func unaryMethod[Req, Res any](name string, call func(InspectorServer, context.Context, *Req) (*Res, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(InspectorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(name),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(InspectorServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(InspectorServer).WatchEvents(m, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

// InspectorServiceDesc is the grpc.ServiceDesc for the inspector service
var InspectorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InspectorServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(methodGetStatus, InspectorServer.GetStatus),
		unaryMethod(methodListIsolated, InspectorServer.ListIsolated),
		unaryMethod(methodIsolate, InspectorServer.Isolate),
		unaryMethod(methodRestore, InspectorServer.Restore),
		unaryMethod(methodRestoreAll, InspectorServer.RestoreAll),
		unaryMethod(methodSetEnabled, InspectorServer.SetEnabled),
		unaryMethod(methodGetConfig, InspectorServer.GetConfig),
		unaryMethod(methodSetConfig, InspectorServer.SetConfig),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    methodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "canvasgov/inspector/v1/inspector.proto",
}

// RegisterInspectorServer registers srv on s
func RegisterInspectorServer(s grpc.ServiceRegistrar, srv InspectorServer) {
	s.RegisterService(&InspectorServiceDesc, srv)
}

// service implements InspectorServer over the Server's governor
type service struct {
	srv *Server
}

func (s *service) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return encodeStruct(newStatusView(s.srv.gov.Snapshot()))
}

func (s *service) ListIsolated(ctx context.Context, req *wrapperspb.StringValue) (*structpb.ListValue, error) {
	filter, err := parseReasons(req.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	out, err := toList(s.srv.gov.ListIsolated(filter...))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode ledger: %v", err)
	}
	return out, nil
}

func (s *service) Isolate(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id := req.GetValue()
	if err := s.srv.gov.ForceIsolate(id); err != nil {
		return nil, grpcError(err)
	}
	st, err := s.srv.gov.Status(id)
	if err != nil {
		return nil, grpcError(err)
	}
	return encodeStruct(st)
}

func (s *service) Restore(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	return wrapperspb.Bool(s.srv.gov.ForceRestore(req.GetValue())), nil
}

func (s *service) RestoreAll(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	return wrapperspb.Int64(int64(s.srv.gov.RestoreAll())), nil
}

func (s *service) SetEnabled(ctx context.Context, req *wrapperspb.BoolValue) (*structpb.Struct, error) {
	s.srv.gov.SetEnabled(req.GetValue())
	return encodeStruct(newConfigView(s.srv.gov.Config()))
}

func (s *service) GetConfig(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return encodeStruct(newConfigView(s.srv.gov.Config()))
}

func (s *service) SetConfig(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body ConfigPatchRequest
	if err := fromProto(req, &body); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid config patch: %v", err)
	}
	patch, err := body.Patch()
	if err != nil {
		return nil, grpcError(err)
	}
	cfg, err := s.srv.gov.SetConfig(patch)
	if err != nil {
		return nil, grpcError(err)
	}
	return encodeStruct(newConfigView(cfg))
}

func (s *service) WatchEvents(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	sub := s.srv.subscribe("grpc")
	defer s.srv.unsubscribe(sub)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.srv.shutdownChan:
			return nil
		case ev := <-sub.eventChan:
			msg, err := encodeStruct(ev)
			if err != nil {
				return err
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

func encodeStruct(v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// grpcError maps governor errors to gRPC status codes
func grpcError(err error) error {
	switch {
	case errors.Is(err, governor.ErrUnknownID):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, governor.ErrCriticalNodeProtected):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, governor.ErrInvalidConfig), errors.Is(err, governor.ErrInvalidTier), errors.Is(err, governor.ErrInvalidNode):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

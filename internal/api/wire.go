package api

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatmirror.v1.MirrorService"

// MirrorServer is the server side of the control API. Requests and responses
// are structpb.Struct messages keyed by the field names in this package.
type MirrorServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartPull(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopPull(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckPullStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPulls(context.Context, *structpb.Struct) (*structpb.Struct, error)
	BackfillConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTimeline(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpsertHandle(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

type unaryCall func(MirrorServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(MirrorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(MirrorServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ServiceDesc describes MirrorServer to grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MirrorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", MirrorServer.GetStatus),
		unary("StartPull", MirrorServer.StartPull),
		unary("StopPull", MirrorServer.StopPull),
		unary("CheckPullStatus", MirrorServer.CheckPullStatus),
		unary("ListPulls", MirrorServer.ListPulls),
		unary("BackfillConversation", MirrorServer.BackfillConversation),
		unary("GetMessage", MirrorServer.GetMessage),
		unary("ListTimeline", MirrorServer.ListTimeline),
		unary("UpsertHandle", MirrorServer.UpsertHandle),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(MirrorServer).WatchEvents(in, stream)
			},
		},
	},
	Metadata: "chatmirror/v1/mirror.proto",
}

// RegisterMirrorServer registers srv on s.
func RegisterMirrorServer(s grpc.ServiceRegistrar, srv MirrorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// fields wraps a request for typed access. Missing or mistyped fields read as
// zero values.
type fields struct {
	m map[string]*structpb.Value
}

func readFields(s *structpb.Struct) fields {
	return fields{m: s.GetFields()}
}

func (f fields) str(name string) string {
	return f.m[name].GetStringValue()
}

func (f fields) num(name string) int {
	return int(f.m[name].GetNumberValue())
}

func (f fields) flag(name string) bool {
	return f.m[name].GetBoolValue()
}

// timestamp parses an RFC 3339 string field. An absent field is the zero time.
func (f fields) timestamp(name string) (time.Time, error) {
	v := f.str(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("field %s: %w", name, err)
	}
	return t, nil
}

func (f fields) dur(name string) (time.Duration, error) {
	v := f.str(name)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", name, err)
	}
	return d, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func stringList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

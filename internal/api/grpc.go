package api

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "barreplay.v1.Backtest"

// BacktestServer is the server API of the Backtest service. Every message
// is a google.protobuf.Struct holding the JSON shape of the matching HTTP
// API type.
type BacktestServer interface {
	GetBars(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListSymbols(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListStrategies(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunBacktest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetReport(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamBars(*structpb.Struct, grpc.ServerStream) error
}

// RegisterBacktestServer registers srv on gs.
func RegisterBacktestServer(gs grpc.ServiceRegistrar, srv BacktestServer) {
	gs.RegisterService(&backtestServiceDesc, srv)
}

var backtestServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BacktestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetBars", Handler: unaryHandler("GetBars", BacktestServer.GetBars)},
		{MethodName: "ListSymbols", Handler: unaryHandler("ListSymbols", BacktestServer.ListSymbols)},
		{MethodName: "ListStrategies", Handler: unaryHandler("ListStrategies", BacktestServer.ListStrategies)},
		{MethodName: "RunBacktest", Handler: unaryHandler("RunBacktest", BacktestServer.RunBacktest)},
		{MethodName: "GetReport", Handler: unaryHandler("GetReport", BacktestServer.GetReport)},
		{MethodName: "CancelRun", Handler: unaryHandler("CancelRun", BacktestServer.CancelRun)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamBars",
			Handler:       streamBarsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "barreplay/v1/backtest.proto",
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

type unaryMethod func(BacktestServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BacktestServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BacktestServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func streamBarsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BacktestServer).StreamBars(in, stream)
}

// ---------------------------------------------------------------------------
// Struct conversion
// ---------------------------------------------------------------------------

// toStruct converts a JSON-serializable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes s into v through its JSON form.
func fromStruct(s *structpb.Struct, v any) error {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	return nil
}

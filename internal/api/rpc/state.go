// Package rpc exposes the state bus over gRPC as service presscore.State.
// Messages are protobuf well-known types, so clients need no generated
// stubs beyond google/protobuf/struct.proto.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/KevinKickass/OpenPressCore/internal/press"
	"github.com/KevinKickass/OpenPressCore/internal/statebus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	defaultWatchInterval = time.Second
	minWatchInterval     = 100 * time.Millisecond
)

// StateServer is the handler type of presscore.State.
type StateServer interface {
	Snapshot(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	Watch(req *structpb.Struct, stream grpc.ServerStream) error
	Command(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
}

type StateService struct {
	bus    *statebus.Bus
	known  func(pressID int) bool
	logger *zap.Logger
}

func NewStateService(bus *statebus.Bus, known func(pressID int) bool, logger *zap.Logger) *StateService {
	return &StateService{bus: bus, known: known, logger: logger}
}

// Register adds presscore.State to a gRPC server.
func Register(s *grpc.Server, srv StateServer) {
	s.RegisterService(&StateServiceDesc, srv)
}

// Snapshot returns the whole state bus.
func (s *StateService) Snapshot(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	return s.snapshot("")
}

// Watch streams the bus every interval_ms (default 1000), optionally only
// keys starting with prefix.
func (s *StateService) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	interval := defaultWatchInterval
	prefix := ""
	if req != nil {
		if v, ok := req.GetFields()["interval_ms"]; ok {
			interval = time.Duration(v.GetNumberValue()) * time.Millisecond
		}
		if v, ok := req.GetFields()["prefix"]; ok {
			prefix = v.GetStringValue()
		}
	}
	if interval < minWatchInterval {
		interval = minWatchInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		msg, err := s.snapshot(prefix)
		if err != nil {
			return err
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}

		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case <-ticker.C:
		}
	}
}

// Command posts an operator request for a press: {"press_id": 1,
// "command": "start"}. The orchestrator picks it up on its next tick.
func (s *StateService) Command(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	fields := req.GetFields()

	id := int(fields["press_id"].GetNumberValue())
	if s.known != nil && !s.known(id) {
		return nil, status.Errorf(codes.NotFound, "press %d not configured", id)
	}

	cmd, err := press.ParseCommand(fields["command"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.bus.Set(statebus.PressKey(id, statebus.Request), string(cmd))
	s.logger.Info("Press request posted via gRPC", zap.Int("press", id), zap.String("command", string(cmd)))
	return &emptypb.Empty{}, nil
}

// snapshot goes through JSON so that every bus value (typed readings,
// quality reports, NaN temperatures as null) maps onto structpb values.
func (s *StateService) snapshot(prefix string) (*structpb.Struct, error) {
	values := s.bus.Snapshot()
	if prefix != "" {
		for k := range values {
			if !strings.HasPrefix(k, prefix) {
				delete(values, k)
			}
		}
	}

	data, err := json.Marshal(values)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode snapshot: %v", err)
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, status.Errorf(codes.Internal, "decode snapshot: %v", err)
	}

	out, err := structpb.NewStruct(generic)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "snapshot: %v", err)
	}
	return out, nil
}

func snapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StateServer).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/presscore.State/Snapshot"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StateServer).Snapshot(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func commandHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StateServer).Command(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/presscore.State/Command"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StateServer).Command(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return fmt.Errorf("watch request: %w", err)
	}
	return srv.(StateServer).Watch(in, stream)
}

var StateServiceDesc = grpc.ServiceDesc{
	ServiceName: "presscore.State",
	HandlerType: (*StateServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Snapshot", Handler: snapshotHandler},
		{MethodName: "Command", Handler: commandHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "presscore/state.proto",
}

package proto

import (
	"PoseBridge/logger"
	"PoseBridge/monitor"
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Controller is the part of the module exposed to remote control.
type Controller interface {
	Quit()
	Snapshot() map[string]any
	Status() map[string]any
}

type Server struct {
	ctl Controller
	log *zap.Logger
}

func NewServer(ctl Controller, log *zap.Logger) *Server {
	return &Server{ctl: ctl, log: logger.Or(log)}
}

func (s *Server) Quit(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error) {
	monitor.ControlRequests.WithLabelValues("grpc").Inc()
	s.log.Warn("quit requested over gRPC")
	s.ctl.Quit()
	return &emptypb.Empty{}, nil
}

func (s *Server) GetConfig(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	monitor.ControlRequests.WithLabelValues("grpc").Inc()
	ret, err := structpb.NewStruct(s.ctl.Snapshot())
	if err != nil {
		s.log.Error("config snapshot not representable", zap.Error(err))
		return nil, status.Errorf(codes.Internal, "config snapshot: %v", err)
	}
	return ret, nil
}

func (s *Server) GetState(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	monitor.ControlRequests.WithLabelValues("grpc").Inc()
	ret, err := structpb.NewStruct(s.ctl.Status())
	if err != nil {
		s.log.Error("module status not representable", zap.Error(err))
		return nil, status.Errorf(codes.Internal, "module status: %v", err)
	}
	return ret, nil
}

// Serve registers the control service on a new grpc.Server and serves lis in
// the background. The caller stops the returned server.
func Serve(lis net.Listener, ctl Controller, log *zap.Logger) *grpc.Server {
	log = logger.Or(log)
	s := grpc.NewServer()
	RegisterControlServer(s, NewServer(ctl, log))
	go func() {
		log.Info("gRPC control server listening", zap.String("addr", lis.Addr().String()))
		if err := s.Serve(lis); err != nil {
			log.Error("gRPC control server stopped", zap.Error(err))
		}
	}()
	return s
}

func StartGRPCServer(port int, ctl Controller, log *zap.Logger) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	return Serve(lis, ctl, log), nil
}

// Package control exposes a running recorder over gRPC.
//
// The recorder.v1.Control service has two unary methods:
//
//	Rotate(google.protobuf.Empty) returns (google.protobuf.Empty)
//	Status(google.protobuf.Empty) returns (google.protobuf.Struct)
//
// Rotate raises the same rotation request as SIGHUP. The standard gRPC
// health service is registered alongside.
package control

import (
	"context"
	"log/slog"
	"time"

	"github.com/rbaliyan/recorder/recorder"
	"github.com/rbaliyan/recorder/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "recorder.v1.Control"

// TransportService is the health service name that reports the bus
// connection.
const TransportService = "recorder.v1.Transport"

// Full method names
const (
	RotateMethod = "/" + ServiceName + "/Rotate"
	StatusMethod = "/" + ServiceName + "/Status"
)

// Target is the recorder being controlled.
type Target interface {
	RequestRotation()
	Stats() recorder.Stats
}

// Server is the server API of recorder.v1.Control.
type Server interface {
	Rotate(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// Service implements Server for a Target.
type Service struct {
	target Target
	health *health.Server
	logger *slog.Logger
}

// New creates a control service for target.
func New(target Target, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default().With("component", "control")
	}
	return &Service{
		target: target,
		health: health.NewServer(),
		logger: logger,
	}
}

// Register registers the control and health services with a gRPC server.
func (s *Service) Register(server *grpc.Server) {
	server.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(server, s.health)
	s.SetServing(true)
}

// SetServing updates the health status reported for the recorder.
func (s *Service) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// ReportTransport publishes a transport health result under
// TransportService. Degraded still serves.
func (s *Service) ReportTransport(res *transport.HealthCheckResult) {
	st := healthpb.HealthCheckResponse_SERVING
	if res == nil || res.Status == transport.HealthStatusUnhealthy {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(TransportService, st)
}

// WatchTransport checks the transport every interval until ctx is done,
// reporting each result and logging status changes.
func (s *Service) WatchTransport(ctx context.Context, checker transport.HealthChecker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last transport.HealthStatus
	for {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		res := checker.Health(checkCtx)
		cancel()
		s.ReportTransport(res)
		if res != nil && res.Status != last {
			s.logger.Info("transport health changed", "status", res.Status, "message", res.Message)
			last = res.Status
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Shutdown marks every service as not serving.
func (s *Service) Shutdown() {
	s.health.Shutdown()
}

// Rotate requests a rotation before the next message.
func (s *Service) Rotate(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.target.RequestRotation()
	s.logger.Info("rotation requested over control plane")
	return &emptypb.Empty{}, nil
}

// Status returns the recorder statistics.
func (s *Service) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(statsFields(s.target.Stats()))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode status: %v", err)
	}
	return st, nil
}

func statsFields(s recorder.Stats) map[string]any {
	return map[string]any{
		"session_id":   s.SessionID,
		"running":      s.Running,
		"enqueued":     s.Enqueued,
		"rejected":     s.Rejected,
		"written":      s.Written,
		"dropped":      s.Dropped,
		"bytes":        s.Bytes,
		"rotations":    s.Rotations,
		"files":        s.Files,
		"queue_depth":  s.QueueDepth,
		"current_file": s.CurrentFile,
	}
}

func rotateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Rotate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RotateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Rotate(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: StatusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Rotate", Handler: rotateHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "recorder/v1/control.proto",
}

var _ Server = (*Service)(nil)

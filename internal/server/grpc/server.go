// Package grpc runs the administrative gRPC endpoint: the standard health
// service, reporting one status per protocol stage, and server reflection.
package grpc

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/dmitrijs2005/gophmsn/internal/logging"
)

// Health service names reported by the admin server.
const (
	ServiceNotification = "notification"
	ServiceSwitchboard  = "switchboard"
)

type AdminServer struct {
	address string
	logger  logging.Logger
	health  *health.Server

	ready chan struct{}
	addr  net.Addr
}

func NewAdminServer(address string, l logging.Logger) *AdminServer {
	hs := health.NewServer()
	for _, svc := range []string{ServiceNotification, ServiceSwitchboard} {
		hs.SetServingStatus(svc, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return &AdminServer{
		address: address,
		logger:  l.With("module", "grpc_server"),
		health:  hs,
		ready:   make(chan struct{}),
	}
}

// SetServing records whether a stage is accepting clients.
func (s *AdminServer) SetServing(service string, serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, st)
}

// Ready is closed once the socket is bound.
func (s *AdminServer) Ready() <-chan struct{} { return s.ready }

// Addr is the bound address. Valid after Ready.
func (s *AdminServer) Addr() net.Addr { return s.addr }

func (s *AdminServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	s.addr = listen.Addr()
	close(s.ready)

	// creates gRPC-server
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.loggingInterceptor))

	// registers services
	healthpb.RegisterHealthServer(srv, s.health)
	reflection.Register(srv)

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gPRC server...")
		s.health.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", s.addr.String())

	// starts accepting incoming connections
	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}

package rpc

import (
	"context"
	"net"
	"sync"
	"time"

	"PPGateway/logger"
	"PPGateway/tools/errs"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name the gateway reports under. The
// empty service name mirrors it for health checks that do not pass one.
const ServiceName = "ppgateway.Gateway"

// HealthServer exposes the gateway's health over grpc.health.v1.
type HealthServer struct {
	srv  *grpc.Server
	hs   *health.Server
	once sync.Once
}

func NewHealthServer() *HealthServer {
	hs := health.NewServer()
	srv := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	h := &HealthServer{srv: srv, hs: hs}
	h.SetServing(false)
	return h
}

func (h *HealthServer) SetServing(ok bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if ok {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.hs.SetServingStatus("", status)
	h.hs.SetServingStatus(ServiceName, status)
}

// Watch polls healthy every interval and publishes the result until ctx ends.
func (h *HealthServer) Watch(ctx context.Context, interval time.Duration, healthy func() bool) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.SetServing(healthy())
	for {
		select {
		case <-ticker.C:
			h.SetServing(healthy())
		case <-ctx.Done():
			return
		}
	}
}

// Serve blocks serving on lis until ctx ends, then stops gracefully.
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- h.srv.Serve(lis) }()
	logger.Info("[gRPC] health server listening", zap.String("addr", lis.Addr().String()))

	select {
	case err := <-errCh:
		return errs.WrapMsg(err, "grpc health serve")
	case <-ctx.Done():
		h.Stop()
		<-errCh
		return nil
	}
}

func (h *HealthServer) Stop() {
	h.once.Do(func() {
		h.hs.Shutdown()
		h.srv.GracefulStop()
	})
}

// Check dials target and asks for service's status. Used by the -check flag.
func Check(ctx context.Context, target, service string) (bool, error) {
	conn, err := grpc.DialContext(ctx, target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return false, errs.WrapMsg(err, "dial health", "target", target)
	}
	defer conn.Close()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return false, errs.WrapMsg(err, "health check", "target", target)
	}
	return resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING, nil
}

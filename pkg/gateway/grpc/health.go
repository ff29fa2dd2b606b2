// Package grpcgw serves the standard gRPC health protocol for a relay
// node. The relay service reports NOT_SERVING while its queue is saturated
// or no link is attached, so orchestrators can route traffic elsewhere.
package grpcgw

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"meshrelay/pkg/core/relayq"
)

// ServiceName is the health service key for the relay path.
const ServiceName = "meshrelay.Relay"

// Probe reports relay readiness. *mesh.Engine satisfies it through a small
// adapter in the node binary that also knows whether a link is up.
type Probe interface {
	QueueStatus() relayq.Status
	LinkUp() bool
}

// Health keeps a grpc health.Server in step with a Probe.
type Health struct {
	probe Probe
	srv   *health.Server
	last  healthpb.HealthCheckResponse_ServingStatus
}

func NewHealth(p Probe) *Health {
	h := &Health{probe: p, srv: health.NewServer()}
	h.Update()
	return h
}

// Server exposes the underlying health server, e.g. for in-process checks.
func (h *Health) Server() *health.Server { return h.srv }

// Update evaluates the probe once and publishes the result.
func (h *Health) Update() healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	q := h.probe.QueueStatus()
	if !h.probe.LinkUp() || (q.MaxSize > 0 && q.Size >= q.MaxSize) {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	if st != h.last {
		zap.L().Info("relay health", zap.Stringer("status", st), zap.Int("queue", q.Size), zap.Int("max", q.MaxSize))
		h.last = st
	}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.srv.SetServingStatus(ServiceName, st)
	return st
}

// Run re-evaluates every interval until ctx is done, then marks everything
// NOT_SERVING.
func (h *Health) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-t.C:
			h.Update()
		}
	}
}

// Serve runs a gRPC server with the health service on lis until ctx is
// done.
func Serve(ctx context.Context, lis net.Listener, h *Health) error {
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, h.srv)
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	zap.L().Info("admin grpc listening", zap.Stringer("addr", lis.Addr()))
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

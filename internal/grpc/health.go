// Package grpc exposes lease store health over the standard gRPC health protocol.
package grpc

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kneutral-org/jobguard/internal/introspect"
	"github.com/kneutral-org/jobguard/internal/logging"
)

// ServiceName is the health service name reported alongside the overall ("") status.
const ServiceName = "jobguard"

// LivenessProber runs one lease store round trip.
type LivenessProber interface {
	Liveness(ctx context.Context) introspect.Liveness
}

// NewServer creates a gRPC server with request logging and the health service registered.
func NewServer(healthServer *health.Server, maxMessageSize int, logger zerolog.Logger) *grpc.Server {
	srv := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
		grpc.ChainUnaryInterceptor(logging.GRPCLogger(logger)),
		grpc.ChainStreamInterceptor(logging.GRPCStreamLogger(logger)),
	)
	healthpb.RegisterHealthServer(srv, healthServer)
	return srv
}

// HealthReporter periodically probes the lease store and flips the serving
// status. An instance that cannot reach the store cannot acquire leases, so
// it reports NOT_SERVING until the store comes back.
type HealthReporter struct {
	prober   LivenessProber
	server   *health.Server
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	serving bool
	known   bool

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewHealthReporter creates a reporter that probes every interval.
func NewHealthReporter(prober LivenessProber, server *health.Server, interval time.Duration, logger zerolog.Logger) *HealthReporter {
	timeout := interval / 2
	if timeout <= 0 || timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &HealthReporter{
		prober:   prober,
		server:   server,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With().Str("service", "health").Logger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Check probes the store once, updates the serving status and reports
// whether the store was reachable.
func (r *HealthReporter) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result := r.prober.Liveness(ctx)
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if result.StoreReachable {
		status = healthpb.HealthCheckResponse_SERVING
	}
	r.server.SetServingStatus("", status)
	r.server.SetServingStatus(ServiceName, status)

	r.mu.Lock()
	changed := !r.known || r.serving != result.StoreReachable
	r.serving = result.StoreReachable
	r.known = true
	r.mu.Unlock()

	if changed {
		event := r.logger.Info()
		if !result.StoreReachable {
			event = r.logger.Warn().Str("error", result.Error)
		}
		event.Str("status", status.String()).Msg("serving status changed")
	}
	return result.StoreReachable
}

// Start runs an immediate check and then one per interval in the background.
func (r *HealthReporter) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop halts the probe loop and marks the server NOT_SERVING for every service.
func (r *HealthReporter) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
	r.server.Shutdown()
}

func (r *HealthReporter) run(ctx context.Context) {
	defer close(r.doneCh)

	r.Check(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Check(ctx)
		}
	}
}

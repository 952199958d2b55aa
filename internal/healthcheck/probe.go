package healthcheck

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/fruit-quality/internal/classification"
	"github.com/example/fruit-quality/internal/mlclient"
)

// ServiceName is the gRPC health service reflecting the ML backend. The
// empty service name reports the gateway process itself.
const ServiceName = "fruitquality.Classifier"

const (
	StatusUnknown    = "unknown"
	StatusServing    = "serving"
	StatusNotServing = "not_serving"
)

// Checker is satisfied by *mlclient.Client.
type Checker interface {
	Health(ctx context.Context) (*mlclient.ServiceHealth, error)
}

// Snapshot is the outcome of the latest probe.
type Snapshot struct {
	Status      string    `json:"status"`
	ModelLoaded bool      `json:"model_loaded"`
	DemoMode    bool      `json:"demo_mode"`
	ErrorCode   string    `json:"error_code,omitempty"`
	Error       string    `json:"error,omitempty"`
	CheckedAt   time.Time `json:"checked_at,omitempty"`
}

// Probe polls the ML service and mirrors its state into a gRPC health server.
type Probe struct {
	checker  Checker
	server   *health.Server
	interval time.Duration
	logger   *zap.Logger

	mu       sync.RWMutex
	snapshot Snapshot
}

func NewProbe(checker Checker, interval time.Duration, logger *zap.Logger) *Probe {
	server := health.NewServer()
	server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	server.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_UNKNOWN)
	return &Probe{
		checker:  checker,
		server:   server,
		interval: interval,
		logger:   logger.Named("healthcheck"),
		snapshot: Snapshot{Status: StatusUnknown},
	}
}

// HealthServer exposes the gRPC health implementation.
func (p *Probe) HealthServer() *health.Server { return p.server }

// NewGRPCServer returns a gRPC server with the probe's health service registered.
func (p *Probe) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, p.server)
	return s
}

// Snapshot returns the latest probe outcome.
func (p *Probe) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// CheckOnce queries the ML service and updates the health status.
func (p *Probe) CheckOnce(ctx context.Context) Snapshot {
	snap := Snapshot{CheckedAt: time.Now().UTC()}

	h, err := p.checker.Health(ctx)
	switch {
	case err != nil:
		snap.Status = StatusNotServing
		snap.Error = err.Error()
		if cerr, ok := classification.As(err); ok {
			snap.ErrorCode = cerr.Code()
			snap.Error = cerr.Message
		}
	case !h.Healthy():
		snap.Status = StatusNotServing
		snap.Error = "ML service reported status " + h.Status
	default:
		snap.Status = StatusServing
		snap.ModelLoaded = h.ModelLoaded
		snap.DemoMode = h.DemoMode
	}

	p.mu.Lock()
	previous := p.snapshot.Status
	p.snapshot = snap
	p.mu.Unlock()

	if snap.Status == StatusServing {
		p.server.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	} else {
		p.server.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	if previous != snap.Status {
		p.logger.Info("ml service health changed",
			zap.String("from", previous),
			zap.String("to", snap.Status),
			zap.String("error", snap.Error),
			zap.Bool("demo_mode", snap.DemoMode))
	}
	return snap
}

// Run probes immediately and then every interval until ctx is done, at
// which point all services are reported NOT_SERVING.
func (p *Probe) Run(ctx context.Context) {
	defer p.server.Shutdown()

	p.CheckOnce(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CheckOnce(ctx)
		}
	}
}

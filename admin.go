package solo

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arloliu/solo/internal/admin"
)

// AdminServer serves /healthz, /status, /instances and /metrics for an
// Instance.
type AdminServer = admin.Server

// NewAdminServer creates an admin HTTP server for inst.
//
// /healthz answers 503 while Health reports anything but healthy, which makes
// it usable as a readiness check. /metrics is served from gatherer and is
// omitted when gatherer is nil.
//
// Parameters:
//   - inst: Instance to report on
//   - addr: Listen address, e.g. ":8081"
//   - gatherer: Prometheus gatherer, usually prometheus.DefaultGatherer
//
// Example:
//
//	srv := solo.NewAdminServer(inst, ":8081", prometheus.DefaultGatherer)
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Shutdown(context.Background())
func NewAdminServer(inst *Instance, addr string, gatherer prometheus.Gatherer) *AdminServer {
	return admin.New(admin.Config{
		Addr:           addr,
		Gatherer:       gatherer,
		RequestTimeout: inst.cfg.OperationTimeout,
		Logger:         inst.logger,
	}, instanceReporter{inst: inst})
}

type instanceReporter struct {
	inst *Instance
}

func (r instanceReporter) HealthReport() (any, bool) {
	h := r.inst.Health()
	return h, h.Status == HealthHealthy
}

func (r instanceReporter) StatusReport() any {
	return r.inst.Status()
}

func (r instanceReporter) InstancesReport(ctx context.Context) (any, error) {
	return r.inst.registry.ListInstances(ctx, r.inst.service)
}

package pdpserver

import (
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cordum/pdpsync/core/pdp/voter"
)

// HealthReporter mirrors tenant states into a grpc.health.v1 server, one
// service per pdpId. The empty service name reports the process itself.
type HealthReporter struct {
	server *health.Server
}

func NewHealthReporter() *HealthReporter {
	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &HealthReporter{server: srv}
}

// Server returns the underlying health service for registration.
func (h *HealthReporter) Server() *health.Server { return h.server }

func (h *HealthReporter) OnStatus(st voter.Status) {
	h.server.SetServingStatus(st.PdpID, servingStatus(st.State))
}

func (h *HealthReporter) OnRemoved(pdpID string) {
	h.server.SetServingStatus(pdpID, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
}

// Shutdown flips every service to NOT_SERVING.
func (h *HealthReporter) Shutdown() { h.server.Shutdown() }

func servingStatus(state voter.State) healthpb.HealthCheckResponse_ServingStatus {
	switch state {
	case voter.StateLoaded, voter.StateStale:
		return healthpb.HealthCheckResponse_SERVING
	case voter.StateError:
		return healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return healthpb.HealthCheckResponse_UNKNOWN
	}
}

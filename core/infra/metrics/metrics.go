package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cordum/pdpsync/core/pdp/voter"
)

// Fetch outcomes recorded per bundle request.
const (
	OutcomeLoaded         = "loaded"
	OutcomeNotModified    = "not_modified"
	OutcomeHTTPError      = "http_error"
	OutcomeNetworkError   = "network_error"
	OutcomeEmptyBody      = "empty_body"
	OutcomeParseError     = "parse_error"
	OutcomeSignatureError = "signature_error"
)

var states = []voter.State{voter.StateLoaded, voter.StateStale, voter.StateError}

// BundleMetrics captures fetch-loop and configuration-health metrics.
type BundleMetrics interface {
	ObserveFetch(pdpID, outcome string, durationSeconds float64)
	IncConfigLoad(pdpID, state string)
	SetPdpState(pdpID, state string)
	DeletePdp(pdpID string)
}

// Noop implements BundleMetrics without emitting anything.
type Noop struct{}

func (Noop) ObserveFetch(string, string, float64) {}
func (Noop) IncConfigLoad(string, string)         {}
func (Noop) SetPdpState(string, string)           {}
func (Noop) DeletePdp(string)                     {}

// Prom implements BundleMetrics backed by Prometheus collectors.
type Prom struct {
	fetches   *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	loads     *prometheus.CounterVec
	pdpStatus *prometheus.GaugeVec
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundle_fetch_total",
			Help:      "Bundle fetch attempts by pdp and outcome",
		}, []string{"pdp_id", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bundle_fetch_duration_seconds",
			Help:      "Bundle fetch latency by pdp",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pdp_id"}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_load_total",
			Help:      "Configuration loads by pdp and resulting state",
		}, []string{"pdp_id", "state"}),
		pdpStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pdp_status",
			Help:      "1 for the current configuration state of each pdp",
		}, []string{"pdp_id", "state"}),
	}
	p.register()
	return p
}

// register adopts collectors already registered under the same names, so
// several Prom values in one process share series.
func (p *Prom) register() {
	p.fetches = registerOrReuse(p.fetches)
	p.latency = registerOrReuse(p.latency)
	p.loads = registerOrReuse(p.loads)
	p.pdpStatus = registerOrReuse(p.pdpStatus)
}

func registerOrReuse[T prometheus.Collector](c T) T {
	err := prometheus.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	panic(err)
}

func (p *Prom) ObserveFetch(pdpID, outcome string, durationSeconds float64) {
	p.fetches.WithLabelValues(pdpID, outcome).Inc()
	p.latency.WithLabelValues(pdpID).Observe(durationSeconds)
}

func (p *Prom) IncConfigLoad(pdpID, state string) {
	p.loads.WithLabelValues(pdpID, state).Inc()
}

// SetPdpState sets the gauge for state to 1 and every other state to 0.
func (p *Prom) SetPdpState(pdpID, state string) {
	for _, s := range states {
		v := 0.0
		if string(s) == state {
			v = 1
		}
		p.pdpStatus.WithLabelValues(pdpID, string(s)).Set(v)
	}
}

func (p *Prom) DeletePdp(pdpID string) {
	p.pdpStatus.DeletePartialMatch(prometheus.Labels{"pdp_id": pdpID})
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StatusRecorder feeds voter status transitions into BundleMetrics.
type StatusRecorder struct {
	m BundleMetrics
}

func NewStatusRecorder(m BundleMetrics) *StatusRecorder {
	if m == nil {
		m = Noop{}
	}
	return &StatusRecorder{m: m}
}

func (r *StatusRecorder) OnStatus(st voter.Status) {
	r.m.IncConfigLoad(st.PdpID, string(st.State))
	r.m.SetPdpState(st.PdpID, string(st.State))
}

func (r *StatusRecorder) OnRemoved(pdpID string) {
	r.m.DeletePdp(pdpID)
}

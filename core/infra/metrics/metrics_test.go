package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/cordum/pdpsync/core/pdp/voter"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopMetrics(t *testing.T) {
	var m Noop
	m.ObserveFetch("t", OutcomeLoaded, 0.1)
	m.IncConfigLoad("t", "LOADED")
	m.SetPdpState("t", "LOADED")
	m.DeletePdp("t")
}

func TestPromMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewProm("cordum_pdp")
	m.ObserveFetch("arkham", OutcomeLoaded, 0.25)
	m.ObserveFetch("arkham", OutcomeNotModified, 0.01)
	m.IncConfigLoad("arkham", "LOADED")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "cordum_pdp_bundle_fetch_total", map[string]string{"pdp_id": "arkham", "outcome": "loaded"}) {
		t.Fatalf("expected bundle_fetch_total metric")
	}
	if !hasMetric(families, "cordum_pdp_bundle_fetch_duration_seconds", map[string]string{"pdp_id": "arkham"}) {
		t.Fatalf("expected bundle_fetch_duration metric")
	}
	if !hasMetric(families, "cordum_pdp_config_load_total", map[string]string{"pdp_id": "arkham", "state": "LOADED"}) {
		t.Fatalf("expected config_load metric")
	}
}

func TestStatusRecorderGauge(t *testing.T) {
	reg := withTestRegistry(t)
	rec := NewStatusRecorder(NewProm("cordum_pdp"))
	rec.OnStatus(voter.Status{PdpID: "t", State: voter.StateLoaded})
	rec.OnStatus(voter.Status{PdpID: "t", State: voter.StateStale})

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if gaugeValue(families, "cordum_pdp_pdp_status", map[string]string{"pdp_id": "t", "state": "STALE"}) != 1 {
		t.Fatalf("expected STALE gauge set")
	}
	if gaugeValue(families, "cordum_pdp_pdp_status", map[string]string{"pdp_id": "t", "state": "LOADED"}) != 0 {
		t.Fatalf("expected LOADED gauge cleared")
	}

	rec.OnRemoved("t")
	families, _ = reg.Gather()
	if hasMetric(families, "cordum_pdp_pdp_status", map[string]string{"pdp_id": "t"}) {
		t.Fatalf("expected gauge removed")
	}
}

func TestHandler(t *testing.T) {
	withTestRegistry(t)
	m := NewProm("cordum_pdp")
	m.ObserveFetch("t", OutcomeHTTPError, 0.1)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected metrics output")
	}
}

func TestNewPromTwiceSharesCollectors(t *testing.T) {
	reg := withTestRegistry(t)
	first := NewProm("cordum_pdp")
	second := NewProm("cordum_pdp")
	first.IncConfigLoad("t", "LOADED")
	second.IncConfigLoad("t", "LOADED")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != "cordum_pdp_config_load_total" {
			continue
		}
		if got := fam.GetMetric()[0].GetCounter().GetValue(); got != 2 {
			t.Fatalf("expected shared counter at 2, got %v", got)
		}
		return
	}
	t.Fatalf("config_load_total not gathered")
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return true
			}
		}
	}
	return false
}

func gaugeValue(families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return metric.GetGauge().GetValue()
			}
		}
	}
	return -1
}

func matchLabels(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	found := 0
	for _, pair := range pairs {
		if val, ok := labels[pair.GetName()]; ok && pair.GetValue() == val {
			found++
		}
	}
	return found == len(labels)
}

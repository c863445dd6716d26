package voter

import (
	"strings"
	"time"

	"github.com/cordum/pdpsync/core/pdp/configuration"
)

// State is the health of a tenant's configuration.
type State string

const (
	// StateLoaded means the latest configuration compiled and is serving.
	StateLoaded State = "LOADED"
	// StateStale means the latest load failed but an earlier good
	// configuration is still serving.
	StateStale State = "STALE"
	// StateError means no good configuration is available; decisions for
	// the tenant fail.
	StateError State = "ERROR"
)

// Status is a point-in-time snapshot of one tenant's load health.
type Status struct {
	PdpID              string    `json:"pdp_id"`
	State              State     `json:"state"`
	ConfigurationID    string    `json:"configuration_id,omitempty"`
	CombiningAlgorithm string    `json:"combining_algorithm,omitempty"`
	DocumentCount      int       `json:"document_count"`
	LastSuccessfulLoad time.Time `json:"last_successful_load,omitzero"`
	LastFailedLoad     time.Time `json:"last_failed_load,omitzero"`
	LastError          string    `json:"last_error,omitempty"`
}

// Outcome is the result of one load attempt.
type Outcome struct {
	PdpID  string
	Config *configuration.PDPConfiguration
	Err    error
	At     time.Time
}

// Succeeded reports whether the attempt produced a usable configuration.
func (o Outcome) Succeeded() bool { return o.Err == nil && o.Config != nil }

// Transition computes the next status from the previous one (nil when the
// tenant has no entry) and the outcome of a load attempt. A failure only
// keeps the previous good metadata when keepOldOnError is set and the tenant
// was LOADED or STALE.
func Transition(prev *Status, outcome Outcome, keepOldOnError bool) Status {
	if outcome.Succeeded() {
		cfg := outcome.Config
		return Status{
			PdpID:              outcome.PdpID,
			State:              StateLoaded,
			ConfigurationID:    cfg.ConfigurationID(),
			CombiningAlgorithm: cfg.Algorithm().CanonicalString(),
			DocumentCount:      cfg.DocumentCount(),
			LastSuccessfulLoad: outcome.At,
		}
	}
	msg := failureMessage(outcome.Err)
	if keepOldOnError && prev != nil && (prev.State == StateLoaded || prev.State == StateStale) {
		next := *prev
		next.State = StateStale
		next.LastFailedLoad = outcome.At
		next.LastError = msg
		return next
	}
	return Status{
		PdpID:          outcome.PdpID,
		State:          StateError,
		LastFailedLoad: outcome.At,
		LastError:      msg,
	}
}

func failureMessage(err error) string {
	if err == nil {
		return "invalid configuration"
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "load failed"
	}
	return msg
}

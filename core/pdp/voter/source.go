// Package voter tracks the active compiled configuration and load health of
// every tenant served by this PDP instance.
package voter

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cordum/pdpsync/core/infra/logging"
	"github.com/cordum/pdpsync/core/pdp/configuration"
)

// Voter is a compiled configuration that participates in decisions.
type Voter interface {
	ConfigurationID() string
	// Ready returns nil when the voter can decide; the error placeholder
	// installed after a failed load returns the load error.
	Ready() error
}

// Compiler turns a configuration into a Voter.
type Compiler interface {
	Compile(ctx context.Context, cfg *configuration.PDPConfiguration) (Voter, error)
}

// CompilerFunc adapts a function to Compiler.
type CompilerFunc func(ctx context.Context, cfg *configuration.PDPConfiguration) (Voter, error)

func (f CompilerFunc) Compile(ctx context.Context, cfg *configuration.PDPConfiguration) (Voter, error) {
	return f(ctx, cfg)
}

// StatusListener observes status transitions. Calls for one tenant are
// serialised in transition order.
type StatusListener interface {
	OnStatus(Status)
	OnRemoved(pdpID string)
}

var errInvalidConfig = errors.New("invalid configuration: missing configuration or pdp id")

// errorVoter answers every decision with the error that put the tenant into ERROR.
type errorVoter struct {
	err error
}

func (v errorVoter) ConfigurationID() string { return "" }
func (v errorVoter) Ready() error            { return v.err }

// Source holds per-tenant statuses and active voters. Updates for one tenant
// are serialised by a per-tenant mutex; different tenants never contend.
type Source struct {
	compiler Compiler
	now      func() time.Time

	statuses sync.Map // pdpID -> Status
	voters   sync.Map // pdpID -> Voter
	locks    sync.Map // pdpID -> *sync.Mutex

	listenersMu sync.RWMutex
	listeners   []StatusListener
}

func NewSource(compiler Compiler, listeners ...StatusListener) *Source {
	if compiler == nil {
		compiler = DocumentCompiler{}
	}
	return &Source{
		compiler:  compiler,
		now:       time.Now,
		listeners: append([]StatusListener(nil), listeners...),
	}
}

// AddListener registers l for subsequent transitions.
func (s *Source) AddListener(l StatusListener) {
	if l == nil {
		return
	}
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, l)
	s.listenersMu.Unlock()
}

func (s *Source) lockFor(pdpID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(pdpID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// LoadConfiguration compiles cfg and transitions the tenant's status.
func (s *Source) LoadConfiguration(ctx context.Context, cfg *configuration.PDPConfiguration, keepOldOnError bool) {
	if cfg == nil || strings.TrimSpace(cfg.PdpID()) == "" {
		logging.Error("voter", "rejected configuration", "error", errInvalidConfig)
		return
	}
	pdpID := cfg.PdpID()
	mu := s.lockFor(pdpID)
	mu.Lock()
	defer mu.Unlock()

	voter, err := s.compiler.Compile(ctx, cfg)
	if err != nil && ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		logging.Info("voter", "configuration load abandoned", "pdp_id", pdpID, "error", err)
		return
	}
	if err == nil && voter == nil {
		err = errors.New("compiler returned no voter")
	}
	outcome := Outcome{PdpID: pdpID, At: s.now(), Err: err}
	if err == nil {
		outcome.Config = cfg
	}
	s.apply(outcome, voter, keepOldOnError)
}

// RecordFailure transitions the tenant as if a load had failed with err,
// for producers that could not build a configuration at all.
func (s *Source) RecordFailure(pdpID string, err error, keepOldOnError bool) {
	if strings.TrimSpace(pdpID) == "" {
		return
	}
	if err == nil {
		err = errInvalidConfig
	}
	mu := s.lockFor(pdpID)
	mu.Lock()
	defer mu.Unlock()
	s.apply(Outcome{PdpID: pdpID, At: s.now(), Err: err}, nil, keepOldOnError)
}

// apply stores the transition for outcome; the caller holds the tenant lock.
func (s *Source) apply(outcome Outcome, voter Voter, keepOldOnError bool) {
	pdpID := outcome.PdpID
	var prev *Status
	if v, ok := s.statuses.Load(pdpID); ok {
		st := v.(Status)
		prev = &st
	}
	next := Transition(prev, outcome, keepOldOnError)
	s.statuses.Store(pdpID, next)

	switch next.State {
	case StateLoaded:
		s.voters.Store(pdpID, voter)
		logging.Info("voter", "configuration loaded",
			"pdp_id", pdpID,
			"configuration_id", next.ConfigurationID,
			"algorithm", next.CombiningAlgorithm,
			"documents", next.DocumentCount)
	case StateStale:
		logging.Warn("voter", "configuration load failed, keeping previous configuration",
			"pdp_id", pdpID,
			"configuration_id", next.ConfigurationID,
			"error", next.LastError)
	default:
		s.voters.Store(pdpID, Voter(errorVoter{err: outcome.Err}))
		logging.Error("voter", "configuration load failed, no configuration available",
			"pdp_id", pdpID,
			"error", next.LastError)
	}
	s.notify(func(l StatusListener) { l.OnStatus(next) })
}

// GetPdpStatus returns a snapshot of the tenant's status.
func (s *Source) GetPdpStatus(pdpID string) (Status, bool) {
	v, ok := s.statuses.Load(pdpID)
	if !ok {
		return Status{}, false
	}
	return v.(Status), true
}

// GetAllPdpStatuses returns a snapshot of every tracked tenant.
func (s *Source) GetAllPdpStatuses() map[string]Status {
	out := map[string]Status{}
	s.statuses.Range(func(key, value any) bool {
		out[key.(string)] = value.(Status)
		return true
	})
	return out
}

// PdpIDs returns the tracked tenants in sorted order.
func (s *Source) PdpIDs() []string {
	var ids []string
	s.statuses.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// ActiveVoter returns the voter currently serving decisions for the tenant.
func (s *Source) ActiveVoter(pdpID string) (Voter, bool) {
	v, ok := s.voters.Load(pdpID)
	if !ok {
		return nil, false
	}
	return v.(Voter), true
}

// RemoveConfigurationForPdp forgets the tenant entirely. It reports whether
// the tenant was tracked.
func (s *Source) RemoveConfigurationForPdp(pdpID string) bool {
	mu := s.lockFor(pdpID)
	mu.Lock()
	defer mu.Unlock()
	_, existed := s.statuses.LoadAndDelete(pdpID)
	s.voters.Delete(pdpID)
	if !existed {
		return false
	}
	logging.Info("voter", "configuration removed", "pdp_id", pdpID)
	s.notify(func(l StatusListener) { l.OnRemoved(pdpID) })
	return true
}

func (s *Source) notify(fn func(StatusListener)) {
	s.listenersMu.RLock()
	listeners := append([]StatusListener(nil), s.listeners...)
	s.listenersMu.RUnlock()
	for _, l := range listeners {
		fn(l)
	}
}

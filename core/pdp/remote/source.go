package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/pdpsync/core/infra/logging"
	"github.com/cordum/pdpsync/core/infra/metrics"
	"github.com/cordum/pdpsync/core/pdp/bundle"
	"github.com/cordum/pdpsync/core/pdp/configuration"
)

const (
	// maxBundleBytes caps the response body; one extra byte is read to detect overflow.
	maxBundleBytes = 10 << 20
	// longPollGrace lets the server answer 304 before the client gives up.
	longPollGrace = 5 * time.Second

	headerIfNoneMatch = "If-None-Match"
	headerETag        = "ETag"
	headerPrefer      = "Prefer"
	headerRequestID   = "X-Request-Id"
)

// ConfigurationSink receives every configuration that passed parsing and
// security checks.
type ConfigurationSink interface {
	LoadConfiguration(ctx context.Context, cfg *configuration.PDPConfiguration, keepOldOnError bool)
}

// Option customises a Source.
type Option func(*Source)

// WithHTTPClient replaces the default client. The client is copied; its
// redirect policy is overridden when redirects are disabled.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) {
		if c != nil {
			cp := *c
			s.client = &cp
		}
	}
}

// WithMetrics records fetch outcomes.
func WithMetrics(m metrics.BundleMetrics) Option {
	return func(s *Source) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Source runs one fetch loop per tenant until Dispose is called.
type Source struct {
	cfg     *SourceConfig
	sink    ConfigurationSink
	client  *http.Client
	metrics metrics.BundleMetrics
	tenants map[string]*tenantLoop

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
	disposed atomic.Bool
}

// fetchState is private to one tenant's loop.
type fetchState struct {
	etag    string
	backoff time.Duration
}

// tenantLoop carries signals into one tenant's loop from outside it.
type tenantLoop struct {
	wake      chan struct{}
	forgetTag atomic.Bool
}

type fetchResult struct {
	status int
	etag   string
	body   []byte
}

// NewSource validates the security policy and starts fetching. A policy that
// fails validation is fatal and no loop starts.
func NewSource(cfg *SourceConfig, sink ConfigurationSink, opts ...Option) (*Source, error) {
	if cfg == nil {
		return nil, &ConfigError{Field: "config", Reason: "must not be nil"}
	}
	if sink == nil {
		return nil, &ConfigError{Field: "sink", Reason: "must not be nil"}
	}
	if err := cfg.policy.Validate(); err != nil {
		return nil, fmt.Errorf("bundle security policy: %w", err)
	}
	s := &Source{
		cfg:     cfg,
		sink:    sink,
		client:  &http.Client{},
		metrics: metrics.Noop{},
		tenants: make(map[string]*tenantLoop, len(cfg.pdpIDs)),
	}
	for _, id := range cfg.pdpIDs {
		s.tenants[id] = &tenantLoop{wake: make(chan struct{}, 1)}
	}
	for _, opt := range opts {
		opt(s)
	}
	if !cfg.followRedirects {
		s.client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	logging.Info("remote-bundle", "starting bundle source",
		"base_url", cfg.baseURL,
		"mode", cfg.mode,
		"pdp_ids", len(cfg.pdpIDs),
		"poll_interval", cfg.pollInterval)
	for _, id := range cfg.pdpIDs {
		s.wg.Add(1)
		go s.run(id)
	}
	return s, nil
}

// Dispose stops every loop, aborting in-flight requests and pending timers.
// Calling it again is a no-op.
func (s *Source) Dispose() {
	s.once.Do(func() {
		s.disposed.Store(true)
		s.cancel()
		logging.Info("remote-bundle", "bundle source disposed")
	})
}

func (s *Source) IsDisposed() bool { return s.disposed.Load() }

// Refetch drops the tenant's ETag and wakes its loop, so the next request
// is unconditional and a 200 reloads the bundle. Unknown tenants are ignored.
func (s *Source) Refetch(pdpID string) {
	t, ok := s.tenants[pdpID]
	if !ok {
		return
	}
	t.forgetTag.Store(true)
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until every loop has exited.
func (s *Source) Wait() { s.wg.Wait() }

func (s *Source) run(pdpID string) {
	defer s.wg.Done()
	t := s.tenants[pdpID]
	st := &fetchState{backoff: s.cfg.firstBackoff}
	for {
		if t.forgetTag.Swap(false) {
			st.etag = ""
		}
		delay := s.step(pdpID, st)
		if !s.sleep(delay, t.wake) {
			return
		}
	}
}

// sleep waits d on a timer or until woken; it reports false once the
// source is disposed.
func (s *Source) sleep(d time.Duration, wake <-chan struct{}) bool {
	if d <= 0 {
		return s.ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-wake:
		return true
	case <-timer.C:
		return true
	}
}

// step performs one request and returns the delay before the next one.
func (s *Source) step(pdpID string, st *fetchState) time.Duration {
	start := time.Now()
	res, err := s.fetch(pdpID, st.etag)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		if s.ctx.Err() != nil {
			return 0
		}
		s.metrics.ObserveFetch(pdpID, metrics.OutcomeNetworkError, elapsed)
		return s.fail(pdpID, st, "bundle request failed", err)
	}
	switch {
	case res.status == http.StatusNotModified:
		s.metrics.ObserveFetch(pdpID, metrics.OutcomeNotModified, elapsed)
		st.backoff = s.cfg.firstBackoff
		if s.cfg.mode == LongPoll {
			return 0
		}
		return s.cfg.PollInterval(pdpID)
	case res.status == http.StatusOK:
		if len(res.body) == 0 {
			s.metrics.ObserveFetch(pdpID, metrics.OutcomeEmptyBody, elapsed)
			return s.fail(pdpID, st, "bundle response has empty body", nil)
		}
		if len(res.body) > maxBundleBytes {
			s.metrics.ObserveFetch(pdpID, metrics.OutcomeParseError, elapsed)
			return s.fail(pdpID, st, "bundle response too large", fmt.Errorf("body exceeds %d bytes", maxBundleBytes))
		}
		cfg, err := bundle.Parse(res.body, pdpID, s.cfg.policy)
		if err != nil {
			outcome := metrics.OutcomeParseError
			var sigErr *bundle.SignatureError
			if errors.As(err, &sigErr) {
				outcome = metrics.OutcomeSignatureError
			}
			s.metrics.ObserveFetch(pdpID, outcome, elapsed)
			return s.fail(pdpID, st, "bundle rejected", err)
		}
		s.sink.LoadConfiguration(s.ctx, cfg, true)
		st.etag = res.etag
		st.backoff = s.cfg.firstBackoff
		s.metrics.ObserveFetch(pdpID, metrics.OutcomeLoaded, elapsed)
		logging.Info("remote-bundle", "bundle fetched",
			"pdp_id", pdpID,
			"configuration_id", cfg.ConfigurationID(),
			"etag", res.etag)
		return s.cfg.PollInterval(pdpID)
	default:
		s.metrics.ObserveFetch(pdpID, metrics.OutcomeHTTPError, elapsed)
		return s.fail(pdpID, st, "bundle server returned error status", fmt.Errorf("status %d", res.status))
	}
}

// fail logs the failure and returns the current backoff, doubling it for
// the next consecutive failure.
func (s *Source) fail(pdpID string, st *fetchState, msg string, err error) time.Duration {
	delay := st.backoff
	kv := []any{"pdp_id", pdpID, "retry_in", delay}
	if err != nil {
		kv = append(kv, "error", err)
	}
	logging.Warn("remote-bundle", msg, kv...)
	st.backoff = nextBackoff(st.backoff, s.cfg.maxBackoff)
	return delay
}

// nextBackoff doubles cur, capped at maxBackoff.
func nextBackoff(cur, maxBackoff time.Duration) time.Duration {
	if cur >= maxBackoff/2 {
		return maxBackoff
	}
	return cur * 2
}

func (s *Source) fetch(pdpID, etag string) (*fetchResult, error) {
	timeout := s.cfg.requestTimeout
	if s.cfg.mode == LongPoll {
		timeout = s.cfg.longPollTimeout + longPollGrace
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BundleURL(pdpID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerRequestID, uuid.NewString())
	if etag != "" {
		req.Header.Set(headerIfNoneMatch, etag)
	}
	if name, value, ok := s.cfg.AuthHeader(); ok {
		req.Header.Set(name, value)
	}
	if s.cfg.mode == LongPoll {
		req.Header.Set(headerPrefer, fmt.Sprintf("wait=%d", waitSeconds(s.cfg.longPollTimeout)))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	res := &fetchResult{status: resp.StatusCode, etag: resp.Header.Get(headerETag)}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return res, nil
	}
	res.body, err = io.ReadAll(io.LimitReader(resp.Body, maxBundleBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read bundle body: %w", err)
	}
	return res, nil
}

func waitSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

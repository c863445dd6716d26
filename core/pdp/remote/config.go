// Package remote fetches policy bundles from an HTTP bundle server and
// hands every verified configuration to a sink.
package remote

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cordum/pdpsync/core/pdp/bundle"
)

// FetchMode selects how the source waits for new bundles.
type FetchMode string

const (
	// Polling issues a conditional GET every poll interval.
	Polling FetchMode = "POLLING"
	// LongPoll asks the server to hold the request until a bundle changes
	// or the long-poll timeout elapses.
	LongPoll FetchMode = "LONG_POLL"
)

const (
	DefaultFirstBackoff    = 500 * time.Millisecond
	DefaultMaxBackoff      = 5 * time.Second
	DefaultLongPollTimeout = 30 * time.Second
	DefaultRequestTimeout  = 30 * time.Second
)

// ConfigError names the configuration field that failed validation.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid remote bundle source config: %s %s", e.Field, e.Reason)
}

// SourceOptions is the unvalidated input to NewSourceConfig.
type SourceOptions struct {
	BaseURL              string
	PdpIDs               []string
	Mode                 FetchMode
	PollInterval         time.Duration
	PollIntervalOverride map[string]time.Duration
	LongPollTimeout      time.Duration
	RequestTimeout       time.Duration
	AuthHeaderName       string
	AuthHeaderValue      string
	SecurityPolicy       *bundle.SecurityPolicy
	FirstBackoff         time.Duration
	MaxBackoff           time.Duration
	// FollowRedirects defaults to true; set DisableRedirects to treat 3xx as a failure.
	DisableRedirects bool
}

// SourceConfig is validated, immutable fetch configuration.
type SourceConfig struct {
	baseURL         string
	pdpIDs          []string
	mode            FetchMode
	pollInterval    time.Duration
	overrides       map[string]time.Duration
	longPollTimeout time.Duration
	requestTimeout  time.Duration
	authHeaderName  string
	authHeaderValue string
	policy          *bundle.SecurityPolicy
	firstBackoff    time.Duration
	maxBackoff      time.Duration
	followRedirects bool
}

// NewSourceConfig validates opts. Nothing is started.
func NewSourceConfig(opts SourceOptions) (*SourceConfig, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, &ConfigError{Field: "baseUrl", Reason: "must not be blank"}
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, &ConfigError{Field: "baseUrl", Reason: fmt.Sprintf("must be an absolute http(s) URL, got %q", base)}
	}
	if len(opts.PdpIDs) == 0 {
		return nil, &ConfigError{Field: "pdpIds", Reason: "must not be empty"}
	}
	ids := make([]string, 0, len(opts.PdpIDs))
	seen := map[string]struct{}{}
	for _, id := range opts.PdpIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, &ConfigError{Field: "pdpIds", Reason: "must not contain blank entries"}
		}
		if _, dup := seen[id]; dup {
			return nil, &ConfigError{Field: "pdpIds", Reason: fmt.Sprintf("contains duplicate %q", id)}
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	mode := opts.Mode
	switch mode {
	case "":
		mode = Polling
	case Polling, LongPoll:
	default:
		return nil, &ConfigError{Field: "mode", Reason: fmt.Sprintf("unknown fetch mode %q", mode)}
	}
	if opts.PollInterval <= 0 {
		return nil, &ConfigError{Field: "pollInterval", Reason: "must be positive"}
	}
	overrides := make(map[string]time.Duration, len(opts.PollIntervalOverride))
	for id, d := range opts.PollIntervalOverride {
		if d <= 0 {
			return nil, &ConfigError{Field: "pollIntervalOverride", Reason: fmt.Sprintf("interval for %q must be positive", id)}
		}
		overrides[id] = d
	}
	hasName := strings.TrimSpace(opts.AuthHeaderName) != ""
	hasValue := strings.TrimSpace(opts.AuthHeaderValue) != ""
	if hasName != hasValue {
		return nil, &ConfigError{Field: "authHeaderName", Reason: "and authHeaderValue must both be set or both be absent"}
	}
	if opts.SecurityPolicy == nil {
		return nil, &ConfigError{Field: "securityPolicy", Reason: "must not be nil"}
	}
	first := opts.FirstBackoff
	if first == 0 {
		first = DefaultFirstBackoff
	}
	if first < 0 {
		return nil, &ConfigError{Field: "firstBackoff", Reason: "must be positive"}
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = DefaultMaxBackoff
		if maxBackoff < first {
			maxBackoff = first
		}
	}
	if maxBackoff < first {
		return nil, &ConfigError{Field: "maxBackoff", Reason: "must not be smaller than firstBackoff"}
	}
	longPoll := opts.LongPollTimeout
	if longPoll == 0 {
		longPoll = DefaultLongPollTimeout
	}
	if longPoll < 0 {
		return nil, &ConfigError{Field: "longPollTimeout", Reason: "must be positive"}
	}
	reqTimeout := opts.RequestTimeout
	if reqTimeout == 0 {
		reqTimeout = DefaultRequestTimeout
	}
	if reqTimeout < 0 {
		return nil, &ConfigError{Field: "requestTimeout", Reason: "must be positive"}
	}
	return &SourceConfig{
		baseURL:         strings.TrimRight(base, "/"),
		pdpIDs:          ids,
		mode:            mode,
		pollInterval:    opts.PollInterval,
		overrides:       overrides,
		longPollTimeout: longPoll,
		requestTimeout:  reqTimeout,
		authHeaderName:  strings.TrimSpace(opts.AuthHeaderName),
		authHeaderValue: opts.AuthHeaderValue,
		policy:          opts.SecurityPolicy,
		firstBackoff:    first,
		maxBackoff:      maxBackoff,
		followRedirects: !opts.DisableRedirects,
	}, nil
}

func (c *SourceConfig) BaseURL() string                        { return c.baseURL }
func (c *SourceConfig) Mode() FetchMode                        { return c.mode }
func (c *SourceConfig) LongPollTimeout() time.Duration         { return c.longPollTimeout }
func (c *SourceConfig) RequestTimeout() time.Duration          { return c.requestTimeout }
func (c *SourceConfig) FirstBackoff() time.Duration            { return c.firstBackoff }
func (c *SourceConfig) MaxBackoff() time.Duration              { return c.maxBackoff }
func (c *SourceConfig) SecurityPolicy() *bundle.SecurityPolicy { return c.policy }
func (c *SourceConfig) FollowRedirects() bool                  { return c.followRedirects }

// PdpIDs returns a copy of the tenant identifiers.
func (c *SourceConfig) PdpIDs() []string {
	return append([]string(nil), c.pdpIDs...)
}

// AuthHeader returns the configured header pair, if any.
func (c *SourceConfig) AuthHeader() (name, value string, ok bool) {
	return c.authHeaderName, c.authHeaderValue, c.authHeaderName != ""
}

// PollInterval returns the tenant's override when present, else the global interval.
func (c *SourceConfig) PollInterval(pdpID string) time.Duration {
	if d, ok := c.overrides[pdpID]; ok {
		return d
	}
	return c.pollInterval
}

// BundleURL is the endpoint for one tenant: <baseUrl>/<escaped pdpId>.
func (c *SourceConfig) BundleURL(pdpID string) string {
	return c.baseURL + "/" + url.PathEscape(pdpID)
}

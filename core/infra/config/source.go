package config

import (
	"crypto"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cordum/pdpsync/core/pdp/bundle"
	"github.com/cordum/pdpsync/core/pdp/remote"
)

// SourceFile is the on-disk form of the remote bundle source.
type SourceFile struct {
	BaseURL               string            `yaml:"base_url"`
	PdpIDs                []string          `yaml:"pdp_ids"`
	Mode                  string            `yaml:"mode"`
	PollInterval          string            `yaml:"poll_interval"`
	PollIntervalOverrides map[string]string `yaml:"poll_interval_overrides"`
	LongPollTimeout       string            `yaml:"long_poll_timeout"`
	RequestTimeout        string            `yaml:"request_timeout"`
	FirstBackoff          string            `yaml:"first_backoff"`
	MaxBackoff            string            `yaml:"max_backoff"`
	FollowRedirects       *bool             `yaml:"follow_redirects"`
	Auth                  AuthSection       `yaml:"auth"`
	Security              SecuritySection   `yaml:"security"`
}

type AuthSection struct {
	HeaderName     string `yaml:"header_name"`
	HeaderValue    string `yaml:"header_value"`
	HeaderValueEnv string `yaml:"header_value_env"`
}

type SecuritySection struct {
	PublicKey                    string              `yaml:"public_key"`
	PublicKeyFile                string              `yaml:"public_key_file"`
	Keys                         map[string]string   `yaml:"keys"`
	TenantTrust                  map[string][]string `yaml:"tenant_trust"`
	UnsignedTenants              []string            `yaml:"unsigned_tenants"`
	CheckExpiration              bool                `yaml:"check_expiration"`
	DisableSignatureVerification bool                `yaml:"disable_signature_verification"`
	AcceptUnsignedBundleRisks    bool                `yaml:"accept_unsigned_bundle_risks"`
}

// LoadSourceFile reads and converts the YAML source file at path.
func LoadSourceFile(path string) (remote.SourceOptions, error) {
	// #nosec G304 -- source config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return remote.SourceOptions{}, fmt.Errorf("read source config: %w", err)
	}
	return ParseSourceFile(data)
}

// ParseSourceFile validates data against the embedded schema and converts
// it into remote source options, including the bundle security policy.
func ParseSourceFile(data []byte) (remote.SourceOptions, error) {
	if err := validateConfigSchema("pdp source", sourceSchemaFile, data); err != nil {
		return remote.SourceOptions{}, err
	}
	var file SourceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return remote.SourceOptions{}, fmt.Errorf("parse source config: %w", err)
	}
	return file.Options()
}

// Options converts the file into remote.SourceOptions.
func (f *SourceFile) Options() (remote.SourceOptions, error) {
	opts := remote.SourceOptions{
		BaseURL: f.BaseURL,
		PdpIDs:  append([]string(nil), f.PdpIDs...),
		Mode:    remote.FetchMode(strings.ToUpper(strings.TrimSpace(f.Mode))),
	}
	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"poll_interval", f.PollInterval, &opts.PollInterval},
		{"long_poll_timeout", f.LongPollTimeout, &opts.LongPollTimeout},
		{"request_timeout", f.RequestTimeout, &opts.RequestTimeout},
		{"first_backoff", f.FirstBackoff, &opts.FirstBackoff},
		{"max_backoff", f.MaxBackoff, &opts.MaxBackoff},
	}
	for _, d := range durations {
		v, err := parseDuration(d.field, d.raw)
		if err != nil {
			return remote.SourceOptions{}, err
		}
		*d.dst = v
	}
	if len(f.PollIntervalOverrides) > 0 {
		opts.PollIntervalOverride = make(map[string]time.Duration, len(f.PollIntervalOverrides))
		for id, raw := range f.PollIntervalOverrides {
			v, err := parseDuration("poll_interval_overrides."+id, raw)
			if err != nil {
				return remote.SourceOptions{}, err
			}
			opts.PollIntervalOverride[id] = v
		}
	}
	if f.FollowRedirects != nil {
		opts.DisableRedirects = !*f.FollowRedirects
	}
	opts.AuthHeaderName = f.Auth.HeaderName
	opts.AuthHeaderValue = f.Auth.HeaderValue
	if f.Auth.HeaderValueEnv != "" {
		opts.AuthHeaderValue = os.Getenv(f.Auth.HeaderValueEnv)
	}
	policy, err := f.Security.Policy()
	if err != nil {
		return remote.SourceOptions{}, err
	}
	opts.SecurityPolicy = policy
	return opts, nil
}

// Policy builds the bundle security policy described by the section.
func (s *SecuritySection) Policy() (*bundle.SecurityPolicy, error) {
	b := bundle.NewSecurityPolicyBuilder()
	global := strings.TrimSpace(s.PublicKey)
	if s.PublicKeyFile != "" {
		if global != "" {
			return nil, fmt.Errorf("security: public_key and public_key_file are mutually exclusive")
		}
		// #nosec G304 -- key path is operator-provided.
		data, err := os.ReadFile(s.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("security: read public key file: %w", err)
		}
		global = string(data)
	}
	if global != "" {
		key, err := bundle.ParsePublicKey([]byte(global))
		if err != nil {
			return nil, fmt.Errorf("security: public_key: %w", err)
		}
		b.WithPublicKey(key)
	}
	if len(s.Keys) > 0 {
		catalogue := make(map[string]crypto.PublicKey, len(s.Keys))
		for keyID, raw := range s.Keys {
			key, err := bundle.ParsePublicKey([]byte(raw))
			if err != nil {
				return nil, fmt.Errorf("security: keys.%s: %w", keyID, err)
			}
			catalogue[keyID] = key
		}
		b.WithKeyCatalogue(catalogue)
	}
	if len(s.TenantTrust) > 0 {
		b.WithTenantTrust(s.TenantTrust)
	}
	b.WithUnsignedTenants(s.UnsignedTenants...)
	if s.CheckExpiration {
		b.WithExpirationCheck()
	}
	if s.DisableSignatureVerification {
		b.DisableSignatureVerification()
	}
	if s.AcceptUnsignedBundleRisks {
		b.AcceptUnsignedBundleRisks()
	}
	return b.Build()
}

func parseDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

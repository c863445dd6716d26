package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cordum/pdpsync/core/pdp/bundle"
	"github.com/cordum/pdpsync/core/pdp/remote"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(envRedisURL, "")
	t.Setenv(envNATSURL, "")
	t.Setenv(envAPIKeys, "")
	cfg := Load()
	if cfg.SourceConfigPath != defaultSourceConfigPath {
		t.Fatalf("expected default source config path")
	}
	if cfg.HTTPAddr != defaultHTTPAddr || cfg.GRPCAddr != defaultGRPCAddr {
		t.Fatalf("expected default listen addresses")
	}
	if cfg.RedisURL != "" || cfg.NatsURL != "" {
		t.Fatalf("expected redis and nats disabled by default")
	}
	if cfg.MetricsNamespace != defaultMetricsNamespace {
		t.Fatalf("expected default metrics namespace")
	}
	if cfg.LocalPdpID != defaultLocalPdpID {
		t.Fatalf("expected default local pdp id")
	}
	if len(cfg.APIKeys) != 0 {
		t.Fatalf("expected no api keys by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv(envSourceConfigPath, "custom/source.yaml")
	t.Setenv(envHTTPAddr, ":9000")
	t.Setenv(envGRPCAddr, ":9001")
	t.Setenv(envRedisURL, "redis://example:6379")
	t.Setenv(envNATSURL, "nats://example:4222")
	t.Setenv(envMetricsNamespace, "pdp")
	t.Setenv(envLocalConfigDir, "/etc/pdp")
	t.Setenv(envLocalPdpID, "edge")
	t.Setenv(envAPIKeys, " k1, ,k2 ")

	cfg := Load()
	if cfg.SourceConfigPath != "custom/source.yaml" {
		t.Fatalf("unexpected source config path")
	}
	if cfg.HTTPAddr != ":9000" || cfg.GRPCAddr != ":9001" {
		t.Fatalf("unexpected listen addresses")
	}
	if cfg.RedisURL != "redis://example:6379" {
		t.Fatalf("unexpected redis url")
	}
	if cfg.NatsURL != "nats://example:4222" {
		t.Fatalf("unexpected nats url")
	}
	if cfg.MetricsNamespace != "pdp" {
		t.Fatalf("unexpected metrics namespace")
	}
	if cfg.LocalConfigDir != "/etc/pdp" || cfg.LocalPdpID != "edge" {
		t.Fatalf("unexpected local config")
	}
	if len(cfg.APIKeys) != 2 || cfg.APIKeys[0] != "k1" || cfg.APIKeys[1] != "k2" {
		t.Fatalf("unexpected api keys: %v", cfg.APIKeys)
	}
}

func TestParseSourceFile(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	t.Setenv("BUNDLE_TOKEN", "Bearer shub-niggurath")
	doc := `
base_url: https://bundles.example.com/api/bundles
pdp_ids: [default, tenant-a]
mode: LONG_POLL
poll_interval: 30s
poll_interval_overrides:
  tenant-a: 10s
long_poll_timeout: 45s
first_backoff: 250ms
max_backoff: 10s
follow_redirects: false
auth:
  header_name: Authorization
  header_value_env: BUNDLE_TOKEN
security:
  keys:
    prod: "` + base64.StdEncoding.EncodeToString(pub) + `"
  tenant_trust:
    tenant-a: [prod]
  public_key: "` + hex.EncodeToString(pub) + `"
  check_expiration: true
`
	opts, err := ParseSourceFile([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.Mode != remote.LongPoll || opts.PollInterval != 30*time.Second || opts.LongPollTimeout != 45*time.Second {
		t.Fatalf("unexpected timing: %#v", opts)
	}
	if opts.PollIntervalOverride["tenant-a"] != 10*time.Second {
		t.Fatalf("expected override")
	}
	if opts.FirstBackoff != 250*time.Millisecond || opts.MaxBackoff != 10*time.Second {
		t.Fatalf("unexpected backoff")
	}
	if !opts.DisableRedirects {
		t.Fatalf("expected redirects disabled")
	}
	if opts.AuthHeaderValue != "Bearer shub-niggurath" {
		t.Fatalf("expected auth header from env, got %q", opts.AuthHeaderValue)
	}
	if opts.SecurityPolicy == nil || !opts.SecurityPolicy.CheckExpiration() {
		t.Fatalf("expected security policy with expiration check")
	}
	if err := opts.SecurityPolicy.Validate(); err != nil {
		t.Fatalf("policy validate: %v", err)
	}
	if _, err := opts.SecurityPolicy.ResolvePublicKey("tenant-a", "prod"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := remote.NewSourceConfig(opts); err != nil {
		t.Fatalf("source config: %v", err)
	}
}

func TestParseSourceFileSchemaErrors(t *testing.T) {
	cases := map[string]string{
		"missing base url": "pdp_ids: [a]\npoll_interval: 1s\nsecurity: {}\n",
		"bad duration":     "base_url: http://x\npdp_ids: [a]\npoll_interval: soon\nsecurity: {}\n",
		"unknown field":    "base_url: http://x\npdp_ids: [a]\npoll_interval: 1s\nsecurity: {}\nretries: 3\n",
		"bad mode":         "base_url: http://x\npdp_ids: [a]\nmode: PUSH\npoll_interval: 1s\nsecurity: {}\n",
		"empty":            "",
	}
	for name, doc := range cases {
		if _, err := ParseSourceFile([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestSecuritySectionRejectsBadKey(t *testing.T) {
	s := SecuritySection{Keys: map[string]string{"broken": "zz"}}
	if _, err := s.Policy(); err == nil || !strings.Contains(err.Error(), "keys.broken") {
		t.Fatalf("expected key error naming key id, got %v", err)
	}
}

func TestSecuritySectionUnsignedOptOut(t *testing.T) {
	s := SecuritySection{DisableSignatureVerification: true, AcceptUnsignedBundleRisks: true, UnsignedTenants: []string{"dev"}}
	p, err := s.Policy()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if p.SignatureRequired() || !p.UnsignedBundleRiskAccepted() {
		t.Fatalf("expected unsigned opt-out")
	}
	if err := p.CheckUnsignedBundleAllowed("anyone"); err != nil {
		t.Fatalf("unsigned should be allowed: %v", err)
	}
}

func TestLoadSourceFileWithPublicKeyFile(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	pemBytes, err := bundle.EncodePublicKeyPEM(pub)
	if err != nil {
		t.Fatalf("pem: %v", err)
	}
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "bundle.pub")
	if err := os.WriteFile(keyPath, pemBytes, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	srcPath := filepath.Join(dir, "source.yaml")
	doc := "base_url: http://bundles:8080/bundles\npdp_ids: [default]\npoll_interval: 5s\nsecurity:\n  public_key_file: " + keyPath + "\n"
	if err := os.WriteFile(srcPath, []byte(doc), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	opts, err := LoadSourceFile(srcPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	key, err := opts.SecurityPolicy.ResolvePublicKey("default", "any")
	if err != nil || !key.Equal(pub) {
		t.Fatalf("expected global key from file, err=%v", err)
	}
	if _, err := LoadSourceFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

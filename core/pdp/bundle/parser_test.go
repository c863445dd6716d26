package bundle

import (
	"archive/zip"
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cordum/pdpsync/core/pdp/configuration"
)

const permitAllPolicy = `policy "permit-all" permit`

func newKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func unsignedPolicy(t *testing.T) *SecurityPolicy {
	t.Helper()
	p, err := NewSecurityPolicyBuilder().DisableSignatureVerification().AcceptUnsignedBundleRisks().Build()
	if err != nil {
		t.Fatalf("build policy: %v", err)
	}
	return p
}

func rawArchive(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range sortedNames(entries) {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			t.Fatalf("create entry: %v", err)
		}
		if _, err := w.Write(entries[name]); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func TestSignedRoundTrip(t *testing.T) {
	pub, priv := newKey(t)
	data, err := NewBuilder().
		WithCombiningAlgorithm(configuration.PermitUnlessDeny).
		WithConfigurationID("arkham-v7").
		WithPolicy("permit-all", permitAllPolicy).
		WithPolicy("deny-night.sapl", `policy "deny-night" deny`).
		SignWith(priv, "prod-2026").
		Build()
	if err != nil {
		t.Fatalf("build bundle: %v", err)
	}
	policy, err := RequireSignature(pub)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	cfg, err := Parse(data, "arkham", policy)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.PdpID() != "arkham" || cfg.ConfigurationID() != "arkham-v7" {
		t.Fatalf("unexpected identity: %s %s", cfg.PdpID(), cfg.ConfigurationID())
	}
	if cfg.Algorithm() != configuration.PermitUnlessDeny {
		t.Fatalf("unexpected algorithm: %s", cfg.Algorithm())
	}
	docs := cfg.Documents()
	if len(docs) != 2 || docs["permit-all.sapl"] != permitAllPolicy {
		t.Fatalf("unexpected documents: %v", docs)
	}
}

func TestUnsignedBundleRejectedWhenSignatureRequired(t *testing.T) {
	pub, _ := newKey(t)
	data, err := NewBuilder().WithCombiningAlgorithm(configuration.DenyOverrides).WithPolicy("a", permitAllPolicy).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	policy, _ := RequireSignature(pub)
	_, err = Parse(data, "tenant", policy)
	var sigErr *SignatureError
	if !errors.As(err, &sigErr) {
		t.Fatalf("expected signature error, got %v", err)
	}
}

func TestUnsignedBundleAcceptedWithRiskAcceptance(t *testing.T) {
	data, err := NewBuilder().WithCombiningAlgorithm(configuration.DenyOverrides).WithPolicy("a", permitAllPolicy).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	cfg, err := Parse(data, "tenant", unsignedPolicy(t))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.HasPrefix(cfg.ConfigurationID(), "bundle:tenant@sha256:") {
		t.Fatalf("expected generated configuration id, got %q", cfg.ConfigurationID())
	}
}

func TestUnsignedTenantAllowlist(t *testing.T) {
	pub, _ := newKey(t)
	policy, err := NewSecurityPolicyBuilder().WithPublicKey(pub).WithUnsignedTenants("dev").Build()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	data, _ := NewBuilder().WithCombiningAlgorithm(configuration.DenyOverrides).WithPolicy("a", permitAllPolicy).Build()
	if _, err := Parse(data, "dev", policy); err != nil {
		t.Fatalf("allowlisted tenant should accept unsigned bundle: %v", err)
	}
	if _, err := Parse(data, "prod", policy); err == nil {
		t.Fatalf("expected prod to reject unsigned bundle")
	}
}

func TestNilPolicyIsSignatureError(t *testing.T) {
	var sigErr *SignatureError
	if _, err := Parse([]byte("PK"), "t", nil); !errors.As(err, &sigErr) {
		t.Fatalf("expected signature error, got %v", err)
	}
}

func TestTamperedBundleRejected(t *testing.T) {
	pub, priv := newKey(t)
	data, err := NewBuilder().WithCombiningAlgorithm(configuration.DenyOverrides).WithPolicy("a", permitAllPolicy).SignWith(priv, "k1").Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("read zip: %v", err)
	}
	entries := map[string][]byte{}
	for _, f := range reader.File {
		rc, _ := f.Open()
		var b bytes.Buffer
		_, _ = b.ReadFrom(rc)
		rc.Close()
		entries[f.Name] = b.Bytes()
	}
	entries["a.sapl"] = []byte(`policy "permit-all" deny`)
	policy, _ := RequireSignature(pub)
	_, err = Parse(rawArchive(t, entries), "t", policy)
	var sigErr *SignatureError
	if !errors.As(err, &sigErr) || !strings.Contains(err.Error(), "digest mismatch") {
		t.Fatalf("expected digest mismatch, got %v", err)
	}

	delete(entries, "a.sapl")
	entries["b.sapl"] = []byte(permitAllPolicy)
	if _, err := Parse(rawArchive(t, entries), "t", policy); !errors.As(err, &sigErr) {
		t.Fatalf("expected uncovered entry rejection, got %v", err)
	}
}

func TestWrongKeyRejected(t *testing.T) {
	_, priv := newKey(t)
	other, _ := newKey(t)
	data, _ := NewBuilder().WithCombiningAlgorithm(configuration.DenyOverrides).WithPolicy("a", permitAllPolicy).SignWith(priv, "k1").Build()
	policy, _ := RequireSignature(other)
	_, err := Parse(data, "t", policy)
	if err == nil || !strings.Contains(err.Error(), "verification failed") {
		t.Fatalf("expected verification failure, got %v", err)
	}
}

func TestTenantTrustRestrictsKeys(t *testing.T) {
	pubA, privA := newKey(t)
	pubB, privB := newKey(t)
	policy, err := NewSecurityPolicyBuilder().
		WithKeyCatalogue(map[string]crypto.PublicKey{"key-a": pubA, "key-b": pubB}).
		WithTenantTrust(map[string][]string{"innsmouth": {"key-a"}}).
		Build()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if err := policy.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	good, _ := NewBuilder().WithCombiningAlgorithm(configuration.DenyOverrides).WithPolicy("a", permitAllPolicy).SignWith(privA, "key-a").Build()
	if _, err := Parse(good, "innsmouth", policy); err != nil {
		t.Fatalf("trusted key should verify: %v", err)
	}
	bad, _ := NewBuilder().WithCombiningAlgorithm(configuration.DenyOverrides).WithPolicy("a", permitAllPolicy).SignWith(privB, "key-b").Build()
	_, err = Parse(bad, "innsmouth", policy)
	var sigErr *SignatureError
	if !errors.As(err, &sigErr) || !strings.Contains(err.Error(), `"innsmouth"`) {
		t.Fatalf("expected tenant named in signature error, got %v", err)
	}
	// no trust set and no global key
	if _, err := Parse(good, "dunwich", policy); err == nil || !strings.Contains(err.Error(), `"dunwich"`) {
		t.Fatalf("expected missing key error naming tenant, got %v", err)
	}
}

func TestExpiredSignature(t *testing.T) {
	pub, priv := newKey(t)
	b := NewBuilder().WithCombiningAlgorithm(configuration.DenyOverrides).WithPolicy("a", permitAllPolicy).SignWith(priv, "k1").WithValidity(time.Hour)
	b.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	data, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	lenient, _ := RequireSignature(pub)
	if _, err := Parse(data, "t", lenient); err != nil {
		t.Fatalf("expiry should be ignored without expiration check: %v", err)
	}
	strict, _ := NewSecurityPolicyBuilder().WithPublicKey(pub).WithExpirationCheck().Build()
	if _, err := Parse(data, "t", strict); err == nil || !strings.Contains(err.Error(), "expired") {
		t.Fatalf("expected expiry rejection, got %v", err)
	}
}

func TestSignedWithoutKeyIDRejected(t *testing.T) {
	pub, priv := newKey(t)
	files := map[string][]byte{
		configuration.PdpJSON: []byte(`{"algorithm":{"votingMode":"PRIORITY_DENY","defaultDecision":"DENY","errorHandling":"PROPAGATE"}}`),
		"a.sapl":              []byte(permitAllPolicy),
	}
	m, err := signManifest(files, priv, "k1", time.Now(), 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	m.KeyID = " "
	encoded, _ := canonicalJSON(map[string]any{
		"version": m.Version, "hashAlgorithm": m.HashAlgorithm, "created": m.Created, "keyId": m.KeyID,
		"files": m.Files, "signature": map[string]any{"algorithm": m.Signature.Algorithm, "value": m.Signature.Value},
	})
	files[ManifestFile] = encoded
	policy, _ := RequireSignature(pub)
	if _, err := Parse(rawArchive(t, files), "t", policy); err == nil || !strings.Contains(err.Error(), "key id") {
		t.Fatalf("expected key id error, got %v", err)
	}
}

func TestParseRejectsMalformedArchives(t *testing.T) {
	policy := unsignedPolicy(t)
	pdpJSON := []byte(`{"algorithm":{"votingMode":"PRIORITY_DENY","defaultDecision":"DENY","errorHandling":"PROPAGATE"}}`)
	cases := map[string][]byte{
		"empty":     nil,
		"not zip":   []byte("definitely not a zip archive"),
		"traversal": rawArchive(t, map[string][]byte{"../evil.sapl": []byte(permitAllPolicy), configuration.PdpJSON: pdpJSON}),
		"nested":    rawArchive(t, map[string][]byte{"inner.zip": []byte("x"), configuration.PdpJSON: pdpJSON}),
		"long name": rawArchive(t, map[string][]byte{strings.Repeat("a", 300) + ".sapl": []byte(permitAllPolicy)}),
		"ratio":     rawArchive(t, map[string][]byte{"big.sapl": bytes.Repeat([]byte{' '}, 2<<20), configuration.PdpJSON: pdpJSON}),
		"no pdp":    rawArchive(t, map[string][]byte{"a.sapl": []byte(permitAllPolicy)}),
		"no docs":   rawArchive(t, map[string][]byte{configuration.PdpJSON: pdpJSON}),
	}
	for name, data := range cases {
		_, err := Parse(data, "t", policy)
		var parseErr *ParseError
		if !errors.As(err, &parseErr) {
			t.Fatalf("%s: expected parse error, got %v", name, err)
		}
	}
}

func TestParseTooManyEntries(t *testing.T) {
	entries := map[string][]byte{}
	for i := 0; i <= maxEntryCount; i++ {
		entries[fmt.Sprintf("f%04d.txt", i)] = nil
	}
	_, err := Parse(rawArchive(t, entries), "t", unsignedPolicy(t))
	if err == nil || !strings.Contains(err.Error(), "too many entries") {
		t.Fatalf("expected entry count rejection, got %v", err)
	}
}

func TestParseSkipsSubdirectoriesAndOtherFiles(t *testing.T) {
	pdpJSON := []byte(`{"algorithm":{"votingMode":"UNIQUE","defaultDecision":"DENY","errorHandling":"PROPAGATE"}}`)
	data := rawArchive(t, map[string][]byte{
		configuration.PdpJSON: pdpJSON,
		"a.sapl":              []byte(permitAllPolicy),
		"nested/b.sapl":       []byte(`policy "b" deny`),
		"README.md":           []byte("docs"),
	})
	cfg, err := Parse(data, "t", unsignedPolicy(t))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if names := cfg.DocumentNames(); len(names) != 1 || names[0] != "a.sapl" {
		t.Fatalf("unexpected documents: %v", names)
	}
}

func TestInspectAndVerify(t *testing.T) {
	pub, priv := newKey(t)
	data, _ := NewBuilder().WithCombiningAlgorithm(configuration.DenyOverrides).WithPolicy("a", permitAllPolicy).SignWith(priv, "k9").Build()
	info, err := Inspect(data)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !info.Signed || info.KeyID != "k9" || info.CoveredFiles != 2 || !info.HasPdpJSON {
		t.Fatalf("unexpected info: %#v", info)
	}
	if info.SignatureAlgorithm != "Ed25519" || info.DocumentSizes["a.sapl"] != len(permitAllPolicy) || len(info.PdpJSON) == 0 {
		t.Fatalf("unexpected details: %#v", info)
	}
	if err := Verify(data, pub); err != nil {
		t.Fatalf("verify: %v", err)
	}
	unsigned, _ := NewBuilder().WithCombiningAlgorithm(configuration.DenyOverrides).WithPolicy("a", permitAllPolicy).Build()
	if err := Verify(unsigned, pub); err == nil {
		t.Fatalf("expected unsigned bundle to fail verification")
	}
}

func TestBuilderRequiresAlgorithm(t *testing.T) {
	if _, err := NewBuilder().WithPolicy("a", permitAllPolicy).Build(); err == nil {
		t.Fatalf("expected missing algorithm error")
	}
}

func TestResignReplacesManifest(t *testing.T) {
	oldPub, oldPriv := newKey(t)
	newPub, newPriv := newKey(t)
	unsigned, err := NewBuilder().WithCombiningAlgorithm(configuration.DenyOverrides).WithPolicy("a", permitAllPolicy).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	first, err := Resign(unsigned, oldPriv, "old", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := Verify(first, oldPub); err != nil {
		t.Fatalf("verify first: %v", err)
	}
	second, err := Resign(first, newPriv, "new", 0)
	if err != nil {
		t.Fatalf("resign: %v", err)
	}
	if err := Verify(second, newPub); err != nil {
		t.Fatalf("verify resigned: %v", err)
	}
	if err := Verify(second, oldPub); err == nil {
		t.Fatalf("old key must no longer verify")
	}
	info, _ := Inspect(second)
	if info.KeyID != "new" || len(info.Documents) != 1 || info.Documents[0] != "a.sapl" {
		t.Fatalf("unexpected resigned info: %#v", info)
	}
}

func TestResignRequiresPdpJSON(t *testing.T) {
	_, priv := newKey(t)
	data := rawArchive(t, map[string][]byte{"a.sapl": []byte(permitAllPolicy)})
	if _, err := Resign(data, priv, "k", 0); err == nil {
		t.Fatalf("expected missing pdp.json error")
	}
}

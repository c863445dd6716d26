package bundle

import (
	"crypto"
	"crypto/ed25519"
	"fmt"
	"sort"
	"strings"

	"github.com/cordum/pdpsync/core/infra/logging"
)

// signatureMode is the two-step opt-out: unsigned bundles are only acceptable
// globally when verification is disabled AND the risk is explicitly accepted.
type signatureMode struct {
	required     bool
	riskAccepted bool
}

// checkSignatureMode validates the mode against the key material present.
func checkSignatureMode(mode signatureMode, hasGlobalKey, hasCatalogue bool) error {
	if mode.required {
		if !hasGlobalKey && !hasCatalogue {
			return signatureErrorf("signature verification is required but neither a public key nor a key catalogue was provided")
		}
		return nil
	}
	if !mode.riskAccepted {
		return signatureErrorf("signature verification disabled without risk acceptance; accept unsigned bundle risks explicitly")
	}
	return nil
}

// SecurityPolicy decides which keys may sign bundles for which tenant and
// whether unsigned bundles are acceptable. It is immutable and safe for
// concurrent use.
type SecurityPolicy struct {
	mode            signatureMode
	publicKey       ed25519.PublicKey
	catalogue       map[string]ed25519.PublicKey
	tenantTrust     map[string]map[string]struct{}
	unsignedTenants map[string]struct{}
	checkExpiration bool
}

// RequireSignature returns a policy that verifies every bundle against key.
func RequireSignature(key crypto.PublicKey) (*SecurityPolicy, error) {
	return NewSecurityPolicyBuilder().WithPublicKey(key).Build()
}

// SignatureRequired reports whether bundles must carry a valid signature.
func (p *SecurityPolicy) SignatureRequired() bool { return p.mode.required }

// UnsignedBundleRiskAccepted reports whether the operator accepted unsigned bundle risks.
func (p *SecurityPolicy) UnsignedBundleRiskAccepted() bool { return p.mode.riskAccepted }

// CheckExpiration reports whether expired signatures are rejected.
func (p *SecurityPolicy) CheckExpiration() bool { return p.checkExpiration }

// ResolvePublicKey returns the key that must have signed a bundle for tenant
// with the given signer key id. Tenants with a trust set may only use keys in
// that set; other tenants fall back to the global key.
func (p *SecurityPolicy) ResolvePublicKey(tenant, keyID string) (ed25519.PublicKey, error) {
	if trusted, ok := p.tenantTrust[tenant]; ok {
		if _, ok := trusted[keyID]; !ok {
			return nil, signatureErrorf("key %q is not trusted for tenant %q", keyID, tenant)
		}
		key, ok := p.catalogue[keyID]
		if !ok {
			return nil, signatureErrorf("key %q trusted for tenant %q is missing from the key catalogue", keyID, tenant)
		}
		return key, nil
	}
	if p.publicKey != nil {
		return p.publicKey, nil
	}
	return nil, signatureErrorf("no public key available for tenant %q", tenant)
}

// CheckUnsignedBundleAllowed fails unless unsigned bundles are accepted
// globally or the tenant is explicitly listed as unsigned.
func (p *SecurityPolicy) CheckUnsignedBundleAllowed(tenant string) error {
	if _, ok := p.unsignedTenants[tenant]; ok {
		logging.Warn("bundle-security", "loading unsigned bundle for allowlisted tenant", "pdp_id", tenant)
		return nil
	}
	if p.mode.required {
		return signatureErrorf("bundle for tenant %q is not signed but signature verification is required", tenant)
	}
	if !p.mode.riskAccepted {
		return signatureErrorf("bundle for tenant %q is not signed and unsigned bundle risks have not been accepted", tenant)
	}
	logging.Warn("bundle-security", "loading unsigned bundle; integrity and authenticity are not verified", "pdp_id", tenant)
	return nil
}

// Validate checks the policy for consistency. Call it once at startup; it
// also writes the security posture to the log.
func (p *SecurityPolicy) Validate() error {
	if err := checkSignatureMode(p.mode, p.publicKey != nil, len(p.catalogue) > 0); err != nil {
		logging.Error("bundle-security", "invalid bundle security policy", "error", err)
		return err
	}
	tenants := make([]string, 0, len(p.tenantTrust))
	for tenant := range p.tenantTrust {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)
	for _, tenant := range tenants {
		for keyID := range p.tenantTrust[tenant] {
			if _, ok := p.catalogue[keyID]; !ok {
				return signatureErrorf("tenant %q trusts key %q which is not in the key catalogue", tenant, keyID)
			}
		}
	}
	if p.mode.required {
		logging.Info("bundle-security", "signature verification enabled",
			"global_key", p.publicKey != nil,
			"catalogue_keys", len(p.catalogue),
			"trusted_tenants", strings.Join(tenants, ","),
			"expiration_check", p.checkExpiration)
	} else {
		logging.Warn("bundle-security", "signature verification DISABLED with accepted risk; bundles may be tampered with or come from untrusted sources")
	}
	if len(p.unsignedTenants) > 0 {
		logging.Warn("bundle-security", "unsigned bundles allowed for tenants", "tenants", strings.Join(sortedKeys(p.unsignedTenants), ","))
	}
	return nil
}

// SecurityPolicyBuilder assembles a SecurityPolicy. Signatures are required
// unless both DisableSignatureVerification and AcceptUnsignedBundleRisks are called.
type SecurityPolicyBuilder struct {
	mode            signatureMode
	publicKey       ed25519.PublicKey
	catalogue       map[string]ed25519.PublicKey
	tenantTrust     map[string]map[string]struct{}
	unsignedTenants map[string]struct{}
	checkExpiration bool
	err             error
}

func NewSecurityPolicyBuilder() *SecurityPolicyBuilder {
	return &SecurityPolicyBuilder{
		mode:            signatureMode{required: true},
		catalogue:       map[string]ed25519.PublicKey{},
		tenantTrust:     map[string]map[string]struct{}{},
		unsignedTenants: map[string]struct{}{},
	}
}

// WithPublicKey sets the global verification key. Only Ed25519 keys are accepted.
func (b *SecurityPolicyBuilder) WithPublicKey(key crypto.PublicKey) *SecurityPolicyBuilder {
	edKey, err := asEd25519(key)
	if err != nil {
		b.fail(err)
		return b
	}
	b.publicKey = edKey
	return b
}

// WithKeyCatalogue adds keys addressable by key id.
func (b *SecurityPolicyBuilder) WithKeyCatalogue(keys map[string]crypto.PublicKey) *SecurityPolicyBuilder {
	for keyID, key := range keys {
		edKey, err := asEd25519(key)
		if err != nil {
			b.fail(fmt.Errorf("key %q: %w", keyID, err))
			continue
		}
		b.catalogue[keyID] = edKey
	}
	return b
}

// WithTenantTrust restricts tenants to the listed catalogue key ids.
func (b *SecurityPolicyBuilder) WithTenantTrust(trust map[string][]string) *SecurityPolicyBuilder {
	for tenant, keyIDs := range trust {
		set := make(map[string]struct{}, len(keyIDs))
		for _, keyID := range keyIDs {
			set[keyID] = struct{}{}
		}
		b.tenantTrust[tenant] = set
	}
	return b
}

// WithUnsignedTenants allows unsigned bundles for the listed tenants only.
func (b *SecurityPolicyBuilder) WithUnsignedTenants(tenants ...string) *SecurityPolicyBuilder {
	for _, tenant := range tenants {
		if tenant = strings.TrimSpace(tenant); tenant != "" {
			b.unsignedTenants[tenant] = struct{}{}
		}
	}
	return b
}

// WithExpirationCheck rejects signed bundles whose manifest expiry has passed.
func (b *SecurityPolicyBuilder) WithExpirationCheck() *SecurityPolicyBuilder {
	b.checkExpiration = true
	return b
}

// DisableSignatureVerification is the first half of the unsigned opt-out.
func (b *SecurityPolicyBuilder) DisableSignatureVerification() *SecurityPolicyBuilder {
	b.mode.required = false
	return b
}

// AcceptUnsignedBundleRisks is the second half of the unsigned opt-out.
func (b *SecurityPolicyBuilder) AcceptUnsignedBundleRisks() *SecurityPolicyBuilder {
	b.mode.riskAccepted = true
	return b
}

// Build returns the policy or the first key material error. Consistency is
// checked by Validate.
func (b *SecurityPolicyBuilder) Build() (*SecurityPolicy, error) {
	if b.err != nil {
		return nil, b.err
	}
	p := &SecurityPolicy{
		mode:            b.mode,
		publicKey:       b.publicKey,
		catalogue:       make(map[string]ed25519.PublicKey, len(b.catalogue)),
		tenantTrust:     make(map[string]map[string]struct{}, len(b.tenantTrust)),
		unsignedTenants: make(map[string]struct{}, len(b.unsignedTenants)),
		checkExpiration: b.checkExpiration,
	}
	for keyID, key := range b.catalogue {
		p.catalogue[keyID] = key
	}
	for tenant, set := range b.tenantTrust {
		cp := make(map[string]struct{}, len(set))
		for keyID := range set {
			cp[keyID] = struct{}{}
		}
		p.tenantTrust[tenant] = cp
	}
	for tenant := range b.unsignedTenants {
		p.unsignedTenants[tenant] = struct{}{}
	}
	return p, nil
}

func (b *SecurityPolicyBuilder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func asEd25519(key crypto.PublicKey) (ed25519.PublicKey, error) {
	switch k := key.(type) {
	case nil:
		return nil, signatureErrorf("public key must not be nil")
	case ed25519.PublicKey:
		if len(k) != ed25519.PublicKeySize {
			return nil, signatureErrorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(k))
		}
		return append(ed25519.PublicKey(nil), k...), nil
	case *ed25519.PublicKey:
		if k == nil {
			return nil, signatureErrorf("public key must not be nil")
		}
		return asEd25519(*k)
	default:
		return nil, signatureErrorf("public key must be Ed25519, got %T", key)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package bundle

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	// ManifestFile holds the detached signature of a signed bundle.
	ManifestFile = ".sapl-manifest.json"

	manifestVersion    = "1.0"
	hashAlgorithmSHA   = "SHA-256"
	signatureAlgorithm = "Ed25519"
)

// Manifest lists the digest of every covered bundle entry and carries the
// Ed25519 signature over its canonical form.
type Manifest struct {
	Version       string             `json:"version"`
	HashAlgorithm string             `json:"hashAlgorithm"`
	Created       string             `json:"created"`
	Expires       string             `json:"expires,omitempty"`
	KeyID         string             `json:"keyId"`
	Files         map[string]string  `json:"files"`
	Signature     *ManifestSignature `json:"signature,omitempty"`
}

type ManifestSignature struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// IsSigned reports whether the manifest carries a signature value.
func (m *Manifest) IsSigned() bool {
	return m != nil && m.Signature != nil && strings.TrimSpace(m.Signature.Value) != ""
}

// canonicalPayload is the exact byte sequence the signature covers.
func (m *Manifest) canonicalPayload() ([]byte, error) {
	payload := map[string]any{
		"version":       m.Version,
		"hashAlgorithm": m.HashAlgorithm,
		"created":       m.Created,
		"keyId":         m.KeyID,
		"files":         m.Files,
	}
	if m.Expires != "" {
		payload["expires"] = m.Expires
	}
	return canonicalJSON(payload)
}

func parseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func signManifest(files map[string][]byte, key ed25519.PrivateKey, keyID string, created time.Time, validity time.Duration) (*Manifest, error) {
	if strings.TrimSpace(keyID) == "" {
		return nil, signatureErrorf("key id required for signing")
	}
	m := &Manifest{
		Version:       manifestVersion,
		HashAlgorithm: hashAlgorithmSHA,
		Created:       created.UTC().Format(time.RFC3339),
		KeyID:         keyID,
		Files:         make(map[string]string, len(files)),
	}
	if validity > 0 {
		m.Expires = created.Add(validity).UTC().Format(time.RFC3339)
	}
	for name, content := range files {
		m.Files[name] = digest(content)
	}
	payload, err := m.canonicalPayload()
	if err != nil {
		return nil, err
	}
	m.Signature = &ManifestSignature{
		Algorithm: signatureAlgorithm,
		Value:     base64.StdEncoding.EncodeToString(ed25519.Sign(key, payload)),
	}
	return m, nil
}

// verify checks the signature first, then that the covered files are
// exactly the bundle's files with matching digests. A non-zero now enables
// the expiry check.
func (m *Manifest) verify(files map[string][]byte, key ed25519.PublicKey, now time.Time) error {
	if m.Signature.Algorithm != "" && !strings.EqualFold(m.Signature.Algorithm, signatureAlgorithm) {
		return signatureErrorf("unsupported signature algorithm %q", m.Signature.Algorithm)
	}
	if m.HashAlgorithm != hashAlgorithmSHA {
		return signatureErrorf("unsupported hash algorithm %q", m.HashAlgorithm)
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(m.Signature.Value))
	if err != nil {
		return &SignatureError{Msg: "malformed signature value", Err: err}
	}
	payload, err := m.canonicalPayload()
	if err != nil {
		return &SignatureError{Msg: "encode manifest", Err: err}
	}
	if !ed25519.Verify(key, payload, sig) {
		return signatureErrorf("signature verification failed for key %q", m.KeyID)
	}
	for _, name := range sortedNames(files) {
		want, ok := m.Files[name]
		if !ok {
			return signatureErrorf("entry %q is not covered by the signature", name)
		}
		got := digest(files[name])
		if subtle.ConstantTimeCompare([]byte(strings.ToLower(want)), []byte(got)) != 1 {
			return signatureErrorf("digest mismatch for entry %q", name)
		}
	}
	for name := range m.Files {
		if _, ok := files[name]; !ok {
			return signatureErrorf("signed entry %q is missing from the bundle", name)
		}
	}
	if !now.IsZero() && m.Expires != "" {
		expires, err := time.Parse(time.RFC3339, m.Expires)
		if err != nil {
			return &SignatureError{Msg: "malformed signature expiry", Err: err}
		}
		if now.After(expires) {
			return signatureErrorf("signature expired at %s", m.Expires)
		}
	}
	return nil
}

func digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func sortedNames(files map[string][]byte) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func describeManifest(m *Manifest) string {
	if !m.IsSigned() {
		return "unsigned"
	}
	return fmt.Sprintf("signed key=%s created=%s", m.KeyID, m.Created)
}

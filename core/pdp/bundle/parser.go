// Package bundle reads, writes and verifies policy bundles: ZIP archives with
// a pdp.json manifest, *.sapl policy sources and an optional Ed25519 signed
// manifest.
package bundle

import (
	"archive/zip"
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/cordum/pdpsync/core/pdp/configuration"
)

// Archive limits guarding against zip bombs.
const (
	MaxUncompressedBytes = 10 << 20
	maxCompressionRatio  = 100.0
	maxEntryCount        = 1000
	maxEntryNameLength   = 255
)

var nestedArchiveExtensions = []string{".zip", ".saplbundle", ".jar", ".war"}

// archiveContent is the decoded but not yet trusted bundle.
type archiveContent struct {
	pdpJSON   []byte
	documents map[string][]byte
	manifest  *Manifest
}

// covered returns the entries a signature must cover.
func (c *archiveContent) covered() map[string][]byte {
	files := make(map[string][]byte, len(c.documents)+1)
	if c.pdpJSON != nil {
		files[configuration.PdpJSON] = c.pdpJSON
	}
	for name, content := range c.documents {
		files[name] = content
	}
	return files
}

// Parse decodes a bundle, enforces policy and returns the configuration
// tagged with pdpID. Trust violations are *SignatureError; malformed archives
// and content are *ParseError.
func Parse(data []byte, pdpID string, policy *SecurityPolicy) (*configuration.PDPConfiguration, error) {
	if policy == nil {
		return nil, signatureErrorf("security policy is required; configure a public key or explicitly accept unsigned bundle risks")
	}
	content, err := readArchive(data, "byte array")
	if err != nil {
		return nil, err
	}
	if err := verify(content, pdpID, policy); err != nil {
		return nil, err
	}
	documents := make(map[string]string, len(content.documents))
	for name, src := range content.documents {
		documents[name] = string(src)
	}
	cfg, err := configuration.FromBundle(content.pdpJSON, documents, pdpID)
	if err != nil {
		return nil, &ParseError{Source: pdpID, Msg: "invalid bundle content", Err: err}
	}
	return cfg, nil
}

func verify(content *archiveContent, pdpID string, policy *SecurityPolicy) error {
	if !content.manifest.IsSigned() {
		return policy.CheckUnsignedBundleAllowed(pdpID)
	}
	keyID := strings.TrimSpace(content.manifest.KeyID)
	if keyID == "" {
		return signatureErrorf("bundle for tenant %q is signed without a key id", pdpID)
	}
	key, err := policy.ResolvePublicKey(pdpID, keyID)
	if err != nil {
		return err
	}
	var now time.Time
	if policy.CheckExpiration() {
		now = time.Now()
	}
	return content.manifest.verify(content.covered(), key, now)
}

func readArchive(data []byte, source string) (*archiveContent, error) {
	if len(data) == 0 {
		return nil, &ParseError{Source: source, Msg: "empty bundle"}
	}
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if errors.Is(err, zip.ErrInsecurePath) {
		return nil, &ParseError{Source: source, Msg: "path traversal attempt in entry name", Err: err}
	}
	if err != nil {
		return nil, &ParseError{Source: source, Msg: "not a bundle archive", Err: err}
	}
	if len(reader.File) > maxEntryCount {
		return nil, zipBomb(source, fmt.Sprintf("too many entries (>%d)", maxEntryCount))
	}
	content := &archiveContent{documents: map[string][]byte{}}
	seen := map[string]struct{}{}
	var total int64
	for _, file := range reader.File {
		if err := validateEntry(file.Name, source); err != nil {
			return nil, err
		}
		name := normalizeEntryName(file.Name)
		if file.FileInfo().IsDir() || strings.Contains(name, "/") {
			continue
		}
		if _, dup := seen[name]; dup {
			return nil, &ParseError{Source: source, Msg: fmt.Sprintf("duplicate entry %q", name)}
		}
		seen[name] = struct{}{}
		body, err := readEntry(file, source, total, int64(len(data)))
		if err != nil {
			return nil, err
		}
		total += int64(len(body))
		switch {
		case name == ManifestFile:
			m, err := parseManifest(body)
			if err != nil {
				return nil, &ParseError{Source: source, Msg: "malformed signature manifest", Err: err}
			}
			content.manifest = m
		case name == configuration.PdpJSON:
			content.pdpJSON = body
		case strings.HasSuffix(name, configuration.PolicyExtension):
			content.documents[name] = body
		}
	}
	return content, nil
}

func validateEntry(name, source string) error {
	if len(name) > maxEntryNameLength {
		return zipBomb(source, fmt.Sprintf("entry name too long (>%d)", maxEntryNameLength))
	}
	lower := strings.ToLower(name)
	for _, ext := range nestedArchiveExtensions {
		if strings.HasSuffix(lower, ext) {
			return zipBomb(source, "nested archive detected")
		}
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return &ParseError{Source: source, Msg: "path traversal attempt in entry name"}
	}
	for _, segment := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if segment == ".." {
			return &ParseError{Source: source, Msg: "path traversal attempt in entry name"}
		}
	}
	return nil
}

func readEntry(file *zip.File, source string, total, compressed int64) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, &ParseError{Source: source, Msg: fmt.Sprintf("open entry %q", file.Name), Err: err}
	}
	defer rc.Close()
	// declared sizes can lie; enforce the limit on bytes actually inflated
	limit := MaxUncompressedBytes - total
	body, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, &ParseError{Source: source, Msg: fmt.Sprintf("read entry %q", file.Name), Err: err}
	}
	if int64(len(body)) > limit {
		return nil, zipBomb(source, fmt.Sprintf("uncompressed size exceeds %d MB", MaxUncompressedBytes>>20))
	}
	if compressed > 0 && float64(total+int64(len(body)))/float64(compressed) > maxCompressionRatio {
		return nil, zipBomb(source, fmt.Sprintf("compression ratio exceeds %d:1", int(maxCompressionRatio)))
	}
	return body, nil
}

func normalizeEntryName(name string) string {
	return strings.TrimLeft(strings.ReplaceAll(name, "\\", "/"), "/")
}

func zipBomb(source, reason string) error {
	return &ParseError{Source: source, Msg: "zip bomb detected: " + reason}
}

// Info summarises a bundle without enforcing any trust policy.
type Info struct {
	Documents          []string
	DocumentSizes      map[string]int
	HasPdpJSON         bool
	PdpJSON            []byte
	Signed             bool
	SignatureAlgorithm string
	KeyID              string
	Created            string
	Expires            string
	CoveredFiles       int
	Description        string
}

// Inspect decodes the archive structure only; nothing is verified.
func Inspect(data []byte) (*Info, error) {
	content, err := readArchive(data, "inspect")
	if err != nil {
		return nil, err
	}
	info := &Info{
		HasPdpJSON:    content.pdpJSON != nil,
		PdpJSON:       content.pdpJSON,
		DocumentSizes: make(map[string]int, len(content.documents)),
	}
	for name, doc := range content.documents {
		info.Documents = append(info.Documents, name)
		info.DocumentSizes[name] = len(doc)
	}
	sort.Strings(info.Documents)
	info.Description = "unsigned"
	if m := content.manifest; m != nil {
		info.Signed = m.IsSigned()
		if m.Signature != nil {
			info.SignatureAlgorithm = m.Signature.Algorithm
		}
		info.KeyID = m.KeyID
		info.Created = m.Created
		info.Expires = m.Expires
		info.CoveredFiles = len(m.Files)
		info.Description = describeManifest(m)
	}
	return info, nil
}

// Verify checks a bundle's signature against key regardless of tenant trust.
func Verify(data []byte, key ed25519.PublicKey) error {
	content, err := readArchive(data, "verify")
	if err != nil {
		return err
	}
	if !content.manifest.IsSigned() {
		return signatureErrorf("bundle is not signed")
	}
	return content.manifest.verify(content.covered(), key, time.Now())
}

// Resign rebuilds the bundle in data with a fresh manifest signed by key.
// Any existing manifest is discarded.
func Resign(data []byte, key ed25519.PrivateKey, keyID string, validity time.Duration) ([]byte, error) {
	content, err := readArchive(data, "sign")
	if err != nil {
		return nil, err
	}
	if content.pdpJSON == nil {
		return nil, &ParseError{Source: "sign", Msg: "bundle has no " + configuration.PdpJSON}
	}
	b := NewBuilder().WithPdpJSON(string(content.pdpJSON)).SignWith(key, keyID).WithValidity(validity)
	for name, doc := range content.documents {
		b.WithPolicy(name, string(doc))
	}
	return b.Build()
}

package bundle

import (
	"archive/zip"
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cordum/pdpsync/core/pdp/configuration"
)

// Builder assembles bundle archives. Entries are written in sorted order so
// identical input yields identical archives apart from signature timestamps.
type Builder struct {
	pdpJSON         []byte
	algorithm       *configuration.CombiningAlgorithm
	configurationID string
	variables       map[string]any
	documents       map[string][]byte
	signingKey      ed25519.PrivateKey
	keyID           string
	validity        time.Duration
	now             func() time.Time
}

func NewBuilder() *Builder {
	return &Builder{
		documents: map[string][]byte{},
		now:       time.Now,
	}
}

// WithPdpJSON uses raw pdp.json content verbatim; it overrides
// WithCombiningAlgorithm, WithConfigurationID and WithVariables.
func (b *Builder) WithPdpJSON(content string) *Builder {
	b.pdpJSON = []byte(content)
	return b
}

func (b *Builder) WithCombiningAlgorithm(algorithm configuration.CombiningAlgorithm) *Builder {
	b.algorithm = &algorithm
	return b
}

func (b *Builder) WithConfigurationID(id string) *Builder {
	b.configurationID = id
	return b
}

func (b *Builder) WithVariables(vars map[string]any) *Builder {
	b.variables = vars
	return b
}

// WithPolicy adds a policy document. The .sapl extension is appended when missing.
func (b *Builder) WithPolicy(name, content string) *Builder {
	if !strings.HasSuffix(name, configuration.PolicyExtension) {
		name += configuration.PolicyExtension
	}
	b.documents[name] = []byte(content)
	return b
}

// SignWith signs the bundle with key, recording keyID in the manifest.
func (b *Builder) SignWith(key ed25519.PrivateKey, keyID string) *Builder {
	b.signingKey = key
	b.keyID = keyID
	return b
}

// WithValidity sets the signature lifetime; zero means no expiry.
func (b *Builder) WithValidity(d time.Duration) *Builder {
	b.validity = d
	return b
}

// Build returns the archive bytes.
func (b *Builder) Build() ([]byte, error) {
	pdpJSON, err := b.renderPdpJSON()
	if err != nil {
		return nil, err
	}
	files := make(map[string][]byte, len(b.documents)+1)
	files[configuration.PdpJSON] = pdpJSON
	for name, content := range b.documents {
		if err := validateEntry(name, "builder"); err != nil {
			return nil, err
		}
		if strings.ContainsAny(name, `/\`) {
			return nil, fmt.Errorf("policy name %q must not contain a path separator", name)
		}
		files[name] = content
	}
	entries := files
	if b.signingKey != nil {
		manifest, err := signManifest(files, b.signingKey, b.keyID, b.now(), b.validity)
		if err != nil {
			return nil, err
		}
		encoded, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode manifest: %w", err)
		}
		entries = make(map[string][]byte, len(files)+1)
		for name, content := range files {
			entries[name] = content
		}
		entries[ManifestFile] = encoded
	}
	return writeArchive(entries)
}

func (b *Builder) renderPdpJSON() ([]byte, error) {
	if b.pdpJSON != nil {
		return b.pdpJSON, nil
	}
	if b.algorithm == nil {
		return nil, fmt.Errorf("bundle requires pdp.json content or a combining algorithm")
	}
	content := configuration.PdpJSONContent{
		Algorithm:       *b.algorithm,
		ConfigurationID: b.configurationID,
		Variables:       b.variables,
	}
	out, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode pdp.json: %w", err)
	}
	return out, nil
}

func writeArchive(entries map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := sortedNames(entries)
	for _, name := range names {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			return nil, fmt.Errorf("write entry %q: %w", name, err)
		}
		if _, err := w.Write(entries[name]); err != nil {
			return nil, fmt.Errorf("write entry %q: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Package configuration holds the PDP configuration data contract shared by
// the bundle parser, the directory loader and the voter source.
package configuration

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cordum/pdpsync/core/infra/schema"
)

const (
	// PdpJSON is the manifest entry name in bundles and directories.
	PdpJSON = "pdp.json"
	// PolicyExtension marks policy source entries.
	PolicyExtension = ".sapl"

	pdpJSONSchemaFile = "schema/pdp.schema.json"
)

//go:embed schema/*.json
var schemaFS embed.FS

// Error reports invalid configuration content (pdp.json or policy sources).
type Error struct {
	Msg string
	Err error
}

func newError(msg string) *Error { return &Error{Msg: msg} }

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// PDPConfiguration is an immutable set of policy sources plus the algorithm
// and variables a PDP instance evaluates them with.
type PDPConfiguration struct {
	pdpID           string
	configurationID string
	algorithm       CombiningAlgorithm
	documents       map[string]string
	variables       map[string]any
}

// New copies its inputs so later mutation by the caller is not observable.
func New(pdpID, configurationID string, algorithm CombiningAlgorithm, documents map[string]string, variables map[string]any) *PDPConfiguration {
	docs := make(map[string]string, len(documents))
	for name, src := range documents {
		docs[name] = src
	}
	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	return &PDPConfiguration{
		pdpID:           pdpID,
		configurationID: configurationID,
		algorithm:       algorithm,
		documents:       docs,
		variables:       vars,
	}
}

func (c *PDPConfiguration) PdpID() string                 { return c.pdpID }
func (c *PDPConfiguration) ConfigurationID() string       { return c.configurationID }
func (c *PDPConfiguration) Algorithm() CombiningAlgorithm { return c.algorithm }
func (c *PDPConfiguration) DocumentCount() int            { return len(c.documents) }

// Documents returns a copy of the policy sources keyed by entry name.
func (c *PDPConfiguration) Documents() map[string]string {
	out := make(map[string]string, len(c.documents))
	for name, src := range c.documents {
		out[name] = src
	}
	return out
}

// DocumentNames returns the policy source names in lexical order.
func (c *PDPConfiguration) DocumentNames() []string {
	names := make([]string, 0, len(c.documents))
	for name := range c.documents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Variables returns a shallow copy of the configured variables.
func (c *PDPConfiguration) Variables() map[string]any {
	out := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

// PdpJSONContent is the decoded pdp.json manifest.
type PdpJSONContent struct {
	Algorithm       CombiningAlgorithm `json:"algorithm"`
	ConfigurationID string             `json:"configurationId,omitempty"`
	Variables       map[string]any     `json:"variables,omitempty"`
}

// ParsePdpJSON validates pdp.json against its schema and decodes it.
func ParsePdpJSON(data []byte) (*PdpJSONContent, error) {
	if strings.TrimSpace(string(data)) == "" {
		return nil, newError("pdp.json content must not be empty")
	}
	schemaBytes, err := schemaFS.ReadFile(pdpJSONSchemaFile)
	if err != nil {
		return nil, &Error{Msg: "load pdp.json schema", Err: err}
	}
	if err := schema.ValidateSchema("pdp-json", schemaBytes, json.RawMessage(data)); err != nil {
		return nil, &Error{Msg: "invalid pdp.json", Err: err}
	}
	var content PdpJSONContent
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, &Error{Msg: "failed to parse pdp.json content", Err: err}
	}
	if err := content.Algorithm.Validate(); err != nil {
		return nil, err
	}
	content.ConfigurationID = strings.TrimSpace(content.ConfigurationID)
	return &content, nil
}

// FromBundle builds a configuration from bundle entries. Bundles without a
// configurationId get one derived from their content hash.
func FromBundle(pdpJSON []byte, documents map[string]string, pdpID string) (*PDPConfiguration, error) {
	if len(pdpJSON) == 0 {
		return nil, newError(fmt.Sprintf("bundle for %q is missing %s", pdpID, PdpJSON))
	}
	content, err := ParsePdpJSON(pdpJSON)
	if err != nil {
		return nil, err
	}
	if len(documents) == 0 {
		return nil, newError(fmt.Sprintf("bundle for %q contains no policy documents", pdpID))
	}
	id := content.ConfigurationID
	if id == "" {
		id = fmt.Sprintf("bundle:%s@sha256:%s", pdpID, ContentHash(content.Algorithm, documents))
	}
	return New(pdpID, id, content.Algorithm, documents, content.Variables), nil
}

// ContentHash digests the algorithm and the sorted policy sources.
func ContentHash(algorithm CombiningAlgorithm, documents map[string]string) string {
	names := make([]string, 0, len(documents))
	for name := range documents {
		names = append(names, name)
	}
	sort.Strings(names)
	h := sha256.New()
	fmt.Fprintf(h, "algorithm:%s\n", algorithm.CanonicalString())
	for _, name := range names {
		fmt.Fprintf(h, "%s:%s\n", name, documents[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}

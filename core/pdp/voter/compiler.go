package voter

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cordum/pdpsync/core/pdp/configuration"
)

var (
	blockComment   = regexp.MustCompile(`(?s)/\*.*?\*/`)
	documentHeader = regexp.MustCompile(`^(policy|set)\s+"((?:[^"\\]|\\.)+)"`)
)

// DocumentCompiler performs the structural checks every policy document must
// pass: a non-blank source whose first statement declares a policy or set
// with a quoted name unique across the configuration. Evaluating the policy
// language itself is left to a real compiler.
type DocumentCompiler struct{}

// CompiledVoter is the Voter produced by DocumentCompiler.
type CompiledVoter struct {
	pdpID           string
	configurationID string
	algorithm       configuration.CombiningAlgorithm
	names           []string
}

func (v *CompiledVoter) ConfigurationID() string { return v.configurationID }
func (v *CompiledVoter) Ready() error            { return nil }
func (v *CompiledVoter) PdpID() string           { return v.pdpID }

// DocumentNames returns the declared policy and set names in sorted order.
func (v *CompiledVoter) DocumentNames() []string {
	return append([]string(nil), v.names...)
}

func (v *CompiledVoter) Algorithm() configuration.CombiningAlgorithm { return v.algorithm }

func (DocumentCompiler) Compile(ctx context.Context, cfg *configuration.PDPConfiguration) (Voter, error) {
	if cfg == nil {
		return nil, errInvalidConfig
	}
	if err := cfg.Algorithm().Validate(); err != nil {
		return nil, err
	}
	docs := cfg.Documents()
	if len(docs) == 0 {
		return nil, fmt.Errorf("configuration %q has no policy documents", cfg.ConfigurationID())
	}
	seen := make(map[string]string, len(docs))
	names := make([]string, 0, len(docs))
	for _, file := range cfg.DocumentNames() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, err := declaredName(docs[file])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		if other, dup := seen[name]; dup {
			return nil, fmt.Errorf("%s: name %q already declared in %s", file, name, other)
		}
		seen[name] = file
		names = append(names, name)
	}
	sort.Strings(names)
	return &CompiledVoter{
		pdpID:           cfg.PdpID(),
		configurationID: cfg.ConfigurationID(),
		algorithm:       cfg.Algorithm(),
		names:           names,
	}, nil
}

// declaredName returns the name of the first policy or set statement,
// skipping comments and import lines.
func declaredName(source string) (string, error) {
	if strings.TrimSpace(source) == "" {
		return "", fmt.Errorf("document is empty")
	}
	stripped := blockComment.ReplaceAllString(source, "")
	for _, line := range strings.Split(stripped, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "//") || strings.HasPrefix(line, "import ") {
			continue
		}
		m := documentHeader.FindStringSubmatch(line)
		if m == nil {
			return "", fmt.Errorf("document must start with a policy or set declaration")
		}
		return m[2], nil
	}
	return "", fmt.Errorf("document contains no policy or set declaration")
}

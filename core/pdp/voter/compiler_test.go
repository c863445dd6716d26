package voter

import (
	"context"
	"strings"
	"testing"

	"github.com/cordum/pdpsync/core/pdp/configuration"
)

func TestDeclaredName(t *testing.T) {
	cases := map[string]string{
		`policy "read" permit`:                              "read",
		"/* header */\nimport filter.*\n\nset \"ops\" deny": "ops",
		"// note\n  policy \"x \\\"y\\\"\" deny":            `x \"y\"`,
	}
	for src, want := range cases {
		got, err := declaredName(src)
		if err != nil {
			t.Fatalf("declaredName(%q): %v", src, err)
		}
		if got != want {
			t.Fatalf("declaredName(%q): got %q want %q", src, got, want)
		}
	}
	for _, src := range []string{"", "   ", "permit", "// only comment", `policy permit`} {
		if _, err := declaredName(src); err == nil {
			t.Fatalf("expected error for %q", src)
		}
	}
}

func TestDocumentCompilerRejectsDuplicates(t *testing.T) {
	cfg := testConfig("t", "v1", map[string]string{
		"a.sapl": `policy "same" permit`,
		"b.sapl": `policy "same" deny`,
	})
	_, err := DocumentCompiler{}.Compile(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "already declared") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestDocumentCompilerRejectsFirstAlgorithm(t *testing.T) {
	alg := configuration.CombiningAlgorithm{
		VotingMode:      configuration.VotingFirst,
		DefaultDecision: configuration.DefaultDeny,
		ErrorHandling:   configuration.ErrorsPropagate,
	}
	cfg := configuration.New("t", "v1", alg, map[string]string{"a.sapl": `policy "a" permit`}, nil)
	if _, err := (DocumentCompiler{}).Compile(context.Background(), cfg); err == nil {
		t.Fatalf("expected FIRST to be rejected")
	}
}

func TestDocumentCompilerVoter(t *testing.T) {
	v, err := DocumentCompiler{}.Compile(context.Background(), goodConfig("t", "v1"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	cv := v.(*CompiledVoter)
	if cv.ConfigurationID() != "v1" || cv.PdpID() != "t" || cv.Ready() != nil {
		t.Fatalf("unexpected voter: %#v", cv)
	}
	names := cv.DocumentNames()
	if len(names) != 2 || names[0] != "admin" || names[1] != "allow-reads" {
		t.Fatalf("unexpected names: %v", names)
	}
}

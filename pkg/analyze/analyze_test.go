package analyze

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nstogner/godagent/pkg/model"
	"github.com/nstogner/godagent/pkg/model/modeltest"
)

const goSample = `package sample

import (
	"fmt"
	"strings"
)

// Greeter says hello.
type Greeter struct{ name string }

type Shouter interface{ Shout() string }

// Greet returns a greeting.
func (g *Greeter) Greet() string {
	if g.name == "" {
		return "hello"
	}
	return fmt.Sprintf("hello %s", g.name)
}

func Upper(s string) string {
	for i := 0; i < 3 && s != ""; i++ {
		s = strings.ToUpper(s)
	}
	return s
}
`

const pySample = `import os
from typing import List

class Runner:
    def run(self, cmd):
        # TODO: validate
        return eval(cmd)

def main():
    try:
        Runner().run("1")
    except:
        pass
`

func TestDetectLanguage(t *testing.T) {
	cases := map[string]string{
		"main.go":       "go",
		"app.PY":        "python",
		"web/index.tsx": "typescript",
		"lib.rs":        "rust",
		"notes.txt":     "unknown",
	}
	for path, want := range cases {
		if got := DetectLanguage(path); got != want {
			t.Errorf("DetectLanguage(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestExtractGo(t *testing.T) {
	md := Extract("sample.go", goSample)

	if md.Language != "go" {
		t.Errorf("Language = %q, want go", md.Language)
	}
	if md.TotalLines != 27 || md.BlankLines != 6 || md.CommentLines != 2 || md.CodeLines != 19 {
		t.Errorf("lines = %d/%d/%d/%d, want 27/19/2/6 (total/code/comment/blank)",
			md.TotalLines, md.CodeLines, md.CommentLines, md.BlankLines)
	}
	if diff := cmp.Diff([]string{"Greeter.Greet", "Upper"}, md.Functions); diff != "" {
		t.Errorf("Functions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Greeter", "Shouter"}, md.Classes); diff != "" {
		t.Errorf("Classes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"fmt", "strings"}, md.Imports); diff != "" {
		t.Errorf("Imports mismatch (-want +got):\n%s", diff)
	}

	st := Check(goSample, md)
	if st.Complexity != 2 {
		t.Errorf("Complexity = %d, want 2", st.Complexity)
	}
	if len(st.Smells) != 0 || len(st.Issues) != 0 {
		t.Errorf("unexpected findings: smells %v, issues %v", st.Smells, st.Issues)
	}
	score, recs := Assess(md, st)
	if score != 100 {
		t.Errorf("score = %v, want 100", score)
	}
	if len(recs) != 0 {
		t.Errorf("recommendations = %v, want none", recs)
	}
}

func TestSourcePython(t *testing.T) {
	r := Source("runner.py", pySample)

	if diff := cmp.Diff([]string{"run", "main"}, r.Metadata.Functions); diff != "" {
		t.Errorf("Functions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Runner"}, r.Metadata.Classes); diff != "" {
		t.Errorf("Classes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"import os", "from typing import List"}, r.Metadata.Imports); diff != "" {
		t.Errorf("Imports mismatch (-want +got):\n%s", diff)
	}

	wantIssues := []Issue{
		{Line: 6, Kind: "maintenance", Severity: SeverityInfo, Message: "TODO/FIXME comment found"},
		{Line: 7, Kind: "security", Severity: SeverityHigh, Message: "Use of eval/exec is potentially dangerous"},
		{Line: 12, Kind: "reliability", Severity: SeverityMedium, Message: "Bare except clause hides errors"},
	}
	if diff := cmp.Diff(wantIssues, r.Static.Issues); diff != "" {
		t.Errorf("Issues mismatch (-want +got):\n%s", diff)
	}
	if r.Score != 90 {
		t.Errorf("Score = %v, want 90", r.Score)
	}
	if diff := cmp.Diff([]string{"Fix 1 high-severity issue(s) immediately"}, r.Recommendations); diff != "" {
		t.Errorf("Recommendations mismatch (-want +got):\n%s", diff)
	}
}

func TestSmells(t *testing.T) {
	var b strings.Builder
	b.WriteString("def long_one():\n")
	for i := 0; i < 60; i++ {
		b.WriteString("    x = 1\n")
	}
	b.WriteString("limits = [100, 200, 300, 400, 500, 600]\n")

	r := Source("long.py", b.String())
	want := []string{
		"Long function 'long_one' (61 lines)",
		"Low comment ratio (0.0%) - consider adding more documentation",
		"Multiple magic numbers detected - consider using named constants",
	}
	if diff := cmp.Diff(want, r.Static.Smells); diff != "" {
		t.Errorf("Smells mismatch (-want +got):\n%s", diff)
	}
}

func TestAssess(t *testing.T) {
	md := Metadata{CodeLines: 100, Functions: []string{"f"}}
	st := Static{
		Complexity: 25,
		Smells:     []string{"a", "b"},
		Issues:     []Issue{{Severity: SeverityHigh}, {Severity: SeverityLow}},
	}
	score, recs := Assess(md, st)
	if score != 69 {
		t.Errorf("score = %v, want 69", score)
	}
	want := []string{
		"High complexity detected - consider refactoring to simplify logic",
		"Address 2 code smell(s)",
		"Fix 1 high-severity issue(s) immediately",
		"Add more comments and documentation",
	}
	if diff := cmp.Diff(want, recs); diff != "" {
		t.Errorf("recommendations mismatch (-want +got):\n%s", diff)
	}

	st.Smells = make([]string, 40)
	if score, _ := Assess(md, st); score != 0 {
		t.Errorf("score = %v, want clamp to 0", score)
	}
}

func TestFileOverview(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.go")
	if err := os.WriteFile(path, []byte(goSample), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m := modeltest.Text("Greets people.")
	r, err := File(context.Background(), path, m, model.DefaultSettings())
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if r.Overview != "Greets people." {
		t.Errorf("Overview = %q, want %q", r.Overview, "Greets people.")
	}
	if !strings.Contains(m.LastPrompt(), "Functions: Greeter.Greet, Upper") {
		t.Errorf("prompt does not list functions:\n%s", m.LastPrompt())
	}
	if got := m.Requests[0].Settings.Temperature; got != 0.3 {
		t.Errorf("Temperature = %v, want 0.3", got)
	}
	if !strings.Contains(r.Format(), "Quality score: 100/100") {
		t.Errorf("Format() missing score:\n%s", r.Format())
	}

	failing := &modeltest.Model{Err: errors.New("quota exceeded")}
	r, err = File(context.Background(), path, failing, model.DefaultSettings())
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if !strings.HasPrefix(r.Overview, "Failed to generate documentation") {
		t.Errorf("Overview = %q, want failure note", r.Overview)
	}

	if _, err := File(context.Background(), t.TempDir(), nil, model.Settings{}); err == nil {
		t.Error("File(dir) succeeded, want error")
	}
}

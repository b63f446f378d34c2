package deploy

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nstogner/godagent/pkg/container"
)

type fakeEngine struct {
	built      []string
	buildFiles []string
	buildErr   error
	existing   map[string]bool
	removed    []string
	runs       []container.RunSpec
}

func (f *fakeEngine) List(ctx context.Context, all bool) ([]container.Summary, error) {
	return nil, nil
}

func (f *fakeEngine) Run(ctx context.Context, spec container.RunSpec) (*container.Summary, error) {
	f.runs = append(f.runs, spec)
	return &container.Summary{ID: "c1", Name: spec.Name, Image: spec.Image, State: "running"}, nil
}

func (f *fakeEngine) Start(ctx context.Context, ref string) error { return nil }
func (f *fakeEngine) Stop(ctx context.Context, ref string) error  { return nil }

func (f *fakeEngine) Remove(ctx context.Context, ref string, force bool) error {
	if !force {
		return errors.New("expected force removal")
	}
	f.removed = append(f.removed, ref)
	delete(f.existing, ref)
	return nil
}

func (f *fakeEngine) Inspect(ctx context.Context, ref string) (*container.Summary, error) {
	if f.existing[ref] {
		return &container.Summary{Name: ref, State: "running"}, nil
	}
	return nil, fmt.Errorf("%s: %w", ref, container.ErrNotFound)
}

func (f *fakeEngine) Logs(ctx context.Context, ref string, tail int) (string, error) {
	return "", nil
}

func (f *fakeEngine) Build(ctx context.Context, buildContext io.Reader, tag string) (string, error) {
	tr := tar.NewReader(buildContext)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		f.buildFiles = append(f.buildFiles, hdr.Name)
	}
	if f.buildErr != nil {
		return "Step 1/2 : FROM golang\n", f.buildErr
	}
	f.built = append(f.built, tag)
	return "Step 1/2 : FROM golang\nSuccessfully tagged " + tag + "\n", nil
}

func (f *fakeEngine) Ping(ctx context.Context) error { return nil }
func (f *fakeEngine) Close() error                   { return nil }

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	return dir
}

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestValidate(t *testing.T) {
	d := New(&fakeEngine{})
	d.Getenv = env(nil)

	dir := writeProject(t, map[string]string{
		"main.go":     "package main\n\nfunc main() {}\n",
		"pkg/a/a.go":  "package a\n",
		".git/config": "ignored",
	})
	v, err := d.Validate(dir)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.Valid {
		t.Error("Valid = true without Dockerfile")
	}
	want := []string{"Required file missing: Dockerfile", "Required file missing: go.mod"}
	if diff := cmp.Diff(want, v.Issues); diff != "" {
		t.Errorf("Issues mismatch (-want +got):\n%s", diff)
	}
	if v.GoFiles != 2 || v.GoLines != 4 {
		t.Errorf("GoFiles, GoLines = %d, %d, want 2, 4", v.GoFiles, v.GoLines)
	}
	if len(v.Warnings) != 2 {
		t.Errorf("Warnings = %v, want go.sum and GEMINI_API_KEY warnings", v.Warnings)
	}

	v, err = d.Validate(filepath.Join(dir, "missing"))
	if err != nil {
		t.Fatalf("Validate(missing): %v", err)
	}
	if v.Valid || len(v.Issues) != 1 {
		t.Errorf("Validate(missing) = %+v, want one issue", v)
	}
}

func TestDeployReplacesContainer(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"Dockerfile":    "FROM golang:1.24\n",
		"go.mod":        "module example.com/app\n",
		"go.sum":        "",
		"main.go":       "package main\n",
		"debug.log":     "noise",
		".dockerignore": "# local files\n*.log\n",
		".git/HEAD":     "ref: refs/heads/main",
	})
	fe := &fakeEngine{existing: map[string]bool{DefaultName: true}}
	d := New(fe)
	d.Getenv = env(map[string]string{"GEMINI_API_KEY": "g-key", "GROQ_API_KEY": "q-key"})

	res, err := d.Deploy(context.Background(), dir)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if !res.Success {
		t.Fatalf("Deploy failed:\n%s", res.Format())
	}
	if !res.Redeployed {
		t.Error("Redeployed = false, want true")
	}
	if res.URL != "http://localhost:8080" {
		t.Errorf("URL = %q", res.URL)
	}

	slices.Sort(fe.buildFiles)
	if diff := cmp.Diff([]string{".dockerignore", "Dockerfile", "go.mod", "go.sum", "main.go"}, fe.buildFiles); diff != "" {
		t.Errorf("build context mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{DefaultName}, fe.removed); diff != "" {
		t.Errorf("removed mismatch (-want +got):\n%s", diff)
	}
	wantRun := []container.RunSpec{{
		Image: DefaultName,
		Name:  DefaultName,
		Ports: []string{"8080:8080"},
		Env:   []string{"PORT=8080", "GEMINI_API_KEY=g-key", "GROQ_API_KEY=q-key"},
	}}
	if diff := cmp.Diff(wantRun, fe.runs); diff != "" {
		t.Errorf("run spec mismatch (-want +got):\n%s", diff)
	}
}

func TestDeployBuildFailure(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"Dockerfile": "FROM scratch\n",
		"go.mod":     "module example.com/app\n",
	})
	fe := &fakeEngine{buildErr: errors.New("no such image")}
	d := New(fe)
	d.Getenv = env(nil)

	res, err := d.Deploy(context.Background(), dir)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if res.Success {
		t.Error("Success = true after build failure")
	}
	if len(fe.runs) != 0 {
		t.Errorf("container started after build failure: %+v", fe.runs)
	}
	if !strings.Contains(res.Format(), "Docker build failed: no such image") {
		t.Errorf("Format() missing build error:\n%s", res.Format())
	}
}

func TestDeployInvalidProject(t *testing.T) {
	fe := &fakeEngine{}
	res, err := New(fe).Deploy(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if res.Success || res.Validation == nil || res.Validation.Valid {
		t.Errorf("Deploy of empty dir = %+v, want validation failure", res)
	}
	if len(fe.built) != 0 {
		t.Error("image built for invalid project")
	}
}

func TestArchive(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"a.txt":                   "alpha",
		"sub/b.txt":               "beta",
		"node_modules/x/index.js": "skip",
	})
	var buf bytes.Buffer
	if err := Archive(&buf, dir); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	tr := tar.NewReader(&buf)
	got := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading tar: %v", err)
		}
		data, _ := io.ReadAll(tr)
		got[hdr.Name] = string(data)
	}
	want := map[string]string{"a.txt": "alpha", "sub/": "", "sub/b.txt": "beta"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("archive mismatch (-want +got):\n%s", diff)
	}
}

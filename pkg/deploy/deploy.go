// Package deploy builds the project in a directory into an image and runs it
// as a local container, replacing the previous deployment.
package deploy

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nstogner/godagent/pkg/container"
)

const (
	DefaultName = "godagent"
	DefaultPort = "8080"
)

// PassthroughEnv lists the variables copied from the host into the container.
var PassthroughEnv = []string{"GEMINI_API_KEY", "GROQ_API_KEY", "OLLAMA_HOST", "LOG_LEVEL"}

// Validation is the outcome of checking a project before deployment.
type Validation struct {
	Valid    bool     `json:"valid"`
	Issues   []string `json:"issues"`
	Warnings []string `json:"warnings"`
	GoFiles  int      `json:"go_files"`
	GoLines  int      `json:"go_lines"`
}

// Result reports a deployment attempt.
type Result struct {
	Success    bool        `json:"success"`
	Redeployed bool        `json:"redeployed"`
	Image      string      `json:"image"`
	URL        string      `json:"url,omitempty"`
	Logs       []string    `json:"logs"`
	Validation *Validation `json:"validation,omitempty"`
}

// Deployer runs the validate, build and run pipeline against an engine.
type Deployer struct {
	Engine container.Engine
	// Name is used as the image tag and the container name.
	Name string
	Port string
	// Getenv resolves passthrough variables. Defaults to os.Getenv.
	Getenv func(string) string
}

func New(e container.Engine) *Deployer {
	return &Deployer{Engine: e, Name: DefaultName, Port: DefaultPort, Getenv: os.Getenv}
}

// Validate checks that dir can be deployed. Missing files are issues,
// missing configuration is a warning.
func (d *Deployer) Validate(dir string) (*Validation, error) {
	v := &Validation{}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			v.Issues = append(v.Issues, fmt.Sprintf("Project root not found: %s", dir))
			return v, nil
		}
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		v.Issues = append(v.Issues, fmt.Sprintf("Project root is not a directory: %s", dir))
		return v, nil
	}

	for _, name := range []string{"Dockerfile", "go.mod"} {
		fi, err := os.Stat(filepath.Join(dir, name))
		switch {
		case err != nil:
			v.Issues = append(v.Issues, "Required file missing: "+name)
		case fi.IsDir():
			v.Issues = append(v.Issues, "Path is not a file: "+name)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "go.sum")); err != nil {
		v.Warnings = append(v.Warnings, "go.sum missing - dependency versions are not locked")
	}
	if d.getenv("GEMINI_API_KEY") == "" {
		v.Warnings = append(v.Warnings, "GEMINI_API_KEY not set - application will not function without it")
	}

	err = filepath.WalkDir(dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() && path != dir && skipDir(de.Name()) {
			return filepath.SkipDir
		}
		if de.IsDir() || filepath.Ext(path) != ".go" {
			return nil
		}
		n, err := countLines(path)
		if err != nil {
			return err
		}
		v.GoFiles++
		v.GoLines += n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}

	v.Valid = len(v.Issues) == 0
	return v, nil
}

// Deploy validates dir, builds it and replaces the running container.
// A failed stage is reported in the Result; err is reserved for failures
// outside the pipeline itself.
func (d *Deployer) Deploy(ctx context.Context, dir string) (*Result, error) {
	res := &Result{Image: d.Name}
	logf := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		res.Logs = append(res.Logs, msg)
		slog.Info("Deploy", "step", msg)
	}

	v, err := d.Validate(dir)
	if err != nil {
		return nil, err
	}
	res.Validation = v
	if !v.Valid {
		logf("Validation failed: %s", strings.Join(v.Issues, "; "))
		return res, nil
	}
	logf("Validated %s (%d Go files, %d lines)", dir, v.GoFiles, v.GoLines)

	if err := d.Engine.Ping(ctx); err != nil {
		logf("Docker is not reachable: %v", err)
		return res, nil
	}

	logf("Building image %s...", d.Name)
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(Archive(pw, dir))
	}()
	out, err := d.Engine.Build(ctx, pr, d.Name)
	pr.Close()
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			res.Logs = append(res.Logs, line)
		}
	}
	if err != nil {
		logf("Docker build failed: %v", err)
		return res, nil
	}

	if _, err := d.Engine.Inspect(ctx, d.Name); err == nil {
		res.Redeployed = true
		logf("Existing container found, removing...")
		if err := d.Engine.Remove(ctx, d.Name, true); err != nil {
			logf("Removing old container failed: %v", err)
			return res, nil
		}
		logf("Old container removed")
	} else if !errors.Is(err, container.ErrNotFound) {
		logf("Inspecting old container failed: %v", err)
		return res, nil
	}

	logf("Starting container...")
	if _, err := d.Engine.Run(ctx, container.RunSpec{
		Image: d.Name,
		Name:  d.Name,
		Ports: []string{d.Port + ":" + d.Port},
		Env:   d.env(),
	}); err != nil {
		logf("Failed to start container: %v", err)
		return res, nil
	}

	res.Success = true
	res.URL = "http://localhost:" + d.Port
	logf("Container running at %s", res.URL)
	return res, nil
}

func (d *Deployer) env() []string {
	env := []string{"PORT=" + d.Port}
	for _, k := range PassthroughEnv {
		if v := d.getenv(k); v != "" {
			env = append(env, k+"="+v)
		}
	}
	return env
}

func (d *Deployer) getenv(k string) string {
	if d.Getenv == nil {
		return os.Getenv(k)
	}
	return d.Getenv(k)
}

// Archive writes dir as a tar build context. Version control and editor
// directories are skipped, as is anything matched by .dockerignore.
func Archive(w io.Writer, dir string) error {
	ignore, err := readIgnore(filepath.Join(dir, ".dockerignore"))
	if err != nil {
		return err
	}

	tw := tar.NewWriter(w)
	err = filepath.WalkDir(dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		rel = filepath.ToSlash(rel)
		if (de.IsDir() && skipDir(de.Name())) || ignored(ignore, rel) {
			if de.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !de.Type().IsRegular() && !de.IsDir() {
			return nil
		}

		info, err := de.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if de.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if de.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("archiving %s: %w", dir, err)
	}
	return tw.Close()
}

func skipDir(name string) bool {
	switch name {
	case ".git", ".idea", ".vscode", "node_modules":
		return true
	}
	return false
}

func readIgnore(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var patterns []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, strings.TrimSuffix(strings.TrimPrefix(line, "/"), "/"))
	}
	return patterns, sc.Err()
}

// ignored matches rel or any of its parent directories against patterns.
func ignored(patterns []string, rel string) bool {
	for _, p := range patterns {
		for cur := rel; cur != "."; cur = filepath.ToSlash(filepath.Dir(cur)) {
			if ok, _ := filepath.Match(p, cur); ok {
				return true
			}
		}
	}
	return false
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var n int
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}

// Format renders a result for the terminal.
func (r *Result) Format() string {
	var b strings.Builder
	if r.Success {
		b.WriteString("Deployment succeeded")
	} else {
		b.WriteString("Deployment failed")
	}
	if r.Redeployed {
		b.WriteString(" (redeploy)")
	}
	b.WriteString("\n")
	if r.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", r.URL)
	}
	if r.Validation != nil {
		for _, w := range r.Validation.Warnings {
			fmt.Fprintf(&b, "warning: %s\n", w)
		}
	}
	for _, l := range r.Logs {
		fmt.Fprintf(&b, "  %s\n", l)
	}
	return b.String()
}

package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/nstogner/godagent/pkg/container"
	"github.com/nstogner/godagent/pkg/tools/mcp"
)

type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]*container.Summary
	pingErr    error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{containers: map[string]*container.Summary{
		"web": {ID: "abc123", Name: "web", Image: "nginx:latest", State: "running"},
	}}
}

func (f *fakeEngine) get(ref string) (*container.Summary, error) {
	c, ok := f.containers[ref]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, container.ErrNotFound)
	}
	return c, nil
}

func (f *fakeEngine) List(ctx context.Context, all bool) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []container.Summary
	for _, c := range f.containers {
		if all || c.State == "running" {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeEngine) Run(ctx context.Context, spec container.RunSpec) (*container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &container.Summary{ID: "new", Name: spec.Name, Image: spec.Image, State: "running", Ports: spec.Ports}
	f.containers[spec.Name] = c
	return c, nil
}

func (f *fakeEngine) setState(ref, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(ref)
	if err != nil {
		return err
	}
	c.State = state
	return nil
}

func (f *fakeEngine) Start(ctx context.Context, ref string) error { return f.setState(ref, "running") }
func (f *fakeEngine) Stop(ctx context.Context, ref string) error  { return f.setState(ref, "exited") }

func (f *fakeEngine) Remove(ctx context.Context, ref string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(ref)
	if err != nil {
		return err
	}
	if c.State == "running" && !force {
		return errors.New("container is running, stop it first or use force")
	}
	delete(f.containers, ref)
	return nil
}

func (f *fakeEngine) Inspect(ctx context.Context, ref string) (*container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(ref)
	if err != nil {
		return nil, err
	}
	cp := *c
	return &cp, nil
}

func (f *fakeEngine) Logs(ctx context.Context, ref string, tail int) (string, error) {
	return fmt.Sprintf("last %d lines of %s", tail, ref), nil
}

func (f *fakeEngine) Build(ctx context.Context, r io.Reader, tag string) (string, error) {
	return "", errors.New("not supported")
}

func (f *fakeEngine) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakeEngine) Close() error                   { return nil }

func TestContainerTools(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine()
	b, err := mcp.InProcess(ctx, "container", NewServer(eng))
	if err != nil {
		t.Fatalf("InProcess: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	specs, err := b.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(specs) != 8 {
		t.Errorf("got %d tools, want 8", len(specs))
	}

	out, err := b.Invoke(ctx, "run_container", map[string]any{
		"image": "postgres:15",
		"name":  "db",
		"ports": "5432:5432",
		"env":   []any{"POSTGRES_PASSWORD=secret"},
	})
	if err != nil {
		t.Fatalf("run_container: %v", err)
	}
	if !strings.Contains(out.(string), "Successfully started container from image 'postgres:15'") {
		t.Errorf("run_container = %s", out)
	}

	if _, err := b.Invoke(ctx, "delete_container", map[string]any{"container": "db"}); err == nil {
		t.Error("deleting a running container without force succeeded")
	}
	if _, err := b.Invoke(ctx, "stop_container", map[string]any{"container": "db"}); err != nil {
		t.Fatalf("stop_container: %v", err)
	}
	if _, err := b.Invoke(ctx, "delete_container", map[string]any{"container": "db"}); err != nil {
		t.Fatalf("delete_container: %v", err)
	}

	out, err = b.Invoke(ctx, "get_logs", map[string]any{"container": "web", "tail": 5})
	if err != nil {
		t.Fatalf("get_logs: %v", err)
	}
	if out != "last 5 lines of web" {
		t.Errorf("get_logs = %q", out)
	}

	if _, err := b.Invoke(ctx, "inspect_container", map[string]any{"container": "ghost"}); err == nil {
		t.Error("inspect_container on a missing container succeeded")
	}

	eng.pingErr = errors.New("daemon down")
	out, err = b.Invoke(ctx, "system_status", nil)
	if err != nil {
		t.Fatalf("system_status: %v", err)
	}
	if !strings.Contains(out.(string), `"running": false`) {
		t.Errorf("system_status = %s", out)
	}
}

package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nstogner/godagent/pkg/domain"
)

// Backend is a source of tools: an MCP server, or a set of Go functions.
type Backend interface {
	// Name identifies the backend (e.g. "crypto", "filesystem").
	Name() string
	// ListTools enumerates the tools the backend offers.
	ListTools(ctx context.Context) ([]domain.ToolSpec, error)
	// Invoke calls the named tool.
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// Timeouter is implemented by backends that need a non-default call timeout.
type Timeouter interface {
	Timeout() time.Duration
}

// Tool defines a tool implemented in Go and served by a Local backend.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, input map[string]any) (any, error)
}

// Local is a Backend serving in-process Go tools.
type Local struct {
	name    string
	timeout time.Duration

	mu    sync.RWMutex
	tools map[string]Tool
}

// NewLocal creates an empty local backend.
func NewLocal(name string) *Local {
	return &Local{
		name:  name,
		tools: make(map[string]Tool),
	}
}

// WithTimeout overrides the dispatcher's default timeout for this backend.
func (l *Local) WithTimeout(d time.Duration) *Local {
	l.timeout = d
	return l
}

// Register adds a tool to the backend.
func (l *Local) Register(t Tool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tools[t.Name()] = t
}

func (l *Local) Name() string { return l.name }

func (l *Local) Timeout() time.Duration { return l.timeout }

func (l *Local) ListTools(ctx context.Context) ([]domain.ToolSpec, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	specs := make([]domain.ToolSpec, 0, len(l.tools))
	for _, t := range l.tools {
		specs = append(specs, domain.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.InputSchema(),
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs, nil
}

func (l *Local) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	l.mu.RLock()
	t, ok := l.tools[name]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool %q not found", name)
	}
	return t.Execute(ctx, args)
}

// FuncTool adapts a function to the Tool interface.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	Schema          map[string]any
	Fn              func(ctx context.Context, input map[string]any) (any, error)
}

func (f *FuncTool) Name() string                { return f.ToolName }
func (f *FuncTool) Description() string         { return f.ToolDescription }
func (f *FuncTool) InputSchema() map[string]any { return f.Schema }

func (f *FuncTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	return f.Fn(ctx, input)
}

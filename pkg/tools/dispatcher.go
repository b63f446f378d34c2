package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nstogner/godagent/pkg/domain"
)

// DefaultTimeout bounds every tool call unless the backend overrides it.
const DefaultTimeout = 30 * time.Second

type route struct {
	backend Backend
	spec    domain.ToolSpec
}

// Dispatcher routes tool calls to the backend that owns the tool name.
// Routes are resolved once when a backend connects.
type Dispatcher struct {
	timeout time.Duration

	mu       sync.RWMutex
	backends []Backend
	routes   map[string]route
	order    []string
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		timeout: DefaultTimeout,
		routes:  make(map[string]route),
	}
}

// SetDefaultTimeout changes the timeout used for backends without their own.
func (d *Dispatcher) SetDefaultTimeout(t time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeout = t
}

// Connect lists the tools of b and registers routes for them. A tool name
// already owned by another backend is skipped.
func (d *Dispatcher) Connect(ctx context.Context, b Backend) error {
	d.mu.RLock()
	for _, existing := range d.backends {
		if existing.Name() == b.Name() {
			d.mu.RUnlock()
			return fmt.Errorf("backend %q already connected", b.Name())
		}
	}
	timeout := d.timeoutFor(b)
	d.mu.RUnlock()

	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	specs, err := b.ListTools(lctx)
	if err != nil {
		return fmt.Errorf("listing tools of %q: %w", b.Name(), err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	added := 0
	for _, spec := range specs {
		if owner, ok := d.routes[spec.Name]; ok {
			slog.Warn("Duplicate tool name, skipping", "tool", spec.Name, "backend", b.Name(), "owner", owner.backend.Name())
			continue
		}
		spec.Parameters = SanitizeSchema(spec.Parameters)
		if spec.Parameters == nil {
			spec.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		d.routes[spec.Name] = route{backend: b, spec: spec}
		d.order = append(d.order, spec.Name)
		added++
	}
	d.backends = append(d.backends, b)
	slog.Info("Tool backend connected", "backend", b.Name(), "tools", added)
	return nil
}

// Disconnect drops the routes of the named backend and closes it if it is an io.Closer.
func (d *Dispatcher) Disconnect(name string) error {
	d.mu.Lock()
	var target Backend
	kept := d.backends[:0]
	for _, b := range d.backends {
		if b.Name() == name {
			target = b
			continue
		}
		kept = append(kept, b)
	}
	d.backends = kept
	if target == nil {
		d.mu.Unlock()
		return fmt.Errorf("backend %q not connected", name)
	}
	order := d.order[:0]
	for _, tool := range d.order {
		if d.routes[tool].backend == target {
			delete(d.routes, tool)
			continue
		}
		order = append(order, tool)
	}
	d.order = order
	d.mu.Unlock()

	if c, ok := target.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Backends returns the names of the connected backends.
func (d *Dispatcher) Backends() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.backends))
	for _, b := range d.backends {
		names = append(names, b.Name())
	}
	return names
}

// Tools returns the sanitized declarations of every routable tool, in
// connection order.
func (d *Dispatcher) Tools() []domain.ToolSpec {
	d.mu.RLock()
	defer d.mu.RUnlock()
	specs := make([]domain.ToolSpec, 0, len(d.order))
	for _, name := range d.order {
		specs = append(specs, d.routes[name].spec)
	}
	return specs
}

// Owner returns the backend name serving tool.
func (d *Dispatcher) Owner(tool string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.routes[tool]
	if !ok {
		return "", false
	}
	return r.backend.Name(), true
}

// Dispatch executes call and never returns a Go error: every failure,
// including a panic in the backend, is reported in the Result.
func (d *Dispatcher) Dispatch(ctx context.Context, call domain.ToolCall) Result {
	d.mu.RLock()
	r, ok := d.routes[call.Name]
	var timeout time.Duration
	if ok {
		timeout = d.timeoutFor(r.backend)
	}
	d.mu.RUnlock()
	if !ok {
		return failure(KindUnknownTool, "tool %q is not available", call.Name)
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	for _, req := range requiredNames(r.spec.Parameters["required"]) {
		if _, ok := args[req]; !ok {
			return failure(KindInvalidArguments, "missing required argument %q", req)
		}
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		v, err := r.backend.Invoke(cctx, call.Name, args)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		slog.Debug("Tool call finished", "tool", call.Name, "backend", r.backend.Name(), "duration", time.Since(start), "error", o.err)
		if o.err != nil {
			if errors.Is(o.err, context.DeadlineExceeded) && cctx.Err() != nil {
				return failure(KindTimeout, "tool %q timed out after %s", call.Name, timeout)
			}
			return failure(KindBackend, "%v", o.err)
		}
		return Result{Value: o.value}
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			slog.Warn("Tool call timed out", "tool", call.Name, "timeout", timeout)
			return failure(KindTimeout, "tool %q timed out after %s", call.Name, timeout)
		}
		return failure(KindBackend, "tool %q cancelled: %v", call.Name, cctx.Err())
	}
}

// Close disconnects every backend.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, name := range d.Backends() {
		if err := d.Disconnect(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// timeoutFor must be called with d.mu held.
func (d *Dispatcher) timeoutFor(b Backend) time.Duration {
	if t, ok := b.(Timeouter); ok && t.Timeout() > 0 {
		return t.Timeout()
	}
	return d.timeout
}

package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nstogner/godagent/pkg/domain"
)

func echoBackend(name string) *Local {
	l := NewLocal(name)
	l.Register(&FuncTool{
		ToolName:        "echo",
		ToolDescription: "Echo the message.",
		Schema: map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
			},
			"required": []any{"message"},
		},
		Fn: func(ctx context.Context, input map[string]any) (any, error) {
			return input["message"], nil
		},
	})
	return l
}

func TestDispatch(t *testing.T) {
	d := NewDispatcher()
	ctx := context.Background()
	if err := d.Connect(ctx, echoBackend("local")); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	res := d.Dispatch(ctx, domain.ToolCall{Name: "echo", Arguments: map[string]any{"message": "hi"}})
	if !res.OK() {
		t.Fatalf("Dispatch error: %v", res.Err)
	}
	if res.Text() != "hi" {
		t.Errorf("Text = %q, want %q", res.Text(), "hi")
	}

	specs := d.Tools()
	if len(specs) != 1 {
		t.Fatalf("Tools len = %d, want 1", len(specs))
	}
	if _, ok := specs[0].Parameters["additionalProperties"]; ok {
		t.Error("additionalProperties not stripped from advertised schema")
	}
}

func TestDispatchErrors(t *testing.T) {
	d := NewDispatcher()
	ctx := context.Background()

	l := NewLocal("faulty").WithTimeout(50 * time.Millisecond)
	l.Register(&FuncTool{ToolName: "boom", Fn: func(ctx context.Context, _ map[string]any) (any, error) {
		return nil, errors.New("file not found")
	}})
	l.Register(&FuncTool{ToolName: "panics", Fn: func(ctx context.Context, _ map[string]any) (any, error) {
		panic("nil map")
	}})
	l.Register(&FuncTool{ToolName: "slow", Fn: func(ctx context.Context, _ map[string]any) (any, error) {
		time.Sleep(time.Second)
		return "late", nil
	}})
	if err := d.Connect(ctx, l); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := d.Connect(ctx, echoBackend("local")); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	cases := []struct {
		call domain.ToolCall
		kind ErrorKind
	}{
		{domain.ToolCall{Name: "missing"}, KindUnknownTool},
		{domain.ToolCall{Name: "echo"}, KindInvalidArguments},
		{domain.ToolCall{Name: "boom"}, KindBackend},
		{domain.ToolCall{Name: "panics"}, KindBackend},
		{domain.ToolCall{Name: "slow"}, KindTimeout},
	}
	for _, c := range cases {
		res := d.Dispatch(ctx, c.call)
		if res.OK() {
			t.Errorf("Dispatch(%s) succeeded, want %s", c.call.Name, c.kind)
			continue
		}
		if res.Err.Kind != c.kind {
			t.Errorf("Dispatch(%s) kind = %s, want %s (%s)", c.call.Name, res.Err.Kind, c.kind, res.Err.Message)
		}
	}

	tr := d.Dispatch(ctx, domain.ToolCall{ID: "c1", Name: "boom"}).ToolResult(domain.ToolCall{ID: "c1", Name: "boom"})
	if !tr.IsError() || !strings.Contains(tr.Error, "file not found") {
		t.Errorf("ToolResult = %+v", tr)
	}
}

func TestConnectDuplicates(t *testing.T) {
	d := NewDispatcher()
	ctx := context.Background()
	if err := d.Connect(ctx, echoBackend("a")); err != nil {
		t.Fatalf("Connect a: %v", err)
	}
	if err := d.Connect(ctx, echoBackend("a")); err == nil {
		t.Error("Connect with same backend name succeeded, want error")
	}
	if err := d.Connect(ctx, echoBackend("b")); err != nil {
		t.Fatalf("Connect b: %v", err)
	}
	if owner, _ := d.Owner("echo"); owner != "a" {
		t.Errorf("Owner(echo) = %q, want a", owner)
	}
	if len(d.Tools()) != 1 {
		t.Errorf("Tools len = %d, want 1", len(d.Tools()))
	}

	if err := d.Disconnect("a"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if len(d.Tools()) != 0 {
		t.Errorf("Tools after disconnect = %d, want 0", len(d.Tools()))
	}
	if diff := cmp.Diff([]string{"b"}, d.Backends()); diff != "" {
		t.Errorf("Backends (-want +got):\n%s", diff)
	}
}

func TestSanitizeSchema(t *testing.T) {
	in := map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"limit": map[string]any{
				"type":             "integer",
				"exclusiveMinimum": 0,
				"minimum":          1,
				"examples":         []any{10},
			},
			"when": map[string]any{"type": "string", "format": "date-time"},
			"uri":  map[string]any{"type": "string", "format": "uri"},
			"tags": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string", "default": "x"},
			},
		},
		"required": []any{"limit"},
	}
	want := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"limit": map[string]any{"type": "integer", "minimum": 1},
			"when":  map[string]any{"type": "string", "format": "date-time"},
			"uri":   map[string]any{"type": "string"},
			"tags": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []string{"limit"},
	}
	if diff := cmp.Diff(want, SanitizeSchema(in)); diff != "" {
		t.Errorf("SanitizeSchema (-want +got):\n%s", diff)
	}
	if _, ok := in["$schema"]; !ok {
		t.Error("input schema was modified")
	}
}

func TestResultText(t *testing.T) {
	r := Result{Value: map[string]any{"price": 65000, "currency": "usd"}}
	if got, want := r.Text(), `{"currency":"usd","price":65000}`; got != want {
		t.Errorf("Text = %q, want %q", got, want)
	}
}

package tools

import (
	"encoding/json"
	"fmt"

	"github.com/nstogner/godagent/pkg/domain"
)

// ErrorKind classifies a failed tool call.
type ErrorKind string

const (
	KindUnknownTool      ErrorKind = "unknown_tool"
	KindInvalidArguments ErrorKind = "invalid_arguments"
	KindTimeout          ErrorKind = "timeout"
	KindBackend          ErrorKind = "backend"
)

// Error describes why a tool call failed.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// Result is the outcome of a dispatched call: a value, or an error.
type Result struct {
	Value any    `json:"value,omitempty"`
	Err   *Error `json:"error,omitempty"`
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Text renders the value as the string handed back to the model.
func (r Result) Text() string {
	switch v := r.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	}
	b, err := json.Marshal(r.Value)
	if err != nil {
		return fmt.Sprint(r.Value)
	}
	return string(b)
}

// ToolResult folds the result into the message payload for call.
func (r Result) ToolResult(call domain.ToolCall) *domain.ToolResult {
	tr := &domain.ToolResult{ToolCallID: call.ID, Name: call.Name}
	if r.Err != nil {
		tr.Error = r.Err.Error()
	} else {
		tr.Content = r.Text()
	}
	return tr
}

func failure(kind ErrorKind, format string, args ...any) Result {
	return Result{Err: &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}}
}

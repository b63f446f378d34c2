// Package agent drives a user turn to completion: it calls the model,
// executes the tool calls it requests and feeds the results back until the
// model answers in plain text.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nstogner/godagent/pkg/conversation"
	"github.com/nstogner/godagent/pkg/domain"
	"github.com/nstogner/godagent/pkg/model"
	"github.com/nstogner/godagent/pkg/tools"
)

// MaxIterations caps the model round-trips of a single turn.
const MaxIterations = 10

// ErrMaxIterations is reported when a turn needs more than MaxIterations round-trips.
var ErrMaxIterations = errors.New("max iterations reached")

// ErrorKind classifies a failed turn.
type ErrorKind string

const (
	KindProvider    ErrorKind = "provider"
	KindBudget      ErrorKind = "budget"
	KindPersistence ErrorKind = "persistence"
	KindCanceled    ErrorKind = "canceled"
)

// TurnError is a recoverable turn failure; the conversation stays usable.
type TurnError struct {
	Kind      ErrorKind
	Iteration int
	Err       error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed (%s, iteration %d): %v", e.Kind, e.Iteration, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// ToolRunner advertises and executes tools. *tools.Dispatcher implements it.
type ToolRunner interface {
	Tools() []domain.ToolSpec
	Dispatch(ctx context.Context, call domain.ToolCall) tools.Result
}

// EventType identifies an Observer notification.
type EventType string

const (
	EventModelCall   EventType = "model_call"
	EventToolStart   EventType = "tool_start"
	EventToolFinish  EventType = "tool_finish"
	EventCompressed  EventType = "compressed"
	EventCompressErr EventType = "compress_error"
)

// Event reports progress of a turn.
type Event struct {
	Type      EventType
	Iteration int
	Call      domain.ToolCall
	Result    tools.Result
	// Duplicate is set on tool events for a call that reused an earlier result.
	Duplicate bool
	Duration  time.Duration
	// Compressed is the number of messages folded into a digest.
	Compressed int
	Err        error
}

// Observer receives turn events. It is called synchronously.
type Observer func(Event)

// Agent runs turns against a provider and a set of tools.
type Agent struct {
	provider   model.Provider
	tools      ToolRunner
	summarizer conversation.Summarizer
	observer   Observer
}

// Option configures an Agent.
type Option func(*Agent)

// WithObserver registers a callback for turn events.
func WithObserver(o Observer) Option {
	return func(a *Agent) { a.observer = o }
}

// WithSummarizer overrides the summarizer used for compression.
func WithSummarizer(s conversation.Summarizer) Option {
	return func(a *Agent) { a.summarizer = s }
}

// New creates an agent. tools may be nil for a tool-less agent.
func New(provider model.Provider, tools ToolRunner, opts ...Option) *Agent {
	a := &Agent{provider: provider, tools: tools}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Provider returns the model provider of the agent.
func (a *Agent) Provider() model.Provider { return a.provider }

// Summarizer returns the summarizer used for compression. Without an
// explicit one, the agent's own provider is used with settings.
func (a *Agent) Summarizer(settings model.Settings) conversation.Summarizer {
	if a.summarizer != nil {
		return a.summarizer
	}
	return &ModelSummarizer{Provider: a.provider, Settings: settings}
}

// Outcome is the result of Send.
type Outcome struct {
	Answer string
	// InputCompressed is set when the user input was summarized before it was appended.
	InputCompressed bool
	// InputErr is the non-fatal error of a failed input compression.
	InputErr error
	// Compressed is the number of messages folded by auto-compression.
	Compressed int
	// CompressErr is the non-fatal error of a failed auto-compression.
	CompressErr error
}

// Send pre-compresses over-long input, appends it as a user message and runs a turn.
func (a *Agent) Send(ctx context.Context, conv *conversation.Conversation, settings model.Settings, input string) (*Outcome, error) {
	out := &Outcome{}
	text, changed, err := conv.PrepareInput(ctx, input, a.Summarizer(settings))
	if err != nil {
		slog.Warn("Input compression failed, sending raw input", "error", err)
		out.InputErr = err
	}
	out.InputCompressed = changed

	if _, err := conv.Append(ctx, domain.Message{Role: domain.RoleUser, Text: text}); err != nil {
		return nil, &TurnError{Kind: KindPersistence, Err: err}
	}

	if err := a.turn(ctx, conv, settings, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Turn runs the orchestration loop on conv, whose last message is the new
// user input, and returns the final text answer.
func (a *Agent) Turn(ctx context.Context, conv *conversation.Conversation, settings model.Settings) (string, error) {
	var out Outcome
	if err := a.turn(ctx, conv, settings, &out); err != nil {
		return "", err
	}
	return out.Answer, nil
}

func (a *Agent) turn(ctx context.Context, conv *conversation.Conversation, settings model.Settings, out *Outcome) error {
	var specs []domain.ToolSpec
	if a.tools != nil {
		specs = a.tools.Tools()
	}

	iteration := 0
	for {
		iteration++
		if iteration > MaxIterations {
			slog.Warn("Turn aborted", "dialogID", conv.DialogID(), "reason", ErrMaxIterations)
			return &TurnError{Kind: KindBudget, Iteration: MaxIterations, Err: ErrMaxIterations}
		}
		if err := ctx.Err(); err != nil {
			return &TurnError{Kind: KindCanceled, Iteration: iteration, Err: err}
		}

		a.emit(Event{Type: EventModelCall, Iteration: iteration})
		reply, err := a.call(ctx, conv, settings, specs)
		if err != nil {
			kind := KindProvider
			if ctx.Err() != nil {
				kind = KindCanceled
			}
			return &TurnError{Kind: kind, Iteration: iteration, Err: err}
		}
		conv.AddUsage(reply.Usage)

		if len(reply.ToolCalls) == 0 {
			if _, err := conv.Append(ctx, domain.Message{Role: domain.RoleAssistant, Text: reply.Text}); err != nil {
				return &TurnError{Kind: KindPersistence, Iteration: iteration, Err: err}
			}
			out.Answer = reply.Text
			out.Compressed, out.CompressErr = a.autoCompress(ctx, conv, settings)
			return nil
		}

		if _, err := conv.Append(ctx, domain.Message{
			Role:      domain.RoleToolRequest,
			Text:      reply.Text,
			ToolCalls: reply.ToolCalls,
		}); err != nil {
			return &TurnError{Kind: KindPersistence, Iteration: iteration, Err: err}
		}

		if err := a.runTools(ctx, conv, iteration, reply.ToolCalls); err != nil {
			return &TurnError{Kind: KindPersistence, Iteration: iteration, Err: err}
		}
	}
}

func (a *Agent) call(ctx context.Context, conv *conversation.Conversation, settings model.Settings, specs []domain.ToolSpec) (model.Reply, error) {
	stream, err := a.provider.Stream(ctx, model.Request{
		Settings: settings,
		Messages: conv.Messages(),
		Tools:    specs,
	})
	if err != nil {
		return model.Reply{}, fmt.Errorf("streaming model: %w", err)
	}
	defer stream.Close()

	reply, err := stream.FullMessage()
	if err != nil {
		return model.Reply{}, fmt.Errorf("getting model response: %w", err)
	}
	return reply, nil
}

// runTools executes the unique calls in order and appends one tool_result
// message per requested call.
func (a *Agent) runTools(ctx context.Context, conv *conversation.Conversation, iteration int, calls []domain.ToolCall) error {
	seen := make(map[string]tools.Result, len(calls))
	for _, call := range calls {
		key := callKey(call)
		res, dup := seen[key]
		if dup {
			slog.Info("Skipping duplicate tool call", "tool", call.Name)
			a.emit(Event{Type: EventToolFinish, Iteration: iteration, Call: call, Result: res, Duplicate: true})
		} else {
			a.emit(Event{Type: EventToolStart, Iteration: iteration, Call: call})
			start := time.Now()
			if a.tools == nil {
				res = tools.Result{Err: &tools.Error{Kind: tools.KindUnknownTool, Message: fmt.Sprintf("tool %q is not available", call.Name)}}
			} else {
				res = a.tools.Dispatch(ctx, call)
			}
			seen[key] = res
			if !res.OK() {
				slog.Warn("Tool call failed", "tool", call.Name, "kind", res.Err.Kind, "error", res.Err.Message)
			}
			a.emit(Event{Type: EventToolFinish, Iteration: iteration, Call: call, Result: res, Duration: time.Since(start)})
		}

		if _, err := conv.Append(ctx, domain.Message{
			Role:       domain.RoleToolResult,
			ToolResult: res.ToolResult(call),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) autoCompress(ctx context.Context, conv *conversation.Conversation, settings model.Settings) (int, error) {
	if !conv.ShouldCompress() {
		return 0, nil
	}
	n, err := conv.Compress(ctx, a.Summarizer(settings))
	if err != nil {
		slog.Error("Auto-compression failed", "dialogID", conv.DialogID(), "error", err)
		a.emit(Event{Type: EventCompressErr, Err: err})
		return 0, err
	}
	a.emit(Event{Type: EventCompressed, Compressed: n})
	return n, nil
}

func (a *Agent) emit(e Event) {
	if a.observer != nil {
		a.observer(e)
	}
}

// callKey identifies a call by name and canonical arguments. encoding/json
// sorts map keys, so equal argument maps produce equal keys.
func callKey(call domain.ToolCall) string {
	args, err := json.Marshal(call.Arguments)
	if err != nil {
		return call.Name + "\x00" + fmt.Sprint(call.Arguments)
	}
	if string(args) == "null" {
		args = []byte("{}")
	}
	return call.Name + "\x00" + string(args)
}

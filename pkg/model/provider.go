package model

import (
	"context"

	"github.com/nstogner/godagent/pkg/domain"
)

// Request is a single call to the LLM.
type Request struct {
	// Settings carries the model name, system instruction and sampling parameters.
	Settings Settings
	// Messages is the conversation history, oldest first.
	Messages []domain.Message
	// Tools lists the callable tools. Parameters must already be sanitized.
	Tools []domain.ToolSpec
}

// Usage holds the token counters reported by the provider.
type Usage struct {
	Prompt   int `json:"prompt_tokens"`
	Response int `json:"response_tokens"`
	Total    int `json:"total_tokens"`
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		Prompt:   u.Prompt + o.Prompt,
		Response: u.Response + o.Response,
		Total:    u.Total + o.Total,
	}
}

// Reply is the complete response of one LLM call: either text or one or more
// tool calls (a reply may carry both, in which case the tool calls win).
type Reply struct {
	Text      string
	ToolCalls []domain.ToolCall
	Usage     Usage
}

// Provider represents a service that provides LLMs (e.g. Gemini, Ollama).
type Provider interface {
	// Name returns the provider's identifier (e.g. "gemini", "ollama").
	Name() string

	// List returns the available models from this provider.
	List(ctx context.Context) ([]domain.Model, error)

	// Stream sends a request to the LLM and returns a stream of responses.
	Stream(ctx context.Context, req Request) (ModelStream, error)
}

// ModelStream abstracts the stream of responses from the model.
type ModelStream interface {
	// FullMessage blocks until the complete response is available and returns it.
	FullMessage() (Reply, error)

	// Close releases resources associated with this stream.
	Close() error
}

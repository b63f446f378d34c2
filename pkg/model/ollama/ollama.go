package ollama

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/nstogner/godagent/pkg/domain"
	"github.com/nstogner/godagent/pkg/model"
	"github.com/ollama/ollama/api"
)

// DefaultHost is used when no host is configured.
const DefaultHost = "http://localhost:11434"

// Provider implements model.Provider against a local Ollama server.
type Provider struct {
	client *api.Client
}

var _ model.Provider = (*Provider)(nil)

// New creates a provider for the Ollama server at host.
func New(host string) (*Provider, error) {
	if host == "" {
		host = DefaultHost
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama URL: %w", err)
	}
	return &Provider{client: api.NewClient(u, http.DefaultClient)}, nil
}

// Client exposes the underlying API client (shared with the embedder).
func (p *Provider) Client() *api.Client { return p.client }

func (p *Provider) Name() string { return "ollama" }

func (p *Provider) List(ctx context.Context) ([]domain.Model, error) {
	resp, err := p.client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	models := make([]domain.Model, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, domain.Model{
			ID:       m.Name,
			Name:     m.Name,
			Provider: "ollama",
		})
	}
	return models, nil
}

// Stream starts the chat request in the background; FullMessage collects it.
func (p *Provider) Stream(ctx context.Context, req model.Request) (model.ModelStream, error) {
	slog.Debug("Ollama.Stream", "model", req.Settings.Model, "messageCount", len(req.Messages), "toolCount", len(req.Tools))

	s := req.Settings
	messages := toMessages(req.Messages)
	if s.SystemInstruction != "" {
		messages = append([]api.Message{{Role: "system", Content: s.SystemInstruction}}, messages...)
	}

	streaming := false
	chatReq := &api.ChatRequest{
		Model:    s.Model,
		Messages: messages,
		Tools:    toTools(req.Tools),
		Stream:   &streaming,
		Options: map[string]any{
			"temperature": s.Temperature,
			"top_k":       s.TopK,
			"top_p":       s.TopP,
			"num_predict": s.MaxOutputTokens,
		},
	}

	streamCtx, cancel := context.WithCancel(ctx)
	st := &ollamaStream{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(st.done)
		var text strings.Builder
		st.err = p.client.Chat(streamCtx, chatReq, func(resp api.ChatResponse) error {
			text.WriteString(resp.Message.Content)
			for _, tc := range resp.Message.ToolCalls {
				st.reply.ToolCalls = append(st.reply.ToolCalls, domain.ToolCall{
					ID:        "call-" + uuid.New().String(),
					Name:      tc.Function.Name,
					Arguments: map[string]any(tc.Function.Arguments),
				})
			}
			if resp.Done {
				st.reply.Usage = model.Usage{
					Prompt:   resp.PromptEvalCount,
					Response: resp.EvalCount,
					Total:    resp.PromptEvalCount + resp.EvalCount,
				}
			}
			return nil
		})
		st.reply.Text = text.String()
	}()
	return st, nil
}

type ollamaStream struct {
	cancel context.CancelFunc
	done   chan struct{}
	reply  model.Reply
	err    error
}

func (s *ollamaStream) FullMessage() (model.Reply, error) {
	<-s.done
	if s.err != nil {
		return model.Reply{}, s.err
	}
	return s.reply, nil
}

func (s *ollamaStream) Close() error {
	s.cancel()
	return nil
}

func toMessages(msgs []domain.Message) []api.Message {
	out := make([]api.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case domain.RoleUser, domain.RoleDigest:
			out = append(out, api.Message{Role: "user", Content: m.Text})
		case domain.RoleAssistant:
			out = append(out, api.Message{Role: "assistant", Content: m.Text})
		case domain.RoleToolRequest:
			msg := api.Message{Role: "assistant", Content: m.Text}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, api.ToolCall{
					Function: api.ToolCallFunction{
						Name:      tc.Name,
						Arguments: api.ToolCallFunctionArguments(tc.Arguments),
					},
				})
			}
			out = append(out, msg)
		case domain.RoleToolResult:
			if m.ToolResult == nil {
				continue
			}
			content := m.ToolResult.Content
			if m.ToolResult.IsError() {
				content = "Error: " + m.ToolResult.Error
			}
			out = append(out, api.Message{Role: "tool", Content: content, ToolName: m.ToolResult.Name})
		}
	}
	return out
}

func toTools(specs []domain.ToolSpec) api.Tools {
	if len(specs) == 0 {
		return nil
	}
	tools := make(api.Tools, 0, len(specs))
	for _, spec := range specs {
		params := api.ToolFunctionParameters{
			Type:       "object",
			Properties: make(map[string]api.ToolProperty),
		}
		if t, ok := spec.Parameters["type"].(string); ok {
			params.Type = t
		}
		params.Required = stringSlice(spec.Parameters["required"])
		if props, ok := spec.Parameters["properties"].(map[string]any); ok {
			for name, raw := range props {
				pm, _ := raw.(map[string]any)
				params.Properties[name] = toProperty(pm)
			}
		}
		tools = append(tools, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

func toProperty(m map[string]any) api.ToolProperty {
	var prop api.ToolProperty
	switch t := m["type"].(type) {
	case string:
		prop.Type = api.PropertyType{t}
	case []any:
		prop.Type = api.PropertyType(stringSlice(t))
	}
	if d, ok := m["description"].(string); ok {
		prop.Description = d
	}
	if e, ok := m["enum"].([]any); ok {
		prop.Enum = e
	}
	if items, ok := m["items"]; ok {
		prop.Items = items
	}
	return prop
}

func stringSlice(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, e := range vs {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

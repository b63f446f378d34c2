package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/nstogner/godagent/pkg/domain"
	"github.com/nstogner/godagent/pkg/model"
	"google.golang.org/genai"
)

// Provider implements model.Provider using the Google Gen AI SDK.
type Provider struct {
	client *genai.Client
}

// Verify interface compliance.
var _ model.Provider = (*Provider)(nil)

// New creates a new Gemini provider.
func New(ctx context.Context, apiKey string) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: NewHTTPClient(apiKey),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "gemini" }

// List returns available Gemini models.
func (p *Provider) List(ctx context.Context) ([]domain.Model, error) {
	var models []domain.Model
	for m, err := range p.client.Models.All(ctx) {
		if err != nil {
			return nil, err
		}

		// Filter for models that support generateContent.
		supportsGenerate := false
		if !strings.Contains(strings.ToLower(m.Name), "gemma") {
			for _, action := range m.SupportedActions {
				if action == "generateContent" {
					supportsGenerate = true
					break
				}
			}
		}

		if supportsGenerate {
			models = append(models, domain.Model{
				ID:        strings.TrimPrefix(m.Name, "models/"),
				Name:      m.DisplayName,
				Provider:  "gemini",
				MaxTokens: int(m.InputTokenLimit),
			})
		}
	}
	return models, nil
}

// Stream sends a request to Gemini and returns a stream.
func (p *Provider) Stream(ctx context.Context, req model.Request) (model.ModelStream, error) {
	slog.Debug("Gemini.Stream", "model", req.Settings.Model, "messageCount", len(req.Messages), "toolCount", len(req.Tools))

	contents := toContents(req.Messages)
	if len(contents) == 0 {
		return nil, fmt.Errorf("no messages to send")
	}

	s := req.Settings
	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(s.Temperature),
		TopK:            genai.Ptr(float32(s.TopK)),
		TopP:            genai.Ptr(s.TopP),
		MaxOutputTokens: s.MaxOutputTokens,
		Tools:           buildToolDeclarations(req.Tools),
	}
	if s.SystemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: s.SystemInstruction}},
		}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	iter := p.client.Models.GenerateContentStream(streamCtx, s.Model, contents, config)

	return &geminiStream{
		iter:   iter,
		cancel: cancel,
	}, nil
}

// toContents converts conversation messages to genai contents. Consecutive
// tool results are merged into one user turn, and a tool result whose call is
// no longer in the window (it was compressed away) is sent as plain text.
func toContents(messages []domain.Message) []*genai.Content {
	var contents []*genai.Content
	knownCalls := make(map[string]bool)
	lastWasResult := false

	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleUser, domain.RoleDigest:
			if msg.Text == "" {
				continue
			}
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Text}},
			})
			lastWasResult = false

		case domain.RoleAssistant:
			if msg.Text == "" {
				continue
			}
			contents = append(contents, &genai.Content{
				Role:  "model",
				Parts: []*genai.Part{{Text: msg.Text}},
			})
			lastWasResult = false

		case domain.RoleToolRequest:
			var parts []*genai.Part
			if msg.Text != "" {
				parts = append(parts, &genai.Part{Text: msg.Text})
			}
			for _, tc := range msg.ToolCalls {
				knownCalls[tc.ID] = true
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   tc.ID,
						Name: tc.Name,
						Args: tc.Arguments,
					},
					ThoughtSignature: tc.ThoughtSignature,
				})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "model", Parts: parts})
			}
			lastWasResult = false

		case domain.RoleToolResult:
			tr := msg.ToolResult
			if tr == nil {
				continue
			}
			var part *genai.Part
			if knownCalls[tr.ToolCallID] {
				response := map[string]any{"result": tr.Content}
				if tr.IsError() {
					response = map[string]any{"error": tr.Error}
				}
				part = &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       tr.ToolCallID,
					Name:     tr.Name,
					Response: response,
				}}
			} else {
				text := fmt.Sprintf("Result of tool %s: %s", tr.Name, tr.Content)
				if tr.IsError() {
					text = fmt.Sprintf("Tool %s failed: %s", tr.Name, tr.Error)
				}
				part = &genai.Part{Text: text}
			}
			if lastWasResult {
				last := contents[len(contents)-1]
				last.Parts = append(last.Parts, part)
			} else {
				contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{part}})
			}
			lastWasResult = true
		}
	}
	return contents
}

func buildToolDeclarations(specs []domain.ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		decl := &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
		}
		if len(spec.Parameters) > 0 {
			decl.Parameters = toSchema(spec.Parameters)
		}
		decls = append(decls, decl)
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// geminiStream wraps the Gemini streaming iterator.
type geminiStream struct {
	iter   func(yield func(*genai.GenerateContentResponse, error) bool)
	cancel context.CancelFunc
}

func (s *geminiStream) FullMessage() (model.Reply, error) {
	var fullText strings.Builder
	var reply model.Reply

	for resp, err := range s.iter {
		if err != nil {
			return model.Reply{}, err
		}
		if resp == nil {
			continue
		}
		if u := resp.UsageMetadata; u != nil {
			// Usage is cumulative; the last chunk carries the totals.
			reply.Usage = model.Usage{
				Prompt:   int(u.PromptTokenCount),
				Response: int(u.CandidatesTokenCount),
				Total:    int(u.TotalTokenCount),
			}
		}

		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part.Text != "" && !part.Thought {
					fullText.WriteString(part.Text)
				}
				if part.FunctionCall != nil {
					fc := part.FunctionCall
					id := fc.ID
					if id == "" {
						id = "call-" + uuid.New().String()
					}
					args := fc.Args
					if args == nil {
						args = map[string]any{}
					}
					reply.ToolCalls = append(reply.ToolCalls, domain.ToolCall{
						ID:               id,
						Name:             fc.Name,
						Arguments:        args,
						ThoughtSignature: part.ThoughtSignature,
					})
				}
			}
		}
	}

	reply.Text = fullText.String()
	return reply, nil
}

func (s *geminiStream) Close() error {
	s.cancel()
	return nil
}

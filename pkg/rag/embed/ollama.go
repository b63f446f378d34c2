package embed

import (
	"context"
	"fmt"

	"github.com/ollama/ollama/api"
)

const DefaultOllamaModel = "nomic-embed-text"

// Ollama embeds text with a local Ollama server.
type Ollama struct {
	client *api.Client
	model  string
}

var _ Embedder = (*Ollama)(nil)

func NewOllama(client *api.Client, model string) *Ollama {
	if model == "" {
		model = DefaultOllamaModel
	}
	return &Ollama{client: client, model: model}
}

func (o *Ollama) Name() string { return "ollama/" + o.model }

func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := o.client.Embed(ctx, &api.EmbedRequest{Model: o.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed: got %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

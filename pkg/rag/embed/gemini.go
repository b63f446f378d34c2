package embed

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/nstogner/godagent/pkg/model/gemini"
)

const (
	DefaultGeminiModel = "text-embedding-004"

	// geminiBatchLimit is the maximum number of texts per BatchEmbedContents call.
	geminiBatchLimit = 100
)

// Gemini embeds text with the Gemini embedding API.
type Gemini struct {
	client *genai.Client
	model  string
}

var _ Embedder = (*Gemini)(nil)

func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if model == "" {
		model = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey), option.WithHTTPClient(gemini.NewHTTPClient(apiKey)))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Name() string { return "gemini/" + g.model }

func (g *Gemini) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	em := g.client.EmbeddingModel(g.model)
	out := make([][]float32, 0, len(texts))
	for batch := range slices.Chunk(texts, geminiBatchLimit) {
		b := em.NewBatch()
		for _, t := range batch {
			b.AddContent(genai.Text(t))
		}
		res, err := em.BatchEmbedContents(ctx, b)
		if err != nil {
			return nil, fmt.Errorf("embedding batch: %w", err)
		}
		if len(res.Embeddings) != len(batch) {
			return nil, fmt.Errorf("embedding batch: got %d embeddings for %d texts", len(res.Embeddings), len(batch))
		}
		for _, e := range res.Embeddings {
			out = append(out, e.Values)
		}
	}
	return out, nil
}

// Models lists the Gemini models that support embedContent.
func (g *Gemini) Models(ctx context.Context) ([]string, error) {
	var names []string
	iter := g.client.ListModels(ctx)
	for {
		m, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing models: %w", err)
		}
		if slices.Contains(m.SupportedGenerationMethods, "embedContent") {
			names = append(names, strings.TrimPrefix(m.Name, "models/"))
		}
	}
	return names, nil
}

func (g *Gemini) Close() error { return g.client.Close() }

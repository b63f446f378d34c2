// Package embed turns text into embedding vectors.
package embed

import "context"

// Embedder generates one embedding per input text, in input order.
type Embedder interface {
	// Name identifies the embedding model, e.g. "gemini/text-embedding-004".
	Name() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

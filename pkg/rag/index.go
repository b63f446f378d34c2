package rag

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/nstogner/godagent/pkg/domain"
	"github.com/nstogner/godagent/pkg/model"
	"github.com/nstogner/godagent/pkg/rag/embed"
	"github.com/nstogner/godagent/pkg/store"
)

// DefaultCandidates is the number of vector search hits handed to the reranker.
const DefaultCandidates = 20

// Index stores chunk embeddings and retrieves context for questions.
type Index struct {
	store    store.ChunkStore
	embedder embed.Embedder
	chunker  *Chunker
	reranker *Reranker

	// Candidates is the number of nearest chunks considered per query.
	Candidates int
}

// IndexStats summarizes an indexing run.
type IndexStats struct {
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
	Replaced  int `json:"replaced"`
}

// Answer is the reply to a question together with the context it used.
type Answer struct {
	Text    string                `json:"answer"`
	Sources []domain.SearchResult `json:"sources"`
}

// NewIndex builds an index. A nil reranker returns plain vector search results.
func NewIndex(st store.ChunkStore, e embed.Embedder, c *Chunker, r *Reranker) *Index {
	return &Index{store: st, embedder: e, chunker: c, reranker: r, Candidates: DefaultCandidates}
}

// Add loads, chunks, embeds and stores the document(s) at path. Sources that
// were indexed before are replaced.
func (x *Index) Add(ctx context.Context, path string) (IndexStats, error) {
	var stats IndexStats
	docs, err := Load(path)
	if err != nil {
		return stats, err
	}
	for _, doc := range docs {
		chunks := x.chunker.Chunk(doc)
		if len(chunks) == 0 {
			continue
		}
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vecs, err := x.embedder.Embed(ctx, texts)
		if err != nil {
			return stats, fmt.Errorf("embedding %s: %w", doc.Source, err)
		}
		for i := range chunks {
			chunks[i].Embedding = vecs[i]
			chunks[i].Metadata["embedder"] = x.embedder.Name()
		}

		removed, err := x.store.DeleteSource(ctx, doc.Source)
		if err != nil {
			return stats, fmt.Errorf("replacing %s: %w", doc.Source, err)
		}
		if err := x.store.AddChunks(ctx, chunks); err != nil {
			return stats, fmt.Errorf("storing %s: %w", doc.Source, err)
		}
		stats.Documents++
		stats.Chunks += len(chunks)
		stats.Replaced += removed
		slog.Info("Indexed document", "source", doc.Source, "chunks", len(chunks))
	}
	return stats, nil
}

// Remove drops every chunk of source.
func (x *Index) Remove(ctx context.Context, source string) (int, error) {
	return x.store.DeleteSource(ctx, source)
}

func (x *Index) Sources(ctx context.Context) (map[string]int, error) {
	return x.store.Sources(ctx)
}

// Search returns the chunks most relevant to query, reranked when the index
// has a reranker.
func (x *Index) Search(ctx context.Context, query string, k int) ([]domain.SearchResult, error) {
	vecs, err := x.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	chunks, err := x.store.Chunks(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading chunks: %w", err)
	}

	candidates := Nearest(chunks, vecs[0], max(x.Candidates, k))
	if x.reranker == nil {
		if k > 0 && len(candidates) > k {
			candidates = candidates[:k]
		}
		return candidates, nil
	}
	results, _ := x.reranker.Rerank(ctx, query, candidates)
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Ask answers question from the indexed documents.
func (x *Index) Ask(ctx context.Context, p model.Provider, settings model.Settings, question string) (*Answer, error) {
	results, err := x.Search(ctx, question, DefaultTopK)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return &Answer{Text: "No relevant documents found in the index."}, nil
	}
	text, err := model.Complete(ctx, p, settings, FormatContext(results)+question)
	if err != nil {
		return nil, fmt.Errorf("answering: %w", err)
	}
	return &Answer{Text: text, Sources: results}, nil
}

// FormatContext renders search results as a context block to prepend to a
// question.
func FormatContext(results []domain.SearchResult) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("=== RELEVANT CONTEXT ===\n")
	for i, r := range results {
		fmt.Fprintf(&b, "\n[Source %d: %s", i+1, filepath.Base(r.Chunk.Source))
		if r.Score > 0 {
			fmt.Fprintf(&b, " | Relevance: %.1f/10]", r.Score)
		} else {
			fmt.Fprintf(&b, " | Relevance: %.2f]", r.Similarity)
		}
		fmt.Fprintf(&b, "\n%s\n", r.Chunk.Text)
	}
	b.WriteString("\n=== END CONTEXT ===\n\n")
	b.WriteString("Based on the context above, please answer the following question:\n\n")
	return b.String()
}

package rag

import (
	"math"
	"sort"

	"github.com/nstogner/godagent/pkg/domain"
)

// Cosine returns the cosine similarity of a and b, or 0 when they differ in
// length or either is all zeros.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Nearest returns the k chunks most similar to query, best first.
func Nearest(chunks []domain.Chunk, query []float32, k int) []domain.SearchResult {
	results := make([]domain.SearchResult, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		results = append(results, domain.SearchResult{Chunk: c, Similarity: Cosine(c.Embedding, query)})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results
}

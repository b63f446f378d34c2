package rag

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nstogner/godagent/pkg/domain"
	"github.com/nstogner/godagent/pkg/model"
)

const (
	DefaultSimilarityFloor = 0.3
	DefaultMinScore        = 5.0
	DefaultTopK            = 3

	maxScore     = 10.0
	neutralScore = 5.0
)

var firstNumber = regexp.MustCompile(`\d+\.?\d*`)

// Reranker filters vector search candidates in three stages: a similarity
// floor, an LLM relevance score from 0 to 10, and a minimum score. The best
// TopK survivors are returned.
type Reranker struct {
	Provider        model.Provider
	Settings        model.Settings
	SimilarityFloor float64
	MinScore        float64
	TopK            int
}

// RerankStats counts the candidates left after each stage.
type RerankStats struct {
	Initial         int `json:"initial"`
	AfterSimilarity int `json:"after_similarity"`
	AfterScore      int `json:"after_score"`
	Final           int `json:"final"`
}

func NewReranker(p model.Provider, settings model.Settings) *Reranker {
	return &Reranker{
		Provider:        p,
		Settings:        settings,
		SimilarityFloor: DefaultSimilarityFloor,
		MinScore:        DefaultMinScore,
		TopK:            DefaultTopK,
	}
}

func (r *Reranker) Rerank(ctx context.Context, query string, candidates []domain.SearchResult) ([]domain.SearchResult, RerankStats) {
	stats := RerankStats{Initial: len(candidates)}

	var kept []domain.SearchResult
	for _, c := range candidates {
		if c.Similarity >= r.SimilarityFloor {
			kept = append(kept, c)
		}
	}
	stats.AfterSimilarity = len(kept)

	var scored []domain.SearchResult
	for _, c := range kept {
		if ctx.Err() != nil {
			break
		}
		c.Score = r.score(ctx, query, c.Chunk.Text)
		if c.Score >= r.MinScore {
			scored = append(scored, c)
		}
	}
	stats.AfterScore = len(scored)

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if r.TopK > 0 && len(scored) > r.TopK {
		scored = scored[:r.TopK]
	}
	stats.Final = len(scored)
	slog.Debug("Reranked search results", "query", query, "stats", stats)
	return scored, stats
}

func (r *Reranker) score(ctx context.Context, query, document string) float64 {
	settings := r.Settings
	settings.SystemInstruction = ""
	settings.Temperature = 0
	settings.MaxOutputTokens = 50

	prompt := fmt.Sprintf(`Rate how relevant this document is to answering the question.

Question: %s

Document: %s

Rate from 0 (not relevant at all) to 10 (perfectly relevant and directly answers the question).
Respond with ONLY a single number between 0 and 10. Do not include any explanation or text.`, query, document)

	reply, err := model.Complete(ctx, r.Provider, settings, prompt)
	if err != nil {
		slog.Warn("Relevance scoring failed", "error", err)
		return neutralScore
	}
	return ParseScore(reply)
}

// ParseScore reads a 0-10 relevance score from a model reply. Replies with
// no number score 5.
func ParseScore(reply string) float64 {
	reply = strings.TrimSpace(reply)
	v, err := strconv.ParseFloat(reply, 64)
	if err != nil {
		m := firstNumber.FindString(reply)
		if m == "" {
			return neutralScore
		}
		if v, err = strconv.ParseFloat(m, 64); err != nil {
			return neutralScore
		}
	}
	return max(0, min(maxScore, v))
}

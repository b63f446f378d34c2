// Package knowledge serves the document index as MCP tools.
package knowledge

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nstogner/godagent/pkg/domain"
	"github.com/nstogner/godagent/pkg/rag"
)

// Index is the part of *rag.Index the server uses.
type Index interface {
	Search(ctx context.Context, query string, k int) ([]domain.SearchResult, error)
	Sources(ctx context.Context) (map[string]int, error)
}

var _ Index = (*rag.Index)(nil)

type hit struct {
	Source     string  `json:"source"`
	Chunk      int     `json:"chunk"`
	Similarity float64 `json:"similarity"`
	Score      float64 `json:"score,omitempty"`
	Text       string  `json:"text"`
}

func NewServer(idx Index) *server.MCPServer {
	srv := server.NewMCPServer("knowledge", "1.0.0", server.WithToolCapabilities(false))

	srv.AddTool(mcp.NewTool("search_documents",
		mcp.WithDescription("Search the indexed documents for passages relevant to a query."),
		mcp.WithString("query", mcp.Required(), mcp.Description("What to look for.")),
		mcp.WithNumber("top_k", mcp.Description("Maximum number of passages."), mcp.DefaultNumber(rag.DefaultTopK)),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		results, err := idx.Search(ctx, query, req.GetInt("top_k", rag.DefaultTopK))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		hits := make([]hit, 0, len(results))
		for _, r := range results {
			hits = append(hits, hit{
				Source:     r.Chunk.Source,
				Chunk:      r.Chunk.Index,
				Similarity: r.Similarity,
				Score:      r.Score,
				Text:       r.Chunk.Text,
			})
		}
		return jsonResult(map[string]any{"query": query, "count": len(hits), "results": hits})
	})

	srv.AddTool(mcp.NewTool("list_sources",
		mcp.WithDescription("List the indexed documents and their chunk counts."),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sources, err := idx.Sources(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		type source struct {
			Source string `json:"source"`
			Chunks int    `json:"chunks"`
		}
		out := make([]source, 0, len(sources))
		for s, n := range sources {
			out = append(out, source{s, n})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
		return jsonResult(out)
	})

	return srv
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

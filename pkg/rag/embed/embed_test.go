package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ollama/ollama/api"
)

func TestOllamaEmbed(t *testing.T) {
	var got api.EmbedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model":      got.Model,
			"embeddings": [][]float32{{1, 0}, {0, 1}},
		})
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	e := NewOllama(api.NewClient(u, srv.Client()), "")
	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if got.Model != DefaultOllamaModel {
		t.Errorf("Model = %q, want %q", got.Model, DefaultOllamaModel)
	}
	if diff := cmp.Diff([][]float32{{1, 0}, {0, 1}}, vecs); diff != "" {
		t.Errorf("embeddings mismatch (-want +got):\n%s", diff)
	}
	if e.Name() != "ollama/nomic-embed-text" {
		t.Errorf("Name = %q", e.Name())
	}
}

func TestGeminiEmbedIntegration(t *testing.T) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		t.Skip("Skipping: GEMINI_API_KEY not set")
	}
	ctx := context.Background()
	e, err := NewGemini(ctx, apiKey, "")
	if err != nil {
		t.Fatalf("NewGemini: %v", err)
	}
	defer e.Close()

	vecs, err := e.Embed(ctx, []string{"Bitcoin price", "Weather in Paris"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || len(vecs[0]) == 0 {
		t.Fatalf("Embed returned %d vectors", len(vecs))
	}
}

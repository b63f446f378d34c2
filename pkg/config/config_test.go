package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nstogner/godagent/pkg/tools/mcp"
)

const sample = `
data_dir = "/var/lib/godagent"

[model]
provider = "ollama"
model = "llama3.1"
temperature = 0.2
top_k = 20
top_p = 0.9
max_output_tokens = 1024

[compression]
max_context_tokens = 16000
safe_threshold = 12000
keep_recent = 4
max_input_tokens = 800
summary_max_tokens = 400
input_summary_max_tokens = 1500
summary_timeout = "20s"

[scheduler]
enabled = true
concurrency = 2
per_task_limit = 1
misfire_grace = "1m"
sync_interval = "30s"
desktop_notifications = false

[[mcp.servers]]
name = "github"
transport = "stdio"
command = "github-mcp"
args = ["--read-only"]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("OLLAMA_HOST", "http://gpu-box:11434")
	t.Setenv("PORT", "")

	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Model.Provider != ProviderOllama || cfg.Model.Model != "llama3.1" {
		t.Errorf("Model = %s/%s, want ollama/llama3.1", cfg.Model.Provider, cfg.Model.Model)
	}
	if cfg.Model.Temperature != 0.2 || cfg.Model.TopK != 20 {
		t.Errorf("temperature, top_k = %v, %v", cfg.Model.Temperature, cfg.Model.TopK)
	}
	// Unset keys keep their defaults.
	if cfg.Model.SystemInstruction == "" {
		t.Error("SystemInstruction lost its default")
	}
	if cfg.Model.OllamaHost != "http://gpu-box:11434" {
		t.Errorf("OllamaHost = %q, want env override", cfg.Model.OllamaHost)
	}
	if cfg.Compression.SafeThreshold != 12000 || cfg.Compression.SummaryTimeout != 20*time.Second {
		t.Errorf("Compression = %+v", cfg.Compression)
	}
	if cfg.Scheduler.MisfireGrace != time.Minute || cfg.Scheduler.Concurrency != 2 {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
	want := []mcp.ServerConfig{{Name: "github", Transport: "stdio", Command: "github-mcp", Args: []string{"--read-only"}}}
	if diff := cmp.Diff(want, cfg.MCP.Servers); diff != "" {
		t.Errorf("MCP servers mismatch (-want +got):\n%s", diff)
	}
	if got := cfg.DBPath(); got != "/var/lib/godagent/godagent.db" {
		t.Errorf("DBPath() = %q", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "g-key")
	t.Setenv("PORT", "9090")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GeminiAPIKey != "g-key" {
		t.Errorf("GeminiAPIKey = %q", cfg.GeminiAPIKey)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Model.Provider != ProviderGemini || cfg.Compression.SafeThreshold != 25000 {
		t.Errorf("defaults not applied: %+v", cfg.Model)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad provider":    "[model]\nprovider = \"claude\"\n",
		"bad temperature": "[model]\ntemperature = 3.5\n",
		"bad threshold":   "[compression]\nsafe_threshold = 90000\n",
		"bad chunking":    "[rag]\nchunk_size = 100\nchunk_overlap = 100\n",
		"duplicate mcp":   "[[mcp.servers]]\nname = \"a\"\n[[mcp.servers]]\nname = \"a\"\n",
		"syntax":          "[model\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Error("Load succeeded, want error")
			}
		})
	}
}

func TestSaveKeepsSecretsOut(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "super-secret")

	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Model.Temperature = 1.1
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Contains(string(data), "super-secret") {
		t.Error("saved config contains the API key")
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("Load after Save: %v", err)
	}
	if again.Model.Temperature != 1.1 {
		t.Errorf("Temperature = %v, want 1.1", again.Model.Temperature)
	}
	if again.Compression.SummaryTimeout != cfg.Compression.SummaryTimeout {
		t.Errorf("SummaryTimeout = %v, want %v", again.Compression.SummaryTimeout, cfg.Compression.SummaryTimeout)
	}
}

func TestEnsureGeminiKeyWithoutTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "stdin")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	cfg := Default()
	if err := cfg.EnsureGeminiKey(f, os.Stderr); err != ErrNoAPIKey {
		t.Errorf("EnsureGeminiKey = %v, want ErrNoAPIKey", err)
	}
	cfg.Model.Provider = ProviderOllama
	if err := cfg.EnsureGeminiKey(f, os.Stderr); err != nil {
		t.Errorf("EnsureGeminiKey with ollama = %v, want nil", err)
	}
}

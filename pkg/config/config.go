// Package config loads godagent's TOML configuration, applies .env and
// environment overrides and writes changed settings back.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/nstogner/godagent/pkg/conversation"
	"github.com/nstogner/godagent/pkg/model"
	"github.com/nstogner/godagent/pkg/tools/mcp"
)

const (
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
)

// ErrNoAPIKey is returned when no Gemini key is configured and none can be
// prompted for.
var ErrNoAPIKey = errors.New("GEMINI_API_KEY is not set")

type ModelConfig struct {
	// Provider is "gemini" or "ollama".
	Provider   string `toml:"provider"`
	OllamaHost string `toml:"ollama_host"`
	model.Settings
}

type SchedulerConfig struct {
	Enabled      bool          `toml:"enabled"`
	Concurrency  uint          `toml:"concurrency"`
	PerTaskLimit int64         `toml:"per_task_limit"`
	MisfireGrace time.Duration `toml:"misfire_grace"`
	SyncInterval time.Duration `toml:"sync_interval"`
	// Desktop enables desktop notifications for task results.
	Desktop bool `toml:"desktop_notifications"`
}

type ServerConfig struct {
	Addr           string   `toml:"addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
	// JWTSecret enables bearer authentication on /api when set.
	JWTSecret string `toml:"jwt_secret,omitempty"`
}

type RAGConfig struct {
	// Embedder is "gemini" or "ollama".
	Embedder        string  `toml:"embedder"`
	EmbeddingModel  string  `toml:"embedding_model"`
	ChunkSize       int     `toml:"chunk_size"`
	ChunkOverlap    int     `toml:"chunk_overlap"`
	TopK            int     `toml:"top_k"`
	Rerank          bool    `toml:"rerank"`
	MinScore        float64 `toml:"min_score"`
	SimilarityFloor float64 `toml:"similarity_floor"`
}

type VoiceConfig struct {
	BaseURL  string `toml:"base_url"`
	Model    string `toml:"model"`
	Language string `toml:"language,omitempty"`
}

type MCPConfig struct {
	Servers []mcp.ServerConfig `toml:"servers"`
}

// BuiltinConfig toggles the in-process tool servers.
type BuiltinConfig struct {
	Crypto             bool   `toml:"crypto"`
	CoinGeckoURL       string `toml:"coingecko_url"`
	Filesystem         bool   `toml:"filesystem"`
	FilesystemRoot     string `toml:"filesystem_root"`
	FilesystemWritable bool   `toml:"filesystem_writable"`
	Containers         bool   `toml:"containers"`
	Knowledge          bool   `toml:"knowledge"`
}

type Config struct {
	DataDir     string              `toml:"data_dir"`
	Model       ModelConfig         `toml:"model"`
	Compression conversation.Policy `toml:"compression"`
	Scheduler   SchedulerConfig     `toml:"scheduler"`
	Server      ServerConfig        `toml:"server"`
	RAG         RAGConfig           `toml:"rag"`
	Voice       VoiceConfig         `toml:"voice"`
	MCP         MCPConfig           `toml:"mcp"`
	Builtin     BuiltinConfig       `toml:"builtin"`

	// Secrets come from the environment only and are never saved.
	GeminiAPIKey string `toml:"-"`
	GroqAPIKey   string `toml:"-"`

	path string
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Model: ModelConfig{
			Provider:   ProviderGemini,
			OllamaHost: "http://localhost:11434",
			Settings:   model.DefaultSettings(),
		},
		Compression: conversation.DefaultPolicy(),
		Scheduler: SchedulerConfig{
			Enabled:      true,
			Concurrency:  5,
			PerTaskLimit: 3,
			MisfireGrace: 5 * time.Minute,
			SyncInterval: 10 * time.Second,
			Desktop:      true,
		},
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		RAG: RAGConfig{
			Embedder:        ProviderGemini,
			ChunkSize:       500,
			ChunkOverlap:    50,
			TopK:            3,
			Rerank:          true,
			MinScore:        5,
			SimilarityFloor: 0.3,
		},
		Voice: VoiceConfig{
			BaseURL: "https://api.groq.com/openai/v1",
			Model:   "whisper-large-v3",
		},
		Builtin: BuiltinConfig{
			Crypto:         true,
			CoinGeckoURL:   "https://api.coingecko.com/api/v3",
			Filesystem:     true,
			FilesystemRoot: ".",
			Containers:     true,
			Knowledge:      true,
		},
	}
}

// DefaultPath is $GODAGENT_CONFIG or ~/.config/godagent/config.toml.
func DefaultPath() string {
	if p := os.Getenv("GODAGENT_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "godagent.toml"
	}
	return filepath.Join(dir, "godagent", "config.toml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".godagent"
	}
	return filepath.Join(home, ".local", "share", "godagent")
}

// Load reads .env from the working directory, then the file at path (a
// missing file means defaults), then the environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env", "error", err)
	}

	cfg := Default()
	cfg.path = path
	md, err := toml.DecodeFile(path, cfg)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("No config file, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	default:
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			slog.Warn("Unknown config keys", "path", path, "keys", strings.Join(keys, ", "))
		}
	}

	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	c.GeminiAPIKey = getenv("GEMINI_API_KEY")
	c.GroqAPIKey = getenv("GROQ_API_KEY")
	if v := getenv("OLLAMA_HOST"); v != "" {
		c.Model.OllamaHost = v
	}
	if v := getenv("GODAGENT_JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}
	if v := getenv("PORT"); v != "" {
		c.Server.Addr = ":" + v
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Model.Provider != ProviderGemini && c.Model.Provider != ProviderOllama {
		errs = append(errs, fmt.Errorf("model.provider %q must be gemini or ollama", c.Model.Provider))
	}
	if err := c.Model.Settings.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("model: %w", err))
	}
	if err := c.Compression.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("compression: %w", err))
	}
	if c.Scheduler.Concurrency == 0 || c.Scheduler.PerTaskLimit < 1 {
		errs = append(errs, errors.New("scheduler concurrency and per_task_limit must be positive"))
	}
	if c.RAG.Embedder != ProviderGemini && c.RAG.Embedder != ProviderOllama {
		errs = append(errs, fmt.Errorf("rag.embedder %q must be gemini or ollama", c.RAG.Embedder))
	}
	if c.RAG.ChunkSize <= 0 || c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		errs = append(errs, fmt.Errorf("rag chunk_size %d / chunk_overlap %d are invalid", c.RAG.ChunkSize, c.RAG.ChunkOverlap))
	}
	names := map[string]bool{}
	for _, s := range c.MCP.Servers {
		if s.Name == "" {
			errs = append(errs, errors.New("mcp server without a name"))
		} else if names[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate mcp server %q", s.Name))
		}
		names[s.Name] = true
	}
	return errors.Join(errs...)
}

// Path is the file the configuration was loaded from and is saved to.
func (c *Config) Path() string { return c.path }

// SetPath changes where Save writes.
func (c *Config) SetPath(p string) { c.path = p }

// DBPath is the SQLite database inside DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(ExpandPath(c.DataDir), "godagent.db")
}

// Save writes the configuration back to Path with owner-only permissions.
func (c *Config) Save() error {
	if c.path == "" {
		return errors.New("config has no path")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(c.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("opening %s: %w", c.path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}

// EnsureGeminiKey prompts for the Gemini key when it is missing and in is a
// terminal. The key is kept in memory only.
func (c *Config) EnsureGeminiKey(in *os.File, out io.Writer) error {
	if c.GeminiAPIKey != "" || c.Model.Provider != ProviderGemini {
		return nil
	}
	key, err := PromptSecret(in, out, "Enter your Gemini API key: ")
	if err != nil {
		return err
	}
	c.GeminiAPIKey = key
	return nil
}

// PromptSecret reads a line from the terminal without echo.
func PromptSecret(in *os.File, out io.Writer, prompt string) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return "", ErrNoAPIKey
	}
	fmt.Fprint(out, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	key := strings.TrimSpace(string(b))
	if key == "" {
		return "", ErrNoAPIKey
	}
	return key, nil
}

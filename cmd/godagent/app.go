package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/server"

	"github.com/nstogner/godagent/pkg/chat"
	"github.com/nstogner/godagent/pkg/config"
	"github.com/nstogner/godagent/pkg/container/docker"
	"github.com/nstogner/godagent/pkg/deploy"
	containersrv "github.com/nstogner/godagent/pkg/mcpserver/container"
	"github.com/nstogner/godagent/pkg/mcpserver/crypto"
	"github.com/nstogner/godagent/pkg/mcpserver/filesystem"
	"github.com/nstogner/godagent/pkg/mcpserver/knowledge"
	"github.com/nstogner/godagent/pkg/model"
	"github.com/nstogner/godagent/pkg/model/gemini"
	"github.com/nstogner/godagent/pkg/model/ollama"
	"github.com/nstogner/godagent/pkg/notify"
	"github.com/nstogner/godagent/pkg/rag"
	"github.com/nstogner/godagent/pkg/rag/embed"
	"github.com/nstogner/godagent/pkg/scheduler"
	"github.com/nstogner/godagent/pkg/store/sqlite"
	"github.com/nstogner/godagent/pkg/tools"
	"github.com/nstogner/godagent/pkg/tools/mcp"
	"github.com/nstogner/godagent/pkg/voice"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg       *config.Config
	store     *sqlite.Store
	providers map[string]model.Provider
	tools     *tools.Dispatcher
	scheduler *scheduler.Scheduler
	index     *rag.Index
	engine    *docker.Engine
	voice     *voice.Transcriber
	deployer  *deploy.Deployer

	closers []io.Closer
}

// appOptions selects the optional parts of the wiring.
type appOptions struct {
	// Prompt asks for a missing Gemini key on the terminal.
	Prompt bool
	// Tools connects the built-in and configured MCP servers.
	Tools bool
	// Model requires the configured provider to be available.
	Model bool
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, providers: map[string]model.Provider{}}
	if err := a.init(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context, opts appOptions) error {
	cfg := a.cfg

	path := databasePath(cfg)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	st, err := sqlite.New(path)
	if err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, st)

	if err := a.initProviders(ctx, opts.Prompt, opts.Model); err != nil {
		return err
	}

	if engine, err := docker.New(); err != nil {
		slog.Warn("Docker is unavailable, container tools and /deploy are disabled", "error", err)
	} else {
		a.engine = engine
		a.closers = append(a.closers, engine)
		a.deployer = deploy.New(engine)
	}

	a.initIndex(ctx)

	if cfg.GroqAPIKey != "" {
		v, err := voice.New(voice.Config{
			APIKey:   cfg.GroqAPIKey,
			BaseURL:  cfg.Voice.BaseURL,
			Model:    cfg.Voice.Model,
			Language: cfg.Voice.Language,
		})
		if err != nil {
			return err
		}
		a.voice = v
	}

	a.tools = tools.NewDispatcher()
	a.closers = append(a.closers, a.tools)
	if opts.Tools {
		a.connectTools(ctx)
	}

	p, settings := a.defaultModel()
	notifier := notify.Notifier(notify.Nop{})
	if cfg.Scheduler.Desktop {
		notifier = &notify.Desktop{}
	}
	sch, err := scheduler.New(st, a.tools,
		scheduler.WithNotifier(notifier),
		scheduler.WithSummarizer(&scheduler.ModelSummarizer{Provider: p, Settings: settings}),
		scheduler.WithConcurrency(cfg.Scheduler.Concurrency),
		scheduler.WithPerTaskLimit(cfg.Scheduler.PerTaskLimit),
		scheduler.WithMisfireGrace(cfg.Scheduler.MisfireGrace),
		scheduler.WithSyncInterval(cfg.Scheduler.SyncInterval),
	)
	if err != nil {
		return fmt.Errorf("initializing scheduler: %w", err)
	}
	a.scheduler = sch
	return nil
}

func (a *app) initProviders(ctx context.Context, prompt, required bool) error {
	cfg := a.cfg
	if prompt {
		if err := cfg.EnsureGeminiKey(os.Stdin, os.Stdout); err != nil && !errors.Is(err, config.ErrNoAPIKey) {
			return err
		}
	}
	if cfg.GeminiAPIKey != "" {
		p, err := gemini.New(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return fmt.Errorf("initializing Gemini provider: %w", err)
		}
		a.providers[config.ProviderGemini] = p
	}
	p, err := ollama.New(cfg.Model.OllamaHost)
	if err != nil {
		return fmt.Errorf("initializing Ollama provider: %w", err)
	}
	a.providers[config.ProviderOllama] = p

	if _, ok := a.providers[cfg.Model.Provider]; !ok && required {
		return fmt.Errorf("provider %s is not available: %w", cfg.Model.Provider, config.ErrNoAPIKey)
	}
	return nil
}

func (a *app) initIndex(ctx context.Context) {
	cfg := a.cfg.RAG

	var e embed.Embedder
	switch cfg.Embedder {
	case config.ProviderGemini:
		if a.cfg.GeminiAPIKey == "" {
			slog.Warn("Document index disabled, GEMINI_API_KEY is not set")
			return
		}
		g, err := embed.NewGemini(ctx, a.cfg.GeminiAPIKey, cfg.EmbeddingModel)
		if err != nil {
			slog.Warn("Document index disabled", "error", err)
			return
		}
		a.closers = append(a.closers, g)
		e = g
	case config.ProviderOllama:
		e = embed.NewOllama(a.providers[config.ProviderOllama].(*ollama.Provider).Client(), cfg.EmbeddingModel)
	}

	chunker, err := rag.NewChunker(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		slog.Warn("Document index disabled", "error", err)
		return
	}
	var reranker *rag.Reranker
	if cfg.Rerank {
		p, settings := a.defaultModel()
		reranker = rag.NewReranker(p, settings)
		reranker.MinScore = cfg.MinScore
		reranker.SimilarityFloor = cfg.SimilarityFloor
		reranker.TopK = cfg.TopK
	}
	a.index = rag.NewIndex(a.store, e, chunker, reranker)
}

// builtinServers returns the enabled in-process MCP servers by name.
func (a *app) builtinServers() (map[string]*server.MCPServer, error) {
	b := a.cfg.Builtin
	servers := map[string]*server.MCPServer{}
	if b.Crypto {
		servers["crypto"] = crypto.NewServer(crypto.NewClient(b.CoinGeckoURL))
	}
	if b.Filesystem {
		fs, err := filesystem.New(config.ExpandPath(b.FilesystemRoot))
		if err != nil {
			return nil, fmt.Errorf("filesystem server: %w", err)
		}
		servers["filesystem"] = filesystem.NewServer(fs, b.FilesystemWritable)
	}
	if b.Containers && a.engine != nil {
		servers["container"] = containersrv.NewServer(a.engine)
	}
	if b.Knowledge && a.index != nil {
		servers["knowledge"] = knowledge.NewServer(a.index)
	}
	return servers, nil
}

// connectTools connects every tool backend. A backend that fails to start
// is logged and skipped.
func (a *app) connectTools(ctx context.Context) {
	servers, err := a.builtinServers()
	if err != nil {
		slog.Warn("Built-in tools disabled", "error", err)
	}
	for name, srv := range servers {
		b, err := mcp.InProcess(ctx, name, srv)
		if err == nil {
			err = a.tools.Connect(ctx, b)
		}
		if err != nil {
			slog.Warn("Failed to connect built-in tool server", "server", name, "error", err)
		}
	}
	for _, sc := range a.cfg.MCP.Servers {
		b, err := mcp.Dial(ctx, sc)
		if err == nil {
			err = a.tools.Connect(ctx, b)
		}
		if err != nil {
			slog.Warn("Failed to connect MCP server", "server", sc.Name, "error", err)
		}
	}
	slog.Info("Tools connected", "backends", a.tools.Backends(), "tools", len(a.tools.Tools()))
}

// providerName is the configured provider, or Ollama when it is unavailable.
func (a *app) providerName() string {
	if _, ok := a.providers[a.cfg.Model.Provider]; ok {
		return a.cfg.Model.Provider
	}
	return config.ProviderOllama
}

func (a *app) defaultModel() (model.Provider, model.Settings) {
	return a.providers[a.providerName()], a.cfg.Model.Settings
}

// chatOptions are the options every chat session is built with.
func (a *app) chatOptions() chat.Options {
	opts := chat.Options{
		Store:     a.store,
		Providers: a.providers,
		Provider:  a.providerName(),
		Settings:  a.cfg.Model.Settings,
		Policy:    a.cfg.Compression,
		Tools:     a.tools,
		Scheduler: a.scheduler,
		Config:    a.cfg,
	}
	if a.index != nil {
		opts.Index = a.index
	}
	if a.voice != nil {
		opts.Voice = a.voice
	}
	if a.deployer != nil {
		opts.Deployer = a.deployer
	}
	return opts
}

// Close releases everything in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

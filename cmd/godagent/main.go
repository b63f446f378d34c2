// Command godagent is a terminal AI assistant with tool calling, scheduled
// tasks, document search and an HTTP API.
//
// Usage:
//
//	export GEMINI_API_KEY="your-api-key"
//	godagent            # interactive chat
//	godagent serve      # REST and WebSocket API with the task scheduler
//	godagent tasks list
//	godagent index ./docs
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nstogner/godagent/pkg/config"
	"github.com/nstogner/godagent/pkg/model/gemini"
)

var version = "dev" // set via ldflags at build time

var (
	configPath string
	dbPath     string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "godagent",
	Short: "AI assistant with tools, scheduled tasks and document search",
	Long: `godagent chats with Gemini or Ollama models that can call tools served
over the Model Context Protocol. It also runs scheduled tool tasks, answers
questions from indexed documents and exposes everything over HTTP.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          runChat,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start the interactive chat (the default command)",
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to the TOML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (default: <data_dir>/godagent.db)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "info"), "Log level: trace, debug, info, warn or error")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return gemini.LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// setupLogging installs the default slog logger writing to w.
func setupLogging(w io.Writer) error {
	level, err := parseLevel(logLevel)
	if err != nil {
		return err
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logging initialized", "level", level)
	return nil
}

func loadConfig() (*config.Config, error) {
	return config.Load(config.ExpandPath(configPath))
}

// databasePath is --db when set, else the database in the data directory.
func databasePath(cfg *config.Config) string {
	if dbPath != "" {
		return config.ExpandPath(dbPath)
	}
	return cfg.DBPath()
}

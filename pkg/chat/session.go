// Package chat implements an interactive chat session: it owns the active
// dialog and its settings, routes slash commands and runs one agent turn at a
// time for everything else.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/google/uuid"

	"github.com/nstogner/godagent/pkg/agent"
	"github.com/nstogner/godagent/pkg/config"
	"github.com/nstogner/godagent/pkg/conversation"
	"github.com/nstogner/godagent/pkg/deploy"
	"github.com/nstogner/godagent/pkg/domain"
	"github.com/nstogner/godagent/pkg/model"
	"github.com/nstogner/godagent/pkg/rag"
	"github.com/nstogner/godagent/pkg/scheduler"
	"github.com/nstogner/godagent/pkg/store"
)

const (
	defaultTitle  = "New chat"
	maxTitleRunes = 50
)

// ToolRegistry advertises, routes and executes tools. *tools.Dispatcher
// implements it.
type ToolRegistry interface {
	agent.ToolRunner
	Owner(tool string) (string, bool)
}

// KnowledgeBase is the document index used by /index, /search and /ask.
// *rag.Index implements it.
type KnowledgeBase interface {
	Add(ctx context.Context, path string) (rag.IndexStats, error)
	Search(ctx context.Context, query string, k int) ([]domain.SearchResult, error)
	Ask(ctx context.Context, p model.Provider, settings model.Settings, question string) (*rag.Answer, error)
}

// Transcriber turns an audio file into text. *voice.Transcriber implements it.
type Transcriber interface {
	TranscribeFile(ctx context.Context, path string) (string, error)
}

// Deployer runs the deployment pipeline. *deploy.Deployer implements it.
type Deployer interface {
	Deploy(ctx context.Context, dir string) (*deploy.Result, error)
}

// Options wires a Session. Store and at least one provider are required; the
// remaining collaborators enable the commands that use them.
type Options struct {
	Store     store.DialogStore
	Providers map[string]model.Provider
	// Provider names the initial entry of Providers.
	Provider  string
	Settings  model.Settings
	Policy    conversation.Policy
	Tools     ToolRegistry
	Scheduler *scheduler.Scheduler
	Index     KnowledgeBase
	Voice     Transcriber
	Deployer  Deployer
	// Config receives /settings changes and is saved when set.
	Config   *config.Config
	Observer agent.Observer
	// Clipboard writes to the system clipboard. Defaults to clipboard.WriteAll.
	Clipboard func(string) error
	// BaseDir resolves @file mentions. Defaults to the working directory.
	BaseDir string
}

// Reply is the outcome of one line of input.
type Reply struct {
	Text string
	// Markdown is set for model answers.
	Markdown bool
	// Notices are side messages such as compression reports.
	Notices []string
	Quit    bool
}

// Session is a single user's chat. Its methods may be called from several
// goroutines; turns are serialized.
type Session struct {
	mu       sync.Mutex
	opts     Options
	provider string
	settings model.Settings
	agent    *agent.Agent
	conv     *conversation.Conversation
	dialog   domain.Dialog
	last     string
}

// New creates a session on a fresh dialog.
func New(ctx context.Context, opts Options) (*Session, error) {
	s, err := newSession(opts)
	if err != nil {
		return nil, err
	}
	if err := s.newDialog(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Resume creates a session on an existing dialog.
func Resume(ctx context.Context, opts Options, dialogID string) (*Session, error) {
	s, err := newSession(opts)
	if err != nil {
		return nil, err
	}
	if err := s.openDialog(ctx, dialogID); err != nil {
		return nil, err
	}
	return s, nil
}

func newSession(opts Options) (*Session, error) {
	if opts.Store == nil {
		return nil, errors.New("chat: store is required")
	}
	if len(opts.Providers) == 0 {
		return nil, errors.New("chat: no model provider configured")
	}
	if opts.Clipboard == nil {
		opts.Clipboard = clipboard.WriteAll
	}
	if opts.BaseDir == "" {
		opts.BaseDir, _ = os.Getwd()
	}
	if opts.Settings == (model.Settings{}) {
		opts.Settings = model.DefaultSettings()
	}
	if err := opts.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if opts.Policy == (conversation.Policy{}) {
		opts.Policy = conversation.DefaultPolicy()
	}

	s := &Session{opts: opts, settings: opts.Settings}
	name := opts.Provider
	if name == "" {
		name = s.providerNames()[0]
	}
	if err := s.useProvider(name); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) useProvider(name string) error {
	p, ok := s.opts.Providers[name]
	if !ok {
		return fmt.Errorf("unknown provider %q (available: %s)", name, strings.Join(s.providerNames(), ", "))
	}
	var opts []agent.Option
	if s.opts.Observer != nil {
		opts = append(opts, agent.WithObserver(s.opts.Observer))
	}
	var runner agent.ToolRunner
	if s.opts.Tools != nil {
		runner = s.opts.Tools
	}
	s.agent = agent.New(p, runner, opts...)
	s.provider = name
	return nil
}

func (s *Session) newDialog(ctx context.Context) error {
	now := time.Now().UTC()
	d := domain.Dialog{ID: uuid.New().String(), Title: defaultTitle, CreatedAt: now, UpdatedAt: now}
	if err := s.opts.Store.CreateDialog(ctx, &d); err != nil {
		return fmt.Errorf("creating dialog: %w", err)
	}
	s.dialog = d
	s.conv = conversation.New(d.ID, s.opts.Policy, s.opts.Store)
	s.last = ""
	slog.Info("Dialog created", "dialogID", d.ID)
	return nil
}

func (s *Session) openDialog(ctx context.Context, id string) error {
	d, err := s.opts.Store.GetDialog(ctx, id)
	if err != nil {
		return fmt.Errorf("loading dialog %s: %w", id, err)
	}
	msgs, err := s.opts.Store.Messages(ctx, id)
	if err != nil {
		return fmt.Errorf("loading messages of %s: %w", id, err)
	}
	s.dialog = *d
	s.conv = conversation.Restore(d.ID, s.opts.Policy, s.opts.Store, msgs, d.Compressed)
	s.last = ""
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleAssistant {
			s.last = msgs[i].Text
			break
		}
	}
	return nil
}

// DialogID returns the ID of the active dialog.
func (s *Session) DialogID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialog.ID
}

// Settings returns the current settings snapshot.
func (s *Session) Settings() model.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Provider returns the name of the active provider.
func (s *Session) Provider() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}

// Messages returns the history of the active dialog.
func (s *Session) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Messages()
}

// Stats returns the token accounting of the active dialog.
func (s *Session) Stats() conversation.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Stats()
}

// Handle processes one line of user input: a slash command or a message.
func (s *Session) Handle(ctx context.Context, line string) (*Reply, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return &Reply{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.HasPrefix(line, "/") {
		return s.command(ctx, line)
	}
	return s.send(ctx, line)
}

// Send runs a turn for text without interpreting slash commands.
func (s *Session) Send(ctx context.Context, text string) (*Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send(ctx, text)
}

// Compress folds old history into a digest. With force the safe threshold
// is ignored.
func (s *Session) Compress(ctx context.Context, force bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compress(ctx, force)
}

func (s *Session) compress(ctx context.Context, force bool) (int, error) {
	sum := s.agent.Summarizer(s.settings)
	if force {
		return s.conv.ForceCompress(ctx, sum)
	}
	return s.conv.Compress(ctx, sum)
}

func (s *Session) send(ctx context.Context, text string) (*Reply, error) {
	reply := &Reply{Markdown: true}
	input := text
	if mentions := ParseMentions(s.opts.BaseDir, text); len(mentions) > 0 {
		input = FormatMentions(mentions) + text
	}

	out, err := s.agent.Send(ctx, s.conv, s.settings, input)
	if err != nil {
		slog.Error("Turn failed", "dialogID", s.dialog.ID, "error", err)
		return nil, err
	}
	if out.InputCompressed {
		reply.Notices = append(reply.Notices, "Long input was summarized before sending.")
	}
	if out.InputErr != nil {
		reply.Notices = append(reply.Notices, fmt.Sprintf("Input summarization failed, sent as is: %v", out.InputErr))
	}
	if out.Compressed > 0 {
		reply.Notices = append(reply.Notices, fmt.Sprintf("Conversation compressed: %d messages folded into a summary.", out.Compressed))
	}
	if out.CompressErr != nil {
		reply.Notices = append(reply.Notices, fmt.Sprintf("Auto-compression failed: %v", out.CompressErr))
	}
	reply.Text = out.Answer
	s.last = out.Answer
	s.autoTitle(ctx, text)
	return reply, nil
}

func (s *Session) autoTitle(ctx context.Context, text string) {
	if s.dialog.Title != defaultTitle {
		return
	}
	title := strings.Join(strings.Fields(text), " ")
	if r := []rune(title); len(r) > maxTitleRunes {
		title = string(r[:maxTitleRunes-3]) + "..."
	}
	if err := s.opts.Store.RenameDialog(ctx, s.dialog.ID, title); err != nil {
		slog.Warn("Failed to title dialog", "dialogID", s.dialog.ID, "error", err)
		return
	}
	s.dialog.Title = title
}

func (s *Session) providerNames() []string {
	names := make([]string, 0, len(s.opts.Providers))
	for n := range s.opts.Providers {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (s *Session) persistSettings() string {
	cfg := s.opts.Config
	if cfg == nil {
		return ""
	}
	cfg.Model.Settings = s.settings
	cfg.Model.Provider = s.provider
	if err := cfg.Save(); err != nil {
		return fmt.Sprintf("Settings not saved: %v", err)
	}
	return "Saved to " + cfg.Path()
}

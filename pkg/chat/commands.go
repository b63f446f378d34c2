package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/sahilm/fuzzy"

	"github.com/nstogner/godagent/pkg/analyze"
	"github.com/nstogner/godagent/pkg/conversation"
)

type command struct {
	name  string
	usage string
	help  string
	run   func(s *Session, ctx context.Context, args string) (*Reply, error)
}

var commands []command

func init() {
	commands = []command{
		{"help", "/help", "Show this help", (*Session).cmdHelp},
		{"model", "/model [name]", "Show available models or switch model", (*Session).cmdModel},
		{"provider", "/provider [name]", "Show or switch the model provider", (*Session).cmdProvider},
		{"system", "/system [text]", "Show or replace the system instruction", (*Session).cmdSystem},
		{"settings", "/settings [key value]", "Show or change model settings", (*Session).cmdSettings},
		{"tokens", "/tokens", "Show token usage of this dialog", (*Session).cmdTokens},
		{"compress", "/compress [force]", "Summarize old messages into a digest", (*Session).cmdCompress},
		{"clear", "/clear", "Delete every message of this dialog", (*Session).cmdClear},
		{"new", "/new", "Start a new dialog", (*Session).cmdNew},
		{"dialogs", "/dialogs", "List saved dialogs", (*Session).cmdDialogs},
		{"dialog", "/dialog <id>", "Switch to a saved dialog", (*Session).cmdDialog},
		{"tools", "/tools", "List available tools", (*Session).cmdTools},
		{"tasks", "/tasks [list|add|remove|start|stop|pause|resume|run|history|stats]", "Manage scheduled tasks", (*Session).cmdTasks},
		{"index", "/index <path>", "Index a file or directory for /search and /ask", (*Session).cmdIndex},
		{"search", "/search <query>", "Search indexed documents", (*Session).cmdSearch},
		{"ask", "/ask <question>", "Answer a question from indexed documents", (*Session).cmdAsk},
		{"voice", "/voice <file>", "Transcribe an audio file and send it", (*Session).cmdVoice},
		{"analyze", "/analyze <file>", "Analyze a source file", (*Session).cmdAnalyze},
		{"deploy", "/deploy [dir]", "Build and run the project as a container", (*Session).cmdDeploy},
		{"copy", "/copy", "Copy the last answer to the clipboard", (*Session).cmdCopy},
		{"quit", "/quit", "Exit", (*Session).cmdQuit},
	}
}

// CommandNames returns the names of every slash command, without the slash.
func CommandNames() []string {
	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = c.name
	}
	return names
}

func (s *Session) command(ctx context.Context, line string) (*Reply, error) {
	name, args, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	name = strings.ToLower(name)
	args = strings.TrimSpace(args)
	if name == "exit" {
		name = "quit"
	}
	for _, c := range commands {
		if c.name == name {
			return c.run(s, ctx, args)
		}
	}
	return nil, unknownCommand(name)
}

func unknownCommand(name string) error {
	msg := fmt.Sprintf("unknown command /%s", name)
	matches := fuzzy.Find(name, CommandNames())
	if len(matches) > 0 {
		var sugg []string
		for i, m := range matches {
			if i == 3 {
				break
			}
			sugg = append(sugg, "/"+m.Str)
		}
		msg += ", did you mean " + strings.Join(sugg, " or ") + "?"
	} else {
		msg += " (try /help)"
	}
	return errors.New(msg)
}

func text(format string, args ...any) *Reply {
	return &Reply{Text: fmt.Sprintf(format, args...)}
}

func (s *Session) cmdHelp(ctx context.Context, args string) (*Reply, error) {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range commands {
		fmt.Fprintf(&b, "  %-70s %s\n", c.usage, c.help)
	}
	b.WriteString("\nMention files with @path/to/file or @dir/ to point the assistant at them.")
	return &Reply{Text: b.String()}, nil
}

func (s *Session) cmdQuit(ctx context.Context, args string) (*Reply, error) {
	return &Reply{Text: "Goodbye!", Quit: true}, nil
}

func (s *Session) cmdModel(ctx context.Context, args string) (*Reply, error) {
	if args == "" {
		models, err := s.agent.Provider().List(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing models: %w", err)
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Current model: %s (%s)\n", s.settings.Model, s.provider)
		for _, m := range models {
			marker := " "
			if m.ID == s.settings.Model {
				marker = "*"
			}
			fmt.Fprintf(&b, " %s %s\n", marker, m.ID)
		}
		return &Reply{Text: strings.TrimRight(b.String(), "\n")}, nil
	}
	next, err := s.settings.With("model", args)
	if err != nil {
		return nil, err
	}
	s.settings = next
	r := text("Model set to %s", args)
	if note := s.persistSettings(); note != "" {
		r.Notices = append(r.Notices, note)
	}
	return r, nil
}

func (s *Session) cmdProvider(ctx context.Context, args string) (*Reply, error) {
	if args == "" {
		return text("Provider: %s (available: %s)", s.provider, strings.Join(s.providerNames(), ", ")), nil
	}
	if err := s.useProvider(args); err != nil {
		return nil, err
	}
	r := text("Provider set to %s", args)

	// Keep the model only if the new provider serves it.
	models, err := s.agent.Provider().List(ctx)
	if err != nil {
		r.Notices = append(r.Notices, fmt.Sprintf("Could not list models: %v", err))
		return r, nil
	}
	for _, m := range models {
		if m.ID == s.settings.Model {
			return r, nil
		}
	}
	if len(models) > 0 {
		s.settings.Model = models[0].ID
		r.Text += fmt.Sprintf(", model %s", s.settings.Model)
	}
	return r, nil
}

func (s *Session) cmdSystem(ctx context.Context, args string) (*Reply, error) {
	if args == "" {
		return text("System instruction:\n%s", s.settings.SystemInstruction), nil
	}
	next, err := s.settings.With("system", args)
	if err != nil {
		return nil, err
	}
	s.settings = next
	return text("System instruction updated"), nil
}

func (s *Session) cmdSettings(ctx context.Context, args string) (*Reply, error) {
	if args == "" {
		st := s.settings
		return text("Settings:\n  provider           %s\n  model              %s\n  temperature        %.2f\n  top_k              %d\n  top_p              %.2f\n  max_output_tokens  %d",
			s.provider, st.Model, st.Temperature, st.TopK, st.TopP, st.MaxOutputTokens), nil
	}
	key, value, ok := strings.Cut(args, " ")
	if !ok {
		return nil, errors.New("usage: /settings <key> <value>")
	}
	next, err := s.settings.With(key, strings.TrimSpace(value))
	if err != nil {
		return nil, err
	}
	s.settings = next
	r := text("%s set to %s", key, strings.TrimSpace(value))
	if note := s.persistSettings(); note != "" {
		r.Notices = append(r.Notices, note)
	}
	return r, nil
}

func (s *Session) cmdTokens(ctx context.Context, args string) (*Reply, error) {
	st := s.conv.Stats()
	compressed := "no"
	if st.Compressed {
		compressed = "yes"
	}
	return text("Tokens: %d / %d (%.1f%%), %d remaining\nMessages: %d  Compressed: %s  Compression due: %t\nAPI usage: %d prompt, %d response, %d total",
		st.TotalTokens, st.MaxTokens, st.Percentage, st.Remaining,
		st.MessageCount, compressed, st.ShouldCompress,
		st.Usage.Prompt, st.Usage.Response, st.Usage.Total), nil
}

func (s *Session) cmdCompress(ctx context.Context, args string) (*Reply, error) {
	force := args == "force"
	if args != "" && !force {
		return nil, errors.New("usage: /compress [force]")
	}
	if !force && !s.conv.ShouldCompress() {
		st := s.conv.Stats()
		return text("No compression needed (%d of %d tokens). Use /compress force to compress anyway.", st.TotalTokens, s.conv.Policy().SafeThreshold), nil
	}
	before := s.conv.TotalTokens()
	n, err := s.compress(ctx, force)
	if errors.Is(err, conversation.ErrNoGain) {
		return text("Nothing to compress: %v", err), nil
	}
	if err != nil {
		return nil, fmt.Errorf("compressing: %w", err)
	}
	if n == 0 {
		return text("Nothing to compress."), nil
	}
	return text("Compressed %d messages: %d -> %d tokens", n, before, s.conv.TotalTokens()), nil
}

func (s *Session) cmdClear(ctx context.Context, args string) (*Reply, error) {
	if err := s.conv.Clear(ctx); err != nil {
		return nil, fmt.Errorf("clearing dialog: %w", err)
	}
	s.last = ""
	return text("Dialog cleared"), nil
}

func (s *Session) cmdNew(ctx context.Context, args string) (*Reply, error) {
	if err := s.newDialog(ctx); err != nil {
		return nil, err
	}
	return text("Started dialog %s", shortID(s.dialog.ID)), nil
}

func (s *Session) cmdDialogs(ctx context.Context, args string) (*Reply, error) {
	dialogs, err := s.opts.Store.ListDialogs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing dialogs: %w", err)
	}
	if len(dialogs) == 0 {
		return text("No dialogs"), nil
	}
	var b strings.Builder
	for _, d := range dialogs {
		marker := " "
		if d.ID == s.dialog.ID {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %s  %s  %s\n", marker, shortID(d.ID), d.UpdatedAt.Local().Format("2006-01-02 15:04"), d.Title)
	}
	return &Reply{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (s *Session) cmdDialog(ctx context.Context, args string) (*Reply, error) {
	if args == "" {
		return nil, errors.New("usage: /dialog <id>")
	}
	dialogs, err := s.opts.Store.ListDialogs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing dialogs: %w", err)
	}
	var match []string
	for _, d := range dialogs {
		if d.ID == args {
			match = []string{d.ID}
			break
		}
		if strings.HasPrefix(d.ID, args) {
			match = append(match, d.ID)
		}
	}
	switch len(match) {
	case 0:
		return nil, fmt.Errorf("no dialog matches %q", args)
	case 1:
	default:
		return nil, fmt.Errorf("%q matches %d dialogs", args, len(match))
	}
	if err := s.openDialog(ctx, match[0]); err != nil {
		return nil, err
	}
	return text("Switched to %s (%s, %d messages)", shortID(s.dialog.ID), s.dialog.Title, s.conv.Len()), nil
}

func (s *Session) cmdTools(ctx context.Context, args string) (*Reply, error) {
	if s.opts.Tools == nil {
		return text("No tools connected"), nil
	}
	specs := s.opts.Tools.Tools()
	if len(specs) == 0 {
		return text("No tools connected"), nil
	}
	var (
		order   []string
		byOwner = map[string][]string{}
	)
	for _, spec := range specs {
		owner, _ := s.opts.Tools.Owner(spec.Name)
		if _, ok := byOwner[owner]; !ok {
			order = append(order, owner)
		}
		byOwner[owner] = append(byOwner[owner], fmt.Sprintf("  %-28s %s", spec.Name, firstLine(spec.Description)))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d tools:\n", len(specs))
	for _, owner := range order {
		fmt.Fprintf(&b, "[%s]\n%s\n", owner, strings.Join(byOwner[owner], "\n"))
	}
	return &Reply{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (s *Session) cmdIndex(ctx context.Context, args string) (*Reply, error) {
	if s.opts.Index == nil {
		return nil, errors.New("document index is not configured")
	}
	if args == "" {
		return nil, errors.New("usage: /index <path>")
	}
	st, err := s.opts.Index.Add(ctx, s.resolve(args))
	if err != nil {
		return nil, fmt.Errorf("indexing %s: %w", args, err)
	}
	return text("Indexed %d document(s): %d chunks (%d replaced)", st.Documents, st.Chunks, st.Replaced), nil
}

func (s *Session) cmdSearch(ctx context.Context, args string) (*Reply, error) {
	if s.opts.Index == nil {
		return nil, errors.New("document index is not configured")
	}
	if args == "" {
		return nil, errors.New("usage: /search <query>")
	}
	results, err := s.opts.Index.Search(ctx, args, 5)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return text("No relevant documents found"), nil
	}
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s (similarity %.2f", i+1, filepath.Base(r.Chunk.Source), r.Similarity)
		if r.Score > 0 {
			fmt.Fprintf(&b, ", score %.1f", r.Score)
		}
		fmt.Fprintf(&b, ")\n   %s\n", snippet(r.Chunk.Text, 160))
	}
	return &Reply{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (s *Session) cmdAsk(ctx context.Context, args string) (*Reply, error) {
	if s.opts.Index == nil {
		return nil, errors.New("document index is not configured")
	}
	if args == "" {
		return nil, errors.New("usage: /ask <question>")
	}
	ans, err := s.opts.Index.Ask(ctx, s.agent.Provider(), s.settings, args)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString(ans.Text)
	if len(ans.Sources) > 0 {
		b.WriteString("\n\nSources:\n")
		seen := map[string]bool{}
		for _, r := range ans.Sources {
			if seen[r.Chunk.Source] {
				continue
			}
			seen[r.Chunk.Source] = true
			fmt.Fprintf(&b, "- %s\n", r.Chunk.Source)
		}
	}
	s.last = ans.Text
	return &Reply{Text: strings.TrimRight(b.String(), "\n"), Markdown: true}, nil
}

func (s *Session) cmdVoice(ctx context.Context, args string) (*Reply, error) {
	if s.opts.Voice == nil {
		return nil, errors.New("voice input is not configured (set GROQ_API_KEY)")
	}
	if args == "" {
		return nil, errors.New("usage: /voice <file>")
	}
	transcript, err := s.opts.Voice.TranscribeFile(ctx, s.resolve(args))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(transcript) == "" {
		return nil, errors.New("transcription is empty")
	}
	r, err := s.send(ctx, transcript)
	if err != nil {
		return nil, err
	}
	r.Notices = append([]string{"You said: " + transcript}, r.Notices...)
	return r, nil
}

func (s *Session) cmdAnalyze(ctx context.Context, args string) (*Reply, error) {
	if args == "" {
		return nil, errors.New("usage: /analyze <file>")
	}
	report, err := analyze.File(ctx, s.resolve(args), s.agent.Provider(), s.settings)
	if err != nil {
		return nil, err
	}
	return &Reply{Text: report.Format()}, nil
}

func (s *Session) cmdDeploy(ctx context.Context, args string) (*Reply, error) {
	if s.opts.Deployer == nil {
		return nil, errors.New("deployment is not configured (Docker unavailable)")
	}
	dir := args
	if dir == "" {
		dir = "."
	}
	res, err := s.opts.Deployer.Deploy(ctx, s.resolve(dir))
	if err != nil {
		return nil, err
	}
	return &Reply{Text: res.Format()}, nil
}

func (s *Session) cmdCopy(ctx context.Context, args string) (*Reply, error) {
	if s.last == "" {
		return nil, errors.New("nothing to copy yet")
	}
	if err := s.opts.Clipboard(s.last); err != nil {
		return nil, fmt.Errorf("copying to clipboard: %w", err)
	}
	return text("Copied %d characters", utf8.RuneCountInString(s.last)), nil
}

func (s *Session) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.opts.BaseDir, p)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return snippet(line, 80)
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}

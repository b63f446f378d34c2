package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/nstogner/godagent/pkg/agent"
	"github.com/nstogner/godagent/pkg/chat"
	"github.com/nstogner/godagent/pkg/config"
	"github.com/nstogner/godagent/pkg/domain"
	"github.com/nstogner/godagent/pkg/store"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	senderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	toolStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	cursorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selectedItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1) // Red
)

// maxToolOutput bounds the tool result shown in the transcript.
const maxToolOutput = 600

type state int

const (
	stateMenu state = iota
	stateSelectingDialog
	stateChatting
)

type errMsg struct{ err error }
type dialogUpdateMsg string
type toolEventMsg agent.Event

type sessionMsg struct{ sess *chat.Session }

type replyMsg struct {
	reply *chat.Reply
	err   error
}

type transcriptMsg struct {
	dialogID string
	content  string
}

type tui struct {
	ctx     context.Context
	opts    chat.Options
	store   store.DialogStore
	updates <-chan string

	sess     *chat.Session
	dialogID string
	// cancel aborts the running turn.
	cancel context.CancelFunc
	busy   bool
	status string
	// title and summary are read from the session between turns; its
	// accessors block while a turn runs.
	title   string
	summary string

	// State
	state      state
	dialogs    []domain.Dialog
	cursor     int
	listOffset int
	width      int
	height     int
	err        error

	// UI Components
	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model

	// Data
	transcript string
	// notes are command outputs shown below the dialog until it changes.
	notes    []string
	renderer *glamour.TermRenderer
}

func newTUI(ctx context.Context, opts chat.Options, dialogs []domain.Dialog) tui {
	ta := textarea.New()
	ta.Placeholder = "Send a message or /help..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 0

	ta.SetWidth(80)
	ta.SetHeight(3)

	// Remove cursor line styling
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetKeys("alt+enter")

	vp := viewport.New(80, 20)
	vp.SetContent("Welcome! Select an option.")

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	// Use "light" style to avoid terminal queries that leak into input
	r, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(80),
	)

	startState := stateMenu
	if len(dialogs) == 0 {
		startState = stateChatting
	}

	return tui{
		ctx:      ctx,
		opts:     opts,
		store:    opts.Store,
		dialogs:  dialogs,
		state:    startState,
		viewport: vp,
		textarea: ta,
		spinner:  sp,
		renderer: r,
	}
}

func (m tui) Init() tea.Cmd {
	cmds := []tea.Cmd{textarea.Blink}
	if m.state == stateChatting {
		cmds = append(cmds, m.newSession())
	}
	return tea.Batch(cmds...)
}

func (m tui) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var tiCmd, vpCmd tea.Cmd
	// Keep the Enter key used for menu selection out of the textarea.
	switch msg.(type) {
	case tea.KeyMsg:
		if m.state == stateChatting && !m.busy {
			m.textarea, tiCmd = m.textarea.Update(msg)
			cmds = append(cmds, tiCmd)
		}
	default:
		m.textarea, tiCmd = m.textarea.Update(msg)
		cmds = append(cmds, tiCmd)
	}

	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = max(msg.Height-m.textarea.Height()-4, 0) // Header, status and margins
		m.viewport.YPosition = 2

		// Using standard style avoids "Querying terminal..." escape sequences leaking into input
		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithStandardStyle("light"),
			glamour.WithWordWrap(max(m.width-4, 20)),
		)
		m.clampList()
		if m.sess != nil {
			cmds = append(cmds, m.reloadMessages())
		}

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.busy && m.cancel != nil {
				m.cancel()
				m.status = "Cancelling..."
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEsc:
			if m.state == stateSelectingDialog {
				m.state = stateMenu
				m.cursor = 0
				return m, nil
			}
			if m.busy {
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEnter:
			switch m.state {
			case stateMenu:
				if m.cursor == 0 {
					m.state = stateChatting
					return m, m.newSession()
				}
				m.state = stateSelectingDialog
				m.cursor = 0
				m.listOffset = 0
			case stateSelectingDialog:
				m.state = stateChatting
				return m, m.resumeSession(m.dialogs[m.cursor].ID)
			case stateChatting:
				m.err = nil // Clear error on new input
				return m.sendInput()
			}
		case tea.KeyUp:
			if m.state != stateChatting && m.cursor > 0 {
				m.cursor--
				m.clampList()
			}
		case tea.KeyDown:
			maxCursor := 0
			switch m.state {
			case stateMenu:
				maxCursor = 1 // 2 options
			case stateSelectingDialog:
				maxCursor = len(m.dialogs) - 1
			}
			if m.state != stateChatting && m.cursor < maxCursor {
				m.cursor++
				m.clampList()
			}
		}

	case sessionMsg:
		m.sess = msg.sess
		m.dialogID = msg.sess.DialogID()
		m.updates = m.store.Subscribe()
		m.textarea.Placeholder = "Send a message or /help..."
		m.textarea.Focus()
		m.snapshot()
		cmds = append(cmds, m.reloadMessages(), waitForUpdate(m.updates))

	case dialogUpdateMsg:
		slog.Debug("TUI received update for dialog", "dialogID", msg)
		if m.sess != nil && string(msg) == m.dialogID {
			cmds = append(cmds, m.reloadMessages())
		}
		cmds = append(cmds, waitForUpdate(m.updates))

	case transcriptMsg:
		if msg.dialogID == m.dialogID {
			m.transcript = msg.content
			m.refreshView()
		}

	case toolEventMsg:
		m.status = describeEvent(agent.Event(msg))

	case spinner.TickMsg:
		if m.busy {
			var spCmd tea.Cmd
			m.spinner, spCmd = m.spinner.Update(msg)
			cmds = append(cmds, spCmd)
		}

	case replyMsg:
		m.busy = false
		m.status = ""
		if m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
		m.snapshot()
		if msg.err != nil {
			if errors.Is(msg.err, context.Canceled) {
				m.notes = append(m.notes, noticeStyle.Render("Turn cancelled."))
			} else {
				m.err = msg.err
			}
			m.refreshView()
			break
		}
		if msg.reply.Quit {
			return m, tea.Quit
		}
		if id := m.sess.DialogID(); id != m.dialogID {
			m.dialogID = id
			m.notes = nil
			m.transcript = ""
		}
		for _, n := range msg.reply.Notices {
			m.notes = append(m.notes, noticeStyle.Render(n))
		}
		// Model answers arrive through the store; everything else is a note.
		if !msg.reply.Markdown && msg.reply.Text != "" {
			m.notes = append(m.notes, msg.reply.Text)
		}
		m.refreshView()
		cmds = append(cmds, m.reloadMessages())

	case errMsg:
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

func (m *tui) clampList() {
	maxViewable := max(m.height-7, 1)
	if m.cursor < m.listOffset {
		m.listOffset = m.cursor
	}
	if m.cursor >= m.listOffset+maxViewable {
		m.listOffset = m.cursor - maxViewable + 1
	}
	if m.listOffset < 0 {
		m.listOffset = 0
	}
}

func (m *tui) snapshot() {
	st := m.sess.Stats()
	m.title = fmt.Sprintf("godagent · %s · %s", m.sess.Provider(), m.sess.Settings().Model)
	m.summary = fmt.Sprintf("%d messages · %d/%d tokens (%.0f%%)", st.MessageCount, st.TotalTokens, st.MaxTokens, st.Percentage)
}

func (m *tui) refreshView() {
	content := m.transcript
	if len(m.notes) > 0 {
		content += "\n" + strings.Join(m.notes, "\n\n") + "\n"
	}
	m.viewport.SetContent(content)
	m.viewport.GotoBottom()
}

func (m tui) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("\nError: %v", m.err))
	}

	switch m.state {
	case stateMenu:
		header := titleStyle.Render("godagent")

		options := []string{"New Dialog", "Continue Dialog"}
		var optionsView []string
		for i, choice := range options {
			cursor := " "
			if m.cursor == i {
				cursor = ">"
				choice = selectedItemStyle.Render(choice)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), choice))
		}

		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Press Enter to select, Esc to quit."
		return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)

	case stateSelectingDialog:
		header := titleStyle.Render("Select Dialog")

		maxViewable := max(m.height-7, 1)
		start := m.listOffset
		end := min(start+maxViewable, len(m.dialogs))

		var optionsView []string
		for i := start; i < end; i++ {
			d := m.dialogs[i]
			cursor := " "
			line := fmt.Sprintf("%s  %s", d.UpdatedAt.Local().Format(time.RFC822), d.Title)
			if m.cursor == i {
				cursor = ">"
				line = selectedItemStyle.Render(line)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), line))
		}

		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Press Enter to select, Esc to go back."
		return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)
	}

	title := m.title
	if title == "" {
		title = "godagent"
	}
	status := statusStyle.Render(m.summary)
	if m.busy {
		status = m.spinner.View() + " " + statusStyle.Render(m.status+" (ctrl+c to cancel)")
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render(title),
		"",
		m.viewport.View(),
		status,
		errorView,
		m.textarea.View(),
	)
}

// Actions

func (m tui) newSession() tea.Cmd {
	return func() tea.Msg {
		sess, err := chat.New(m.ctx, m.opts)
		if err != nil {
			return errMsg{err}
		}
		return sessionMsg{sess}
	}
}

func (m tui) resumeSession(id string) tea.Cmd {
	return func() tea.Msg {
		sess, err := chat.Resume(m.ctx, m.opts, id)
		if err != nil {
			return errMsg{err}
		}
		return sessionMsg{sess}
	}
}

func (m tui) sendInput() (tui, tea.Cmd) {
	v := strings.TrimSpace(m.textarea.Value())
	if v == "" || m.sess == nil || m.busy {
		return m, nil
	}
	m.textarea.Reset()

	ctx, cancel := context.WithCancel(m.ctx)
	m.cancel = cancel
	m.busy = true
	m.status = "Thinking..."
	if strings.HasPrefix(v, "/") {
		m.status = "Running " + strings.Fields(v)[0] + "..."
	}

	sess := m.sess
	return m, tea.Batch(m.spinner.Tick, func() tea.Msg {
		reply, err := sess.Handle(ctx, v)
		return replyMsg{reply: reply, err: err}
	})
}

func (m tui) reloadMessages() tea.Cmd {
	dialogID := m.dialogID
	renderer := m.renderer
	return func() tea.Msg {
		msgs, err := m.store.Messages(m.ctx, dialogID)
		if err != nil {
			return errMsg{err}
		}
		return transcriptMsg{dialogID: dialogID, content: renderTranscript(msgs, renderer)}
	}
}

func renderTranscript(msgs []domain.Message, renderer *glamour.TermRenderer) string {
	var sb strings.Builder
	for _, msg := range msgs {
		switch msg.Role {
		case domain.RoleUser:
			sb.WriteString(userStyle.Render("You: "))
			sb.WriteString("\n")
			sb.WriteString(msg.Text)
			sb.WriteString("\n\n")
		case domain.RoleAssistant:
			sb.WriteString(senderStyle.Render("AI: "))
			sb.WriteString("\n")
			sb.WriteString(renderMarkdown(renderer, msg.Text))
			sb.WriteString("\n")
		case domain.RoleToolRequest:
			for _, tc := range msg.ToolCalls {
				sb.WriteString(toolStyle.Render(fmt.Sprintf("[Tool: %s %v]", tc.Name, tc.Arguments)))
				sb.WriteString("\n")
			}
		case domain.RoleToolResult:
			if r := msg.ToolResult; r != nil {
				status, body := "Success", r.Content
				if r.IsError() {
					status, body = "Error", r.Error
				}
				if len(body) > maxToolOutput {
					body = body[:maxToolOutput] + "..."
				}
				sb.WriteString(toolStyle.Render(fmt.Sprintf("[%s: %s]\n%s", status, r.Name, body)))
				sb.WriteString("\n\n")
			}
		case domain.RoleDigest:
			sb.WriteString(toolStyle.Render("[Summary of earlier conversation]"))
			sb.WriteString("\n")
			sb.WriteString(renderMarkdown(renderer, msg.Text))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func renderMarkdown(r *glamour.TermRenderer, text string) string {
	if r == nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text // Fallback
	}
	return out
}

func describeEvent(e agent.Event) string {
	switch e.Type {
	case agent.EventModelCall:
		if e.Iteration > 1 {
			return fmt.Sprintf("Thinking (step %d)...", e.Iteration)
		}
		return "Thinking..."
	case agent.EventToolStart:
		return fmt.Sprintf("Calling %s...", e.Call.Name)
	case agent.EventToolFinish:
		if !e.Result.OK() {
			return fmt.Sprintf("%s failed after %s", e.Call.Name, e.Duration.Round(time.Millisecond))
		}
		return fmt.Sprintf("%s done in %s", e.Call.Name, e.Duration.Round(time.Millisecond))
	case agent.EventCompressed:
		return fmt.Sprintf("Compressed %d messages", e.Compressed)
	}
	return "Working..."
}

func waitForUpdate(sub <-chan string) tea.Cmd {
	return func() tea.Msg {
		id, ok := <-sub
		if !ok {
			return nil
		}
		return dialogUpdateMsg(id)
	}
}

// --- Command ---

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// The TUI owns the terminal, so logs go to a file.
	dataDir := config.ExpandPath(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dataDir, "godagent.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer f.Close()
	if err := setupLogging(f); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg, appOptions{Prompt: true, Tools: true, Model: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Scheduler.Enabled {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		defer a.scheduler.Stop()
	}

	dialogs, err := a.store.ListDialogs(ctx)
	if err != nil {
		return err
	}

	var p *tea.Program
	opts := a.chatOptions()
	opts.Observer = func(e agent.Event) {
		if p != nil {
			p.Send(toolEventMsg(e))
		}
	}

	p = tea.NewProgram(newTUI(ctx, opts, dialogs), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running TUI: %w", err)
	}
	return nil
}

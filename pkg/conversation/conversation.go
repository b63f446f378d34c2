package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nstogner/godagent/pkg/domain"
	"github.com/nstogner/godagent/pkg/model"
)

// ErrNoGain is returned when a digest would not be smaller than the messages it replaces.
var ErrNoGain = errors.New("compression would not reduce token count")

// Recorder persists conversation mutations. It is called before the
// in-memory state changes; an error aborts the mutation.
type Recorder interface {
	AppendMessage(ctx context.Context, dialogID string, msg domain.Message) error
	ReplaceMessages(ctx context.Context, dialogID string, msgs []domain.Message) error
}

// Summarizer condenses text into at most maxTokens tokens.
type Summarizer interface {
	Summarize(ctx context.Context, text string, maxTokens int) (string, error)
}

// SummarizerFunc adapts a function to the Summarizer interface.
type SummarizerFunc func(ctx context.Context, text string, maxTokens int) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, text string, maxTokens int) (string, error) {
	return f(ctx, text, maxTokens)
}

// Conversation is the ordered message history of one dialog.
type Conversation struct {
	mu         sync.Mutex
	dialogID   string
	policy     Policy
	recorder   Recorder
	messages   []domain.Message
	total      int
	compressed bool
	usage      model.Usage
}

// New creates an empty conversation. recorder may be nil.
func New(dialogID string, policy Policy, recorder Recorder) *Conversation {
	return &Conversation{dialogID: dialogID, policy: policy, recorder: recorder}
}

// Restore creates a conversation from previously persisted messages.
// Messages without a token estimate get one.
func Restore(dialogID string, policy Policy, recorder Recorder, msgs []domain.Message, compressed bool) *Conversation {
	c := New(dialogID, policy, recorder)
	c.messages = make([]domain.Message, len(msgs))
	copy(c.messages, msgs)
	for i := range c.messages {
		if c.messages[i].Tokens == 0 {
			c.messages[i].Tokens = EstimateTokens(RenderText(c.messages[i]))
		}
		c.total += c.messages[i].Tokens
	}
	c.compressed = compressed
	return c
}

func (c *Conversation) DialogID() string { return c.dialogID }
func (c *Conversation) Policy() Policy   { return c.policy }

// Messages returns a copy of the history.
func (c *Conversation) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *Conversation) TotalTokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *Conversation) Compressed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compressed
}

// ShouldCompress reports whether the history has crossed the safe threshold.
func (c *Conversation) ShouldCompress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total > c.policy.SafeThreshold
}

// Append stamps msg with an ID, dialog, timestamp and token estimate,
// persists it and adds it to the history. The stored message is returned.
func (c *Conversation) Append(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if !msg.Role.Valid() {
		return domain.Message{}, fmt.Errorf("invalid role %q", msg.Role)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.DialogID = c.dialogID
	msg.Tokens = EstimateTokens(RenderText(msg))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recorder != nil {
		if err := c.recorder.AppendMessage(ctx, c.dialogID, msg); err != nil {
			return domain.Message{}, fmt.Errorf("persisting message: %w", err)
		}
	}
	c.messages = append(c.messages, msg)
	c.total += msg.Tokens
	return msg, nil
}

// AddUsage accumulates provider-reported token counters.
func (c *Conversation) AddUsage(u model.Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage = c.usage.Add(u)
}

// Clear empties the history and resets all counters.
func (c *Conversation) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recorder != nil {
		if err := c.recorder.ReplaceMessages(ctx, c.dialogID, nil); err != nil {
			return fmt.Errorf("clearing messages: %w", err)
		}
	}
	c.messages = nil
	c.total = 0
	c.compressed = false
	c.usage = model.Usage{}
	return nil
}

// Compress replaces the old prefix of the history with a single digest
// message when ShouldCompress is true. It returns the number of messages
// folded into the digest; 0 means nothing was done.
func (c *Conversation) Compress(ctx context.Context, s Summarizer) (int, error) {
	return c.compress(ctx, s, false)
}

// ForceCompress runs a compression pass regardless of the threshold.
func (c *Conversation) ForceCompress(ctx context.Context, s Summarizer) (int, error) {
	return c.compress(ctx, s, true)
}

func (c *Conversation) compress(ctx context.Context, s Summarizer, force bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && c.total <= c.policy.SafeThreshold {
		return 0, nil
	}
	n := len(c.messages)
	if n < 2 {
		return 0, nil
	}

	keep := min(c.policy.KeepRecent, n-1)
	old := c.messages[:n-keep]
	recent := c.messages[n-keep:]

	oldTokens := 0
	parts := make([]string, 0, len(old))
	for _, m := range old {
		oldTokens += m.Tokens
		parts = append(parts, roleLabel(m.Role)+": "+RenderText(m))
	}

	sctx, cancel := context.WithTimeout(ctx, c.policy.SummaryTimeout)
	defer cancel()
	summary, err := s.Summarize(sctx, strings.Join(parts, "\n\n"), c.policy.SummaryMaxTokens)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("compression timed out after %s: %w", c.policy.SummaryTimeout, err)
		}
		return 0, fmt.Errorf("summarizing history: %w", err)
	}

	digestTokens := EstimateTokens(digestText(summary, len(old), 0))
	saved := oldTokens - digestTokens
	if saved <= 0 {
		return 0, ErrNoGain
	}
	digest := domain.Message{
		ID:        uuid.New().String(),
		DialogID:  c.dialogID,
		Role:      domain.RoleDigest,
		Text:      digestText(summary, len(old), saved),
		CreatedAt: time.Now().UTC(),
	}
	digest.Tokens = EstimateTokens(digest.Text)

	next := make([]domain.Message, 0, keep+1)
	next = append(next, digest)
	next = append(next, recent...)

	total := 0
	for _, m := range next {
		total += m.Tokens
	}
	if total >= c.total {
		return 0, ErrNoGain
	}

	if c.recorder != nil {
		if err := c.recorder.ReplaceMessages(ctx, c.dialogID, next); err != nil {
			return 0, fmt.Errorf("persisting compressed history: %w", err)
		}
	}

	slog.Info("Conversation compressed",
		"dialogID", c.dialogID,
		"messagesCompressed", len(old),
		"tokensBefore", c.total,
		"tokensAfter", total,
	)
	c.messages = next
	c.total = total
	c.compressed = true
	return len(old), nil
}

// PrepareInput summarizes user input that exceeds the per-message cap.
// On failure the raw text is returned together with the error so the caller
// can warn and continue.
func (c *Conversation) PrepareInput(ctx context.Context, text string, s Summarizer) (string, bool, error) {
	if EstimateTokens(text) <= c.policy.MaxInputTokens {
		return text, false, nil
	}
	sctx, cancel := context.WithTimeout(ctx, c.policy.SummaryTimeout)
	defer cancel()
	summary, err := s.Summarize(sctx, text, c.policy.InputSummaryMaxTokens)
	if err != nil {
		return text, false, fmt.Errorf("compressing input: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" || len(summary) >= len(text) {
		return text, false, ErrNoGain
	}
	return summary, true, nil
}

// Stats is a snapshot of the token accounting.
type Stats struct {
	TotalTokens    int         `json:"total_tokens"`
	MaxTokens      int         `json:"max_tokens"`
	Remaining      int         `json:"remaining_tokens"`
	Percentage     float64     `json:"percentage"`
	ShouldCompress bool        `json:"should_compress"`
	MessageCount   int         `json:"message_count"`
	Compressed     bool        `json:"compressed"`
	Usage          model.Usage `json:"usage"`
}

func (c *Conversation) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		TotalTokens:    c.total,
		MaxTokens:      c.policy.MaxContextTokens,
		Remaining:      c.policy.MaxContextTokens - c.total,
		Percentage:     float64(c.total) / float64(c.policy.MaxContextTokens) * 100,
		ShouldCompress: c.total > c.policy.SafeThreshold,
		MessageCount:   len(c.messages),
		Compressed:     c.compressed,
		Usage:          c.usage,
	}
}

// RenderText returns the textual form of a message used for token
// estimation and summarization.
func RenderText(m domain.Message) string {
	switch m.Role {
	case domain.RoleToolRequest:
		var b strings.Builder
		b.WriteString(m.Text)
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "call %s(%s)", tc.Name, args)
		}
		return b.String()
	case domain.RoleToolResult:
		if m.ToolResult == nil {
			return ""
		}
		if m.ToolResult.IsError() {
			return fmt.Sprintf("%s failed: %s", m.ToolResult.Name, m.ToolResult.Error)
		}
		return fmt.Sprintf("%s returned: %s", m.ToolResult.Name, m.ToolResult.Content)
	default:
		return m.Text
	}
}

func roleLabel(r domain.Role) string {
	switch r {
	case domain.RoleUser:
		return "User"
	case domain.RoleToolRequest, domain.RoleToolResult:
		return "Tool"
	case domain.RoleDigest:
		return "Summary"
	default:
		return "Assistant"
	}
}

func digestText(summary string, compressed, saved int) string {
	return fmt.Sprintf("[CONVERSATION HISTORY COMPRESSED]\n"+
		"This is a summary of the previous conversation to preserve context while reducing token usage.\n\n"+
		"%s\n\n[Compression stats: %d messages compressed, %d tokens saved]",
		strings.TrimSpace(summary), compressed, saved)
}

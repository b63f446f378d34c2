package main

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/nstogner/godagent/pkg/domain"
	"github.com/nstogner/godagent/pkg/model/gemini"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"trace": gemini.LevelTrace,
		"DEBUG": slog.LevelDebug,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := parseLevel(in)
		if err != nil {
			t.Fatalf("parseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := parseLevel("loud"); err == nil {
		t.Error("parseLevel(loud) succeeded")
	}
}

func TestRenderTranscript(t *testing.T) {
	long := strings.Repeat("x", maxToolOutput+50)
	msgs := []domain.Message{
		{Role: domain.RoleUser, Text: "price of btc?"},
		{Role: domain.RoleToolRequest, ToolCalls: []domain.ToolCall{{Name: "get_crypto_by_symbol", Arguments: map[string]any{"symbol": "BTC"}}}},
		{Role: domain.RoleToolResult, ToolResult: &domain.ToolResult{Name: "get_crypto_by_symbol", Content: long}},
		{Role: domain.RoleToolResult, ToolResult: &domain.ToolResult{Name: "get_crypto_by_symbol", Error: "rate limited"}},
		{Role: domain.RoleAssistant, Text: "It is **high**."},
	}
	out := renderTranscript(msgs, nil)
	for _, want := range []string{
		"price of btc?",
		"[Tool: get_crypto_by_symbol map[symbol:BTC]]",
		"[Success: get_crypto_by_symbol]",
		"[Error: get_crypto_by_symbol]",
		"rate limited",
		"It is **high**.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("transcript is missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, long) {
		t.Error("long tool output was not truncated")
	}
}

package agent

import (
	"context"
	"fmt"

	"github.com/nstogner/godagent/pkg/conversation"
	"github.com/nstogner/godagent/pkg/model"
)

// ModelSummarizer summarizes text with a one-shot model call.
type ModelSummarizer struct {
	Provider model.Provider
	Settings model.Settings
}

var _ conversation.Summarizer = (*ModelSummarizer)(nil)

func (s *ModelSummarizer) Summarize(ctx context.Context, text string, maxTokens int) (string, error) {
	settings := s.Settings
	settings.SystemInstruction = "You are a conversation summarizer."
	// Leave the model some headroom over the requested length.
	settings.MaxOutputTokens = int32(maxTokens * 2)

	prompt := fmt.Sprintf(`You are summarizing a conversation history to preserve context for an AI assistant.

TASK: Create a comprehensive summary that captures all essential information needed to continue the
conversation naturally.

REQUIREMENTS:
- Maximum length: %d tokens
- Preserve ALL key facts, names, numbers, dates, and specific details
- Maintain the chronological flow of the conversation
- Keep important questions asked and answers given
- Preserve any decisions made, problems identified, or solutions proposed
- Include technical details, code snippets, or file names if mentioned

CONVERSATION TO SUMMARIZE:
%s

SUMMARY (preserve all critical details):`, maxTokens, text)

	return model.Complete(ctx, s.Provider, settings, prompt)
}

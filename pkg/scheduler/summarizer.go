package scheduler

import (
	"context"
	"fmt"

	"github.com/nstogner/godagent/pkg/model"
)

// maxSummaryInput bounds the raw data sent to the model.
const maxSummaryInput = 20000

// ModelSummarizer summarizes task output with a one-shot model call.
type ModelSummarizer struct {
	Provider model.Provider
	Settings model.Settings
}

var _ Summarizer = (*ModelSummarizer)(nil)

func (m *ModelSummarizer) SummarizeTask(ctx context.Context, taskName, raw string) (string, error) {
	if len(raw) > maxSummaryInput {
		raw = raw[:maxSummaryInput]
	}
	settings := m.Settings
	settings.SystemInstruction = ""
	settings.Temperature = model.DefaultTemperature
	settings.MaxOutputTokens = model.DefaultMaxOutputTokens

	prompt := fmt.Sprintf(`Analyze this data from the task "%s" and provide a concise, informative summary in exactly 2-3 short sentences. Focus on key insights and actionable information.

Data:
%s

Provide only the summary, no additional commentary.`, taskName, raw)

	return model.Complete(ctx, m.Provider, settings, prompt)
}

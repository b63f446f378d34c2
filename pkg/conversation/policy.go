package conversation

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Policy holds the compression thresholds of a conversation.
type Policy struct {
	// MaxContextTokens is the hard context cap used for percentages.
	MaxContextTokens int `toml:"max_context_tokens" json:"max_context_tokens"`
	// SafeThreshold is the total above which history is compressed.
	SafeThreshold int `toml:"safe_threshold" json:"safe_threshold"`
	// KeepRecent is the number of trailing messages kept verbatim.
	KeepRecent int `toml:"keep_recent" json:"keep_recent"`
	// MaxInputTokens is the per-message cap above which user input is
	// summarized before it is appended.
	MaxInputTokens        int           `toml:"max_input_tokens" json:"max_input_tokens"`
	SummaryMaxTokens      int           `toml:"summary_max_tokens" json:"summary_max_tokens"`
	InputSummaryMaxTokens int           `toml:"input_summary_max_tokens" json:"input_summary_max_tokens"`
	SummaryTimeout        time.Duration `toml:"summary_timeout" json:"summary_timeout"`
}

// DefaultPolicy returns the thresholds used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxContextTokens:      30000,
		SafeThreshold:         25000,
		KeepRecent:            5,
		MaxInputTokens:        800,
		SummaryMaxTokens:      500,
		InputSummaryMaxTokens: 2000,
		SummaryTimeout:        15 * time.Second,
	}
}

func (p Policy) Validate() error {
	var errs []error
	if p.MaxContextTokens <= 0 {
		errs = append(errs, errors.New("max_context_tokens must be positive"))
	}
	if p.SafeThreshold <= 0 || p.SafeThreshold > p.MaxContextTokens {
		errs = append(errs, fmt.Errorf("safe_threshold %d must be in (0, %d]", p.SafeThreshold, p.MaxContextTokens))
	}
	if p.KeepRecent < 1 {
		errs = append(errs, errors.New("keep_recent must be at least 1"))
	}
	if p.MaxInputTokens <= 0 {
		errs = append(errs, errors.New("max_input_tokens must be positive"))
	}
	if p.SummaryMaxTokens <= 0 || p.InputSummaryMaxTokens <= 0 {
		errs = append(errs, errors.New("summary token budgets must be positive"))
	}
	if p.SummaryTimeout <= 0 {
		errs = append(errs, errors.New("summary_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// EstimateTokens approximates the token count of text at 3.5 characters per token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return max(1, int(float64(utf8.RuneCountInString(text))/3.5))
}

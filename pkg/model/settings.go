package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Default sampling parameters.
const (
	DefaultModel           = "gemini-2.5-flash"
	DefaultTemperature     = 0.7
	DefaultTopK            = 40
	DefaultTopP            = 0.95
	DefaultMaxOutputTokens = 2048
)

// Settings are the per-turn model parameters. Settings is a value type: a
// session replaces its settings wholesale instead of mutating them, so a turn
// always runs against the snapshot it was started with.
type Settings struct {
	Model             string  `json:"model" toml:"model"`
	SystemInstruction string  `json:"system_instruction" toml:"system_instruction"`
	Temperature       float32 `json:"temperature" toml:"temperature"`
	TopK              int32   `json:"top_k" toml:"top_k"`
	TopP              float32 `json:"top_p" toml:"top_p"`
	MaxOutputTokens   int32   `json:"max_output_tokens" toml:"max_output_tokens"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Model:             DefaultModel,
		SystemInstruction: "You are a helpful assistant with access to tools. Use them when they help answer the user.",
		Temperature:       DefaultTemperature,
		TopK:              DefaultTopK,
		TopP:              DefaultTopP,
		MaxOutputTokens:   DefaultMaxOutputTokens,
	}
}

// Validate checks that every parameter is within the range accepted by the providers.
func (s Settings) Validate() error {
	var errs []error
	if s.Model == "" {
		errs = append(errs, errors.New("model must not be empty"))
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature %v out of range [0, 2]", s.Temperature))
	}
	if s.TopK < 1 || s.TopK > 100 {
		errs = append(errs, fmt.Errorf("top_k %d out of range [1, 100]", s.TopK))
	}
	if s.TopP < 0 || s.TopP > 1 {
		errs = append(errs, fmt.Errorf("top_p %v out of range [0, 1]", s.TopP))
	}
	if s.MaxOutputTokens < 1 || s.MaxOutputTokens > 65536 {
		errs = append(errs, fmt.Errorf("max_output_tokens %d out of range [1, 65536]", s.MaxOutputTokens))
	}
	return errors.Join(errs...)
}

// With returns a copy of s with the named parameter set from its string form.
// The copy is validated; s is never modified.
func (s Settings) With(key, value string) (Settings, error) {
	out := s
	switch strings.ToLower(key) {
	case "temperature", "temp":
		f, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return s, fmt.Errorf("temperature: %w", err)
		}
		out.Temperature = float32(f)
	case "top_k", "topk":
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return s, fmt.Errorf("top_k: %w", err)
		}
		out.TopK = int32(n)
	case "top_p", "topp":
		f, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return s, fmt.Errorf("top_p: %w", err)
		}
		out.TopP = float32(f)
	case "max_tokens", "max_output_tokens":
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return s, fmt.Errorf("max_output_tokens: %w", err)
		}
		out.MaxOutputTokens = int32(n)
	case "model":
		out.Model = value
	case "system", "system_instruction":
		out.SystemInstruction = value
	default:
		return s, fmt.Errorf("unknown setting %q", key)
	}
	if err := out.Validate(); err != nil {
		return s, err
	}
	return out, nil
}

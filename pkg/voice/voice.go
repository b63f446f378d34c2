// Package voice transcribes recorded speech through an OpenAI compatible
// Whisper endpoint.
package voice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	DefaultModel   = "whisper-large-v3"

	// MaxFileSize is the upload limit of the transcription endpoint.
	MaxFileSize = 25 << 20
)

var supportedFormats = map[string]bool{
	".flac": true, ".mp3": true, ".mp4": true, ".mpeg": true, ".mpga": true,
	".m4a": true, ".ogg": true, ".opus": true, ".wav": true, ".webm": true,
}

// Transcriber converts audio files to text.
type Transcriber struct {
	client   openai.Client
	model    string
	language string
}

type Config struct {
	APIKey   string `toml:"-"`
	BaseURL  string `toml:"base_url"`
	Model    string `toml:"model"`
	Language string `toml:"language"`
}

func New(cfg Config) (*Transcriber, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("GROQ_API_KEY is required for voice input")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	client := openai.NewClient(
		option.WithBaseURL(cfg.BaseURL),
		option.WithAPIKey(cfg.APIKey),
	)
	return &Transcriber{client: client, model: cfg.Model, language: cfg.Language}, nil
}

// TranscribeFile uploads the audio file at path and returns its transcript.
func (t *Transcriber) TranscribeFile(ctx context.Context, path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !supportedFormats[ext] {
		return "", fmt.Errorf("unsupported audio format %q", ext)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Size() > MaxFileSize {
		return "", fmt.Errorf("audio file too large: %d bytes (max %d)", info.Size(), MaxFileSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	params := openai.AudioTranscriptionNewParams{
		Model: openai.AudioModel(t.model),
		File:  f,
	}
	if t.language != "" {
		params.Language = openai.String(t.language)
	}
	tr, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("transcribing %s: %w", filepath.Base(path), err)
	}
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return "", errors.New("no speech recognized")
	}
	return text, nil
}

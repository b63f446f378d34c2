package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nstogner/godagent/pkg/domain"
)

// ErrEmptyReply is returned when the model answers with no text.
var ErrEmptyReply = errors.New("model returned an empty reply")

// Complete sends a single prompt without tools and returns the text answer.
// It is used for summaries, relevance scoring and other one-shot helpers.
func Complete(ctx context.Context, p Provider, settings Settings, prompt string) (string, error) {
	stream, err := p.Stream(ctx, Request{
		Settings: settings,
		Messages: []domain.Message{{
			ID:        uuid.New().String(),
			Role:      domain.RoleUser,
			Text:      prompt,
			CreatedAt: time.Now().UTC(),
		}},
	})
	if err != nil {
		return "", fmt.Errorf("streaming model: %w", err)
	}
	defer stream.Close()

	reply, err := stream.FullMessage()
	if err != nil {
		return "", fmt.Errorf("getting model response: %w", err)
	}
	text := strings.TrimSpace(reply.Text)
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

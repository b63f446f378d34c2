// Package modeltest provides a scripted model.Provider for tests.
package modeltest

import (
	"context"
	"sync"

	"github.com/nstogner/godagent/pkg/domain"
	"github.com/nstogner/godagent/pkg/model"
)

// Model replays Replies in order, repeating the last one. When Respond is set
// it is used instead.
type Model struct {
	mu       sync.Mutex
	Replies  []model.Reply
	Respond  func(req model.Request) (model.Reply, error)
	Err      error
	Requests []model.Request
}

var _ model.Provider = (*Model)(nil)

// Text returns a Model that always answers with text.
func Text(text string) *Model {
	return &Model{Replies: []model.Reply{{Text: text, Usage: model.Usage{Prompt: 10, Response: 5, Total: 15}}}}
}

func (m *Model) Name() string { return "mock" }

func (m *Model) List(ctx context.Context) ([]domain.Model, error) {
	return []domain.Model{{ID: "mock-model", Name: "mock-model", Provider: "mock"}}, nil
}

func (m *Model) Stream(ctx context.Context, req model.Request) (model.ModelStream, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	n := len(m.Requests)
	respond, err := m.Respond, m.Err
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if respond != nil {
		reply, err := respond(req)
		return &Stream{Reply: reply, Err: err}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Replies) == 0 {
		return &Stream{}, nil
	}
	return &Stream{Reply: m.Replies[min(n, len(m.Replies))-1]}, nil
}

// Calls returns the number of requests received so far.
func (m *Model) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// LastPrompt returns the text of the last message of the most recent request.
func (m *Model) LastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return ""
	}
	msgs := m.Requests[len(m.Requests)-1].Messages
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Text
}

type Stream struct {
	Reply model.Reply
	Err   error
}

func (s *Stream) FullMessage() (model.Reply, error) { return s.Reply, s.Err }
func (s *Stream) Close() error                      { return nil }

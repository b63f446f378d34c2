package domain

import "time"

// Message is a single entry in a conversation.
type Message struct {
	ID       string `json:"id"`
	DialogID string `json:"dialog_id,omitempty"`
	Role     Role   `json:"role"`
	// Text holds the content of user, assistant and digest messages.
	Text string `json:"text,omitempty"`
	// ToolCalls holds the requested calls of a tool_request message, in the order the model listed them.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolResult holds the outcome of a tool_result message.
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	// Tokens is the token estimate assigned when the message was appended.
	Tokens    int       `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
}

// Dialog is a persisted chat session.
type Dialog struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Compressed bool      `json:"compressed"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Model represents an available LLM model.
type Model struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Provider  string `json:"provider"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	// ThoughtSignature is an opaque provider signature that must be sent back
	// with the call on the next request.
	ThoughtSignature []byte `json:"thought_signature,omitempty"`
}

// ToolResult represents the outcome of a tool call execution.
// Exactly one of Content and Error is meaningful.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content,omitempty"`
	Error      string `json:"error,omitempty"`
}

// IsError reports whether the call failed.
func (r *ToolResult) IsError() bool { return r.Error != "" }

// ToolSpec describes a callable tool as advertised to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Task is a scheduled tool invocation.
type Task struct {
	ID                string         `json:"id"`
	Name              string         `json:"name" yaml:"name"`
	Description       string         `json:"description,omitempty" yaml:"description,omitempty"`
	ScheduleType      string         `json:"schedule_type" yaml:"schedule_type"`
	ScheduleValue     string         `json:"schedule_value" yaml:"schedule_value"`
	ToolName          string         `json:"tool_name" yaml:"tool_name"`
	ToolArgs          map[string]any `json:"tool_args,omitempty" yaml:"tool_args,omitempty"`
	UseAISummary      bool           `json:"use_ai_summary" yaml:"use_ai_summary"`
	NotificationLevel string         `json:"notification_level" yaml:"notification_level"`
	Enabled           bool           `json:"enabled" yaml:"enabled"`
	Paused            bool           `json:"paused" yaml:"paused"`
	CreatedAt         time.Time      `json:"created_at" yaml:"-"`
	LastRun           *time.Time     `json:"last_run,omitempty" yaml:"-"`
	NextRun           *time.Time     `json:"next_run,omitempty" yaml:"-"`
}

// TaskRun is one execution record of a task.
type TaskRun struct {
	ID           int64     `json:"id"`
	TaskID       string    `json:"task_id"`
	RunTime      time.Time `json:"run_time"`
	Status       string    `json:"status"`
	Trigger      string    `json:"trigger"`
	DurationMS   int64     `json:"duration_ms"`
	RawData      string    `json:"raw_data,omitempty"`
	AISummary    string    `json:"ai_summary,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Chunk is an indexed piece of a document.
type Chunk struct {
	ID        string            `json:"id"`
	Source    string            `json:"source"`
	Index     int               `json:"index"`
	Text      string            `json:"text"`
	StartChar int               `json:"start_char"`
	EndChar   int               `json:"end_char"`
	Embedding []float32         `json:"-"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// SearchResult is a chunk returned by retrieval, with its similarity to the
// query and, after reranking, its relevance score (0-10).
type SearchResult struct {
	Chunk      Chunk   `json:"chunk"`
	Similarity float64 `json:"similarity"`
	Score      float64 `json:"score,omitempty"`
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/nstogner/godagent/pkg/domain"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// DialogStore persists chat dialogs and their messages. It doubles as the
// conversation.Recorder of the active conversation.
type DialogStore interface {
	// CreateDialog persists a new dialog. The ID field must be set by the caller.
	CreateDialog(ctx context.Context, d *domain.Dialog) error

	// GetDialog retrieves a dialog by ID.
	GetDialog(ctx context.Context, id string) (*domain.Dialog, error)

	// ListDialogs returns all dialogs, most recently updated first.
	ListDialogs(ctx context.Context) ([]domain.Dialog, error)

	// RenameDialog changes the title of a dialog.
	RenameDialog(ctx context.Context, id, title string) error

	// DeleteDialog removes a dialog and its messages.
	DeleteDialog(ctx context.Context, id string) error

	// AppendMessage adds a message to the end of the dialog.
	AppendMessage(ctx context.Context, dialogID string, msg domain.Message) error

	// ReplaceMessages atomically replaces every message of the dialog. A set
	// starting with a digest marks the dialog compressed.
	ReplaceMessages(ctx context.Context, dialogID string, msgs []domain.Message) error

	// Messages returns the messages of the dialog in insertion order.
	Messages(ctx context.Context, dialogID string) ([]domain.Message, error)

	// Subscribe returns a channel that emits dialog IDs whenever their
	// messages change.
	Subscribe() <-chan string

	// Unsubscribe stops delivery to a channel returned by Subscribe.
	Unsubscribe(ch <-chan string)
}

// TaskStore persists scheduled tasks and their execution history.
type TaskStore interface {
	// CreateTask persists a new task. The ID field must be set by the caller.
	CreateTask(ctx context.Context, t *domain.Task) error

	GetTask(ctx context.Context, id string) (*domain.Task, error)

	// ListTasks returns all tasks ordered by creation time.
	ListTasks(ctx context.Context) ([]domain.Task, error)

	// UpdateTask persists changes to the definition and state flags of a task.
	UpdateTask(ctx context.Context, t *domain.Task) error

	// DeleteTask removes a task and its history.
	DeleteTask(ctx context.Context, id string) error

	// SetRunTimes records the last and next run of a task. A nil lastRun
	// leaves the stored value unchanged.
	SetRunTimes(ctx context.Context, id string, lastRun, nextRun *time.Time) error

	// AddRun appends an execution record and sets its ID.
	AddRun(ctx context.Context, run *domain.TaskRun) error

	// Runs returns the most recent runs of a task, newest first.
	Runs(ctx context.Context, taskID string, limit int) ([]domain.TaskRun, error)
}

// ChunkStore persists indexed document chunks and their embeddings.
type ChunkStore interface {
	// AddChunks stores chunks, replacing any with the same ID.
	AddChunks(ctx context.Context, chunks []domain.Chunk) error

	// Chunks returns every stored chunk with its embedding.
	Chunks(ctx context.Context) ([]domain.Chunk, error)

	// DeleteSource removes the chunks of a source and reports how many were removed.
	DeleteSource(ctx context.Context, source string) (int, error)

	// Sources returns the chunk count per indexed source.
	Sources(ctx context.Context) (map[string]int, error)
}

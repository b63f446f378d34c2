package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/godagent/pkg/domain"
	"github.com/nstogner/godagent/pkg/store"
)

// Store implements DialogStore, TaskStore and ChunkStore using SQLite.
type Store struct {
	db          *sql.DB
	subscribers []chan string
	mu          sync.RWMutex
}

// Verify interface compliance at compile time.
var _ store.DialogStore = (*Store)(nil)
var _ store.TaskStore = (*Store)(nil)
var _ store.ChunkStore = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS dialogs (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		compressed INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		dialog_id TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		tool_calls TEXT NOT NULL DEFAULT '',
		tool_result TEXT NOT NULL DEFAULT '',
		tokens INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		seq INTEGER NOT NULL,
		FOREIGN KEY (dialog_id) REFERENCES dialogs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_dialog_seq ON messages(dialog_id, seq);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		schedule_type TEXT NOT NULL,
		schedule_value TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		tool_args TEXT NOT NULL DEFAULT '{}',
		use_ai_summary INTEGER NOT NULL DEFAULT 0,
		notification_level TEXT NOT NULL DEFAULT 'all',
		enabled INTEGER NOT NULL DEFAULT 1,
		paused INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_run DATETIME,
		next_run DATETIME
	);

	CREATE TABLE IF NOT EXISTS task_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		run_time DATETIME NOT NULL,
		status TEXT NOT NULL,
		trigger TEXT NOT NULL DEFAULT 'schedule',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		raw_data TEXT NOT NULL DEFAULT '',
		ai_summary TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_history_task ON task_history(task_id, run_time);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		idx INTEGER NOT NULL,
		text TEXT NOT NULL,
		start_char INTEGER NOT NULL DEFAULT 0,
		end_char INTEGER NOT NULL DEFAULT 0,
		embedding BLOB,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source);
	`
	_, err := s.db.Exec(schema)
	return err
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
}

// --- DialogStore ---

func (s *Store) CreateDialog(ctx context.Context, d *domain.Dialog) error {
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dialogs (id, title, compressed, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.Title, d.Compressed, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (s *Store) GetDialog(ctx context.Context, id string) (*domain.Dialog, error) {
	d := &domain.Dialog{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, compressed, created_at, updated_at FROM dialogs WHERE id = ?`, id,
	).Scan(&d.ID, &d.Title, &d.Compressed, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("dialog", id)
	}
	return d, err
}

func (s *Store) ListDialogs(ctx context.Context) ([]domain.Dialog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, compressed, created_at, updated_at FROM dialogs ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dialogs []domain.Dialog
	for rows.Next() {
		var d domain.Dialog
		if err := rows.Scan(&d.ID, &d.Title, &d.Compressed, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		dialogs = append(dialogs, d)
	}
	return dialogs, rows.Err()
}

func (s *Store) RenameDialog(ctx context.Context, id, title string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE dialogs SET title=?, updated_at=? WHERE id=?`, title, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return notFound("dialog", id)
	}
	return nil
}

func (s *Store) DeleteDialog(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM dialogs WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return notFound("dialog", id)
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, dialogID string, msg domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := touchDialog(ctx, tx, dialogID, nil); err != nil {
		return err
	}
	var maxSeq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE dialog_id=?`, dialogID,
	).Scan(&maxSeq); err != nil {
		return err
	}
	if err := insertMessage(ctx, tx, dialogID, msg, maxSeq+1); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.notifySubscribers(dialogID)
	return nil
}

func (s *Store) ReplaceMessages(ctx context.Context, dialogID string, msgs []domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	compressed := len(msgs) > 0 && msgs[0].Role == domain.RoleDigest
	if err := touchDialog(ctx, tx, dialogID, &compressed); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE dialog_id=?`, dialogID); err != nil {
		return err
	}
	for i, m := range msgs {
		if err := insertMessage(ctx, tx, dialogID, m, i+1); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.notifySubscribers(dialogID)
	return nil
}

func (s *Store) Messages(ctx context.Context, dialogID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, dialog_id, role, text, tool_calls, tool_result, tokens, created_at
		 FROM messages WHERE dialog_id=? ORDER BY seq ASC`, dialogID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var (
			m                 domain.Message
			calls, toolResult string
		)
		if err := rows.Scan(&m.ID, &m.DialogID, &m.Role, &m.Text, &calls, &toolResult, &m.Tokens, &m.CreatedAt); err != nil {
			return nil, err
		}
		if calls != "" {
			if err := json.Unmarshal([]byte(calls), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decoding tool calls of %s: %w", m.ID, err)
			}
		}
		if toolResult != "" {
			m.ToolResult = &domain.ToolResult{}
			if err := json.Unmarshal([]byte(toolResult), m.ToolResult); err != nil {
				return nil, fmt.Errorf("decoding tool result of %s: %w", m.ID, err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) Subscribe() <-chan string {
	ch := make(chan string, 64)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) Unsubscribe(ch <-chan string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}

func (s *Store) notifySubscribers(dialogID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- dialogID:
		default:
			// Drop if subscriber is not consuming fast enough.
		}
	}
}

func insertMessage(ctx context.Context, tx *sql.Tx, dialogID string, m domain.Message, seq int) error {
	var calls, toolResult string
	if len(m.ToolCalls) > 0 {
		b, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return err
		}
		calls = string(b)
	}
	if m.ToolResult != nil {
		b, err := json.Marshal(m.ToolResult)
		if err != nil {
			return err
		}
		toolResult = string(b)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, dialog_id, role, text, tool_calls, tool_result, tokens, created_at, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, dialogID, m.Role, m.Text, calls, toolResult, m.Tokens, m.CreatedAt, seq,
	)
	return err
}

func touchDialog(ctx context.Context, tx *sql.Tx, dialogID string, compressed *bool) error {
	var (
		result sql.Result
		err    error
	)
	if compressed != nil {
		result, err = tx.ExecContext(ctx, `UPDATE dialogs SET updated_at=?, compressed=? WHERE id=?`, time.Now().UTC(), *compressed, dialogID)
	} else {
		result, err = tx.ExecContext(ctx, `UPDATE dialogs SET updated_at=? WHERE id=?`, time.Now().UTC(), dialogID)
	}
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return notFound("dialog", dialogID)
	}
	return nil
}

// --- TaskStore ---

const taskColumns = `id, name, description, schedule_type, schedule_value, tool_name, tool_args,
	use_ai_summary, notification_level, enabled, paused, created_at, last_run, next_run`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*domain.Task, error) {
	var (
		t                domain.Task
		args             string
		lastRun, nextRun sql.NullTime
	)
	if err := r.Scan(&t.ID, &t.Name, &t.Description, &t.ScheduleType, &t.ScheduleValue, &t.ToolName, &args,
		&t.UseAISummary, &t.NotificationLevel, &t.Enabled, &t.Paused, &t.CreatedAt, &lastRun, &nextRun); err != nil {
		return nil, err
	}
	if args != "" {
		if err := json.Unmarshal([]byte(args), &t.ToolArgs); err != nil {
			return nil, fmt.Errorf("decoding tool args of task %s: %w", t.ID, err)
		}
	}
	if lastRun.Valid {
		v := lastRun.Time.UTC()
		t.LastRun = &v
	}
	if nextRun.Valid {
		v := nextRun.Time.UTC()
		t.NextRun = &v
	}
	return &t, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func encodeArgs(args map[string]any) (string, error) {
	if args == nil {
		return "{}", nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encoding tool args: %w", err)
	}
	return string(b), nil
}

func (s *Store) CreateTask(ctx context.Context, t *domain.Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	args, err := encodeArgs(t.ToolArgs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Description, t.ScheduleType, t.ScheduleValue, t.ToolName, args,
		t.UseAISummary, t.NotificationLevel, t.Enabled, t.Paused, t.CreatedAt,
		nullTime(t.LastRun), nullTime(t.NextRun),
	)
	return err
}

func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("task", id)
	}
	return t, err
}

func (s *Store) ListTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateTask(ctx context.Context, t *domain.Task) error {
	args, err := encodeArgs(t.ToolArgs)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET name=?, description=?, schedule_type=?, schedule_value=?, tool_name=?, tool_args=?,
		 use_ai_summary=?, notification_level=?, enabled=?, paused=?, next_run=? WHERE id=?`,
		t.Name, t.Description, t.ScheduleType, t.ScheduleValue, t.ToolName, args,
		t.UseAISummary, t.NotificationLevel, t.Enabled, t.Paused, nullTime(t.NextRun), t.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return notFound("task", t.ID)
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return notFound("task", id)
	}
	return nil
}

func (s *Store) SetRunTimes(ctx context.Context, id string, lastRun, nextRun *time.Time) error {
	var (
		result sql.Result
		err    error
	)
	if lastRun != nil {
		result, err = s.db.ExecContext(ctx, `UPDATE tasks SET last_run=?, next_run=? WHERE id=?`,
			nullTime(lastRun), nullTime(nextRun), id)
	} else {
		result, err = s.db.ExecContext(ctx, `UPDATE tasks SET next_run=? WHERE id=?`, nullTime(nextRun), id)
	}
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return notFound("task", id)
	}
	return nil
}

func (s *Store) AddRun(ctx context.Context, run *domain.TaskRun) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO task_history (task_id, run_time, status, trigger, duration_ms, raw_data, ai_summary, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.TaskID, run.RunTime.UTC(), run.Status, run.Trigger, run.DurationMS, run.RawData, run.AISummary, run.ErrorMessage,
	)
	if err != nil {
		return err
	}
	run.ID, err = result.LastInsertId()
	return err
}

func (s *Store) Runs(ctx context.Context, taskID string, limit int) ([]domain.TaskRun, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, run_time, status, trigger, duration_ms, raw_data, ai_summary, error_message
		 FROM task_history WHERE task_id=? ORDER BY run_time DESC, id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.TaskRun
	for rows.Next() {
		var r domain.TaskRun
		if err := rows.Scan(&r.ID, &r.TaskID, &r.RunTime, &r.Status, &r.Trigger, &r.DurationMS,
			&r.RawData, &r.AISummary, &r.ErrorMessage); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- ChunkStore ---

func (s *Store) AddChunks(ctx context.Context, chunks []domain.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO chunks (id, source, idx, text, start_char, end_char, embedding, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return err
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.Source, c.Index, c.Text, c.StartChar, c.EndChar,
			encodeEmbedding(c.Embedding), string(meta), c.CreatedAt); err != nil {
			return fmt.Errorf("storing chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Chunks(ctx context.Context) ([]domain.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, idx, text, start_char, end_char, embedding, metadata, created_at
		 FROM chunks ORDER BY source, idx`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []domain.Chunk
	for rows.Next() {
		var (
			c    domain.Chunk
			emb  []byte
			meta string
		)
		if err := rows.Scan(&c.ID, &c.Source, &c.Index, &c.Text, &c.StartChar, &c.EndChar, &emb, &meta, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Embedding = decodeEmbedding(emb)
		if meta != "" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata of chunk %s: %w", c.ID, err)
			}
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *Store) DeleteSource(ctx context.Context, source string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE source=?`, source)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *Store) Sources(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM chunks GROUP BY source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			src string
			n   int
		)
		if err := rows.Scan(&src, &n); err != nil {
			return nil, err
		}
		out[src] = n
	}
	return out, rows.Err()
}

// Embeddings are stored as little-endian float32 blobs.
func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

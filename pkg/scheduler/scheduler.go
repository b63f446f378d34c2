// Package scheduler runs tool invocations on interval, daily and weekly
// schedules and records every firing in the task store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/nstogner/godagent/pkg/domain"
	"github.com/nstogner/godagent/pkg/notify"
	"github.com/nstogner/godagent/pkg/store"
	"github.com/nstogner/godagent/pkg/tools"
)

const (
	DefaultConcurrency  = 5
	DefaultPerTaskLimit = 3
	DefaultMisfireGrace = 300 * time.Second
	DefaultSyncInterval = 10 * time.Second

	syncJobName = "_sync_tasks"
)

// ErrBusy is returned when a task already has the maximum number of
// concurrent firings in flight.
var ErrBusy = errors.New("task is already running at its concurrency limit")

// ErrInvalidTask is returned by Add for incomplete task definitions.
var ErrInvalidTask = errors.New("invalid task")

// ToolRunner executes tool calls. *tools.Dispatcher implements it.
type ToolRunner interface {
	Dispatch(ctx context.Context, call domain.ToolCall) tools.Result
}

// Summarizer turns the raw output of a task into a short human summary.
type Summarizer interface {
	SummarizeTask(ctx context.Context, taskName, raw string) (string, error)
}

// Stats are the scheduler's lifetime counters.
type Stats struct {
	TasksExecuted int64         `json:"tasks_executed"`
	TasksFailed   int64         `json:"tasks_failed"`
	TasksMissed   int64         `json:"tasks_missed"`
	StartedAt     time.Time     `json:"started_at"`
	Uptime        time.Duration `json:"uptime"`
	ActiveJobs    int           `json:"active_jobs"`
}

type Option func(*Scheduler)

func WithNotifier(n notify.Notifier) Option { return func(s *Scheduler) { s.notifier = n } }

func WithSummarizer(sum Summarizer) Option { return func(s *Scheduler) { s.summarizer = sum } }

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func WithMisfireGrace(d time.Duration) Option { return func(s *Scheduler) { s.grace = d } }

func WithSyncInterval(d time.Duration) Option { return func(s *Scheduler) { s.syncInterval = d } }

func WithConcurrency(n uint) Option { return func(s *Scheduler) { s.concurrency = n } }

func WithPerTaskLimit(n int64) Option { return func(s *Scheduler) { s.perTaskLimit = n } }

type liveJob struct {
	id        uuid.UUID
	signature string
}

// Scheduler owns the live gocron jobs of the enabled tasks. It is the only
// writer of a task's LastRun and NextRun.
type Scheduler struct {
	store      store.TaskStore
	runner     ToolRunner
	notifier   notify.Notifier
	summarizer Summarizer

	now          func() time.Time
	grace        time.Duration
	syncInterval time.Duration
	concurrency  uint
	perTaskLimit int64

	cron gocron.Scheduler

	mu        sync.Mutex
	running   bool
	runCtx    context.Context
	jobs      map[string]liveJob
	sems      map[string]*semaphore.Weighted
	startedAt time.Time

	// syncMu serializes reconcile passes.
	syncMu sync.Mutex

	executed, failed, missed atomic.Int64
}

func New(st store.TaskStore, runner ToolRunner, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		store:        st,
		runner:       runner,
		notifier:     notify.Nop{},
		now:          time.Now,
		grace:        DefaultMisfireGrace,
		syncInterval: DefaultSyncInterval,
		concurrency:  DefaultConcurrency,
		perTaskLimit: DefaultPerTaskLimit,
		jobs:         map[string]liveJob{},
		sems:         map[string]*semaphore.Weighted{},
	}
	for _, opt := range opts {
		opt(s)
	}

	cron, err := gocron.NewScheduler(
		gocron.WithLimitConcurrentJobs(s.concurrency, gocron.LimitModeWait),
		gocron.WithLocation(time.Local),
	)
	if err != nil {
		return nil, fmt.Errorf("creating cron scheduler: %w", err)
	}
	s.cron = cron
	return s, nil
}

// Start reconciles the stored tasks, registers their jobs and begins firing.
// Jobs run with ctx until Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.running = true
	s.runCtx = ctx
	s.startedAt = s.now()
	s.mu.Unlock()

	if err := s.Sync(ctx); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}

	_, err := s.cron.NewJob(
		gocron.DurationJob(s.syncInterval),
		gocron.NewTask(func() {
			if err := s.Sync(ctx); err != nil {
				slog.Error("Task sync failed", "error", err)
			}
		}),
		gocron.WithName(syncJobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("registering sync job: %w", err)
	}

	s.cron.Start()
	slog.Info("Scheduler started", "jobs", s.activeJobs())
	return nil
}

// Stop waits for running jobs and shuts the scheduler down.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("shutting down cron scheduler: %w", err)
	}
	slog.Info("Scheduler stopped")
	return nil
}

// Sync reconciles the live jobs with the task store and handles misfires:
// an overdue task is run once when it is within the grace window and
// recorded as missed otherwise. Either way its NextRun moves forward.
func (s *Scheduler) Sync(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}

	seen := map[string]bool{}
	for i := range tasks {
		t := &tasks[i]
		seen[t.ID] = true
		if !t.Enabled || t.Paused {
			s.unschedule(t.ID)
			continue
		}
		sched, err := ParseSchedule(t.ScheduleType, t.ScheduleValue)
		if err != nil {
			slog.Warn("Skipping task with invalid schedule", "task", t.Name, "error", err)
			s.unschedule(t.ID)
			continue
		}
		if err := s.catchUp(ctx, t, sched); err != nil {
			slog.Error("Misfire handling failed", "task", t.Name, "error", err)
		}
		if err := s.schedule(t, sched); err != nil {
			slog.Error("Scheduling task failed", "task", t.Name, "error", err)
		}
	}

	s.mu.Lock()
	var stale []string
	for id := range s.jobs {
		if !seen[id] {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.unschedule(id)
	}
	return nil
}

func (s *Scheduler) catchUp(ctx context.Context, t *domain.Task, sched Schedule) error {
	now := s.now()
	if t.NextRun == nil {
		next := sched.Next(now)
		t.NextRun = &next
		return s.store.SetRunTimes(ctx, t.ID, nil, &next)
	}
	if !t.NextRun.Before(now) {
		return nil
	}
	// Registered jobs fire on their own; only tasks without one catch up.
	if s.hasJob(t.ID) {
		return nil
	}

	late := now.Sub(*t.NextRun)
	if late <= s.grace {
		slog.Info("Running misfired task", "task", t.Name, "late", late)
		_, err := s.fire(ctx, t.ID, domain.TriggerMisfire)
		if err != nil && !errors.Is(err, ErrBusy) {
			return err
		}
		if err == nil {
			updated, err := s.store.GetTask(ctx, t.ID)
			if err != nil {
				return err
			}
			*t = *updated
			return nil
		}
	} else {
		slog.Warn("Task missed its run", "task", t.Name, "scheduled", *t.NextRun, "late", late)
		s.missed.Add(1)
		run := &domain.TaskRun{
			TaskID:       t.ID,
			RunTime:      *t.NextRun,
			Status:       domain.RunMissed,
			Trigger:      domain.TriggerSchedule,
			ErrorMessage: fmt.Sprintf("missed by %s (grace %s)", late.Round(time.Second), s.grace),
		}
		if err := s.store.AddRun(ctx, run); err != nil {
			return fmt.Errorf("recording missed run: %w", err)
		}
	}

	next := sched.Next(now)
	t.NextRun = &next
	return s.store.SetRunTimes(ctx, t.ID, nil, &next)
}

// schedule registers (or re-registers after a schedule change) the live job
// of an enabled task. It is a no-op until the scheduler is started.
func (s *Scheduler) schedule(t *domain.Task, sched Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}

	sig := t.ScheduleType + "|" + t.ScheduleValue
	if live, ok := s.jobs[t.ID]; ok {
		if live.signature == sig {
			return nil
		}
		if err := s.cron.RemoveJob(live.id); err != nil {
			slog.Warn("Removing stale job failed", "task", t.Name, "error", err)
		}
		delete(s.jobs, t.ID)
	}

	opts := []gocron.JobOption{gocron.WithName(t.Name), gocron.WithTags(t.ID)}
	if sched.Type == domain.ScheduleInterval && t.NextRun != nil && t.NextRun.After(time.Now()) {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartDateTime(*t.NextRun)))
	}

	id, ctx := t.ID, s.runCtx
	job, err := s.cron.NewJob(sched.jobDefinition(), gocron.NewTask(func() {
		if _, err := s.fire(ctx, id, domain.TriggerSchedule); err != nil {
			slog.Error("Task firing failed", "task_id", id, "error", err)
		}
	}), opts...)
	if err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	s.jobs[t.ID] = liveJob{id: job.ID(), signature: sig}
	slog.Debug("Task scheduled", "task", t.Name, "schedule", sched)
	return nil
}

func (s *Scheduler) unschedule(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live, ok := s.jobs[taskID]
	if !ok {
		return
	}
	if err := s.cron.RemoveJob(live.id); err != nil {
		slog.Warn("Removing job failed", "task_id", taskID, "error", err)
	}
	delete(s.jobs, taskID)
}

func (s *Scheduler) hasJob(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[taskID]
	return ok
}

func (s *Scheduler) semaphore(taskID string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.sems[taskID]
	if !ok {
		sem = semaphore.NewWeighted(s.perTaskLimit)
		s.sems[taskID] = sem
	}
	return sem
}

// fire runs the pipeline of one firing: dispatch, optional summary, history,
// run times, notification.
func (s *Scheduler) fire(ctx context.Context, taskID, trigger string) (*domain.TaskRun, error) {
	sem := s.semaphore(taskID)
	if !sem.TryAcquire(1) {
		s.missed.Add(1)
		slog.Warn("Task firing skipped, too many in flight", "task_id", taskID, "trigger", trigger)
		return nil, ErrBusy
	}
	defer sem.Release(1)

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading task: %w", err)
	}

	start := s.now()
	next := t.NextRun
	if trigger != domain.TriggerManual {
		sched, err := ParseSchedule(t.ScheduleType, t.ScheduleValue)
		if err != nil {
			return nil, err
		}
		n := sched.Next(start)
		next = &n
		// Claim the slot before the tool runs so a concurrent sync does not
		// see it as overdue.
		if err := s.store.SetRunTimes(ctx, t.ID, nil, next); err != nil {
			return nil, fmt.Errorf("updating next run: %w", err)
		}
	}

	res := s.runner.Dispatch(ctx, domain.ToolCall{
		ID:        uuid.New().String(),
		Name:      t.ToolName,
		Arguments: t.ToolArgs,
	})

	run := &domain.TaskRun{TaskID: t.ID, RunTime: start, Trigger: trigger}
	hasSummary := false
	if res.OK() {
		run.Status = domain.RunSuccess
		run.RawData = res.Text()
		s.executed.Add(1)
		if t.UseAISummary && s.summarizer != nil {
			summary, err := s.summarizer.SummarizeTask(ctx, t.Name, run.RawData)
			if err != nil {
				slog.Warn("Task summary failed", "task", t.Name, "error", err)
				run.AISummary = "Failed to generate summary: " + err.Error()
			} else {
				run.AISummary = summary
				hasSummary = true
			}
		}
	} else {
		run.Status = domain.RunError
		run.ErrorMessage = res.Err.Error()
		s.failed.Add(1)
	}
	run.DurationMS = s.now().Sub(start).Milliseconds()

	if err := s.store.AddRun(ctx, run); err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}

	if err := s.store.SetRunTimes(ctx, t.ID, &start, next); err != nil {
		return run, fmt.Errorf("updating run times: %w", err)
	}

	slog.Info("Task executed", "task", t.Name, "trigger", trigger, "status", run.Status, "duration_ms", run.DurationMS)
	s.notify(ctx, t, run, hasSummary)
	return run, nil
}

func (s *Scheduler) notify(ctx context.Context, t *domain.Task, run *domain.TaskRun, hasSummary bool) {
	failed := run.Status == domain.RunError
	if !notify.ShouldNotify(t.NotificationLevel, failed, hasSummary) {
		return
	}
	var err error
	if failed {
		err = s.notifier.TaskFailed(ctx, t.Name, run.ErrorMessage)
	} else {
		err = s.notifier.TaskCompleted(ctx, t.Name, time.Duration(run.DurationMS)*time.Millisecond, run.AISummary)
	}
	if err != nil {
		slog.Warn("Notification failed", "task", t.Name, "error", err)
	}
}

// Add validates and stores a new task and schedules it when enabled.
func (s *Scheduler) Add(ctx context.Context, t *domain.Task) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidTask)
	}
	if t.ToolName == "" {
		return fmt.Errorf("%w: tool must not be empty", ErrInvalidTask)
	}
	sched, err := ParseSchedule(t.ScheduleType, t.ScheduleValue)
	if err != nil {
		return err
	}
	if t.NotificationLevel == "" {
		t.NotificationLevel = domain.NotifySignificant
	}
	if !notify.ValidLevel(t.NotificationLevel) {
		return fmt.Errorf("%w: unknown notification level %q", ErrInvalidTask, t.NotificationLevel)
	}

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = s.now().UTC()
	t.LastRun = nil
	t.NextRun = nil
	if t.Enabled && !t.Paused {
		next := sched.Next(s.now())
		t.NextRun = &next
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	if t.Enabled && !t.Paused {
		if err := s.schedule(t, sched); err != nil {
			return err
		}
	}
	slog.Info("Task added", "task", t.Name, "schedule", sched)
	return nil
}

// Remove deletes a task, its live job and its history.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return err
	}
	s.unschedule(id)
	s.mu.Lock()
	delete(s.sems, id)
	s.mu.Unlock()
	return s.store.DeleteTask(ctx, id)
}

// StartTask enables a task.
func (s *Scheduler) StartTask(ctx context.Context, id string) error {
	return s.setState(ctx, id, func(t *domain.Task) { t.Enabled = true })
}

// StopTask disables a task and removes its job.
func (s *Scheduler) StopTask(ctx context.Context, id string) error {
	return s.setState(ctx, id, func(t *domain.Task) { t.Enabled = false })
}

// PauseTask suspends firing while keeping the task enabled.
func (s *Scheduler) PauseTask(ctx context.Context, id string) error {
	return s.setState(ctx, id, func(t *domain.Task) { t.Paused = true })
}

func (s *Scheduler) ResumeTask(ctx context.Context, id string) error {
	return s.setState(ctx, id, func(t *domain.Task) { t.Paused = false })
}

func (s *Scheduler) setState(ctx context.Context, id string, mutate func(*domain.Task)) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	mutate(t)
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("updating task: %w", err)
	}

	if !t.Enabled || t.Paused {
		s.unschedule(id)
		return nil
	}
	sched, err := ParseSchedule(t.ScheduleType, t.ScheduleValue)
	if err != nil {
		return err
	}
	// A task coming back does not catch up on the firings it skipped.
	if t.NextRun == nil || !t.NextRun.After(s.now()) {
		next := sched.Next(s.now())
		t.NextRun = &next
		if err := s.store.SetRunTimes(ctx, id, nil, &next); err != nil {
			return fmt.Errorf("updating next run: %w", err)
		}
	}
	return s.schedule(t, sched)
}

// RunNow fires a task immediately. The stored NextRun is left unchanged.
func (s *Scheduler) RunNow(ctx context.Context, id string) (*domain.TaskRun, error) {
	return s.fire(ctx, id, domain.TriggerManual)
}

func (s *Scheduler) List(ctx context.Context) ([]domain.Task, error) {
	return s.store.ListTasks(ctx)
}

func (s *Scheduler) Get(ctx context.Context, id string) (*domain.Task, error) {
	return s.store.GetTask(ctx, id)
}

// Find resolves a task by ID or by name.
func (s *Scheduler) Find(ctx context.Context, ref string) (*domain.Task, error) {
	if t, err := s.store.GetTask(ctx, ref); err == nil {
		return t, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if tasks[i].Name == ref {
			return &tasks[i], nil
		}
	}
	return nil, fmt.Errorf("task %q: %w", ref, store.ErrNotFound)
}

func (s *Scheduler) History(ctx context.Context, id string, limit int) ([]domain.TaskRun, error) {
	return s.store.Runs(ctx, id, limit)
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	started := s.startedAt
	s.mu.Unlock()
	st := Stats{
		TasksExecuted: s.executed.Load(),
		TasksFailed:   s.failed.Load(),
		TasksMissed:   s.missed.Load(),
		StartedAt:     started,
		ActiveJobs:    s.activeJobs(),
	}
	if !started.IsZero() {
		st.Uptime = s.now().Sub(started).Round(time.Second)
	}
	return st
}

func (s *Scheduler) activeJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

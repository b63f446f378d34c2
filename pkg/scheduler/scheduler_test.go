package scheduler

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nstogner/godagent/pkg/domain"
	"github.com/nstogner/godagent/pkg/store/sqlite"
	"github.com/nstogner/godagent/pkg/tools"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type recordingNotifier struct {
	mu        sync.Mutex
	completed []string
	failed    []string
}

func (n *recordingNotifier) TaskCompleted(_ context.Context, name string, _ time.Duration, summary string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, name+": "+summary)
	return nil
}

func (n *recordingNotifier) TaskFailed(_ context.Context, name string, errMsg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, name+": "+errMsg)
	return nil
}

type staticSummarizer string

func (s staticSummarizer) SummarizeTask(context.Context, string, string) (string, error) {
	return string(s), nil
}

var start = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

// newTestDispatcher exposes get_crypto_price (instant), slow_report (never
// finishes before the 50ms backend timeout) and blocking (waits on release).
func newTestDispatcher(t *testing.T, release <-chan struct{}, started chan<- struct{}) *tools.Dispatcher {
	t.Helper()
	l := tools.NewLocal("test").WithTimeout(50 * time.Millisecond)
	l.Register(&tools.FuncTool{
		ToolName: "get_crypto_price",
		Fn: func(ctx context.Context, input map[string]any) (any, error) {
			return map[string]any{"symbol": input["symbol"], "price": 64000.5}, nil
		},
	})
	l.Register(&tools.FuncTool{
		ToolName: "slow_report",
		Fn: func(ctx context.Context, input map[string]any) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return "late", nil
			}
		},
	})

	blocking := tools.NewLocal("blocking").WithTimeout(5 * time.Second)
	blocking.Register(&tools.FuncTool{
		ToolName: "blocking",
		Fn: func(ctx context.Context, input map[string]any) (any, error) {
			started <- struct{}{}
			<-release
			return "done", nil
		},
	})

	d := tools.NewDispatcher()
	for _, b := range []tools.Backend{l, blocking} {
		if err := d.Connect(context.Background(), b); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	return d
}

func newTestScheduler(t *testing.T, clock *fakeClock, opts ...Option) (*Scheduler, *sqlite.Store) {
	t.Helper()
	st, err := sqlite.New(t.TempDir() + "/tasks.db")
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	d := newTestDispatcher(t, make(chan struct{}), make(chan struct{}, 1))
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	s, err := New(st, d, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, st
}

func addTask(t *testing.T, s *Scheduler, name, tool, every string) *domain.Task {
	t.Helper()
	task := &domain.Task{
		Name:              name,
		ScheduleType:      domain.ScheduleInterval,
		ScheduleValue:     every,
		ToolName:          tool,
		ToolArgs:          map[string]any{"symbol": "BTC"},
		NotificationLevel: domain.NotifyAll,
		Enabled:           true,
	}
	if err := s.Add(context.Background(), task); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return task
}

func TestFireToolTimeout(t *testing.T) {
	clock := &fakeClock{t: start}
	n := &recordingNotifier{}
	s, _ := newTestScheduler(t, clock, WithNotifier(n))
	ctx := context.Background()

	task := addTask(t, s, "Slow report", "slow_report", "5 minutes")

	run, err := s.fire(ctx, task.ID, domain.TriggerSchedule)
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if run.Status != domain.RunError {
		t.Errorf("Status = %q, want %q", run.Status, domain.RunError)
	}
	if !strings.Contains(run.ErrorMessage, "timed out") {
		t.Errorf("ErrorMessage = %q, want a timeout", run.ErrorMessage)
	}

	history, err := s.History(ctx, task.ID, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Status != domain.RunError {
		t.Fatalf("History = %+v, want one error row", history)
	}

	got, err := s.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastRun == nil || !got.LastRun.Equal(start) {
		t.Errorf("LastRun = %v, want %v", got.LastRun, start)
	}
	if want := start.Add(5 * time.Minute); got.NextRun == nil || !got.NextRun.Equal(want) {
		t.Errorf("NextRun = %v, want %v", got.NextRun, want)
	}
	if st := s.Stats(); st.TasksFailed != 1 || st.TasksExecuted != 0 {
		t.Errorf("Stats = %+v, want 1 failed", st)
	}
	if len(n.failed) != 1 {
		t.Errorf("failure notifications = %d, want 1", len(n.failed))
	}
}

func TestRunNowKeepsNextRun(t *testing.T) {
	clock := &fakeClock{t: start}
	n := &recordingNotifier{}
	s, _ := newTestScheduler(t, clock, WithNotifier(n), WithSummarizer(staticSummarizer("BTC is flat.")))
	ctx := context.Background()

	task := addTask(t, s, "BTC price", "get_crypto_price", "1 hour")
	task.UseAISummary = true
	if err := s.store.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	clock.Set(start.Add(10 * time.Minute))
	run, err := s.RunNow(ctx, task.ID)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if run.Status != domain.RunSuccess || run.Trigger != domain.TriggerManual {
		t.Errorf("run = %+v, want manual success", run)
	}
	if !strings.Contains(run.RawData, "64000.5") {
		t.Errorf("RawData = %q", run.RawData)
	}
	if run.AISummary != "BTC is flat." {
		t.Errorf("AISummary = %q", run.AISummary)
	}

	got, _ := s.Get(ctx, task.ID)
	if want := start.Add(time.Hour); got.NextRun == nil || !got.NextRun.Equal(want) {
		t.Errorf("NextRun = %v, want unchanged %v", got.NextRun, want)
	}
	if got.LastRun == nil || !got.LastRun.Equal(start.Add(10*time.Minute)) {
		t.Errorf("LastRun = %v", got.LastRun)
	}
	if len(n.completed) != 1 || n.completed[0] != "BTC price: BTC is flat." {
		t.Errorf("completed notifications = %v", n.completed)
	}
}

func TestSyncMisfire(t *testing.T) {
	clock := &fakeClock{t: start}
	s, _ := newTestScheduler(t, clock)
	ctx := context.Background()

	task := addTask(t, s, "BTC price", "get_crypto_price", "5 minutes")

	// One minute late: within the grace window, the firing is caught up.
	late := start.Add(6 * time.Minute)
	clock.Set(late)
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	history, _ := s.History(ctx, task.ID, 10)
	if len(history) != 1 || history[0].Trigger != domain.TriggerMisfire || history[0].Status != domain.RunSuccess {
		t.Fatalf("History = %+v, want one misfire run", history)
	}
	got, _ := s.Get(ctx, task.ID)
	if want := late.Add(5 * time.Minute); !got.NextRun.Equal(want) {
		t.Errorf("NextRun = %v, want %v", got.NextRun, want)
	}

	// An hour late: beyond the grace window, recorded as missed.
	clock.Set(late.Add(time.Hour))
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	history, _ = s.History(ctx, task.ID, 10)
	if len(history) != 2 || history[0].Status != domain.RunMissed {
		t.Fatalf("History = %+v, want a missed run first", history)
	}
	got, _ = s.Get(ctx, task.ID)
	if want := late.Add(time.Hour + 5*time.Minute); !got.NextRun.Equal(want) {
		t.Errorf("NextRun = %v, want %v", got.NextRun, want)
	}
	if st := s.Stats(); st.TasksMissed != 1 || st.TasksExecuted != 1 {
		t.Errorf("Stats = %+v", st)
	}

	// On time: nothing happens.
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	history, _ = s.History(ctx, task.ID, 10)
	if len(history) != 2 {
		t.Errorf("History len = %d, want 2", len(history))
	}
}

func TestPerTaskLimit(t *testing.T) {
	clock := &fakeClock{t: start}
	st, err := sqlite.New(t.TempDir() + "/tasks.db")
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	s, err := New(st, newTestDispatcher(t, release, started), WithClock(clock.Now), WithPerTaskLimit(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	task := addTask(t, s, "Blocking", "blocking", "1 minute")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := s.RunNow(ctx, task.ID); err != nil {
			t.Errorf("first RunNow: %v", err)
		}
	}()
	<-started

	if _, err := s.RunNow(ctx, task.ID); !errors.Is(err, ErrBusy) {
		t.Errorf("second RunNow err = %v, want ErrBusy", err)
	}
	close(release)
	wg.Wait()

	if st := s.Stats(); st.TasksMissed != 1 || st.TasksExecuted != 1 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestTaskStates(t *testing.T) {
	clock := &fakeClock{t: start}
	s, _ := newTestScheduler(t, clock)
	ctx := context.Background()
	task := addTask(t, s, "BTC price", "get_crypto_price", "5 minutes")

	steps := []struct {
		name          string
		fn            func(context.Context, string) error
		enabled, paus bool
	}{
		{"pause", s.PauseTask, true, true},
		{"resume", s.ResumeTask, true, false},
		{"stop", s.StopTask, false, false},
		{"start", s.StartTask, true, false},
	}
	for _, step := range steps {
		if err := step.fn(ctx, task.ID); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		got, err := s.Get(ctx, task.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Enabled != step.enabled || got.Paused != step.paus {
			t.Errorf("after %s: enabled=%v paused=%v, want %v %v", step.name, got.Enabled, got.Paused, step.enabled, step.paus)
		}
	}

	// A paused task is not caught up by sync.
	if err := s.PauseTask(ctx, task.ID); err != nil {
		t.Fatalf("PauseTask: %v", err)
	}
	clock.Set(start.Add(7 * time.Minute))
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if history, _ := s.History(ctx, task.ID, 10); len(history) != 0 {
		t.Errorf("paused task ran: %+v", history)
	}

	// Resuming moves an overdue NextRun into the future.
	if err := s.ResumeTask(ctx, task.ID); err != nil {
		t.Fatalf("ResumeTask: %v", err)
	}
	got, _ := s.Get(ctx, task.ID)
	if want := start.Add(12 * time.Minute); !got.NextRun.Equal(want) {
		t.Errorf("NextRun after resume = %v, want %v", got.NextRun, want)
	}

	if err := s.Remove(ctx, task.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if tasks, _ := s.List(ctx); len(tasks) != 0 {
		t.Errorf("List after remove = %+v", tasks)
	}
}

func TestAddRejectsInvalidInput(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeClock{t: start})
	ctx := context.Background()

	bad := []*domain.Task{
		{Name: "x", ScheduleType: domain.ScheduleInterval, ScheduleValue: "soon", ToolName: "get_crypto_price"},
		{Name: "", ScheduleType: domain.ScheduleDaily, ScheduleValue: "09:00", ToolName: "get_crypto_price"},
		{Name: "y", ScheduleType: domain.ScheduleDaily, ScheduleValue: "09:00"},
		{Name: "z", ScheduleType: domain.ScheduleDaily, ScheduleValue: "09:00", ToolName: "get_crypto_price", NotificationLevel: "loud"},
	}
	for _, task := range bad {
		if err := s.Add(ctx, task); err == nil {
			t.Errorf("Add(%+v) succeeded, want error", task)
		}
	}
	if tasks, _ := s.List(ctx); len(tasks) != 0 {
		t.Errorf("List = %+v, want no tasks", tasks)
	}
}

func TestExportImport(t *testing.T) {
	clock := &fakeClock{t: start}
	src, _ := newTestScheduler(t, clock)
	ctx := context.Background()
	addTask(t, src, "BTC price", "get_crypto_price", "5 minutes")
	daily := &domain.Task{
		Name:          "Morning report",
		ScheduleType:  domain.ScheduleDaily,
		ScheduleValue: "09:00",
		ToolName:      "slow_report",
		UseAISummary:  true,
	}
	if err := src.Add(ctx, daily); err != nil {
		t.Fatalf("Add: %v", err)
	}

	var buf bytes.Buffer
	if err := src.Export(ctx, &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !strings.Contains(buf.String(), "Morning report") {
		t.Errorf("export missing daily task:\n%s", buf.String())
	}

	dst, _ := newTestScheduler(t, clock)
	n, err := dst.Import(ctx, bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 2 {
		t.Errorf("Import added %d, want 2", n)
	}
	got, err := dst.Find(ctx, "Morning report")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !got.UseAISummary || got.Enabled || got.NotificationLevel != domain.NotifySignificant {
		t.Errorf("imported task = %+v", got)
	}

	n, err = dst.Import(ctx, bytes.NewReader(buf.Bytes()))
	if err != nil || n != 0 {
		t.Errorf("re-Import = %d, %v, want 0, nil", n, err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return cond()
}

func TestStartFiresOnSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("real clock")
	}
	st, err := sqlite.New(t.TempDir() + "/tasks.db")
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	var calls atomic.Int64
	l := tools.NewLocal("ticker")
	l.Register(&tools.FuncTool{
		ToolName: "tick",
		Fn: func(ctx context.Context, input map[string]any) (any, error) {
			calls.Add(1)
			time.Sleep(300 * time.Millisecond)
			return "ok", nil
		},
	})
	d := tools.NewDispatcher()
	if err := d.Connect(context.Background(), l); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// A sync pass every 100ms overlaps each firing of the slow tool.
	s, err := New(st, d, WithSyncInterval(100*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	task := addTask(t, s, "Ticker", "tick", "1 seconds")

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })

	if !waitFor(t, 5*time.Second, func() bool { return calls.Load() >= 2 }) {
		t.Fatalf("tool ran %d times, want at least 2", calls.Load())
	}
	if stats := s.Stats(); stats.ActiveJobs != 1 {
		t.Errorf("ActiveJobs = %d, want 1", stats.ActiveJobs)
	}

	if err := s.PauseTask(ctx, task.ID); err != nil {
		t.Fatalf("PauseTask: %v", err)
	}
	time.Sleep(500 * time.Millisecond)
	paused := calls.Load()
	time.Sleep(1500 * time.Millisecond)
	if got := calls.Load(); got != paused {
		t.Errorf("paused task ran %d more times", got-paused)
	}
	if stats := s.Stats(); stats.ActiveJobs != 0 {
		t.Errorf("ActiveJobs after pause = %d, want 0", stats.ActiveJobs)
	}

	history, err := s.History(ctx, task.ID, 100)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if int64(len(history)) != paused {
		t.Errorf("history rows = %d, tool calls = %d", len(history), paused)
	}
	for i, run := range history {
		if run.Trigger != domain.TriggerSchedule {
			t.Errorf("run %d trigger = %q, want %q", i, run.Trigger, domain.TriggerSchedule)
		}
		if i > 0 && history[i-1].RunTime.Sub(run.RunTime) < 500*time.Millisecond {
			t.Errorf("runs %v and %v fired for the same slot", run.RunTime, history[i-1].RunTime)
		}
	}

	if err := s.ResumeTask(ctx, task.ID); err != nil {
		t.Fatalf("ResumeTask: %v", err)
	}
	if !waitFor(t, 3*time.Second, func() bool { return calls.Load() > paused }) {
		t.Error("resumed task did not fire")
	}
}

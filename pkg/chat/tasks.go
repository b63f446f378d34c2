package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/nstogner/godagent/pkg/domain"
)

const tasksUsage = `usage:
  /tasks [list]
  /tasks add <name> <tool> <interval|daily|weekly> <schedule> [key=value...] [--summary] [--notify=all|errors|significant|silent] [--paused]
  /tasks remove|start|stop|pause|resume|run <task>
  /tasks history <task> [limit]
  /tasks stats

Quote values containing spaces, e.g. /tasks add "btc watch" get_crypto_by_symbol interval "30 minutes" symbol=BTC`

func (s *Session) cmdTasks(ctx context.Context, args string) (*Reply, error) {
	if s.opts.Scheduler == nil {
		return nil, errors.New("task scheduler is not configured")
	}
	fields, err := splitArgs(args)
	if err != nil {
		return nil, err
	}
	sub := "list"
	if len(fields) > 0 {
		sub, fields = strings.ToLower(fields[0]), fields[1:]
	}
	sch := s.opts.Scheduler

	switch sub {
	case "list":
		return s.listTasks(ctx)
	case "add":
		t, err := parseTask(fields)
		if err != nil {
			return nil, err
		}
		if err := sch.Add(ctx, t); err != nil {
			return nil, err
		}
		r := text("Task %q added (%s)", t.Name, shortID(t.ID))
		if t.NextRun != nil {
			r.Text += ", next run " + t.NextRun.Local().Format("2006-01-02 15:04")
		}
		return r, nil
	case "stats":
		st := sch.Stats()
		return text("Executed: %d  Failed: %d  Missed: %d  Active jobs: %d  Uptime: %s",
			st.TasksExecuted, st.TasksFailed, st.TasksMissed, st.ActiveJobs, st.Uptime), nil
	case "help":
		return &Reply{Text: tasksUsage}, nil
	}

	if len(fields) == 0 {
		return nil, errors.New(tasksUsage)
	}
	t, err := sch.Find(ctx, fields[0])
	if err != nil {
		return nil, err
	}

	switch sub {
	case "remove", "delete":
		err = sch.Remove(ctx, t.ID)
	case "start", "enable":
		err = sch.StartTask(ctx, t.ID)
	case "stop", "disable":
		err = sch.StopTask(ctx, t.ID)
	case "pause":
		err = sch.PauseTask(ctx, t.ID)
	case "resume":
		err = sch.ResumeTask(ctx, t.ID)
	case "run":
		run, err := sch.RunNow(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		return &Reply{Text: formatRun(t.Name, run)}, nil
	case "history":
		limit := 10
		if len(fields) > 1 {
			if _, err := fmt.Sscan(fields[1], &limit); err != nil || limit < 1 {
				return nil, fmt.Errorf("invalid limit %q", fields[1])
			}
		}
		return s.taskHistory(ctx, t, limit)
	default:
		return nil, fmt.Errorf("unknown tasks subcommand %q\n%s", sub, tasksUsage)
	}
	if err != nil {
		return nil, err
	}
	return text("Task %q: %s done", t.Name, sub), nil
}

func (s *Session) listTasks(ctx context.Context) (*Reply, error) {
	tasks, err := s.opts.Scheduler.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return text("No scheduled tasks. Add one with /tasks add"), nil
	}
	var b strings.Builder
	for _, t := range tasks {
		next := "-"
		if t.NextRun != nil {
			next = t.NextRun.Local().Format("01-02 15:04")
		}
		fmt.Fprintf(&b, "%s  %-20s %-8s %-22s %-24s next %s\n",
			shortID(t.ID), t.Name, taskState(t), t.ScheduleType+" "+t.ScheduleValue, t.ToolName, next)
	}
	return &Reply{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (s *Session) taskHistory(ctx context.Context, t *domain.Task, limit int) (*Reply, error) {
	runs, err := s.opts.Scheduler.History(ctx, t.ID, limit)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return text("Task %q has not run yet", t.Name), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "History of %q:\n", t.Name)
	for _, r := range runs {
		fmt.Fprintf(&b, "  %s  %-7s %-8s %5dms", r.RunTime.Local().Format("2006-01-02 15:04:05"), r.Status, r.Trigger, r.DurationMS)
		switch {
		case r.ErrorMessage != "":
			b.WriteString("  " + snippet(r.ErrorMessage, 80))
		case r.AISummary != "":
			b.WriteString("  " + snippet(r.AISummary, 80))
		}
		b.WriteString("\n")
	}
	return &Reply{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func taskState(t domain.Task) string {
	switch {
	case !t.Enabled:
		return "stopped"
	case t.Paused:
		return "paused"
	}
	return "active"
}

func formatRun(name string, r *domain.TaskRun) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %q ran in %dms: %s\n", name, r.DurationMS, r.Status)
	if r.ErrorMessage != "" {
		b.WriteString(r.ErrorMessage)
		return b.String()
	}
	if r.AISummary != "" {
		fmt.Fprintf(&b, "Summary: %s\n\n", r.AISummary)
	}
	b.WriteString(r.RawData)
	return strings.TrimRight(b.String(), "\n")
}

// parseTask builds a task from the arguments of /tasks add.
func parseTask(fields []string) (*domain.Task, error) {
	var pos []string
	t := &domain.Task{Enabled: true, ToolArgs: map[string]any{}}
	for _, f := range fields {
		switch {
		case f == "--summary":
			t.UseAISummary = true
		case f == "--paused":
			t.Paused = true
		case strings.HasPrefix(f, "--notify="):
			t.NotificationLevel = strings.TrimPrefix(f, "--notify=")
		case strings.HasPrefix(f, "--"):
			return nil, fmt.Errorf("unknown flag %s", f)
		case len(pos) >= 4 && strings.Contains(f, "="):
			k, v, _ := strings.Cut(f, "=")
			t.ToolArgs[k] = argValue(v)
		default:
			pos = append(pos, f)
		}
	}
	if len(pos) != 4 {
		return nil, errors.New(tasksUsage)
	}
	t.Name, t.ToolName, t.ScheduleType, t.ScheduleValue = pos[0], pos[1], strings.ToLower(pos[2]), pos[3]
	if len(t.ToolArgs) == 0 {
		t.ToolArgs = nil
	}
	return t, nil
}

// argValue decodes JSON scalars, arrays and objects and keeps anything else
// as a string.
func argValue(v string) any {
	var out any
	if err := json.Unmarshal([]byte(v), &out); err == nil {
		return out
	}
	return v
}

// splitArgs splits s on whitespace, honoring single and double quotes.
func splitArgs(s string) ([]string, error) {
	var (
		out   []string
		cur   strings.Builder
		quote rune
		inArg bool
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			cur.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
			inArg = true
		case unicode.IsSpace(r):
			if inArg {
				out = append(out, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, errors.New("unterminated quote")
	}
	if inArg {
		out = append(out, cur.String())
	}
	return out, nil
}

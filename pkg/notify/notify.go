// Package notify raises desktop notifications for scheduled task results.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/nstogner/godagent/pkg/domain"
)

// DefaultTimeout bounds a single notification.
const DefaultTimeout = 5 * time.Second

const maxBodyLen = 100

// Notifier reports task outcomes to the user.
type Notifier interface {
	TaskCompleted(ctx context.Context, name string, d time.Duration, summary string) error
	TaskFailed(ctx context.Context, name string, errMsg string) error
}

// ShouldNotify decides whether a run result is worth a notification.
func ShouldNotify(level string, failed, hasSummary bool) bool {
	if level == domain.NotifySilent {
		return false
	}
	if failed {
		return true
	}
	switch level {
	case domain.NotifyAll:
		return true
	case domain.NotifySignificant:
		return hasSummary
	}
	return false
}

// ValidLevel reports whether level is a known notification level.
func ValidLevel(level string) bool {
	switch level {
	case domain.NotifyAll, domain.NotifyErrors, domain.NotifySignificant, domain.NotifySilent:
		return true
	}
	return false
}

// Desktop shows native notifications.
type Desktop struct {
	// Icon is an optional path to the notification icon.
	Icon    string
	Timeout time.Duration
}

var _ Notifier = (*Desktop)(nil)

func (d *Desktop) TaskCompleted(ctx context.Context, name string, dur time.Duration, summary string) error {
	body := fmt.Sprintf("✅ %s (%dms)", name, dur.Milliseconds())
	if summary != "" {
		body += "\n" + truncate(summary, maxBodyLen)
	}
	return d.send(ctx, func() error { return beeep.Notify("Task Completed", body, d.Icon) })
}

func (d *Desktop) TaskFailed(ctx context.Context, name string, errMsg string) error {
	body := fmt.Sprintf("❌ %s\n%s", name, truncate(errMsg, maxBodyLen))
	return d.send(ctx, func() error { return beeep.Alert("Task Failed", body, d.Icon) })
}

// send runs fn with a timeout; notification daemons occasionally hang.
func (d *Desktop) send(ctx context.Context, fn func() error) error {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		if err != nil {
			slog.Warn("Desktop notification failed", "error", err)
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("notification timed out: %w", ctx.Err())
	}
}

// Nop discards notifications.
type Nop struct{}

func (Nop) TaskCompleted(context.Context, string, time.Duration, string) error { return nil }
func (Nop) TaskFailed(context.Context, string, string) error                   { return nil }

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

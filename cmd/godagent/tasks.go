package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nstogner/godagent/pkg/domain"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage scheduled tool tasks",
}

// withApp runs fn with an app that has tools connected but no scheduler
// loop running.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	if err := setupLogging(os.Stderr); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, appOptions{Tools: true})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			tasks, err := a.scheduler.List(ctx)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tTOOL\tSTATE\tNEXT RUN")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\t%s\n",
					t.ID[:8], t.Name, t.ScheduleType, t.ScheduleValue, t.ToolName, taskState(t), formatTime(t.NextRun))
			}
			return w.Flush()
		})
	},
}

var (
	addArgs    string
	addDesc    string
	addSummary bool
	addNotify  string
	addPaused  bool
)

var tasksAddCmd = &cobra.Command{
	Use:   "add <name> <interval|daily|weekly> <schedule> <tool>",
	Short: "Add a task",
	Example: `  godagent tasks add btc interval "30 minutes" get_crypto_by_symbol --args '{"symbol":"BTC"}'
  godagent tasks add digest daily 09:00 get_market_summary --summary`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		t := &domain.Task{
			Name:              args[0],
			ScheduleType:      args[1],
			ScheduleValue:     args[2],
			ToolName:          args[3],
			Description:       addDesc,
			UseAISummary:      addSummary,
			NotificationLevel: addNotify,
			Enabled:           true,
			Paused:            addPaused,
		}
		if addArgs != "" {
			if err := json.Unmarshal([]byte(addArgs), &t.ToolArgs); err != nil {
				return fmt.Errorf("--args must be a JSON object: %w", err)
			}
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.scheduler.Add(ctx, t); err != nil {
				return err
			}
			fmt.Printf("Added task %s (%s), next run %s\n", t.Name, t.ID, formatTime(t.NextRun))
			return nil
		})
	},
}

var tasksRemoveCmd = &cobra.Command{
	Use:     "remove <id|name>",
	Aliases: []string{"rm"},
	Short:   "Remove a task and its history",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			t, err := a.scheduler.Find(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.scheduler.Remove(ctx, t.ID); err != nil {
				return err
			}
			fmt.Printf("Removed task %s\n", t.Name)
			return nil
		})
	},
}

var tasksRunCmd = &cobra.Command{
	Use:   "run <id|name>",
	Short: "Run a task now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			t, err := a.scheduler.Find(ctx, args[0])
			if err != nil {
				return err
			}
			run, err := a.scheduler.RunNow(ctx, t.ID)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s in %dms\n", t.Name, run.Status, run.DurationMS)
			switch {
			case run.ErrorMessage != "":
				fmt.Println(run.ErrorMessage)
			case run.AISummary != "":
				fmt.Println(run.AISummary)
			default:
				fmt.Println(run.RawData)
			}
			return nil
		})
	},
}

var historyLimit int

var tasksHistoryCmd = &cobra.Command{
	Use:   "history <id|name>",
	Short: "Show the recent runs of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			t, err := a.scheduler.Find(ctx, args[0])
			if err != nil {
				return err
			}
			runs, err := a.scheduler.History(ctx, t.ID, historyLimit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTRIGGER\tSTATUS\tDURATION")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%dms\n", r.RunTime.Local().Format(time.DateTime), r.Trigger, r.Status, r.DurationMS)
			}
			return w.Flush()
		})
	},
}

var tasksExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write all tasks as YAML",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			out := os.Stdout
			if len(args) == 1 {
				f, err := os.Create(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return a.scheduler.Export(ctx, out)
		})
	},
}

var tasksImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Add the tasks of a YAML file, skipping names that already exist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		return withApp(cmd, func(ctx context.Context, a *app) error {
			n, err := a.scheduler.Import(ctx, f)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d tasks\n", n)
			return nil
		})
	},
}

func init() {
	tasksAddCmd.Flags().StringVar(&addArgs, "args", "", "Tool arguments as a JSON object")
	tasksAddCmd.Flags().StringVar(&addDesc, "description", "", "Task description")
	tasksAddCmd.Flags().BoolVar(&addSummary, "summary", false, "Summarize results with the model")
	tasksAddCmd.Flags().StringVar(&addNotify, "notify", domain.NotifySignificant, "Notification level: all, significant, errors or silent")
	tasksAddCmd.Flags().BoolVar(&addPaused, "paused", false, "Create the task paused")
	tasksHistoryCmd.Flags().IntVar(&historyLimit, "limit", 10, "Number of runs to show")

	tasksCmd.AddCommand(tasksListCmd, tasksAddCmd, tasksRemoveCmd, tasksRunCmd, tasksHistoryCmd, tasksExportCmd, tasksImportCmd)
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

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

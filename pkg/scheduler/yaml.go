package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/nstogner/godagent/pkg/domain"
)

type taskFile struct {
	Tasks []domain.Task `yaml:"tasks"`
}

// Export writes every task definition as YAML. Run state is not exported.
func (s *Scheduler) Export(ctx context.Context, w io.Writer) error {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(taskFile{Tasks: tasks}); err != nil {
		return fmt.Errorf("encoding tasks: %w", err)
	}
	return enc.Close()
}

// Import adds the tasks of a YAML document written by Export. Tasks whose
// name already exists are skipped. It returns the number of tasks added.
func (s *Scheduler) Import(ctx context.Context, r io.Reader) (int, error) {
	var f taskFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return 0, fmt.Errorf("decoding tasks: %w", err)
	}

	existing, err := s.store.ListTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing tasks: %w", err)
	}
	names := map[string]bool{}
	for _, t := range existing {
		names[t.Name] = true
	}

	added := 0
	for i := range f.Tasks {
		t := f.Tasks[i]
		if names[t.Name] {
			slog.Info("Skipping existing task", "task", t.Name)
			continue
		}
		t.ID = ""
		if err := s.Add(ctx, &t); err != nil {
			return added, fmt.Errorf("importing task %q: %w", t.Name, err)
		}
		names[t.Name] = true
		added++
	}
	return added, nil
}

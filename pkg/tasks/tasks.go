// Package tasks runs independent units of work under a bounded worker pool
// with shared progress state, for short I/O-bound fan-out like applying one
// operation to several clusters at once.
package tasks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/seshdev/sesh-cli/pkg/terminal"
)

// ProgressUnit is one task's latest self-reported progress.
type ProgressUnit struct {
	TaskID   int
	Progress int
	Total    int
	Info     string
}

// ReportFn is handed to each task so it can publish progress without knowing
// about the other tasks.
type ReportFn func(progress, total int, info string)

type TaskFn[T any] func(ctx context.Context, report ReportFn) (T, error)

// State is the progress state shared between workers and the display loop.
type State struct {
	mu    sync.Mutex
	units map[int]ProgressUnit
}

func NewState() *State {
	return &State{units: map[int]ProgressUnit{}}
}

func (s *State) Publish(unit ProgressUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[unit.TaskID] = unit
}

// Aggregate sums progress and totals across all tasks that have reported.
func (s *State) Aggregate() (progress, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, unit := range s.units {
		progress += unit.Progress
		total += unit.Total
	}
	return progress, total
}

func (s *State) Snapshot() []ProgressUnit {
	s.mu.Lock()
	defer s.mu.Unlock()
	units := make([]ProgressUnit, 0, len(s.units))
	for _, unit := range s.units {
		units = append(units, unit)
	}
	sort.Slice(units, func(i, j int) bool { return units[i].TaskID < units[j].TaskID })
	return units
}

type Options struct {
	// MaxWorkers bounds concurrency; <= 0 means one worker per task.
	MaxWorkers int
	// Description labels the aggregate progress bar.
	Description string
	// State receives progress updates; nil allocates a fresh one.
	State *State
	// RefreshInterval is how often the display re-renders.
	RefreshInterval time.Duration
}

// RunParallel runs every task, returning results in task order. Per-task
// errors are aggregated; one failing task does not cancel its siblings.
func RunParallel[T any](ctx context.Context, t *terminal.Terminal, taskFns []TaskFn[T], options Options) ([]T, error) {
	state := options.State
	if state == nil {
		state = NewState()
	}
	maxWorkers := options.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = len(taskFns)
	}
	refresh := options.RefreshInterval
	if refresh <= 0 {
		refresh = 100 * time.Millisecond
	}
	description := options.Description
	if description == "" {
		description = "All tasks"
	}

	results := make([]T, len(taskFns))
	taskErrs := make([]error, len(taskFns))

	displayDone := make(chan struct{})
	var displayWG sync.WaitGroup
	if t != nil {
		bar := t.NewProgressBar(description, len(taskFns))
		displayWG.Add(1)
		go func() {
			defer displayWG.Done()
			ticker := time.NewTicker(refresh)
			defer ticker.Stop()
			for {
				select {
				case <-displayDone:
					render(bar, state)
					_ = bar.Finish()
					return
				case <-ticker.C:
					render(bar, state)
				}
			}
		}()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)
	for i, taskFn := range taskFns {
		i, taskFn := i, taskFn
		g.Go(func() error {
			report := func(progress, total int, info string) {
				state.Publish(ProgressUnit{TaskID: i, Progress: progress, Total: total, Info: info})
			}
			results[i], taskErrs[i] = taskFn(groupCtx, report)
			return nil
		})
	}
	_ = g.Wait()
	close(displayDone)
	displayWG.Wait()

	var merged *multierror.Error
	for _, err := range taskErrs {
		merged = multierror.Append(merged, err)
	}
	return results, merged.ErrorOrNil()
}

func render(bar interface {
	ChangeMax(int)
	Set(int) error
}, state *State,
) {
	progress, total := state.Aggregate()
	if total > 0 {
		bar.ChangeMax(total)
		_ = bar.Set(progress)
	}
}

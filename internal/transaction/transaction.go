// Package transaction runs an ordered list of steps as one unit: the first
// failing step aborts the rest. Completed steps are not compensated.
package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Step is one named unit of work.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// StepError reports the step that aborted a transaction.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Runner executes steps sequentially.
type Runner struct {
	log *slog.Logger
}

// New returns a Runner that logs step progress to logger (may be nil).
func New(logger *slog.Logger) *Runner {
	return &Runner{log: logger}
}

// Run executes steps in order and returns *StepError for the first failure.
// Steps after a failure are never started.
func (r *Runner) Run(ctx context.Context, steps ...Step) error {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Step: step.Name, Err: err}
		}

		if r.log != nil {
			r.log.Debug("step started", "step", step.Name)
		}

		start := time.Now()
		err := step.Run(ctx)
		elapsed := time.Since(start)

		if err != nil {
			if r.log != nil {
				r.log.Error("step failed", "step", step.Name, "duration", elapsed, "error", err)
			}
			return &StepError{Step: step.Name, Err: err}
		}

		if r.log != nil {
			r.log.Debug("step finished", "step", step.Name, "duration", elapsed)
		}
	}
	return nil
}

package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/apresai/domain-analyzer/internal/progress"
)

const defaultStep = 20

// GateFunc is called once a simulated stage has run its timer loop. A non-nil
// error fails the stage and halts the sequence.
type GateFunc func(ctx context.Context, index int) error

// Simulated advances stages sequentially on local timers. Exactly one stage
// is running at a time.
type Simulated struct {
	Step   int           // percent added per tick
	Delay  time.Duration // wait between ticks
	Settle time.Duration // wait after a stage completes
	Gate   GateFunc      // optional real check guarding each stage's completion
}

// Run drives every stage to completed. A gate failure marks the stage failed
// with the error as its description; the remaining stages stay pending.
func (s *Simulated) Run(ctx context.Context, list *progress.StageList) (Outcome, error) {
	step := s.Step
	if step <= 0 {
		step = defaultStep
	}
	// Leave room for the gate so a stage never shows 100% before it passes.
	limit := 100
	if s.Gate != nil {
		limit = 99
	}

	n := list.Len()
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return OutcomeCanceled, ctx.Err()
		}
		list.SetStage(i, progress.Update(progress.StatusRunning, 0))

		for pct := 0; pct < 100; {
			pct += step
			if err := sleep(ctx, s.Delay); err != nil {
				return OutcomeCanceled, err
			}
			list.SetStage(i, progress.Update(progress.StatusRunning, min(pct, limit)))
		}

		if s.Gate != nil {
			err := s.Gate(ctx, i)
			if ctx.Err() != nil {
				return OutcomeCanceled, ctx.Err()
			}
			if err != nil {
				failed := progress.StatusFailed
				msg := err.Error()
				list.SetStage(i, progress.StageUpdate{Status: &failed, Description: &msg})
				st, _ := list.Stage(i)
				return OutcomeFailed, fmt.Errorf("stage %q: %w", st.Name, err)
			}
		}

		list.SetStage(i, progress.Update(progress.StatusCompleted, 100))

		if i < n-1 {
			if err := sleep(ctx, s.Settle); err != nil {
				return OutcomeCanceled, err
			}
		}
	}
	return OutcomeCompleted, nil
}

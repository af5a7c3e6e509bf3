// Package driver advances a progress.StageList, either on local timers
// (Simulated) or from events pushed by the backend (Stream).
package driver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/apresai/domain-analyzer/internal/config"
	"github.com/apresai/domain-analyzer/internal/progress"
)

// Outcome is how a driver run ended.
type Outcome int

const (
	OutcomeCanceled Outcome = iota
	OutcomeCompleted
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	default:
		return "canceled"
	}
}

var (
	// ErrStreamTimeout is returned when the event stream stays silent longer
	// than the idle timeout.
	ErrStreamTimeout = errors.New("progress stream timed out")
	// ErrStreamClosed is returned when the stream ends without a complete event.
	ErrStreamClosed = errors.New("progress stream closed before completion")
)

// Driver advances the stages of a list until completion, failure or
// cancellation of ctx. Run returns only after its last mutation of list.
type Driver interface {
	Run(ctx context.Context, list *progress.StageList) (Outcome, error)
}

// New selects a driver from configuration. Driven mode needs a source; when
// src is nil the simulated driver is used regardless of mode.
func New(cfg config.ProgressConfig, phases PhaseTable, src EventSource, gate GateFunc, logger *slog.Logger) Driver {
	if cfg.Mode == config.ModeDriven && src != nil {
		return &Stream{
			Source:      src,
			Phases:      phases,
			IdleTimeout: cfg.IdleTimeout,
			Logger:      logger,
		}
	}
	return &Simulated{
		Step:   cfg.Step,
		Delay:  cfg.Delay,
		Settle: cfg.Settle,
		Gate:   gate,
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

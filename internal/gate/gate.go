// Package gate implements the completion gate: the transition of a wizard
// step from its progress view to its results view.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apresai/domain-analyzer/internal/driver"
)

// State is a gate state. Transitions only move forward; Reset returns to idle.
type State string

const (
	StateIdle     State = "idle"
	StateLoading  State = "loading"
	StateComplete State = "completed"
	StateFetching State = "fetching_results"
	StateResults  State = "results"
	StateFailed   State = "failed"
	StateError    State = "error_state"
)

var (
	ErrInvalidTransition = errors.New("invalid gate transition")
	ErrNotCompleted      = errors.New("results requested before completion")
)

var transitions = map[State][]State{
	StateIdle:     {StateLoading},
	StateLoading:  {StateComplete, StateFailed, StateIdle},
	StateComplete: {StateFetching},
	StateFetching: {StateResults},
	StateFailed:   {StateError},
}

// Fetcher loads the finalized data of a step once its stages complete.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Gate observes a driver outcome and performs at most one results fetch per
// run. Safe for concurrent use.
type Gate[T any] struct {
	fetch        Fetcher[T]
	log          *slog.Logger
	restoreDelay time.Duration

	mu        sync.Mutex
	state     State
	data      T
	err       error
	restored  bool          // set by Reset; the next Begin waits restoreDelay
	fetchDone chan struct{} // closed when the in-flight fetch finishes
	history   []State
}

// New creates a gate in the idle state. fetch may be nil for steps without a
// follow-up fetch.
func New[T any](fetch Fetcher[T], restoreDelay time.Duration, logger *slog.Logger) *Gate[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate[T]{
		fetch:        fetch,
		log:          logger,
		restoreDelay: restoreDelay,
		state:        StateIdle,
		history:      []State{StateIdle},
	}
}

// Begin moves idle -> loading. After a Reset it first waits the restore
// delay, which stands in for retrieving previously saved data.
func (g *Gate[T]) Begin(ctx context.Context) error {
	g.mu.Lock()
	wait := g.restored
	g.mu.Unlock()

	if wait && g.restoreDelay > 0 {
		t := time.NewTimer(g.restoreDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.restored = false
	return g.moveLocked(StateLoading)
}

// Finish applies a driver outcome. A completed outcome triggers the single
// results fetch; calling Finish again returns the same data without fetching.
// A failed fetch is logged and leaves an empty dataset in the results state.
// A failed outcome goes to error_state without fetching. A canceled outcome
// returns the gate to idle.
func (g *Gate[T]) Finish(ctx context.Context, outcome driver.Outcome, cause error) (T, error) {
	g.mu.Lock()

	switch outcome {
	case driver.OutcomeCanceled:
		defer g.mu.Unlock()
		var zero T
		if err := g.moveLocked(StateIdle); err != nil {
			return zero, err
		}
		return zero, cause

	case driver.OutcomeFailed:
		defer g.mu.Unlock()
		var zero T
		if err := g.moveLocked(StateFailed); err != nil {
			return zero, err
		}
		g.data = zero
		g.err = cause
		_ = g.moveLocked(StateError)
		return zero, cause
	}

	switch g.state {
	case StateResults:
		defer g.mu.Unlock()
		return g.data, g.err
	case StateFetching:
		done := g.fetchDone
		g.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.data, g.err
	}

	if err := g.moveLocked(StateComplete); err != nil {
		g.mu.Unlock()
		var zero T
		return zero, err
	}
	_ = g.moveLocked(StateFetching)
	g.fetchDone = make(chan struct{})
	done := g.fetchDone
	g.mu.Unlock()

	var (
		data T
		err  error
	)
	if g.fetch != nil {
		data, err = g.fetch(ctx)
		if err != nil {
			g.log.ErrorContext(ctx, "Fetch results failed", "error", err)
			var zero T
			data = zero
			err = fmt.Errorf("fetch results: %w", err)
		}
	}

	g.mu.Lock()
	g.data = data
	g.err = err
	_ = g.moveLocked(StateResults)
	close(done)
	g.mu.Unlock()

	return data, err
}

// Results returns the dataset once the gate has left the loading path.
func (g *Gate[T]) Results() (T, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case StateResults, StateError:
		return g.data, g.err
	default:
		var zero T
		return zero, ErrNotCompleted
	}
}

// Reset discards the dataset and returns to idle, as when the user goes back
// in the wizard. The next Begin waits the restore delay.
func (g *Gate[T]) Reset() {
	g.reset(true)
}

// Clear discards the dataset and returns to idle for a retry. Unlike Reset it
// does not arm the restore delay.
func (g *Gate[T]) Clear() {
	g.reset(false)
}

func (g *Gate[T]) reset(restore bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var zero T
	g.data = zero
	g.err = nil
	g.state = StateIdle
	if restore {
		g.restored = true
	}
	g.history = append(g.history, StateIdle)
}

// State returns the current state.
func (g *Gate[T]) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Loading reports whether the progress view should be shown.
func (g *Gate[T]) Loading() bool {
	switch g.State() {
	case StateLoading, StateComplete, StateFetching:
		return true
	default:
		return false
	}
}

// Err returns the failure that ended the last run, if any.
func (g *Gate[T]) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// History returns every state entered, in order.
func (g *Gate[T]) History() []State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]State(nil), g.history...)
}

func (g *Gate[T]) moveLocked(to State) error {
	for _, allowed := range transitions[g.state] {
		if allowed == to {
			g.state = to
			g.history = append(g.history, to)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, g.state, to)
}

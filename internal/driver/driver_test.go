package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/apresai/domain-analyzer/internal/config"
	"github.com/apresai/domain-analyzer/internal/progress"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSimulatedCompletesEveryStage(t *testing.T) {
	for _, n := range []int{0, 1, 3, 7} {
		names := make([]string, n)
		for i := range names {
			names[i] = string(rune('A' + i))
		}
		list := progress.NewStageList(names...)

		d := &Simulated{Step: 30}
		outcome, err := d.Run(context.Background(), list)

		require.NoError(t, err)
		assert.Equal(t, OutcomeCompleted, outcome)
		for _, st := range list.Snapshot().Stages {
			assert.Equal(t, progress.StatusCompleted, st.Status)
			assert.Equal(t, 100, st.Progress)
		}
		assert.True(t, list.AllCompleted())
	}
}

func TestSimulatedRunsOneStageAtATime(t *testing.T) {
	list := progress.NewStageList("A", "B", "C", "D")
	maxActive := 0
	list.OnChange(func(progress.Snapshot) {
		if n := len(list.Active()); n > maxActive {
			maxActive = n
		}
	})

	_, err := (&Simulated{Step: 25, Delay: time.Millisecond}).Run(context.Background(), list)
	require.NoError(t, err)
	assert.Equal(t, 1, maxActive)
}

func TestSimulatedCancelStopsMutation(t *testing.T) {
	list := progress.NewStageList("A", "B", "C", "D", "E")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	list.OnChange(func(s progress.Snapshot) {
		if s.Stages[1].Status == progress.StatusCompleted {
			cancel()
		}
	})

	d := &Simulated{Step: 20, Delay: 5 * time.Millisecond, Settle: 5 * time.Millisecond}
	outcome, err := d.Run(ctx, list)

	assert.Equal(t, OutcomeCanceled, outcome)
	assert.ErrorIs(t, err, context.Canceled)

	after := list.Snapshot()
	// Longer than the remaining schedule of three stages.
	time.Sleep(3 * (5*5*time.Millisecond + 5*time.Millisecond))
	assert.Equal(t, after, list.Snapshot())

	assert.Equal(t, progress.StatusCompleted, after.Stages[1].Status)
	for _, st := range after.Stages[2:] {
		assert.Equal(t, progress.StatusPending, st.Status)
	}
}

func TestSimulatedGateFailureHalts(t *testing.T) {
	list := progress.NewStageList("Validate", "SSL", "Crawl", "Save")
	gateErr := errors.New("certificate expired")
	calls := 0

	d := &Simulated{
		Step: 50,
		Gate: func(ctx context.Context, i int) error {
			calls++
			if i == 1 {
				return gateErr
			}
			return nil
		},
	}
	outcome, err := d.Run(context.Background(), list)

	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, gateErr)
	assert.Equal(t, 2, calls, "no retry and no further stages")

	s := list.Snapshot()
	assert.Equal(t, progress.StatusCompleted, s.Stages[0].Status)
	assert.Equal(t, progress.StatusFailed, s.Stages[1].Status)
	assert.Equal(t, "certificate expired", s.Stages[1].Description)
	assert.Less(t, s.Stages[1].Progress, 100)
	assert.Equal(t, progress.StatusPending, s.Stages[2].Status)
	assert.Equal(t, progress.StatusPending, s.Stages[3].Status)
	assert.True(t, list.AnyFailed())
	assert.False(t, list.AllCompleted())
}

func TestSimulatedGateCanceledLeavesStageRunning(t *testing.T) {
	list := progress.NewStageList("A", "B")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := &Simulated{
		Step: 100,
		Gate: func(ctx context.Context, i int) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		},
	}
	outcome, err := d.Run(ctx, list)

	assert.Equal(t, OutcomeCanceled, outcome)
	assert.ErrorIs(t, err, context.Canceled)
	st, _ := list.Stage(0)
	assert.Equal(t, progress.StatusRunning, st.Status)
}

func TestNewSelectsDriver(t *testing.T) {
	cfg := config.DefaultConfig().Progress

	src := NewChanSource(1)
	defer src.Close()

	cfg.Mode = config.ModeDriven
	assert.IsType(t, &Stream{}, New(cfg, IntentPhrasePhases, src, nil, nil))
	assert.IsType(t, &Simulated{}, New(cfg, IntentPhrasePhases, nil, nil, nil), "no source falls back")

	cfg.Mode = config.ModeSimulated
	d := New(cfg, IntentPhrasePhases, src, nil, nil)
	require.IsType(t, &Simulated{}, d)
	assert.Equal(t, cfg.Step, d.(*Simulated).Step)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "completed", OutcomeCompleted.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
	assert.Equal(t, "canceled", OutcomeCanceled.String())
}

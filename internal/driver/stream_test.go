package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apresai/domain-analyzer/internal/progress"
)

var abcPhases = PhaseTable{"A": 0, "B": 1, "C": 2}

func feed(t *testing.T, events ...StreamEvent) *ChanSource {
	t.Helper()
	src := NewChanSource(len(events) + 1)
	for _, ev := range events {
		require.True(t, src.Send(context.Background(), ev))
	}
	return src
}

func pe(phase string, pct int) StreamEvent {
	return ProgressEvent(progress.Event{Phase: phase, Progress: pct})
}

func TestStreamScenarioABC(t *testing.T) {
	list := progress.NewStageList("A", "B", "C")
	src := feed(t,
		pe("A", 50),
		pe("A", 100),
		pe("B", 100),
		StreamEvent{Name: EventComplete, Data: []byte(`{}`)},
	)

	outcome, err := (&Stream{Source: src, Phases: abcPhases}).Run(context.Background(), list)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	s := list.Snapshot()
	assert.Equal(t, progress.StatusCompleted, s.Stages[0].Status)
	assert.Equal(t, progress.StatusCompleted, s.Stages[1].Status)
	assert.Equal(t, progress.StatusPending, s.Stages[2].Status)
	assert.False(t, list.AllCompleted())
	assert.True(t, src.Closed())
}

func TestApplyIgnoresUnmappedPhases(t *testing.T) {
	for _, phase := range []string{"", "D", "community_mining", "a"} {
		list := progress.NewStageList("A", "B", "C")
		before := list.Snapshot()

		assert.False(t, Apply(list, abcPhases, progress.Event{Phase: phase, Progress: 100, Message: "x"}))
		assert.Equal(t, before, list.Snapshot(), "phase %q", phase)
	}
}

func TestApplyMovesTowardCompleted(t *testing.T) {
	list := progress.NewStageList("A")
	for _, p := range []int{10, 35, 60, 99} {
		Apply(list, abcPhases, progress.Event{Phase: "A", Progress: p})
		st, _ := list.Stage(0)
		assert.Equal(t, progress.StatusRunning, st.Status)
		assert.Equal(t, p, st.Progress)
	}

	Apply(list, abcPhases, progress.Event{Phase: "A", Progress: 100, Message: "done"})
	st, _ := list.Stage(0)
	assert.Equal(t, progress.StatusCompleted, st.Status)
	assert.Equal(t, "done", st.Description)
}

func TestApplyOutOfOrderDoesNotRegress(t *testing.T) {
	list := progress.NewStageList("A")
	Apply(list, abcPhases, progress.Event{Phase: "A", Progress: 80})
	Apply(list, abcPhases, progress.Event{Phase: "A", Progress: 40, Message: "late"})

	st, _ := list.Stage(0)
	assert.Equal(t, 80, st.Progress)
	assert.Equal(t, "late", st.Description)
}

func TestStreamErrorEvent(t *testing.T) {
	list := progress.NewStageList("A", "B", "C")
	src := feed(t,
		pe("A", 40),
		StreamEvent{Name: EventError, Data: []byte(`{"message":"LLM quota exhausted","code":"quota"}`)},
		StreamEvent{Name: EventComplete},
	)

	outcome, err := (&Stream{Source: src, Phases: abcPhases}).Run(context.Background(), list)
	assert.Equal(t, OutcomeFailed, outcome)

	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "quota", se.Code)

	s := list.Snapshot()
	assert.Equal(t, progress.StatusFailed, s.Stages[0].Status)
	assert.Equal(t, "LLM quota exhausted", s.Stages[0].Description)
	assert.Equal(t, progress.StatusPending, s.Stages[1].Status)
	assert.True(t, src.Closed())
}

func TestStreamErrorEventPlainPayload(t *testing.T) {
	list := progress.NewStageList("A")
	src := feed(t, StreamEvent{Name: EventError, Data: []byte("backend exploded")})

	_, err := (&Stream{Source: src, Phases: abcPhases}).Run(context.Background(), list)
	assert.EqualError(t, err, "stream error: backend exploded")
}

func TestStreamIdleTimeout(t *testing.T) {
	list := progress.NewStageList("A", "B")
	src := feed(t, pe("A", 30))

	start := time.Now()
	outcome, err := (&Stream{Source: src, Phases: abcPhases, IdleTimeout: 20 * time.Millisecond}).
		Run(context.Background(), list)

	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, ErrStreamTimeout)
	assert.Less(t, time.Since(start), time.Second)

	st, _ := list.Stage(0)
	assert.Equal(t, progress.StatusFailed, st.Status)
	assert.True(t, src.Closed())
}

func TestStreamEndsWithoutComplete(t *testing.T) {
	list := progress.NewStageList("A")
	src := feed(t, pe("A", 30))
	require.NoError(t, src.Close())

	outcome, err := (&Stream{Source: src, Phases: abcPhases}).Run(context.Background(), list)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, ErrStreamClosed)

	st, _ := list.Stage(0)
	assert.Equal(t, 30, st.Progress, "queued events are applied before EOF")
}

func TestStreamCancel(t *testing.T) {
	list := progress.NewStageList("A")
	src := NewChanSource(1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	var outcome Outcome
	go func() {
		defer close(done)
		outcome, _ = (&Stream{Source: src, Phases: abcPhases}).Run(ctx, list)
	}()

	cancel()
	<-done

	assert.Equal(t, OutcomeCanceled, outcome)
	assert.True(t, src.Closed())
	assert.False(t, src.Send(context.Background(), pe("A", 50)))
}

func TestStreamSkipsMalformedAndUnknownEvents(t *testing.T) {
	list := progress.NewStageList("A")
	src := feed(t,
		StreamEvent{Name: EventProgress, Data: []byte("{not json")},
		StreamEvent{Name: "ping"},
		pe("Z", 100),
		pe("A", 100),
		StreamEvent{Name: EventComplete},
	)

	outcome, err := (&Stream{Source: src, Phases: abcPhases}).Run(context.Background(), list)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.True(t, list.AllCompleted())
}

func TestPhaseTableFrom(t *testing.T) {
	assert.Equal(t, IntentPhrasePhases, PhaseTableFrom(nil, IntentPhrasePhases))
	custom := map[string]int{"x": 0}
	assert.Equal(t, PhaseTable(custom), PhaseTableFrom(custom, IntentPhrasePhases))
	assert.Len(t, IntentPhraseStages, len(IntentPhrasePhases))
}

package progress

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStageListStartsPending(t *testing.T) {
	l := NewStageList("A", "B", "C")

	require.Equal(t, 3, l.Len())
	for _, st := range l.Snapshot().Stages {
		assert.Equal(t, StatusPending, st.Status)
		assert.Zero(t, st.Progress)
	}
	assert.False(t, l.AllCompleted())
	assert.False(t, l.AnyFailed())
	assert.Equal(t, -1, l.Current())
}

func TestSetStagePartialUpdate(t *testing.T) {
	l := NewStageList("A", "B")

	require.True(t, l.SetStage(0, Update(StatusRunning, 40).Describe("crawling")))

	st, ok := l.Stage(0)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, st.Status)
	assert.Equal(t, 40, st.Progress)
	assert.Equal(t, "crawling", st.Description)

	msg := "still crawling"
	require.True(t, l.SetStage(0, StageUpdate{Description: &msg}))
	st, _ = l.Stage(0)
	assert.Equal(t, StatusRunning, st.Status, "status untouched")
	assert.Equal(t, 40, st.Progress, "progress untouched")
	assert.Equal(t, msg, st.Description)
}

func TestSetStageOutOfRangeIsNoop(t *testing.T) {
	l := NewStageList("A")
	before := l.Snapshot()

	assert.False(t, l.SetStage(-1, Update(StatusRunning, 10)))
	assert.False(t, l.SetStage(1, Update(StatusRunning, 10)))
	assert.Equal(t, before, l.Snapshot())
}

func TestSetStageMonotonicProgress(t *testing.T) {
	l := NewStageList("A")
	l.SetStage(0, Update(StatusRunning, 70))
	l.SetStage(0, Update(StatusRunning, 30))

	st, _ := l.Stage(0)
	assert.Equal(t, 70, st.Progress)

	l.SetStage(0, Update(StatusRunning, 250))
	st, _ = l.Stage(0)
	assert.Equal(t, 100, st.Progress, "clamped to 100")
}

func TestSetStageTerminalIsSticky(t *testing.T) {
	l := NewStageList("A")
	l.SetStage(0, Update(StatusCompleted, 100))
	l.SetStage(0, Update(StatusRunning, 50))

	st, _ := l.Stage(0)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 100, st.Progress)

	reset := Update(StatusPending, 0)
	reset.Reset = true
	require.True(t, l.SetStage(0, reset))
	st, _ = l.Stage(0)
	assert.Equal(t, StatusPending, st.Status)
	assert.Zero(t, st.Progress)
}

func TestCompletedForcesFullProgress(t *testing.T) {
	l := NewStageList("A")
	done := StatusCompleted
	l.SetStage(0, StageUpdate{Status: &done})

	st, _ := l.Stage(0)
	assert.Equal(t, 100, st.Progress)
}

func TestAllCompletedAndAnyFailedExclusive(t *testing.T) {
	cases := []struct {
		name     string
		statuses []Status
		all      bool
		failed   bool
	}{
		{"all pending", []Status{StatusPending, StatusPending}, false, false},
		{"all completed", []Status{StatusCompleted, StatusCompleted}, true, false},
		{"one failed", []Status{StatusCompleted, StatusFailed}, false, true},
		{"running", []Status{StatusCompleted, StatusRunning}, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := NewStageList("A", "B")
			for i, s := range tc.statuses {
				l.SetStage(i, Update(s, 0))
			}
			assert.Equal(t, tc.all, l.AllCompleted())
			assert.Equal(t, tc.failed, l.AnyFailed())
			assert.False(t, l.AllCompleted() && l.AnyFailed())
		})
	}
}

func TestActiveSupportsOverlappingStages(t *testing.T) {
	l := NewStageList("A", "B", "C")
	l.SetStage(2, Update(StatusRunning, 10))
	l.SetStage(1, Update(StatusRunning, 10))

	assert.Equal(t, []int{1, 2}, l.Active())
	assert.Equal(t, 1, l.Current())
}

func TestPercent(t *testing.T) {
	l := NewStageList("A", "B")
	l.SetStage(0, Update(StatusCompleted, 100))
	l.SetStage(1, Update(StatusRunning, 50))

	assert.InDelta(t, 0.75, l.Percent(), 0.0001)
	assert.Zero(t, NewStageList().Percent())
}

func TestOnChangeReceivesSnapshots(t *testing.T) {
	l := NewStageList("A").Labeled("Keyword analysis")

	var got []Snapshot
	l.OnChange(func(s Snapshot) { got = append(got, s) })

	l.SetStage(0, Update(StatusRunning, 20))
	l.SetStage(0, Update(StatusRunning, 20)) // no change, no notification

	require.Len(t, got, 1)
	assert.Equal(t, "Keyword analysis", got[0].Step)
	assert.Equal(t, 20, got[0].Stages[0].Progress)
}

func TestConcurrentSnapshots(t *testing.T) {
	l := NewStageList("A", "B", "C", "D")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for p := 0; p <= 100; p++ {
			l.SetStage(p%4, Update(StatusRunning, p))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = l.Snapshot()
			_ = l.Active()
		}
	}()
	wg.Wait()
}

func TestSnapshotCurrent(t *testing.T) {
	s := Snapshot{Stages: []Stage{
		{Name: "A", Status: StatusCompleted},
		{Name: "B", Status: StatusPending},
	}}
	st, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, "A", st.Name)

	_, ok = Snapshot{}.Current()
	assert.False(t, ok)
}

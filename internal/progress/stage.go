package progress

import "sync"

// Status is the lifecycle state of a single stage.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are expected without a reset.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage is one named unit of work in a multi-step progress display.
type Stage struct {
	Name        string `json:"name"`
	Status      Status `json:"status"`
	Progress    int    `json:"progress"` // 0–100
	Description string `json:"description,omitempty"`
}

// StageUpdate is a partial update. Nil fields are left untouched.
type StageUpdate struct {
	Status      *Status
	Progress    *int
	Description *string
	// Reset allows a terminal stage to move back to pending/running and lets
	// progress decrease.
	Reset bool
}

// Update builds a StageUpdate that sets both status and progress.
func Update(status Status, pct int) StageUpdate {
	return StageUpdate{Status: &status, Progress: &pct}
}

// Describe returns a copy of u that also overwrites the description.
func (u StageUpdate) Describe(msg string) StageUpdate {
	u.Description = &msg
	return u
}

// StageList owns an ordered, fixed sequence of stages. A single driver mutates
// it while renderers take snapshots from other goroutines.
type StageList struct {
	label string

	mu        sync.RWMutex
	stages    []Stage
	observers []func(Snapshot)
}

// NewStageList creates a list in which every stage starts pending at 0%.
func NewStageList(names ...string) *StageList {
	stages := make([]Stage, len(names))
	for i, n := range names {
		stages[i] = Stage{Name: n, Status: StatusPending}
	}
	return &StageList{stages: stages}
}

// Labeled sets the label carried on snapshots (usually the wizard step title).
func (l *StageList) Labeled(label string) *StageList {
	l.label = label
	return l
}

// Label returns the list label.
func (l *StageList) Label() string { return l.label }

// OnChange registers fn to receive a snapshot after every applied update.
func (l *StageList) OnChange(fn func(Snapshot)) {
	l.mu.Lock()
	l.observers = append(l.observers, fn)
	l.mu.Unlock()
}

// SetStage applies u to the stage at index. Out-of-range indices are ignored.
// Progress is clamped to 0..100 and never decreases unless u.Reset is set.
// Terminal stages keep their status unless u.Reset is set. It reports whether
// the stage changed.
func (l *StageList) SetStage(index int, u StageUpdate) bool {
	l.mu.Lock()
	if index < 0 || index >= len(l.stages) {
		l.mu.Unlock()
		return false
	}

	old := l.stages[index]
	st := old

	if u.Status != nil && (u.Reset || !old.Status.Terminal()) {
		st.Status = *u.Status
	}
	if u.Progress != nil {
		p := clamp(*u.Progress)
		if u.Reset || p > st.Progress {
			st.Progress = p
		}
	}
	if u.Description != nil {
		st.Description = *u.Description
	}
	if st.Status == StatusCompleted {
		st.Progress = 100
	}

	if st == old {
		l.mu.Unlock()
		return false
	}
	l.stages[index] = st
	snap := l.snapshotLocked()
	observers := append([]func(Snapshot){}, l.observers...)
	l.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
	return true
}

// Stage returns a copy of the stage at index.
func (l *StageList) Stage(index int) (Stage, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.stages) {
		return Stage{}, false
	}
	return l.stages[index], true
}

// Len returns the number of stages.
func (l *StageList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.stages)
}

// AllCompleted is true iff every stage is completed.
func (l *StageList) AllCompleted() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, s := range l.stages {
		if s.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// AnyFailed is true iff at least one stage failed.
func (l *StageList) AnyFailed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, s := range l.stages {
		if s.Status == StatusFailed {
			return true
		}
	}
	return false
}

// Active returns the indices of all running stages. Driven phases may overlap,
// so more than one index can be returned.
func (l *StageList) Active() []int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var idx []int
	for i, s := range l.stages {
		if s.Status == StatusRunning {
			idx = append(idx, i)
		}
	}
	return idx
}

// Current returns the lowest running index, or -1 when nothing is running.
func (l *StageList) Current() int {
	if active := l.Active(); len(active) > 0 {
		return active[0]
	}
	return -1
}

// Percent returns overall progress as 0.0–1.0.
func (l *StageList) Percent() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return percentOf(l.stages)
}

// Snapshot returns a consistent copy of the list.
func (l *StageList) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

func (l *StageList) snapshotLocked() Snapshot {
	stages := make([]Stage, len(l.stages))
	copy(stages, l.stages)
	return Snapshot{
		Step:    l.label,
		Stages:  stages,
		Percent: percentOf(stages),
	}
}

func percentOf(stages []Stage) float64 {
	if len(stages) == 0 {
		return 0
	}
	total := 0
	for _, s := range stages {
		total += s.Progress
	}
	return float64(total) / float64(len(stages)*100)
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

package progress

import "time"

// Event is a progress message pushed by the backend for one phase.
type Event struct {
	Phase    string `json:"phase"`
	Progress int    `json:"progress"` // 0–100
	Message  string `json:"message,omitempty"`
}

// Snapshot is a point-in-time copy of a StageList, handed to renderers and
// persistence callbacks.
type Snapshot struct {
	Step    string
	Stages  []Stage
	Percent float64 // 0.0–1.0
	Elapsed time.Duration
	// Done is set on the final snapshot of a step; Err carries its failure.
	Done bool
	Err  error
}

// Current returns the first running stage, or the last non-pending one when
// nothing is running.
func (s Snapshot) Current() (Stage, bool) {
	var last Stage
	found := false
	for _, st := range s.Stages {
		if st.Status == StatusRunning {
			return st, true
		}
		if st.Status != StatusPending {
			last, found = st, true
		}
	}
	return last, found
}

// Callback is the function signature for snapshot handlers.
type Callback func(Snapshot)

// NopCallback is a no-op progress callback for tests and silent mode.
func NopCallback(Snapshot) {}

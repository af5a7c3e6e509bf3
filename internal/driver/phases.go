package driver

import (
	"github.com/apresai/domain-analyzer/internal/progress"
)

// PhaseTable maps server phase identifiers to local stage indices.
type PhaseTable map[string]int

// Index resolves a phase. Unknown phases report false.
func (t PhaseTable) Index(phase string) (int, bool) {
	i, ok := t[phase]
	return i, ok
}

// IntentPhrasePhases is the phase table of the intent phrase generator stream.
var IntentPhrasePhases = PhaseTable{
	"community_mining":      0,
	"search_patterns":       1,
	"intent_classification": 2,
	"phrase_generation":     3,
	"relevance_scoring":     4,
}

// IntentPhraseStages are the display names matching IntentPhrasePhases.
var IntentPhraseStages = []string{
	"Mining community discussions",
	"Analyzing search patterns",
	"Classifying intent",
	"Generating phrases",
	"Scoring relevance",
}

// PhaseTableFrom returns overrides when non-empty, otherwise def.
func PhaseTableFrom(overrides map[string]int, def PhaseTable) PhaseTable {
	if len(overrides) == 0 {
		return def
	}
	return PhaseTable(overrides)
}

// Apply maps ev onto list. Unmapped phases are dropped and leave the list
// untouched. A progress of 100 completes the stage; anything lower keeps it
// running. It reports whether the list changed.
func Apply(list *progress.StageList, table PhaseTable, ev progress.Event) bool {
	idx, ok := table.Index(ev.Phase)
	if !ok {
		return false
	}
	status := progress.StatusRunning
	if ev.Progress >= 100 {
		status = progress.StatusCompleted
	}
	u := progress.Update(status, ev.Progress)
	if ev.Message != "" {
		u = u.Describe(ev.Message)
	}
	return list.SetStage(idx, u)
}

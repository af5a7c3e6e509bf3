package cli

import (
	"context"
	"errors"
	"strconv"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/apresai/domain-analyzer/internal/backend"
	"github.com/apresai/domain-analyzer/internal/idmask"
	"github.com/apresai/domain-analyzer/internal/progress"
	"github.com/apresai/domain-analyzer/internal/scoring"
	"github.com/apresai/domain-analyzer/internal/wizard"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestParseDomainID(t *testing.T) {
	id, err := parseDomainID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	tok := idmask.Encode(12345)
	if _, err := strconv.ParseInt(tok, 10, 64); err == nil {
		t.Skipf("token %q is numeric", tok)
	}
	id, err = parseDomainID(tok)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), id)

	_, err = parseDomainID("not-an-id")
	assert.ErrorIs(t, err, idmask.ErrInvalidToken)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"heuristic", "claude"}, splitList(" Heuristic, ,CLAUDE "))
	assert.Nil(t, splitList(""))
}

func TestStepSummary(t *testing.T) {
	a := wizard.Analysis{
		Domain:   "acme.com",
		Keywords: []backend.Keyword{{Keyword: "anvils"}},
		Phrases:  []backend.IntentPhrase{{Phrase: "best anvil"}, {Phrase: "anvil price"}},
		Visibility: &scoring.Report{
			Overall:   42.5,
			Providers: []scoring.ProviderResult{{Provider: "heuristic"}, {Provider: "claude"}},
		},
	}
	assert.Equal(t, "acme.com", stepSummary(a, wizard.StepOnboarding))
	a.Brand = "Acme"
	assert.Equal(t, "Acme", stepSummary(a, wizard.StepOnboarding))
	assert.Equal(t, "1 keyword", stepSummary(a, wizard.StepKeywords))
	assert.Equal(t, "2 intent phrases", stepSummary(a, wizard.StepIntentPhrases))
	assert.Equal(t, "42.5/100 across 2 providers", stepSummary(a, wizard.StepVisibility))
	assert.Empty(t, stepSummary(wizard.Analysis{}, wizard.StepVisibility))
}

func newTestModel(t *testing.T) tuiModel {
	t.Helper()
	flow, err := wizard.NewFlow(&wizard.Runner{}, "https://www.Acme.com/about")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return newTUIModel(ctx, cancel, flow, make(chan progress.Snapshot))
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestTUIBackOnFirstStep(t *testing.T) {
	m := newTestModel(t)
	m.running = false

	next, cmd := m.Update(key("b"))
	assert.Nil(t, cmd)
	assert.Equal(t, "Already at the first step.", next.(tuiModel).note)
}

func TestTUIKeysIgnoredWhileRunning(t *testing.T) {
	m := newTestModel(t)

	next, cmd := m.Update(key("n"))
	assert.Nil(t, cmd)
	assert.True(t, next.(tuiModel).running)
}

func TestTUISnapshotAndFailure(t *testing.T) {
	m := newTestModel(t)

	snap := progress.Snapshot{
		Step: wizard.StepOnboarding.String(),
		Stages: []progress.Stage{
			{Name: "Validating domain", Status: progress.StatusCompleted, Progress: 100},
			{Name: "Checking SSL", Status: progress.StatusRunning, Progress: 40, Description: "handshake"},
		},
		Percent: 0.35,
	}
	next, cmd := m.Update(snapshotMsg(snap))
	assert.NotNil(t, cmd)
	m = next.(tuiModel)
	assert.True(t, m.running)

	view := m.View()
	assert.Contains(t, view, "acme.com")
	assert.Contains(t, view, "Checking SSL")
	assert.Contains(t, view, "handshake")
	assert.Contains(t, view, "q: cancel")

	next, _ = m.Update(stepDoneMsg{step: wizard.StepOnboarding, err: errors.New("certificate expired")})
	m = next.(tuiModel)
	assert.False(t, m.running)
	view = m.View()
	assert.Contains(t, view, "certificate expired")
	assert.Contains(t, view, "enter: retry")
}

func TestTUIQuitCancelsContext(t *testing.T) {
	m := newTestModel(t)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.True(t, next.(tuiModel).quit)
	assert.Error(t, m.ctx.Err())
}

func TestSnapshotFeedClose(t *testing.T) {
	feed := newSnapshotFeed(1)
	feed.send(progress.Snapshot{Step: "Keywords"})
	feed.send(progress.Snapshot{Step: "dropped when full"})

	assert.Equal(t, snapshotMsg(progress.Snapshot{Step: "Keywords"}), waitSnapshot(feed.ch)())

	feed.close()
	feed.close()
	assert.NotPanics(t, func() { feed.send(progress.Snapshot{Step: "late"}) })
	assert.Nil(t, waitSnapshot(feed.ch)(), "closed feed ends the wait")
}

package progress

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderBar(t *testing.T) {
	assert.Equal(t, "[#####.....]", renderBar(0.5, 10))
	assert.Equal(t, "[..........]", renderBar(-1, 10))
	assert.Equal(t, "[##########]", renderBar(2, 10))
}

func TestPlainRendererPrintsTransitionsOnly(t *testing.T) {
	var buf bytes.Buffer
	r := newBarRenderer(&buf, false, 80)

	l := NewStageList("Validating domain", "Checking SSL").Labeled("Domain onboarding")
	l.OnChange(r.Handle)

	l.SetStage(0, Update(StatusRunning, 20))
	l.SetStage(0, Update(StatusRunning, 40))
	l.SetStage(0, Update(StatusCompleted, 100))

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "Validating domain running"))
	assert.Contains(t, out, "Validating domain completed")
	assert.NotContains(t, out, "Checking SSL")
}

func TestTTYRendererDrawsEveryStage(t *testing.T) {
	var buf bytes.Buffer
	r := newBarRenderer(&buf, true, 100)

	r.Handle(Snapshot{
		Step: "Intent phrases",
		Stages: []Stage{
			{Name: "Community mining", Status: StatusCompleted, Progress: 100},
			{Name: "Search patterns", Status: StatusRunning, Progress: 30, Description: "reading SERPs"},
		},
		Percent: 0.65,
	})

	out := buf.String()
	assert.Contains(t, out, "[x] Community mining")
	assert.Contains(t, out, "[>] Search patterns")
	assert.Contains(t, out, "reading SERPs")
	assert.Contains(t, out, " 65%")
	assert.Equal(t, 4, r.lines)
}

func TestFinishReportsError(t *testing.T) {
	var buf bytes.Buffer
	r := newBarRenderer(&buf, false, 80)
	r.Handle(Snapshot{Step: "Domain onboarding", Done: true, Err: errors.New("ssl check failed")})
	r.Finish()

	assert.Contains(t, buf.String(), "Error: ssl check failed")
}

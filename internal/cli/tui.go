package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	bprogress "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/apresai/domain-analyzer/internal/gate"
	"github.com/apresai/domain-analyzer/internal/progress"
	"github.com/apresai/domain-analyzer/internal/wizard"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4")).
			MarginBottom(1)

	stepLabelStyle = lipgloss.NewStyle().
			Width(20)

	doneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#555555")).
			Italic(true)

	cursorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5555")).
			Bold(true)

	stageStyle = lipgloss.NewStyle().
			PaddingLeft(4)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			MarginTop(1)
)

type snapshotMsg progress.Snapshot

type stepDoneMsg struct {
	step wizard.Step
	err  error
}

// tuiModel steps through a wizard flow one step per keypress.
type tuiModel struct {
	ctx     context.Context
	cancel  context.CancelFunc
	flow    *wizard.Flow
	updates <-chan progress.Snapshot

	snap    progress.Snapshot
	running bool
	err     error
	note    string
	width   int
	quit    bool

	spinner spinner.Model
	bar     bprogress.Model
}

func newTUIModel(ctx context.Context, cancel context.CancelFunc, flow *wizard.Flow, updates <-chan progress.Snapshot) tuiModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = cursorStyle
	return tuiModel{
		ctx:     ctx,
		cancel:  cancel,
		flow:    flow,
		updates: updates,
		spinner: s,
		bar:     bprogress.New(bprogress.WithDefaultGradient(), bprogress.WithoutPercentage()),
		width:   80,
		running: true,
	}
}

// Init starts the first step; newTUIModel already marks it running.
func (m tuiModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitSnapshot(m.updates), runNext(m.ctx, m.flow))
}

func waitSnapshot(ch <-chan progress.Snapshot) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return nil
		}
		return snapshotMsg(s)
	}
}

func runNext(ctx context.Context, flow *wizard.Flow) tea.Cmd {
	step := flow.Current()
	return func() tea.Msg {
		return stepDoneMsg{step: step, err: flow.Next(ctx)}
	}
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = min(max(msg.Width-12, 10), 60)
		return m, nil

	case snapshotMsg:
		m.snap = progress.Snapshot(msg)
		m.running = !m.snap.Done
		return m, waitSnapshot(m.updates)

	case stepDoneMsg:
		m.running = false
		m.err = msg.err
		m.note = ""
		if msg.err == nil {
			m.note = msg.step.String() + " complete."
			if m.flow.Done() {
				m.note = "Analysis complete."
			}
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.updateKey(msg)
	}
	return m, nil
}

func (m tuiModel) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q", "esc":
		m.quit = true
		m.cancel()
		return m, tea.Quit

	case "enter", "n", " ":
		if m.running {
			return m, nil
		}
		if m.flow.Done() {
			return m, tea.Quit
		}
		m.running = true
		m.err = nil
		m.note = ""
		m.snap = progress.Snapshot{}
		return m, runNext(m.ctx, m.flow)

	case "b":
		if m.running {
			return m, nil
		}
		if !m.flow.Back() {
			m.note = "Already at the first step."
			return m, nil
		}
		m.err = nil
		m.snap = progress.Snapshot{}
		m.note = fmt.Sprintf("Back to %s. Press enter to run it again.", m.flow.Current())
		return m, nil
	}
	return m, nil
}

func (m tuiModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Domain analyzer: " + m.flow.Domain()))
	b.WriteString("\n")

	current := m.flow.Current()
	for _, s := range wizard.Steps() {
		b.WriteString(m.stepMarker(s, current))
		b.WriteString(" ")
		b.WriteString(stepLabelStyle.Render(s.String()))
		if s < current {
			b.WriteString(dimStyle.Render(stepSummary(m.flow.Analysis(), s)))
		}
		b.WriteString("\n")
	}

	if len(m.snap.Stages) > 0 {
		b.WriteString("\n")
		for _, st := range m.snap.Stages {
			line := fmt.Sprintf("%s %-24s %3d%%", stageMarker(st.Status), st.Name, st.Progress)
			if st.Description != "" {
				line += "  " + st.Description
			}
			b.WriteString(stageStyle.Render(line))
			b.WriteString("\n")
		}
		b.WriteString(stageStyle.Render(m.bar.ViewAs(m.snap.Percent)))
		b.WriteString(fmt.Sprintf(" %3.0f%%\n", m.snap.Percent*100))
	}

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("Error: " + m.err.Error()))
		b.WriteString("\n")
	}
	if m.note != "" {
		b.WriteString("\n")
		b.WriteString(doneStyle.Render(m.note))
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render(m.help()))
	b.WriteString("\n")
	return b.String()
}

func (m tuiModel) stepMarker(s, current wizard.Step) string {
	switch {
	case s < current:
		return doneStyle.Render("✓")
	case s > current:
		return dimStyle.Render("·")
	case m.running:
		return m.spinner.View()
	case m.flow.State(s) == gate.StateError:
		return errorStyle.Render("✗")
	default:
		return cursorStyle.Render("▸")
	}
}

func (m tuiModel) help() string {
	switch {
	case m.running:
		return "q: cancel"
	case m.flow.Done():
		return "enter: finish • b: back • q: quit"
	case m.err != nil:
		return "enter: retry • b: back • q: quit"
	default:
		return "enter: next step • b: back • q: quit"
	}
}

func stageMarker(s progress.Status) string {
	switch s {
	case progress.StatusCompleted:
		return doneStyle.Render("✓")
	case progress.StatusRunning:
		return cursorStyle.Render("▸")
	case progress.StatusFailed:
		return errorStyle.Render("✗")
	default:
		return dimStyle.Render("·")
	}
}

// stepSummary is the one-line result shown next to a finished step.
func stepSummary(a wizard.Analysis, s wizard.Step) string {
	switch s {
	case wizard.StepOnboarding:
		if a.Brand != "" {
			return a.Brand
		}
		return a.Domain
	case wizard.StepKeywords:
		return plural(len(a.Keywords), "keyword")
	case wizard.StepIntentPhrases:
		return plural(len(a.Phrases), "intent phrase")
	case wizard.StepVisibility:
		if a.Visibility == nil {
			return ""
		}
		return fmt.Sprintf("%.1f/100 across %s", a.Visibility.Overall, plural(len(a.Visibility.Providers), "provider"))
	}
	return ""
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

// snapshotFeed hands progress snapshots to the program without blocking the
// flow. Sends after close are dropped, since a canceled step may still report.
type snapshotFeed struct {
	mu     sync.Mutex
	ch     chan progress.Snapshot
	closed bool
}

func newSnapshotFeed(size int) *snapshotFeed {
	return &snapshotFeed{ch: make(chan progress.Snapshot, size)}
}

func (f *snapshotFeed) send(s progress.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.ch <- s:
	default:
	}
}

func (f *snapshotFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}

// runTUI drives the flow interactively and prints the analysis once every
// step has run.
func runTUI(ctx context.Context, runner *wizard.Runner, domain string) error {
	flow, err := wizard.NewFlow(runner, domain)
	if err != nil {
		return err
	}

	updates := newSnapshotFeed(64)
	runner.OnProgress = updates.send

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newTUIModel(ctx, cancel, flow, updates.ch), tea.WithAltScreen())
	final, err := p.Run()
	cancel()
	updates.close()
	if err != nil {
		return fmt.Errorf("tui: %w", err)
	}

	fm := final.(tuiModel)
	if !flow.Done() {
		if fm.err != nil {
			return fm.err
		}
		return context.Canceled
	}
	a := flow.Analysis()
	if flagJSON {
		return printJSON(a)
	}
	printAnalysis(os.Stdout, &a)
	return nil
}

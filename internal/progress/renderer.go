package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/term"
	"github.com/mattn/go-isatty"
)

// BarRenderer draws the stage list plus an overall bar on a TTY, or prints
// timestamped single lines on stage transitions on a non-TTY.
type BarRenderer struct {
	out   io.Writer
	start time.Time
	isTTY bool
	width int

	mu       sync.Mutex
	last     Snapshot
	statuses map[string]Status // step/stage -> last printed status (plain mode)
	lines    int               // number of lines currently written (for TTY overwrite)
}

// NewBarRenderer creates a renderer that writes to out.
// It auto-detects TTY mode and terminal width.
func NewBarRenderer(out *os.File) *BarRenderer {
	tty := isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())

	width := 80
	if tty {
		if w, _, err := term.GetSize(out.Fd()); err == nil && w > 0 {
			width = w
		}
	}

	return newBarRenderer(out, tty, width)
}

func newBarRenderer(out io.Writer, tty bool, width int) *BarRenderer {
	return &BarRenderer{
		out:      out,
		start:    time.Now(),
		isTTY:    tty,
		width:    width,
		statuses: make(map[string]Status),
	}
}

// Handle processes a snapshot. It satisfies the Callback type.
func (r *BarRenderer) Handle(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.Elapsed = time.Since(r.start)
	r.last = s

	if r.isTTY {
		r.renderTTY(s)
	} else {
		r.renderPlain(s)
	}
}

// Finish clears the progress display and prints a final summary.
func (r *BarRenderer) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.last
	if r.isTTY && r.lines > 0 {
		r.clearLines()
	}

	if s.Err != nil {
		fmt.Fprintf(r.out, "\n  Error: %v\n", s.Err)
		return
	}
	if s.Step != "" {
		fmt.Fprintf(r.out, "\n  %s finished (%s)\n", s.Step, formatElapsed(time.Since(r.start)))
	}
}

func (r *BarRenderer) renderTTY(s Snapshot) {
	if r.lines > 0 {
		r.clearLines()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "  %s\n", s.Step)
	for _, st := range s.Stages {
		line := fmt.Sprintf("  %s %-28s %3d%%", statusMarker(st.Status), st.Name, st.Progress)
		if st.Description != "" {
			line += "  " + st.Description
		}
		b.WriteString(truncate(line, r.width))
		b.WriteByte('\n')
	}
	bar := renderBar(s.Percent, r.barWidth())
	fmt.Fprintf(&b, "  %s %3d%%  %s", bar, int(s.Percent*100), formatElapsed(s.Elapsed))

	fmt.Fprint(r.out, b.String())
	r.lines = len(s.Stages) + 2
}

func (r *BarRenderer) renderPlain(s Snapshot) {
	// Only print on status transitions, not every percent tick.
	for _, st := range s.Stages {
		key := s.Step + "/" + st.Name
		if r.statuses[key] == st.Status {
			continue
		}
		r.statuses[key] = st.Status
		if st.Status == StatusPending {
			continue
		}
		msg := fmt.Sprintf("%s: %s %s", s.Step, st.Name, st.Status)
		if st.Description != "" {
			msg += " (" + st.Description + ")"
		}
		fmt.Fprintf(r.out, "[%s] %s\n", formatElapsed(s.Elapsed), msg)
	}
}

func (r *BarRenderer) clearLines() {
	for i := 0; i < r.lines; i++ {
		if i == 0 {
			fmt.Fprint(r.out, "\r\033[2K")
		} else {
			fmt.Fprint(r.out, "\033[A\033[2K")
		}
	}
	fmt.Fprint(r.out, "\r")
	r.lines = 0
}

// barWidth returns the width available for the bar, accounting for brackets,
// percent, elapsed, and padding.
func (r *BarRenderer) barWidth() int {
	w := r.width - 16
	if w < 20 {
		w = 20
	}
	if w > 60 {
		w = 60
	}
	return w
}

func statusMarker(s Status) string {
	switch s {
	case StatusRunning:
		return "[>]"
	case StatusCompleted:
		return "[x]"
	case StatusFailed:
		return "[!]"
	default:
		return "[ ]"
	}
}

// renderBar draws a [####....] style bar of the given width.
func renderBar(pct float64, width int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 1 {
		pct = 1
	}
	filled := int(pct * float64(width))
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

// formatElapsed formats a duration as M:SS.
func formatElapsed(d time.Duration) string {
	total := int(d.Seconds())
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

func truncate(s string, max int) string {
	if max > 3 && len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}

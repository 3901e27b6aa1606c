package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/ggonzalez94/routex/internal/execution"
)

// progressReporter prints one line per step transition. On a terminal a
// spinner runs while a step is active.
type progressReporter struct {
	w    io.Writer
	spin *spinner.Spinner

	mu       sync.Mutex
	attempt  string
	steps    []execution.StepStatus
	finished bool
}

func newProgressReporter(w io.Writer) *progressReporter {
	p := &progressReporter{w: w}
	if isTerminal(w) {
		p.spin = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
	}
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (p *progressReporter) Report(st execution.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st.AttemptID == "" {
		return
	}
	if st.AttemptID != p.attempt {
		p.attempt = st.AttemptID
		p.steps = make([]execution.StepStatus, len(st.Steps))
		p.finished = false
		p.println(fmt.Sprintf("Executing route %s via %s (%d steps)", color.CyanString(st.RouteID), st.Strategy, len(st.Steps)))
	}

	for i, step := range st.Steps {
		if i >= len(p.steps) || p.steps[i] == step.Status {
			continue
		}
		p.steps[i] = step.Status
		if step.Status == execution.StepStatusPending {
			continue
		}
		line := fmt.Sprintf("  [%d/%d] %-8s %s", i+1, len(st.Steps), step.Type, colorStepStatus(step.Status))
		if step.TxHash != "" {
			line += " " + color.HiBlackString(step.TxHash)
		}
		if step.Message != "" {
			line += " (" + step.Message + ")"
		}
		p.println(line)
		if step.Status == execution.StepStatusActive && p.spin != nil {
			p.spin.Suffix = fmt.Sprintf(" waiting on %s step %d/%d", step.Type, i+1, len(st.Steps))
			p.spin.Start()
		}
	}

	if st.Status.Terminal() && !p.finished {
		p.finished = true
		if st.Status == execution.SwapStatusSuccess {
			p.println(color.GreenString("Swap completed") + " " + st.TxHash)
		} else if st.Err != nil {
			p.println(color.RedString("Swap failed: %s", st.Err.Message))
		}
	}
}

// println stops the spinner so lines are not interleaved with its frames.
func (p *progressReporter) println(line string) {
	if p.spin != nil {
		p.spin.Stop()
	}
	_, _ = fmt.Fprintln(p.w, line)
}

func colorStepStatus(s execution.StepStatus) string {
	switch s {
	case execution.StepStatusCompleted:
		return color.GreenString(string(s))
	case execution.StepStatusActive:
		return color.YellowString(string(s))
	case execution.StepStatusFailed:
		return color.RedString(string(s))
	default:
		return string(s)
	}
}

// terminalPrompt asks on the terminal whether a changed rate is acceptable.
// No answer before ctx ends counts as a decline.
// A single reader goroutine owns in, so an answer typed after a timed-out
// prompt goes to the next prompt.
type terminalPrompt struct {
	in    *bufio.Reader
	out   io.Writer
	once  sync.Once
	lines chan string
}

func newTerminalPrompt(in io.Reader, out io.Writer) *terminalPrompt {
	return &terminalPrompt{in: bufio.NewReader(in), out: out, lines: make(chan string)}
}

func (t *terminalPrompt) readLines() {
	defer close(t.lines)
	for {
		line, err := t.in.ReadString('\n')
		if line != "" {
			t.lines <- line
		}
		if err != nil {
			return
		}
	}
}

func (t *terminalPrompt) ConfirmRateChange(ctx context.Context, notice execution.RateChangeNotice) (bool, error) {
	msg := fmt.Sprintf("\nRate for %s -> %s changed by %s (quoted %s, now %s).",
		notice.FromToken.Symbol, notice.ToToken.Symbol,
		colorDeviation(notice.Percent, notice.Deviation.IsNegative()),
		notice.OldRate.StringFixed(6), notice.NewRate.StringFixed(6))
	if deadline, ok := ctx.Deadline(); ok {
		msg += fmt.Sprintf(" Accept within %s? (y/N): ", time.Until(deadline).Round(time.Second))
	} else {
		msg += " Accept? (y/N): "
	}
	_, _ = fmt.Fprint(t.out, msg)

	t.once.Do(func() { go t.readLines() })

	select {
	case <-ctx.Done():
		_, _ = fmt.Fprintln(t.out, color.YellowString("\nno answer; declining"))
		return false, nil
	case line, ok := <-t.lines:
		if !ok {
			return false, nil
		}
		line = strings.ToLower(strings.TrimSpace(line))
		return line == "y" || line == "yes", nil
	}
}

func colorDeviation(percent string, negative bool) string {
	if negative {
		return color.RedString(percent)
	}
	return color.GreenString(percent)
}

// acceptAllPrompt backs --accept-rate-changes.
func acceptAllPrompt() execution.RatePrompt {
	return execution.RatePromptFunc(func(context.Context, execution.RateChangeNotice) (bool, error) {
		return true, nil
	})
}

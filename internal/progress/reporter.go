package progress

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/gosuri/uilive"
)

const (
	defaultWidth = 80
	barWidth     = 27
	padding      = 15
)

var (
	statusColor = color.New(color.FgGreen, color.Bold)
	prefixColor = color.New(color.FgCyan, color.Bold)
	errorColor  = color.New(color.FgRed, color.Bold)
	warnColor   = color.New(color.FgYellow, color.Bold)
)

// ErrFailed is returned by Run when an error event was received and the
// event carried no error of its own.
var ErrFailed = errors.New("integration failed")

// Options configures a Reporter.
type Options struct {
	// Total is the number of progress steps the run will take.
	Total int
	// Live enables the in-place status line. Status lines for started and
	// skipped units are printed either way.
	Live bool
	// QuietSkip suppresses the "Skipped" line for this unit, typically the
	// runtime crate that is always skipped.
	QuietSkip string
	// Width overrides terminal width detection.
	Width int
}

// Reporter is the single consumer of pipeline events.
type Reporter struct {
	out    io.Writer
	live   *uilive.Writer
	opts   Options
	pos    int
	active []string
	err    error
}

// New returns a Reporter writing to out.
func New(out io.Writer, opts Options) *Reporter {
	r := &Reporter{out: out, opts: opts}
	if opts.Live {
		r.live = uilive.New()
		r.live.Out = out
	}
	if r.opts.Width <= 0 {
		r.opts.Width = terminalWidth(out)
	}
	return r
}

// Run consumes events until the channel is closed. After the first error
// event rendering stops, but the channel is still drained so no producer
// blocks. It returns the first error received, if any.
func (r *Reporter) Run(events <-chan Event) error {
	for ev := range events {
		if r.err != nil {
			continue
		}
		r.handle(ev)
	}
	if r.err == nil {
		r.pos++
		r.clear()
	}
	return r.err
}

func (r *Reporter) handle(ev Event) {
	switch ev.Phase {
	case PhaseError:
		r.fail(ev)
		return
	case PhaseSkip:
		if ev.Unit != r.opts.QuietSkip {
			r.println(status("Skipped", ev.Unit))
		}
		r.pos++
	default:
		label := ev.Label()
		if ev.Finished {
			r.remove(label)
			break
		}
		switch ev.Phase {
		case PhaseRewrite:
			r.println(status("Integrating", ev.Unit))
		case PhaseLink:
			r.println(status("Linking", ev.Unit))
		}
		r.pos++
		r.active = append([]string{label}, r.active...)
	}
	r.render()
}

func (r *Reporter) remove(label string) {
	for i, l := range r.active {
		if l == label {
			r.active = append(r.active[:i], r.active[i+1:]...)
			return
		}
	}
}

func (r *Reporter) fail(ev Event) {
	r.err = ev.Err
	if r.err == nil {
		r.err = ErrFailed
	}
	r.clear()
	fmt.Fprintf(r.out, "%s %s\n", errorColor.Sprintf("%12s", "Error"), "instrumentation has unexpectedly failed")
	msg := ev.Message
	if msg == "" {
		msg = r.err.Error()
	}
	fmt.Fprintf(r.out, "%s %s\n", warnColor.Sprintf("%12s", "Warning"), msg)
}

// Active returns the labels currently shown, most recent first.
func (r *Reporter) Active() []string {
	return append([]string(nil), r.active...)
}

// Position returns the number of steps taken so far.
func (r *Reporter) Position() int { return r.pos }

func status(verb, unit string) string {
	return statusColor.Sprintf("%12s", verb) + " " + unit
}

func (r *Reporter) println(line string) {
	if r.live != nil {
		fmt.Fprintln(r.live.Bypass(), line)
		return
	}
	fmt.Fprintln(r.out, line)
}

func (r *Reporter) render() {
	if r.live == nil {
		return
	}
	fmt.Fprintln(r.live, r.statusLine())
	_ = r.live.Flush()
}

// clear erases the live status frame. An empty bypass write wipes the lines
// uilive last drew; Flush alone is a no-op on an empty buffer.
func (r *Reporter) clear() {
	if r.live == nil {
		return
	}
	_, _ = r.live.Bypass().Write(nil)
}

// statusLine renders "Building [====>   ] pos/total: a, b, ..." bounded by
// the terminal width.
func (r *Reporter) statusLine() string {
	wide := r.opts.Width > defaultWidth
	prefixSize := 20
	if wide {
		prefixSize = 50
	}
	budget := r.opts.Width - prefixSize - padding

	var b strings.Builder
	b.WriteString(prefixColor.Sprintf("%12s", "Building"))
	if wide {
		b.WriteString(" [" + bar(r.pos, r.opts.Total) + "]")
	}
	fmt.Fprintf(&b, " %d/%d: ", r.pos, r.opts.Total)
	b.WriteString(joinBounded(r.active, budget))
	return b.String()
}

// joinBounded joins labels with ", " and ends with "..." once the next
// label would exceed budget.
func joinBounded(labels []string, budget int) string {
	if len(labels) == 0 {
		return ""
	}
	msg := labels[0]
	for _, l := range labels[1:] {
		msg += ", "
		if len(msg)+len(l) >= budget {
			return msg + "..."
		}
		msg += l
	}
	return msg
}

func bar(pos, total int) string {
	if total <= 0 {
		return strings.Repeat(" ", barWidth)
	}
	filled := pos * barWidth / total
	if filled > barWidth {
		filled = barWidth
	}
	if filled == barWidth {
		return strings.Repeat("=", barWidth)
	}
	return strings.Repeat("=", filled) + ">" + strings.Repeat(" ", barWidth-filled-1)
}

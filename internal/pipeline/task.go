package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kyleseneker/cibuild/internal/unit"
)

// Stage is the lifecycle position of a Task.
type Stage int

const (
	StagePending Stage = iota
	StageRewriting
	StageSkipped
	StageCompiling
	StageDone
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageRewriting:
		return "rewriting"
	case StageSkipped:
		return "skipped"
	case StageCompiling:
		return "compiling"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// ErrStageRegression is returned when a task is asked to move to a stage
// that does not follow its current one.
var ErrStageRegression = errors.New("invalid task stage transition")

var transitions = map[Stage][]Stage{
	StagePending:   {StageRewriting, StageSkipped, StageFailed},
	StageRewriting: {StageCompiling, StageFailed},
	StageSkipped:   {StageCompiling, StageFailed},
	StageCompiling: {StageDone, StageFailed},
}

// Decision is whether an IR file is instrumented or passed through.
type Decision int

const (
	DecisionUndecided Decision = iota
	DecisionInstrument
	DecisionPassThrough
)

func (d Decision) String() string {
	switch d {
	case DecisionInstrument:
		return "instrument"
	case DecisionPassThrough:
		return "pass-through"
	}
	return "undecided"
}

// Task tracks one stale IR file through rewrite and compile. A task is
// owned by the single worker that claimed it.
type Task struct {
	IR       string
	Unit     string
	Stage    Stage
	Decision Decision
	Err      error
}

// NewTask returns a pending task for the IR file at path.
func NewTask(path string) *Task {
	return &Task{IR: path, Unit: unit.IdentOf(path)}
}

// Advance moves the task to next.
func (t *Task) Advance(next Stage) error {
	for _, s := range transitions[t.Stage] {
		if s == next {
			t.Stage = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s (%s)", ErrStageRegression, t.Stage, next, t.IR)
}

// Fail moves the task to StageFailed and records err.
func (t *Task) Fail(err error) {
	t.Err = err
	if t.Stage != StageDone {
		t.Stage = StageFailed
	}
}

// Decide records the integration decision. It may only be made once, before
// the task leaves StagePending.
func (t *Task) Decide(d Decision) error {
	if t.Decision != DecisionUndecided || t.Stage != StagePending {
		return fmt.Errorf("%w: decision already made for %s", ErrStageRegression, t.IR)
	}
	t.Decision = d
	return nil
}

// Rewritten is the instrumented IR path, "x-ci.ll".
func (t *Task) Rewritten() string { return unit.CIPath(t.IR) }

// Object is the instrumented object path, "x-ci.o".
func (t *Task) Object() string { return strings.TrimSuffix(t.Rewritten(), ".ll") + ".o" }

// Probe is the object rustc produced next to the IR file, "x.o".
func (t *Task) Probe() string { return strings.TrimSuffix(t.IR, ".ll") + ".o" }

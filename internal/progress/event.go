// Package progress renders live integration status from the stage
// transitions the pipeline workers publish.
package progress

import "fmt"

// Phase is a pipeline stage a unit passes through.
type Phase int

const (
	PhaseRewrite Phase = iota
	PhaseCompile
	PhaseLink
	PhaseSkip
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseRewrite:
		return "rewrite"
	case PhaseCompile:
		return "compile"
	case PhaseLink:
		return "link"
	case PhaseSkip:
		return "skip"
	case PhaseError:
		return "error"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Event is one stage transition. Start and finish of the same stage share
// Unit and Phase; Finished distinguishes them.
type Event struct {
	Unit     string
	Phase    Phase
	Finished bool
	// Err and Message are set on PhaseError events.
	Err     error
	Message string
}

// Label is how an in-flight stage of a unit is shown in the status line.
func (e Event) Label() string {
	switch e.Phase {
	case PhaseCompile:
		return e.Unit + "(llc)"
	case PhaseLink:
		return e.Unit + "(bin)"
	}
	return e.Unit
}

// Started returns the start event of phase for unit.
func Started(unit string, phase Phase) Event { return Event{Unit: unit, Phase: phase} }

// Finished returns the finish event of phase for unit.
func Finished(unit string, phase Phase) Event {
	return Event{Unit: unit, Phase: phase, Finished: true}
}

// Failed returns an error event.
func Failed(unit string, err error, message string) Event {
	return Event{Unit: unit, Phase: PhaseError, Err: err, Message: message}
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/kyleseneker/cibuild/internal/diag"
	"github.com/kyleseneker/cibuild/internal/link"
	"github.com/kyleseneker/cibuild/internal/llvm"
	"github.com/kyleseneker/cibuild/internal/progress"
	"github.com/kyleseneker/cibuild/internal/unit"
)

// integrator runs the per-IR-file phase: decide, rewrite or copy, compile.
type integrator struct {
	fs          afero.Fs
	run         llvm.RunFunc
	timeout     time.Duration
	tools       llvm.Tools
	symbols     link.Prober
	units       unit.Set
	skip        map[string]struct{}
	plugin      string
	libraryArgs []string
	marker      string
	goos        string
	debug       bool
	logDir      string
	now         func() time.Time
	events      chan<- progress.Event
	log         zerolog.Logger
}

// decide chooses between instrumenting and passing t through. Units on the
// skip-list and objects that already define the runtime marker (the runtime
// crate itself) are passed through.
func (in *integrator) decide(ctx context.Context, t *Task) (Decision, error) {
	if _, ok := in.skip[t.Unit]; ok {
		return DecisionPassThrough, nil
	}
	has, err := in.symbols.Defines(ctx, t.Probe(), in.marker)
	if err != nil {
		return DecisionUndecided, err
	}
	if has {
		return DecisionPassThrough, nil
	}
	return DecisionInstrument, nil
}

// process takes t from pending to done or failed. Failures are reported on
// the event channel and returned.
func (in *integrator) process(ctx context.Context, t *Task) error {
	if err := in.advance(ctx, t); err != nil {
		err = in.annotate(t.Unit, err)
		t.Fail(err)
		in.events <- progress.Failed(t.Unit, err, err.Error())
		return err
	}
	return nil
}

func (in *integrator) advance(ctx context.Context, t *Task) error {
	d, err := in.decide(ctx, t)
	if err != nil {
		return err
	}
	if err := t.Decide(d); err != nil {
		return err
	}
	in.log.Debug().Str("ir", t.IR).Str("unit", t.Unit).Stringer("decision", d).Msg("integration decision")

	if d == DecisionPassThrough {
		if err := t.Advance(StageSkipped); err != nil {
			return err
		}
		in.events <- progress.Started(t.Unit, progress.PhaseSkip)
		if err := in.copyIR(t); err != nil {
			return err
		}
	} else {
		if err := t.Advance(StageRewriting); err != nil {
			return err
		}
		in.events <- progress.Started(t.Unit, progress.PhaseRewrite)
		args := llvm.BuildOptArgs(in.plugin, in.isBinary(t.Unit), in.libraryArgs, t.IR, t.Rewritten())
		if err := in.runTool(ctx, diag.StageRewrite, in.tools.Opt, args, t.Rewritten()); err != nil {
			return err
		}
		in.events <- progress.Finished(t.Unit, progress.PhaseRewrite)
	}

	if err := t.Advance(StageCompiling); err != nil {
		return err
	}
	in.events <- progress.Started(t.Unit, progress.PhaseCompile)
	args := llvm.BuildLLCArgs(t.Rewritten(), t.Object(), in.goos)
	if err := in.runTool(ctx, diag.StageCompile, in.tools.LLC, args, t.Object()); err != nil {
		return err
	}
	in.events <- progress.Finished(t.Unit, progress.PhaseCompile)
	return t.Advance(StageDone)
}

// isBinary reports whether ident is a top-level binary target. Only those
// get the clock definition; examples and dependencies reference it.
func (in *integrator) isBinary(ident string) bool {
	u, ok := in.units.Get(ident)
	return ok && u.Kind == unit.KindBin
}

func (in *integrator) copyIR(t *Task) error {
	data, err := afero.ReadFile(in.fs, t.IR)
	if err != nil {
		return &diag.Error{Stage: diag.StageRewrite, Err: err}
	}
	if err := afero.WriteFile(in.fs, t.Rewritten(), data, 0o644); err != nil {
		return &diag.Error{Stage: diag.StageRewrite, Err: err}
	}
	return nil
}

// runTool executes one tool invocation and checks that it produced output.
func (in *integrator) runTool(ctx context.Context, stage diag.Stage, bin string, args []string, output string) error {
	res, err := in.run(ctx, in.timeout, bin, args...)
	in.log.Debug().Str("stage", string(stage)).Str("cmd", res.Command).Msg("ran")
	if err != nil {
		return &diag.Error{Stage: stage, Err: err, Command: res.Command, Stderr: res.Stderr}
	}
	if _, statErr := in.fs.Stat(output); statErr != nil {
		return &diag.Error{
			Stage:   stage,
			Command: res.Command,
			Stderr:  res.Stderr,
			Err:     fmt.Errorf("exited 0 but did not produce %s", output),
		}
	}
	return nil
}

// annotate attributes err to ident and, in debug mode, dumps the full
// diagnostic to the log directory.
func (in *integrator) annotate(ident string, err error) error {
	var de *diag.Error
	if !errors.As(err, &de) {
		return &diag.Error{Stage: diag.StageRewrite, Unit: ident, Err: err}
	}
	if de.Unit == "" {
		de.Unit = ident
	}
	if in.debug && in.logDir != "" && de.LogPath == "" {
		text := strings.Join([]string{de.Command, de.Stderr}, "\n")
		if path, werr := diag.WriteLog(in.fs, in.logDir, text, in.now()); werr == nil {
			de.LogPath = path
		} else {
			in.log.Warn().Err(werr).Msg("could not write debug log")
		}
	}
	return de
}

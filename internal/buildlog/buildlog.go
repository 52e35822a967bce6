// Package buildlog recovers linker invocations and the build output
// directory from the diagnostic stream of `cargo build`.
//
// Two tagged substreams are of interest: rustc's link logging, which prints
// every linker command line, and cargo's compilation-files logging, which
// prints the Debug form of every OutputFile it plans to produce. All other
// lines pass through untouched.
package buildlog

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/kyleseneker/cibuild/internal/diag"
)

const (
	// LinkTag marks rustc's linker-invocation log lines.
	LinkTag = "rustc_codegen_ssa::back::link"
	// ManifestTag marks cargo's output-file manifest log lines.
	ManifestTag = "cargo::core::compiler::context::compilation_files"
)

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

// StripANSI removes terminal color sequences.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// Log accumulates the tagged lines of one build invocation.
type Log struct {
	LinkLines     []string
	ManifestLines []string
}

// Add files line into its substream and reports whether it was consumed.
// Unconsumed lines are ordinary build output.
func (l *Log) Add(line string) bool {
	plain := StripANSI(line)
	switch {
	case strings.Contains(plain, LinkTag):
		l.LinkLines = append(l.LinkLines, plain)
		return true
	case strings.Contains(plain, ManifestTag):
		l.ManifestLines = append(l.ManifestLines, plain)
		return true
	}
	return false
}

// Result is everything recovered from one build log.
type Result struct {
	Linkers   []LinkerInvocation
	Outputs   []OutputFile
	OutputDir OutputDir
}

// Parser turns a Log into a Result. Argument classification probes Fs, so
// parsing is deterministic for a given log and filesystem state.
type Parser struct {
	Fs afero.Fs
	// RuntimeArtifact must appear in a linker command line for it to count
	// as a binary-producing link.
	RuntimeArtifact string
	Log             zerolog.Logger
}

// Parse recovers the linker invocations and the shared output directory.
func (p Parser) Parse(log Log) (Result, error) {
	if p.Fs == nil {
		p.Fs = afero.NewOsFs()
	}
	var res Result
	for _, line := range log.LinkLines {
		inv, ok, err := p.ParseLinker(line)
		if err != nil {
			return Result{}, parseError(err, line)
		}
		if !ok {
			continue
		}
		p.Log.Debug().Str("program", inv.Program).Str("output", inv.Output()).Msg("recovered linker invocation")
		res.Linkers = append(res.Linkers, inv)
	}

	for _, line := range log.ManifestLines {
		files, err := ParseManifest(line)
		if err != nil {
			return Result{}, parseError(err, line)
		}
		res.Outputs = append(res.Outputs, files...)
	}

	dir, err := ResolveOutputDir(res.Outputs)
	if err != nil {
		return Result{}, &diag.Error{
			Stage: diag.StageParse,
			Err:   err,
			Hint:  "build a single target triple and profile per invocation",
		}
	}
	res.OutputDir = dir
	p.Log.Debug().Str("dir", dir.Path).Str("mode", dir.Mode).Msg("resolved output directory")
	return res, nil
}

// ErrMalformed is wrapped by every syntax error in a tagged line.
var ErrMalformed = errors.New("malformed build log line")

func parseError(err error, line string) error {
	return &diag.Error{
		Stage:  diag.StageParse,
		Err:    err,
		Stderr: line,
		Hint:   "the cargo or rustc log format may have changed; rerun with -vv and report the line above",
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

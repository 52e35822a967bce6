// Package diag provides structured, stage-attributed error types for the
// cibuild pipeline. Every failure names the stage that produced it, the
// compilation unit it belongs to when there is one, and an actionable hint.
package diag

import (
	"crypto/md5"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// Stage identifies which pipeline step produced an error.
type Stage string

const (
	StageConfig    Stage = "config"
	StageToolchain Stage = "toolchain"
	StageMetadata  Stage = "cargo-metadata"
	StageBuild     Stage = "cargo-build"
	StageSnapshot  Stage = "snapshot"
	StageParse     Stage = "build-log"
	StageProbe     Stage = "llvm-nm"
	StageRewrite   Stage = "opt"
	StageCompile   Stage = "llc"
	StageArchive   Stage = "llvm-ar"
	StageLink      Stage = "link"
	StagePublish   Stage = "publish"
)

const (
	headLines = 2
	tailLines = 10
)

// Error is a structured pipeline error carrying stage context, diagnostic
// output, and a user-facing hint for remediation.
type Error struct {
	Stage   Stage
	Unit    string
	Command string
	Stderr  string
	Hint    string
	LogPath string
	Err     error
}

// New builds an *Error. It is a convenience for call sites that have all the
// pieces at hand.
func New(stage Stage, err error, command, stderr, hint string) *Error {
	return &Error{Stage: stage, Err: err, Command: command, Stderr: stderr, Hint: hint}
}

// Error formats the diagnostic into a multi-section string.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stage %q failed", e.Stage)
	if e.Unit != "" {
		fmt.Fprintf(&b, " for %s", e.Unit)
	}
	if e.Command != "" {
		fmt.Fprintf(&b, ": %s", e.Command)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		b.WriteString("\n--- stderr ---\n")
		b.WriteString(Truncate(s))
	}
	if e.LogPath != "" {
		b.WriteString("\n--- log ---\n")
		b.WriteString(e.LogPath)
	}
	if e.Hint != "" {
		b.WriteString("\n--- hint ---\n")
		b.WriteString(e.Hint)
	}
	return b.String()
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsStage reports whether err is a diag.Error from the given pipeline stage.
func IsStage(err error, stage Stage) bool {
	var derr *Error
	if !errors.As(err, &derr) {
		return false
	}
	return derr.Stage == stage
}

// UnitOf returns the compilation unit recorded on err, or "".
func UnitOf(err error) string {
	var derr *Error
	if !errors.As(err, &derr) {
		return ""
	}
	return derr.Unit
}

// Truncate keeps the first two and last ten lines of a tool's output so a
// failing tool does not flood the terminal.
func Truncate(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) <= headLines+tailLines {
		return strings.Join(lines, "\n")
	}
	out := make([]string, 0, headLines+tailLines+1)
	out = append(out, lines[:headLines]...)
	out = append(out, "...(truncated)")
	out = append(out, lines[len(lines)-tailLines:]...)
	return strings.Join(out, "\n")
}

// WriteLog dumps the full diagnostic text into dir under a name derived from
// the text's digest and the given time, and returns the written path.
func WriteLog(fsys afero.Fs, dir, text string, now time.Time) (string, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("CI-%s-%x.log", now.Format("060102T150405"), md5.Sum([]byte(text)))
	path := filepath.Join(dir, name)
	if err := afero.WriteFile(fsys, path, []byte(text), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

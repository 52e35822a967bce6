package buildlog

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Sentinel errors of output directory resolution.
var (
	ErrOutputDirMismatch = errors.New("output files disagree on the build output directory")
	ErrNoOutputDir       = errors.New("no output file names a build output directory")
)

// OutputDir is the directory holding a build's final artifacts, e.g.
// target/debug or target/x86_64-unknown-linux-gnu/release.
type OutputDir struct {
	Path string
	Root string
	Mode string
}

// Deps returns the deps subdirectory.
func (o OutputDir) Deps() string { return filepath.Join(o.Path, "deps") }

// Examples returns the examples subdirectory.
func (o OutputDir) Examples() string { return filepath.Join(o.Path, "examples") }

// Contains reports whether path lies inside the output directory.
func (o OutputDir) Contains(path string) bool {
	if o.Path == "" {
		return false
	}
	rel, err := filepath.Rel(o.Path, filepath.Clean(path))
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ResolveOutputDir derives the shared output directory from the hardlink
// aliases of files. Build-script outputs are ignored and an examples
// segment is stepped over. Every alias must agree on both the root and
// the build mode.
func ResolveOutputDir(files []OutputFile) (OutputDir, error) {
	var (
		found OutputDir
		seen  bool
	)
	for _, f := range files {
		if f.Hardlink == "" {
			continue
		}
		if strings.Contains(filepath.Base(f.Hardlink), "build-script-build") {
			continue
		}
		dir := filepath.Dir(filepath.Clean(f.Hardlink))
		if filepath.Base(dir) == "examples" {
			dir = filepath.Dir(dir)
		}
		cand := OutputDir{Path: dir, Root: filepath.Dir(dir), Mode: filepath.Base(dir)}
		if !seen {
			found, seen = cand, true
			continue
		}
		if cand.Mode != found.Mode {
			return OutputDir{}, fmt.Errorf("%w: build mode %q vs %q", ErrOutputDirMismatch, found.Mode, cand.Mode)
		}
		if cand.Root != found.Root {
			return OutputDir{}, fmt.Errorf("%w: %s vs %s", ErrOutputDirMismatch, found.Root, cand.Root)
		}
	}
	if !seen {
		return OutputDir{}, ErrNoOutputDir
	}
	return found, nil
}

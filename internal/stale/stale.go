// Package stale tracks which build outputs changed across a build by
// diffing modification-time snapshots of the output directories.
package stale

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/kyleseneker/cibuild/internal/unit"
)

// Snapshot maps the absolute path of every regular file under the tracked
// directories to its modification time.
type Snapshot map[string]time.Time

// Tracker takes snapshots of build-output directories.
type Tracker struct {
	Fs afero.Fs
}

// NewTracker returns a Tracker over fsys, defaulting to the OS filesystem.
func NewTracker(fsys afero.Fs) Tracker {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return Tracker{Fs: fsys}
}

// Snapshot records the regular files directly inside each dir. A directory
// that does not exist yet contributes nothing.
func (t Tracker) Snapshot(dirs ...string) (Snapshot, error) {
	snap := make(Snapshot)
	for _, dir := range dirs {
		entries, err := afero.ReadDir(t.Fs, dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.Mode().IsRegular() {
				continue
			}
			snap[filepath.Join(dir, e.Name())] = e.ModTime()
		}
	}
	return snap, nil
}

// Set is the set of stale output files, kept sorted for deterministic
// iteration.
type Set struct {
	paths []string
	index map[string]struct{}
}

// Diff returns every path of post that is absent from pre or carries a
// strictly newer modification time.
func Diff(pre, post Snapshot) Set {
	s := Set{index: make(map[string]struct{})}
	for path, mtime := range post {
		old, ok := pre[path]
		if ok && !mtime.After(old) {
			continue
		}
		s.paths = append(s.paths, path)
		s.index[path] = struct{}{}
	}
	sort.Strings(s.paths)
	return s
}

// Empty reports whether nothing changed.
func (s Set) Empty() bool { return len(s.paths) == 0 }

// Len returns the number of stale files.
func (s Set) Len() int { return len(s.paths) }

// Contains reports whether path is stale.
func (s Set) Contains(path string) bool {
	_, ok := s.index[path]
	return ok
}

// Paths returns the stale paths in sorted order.
func (s Set) Paths() []string {
	return append([]string(nil), s.paths...)
}

// IRFiles returns the stale per-codegen-unit IR files saved by rustc
// (*.rcgu.ll) that have not been instrumented yet.
func (s Set) IRFiles() []string {
	var out []string
	for _, p := range s.paths {
		if IsIRFile(p) {
			out = append(out, p)
		}
	}
	return out
}

// IsIRFile reports whether path is an uninstrumented codegen-unit IR file.
func IsIRFile(path string) bool {
	if filepath.Ext(path) != ".ll" {
		return false
	}
	stem := strings.TrimSuffix(filepath.Base(path), ".ll")
	return strings.Contains(stem, "rcgu") && !strings.Contains(stem, "-"+unit.CISuffix)
}

// Units returns the identifiers of the compilation units in units that own
// at least one stale file.
func (s Set) Units(units unit.Set) map[string]struct{} {
	out := make(map[string]struct{})
	for _, p := range s.paths {
		if id := unit.IdentOf(p); units.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// RemoveExecutables deletes executable regular files directly inside dirs.
// It is used after a failed integration so that the next build relinks
// instead of reusing a half-integrated binary.
func RemoveExecutables(fsys afero.Fs, dirs ...string) ([]string, error) {
	var removed []string
	var errs []error
	for _, dir := range dirs {
		entries, err := afero.ReadDir(fsys, dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, e := range entries {
			if !e.Mode().IsRegular() || e.Mode().Perm()&0o111 == 0 {
				continue
			}
			p := filepath.Join(dir, e.Name())
			if err := fsys.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
			removed = append(removed, p)
		}
	}
	return removed, errors.Join(errs...)
}

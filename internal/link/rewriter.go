// Package link replays recovered linker invocations against instrumented
// objects. Objects in the output directory are swapped for their "-ci"
// counterparts and rlibs under deps/ have their codegen-unit member replaced
// before the original linker command is re-executed.
package link

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/kyleseneker/cibuild/internal/buildlog"
	"github.com/kyleseneker/cibuild/internal/diag"
	"github.com/kyleseneker/cibuild/internal/llvm"
	"github.com/kyleseneker/cibuild/internal/unit"
)

// tmpSuffix ends the name of every staging copy of an archive under rewrite.
const tmpSuffix = ".ci-tmp"

// Prober reports whether an object file defines a symbol.
type Prober interface {
	Defines(ctx context.Context, path, symbol string) (bool, error)
}

// Rewriter rewrites and replays linker invocations for stale units. It is
// safe for concurrent use and must not be copied after first use.
type Rewriter struct {
	Fs        afero.Fs
	OutputDir buildlog.OutputDir
	// Stale holds the identifiers of units that own at least one stale file.
	Stale    map[string]struct{}
	Symbols  Prober
	Archiver llvm.Archiver
	Run      llvm.RunFunc
	Timeout  time.Duration
	// AllocatorMarker is defined only by the object that carries the
	// allocator shim, which is linked uninstrumented.
	AllocatorMarker string
	Log             zerolog.Logger

	// archives maps an archive path to its *archiveState. Binaries of one
	// package share rlibs, so their linker invocations meet here.
	archives sync.Map
}

// archiveState serializes rewrites of one archive. Once done is set the
// archive holds its instrumented member for the rest of the run.
type archiveState struct {
	mu   sync.Mutex
	done bool
}

// Applies returns the unit identifier owning inv's output and whether inv
// must be relinked. Outputs outside the output directory and units with no
// stale files are cache hits.
func (r *Rewriter) Applies(inv buildlog.LinkerInvocation) (string, bool) {
	out := inv.Output()
	if out == "" || !r.OutputDir.Contains(out) {
		return "", false
	}
	ident := unit.IdentOf(out)
	_, ok := r.Stale[ident]
	return ident, ok
}

// Rewrite returns a copy of inv with object arguments substituted and
// rewrites the archives it references in place.
func (r *Rewriter) Rewrite(ctx context.Context, inv buildlog.LinkerInvocation) (buildlog.LinkerInvocation, error) {
	out := inv.Clone()
	for i, arg := range out.Args {
		switch arg.Kind {
		case buildlog.ArgObject:
			sub, err := r.substituteObject(ctx, arg.Value)
			if err != nil {
				return buildlog.LinkerInvocation{}, err
			}
			out.Args[i].Value = sub
		case buildlog.ArgArchive:
			if err := r.rewriteArchive(ctx, arg.Value); err != nil {
				return buildlog.LinkerInvocation{}, err
			}
		}
	}
	return out, nil
}

// Relink rewrites inv and re-executes the linker. It returns false without
// running anything when inv does not apply.
func (r *Rewriter) Relink(ctx context.Context, inv buildlog.LinkerInvocation) (bool, error) {
	ident, ok := r.Applies(inv)
	if !ok {
		r.Log.Debug().Str("output", inv.Output()).Msg("link cache hit")
		return false, nil
	}
	rewritten, err := r.Rewrite(ctx, inv)
	if err != nil {
		return true, withUnit(err, ident)
	}

	run := r.Run
	if run == nil {
		run = llvm.RunInherited
	}
	res, err := run(ctx, r.Timeout, rewritten.Program, rewritten.Argv()...)
	if err != nil {
		return true, &diag.Error{
			Stage:   diag.StageLink,
			Unit:    ident,
			Command: res.Command,
			Stderr:  res.Stderr,
			Err:     err,
		}
	}
	if _, err := r.fs().Stat(rewritten.Output()); err != nil {
		return true, &diag.Error{
			Stage:   diag.StageLink,
			Unit:    ident,
			Command: res.Command,
			Err:     fmt.Errorf("linker exited 0 but %s is missing: %w", rewritten.Output(), err),
		}
	}
	r.Log.Debug().Str("unit", ident).Str("output", rewritten.Output()).Msg("relinked")
	return true, nil
}

func (r *Rewriter) fs() afero.Fs {
	if r.Fs == nil {
		return afero.NewOsFs()
	}
	return r.Fs
}

func (r *Rewriter) substituteObject(ctx context.Context, obj string) (string, error) {
	if !r.OutputDir.Contains(obj) {
		return obj, nil
	}
	if r.AllocatorMarker != "" {
		has, err := r.Symbols.Defines(ctx, obj, r.AllocatorMarker)
		if err != nil {
			return "", err
		}
		if has {
			return obj, nil
		}
	}
	ci := unit.CIPath(obj)
	if _, err := r.fs().Stat(ci); err != nil {
		return "", &diag.Error{
			Stage: diag.StageLink,
			Err:   fmt.Errorf("instrumented counterpart of %s: %w", obj, err),
			Hint:  "remove the target directory and rebuild",
		}
	}
	return ci, nil
}

// rewriteArchive replaces the first uninstrumented codegen-unit member of an
// rlib under deps/ with its "-ci" object, at most once per run. The archive
// is rewritten on a uniquely named sibling copy that is renamed over the
// original only after every llvm-ar step succeeded.
func (r *Rewriter) rewriteArchive(ctx context.Context, archive string) error {
	if !within(r.OutputDir.Deps(), archive) {
		return nil
	}
	v, _ := r.archives.LoadOrStore(archive, &archiveState{})
	state := v.(*archiveState)
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.done {
		return nil
	}

	members, err := r.Archiver.Members(ctx, archive)
	if err != nil {
		return err
	}
	member := codegenMember(members)
	if member == "" {
		state.done = true
		return nil
	}
	staged := filepath.Join(r.OutputDir.Deps(), unit.CIPath(member))
	if _, err := r.fs().Stat(staged); err != nil {
		return &diag.Error{
			Stage: diag.StageArchive,
			Err:   fmt.Errorf("instrumented member for %s(%s): %w", archive, member, err),
		}
	}

	tmp, err := stageCopy(r.fs(), archive)
	if err != nil {
		return &diag.Error{Stage: diag.StageArchive, Err: err}
	}
	commit := false
	defer func() {
		if !commit {
			_ = r.fs().Remove(tmp)
		}
	}()

	if err := r.Archiver.InsertBefore(ctx, tmp, member, staged); err != nil {
		return err
	}
	if err := r.Archiver.Delete(ctx, tmp, member); err != nil {
		return err
	}
	if err := r.fs().Rename(tmp, archive); err != nil {
		return &diag.Error{Stage: diag.StageArchive, Err: err}
	}
	commit = true
	state.done = true
	r.Log.Debug().Str("archive", archive).Str("member", member).Msg("archive member replaced")
	return nil
}

// codegenMember returns the first member that is a codegen unit and has
// not been instrumented yet.
func codegenMember(members []string) string {
	for _, m := range members {
		if strings.Contains(m, "rcgu") && !strings.Contains(m, "-"+unit.CISuffix) {
			return m
		}
	}
	return ""
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}

// stageCopy copies src to a new uniquely named file beside it and returns
// the copy's path.
func stageCopy(fsys afero.Fs, src string) (string, error) {
	data, err := afero.ReadFile(fsys, src)
	if err != nil {
		return "", err
	}
	info, err := fsys.Stat(src)
	if err != nil {
		return "", err
	}
	f, err := afero.TempFile(fsys, filepath.Dir(src), filepath.Base(src)+".*"+tmpSuffix)
	if err != nil {
		return "", err
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = fsys.Chmod(tmp, info.Mode().Perm())
	}
	if err != nil {
		_ = fsys.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

func withUnit(err error, ident string) error {
	var de *diag.Error
	if errors.As(err, &de) {
		if de.Unit == "" {
			de.Unit = ident
		}
		return de
	}
	return &diag.Error{Stage: diag.StageLink, Unit: ident, Err: err}
}

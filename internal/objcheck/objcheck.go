// Package objcheck inspects relinked executables: the file must be a
// readable ELF or Mach-O executable, and its symbol table tells whether the
// instrumentation runtime was linked in.
package objcheck

import (
	"debug/elf"
	"debug/macho"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"

	"github.com/kyleseneker/cibuild/internal/diag"
)

// Format is the object file format of an executable.
type Format string

const (
	FormatELF   Format = "elf"
	FormatMachO Format = "macho"
)

// ErrNotExecutable is returned for files that parse but cannot be run.
var ErrNotExecutable = errors.New("not an executable")

// Report describes an inspected executable.
type Report struct {
	Path    string
	Format  Format
	Symbols map[string]struct{}
}

// Defines reports whether the executable's symbol table contains sym.
// Mach-O's leading underscore is accepted.
func (r *Report) Defines(sym string) bool {
	if _, ok := r.Symbols[sym]; ok {
		return true
	}
	_, ok := r.Symbols["_"+sym]
	return ok
}

// Inspect opens path on fsys and checks that it is an executable ELF or
// Mach-O file with the execute permission set.
func Inspect(fsys afero.Fs, path string) (*Report, error) {
	info, err := fsys.Stat(path)
	if err != nil {
		return nil, &diag.Error{Stage: diag.StagePublish, Err: err}
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		return nil, &diag.Error{Stage: diag.StagePublish,
			Err:  fmt.Errorf("%s: %w (mode %s)", path, ErrNotExecutable, info.Mode()),
			Hint: "the linker output is expected to be executable"}
	}

	f, err := fsys.Open(path)
	if err != nil {
		return nil, &diag.Error{Stage: diag.StagePublish, Err: err}
	}
	defer func() { _ = f.Close() }()

	if r, err := inspectELF(f); err == nil {
		r.Path = path
		return r, nil
	} else if !isFormatError(err) {
		return nil, &diag.Error{Stage: diag.StagePublish, Err: fmt.Errorf("%s: %w", path, err)}
	}
	if r, err := inspectMachO(f); err == nil {
		r.Path = path
		return r, nil
	} else if !isFormatError(err) {
		return nil, &diag.Error{Stage: diag.StagePublish, Err: fmt.Errorf("%s: %w", path, err)}
	}
	return nil, &diag.Error{Stage: diag.StagePublish,
		Err:  fmt.Errorf("%s: not an ELF or Mach-O file", path),
		Hint: "output is not a readable executable"}
}

func isFormatError(err error) bool {
	var ef *elf.FormatError
	var mf *macho.FormatError
	return errors.As(err, &ef) || errors.As(err, &mf) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func inspectELF(r io.ReaderAt) (*Report, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("%w: ELF type %s", ErrNotExecutable, f.Type)
	}
	rep := &Report{Format: FormatELF, Symbols: map[string]struct{}{}}
	for _, list := range []func() ([]elf.Symbol, error){f.Symbols, f.DynamicSymbols} {
		syms, err := list()
		if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
			return nil, err
		}
		for _, s := range syms {
			if s.Section != elf.SHN_UNDEF && s.Name != "" {
				rep.Symbols[s.Name] = struct{}{}
			}
		}
	}
	return rep, nil
}

func inspectMachO(r io.ReaderAt) (*Report, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}
	if f.Type != macho.TypeExec {
		return nil, fmt.Errorf("%w: Mach-O type %s", ErrNotExecutable, f.Type)
	}
	rep := &Report{Format: FormatMachO, Symbols: map[string]struct{}{}}
	if f.Symtab != nil {
		for _, s := range f.Symtab.Syms {
			if s.Sect != 0 && s.Name != "" {
				rep.Symbols[s.Name] = struct{}{}
			}
		}
	}
	return rep, nil
}

// Package unit models the binary targets a Cargo package produces and the
// file-naming convention that ties build outputs back to them.
package unit

import (
	"path/filepath"
	"sort"
	"strings"
)

// Kind is the target kind of a compilation unit.
type Kind string

const (
	KindBin     Kind = "bin"
	KindExample Kind = "example"
)

// CISuffix is appended to the file stem of every instrumented artifact.
const CISuffix = "ci"

// CompilationUnit is one binary or example target of the package.
type CompilationUnit struct {
	Name  string
	Ident string
	Kind  Kind
}

// New builds a CompilationUnit, deriving its symbol-safe identifier.
func New(name string, kind Kind) CompilationUnit {
	return CompilationUnit{Name: name, Ident: Normalize(name), Kind: kind}
}

// Normalize converts a target name into the identifier rustc uses in file
// names (dashes become underscores).
func Normalize(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), "-", "_")
}

// IdentOf derives the owning unit identifier from a build-output path.
// rustc names outputs "<ident>-<hash>[.<rest>]", so the identifier is the
// file stem up to the first '.' and then up to the first '-'.
func IdentOf(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	if i := strings.IndexByte(base, '-'); i >= 0 {
		base = base[:i]
	}
	return base
}

// AppendSuffix inserts "-<suffix>" between the file stem and the extension.
func AppendSuffix(path, suffix string) string {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	return stem + "-" + suffix + ext
}

// CIPath returns the "-ci" counterpart of path.
func CIPath(path string) string {
	return AppendSuffix(path, CISuffix)
}

// IsCIPath reports whether path already names an instrumented artifact.
func IsCIPath(path string) bool {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.HasSuffix(stem, "-"+CISuffix)
}

// Set is an immutable lookup of compilation units by identifier.
type Set struct {
	byIdent map[string]CompilationUnit
}

// NewSet indexes units by identifier. Later duplicates are ignored.
func NewSet(units []CompilationUnit) Set {
	m := make(map[string]CompilationUnit, len(units))
	for _, u := range units {
		if _, ok := m[u.Ident]; !ok {
			m[u.Ident] = u
		}
	}
	return Set{byIdent: m}
}

// Len returns the number of units.
func (s Set) Len() int { return len(s.byIdent) }

// Has reports whether ident names a unit in the set. Matching is exact.
func (s Set) Has(ident string) bool {
	_, ok := s.byIdent[ident]
	return ok
}

// Get returns the unit for ident.
func (s Set) Get(ident string) (CompilationUnit, bool) {
	u, ok := s.byIdent[ident]
	return u, ok
}

// Idents returns the sorted identifiers.
func (s Set) Idents() []string {
	out := make([]string, 0, len(s.byIdent))
	for id := range s.byIdent {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

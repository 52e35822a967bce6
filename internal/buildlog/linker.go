package buildlog

import (
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ArgKind classifies a linker argument.
type ArgKind int

const (
	ArgFlag ArgKind = iota
	ArgObject
	ArgArchive
	ArgOutputFlag
	ArgOutput
	ArgLibDirFlag
	ArgLibDir
)

func (k ArgKind) String() string {
	switch k {
	case ArgObject:
		return "object"
	case ArgArchive:
		return "archive"
	case ArgOutputFlag:
		return "output-flag"
	case ArgOutput:
		return "output"
	case ArgLibDirFlag:
		return "libdir-flag"
	case ArgLibDir:
		return "libdir"
	default:
		return "flag"
	}
}

const (
	outputMarker = "-o"
	libDirMarker = "-L"
)

// Arg is one linker argument together with its role.
type Arg struct {
	Kind  ArgKind
	Value string
}

// LinkerInvocation is a recovered linker command line. Args keep their
// original order so the command can be replayed verbatim.
type LinkerInvocation struct {
	Program string
	Args    []Arg
}

// Output returns the output path.
func (l LinkerInvocation) Output() string {
	for _, a := range l.Args {
		if a.Kind == ArgOutput {
			return a.Value
		}
	}
	return ""
}

// Argv returns the argument strings in order.
func (l LinkerInvocation) Argv() []string {
	out := make([]string, len(l.Args))
	for i, a := range l.Args {
		out[i] = a.Value
	}
	return out
}

// Values returns the values of every argument of the given kind.
func (l LinkerInvocation) Values(kind ArgKind) []string {
	var out []string
	for _, a := range l.Args {
		if a.Kind == kind {
			out = append(out, a.Value)
		}
	}
	return out
}

// Clone returns a deep copy.
func (l LinkerInvocation) Clone() LinkerInvocation {
	return LinkerInvocation{Program: l.Program, Args: append([]Arg(nil), l.Args...)}
}

// isMarker reports whether tok is marker itself, or a flag token one of
// whose comma-separated parts is marker.
func isMarker(tok, marker string) bool {
	if tok == marker {
		return true
	}
	if !strings.HasPrefix(tok, "-") || !strings.Contains(tok, ",") {
		return false
	}
	for _, part := range strings.Split(tok, ",") {
		if part == marker {
			return true
		}
	}
	return false
}

// ParseLinker parses one linker log line. ok is false when the line is not
// a binary-producing link: the runtime artifact is never referenced, or the
// command has no output.
func (p Parser) ParseLinker(line string) (inv LinkerInvocation, ok bool, err error) {
	if p.Fs == nil {
		p.Fs = afero.NewOsFs()
	}
	tokens := strings.Fields(strings.ReplaceAll(StripANSI(line), `"`, ""))
	start := -1
	for i, tok := range tokens {
		if strings.HasPrefix(tok, LinkTag) {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return LinkerInvocation{}, false, malformed("missing %s tag", LinkTag)
	}
	tokens = tokens[start:]
	if len(tokens) == 0 {
		return LinkerInvocation{}, false, malformed("missing linker program")
	}

	if p.RuntimeArtifact != "" && !referencesArtifact(tokens, p.RuntimeArtifact) {
		return LinkerInvocation{}, false, nil
	}

	inv.Program = tokens[0]
	outputs := 0
	rest := tokens[1:]
	for i := 0; i < len(rest); i++ {
		tok := rest[i]
		switch {
		case isMarker(tok, outputMarker):
			if i+1 >= len(rest) {
				return LinkerInvocation{}, false, malformed("%s without a path", tok)
			}
			i++
			outputs++
			inv.Args = append(inv.Args, Arg{ArgOutputFlag, tok}, Arg{ArgOutput, rest[i]})
		case isMarker(tok, libDirMarker):
			if i+1 >= len(rest) {
				return LinkerInvocation{}, false, malformed("%s without a directory", tok)
			}
			i++
			inv.Args = append(inv.Args, Arg{ArgLibDirFlag, tok}, Arg{ArgLibDir, rest[i]})
		default:
			inv.Args = append(inv.Args, Arg{p.classify(tok), tok})
		}
	}

	switch {
	case outputs > 1:
		return LinkerInvocation{}, false, malformed("linker invocation has %d outputs", outputs)
	case outputs == 0:
		p.Log.Debug().Str("program", inv.Program).Msg("linker invocation without output, skipped")
		return LinkerInvocation{}, false, nil
	}
	return inv, true, nil
}

func referencesArtifact(tokens []string, artifact string) bool {
	for _, tok := range tokens {
		if strings.Contains(tok, artifact) {
			return true
		}
	}
	return false
}

// classify decides an argument's role by probing the filesystem: only an
// existing regular file can be an object or an archive.
func (p Parser) classify(tok string) ArgKind {
	if strings.HasPrefix(tok, "-") {
		return ArgFlag
	}
	info, err := p.Fs.Stat(tok)
	if err != nil || !info.Mode().IsRegular() {
		return ArgFlag
	}
	switch filepath.Ext(tok) {
	case ".o", ".obj":
		return ArgObject
	case ".rlib", ".a", ".lib":
		return ArgArchive
	}
	return ArgFlag
}

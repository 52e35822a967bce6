package llvm

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"

	"github.com/kyleseneker/cibuild/internal/diag"
)

const defaultSymbolCacheSize = 512

type symbolKey struct {
	path  string
	mtime int64
	size  int64
}

// SymbolTable lists the defined symbols of object files with `llvm-nm -jU`.
// Listings are cached per file identity (path, mtime, size), so an object
// probed in both pipeline phases is only listed once.
type SymbolTable struct {
	fs      afero.Fs
	nm      string
	run     RunFunc
	timeout time.Duration
	cache   *lru.Cache[symbolKey, map[string]struct{}]
}

// NewSymbolTable creates a SymbolTable backed by the given llvm-nm binary.
// File identities are read from fsys.
func NewSymbolTable(fsys afero.Fs, nm string, run RunFunc, timeout time.Duration) (*SymbolTable, error) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if run == nil {
		run = Run
	}
	cache, err := lru.New[symbolKey, map[string]struct{}](defaultSymbolCacheSize)
	if err != nil {
		return nil, err
	}
	return &SymbolTable{fs: fsys, nm: nm, run: run, timeout: timeout, cache: cache}, nil
}

// Defines reports whether the object at path defines symbol. Mach-O's
// leading underscore is accepted.
func (s *SymbolTable) Defines(ctx context.Context, path, symbol string) (bool, error) {
	syms, err := s.defined(ctx, path)
	if err != nil {
		return false, err
	}
	if _, ok := syms[symbol]; ok {
		return true, nil
	}
	_, ok := syms["_"+symbol]
	return ok, nil
}

func (s *SymbolTable) defined(ctx context.Context, path string) (map[string]struct{}, error) {
	info, err := s.fs.Stat(path)
	if err != nil {
		return nil, &diag.Error{Stage: diag.StageProbe, Err: err, Hint: "the object file was expected next to its IR"}
	}
	key := symbolKey{path: path, mtime: info.ModTime().UnixNano(), size: info.Size()}
	if syms, ok := s.cache.Get(key); ok {
		return syms, nil
	}

	res, err := s.run(ctx, s.timeout, s.nm, "-jU", path)
	if err != nil {
		return nil, &diag.Error{
			Stage:   diag.StageProbe,
			Command: res.Command,
			Stderr:  res.Stderr,
			Err:     fmt.Errorf("listing symbols of %s: %w", path, err),
		}
	}
	syms := parseSymbols(res.Stdout)
	s.cache.Add(key, syms)
	return syms, nil
}

func parseSymbols(out string) map[string]struct{} {
	syms := make(map[string]struct{})
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		// Archives and multi-file listings print "file.o:" headers.
		if line == "" || strings.HasSuffix(line, ":") {
			continue
		}
		syms[line] = struct{}{}
	}
	return syms
}

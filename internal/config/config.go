// Package config loads and persists the cibuild configuration record: where
// the instrumentation plugin lives, which arguments it receives, and the
// marker names used to recognize its runtime.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/kyleseneker/cibuild/internal/llvm"
)

const (
	dirName  = "cibuild"
	fileName = "config.toml"

	DefaultRuntimeArtifact = "libcompiler_interrupts"
	DefaultRuntimeMarker   = "intvActionHook"
	DefaultAllocatorMarker = "__rust_alloc"
)

// Record is the persisted configuration.
type Record struct {
	LibraryPath      string   `toml:"library_path"`
	LibraryDebugPath string   `toml:"library_debug_path"`
	LibraryArgs      []string `toml:"library_args"`
	LLVMVersion      string   `toml:"llvm_version"`
	RuntimeArtifact  string   `toml:"runtime_artifact"`
	RuntimeMarker    string   `toml:"runtime_marker"`
	AllocatorMarker  string   `toml:"allocator_marker"`
	LogDir           string   `toml:"log_dir"`
}

// Default returns the record written on first use. dir is the directory
// holding the config file; debug logs go there too.
func Default(dir string) Record {
	return Record{
		LibraryArgs:     []string{},
		RuntimeArtifact: DefaultRuntimeArtifact,
		RuntimeMarker:   DefaultRuntimeMarker,
		AllocatorMarker: DefaultAllocatorMarker,
		LogDir:          dir,
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/cibuild/config.toml or the platform
// equivalent.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locating config directory: %w", err)
	}
	return filepath.Join(dir, dirName, fileName), nil
}

// Plugin returns the plugin path to load, preferring the debug build when
// debug is set and one is configured.
func (r Record) Plugin(debug bool) string {
	if debug && strings.TrimSpace(r.LibraryDebugPath) != "" {
		return r.LibraryDebugPath
	}
	return r.LibraryPath
}

// Validate checks the record for values that would produce an unsafe or
// meaningless tool invocation.
func (r Record) Validate() error {
	for i, arg := range r.LibraryArgs {
		if err := llvm.ValidateLibraryArg(arg); err != nil {
			return fmt.Errorf("library_args[%d]: %w", i, err)
		}
	}
	for name, v := range map[string]string{
		"runtime_artifact": r.RuntimeArtifact,
		"runtime_marker":   r.RuntimeMarker,
		"allocator_marker": r.AllocatorMarker,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
	}
	return nil
}

// withDefaults fills fields an older config file may lack.
func (r Record) withDefaults(dir string) Record {
	d := Default(dir)
	if r.RuntimeArtifact == "" {
		r.RuntimeArtifact = d.RuntimeArtifact
	}
	if r.RuntimeMarker == "" {
		r.RuntimeMarker = d.RuntimeMarker
	}
	if r.AllocatorMarker == "" {
		r.AllocatorMarker = d.AllocatorMarker
	}
	if r.LogDir == "" {
		r.LogDir = d.LogDir
	}
	return r
}

// Load reads the record at path. A missing file is replaced by the default
// record; a file that cannot be decoded is kept as "<path>.old" and replaced
// by the default record.
func Load(fsys afero.Fs, path string, log zerolog.Logger) (Record, error) {
	dir := filepath.Dir(path)
	data, err := afero.ReadFile(fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		def := Default(dir)
		if err := Save(fsys, path, def); err != nil {
			return Record{}, fmt.Errorf("saving default config: %w", err)
		}
		log.Warn().Str("path", path).Msg("config file not found, using default config")
		return def, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("reading config %q: %w", path, err)
	}

	var rec Record
	if _, err := toml.Decode(string(data), &rec); err != nil {
		old := path + ".old"
		if werr := afero.WriteFile(fsys, old, data, 0o644); werr != nil {
			return Record{}, fmt.Errorf("backing up config %q: %w", path, werr)
		}
		def := Default(dir)
		if err := Save(fsys, path, def); err != nil {
			return Record{}, fmt.Errorf("saving default config: %w", err)
		}
		log.Warn().Err(err).Str("backup", old).Msg("found incompatible config file, replaced with default config")
		return def, nil
	}

	rec = rec.withDefaults(dir)
	if err := rec.Validate(); err != nil {
		return Record{}, fmt.Errorf("config %q: %w", path, err)
	}
	log.Debug().Str("path", path).Str("library", rec.LibraryPath).Msg("loaded config")
	return rec, nil
}

// Save writes rec to path as TOML, creating the parent directory.
func Save(fsys afero.Fs, path string, rec Record) error {
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(rec); err != nil {
		return err
	}
	return afero.WriteFile(fsys, path, buf.Bytes(), 0o644)
}

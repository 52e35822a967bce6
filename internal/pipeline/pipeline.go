// Package pipeline orchestrates an instrumented cargo build: resolve the
// toolchain, build with IR emission, detect what the build touched, then
// rewrite and compile the stale IR and relink the affected binaries.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/kyleseneker/cibuild/internal/buildlog"
	"github.com/kyleseneker/cibuild/internal/cargo"
	"github.com/kyleseneker/cibuild/internal/config"
	"github.com/kyleseneker/cibuild/internal/diag"
	"github.com/kyleseneker/cibuild/internal/link"
	"github.com/kyleseneker/cibuild/internal/llvm"
	"github.com/kyleseneker/cibuild/internal/objcheck"
	"github.com/kyleseneker/cibuild/internal/progress"
	"github.com/kyleseneker/cibuild/internal/stale"
	"github.com/kyleseneker/cibuild/internal/unit"
)

var (
	// ErrLibraryNotInstalled is returned when the configured instrumentation
	// plugin does not exist.
	ErrLibraryNotInstalled = errors.New("instrumentation library is not installed")
	// ErrNoBinaries is returned when the package has no binary or example
	// targets to instrument.
	ErrNoBinaries = errors.New("package has no binary targets")
)

var finishedColor = color.New(color.FgGreen, color.Bold)

// Config holds every setting of one integration run. It is built once by
// the caller and not mutated afterwards.
type Config struct {
	Dir     string
	Target  string
	Release bool
	Example string
	// Skip lists unit names that are built but not instrumented.
	Skip    []string
	Debug   bool
	Verbose bool
	// Live enables the in-place progress line.
	Live    bool
	Jobs    int
	Timeout time.Duration

	Record     config.Record
	Tools      llvm.ToolOverrides
	Cargo      string
	Rustc      string
	LLVMConfig string

	Fs afero.Fs
	// Exec runs the LLVM tools with a sanitized environment.
	Exec llvm.RunFunc
	// Host runs rustc, cargo metadata and the replayed linker with the
	// caller's environment. It defaults to Exec when Exec is set and to
	// llvm.RunInherited otherwise.
	Host   llvm.RunFunc
	Log    zerolog.Logger
	Stdout io.Writer
	Stderr io.Writer
	Now    func() time.Time
	GOOS   string
}

// Published is one relinked executable copied next to the originals.
type Published struct {
	Unit   string
	Source string
	Dest   string
	Size   int64
	// Hooked is false when the runtime marker is absent from the binary.
	Hooked bool
}

// Summary reports what a run did.
type Summary struct {
	Toolchain llvm.Toolchain
	OutputDir buildlog.OutputDir
	// Fresh is set when the build touched nothing and no tool ran.
	Fresh     bool
	IRFiles   int
	Published []Published
	Elapsed   time.Duration
}

// Run executes the whole integration. On any failure after the build, the
// executables in deps/ and examples/ are removed so the next run relinks.
func Run(ctx context.Context, cfg Config) (*Summary, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	start := cfg.Now()

	tc, err := llvm.ResolveToolchain(ctx, llvm.ResolveConfig{
		Run:        cfg.Exec,
		Host:       cfg.Host,
		Rustc:      cfg.Rustc,
		LLVMConfig: cfg.LLVMConfig,
		Timeout:    cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	checkLibraryVersion(cfg, tc)
	tools, err := llvm.DiscoverTools(tc, cfg.Tools)
	if err != nil {
		return nil, err
	}
	cfg.Log.Info().Str("llvm", tc.VersionString()).Bool("suffixed", tc.Suffix).Msg("resolved toolchain")

	md, err := cargo.LoadMetadata(ctx, cfg.Host, cfg.Cargo, cfg.Dir, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	units := unit.NewSet(md.Units())
	if units.Len() == 0 {
		return nil, &diag.Error{Stage: diag.StageMetadata, Err: ErrNoBinaries,
			Hint: "add a [[bin]] target or run in a package with src/main.rs"}
	}
	expected := md.OutputDir(cfg.Target, cfg.Release)
	scanDirs := []string{filepath.Join(expected, "deps"), filepath.Join(expected, "examples")}

	tracker := stale.NewTracker(cfg.Fs)
	pre, err := tracker.Snapshot(scanDirs...)
	if err != nil {
		return nil, &diag.Error{Stage: diag.StageSnapshot, Err: err}
	}
	buildLog, err := cargo.Build(ctx, cargo.BuildOptions{
		Cargo:   cfg.Cargo,
		Dir:     cfg.Dir,
		Target:  cfg.Target,
		Release: cfg.Release,
		Example: cfg.Example,
		Stdout:  cfg.Stdout,
		Stderr:  cfg.Stderr,
		Log:     cfg.Log,
	})
	if err != nil {
		return nil, err
	}
	post, err := tracker.Snapshot(scanDirs...)
	if err != nil {
		return nil, &diag.Error{Stage: diag.StageSnapshot, Err: err}
	}

	diff := stale.Diff(pre, post)
	summary := &Summary{Toolchain: tc}
	if diff.Empty() {
		summary.Fresh = true
		summary.Elapsed = cfg.Now().Sub(start)
		fmt.Fprintf(cfg.Stdout, "%s nothing to integrate, all fresh\n", finishedColor.Sprintf("%12s", "Finished"))
		return summary, nil
	}

	summary, err = integrate(ctx, cfg, tc, tools, units, diff, *buildLog, expected)
	if err != nil {
		cleanup(cfg, scanDirs)
		return nil, err
	}
	summary.Elapsed = cfg.Now().Sub(start)
	fmt.Fprintf(cfg.Stdout, "%s integrated %d target(s) in %s\n",
		finishedColor.Sprintf("%12s", "Finished"), len(summary.Published), formatElapsed(summary.Elapsed))
	for _, p := range summary.Published {
		fmt.Fprintf(cfg.Stdout, "%12s %s (%s)\n", "", p.Dest, humanize.Bytes(uint64(p.Size)))
	}
	return summary, nil
}

// integrate runs everything after a build that touched at least one file.
func integrate(ctx context.Context, cfg Config, tc llvm.Toolchain, tools llvm.Tools, units unit.Set,
	diff stale.Set, buildLog buildlog.Log, expected string) (*Summary, error) {
	parsed, err := buildlog.Parser{
		Fs:              cfg.Fs,
		RuntimeArtifact: cfg.Record.RuntimeArtifact,
		Log:             cfg.Log,
	}.Parse(buildLog)
	if err != nil {
		return nil, err
	}
	if filepath.Clean(parsed.OutputDir.Path) != filepath.Clean(expected) {
		return nil, &diag.Error{Stage: diag.StageParse,
			Err:  fmt.Errorf("%w: build wrote to %s, expected %s", buildlog.ErrOutputDirMismatch, parsed.OutputDir.Path, expected),
			Hint: "check CARGO_TARGET_DIR and the --target/--release flags"}
	}

	symbols, err := llvm.NewSymbolTable(cfg.Fs, tools.LLVMNm, cfg.Exec, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	staleUnits := diff.Units(units)
	tasks := lo.Map(diff.IRFiles(), func(p string, _ int) *Task { return NewTask(p) })
	cfg.Log.Debug().Int("stale_files", diff.Len()).Int("ir_files", len(tasks)).
		Strs("stale_units", sortedKeys(staleUnits)).Msg("staleness")

	events := make(chan progress.Event, 5*len(tasks)+3*len(parsed.Linkers)+1)
	reporter := progress.New(cfg.Stdout, progress.Options{
		Total:     2*len(tasks) + len(parsed.Linkers) + 1,
		Live:      cfg.Live && !cfg.Verbose,
		QuietSkip: strings.TrimPrefix(cfg.Record.RuntimeArtifact, "lib"),
	})
	reported := make(chan error, 1)
	go func() { reported <- reporter.Run(events) }()

	in := &integrator{
		fs:          cfg.Fs,
		run:         cfg.Exec,
		timeout:     cfg.Timeout,
		tools:       tools,
		symbols:     symbols,
		units:       units,
		skip:        skipSet(cfg.Skip),
		plugin:      cfg.Record.Plugin(cfg.Debug),
		libraryArgs: cfg.Record.LibraryArgs,
		marker:      cfg.Record.RuntimeMarker,
		goos:        cfg.GOOS,
		debug:       cfg.Debug,
		logDir:      cfg.Record.LogDir,
		now:         cfg.Now,
		events:      events,
		log:         cfg.Log,
	}
	runErr := runPool(ctx, cfg.Jobs, tasks, in.process)

	var relinked []string
	if runErr == nil {
		rw := &link.Rewriter{
			Fs:              cfg.Fs,
			OutputDir:       parsed.OutputDir,
			Stale:           staleUnits,
			Symbols:         symbols,
			Archiver:        llvm.Archiver{Ar: tools.LLVMAr, Run: cfg.Exec, Timeout: cfg.Timeout},
			Run:             cfg.Host,
			Timeout:         cfg.Timeout,
			AllocatorMarker: cfg.Record.AllocatorMarker,
			Log:             cfg.Log,
		}
		relinked, runErr = relinkAll(ctx, cfg.Jobs, rw, parsed.Linkers, events, in.annotate)
	}
	close(events)
	<-reported
	if runErr != nil {
		return nil, runErr
	}

	published, err := publish(cfg, units, parsed.OutputDir, relinked)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Toolchain: tc,
		OutputDir: parsed.OutputDir,
		IRFiles:   len(tasks),
		Published: published,
	}, nil
}

// relinkAll replays every recovered linker invocation on the pool and
// returns the outputs that were relinked. Failures pass through annotate
// before they are reported.
func relinkAll(ctx context.Context, jobs int, rw *link.Rewriter, linkers []buildlog.LinkerInvocation,
	events chan<- progress.Event, annotate func(string, error) error) ([]string, error) {
	var (
		mu  sync.Mutex
		out []string
	)
	err := runPool(ctx, jobs, linkers, func(ctx context.Context, inv buildlog.LinkerInvocation) error {
		ident, ok := rw.Applies(inv)
		if !ok {
			return nil
		}
		events <- progress.Started(ident, progress.PhaseLink)
		if _, err := rw.Relink(ctx, inv); err != nil {
			err = annotate(ident, err)
			events <- progress.Failed(ident, err, err.Error())
			return err
		}
		events <- progress.Finished(ident, progress.PhaseLink)
		mu.Lock()
		out = append(out, inv.Output())
		mu.Unlock()
		return nil
	})
	sort.Strings(out)
	return out, err
}

// publish copies each relinked top-level executable to "<name>-ci" next to
// the one cargo placed, and inspects it.
func publish(cfg Config, units unit.Set, dir buildlog.OutputDir, outputs []string) ([]Published, error) {
	var published []Published
	for _, src := range outputs {
		ident := unit.IdentOf(src)
		u, ok := units.Get(ident)
		if !ok {
			continue
		}
		destDir := dir.Path
		if u.Kind == unit.KindExample {
			destDir = dir.Examples()
		}
		dest := filepath.Join(destDir, u.Name+"-"+unit.CISuffix)

		data, err := afero.ReadFile(cfg.Fs, src)
		if err != nil {
			return nil, &diag.Error{Stage: diag.StagePublish, Unit: ident, Err: err}
		}
		if err := cfg.Fs.MkdirAll(destDir, 0o755); err != nil {
			return nil, &diag.Error{Stage: diag.StagePublish, Unit: ident, Err: err}
		}
		if err := afero.WriteFile(cfg.Fs, dest, data, 0o755); err != nil {
			return nil, &diag.Error{Stage: diag.StagePublish, Unit: ident, Err: err}
		}
		// WriteFile keeps the mode of an existing file.
		if err := cfg.Fs.Chmod(dest, 0o755); err != nil {
			return nil, &diag.Error{Stage: diag.StagePublish, Unit: ident, Err: err}
		}

		rep, err := objcheck.Inspect(cfg.Fs, dest)
		if err != nil {
			return nil, withUnitErr(err, ident)
		}
		hooked := rep.Defines(cfg.Record.RuntimeMarker)
		if !hooked {
			cfg.Log.Warn().Str("binary", dest).Str("marker", cfg.Record.RuntimeMarker).
				Msg("runtime marker not found; is the runtime crate a dependency?")
		}
		published = append(published, Published{
			Unit:   u.Name,
			Source: src,
			Dest:   dest,
			Size:   int64(len(data)),
			Hooked: hooked,
		})
	}
	return published, nil
}

// cleanup removes executables the failed run may have left half-integrated.
func cleanup(cfg Config, dirs []string) {
	removed, err := stale.RemoveExecutables(cfg.Fs, dirs...)
	if err != nil {
		cfg.Log.Warn().Err(err).Msg("cleanup after failure was incomplete")
	}
	for _, p := range removed {
		cfg.Log.Debug().Str("path", p).Msg("removed executable")
	}
}

// checkLibraryVersion warns when the plugin was built against a different
// LLVM than the one resolved.
func checkLibraryVersion(cfg Config, tc llvm.Toolchain) {
	if cfg.Record.LLVMVersion == "" || tc.Version == nil {
		return
	}
	v, err := llvm.ParseVersion(cfg.Record.LLVMVersion)
	if err != nil {
		cfg.Log.Warn().Str("llvm_version", cfg.Record.LLVMVersion).Msg("unparseable llvm_version in config")
		return
	}
	if v.Major() != tc.Version.Major() || v.Minor() != tc.Version.Minor() {
		cfg.Log.Warn().Str("library", v.String()).Str("toolchain", tc.Version.String()).
			Msg("instrumentation library was built for a different LLVM version")
	}
}

// validateConfig applies defaults and checks that the plugin exists.
func validateConfig(cfg *Config) error {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Host == nil {
		cfg.Host = cfg.Exec
		if cfg.Host == nil {
			cfg.Host = llvm.RunInherited
		}
	}
	if cfg.Exec == nil {
		cfg.Exec = llvm.Run
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	if cfg.Stderr == nil {
		cfg.Stderr = io.Discard
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Jobs <= 0 {
		cfg.Jobs = runtime.NumCPU()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = llvm.DefaultTimeout
	}
	if cfg.Cargo == "" {
		cfg.Cargo = "cargo"
	}
	if cfg.GOOS == "" {
		cfg.GOOS = runtime.GOOS
	}

	if err := cfg.Record.Validate(); err != nil {
		return &diag.Error{Stage: diag.StageConfig, Err: err, Hint: "edit the config file or delete it to restore defaults"}
	}
	plugin := cfg.Record.Plugin(cfg.Debug)
	if strings.TrimSpace(plugin) == "" {
		return &diag.Error{Stage: diag.StageConfig, Err: ErrLibraryNotInstalled,
			Hint: "set library_path in the config file"}
	}
	if _, err := cfg.Fs.Stat(plugin); err != nil {
		return &diag.Error{Stage: diag.StageConfig, Err: fmt.Errorf("%w: %s", ErrLibraryNotInstalled, plugin),
			Hint: "install the instrumentation library or fix library_path in the config file"}
	}
	for _, name := range cfg.Skip {
		if strings.TrimSpace(name) == "" {
			return &diag.Error{Stage: diag.StageConfig, Err: errors.New("empty --skip value")}
		}
	}
	return nil
}

func skipSet(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[unit.Normalize(n)] = struct{}{}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

func withUnitErr(err error, ident string) error {
	var de *diag.Error
	if errors.As(err, &de) && de.Unit == "" {
		de.Unit = ident
	}
	return err
}

func formatElapsed(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return d.Round(time.Second).String()
}

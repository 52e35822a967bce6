package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyleseneker/cibuild/internal/config"
	"github.com/kyleseneker/cibuild/internal/diag"
	"github.com/kyleseneker/cibuild/internal/llvm"
)

func init() {
	color.NoColor = true
}

// makeFakeTool creates a shell script in dir and returns its absolute path.
func makeFakeTool(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// project is a fake cargo package: a shell "cargo" that, when
// CIBUILD_FAKE_TOUCH is set, lays out the files a real IR-emitting build
// leaves in target/debug/deps and prints the tagged log lines. Every binary
// links the shared runtime rlib.
type project struct {
	Dir    string
	Deps   string
	Cargo  string
	Plugin string
	Tools  llvm.ToolOverrides
	Bins   []fakeBin
	RtIR   string
	Rlib   string

	// HelloIR and Exe belong to the first binary.
	HelloIR string
	Exe     string
}

// fakeBin is one binary target of a project.
type fakeBin struct {
	Name string
	IR   string
	Exe  string
}

func newProject(t *testing.T, bins ...string) *project {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tools are shell scripts")
	}
	if len(bins) == 0 {
		bins = []string{"hello"}
	}
	dir := t.TempDir()
	toolDir := filepath.Join(dir, "tools")
	require.NoError(t, os.MkdirAll(toolDir, 0o755))
	deps := filepath.Join(dir, "target", "debug", "deps")

	p := &project{
		Dir:    dir,
		Deps:   deps,
		Plugin: filepath.Join(dir, "libci.so"),
		RtIR:   filepath.Join(deps, "compiler_interrupts-9a7c.compiler_interrupts.0-cgu.0.rcgu.ll"),
		Rlib:   filepath.Join(deps, "libcompiler_interrupts-9a7c.rlib"),
	}
	require.NoError(t, os.WriteFile(p.Plugin, []byte("so"), 0o644))

	// Never executed: Exec is faked in process, but discovery requires
	// real executable files with allowed names.
	for _, name := range []string{"opt", "llc", "llvm-ar", "llvm-nm"} {
		makeFakeTool(t, toolDir, name, "exit 99\n")
	}
	p.Tools = llvm.ToolOverrides{
		Opt:    filepath.Join(toolDir, "opt"),
		LLC:    filepath.Join(toolDir, "llc"),
		LLVMAr: filepath.Join(toolDir, "llvm-ar"),
		LLVMNm: filepath.Join(toolDir, "llvm-nm"),
	}

	rtObj := strings.TrimSuffix(p.RtIR, ".ll") + ".o"
	files := []string{p.RtIR, rtObj, p.Rlib}
	var exes, logLines []string
	for i, name := range bins {
		stem := fmt.Sprintf("%s-%d5b2f", name, i)
		b := fakeBin{
			Name: name,
			IR:   filepath.Join(deps, stem+"."+name+".1c1f-cgu.0.rcgu.ll"),
			Exe:  filepath.Join(deps, stem),
		}
		p.Bins = append(p.Bins, b)
		obj := strings.TrimSuffix(b.IR, ".ll") + ".o"
		allocObj := filepath.Join(deps, stem+".3x8m1vbd0f1j2k3l.rcgu.o")
		files = append(files, b.IR, obj, allocObj)
		exes = append(exes, b.Exe)
		logLines = append(logLines,
			fmt.Sprintf(`[2024-03-01T12:00:00Z DEBUG cargo::core::compiler::context::compilation_files] Target filenames: [OutputFile { path: "%s", hardlink: Some("%s"), export_path: None, flavor: Normal }]`,
				b.Exe, filepath.Join(dir, "target", "debug", name)),
			fmt.Sprintf(` INFO rustc_codegen_ssa::back::link "cc" "-m64" "%s" "%s" "-L" "%s" "%s" "-o" "%s" "-pie"`,
				obj, allocObj, deps, p.Rlib, b.Exe))
	}
	p.HelloIR = p.Bins[0].IR
	p.Exe = p.Bins[0].Exe

	quote := func(paths []string) string {
		q := make([]string, len(paths))
		for i, path := range paths {
			q[i] = fmt.Sprintf("%q", path)
		}
		return strings.Join(q, " ")
	}
	script := fmt.Sprintf(`[ "$1" = build ] || exit 2
if [ -n "$CIBUILD_FAKE_TOUCH" ]; then
  mkdir -p %[1]q
  for f in %[2]s; do echo x > "$f"; done
  for f in %[3]s; do echo x > "$f"; chmod 755 "$f"; done
fi
echo "   Compiling %[4]s v0.1.0 (%[5]s)" >&2
cat >&2 <<'EOF'
%[6]s
EOF
`, deps, quote(files), quote(exes), bins[0], dir, strings.Join(logLines, "\n"))
	p.Cargo = makeFakeTool(t, toolDir, "cargo", script)
	return p
}

// fakeExec stands in for every tool cibuild runs through llvm.RunFunc.
type fakeExec struct {
	p    *project
	fail map[string]bool
	// llvmConfig is what every llvm-config reports.
	llvmConfig string

	mu     sync.Mutex
	counts map[string]int
	calls  [][]string
}

func newFakeExec(p *project) *fakeExec {
	return &fakeExec{p: p, fail: map[string]bool{}, llvmConfig: "14.0.6", counts: map[string]int{}}
}

func (f *fakeExec) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[name]
}

// inputs returns the last argument of every invocation of name.
func (f *fakeExec) inputs(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c[0] == name {
			out = append(out, c[len(c)-1])
		}
	}
	return out
}

func (f *fakeExec) run(_ context.Context, _ time.Duration, bin string, args ...string) (llvm.Result, error) {
	name := filepath.Base(bin)
	f.mu.Lock()
	f.counts[name]++
	if name == "llvm-ar" && len(args) > 0 {
		f.counts[name+" "+args[0]]++
	}
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()
	res := llvm.Result{Command: llvm.FormatCommand(bin, args)}
	if f.fail[name] {
		res.Stderr = name + ": injected failure"
		return res, errors.New("exit status 1")
	}

	switch name {
	case "rustc":
		res.Stdout = "rustc 1.62.0\nbinary: rustc\nLLVM version: 14.0.5\n"
	case "llvm-config", "llvm-config-14":
		res.Stdout = f.llvmConfig + "\n"
	case "cargo":
		targets := make([]string, len(f.p.Bins))
		for i, b := range f.p.Bins {
			targets[i] = fmt.Sprintf(`{"name":%q,"kind":["bin"],"crate_types":["bin"]}`, b.Name)
		}
		res.Stdout = fmt.Sprintf(`{"packages":[{"name":"hello","targets":[%s]}],"target_directory":%q,"workspace_root":%q}`,
			strings.Join(targets, ","), filepath.Join(f.p.Dir, "target"), f.p.Dir)
	case "llvm-nm":
		path := args[len(args)-1]
		switch {
		case strings.Contains(path, "compiler_interrupts"):
			res.Stdout = "intvActionHook\n"
		case strings.Contains(path, "3x8m1vbd0f1j2k3l"):
			res.Stdout = "__rust_alloc\n"
		default:
			res.Stdout = "main\n"
		}
	case "llvm-ar":
		switch args[0] {
		case "t":
			res.Stdout = "lib.rmeta\ncompiler_interrupts-9a7c.compiler_interrupts.0-cgu.0.rcgu.o\n"
		case "rb", "d":
		}
	case "opt", "llc":
		return res, writeOutput(args, []byte(name))
	case "cc":
		exe, err := os.Executable()
		if err != nil {
			return res, err
		}
		data, err := os.ReadFile(exe)
		if err != nil {
			return res, err
		}
		for i, a := range args {
			if a == "-o" {
				return res, os.WriteFile(args[i+1], data, 0o755)
			}
		}
	default:
		return res, fmt.Errorf("unexpected tool %s", bin)
	}
	return res, nil
}

func writeOutput(args []string, data []byte) error {
	for i, a := range args {
		if a == "-o" && i+1 < len(args) {
			return os.WriteFile(args[i+1], data, 0o644)
		}
	}
	return errors.New("no -o")
}

func testConfig(p *project, exec *fakeExec, stdout *bytes.Buffer) Config {
	rec := config.Default(p.Dir)
	rec.LibraryPath = p.Plugin
	return Config{
		Dir:    p.Dir,
		Jobs:   2,
		Record: rec,
		Tools:  p.Tools,
		Cargo:  p.Cargo,
		Exec:   exec.run,
		Log:    zerolog.Nop(),
		Stdout: stdout,
		Stderr: &bytes.Buffer{},
		GOOS:   "linux",
	}
}

func TestRunIntegratesAndPublishes(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("published binaries are inspected as ELF or Mach-O")
	}
	p := newProject(t)
	t.Setenv("CIBUILD_FAKE_TOUCH", "1")
	exec := newFakeExec(p)
	var out bytes.Buffer

	sum, err := Run(context.Background(), testConfig(p, exec, &out))
	require.NoError(t, err)
	assert.False(t, sum.Fresh)
	assert.Equal(t, 2, sum.IRFiles)
	assert.Equal(t, "14.0.5", sum.Toolchain.VersionString())

	assert.Equal(t, 1, exec.count("opt"), "runtime crate IR is passed through")
	assert.Equal(t, 2, exec.count("llc"))
	assert.Equal(t, 1, exec.count("cc"))
	assert.Equal(t, 3, exec.count("llvm-ar"))

	require.Len(t, sum.Published, 1)
	pub := sum.Published[0]
	assert.Equal(t, filepath.Join(p.Dir, "target", "debug", "hello-ci"), pub.Dest)
	assert.False(t, pub.Hooked)
	info, err := os.Stat(pub.Dest)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o100)

	copied, err := os.ReadFile(strings.TrimSuffix(p.RtIR, ".ll") + "-ci.ll")
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(copied))

	text := out.String()
	assert.Contains(t, text, "Integrating hello")
	assert.Contains(t, text, "Linking hello")
	assert.NotContains(t, text, "Skipped compiler_interrupts")
	assert.Contains(t, text, "integrated 1 target(s)")
}

func TestRunNothingStale(t *testing.T) {
	p := newProject(t)
	exec := newFakeExec(p)
	var out bytes.Buffer

	sum, err := Run(context.Background(), testConfig(p, exec, &out))
	require.NoError(t, err)
	assert.True(t, sum.Fresh)
	assert.Contains(t, out.String(), "nothing to integrate, all fresh")
	for _, tool := range []string{"opt", "llc", "llvm-nm", "llvm-ar", "cc"} {
		assert.Zero(t, exec.count(tool), tool)
	}
}

func TestRunRewriteFailureSkipsLinkAndCleansUp(t *testing.T) {
	p := newProject(t)
	t.Setenv("CIBUILD_FAKE_TOUCH", "1")
	exec := newFakeExec(p)
	exec.fail["opt"] = true
	var out bytes.Buffer

	_, err := Run(context.Background(), testConfig(p, exec, &out))
	require.Error(t, err)
	assert.True(t, diag.IsStage(err, diag.StageRewrite))
	assert.Equal(t, "hello", diag.UnitOf(err))
	assert.Zero(t, exec.count("cc"), "no binary is linked after a rewrite failure")
	assert.NoFileExists(t, p.Exe, "stale executables are removed")
	assert.Contains(t, out.String(), "instrumentation has unexpectedly failed")
}

func TestRunLinkFailure(t *testing.T) {
	p := newProject(t)
	t.Setenv("CIBUILD_FAKE_TOUCH", "1")
	exec := newFakeExec(p)
	exec.fail["cc"] = true

	_, err := Run(context.Background(), testConfig(p, exec, &bytes.Buffer{}))
	require.Error(t, err)
	assert.True(t, diag.IsStage(err, diag.StageLink))
	assert.Equal(t, "hello", diag.UnitOf(err))
	assert.NoFileExists(t, p.Exe)
}

func TestRunLinkFailureWritesDebugLog(t *testing.T) {
	p := newProject(t)
	t.Setenv("CIBUILD_FAKE_TOUCH", "1")
	exec := newFakeExec(p)
	exec.fail["cc"] = true
	cfg := testConfig(p, exec, &bytes.Buffer{})
	cfg.Debug = true
	cfg.Record.LibraryDebugPath = p.Plugin
	cfg.Record.LogDir = filepath.Join(p.Dir, "logs")

	_, err := Run(context.Background(), cfg)
	require.Error(t, err)
	var de *diag.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, diag.StageLink, de.Stage)
	assert.Equal(t, "hello", de.Unit)
	require.NotEmpty(t, de.LogPath)
	assert.True(t, strings.HasPrefix(de.LogPath, cfg.Record.LogDir), de.LogPath)
	logged, rerr := os.ReadFile(de.LogPath)
	require.NoError(t, rerr)
	assert.Contains(t, string(logged), "cc: injected failure")
}

func TestRunTwoBinariesWithSkip(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("published binaries are inspected as ELF or Mach-O")
	}
	p := newProject(t, "hello", "world")
	t.Setenv("CIBUILD_FAKE_TOUCH", "1")
	exec := newFakeExec(p)
	cfg := testConfig(p, exec, &bytes.Buffer{})
	cfg.Skip = []string{"world"}
	cfg.Jobs = 2

	var hostMu sync.Mutex
	hosted := map[string]int{}
	cfg.Host = func(ctx context.Context, timeout time.Duration, bin string, args ...string) (llvm.Result, error) {
		hostMu.Lock()
		hosted[filepath.Base(bin)]++
		hostMu.Unlock()
		return exec.run(ctx, timeout, bin, args...)
	}

	sum, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.IRFiles)

	assert.Equal(t, []string{p.Bins[0].IR}, exec.inputs("opt"), "only the non-skipped binary is instrumented")
	assert.Equal(t, 3, exec.count("llc"))
	assert.Equal(t, 2, exec.count("cc"))
	assert.Equal(t, 1, exec.count("llvm-ar t"))
	assert.Equal(t, 1, exec.count("llvm-ar rb"), "the shared rlib is rewritten once")
	assert.Equal(t, 1, exec.count("llvm-ar d"))

	hostMu.Lock()
	assert.Equal(t, 1, hosted["rustc"])
	assert.Equal(t, 1, hosted["cargo"])
	assert.Equal(t, 2, hosted["cc"])
	assert.Zero(t, hosted["opt"])
	hostMu.Unlock()

	dests := make([]string, 0, len(sum.Published))
	for _, pub := range sum.Published {
		dests = append(dests, pub.Dest)
	}
	assert.ElementsMatch(t, []string{
		filepath.Join(p.Dir, "target", "debug", "hello-ci"),
		filepath.Join(p.Dir, "target", "debug", "world-ci"),
	}, dests)
	for _, d := range dests {
		assert.FileExists(t, d)
	}

	copied, err := os.ReadFile(strings.TrimSuffix(p.Bins[1].IR, ".ll") + "-ci.ll")
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(copied), "skipped binary IR is passed through unchanged")
}

func TestRunToolchainMismatch(t *testing.T) {
	p := newProject(t)
	exec := newFakeExec(p)
	exec.llvmConfig = "13.0.1"

	_, err := Run(context.Background(), testConfig(p, exec, &bytes.Buffer{}))
	require.ErrorIs(t, err, llvm.ErrVersionMismatch)
	assert.True(t, diag.IsStage(err, diag.StageToolchain))
	assert.Zero(t, exec.count("cargo"), "toolchain errors stop before the build")
}

func TestRunLibraryNotInstalled(t *testing.T) {
	p := newProject(t)
	exec := newFakeExec(p)
	cfg := testConfig(p, exec, &bytes.Buffer{})
	cfg.Record.LibraryPath = filepath.Join(p.Dir, "missing.so")

	_, err := Run(context.Background(), cfg)
	require.ErrorIs(t, err, ErrLibraryNotInstalled)
	assert.Zero(t, exec.count("rustc"))
}

func TestRunNoBinaries(t *testing.T) {
	p := newProject(t)
	exec := newFakeExec(p)
	cfg := testConfig(p, exec, &bytes.Buffer{})
	cfg.Exec = func(ctx context.Context, timeout time.Duration, bin string, args ...string) (llvm.Result, error) {
		if filepath.Base(bin) == "cargo" {
			return llvm.Result{Stdout: `{"packages":[{"name":"lib","targets":[{"name":"lib","kind":["lib"],"crate_types":["lib"]}]}],"target_directory":"/t"}`}, nil
		}
		return exec.run(ctx, timeout, bin, args...)
	}

	_, err := Run(context.Background(), cfg)
	require.ErrorIs(t, err, ErrNoBinaries)
}

func TestValidateConfigDefaults(t *testing.T) {
	plugin := filepath.Join(t.TempDir(), "libci.so")
	require.NoError(t, os.WriteFile(plugin, nil, 0o644))
	rec := config.Default(t.TempDir())
	rec.LibraryPath = plugin

	cfg := Config{Record: rec}
	require.NoError(t, validateConfig(&cfg))
	assert.Equal(t, runtime.NumCPU(), cfg.Jobs)
	assert.Equal(t, llvm.DefaultTimeout, cfg.Timeout)
	assert.Equal(t, "cargo", cfg.Cargo)
	assert.NotNil(t, cfg.Fs)
	assert.NotNil(t, cfg.Exec)
	assert.NotNil(t, cfg.Host)

	cfg.Skip = []string{" "}
	err := validateConfig(&cfg)
	require.Error(t, err)
	assert.True(t, diag.IsStage(err, diag.StageConfig))
}

func TestValidateConfigDebugPlugin(t *testing.T) {
	dir := t.TempDir()
	release := filepath.Join(dir, "libci.so")
	require.NoError(t, os.WriteFile(release, nil, 0o644))
	rec := config.Default(dir)
	rec.LibraryPath = release
	rec.LibraryDebugPath = filepath.Join(dir, "libci-debug.so")

	cfg := Config{Record: rec, Debug: true}
	err := validateConfig(&cfg)
	require.ErrorIs(t, err, ErrLibraryNotInstalled)
	assert.Contains(t, err.Error(), "libci-debug.so")
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "1.50s", formatElapsed(1500*time.Millisecond))
	assert.Equal(t, "2m5s", formatElapsed(2*time.Minute+5*time.Second))
}

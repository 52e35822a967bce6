// Package doctor implements the `cibuild doctor` subcommand, which resolves
// the LLVM toolchain matching rustc, version-checks every tool, and checks
// that the instrumentation library is installed.
package doctor

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/kyleseneker/cibuild/internal/config"
	"github.com/kyleseneker/cibuild/internal/llvm"
)

// lookPath is the function used to locate binaries on PATH.
var lookPath = exec.LookPath

// Config holds settings for the doctor check.
type Config struct {
	Tools      llvm.ToolOverrides
	Record     config.Record
	ConfigPath string
	Rustc      string
	LLVMConfig string
	Fs         afero.Fs
	Exec       llvm.RunFunc
	Host       llvm.RunFunc
	Stdout     io.Writer
	Stderr     io.Writer
	Timeout    time.Duration
}

// Run resolves the toolchain and prints tool paths, versions, and the
// state of the configured instrumentation library. A toolchain that cannot
// be resolved is an error; everything else is reported as a warning.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	if cfg.Stderr == nil {
		cfg.Stderr = io.Discard
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
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
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}

	fmt.Fprintln(cfg.Stdout, "cibuild doctor")

	tc, err := llvm.ResolveToolchain(ctx, llvm.ResolveConfig{
		Run:        cfg.Exec,
		Host:       cfg.Host,
		Rustc:      cfg.Rustc,
		LLVMConfig: cfg.LLVMConfig,
		Timeout:    cfg.Timeout,
	})
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "  [FAIL] toolchain: %v\n", err)
		return err
	}
	naming := "bare tool names"
	if tc.Suffix {
		naming = fmt.Sprintf("version-suffixed tool names (-%d)", tc.Version.Major())
	}
	fmt.Fprintf(cfg.Stdout, "  %-14s %s, %s\n", "llvm:", tc.VersionString(), naming)

	tools, err := llvm.DiscoverTools(tc, cfg.Tools)
	if err != nil {
		return err
	}
	for _, t := range tools.List() {
		fmt.Fprintf(cfg.Stdout, "  %-14s %s\n", t.Name+":", t.Path)
		line := getToolVersion(ctx, cfg, cfg.Exec, t.Path, t.Name, "--version")
		fmt.Fprintf(cfg.Stdout, "  [OK]   %s: %s\n", t.Name, line)
	}

	var warnings []string
	if w := checkExternalTool(ctx, cfg, "cargo", "--version",
		"cargo is not installed; install a Rust toolchain from https://rustup.rs"); w != "" {
		warnings = append(warnings, w)
	}
	warnings = append(warnings, checkConfig(cfg, tc)...)

	printSummary(cfg.Stdout, warnings)
	return nil
}

// checkConfig reports problems with the persisted record.
func checkConfig(cfg Config, tc llvm.Toolchain) []string {
	var warnings []string
	if cfg.ConfigPath != "" {
		fmt.Fprintf(cfg.Stdout, "  %-14s %s\n", "config:", cfg.ConfigPath)
	}
	if err := cfg.Record.Validate(); err != nil {
		warnings = append(warnings, fmt.Sprintf("config is invalid: %v", err))
	}

	lib := cfg.Record.LibraryPath
	switch {
	case strings.TrimSpace(lib) == "":
		fmt.Fprintf(cfg.Stdout, "  %-14s (not configured)\n", "library:")
		warnings = append(warnings, "instrumentation library is not configured; set library_path in the config file")
	default:
		if _, err := cfg.Fs.Stat(lib); err != nil {
			fmt.Fprintf(cfg.Stdout, "  %-14s %s (missing)\n", "library:", lib)
			warnings = append(warnings, fmt.Sprintf("instrumentation library %s does not exist", lib))
		} else {
			fmt.Fprintf(cfg.Stdout, "  %-14s %s\n", "library:", lib)
		}
	}
	if dbg := cfg.Record.LibraryDebugPath; strings.TrimSpace(dbg) != "" {
		if _, err := cfg.Fs.Stat(dbg); err != nil {
			warnings = append(warnings, fmt.Sprintf("debug library %s does not exist; --debug will fail", dbg))
		}
	}

	if v := cfg.Record.LLVMVersion; v != "" && tc.Version != nil {
		lv, err := llvm.ParseVersion(v)
		switch {
		case err != nil:
			warnings = append(warnings, fmt.Sprintf("config llvm_version %q is not a version", v))
		case lv.Major() != tc.Version.Major() || lv.Minor() != tc.Version.Minor():
			warnings = append(warnings, fmt.Sprintf(
				"instrumentation library was built for LLVM %s but rustc uses LLVM %s; rebuild the library",
				lv, tc.Version))
		}
	}
	return warnings
}

// checkExternalTool looks up a binary on PATH, prints its path and version,
// and returns a warning string if the binary is not found (empty otherwise).
func checkExternalTool(ctx context.Context, cfg Config, name, versionFlag, notFoundMsg string) string {
	label := name + ":"
	path, _ := lookPath(name)
	if path == "" {
		fmt.Fprintf(cfg.Stdout, "  %-14s (not found)\n", label)
		return notFoundMsg
	}
	fmt.Fprintf(cfg.Stdout, "  %-14s %s\n", label, path)
	line := getToolVersion(ctx, cfg, cfg.Host, path, name, versionFlag)
	fmt.Fprintf(cfg.Stdout, "  [OK]   %s: %s\n", name, line)
	return ""
}

// getToolVersion runs a binary with the given version flag and returns
// the first non-empty line of output.
func getToolVersion(ctx context.Context, cfg Config, run llvm.RunFunc, path, name, flag string) string {
	res, runErr := run(ctx, cfg.Timeout, path, flag)
	if runErr != nil {
		fmt.Fprintf(cfg.Stderr, "  [FAIL] %s %s: %v\n", name, flag, runErr)
		return "(version check failed)"
	}
	line := firstNonEmptyLine(res.Stdout)
	if line == "" {
		line = firstNonEmptyLine(res.Stderr)
	}
	if line == "" {
		line = "(no version output)"
	}
	return line
}

// printSummary outputs the warnings list and final status.
func printSummary(w io.Writer, warnings []string) {
	if len(warnings) > 0 {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "warnings:")
		for _, msg := range warnings {
			fmt.Fprintf(w, "  - %s\n", msg)
		}
	}
	fmt.Fprintln(w, "")
	if len(warnings) == 0 {
		fmt.Fprintln(w, "all checks passed")
	} else {
		fmt.Fprintf(w, "%d warning(s); see above\n", len(warnings))
	}
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}

// Package llvm provides typed wrappers for discovering and executing the
// LLVM toolchain binaries cibuild drives (opt, llc, llvm-ar, llvm-nm) and
// for resolving which installed toolchain matches the host rustc.
package llvm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kyleseneker/cibuild/internal/diag"
)

// DefaultTimeout bounds a single tool invocation when the caller passes zero.
const DefaultTimeout = 5 * time.Minute

// allowedToolBases is the canonical set of tool basenames cibuild is
// permitted to discover and execute as part of the LLVM toolchain.
var allowedToolBases = map[string]bool{
	"opt":         true,
	"llc":         true,
	"llvm-ar":     true,
	"llvm-nm":     true,
	"llvm-config": true,
	"rustc":       true,
	"cargo":       true,
}

// ValidateBinary checks that a resolved binary path refers to an allowed
// tool and does not contain characters indicative of shell injection.
func ValidateBinary(binPath string) error {
	if strings.ContainsAny(binPath, ";|&$`\n") {
		return fmt.Errorf("binary path %q contains prohibited characters", binPath)
	}
	if !isAllowedTool(binPath) {
		return fmt.Errorf("binary %q (basename %q) is not in the allowed tool set",
			binPath, filepath.Base(binPath))
	}
	return nil
}

// isAllowedTool reports whether binPath's basename matches an allowed tool,
// including version-suffixed names like "opt-14" or "llvm-config-13.0.1".
func isAllowedTool(binPath string) bool {
	base := filepath.Base(binPath)
	if allowedToolBases[base] {
		return true
	}
	for name := range allowedToolBases {
		if strings.HasPrefix(base, name+"-") && isVersionSuffix(base[len(name)+1:]) {
			return true
		}
	}
	return false
}

// isVersionSuffix reports whether s looks like a version (e.g. "14", "13.0.1").
func isVersionSuffix(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return false
		}
		for _, c := range part {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}

// sanitizedEnv returns a minimal, deterministic environment for subprocess execution.
func sanitizedEnv() []string {
	env := []string{
		"LC_ALL=C",
		"TZ=UTC",
	}
	for _, key := range []string{"PATH", "HOME", "TMPDIR", "LD_LIBRARY_PATH", "DYLD_LIBRARY_PATH"} {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// Tools holds resolved paths to the LLVM binaries used by the pipeline.
type Tools struct {
	Opt    string
	LLC    string
	LLVMAr string
	LLVMNm string
}

// ToolOverrides allows callers to specify explicit binary paths,
// bypassing PATH-based discovery.
type ToolOverrides struct {
	Opt    string
	LLC    string
	LLVMAr string
	LLVMNm string
}

// NamedTool pairs a human-readable label with a resolved path.
type NamedTool struct {
	Name string
	Path string
}

// List returns all discovered tools in a stable order.
func (t Tools) List() []NamedTool {
	return []NamedTool{
		{"opt", t.Opt},
		{"llc", t.LLC},
		{"llvm-ar", t.LLVMAr},
		{"llvm-nm", t.LLVMNm},
	}
}

// toolSpec describes a single tool to discover.
type toolSpec struct {
	override string
	name     string
	flag     string
}

// DiscoverTools resolves the pipeline's LLVM binaries from overrides or
// PATH. Names are taken from tc so a version-suffixed toolchain resolves to
// "opt-14" and friends. Every tool is required.
func DiscoverTools(tc Toolchain, o ToolOverrides) (Tools, error) {
	specs := []toolSpec{
		{o.Opt, tc.Bin("opt"), "--opt"},
		{o.LLC, tc.Bin("llc"), "--llc"},
		{o.LLVMAr, tc.Bin("llvm-ar"), "--llvm-ar"},
		{o.LLVMNm, tc.Bin("llvm-nm"), "--llvm-nm"},
	}

	paths := make([]string, len(specs))
	for i, s := range specs {
		path, err := resolveRequired(firstNonEmpty(s.override, s.name))
		if err != nil {
			hint := "install LLVM tools or pass " + s.flag + " explicitly"
			if v := tc.VersionString(); v != "" {
				hint = "install LLVM " + v + " tools or pass " + s.flag + " explicitly"
			}
			return Tools{}, &diag.Error{Stage: diag.StageToolchain, Err: err, Command: s.name, Hint: hint}
		}
		paths[i] = path
	}

	return Tools{
		Opt:    paths[0],
		LLC:    paths[1],
		LLVMAr: paths[2],
		LLVMNm: paths[3],
	}, nil
}

// resolveRequired resolves and validates a required tool path.
func resolveRequired(name string) (string, error) {
	path, err := findRequired(name)
	if err != nil {
		return "", err
	}
	if err := ValidateBinary(path); err != nil {
		return "", err
	}
	return path, nil
}

// Result captures the command string and stdout/stderr of a tool run.
type Result struct {
	Command string
	Stdout  string
	Stderr  string
}

// RunFunc executes a single external tool invocation. Run is the production
// implementation; tests substitute counting or scripted variants.
type RunFunc func(ctx context.Context, timeout time.Duration, bin string, args ...string) (Result, error)

// Run executes a binary with a per-invocation timeout and a sanitized
// environment. It is meant for the LLVM tools.
func Run(ctx context.Context, timeout time.Duration, bin string, args ...string) (Result, error) {
	return run(ctx, timeout, sanitizedEnv(), bin, args...)
}

// RunInherited is Run with the caller's full environment. rustc, cargo and
// the replayed linker run this way: rustup picks the toolchain from
// RUSTUP_TOOLCHAIN and friends, and linkers read SDKROOT or LIBRARY_PATH.
func RunInherited(ctx context.Context, timeout time.Duration, bin string, args ...string) (Result, error) {
	return run(ctx, timeout, os.Environ(), bin, args...)
}

func run(ctx context.Context, timeout time.Duration, env []string, bin string, args ...string) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, bin, args...)
	cmd.Env = env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := Result{
		Command: FormatCommand(bin, args),
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if runErr == nil {
		return result, nil
	}
	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		return result, fmt.Errorf("command timed out after %s: %w", timeout, runErr)
	}
	return result, runErr
}

// findRequired resolves a tool name that must exist (absolute path or PATH lookup).
func findRequired(name string) (string, error) {
	if strings.ContainsRune(name, '/') {
		info, err := os.Stat(name)
		if err != nil {
			return "", err
		}
		if info.Mode()&0o111 == 0 {
			return "", fmt.Errorf("%s is not executable", name)
		}
		return name, nil
	}
	return exec.LookPath(name)
}

func firstNonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

// FormatCommand renders bin and args as a copy-pasteable shell command.
func FormatCommand(bin string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(bin))
	for _, arg := range args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

func shellQuote(v string) string {
	if v == "" {
		return "''"
	}
	if !strings.ContainsAny(v, " \t\n\"'\\") {
		return v
	}
	return "'" + strings.ReplaceAll(v, "'", "'\"'\"'") + "'"
}

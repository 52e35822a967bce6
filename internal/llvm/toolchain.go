package llvm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/kyleseneker/cibuild/internal/diag"
)

// Sentinel errors returned by ResolveToolchain, wrapped in *diag.Error.
var (
	ErrToolchainNotFound  = errors.New("unable to locate the LLVM toolchain")
	ErrVersionMismatch    = errors.New("LLVM version of rustc does not match the LLVM toolchain")
	ErrUnsupportedVersion = errors.New("LLVM version is not supported")
)

// SupportedRange is the range of LLVM versions whose opt still loads legacy
// pass plugins with -load.
const SupportedRange = ">= 9.0.0, < 15.0.0"

var (
	supported      = mustConstraint(SupportedRange)
	versionPrefix  = regexp.MustCompile(`^\d+(\.\d+){0,2}`)
	rustcLLVMField = "LLVM version:"
)

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Toolchain is the resolved LLVM toolchain matching the host rustc.
type Toolchain struct {
	Version *semver.Version
	// Suffix is set when the toolchain binaries are only available under
	// their major-version alias (e.g. "opt-14").
	Suffix bool
}

// Bin returns the binary name to invoke for an LLVM tool.
func (tc Toolchain) Bin(name string) string {
	if tc.Suffix && tc.Version != nil {
		return fmt.Sprintf("%s-%d", name, tc.Version.Major())
	}
	return name
}

// VersionString returns the resolved version, or "" when unknown.
func (tc Toolchain) VersionString() string {
	if tc.Version == nil {
		return ""
	}
	return tc.Version.String()
}

// ResolveConfig configures ResolveToolchain.
type ResolveConfig struct {
	// Run executes llvm-config.
	Run RunFunc
	// Host executes rustc. It defaults to Run when Run is set and to
	// RunInherited otherwise.
	Host       RunFunc
	Rustc      string
	LLVMConfig string
	Timeout    time.Duration
}

func (c *ResolveConfig) defaults() {
	if c.Host == nil {
		c.Host = c.Run
		if c.Host == nil {
			c.Host = RunInherited
		}
	}
	if c.Run == nil {
		c.Run = Run
	}
	if c.Rustc == "" {
		c.Rustc = "rustc"
	}
	if c.LLVMConfig == "" {
		c.LLVMConfig = "llvm-config"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// ResolveToolchain determines the LLVM version rustc was built against and
// decides whether the installed LLVM tools need a version suffix. Exactly one
// of the bare or the suffixed llvm-config must report the same major.minor.
func ResolveToolchain(ctx context.Context, cfg ResolveConfig) (Toolchain, error) {
	cfg.defaults()

	res, err := cfg.Host(ctx, cfg.Timeout, cfg.Rustc, "-vV")
	if err != nil {
		return Toolchain{}, &diag.Error{
			Stage:   diag.StageToolchain,
			Command: res.Command,
			Stderr:  res.Stderr,
			Err:     err,
			Hint:    "install a Rust toolchain and make sure rustc is on PATH",
		}
	}
	want, err := RustcLLVMVersion(res.Stdout)
	if err != nil {
		return Toolchain{}, &diag.Error{Stage: diag.StageToolchain, Command: res.Command, Err: err}
	}
	if !supported.Check(want) {
		return Toolchain{}, &diag.Error{
			Stage: diag.StageToolchain,
			Err:   fmt.Errorf("%w: %s (supported %s)", ErrUnsupportedVersion, want, SupportedRange),
			Hint:  "switch to a Rust toolchain built against a supported LLVM",
		}
	}

	bare, bareErr := queryVersion(ctx, cfg, cfg.LLVMConfig)
	suffixed, suffixErr := queryVersion(ctx, cfg, fmt.Sprintf("%s-%d", cfg.LLVMConfig, want.Major()))

	switch {
	case bareErr != nil && suffixErr != nil:
		return Toolchain{}, &diag.Error{
			Stage: diag.StageToolchain,
			Err:   fmt.Errorf("%w: %v", ErrToolchainNotFound, errors.Join(bareErr, suffixErr)),
			Hint:  "check your $PATH variable or install LLVM " + want.String(),
		}
	case bareErr == nil && sameMinor(want, bare):
		return Toolchain{Version: want}, nil
	case suffixErr == nil && sameMinor(want, suffixed):
		return Toolchain{Version: want, Suffix: true}, nil
	}

	found := bare
	if found == nil {
		found = suffixed
	}
	return Toolchain{}, &diag.Error{
		Stage: diag.StageToolchain,
		Err:   fmt.Errorf("%w: rustc uses %s, toolchain is %s", ErrVersionMismatch, want, found),
		Hint:  fmt.Sprintf("install LLVM %d.%d (llvm-config-%d) alongside the current toolchain", want.Major(), want.Minor(), want.Major()),
	}
}

func queryVersion(ctx context.Context, cfg ResolveConfig, bin string) (*semver.Version, error) {
	res, err := cfg.Run(ctx, cfg.Timeout, bin, "--version")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", bin, err)
	}
	return ParseVersion(res.Stdout)
}

func sameMinor(a, b *semver.Version) bool {
	return a.Major() == b.Major() && a.Minor() == b.Minor()
}

// RustcLLVMVersion extracts the "LLVM version:" field from `rustc -vV`.
func RustcLLVMVersion(out string) (*semver.Version, error) {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		if v, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), rustcLLVMField); ok {
			return ParseVersion(v)
		}
	}
	return nil, fmt.Errorf("rustc -vV output has no %q field", rustcLLVMField)
}

// ParseVersion parses a tool-reported version, ignoring vendor suffixes
// such as "14.0.6-rust-1.62.0-stable" or "13.0.1git".
func ParseVersion(s string) (*semver.Version, error) {
	s = strings.TrimSpace(s)
	m := versionPrefix.FindString(s)
	if m == "" {
		return nil, fmt.Errorf("invalid LLVM version %q", s)
	}
	return semver.NewVersion(m)
}

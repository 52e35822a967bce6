package cargo

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kyleseneker/cibuild/internal/buildlog"
	"github.com/kyleseneker/cibuild/internal/diag"
	"github.com/kyleseneker/cibuild/internal/llvm"
)

// Environment overrides that make rustc save per-codegen-unit IR and make
// both rustc and cargo log what the parser needs.
var (
	irRustflags = []string{"--emit=llvm-ir", "-Cdebuginfo=0", "-Csave-temps"}
	buildEnv    = map[string]string{
		"CARGO_TERM_COLOR": "always",
		"RUSTC_LOG":        buildlog.LinkTag + "=info",
		"CARGO_LOG":        buildlog.ManifestTag + "=debug",
	}
)

// BuildOptions configures one `cargo build` run.
type BuildOptions struct {
	Cargo   string
	Dir     string
	Target  string
	Release bool
	Example string
	Stdout  io.Writer
	Stderr  io.Writer
	Log     zerolog.Logger
}

// Args returns the cargo command line.
func (o BuildOptions) Args() []string {
	args := []string{"build"}
	if o.Example != "" {
		args = append(args, "--example", o.Example)
	}
	if o.Release {
		args = append(args, "--release")
	}
	if o.Target != "" {
		args = append(args, "--target", o.Target)
	}
	return args
}

// Env returns the full child environment: the caller's environment with
// RUSTFLAGS extended and the logging variables set.
func Env(base []string) []string {
	env := make([]string, 0, len(base)+len(buildEnv)+1)
	rustflags := ""
	for _, kv := range base {
		k, v, _ := strings.Cut(kv, "=")
		if k == "RUSTFLAGS" {
			rustflags = v
			continue
		}
		if _, ok := buildEnv[k]; ok {
			continue
		}
		env = append(env, kv)
	}
	flags := strings.Join(irRustflags, " ")
	if strings.TrimSpace(rustflags) != "" {
		flags = strings.TrimSpace(rustflags) + " " + flags
	}
	env = append(env, "RUSTFLAGS="+flags)
	for _, k := range []string{"CARGO_TERM_COLOR", "RUSTC_LOG", "CARGO_LOG"} {
		env = append(env, k+"="+buildEnv[k])
	}
	return env
}

// Build runs `cargo build` and streams its stderr line by line, filing
// linker and manifest lines into the returned log and echoing everything
// else to opts.Stderr as it arrives.
func Build(ctx context.Context, opts BuildOptions) (*buildlog.Log, error) {
	if opts.Cargo == "" {
		opts.Cargo = "cargo"
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	args := opts.Args()
	cmd := exec.CommandContext(ctx, opts.Cargo, args...)
	cmd.Dir = opts.Dir
	cmd.Env = Env(os.Environ())
	cmd.Stdout = opts.Stdout
	pipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	command := llvm.FormatCommand(opts.Cargo, args)
	opts.Log.Info().Str("cmd", command).Msg("running cargo build")
	if err := cmd.Start(); err != nil {
		return nil, &diag.Error{Stage: diag.StageBuild, Command: command, Err: err, Hint: "install cargo or pass --cargo explicitly"}
	}

	log := &buildlog.Log{}
	var tail []string
	sc := bufio.NewScanner(pipe)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		line := sc.Text()
		if log.Add(line) {
			continue
		}
		if line == "" {
			continue
		}
		fmt.Fprintln(opts.Stderr, line)
		tail = appendTail(tail, line)
	}
	scanErr := sc.Err()
	if scanErr != nil {
		// Keep the pipe drained so cargo is not blocked on a full pipe.
		_, _ = io.Copy(io.Discard, pipe)
	}

	if err := cmd.Wait(); err != nil {
		return nil, &diag.Error{
			Stage:   diag.StageBuild,
			Command: command,
			Stderr:  strings.Join(tail, "\n"),
			Err:     err,
			Hint:    "fix the build errors above; cargo must succeed before instrumentation",
		}
	}
	if scanErr != nil {
		return nil, &diag.Error{Stage: diag.StageBuild, Command: command, Err: fmt.Errorf("reading cargo output: %w", scanErr)}
	}
	opts.Log.Debug().Int("link_lines", len(log.LinkLines)).Int("manifest_lines", len(log.ManifestLines)).Msg("cargo build finished")
	return log, nil
}

const tailLines = 20

func appendTail(tail []string, line string) []string {
	tail = append(tail, line)
	if len(tail) > tailLines {
		tail = tail[len(tail)-tailLines:]
	}
	return tail
}

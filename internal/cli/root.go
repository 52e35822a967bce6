// Package cli implements the cibuild command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kyleseneker/cibuild/internal/config"
	"github.com/kyleseneker/cibuild/internal/llvm"
	"github.com/kyleseneker/cibuild/internal/logging"
)

// Version is set at build time via ldflags:
//
//	go build -ldflags "-X github.com/kyleseneker/cibuild/internal/cli.Version=v0.1.0"
var Version = "(dev)"

// exitError carries a process exit code out of a cobra command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	verbose    int
	logLevel   string
	configPath string
	cargo      string
	rustc      string
	llvmConfig string
	timeout    time.Duration
	tools      llvm.ToolOverrides

	fs afero.Fs
}

// Run is the top-level entrypoint.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(stderr, ee.err.Error())
		}
		return ee.code
	}
	// Anything cobra itself rejects (unknown command, bad arguments) is a
	// usage error.
	fmt.Fprintf(stderr, "error: %v\n", err)
	fmt.Fprintf(stderr, "Run 'cibuild --help' for usage.\n")
	return 2
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{fs: afero.NewOsFs()}
	root := &cobra.Command{
		Use:   "cibuild",
		Short: "Build Cargo binaries with compiler-interrupt instrumentation",
		Long: `cibuild runs cargo build with LLVM IR emission, instruments every
codegen unit the build touched with the compiler-interrupts pass, and
relinks the affected binaries as <name>-ci next to the originals.`,
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SetOut(stderr)
			_ = cmd.Usage()
			return &exitError{code: 2}
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetVersionTemplate("cibuild {{.Version}}\n")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		fmt.Fprintf(stderr, "error: %v\n", err)
		cmd.SetOut(stderr)
		_ = cmd.Usage()
		return &exitError{code: 2}
	})
	registerGlobalFlags(root.PersistentFlags(), opts)

	root.AddCommand(
		newBuildCommand(opts, stdout, stderr),
		newDoctorCommand(opts, stdout, stderr),
		newConfigCommand(opts, stdout),
		newVersionCommand(stdout),
	)
	return root
}

func registerGlobalFlags(fs *pflag.FlagSet, opts *globalOptions) {
	fs.CountVarP(&opts.verbose, "verbose", "v", "Increase log verbosity (-v info, -vv debug).")
	fs.StringVar(&opts.logLevel, "log-level", "", "Explicit log level: trace, debug, info, warn, error, none.")
	fs.StringVar(&opts.configPath, "config", "", "Path to config.toml (default: user config dir).")
	fs.StringVar(&opts.cargo, "cargo", "cargo", "Path to cargo binary.")
	fs.StringVar(&opts.rustc, "rustc", "rustc", "Path to rustc binary.")
	fs.StringVar(&opts.llvmConfig, "llvm-config", "llvm-config", "Path to llvm-config binary.")
	fs.DurationVar(&opts.timeout, "timeout", llvm.DefaultTimeout, "Timeout for each external tool invocation.")
	registerToolFlags(fs, &opts.tools)
}

// registerToolFlags binds the standard LLVM tool path flags to a ToolOverrides.
func registerToolFlags(fs *pflag.FlagSet, tools *llvm.ToolOverrides) {
	fs.StringVar(&tools.Opt, "opt", "", "Path to opt binary.")
	fs.StringVar(&tools.LLC, "llc", "", "Path to llc binary.")
	fs.StringVar(&tools.LLVMAr, "llvm-ar", "", "Path to llvm-ar binary.")
	fs.StringVar(&tools.LLVMNm, "llvm-nm", "", "Path to llvm-nm binary.")
}

// logger builds the shared logger from -v and --log-level.
func (o *globalOptions) logger(stderr io.Writer) (zerolog.Logger, error) {
	return logging.New(stderr, o.verbose, o.logLevel)
}

// loadConfig reads the config record, creating the default on first use.
func (o *globalOptions) loadConfig(log zerolog.Logger) (config.Record, string, error) {
	path := o.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return config.Record{}, "", err
		}
		path = p
	}
	rec, err := config.Load(o.fs, path, log)
	return rec, path, err
}

func newVersionCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(stdout, "cibuild %s\n", Version)
		},
	}
}

// cliErrorf returns an error that prints as "error: ..." and exits 1.
func cliErrorf(format string, args ...any) error {
	return &exitError{code: 1, err: fmt.Errorf("error: "+format, args...)}
}

// failed reports a pipeline error verbatim and exits 1.
func failed(err error) error {
	return &exitError{code: 1, err: err}
}

// usageErrorf prints a formatted error message and the command's usage, and
// exits 2.
func usageErrorf(cmd *cobra.Command, stderr io.Writer, format string, args ...any) error {
	fmt.Fprintf(stderr, "error: "+format+"\n", args...)
	cmd.SetOut(stderr)
	_ = cmd.Usage()
	return &exitError{code: 2}
}

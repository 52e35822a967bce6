package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kyleseneker/cibuild/internal/pipeline"
)

// runPipeline is swapped in tests.
var runPipeline = pipeline.Run

type buildOptions struct {
	target  string
	release bool
	example string
	skip    []string
	debug   bool
	jobs    int
	dir     string
	profile string
}

func newBuildCommand(g *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	opts := &buildOptions{}
	cmd := &cobra.Command{
		Use:   "build [flags]",
		Short: "Build and instrument the package's binaries",
		Long: `Run cargo build with IR emission, instrument every stale codegen unit
and relink each affected binary as <name>-ci.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBuild(cmd, g, opts, stdout, stderr)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&opts.target, "target", "", "Build for the target triple.")
	fs.BoolVarP(&opts.release, "release", "r", false, "Build artifacts in release mode.")
	fs.StringVar(&opts.example, "example", "", "Build only the specified example.")
	fs.StringArrayVarP(&opts.skip, "skip", "s", nil, "Crate to build without instrumentation. Repeat for multiple.")
	fs.BoolVarP(&opts.debug, "debug", "d", false, "Use the debug build of the instrumentation library and keep tool logs.")
	fs.IntVarP(&opts.jobs, "jobs", "j", runtime.NumCPU(), "Number of parallel instrumentation workers.")
	fs.StringVar(&opts.dir, "manifest-dir", "", "Directory containing Cargo.toml (default: current directory).")
	fs.StringVar(&opts.profile, "profile", "", "")
	_ = fs.MarkHidden("profile")
	return cmd
}

func runBuild(cmd *cobra.Command, g *globalOptions, opts *buildOptions, stdout, stderr io.Writer) error {
	if opts.jobs < 1 {
		return usageErrorf(cmd, stderr, "--jobs must be at least 1, got %d", opts.jobs)
	}
	log, err := g.logger(stderr)
	if err != nil {
		return usageErrorf(cmd, stderr, "%v", err)
	}
	rec, path, err := g.loadConfig(log)
	if err != nil {
		return cliErrorf("loading config: %v", err)
	}
	log.Debug().Str("config", path).Msg("loaded config")

	if opts.profile != "" {
		cleanup, err := startProfiling(opts.profile, stderr)
		if err != nil {
			fmt.Fprintf(stderr, "warning: profiling failed to start: %v\n", err)
		} else {
			defer cleanup()
		}
	}

	cfg := pipeline.Config{
		Dir:        opts.dir,
		Target:     opts.target,
		Release:    opts.release,
		Example:    opts.example,
		Skip:       opts.skip,
		Debug:      opts.debug,
		Verbose:    g.verbose > 0,
		Live:       isTerminal(stdout),
		Jobs:       opts.jobs,
		Timeout:    g.timeout,
		Record:     rec,
		Tools:      g.tools,
		Cargo:      g.cargo,
		Rustc:      g.rustc,
		LLVMConfig: g.llvmConfig,
		Fs:         g.fs,
		Log:        log,
		Stdout:     stdout,
		Stderr:     stderr,
	}
	if _, err := runPipeline(cmd.Context(), cfg); err != nil {
		return failed(err)
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

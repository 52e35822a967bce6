package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/kyleseneker/cibuild/internal/doctor"
)

// runDoctor is swapped in tests.
var runDoctor = doctor.Run

func newDoctorCommand(g *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check toolchain installation and version compatibility",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := g.logger(stderr)
			if err != nil {
				return usageErrorf(cmd, stderr, "%v", err)
			}
			rec, path, err := g.loadConfig(log)
			if err != nil {
				return cliErrorf("loading config: %v", err)
			}
			err = runDoctor(cmd.Context(), doctor.Config{
				Tools:      g.tools,
				Record:     rec,
				ConfigPath: path,
				Rustc:      g.rustc,
				LLVMConfig: g.llvmConfig,
				Fs:         g.fs,
				Stdout:     stdout,
				Stderr:     stderr,
				Timeout:    g.timeout,
			})
			if err != nil {
				return failed(err)
			}
			return nil
		},
	}
}

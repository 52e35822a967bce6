package cli

import (
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

func newConfigCommand(g *globalOptions, stdout io.Writer) *cobra.Command {
	var pathOnly bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the config file location and contents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := g.logger(cmd.ErrOrStderr())
			if err != nil {
				return usageErrorf(cmd, cmd.ErrOrStderr(), "%v", err)
			}
			rec, path, err := g.loadConfig(log)
			if err != nil {
				return cliErrorf("loading config: %v", err)
			}
			fmt.Fprintln(stdout, path)
			if pathOnly {
				return nil
			}
			fmt.Fprintln(stdout)
			if err := toml.NewEncoder(stdout).Encode(rec); err != nil {
				return cliErrorf("encoding config: %v", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&pathOnly, "path", false, "Print only the config file path.")
	return cmd
}

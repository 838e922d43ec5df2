package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/udpsas/internal/config"
)

func configCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long: "Prints defaults merged with the --config file and UDPSAS_ " +
			"environment overrides. The output is a valid configuration file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := config.Marshal(opts.cfg)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), string(out))
			return err
		},
	}
}

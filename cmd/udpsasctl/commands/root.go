package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/udpsas/internal/config"
)

// newRootCmd builds the top-level cobra command for udpsasctl.
func newRootCmd() *cobra.Command {
	var (
		configPath   string
		outputFormat string
	)

	opts := &globalOpts{}

	cmd := &cobra.Command{
		Use:   "udpsasctl",
		Short: "CLI client for udpsas reflectors",
		Long: "udpsasctl sends probes from a chosen local source address and " +
			"verifies that echoes return on the same address pair.",
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.format = outputFormat
			return nil
		},
		// Silence cobra's built-in usage/error printing so we control it.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to configuration file (YAML); probe defaults come from its probe section")
	cmd.PersistentFlags().StringVar(&outputFormat, "format", formatTable,
		"output format: table, json, yaml")

	cmd.AddCommand(pingCmd(opts))
	cmd.AddCommand(configCmd(opts))
	cmd.AddCommand(versionCmd())

	return cmd
}

// globalOpts carries state resolved by the root command to subcommands.
type globalOpts struct {
	cfg    *config.Config
	format string
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(out)
	return cmd.Execute()
}

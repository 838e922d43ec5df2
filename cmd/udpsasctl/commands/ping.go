package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dantte-lp/udpsas/internal/probe"
)

// Sentinel errors for CLI validation.
var (
	errSourceRequired = errors.New("--source flag is required")
	errProbesLost     = errors.New("no valid echoes received")
	errPayloadSize    = errors.New("invalid --size")
)

type pingFlags struct {
	source   string
	count    int
	interval time.Duration
	timeout  time.Duration
	size     string
	verbose  bool
}

func pingCmd(opts *globalOpts) *cobra.Command {
	var f pingFlags

	cmd := &cobra.Command{
		Use:   "ping <target-addr:port>",
		Short: "Probe a reflector from a chosen source address",
		Long: "Sends probes from --source to the target reflector and reports " +
			"round-trip times. Echoes that do not come back from the target " +
			"address or do not arrive on the source address are counted as mismatched.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.probeConfig(cmd, opts, args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			level := slog.LevelWarn
			if f.verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			res, runErr := probe.New(logger).Run(ctx, cfg)
			if runErr != nil && res.Sent == 0 {
				return runErr
			}

			out, err := formatResult(res, opts.format)
			if err != nil {
				return fmt.Errorf("format result: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), out)

			if runErr != nil {
				return runErr
			}
			if res.Received == 0 {
				return errProbesLost
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&f.source, "source", "s", "", "local source address (required)")
	cmd.Flags().IntVarP(&f.count, "count", "c", 0, "number of probes (default from config)")
	cmd.Flags().DurationVarP(&f.interval, "interval", "i", 0, "delay between probes (default from config)")
	cmd.Flags().DurationVarP(&f.timeout, "timeout", "W", 0, "wait for echoes after the last probe (default from config)")
	cmd.Flags().StringVar(&f.size, "size", "", "probe payload size, e.g. 64 or 1KiB (default from config)")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "log unexpected echoes")

	return cmd
}

// probeConfig merges flags that were set over the configured defaults.
func (f *pingFlags) probeConfig(cmd *cobra.Command, opts *globalOpts, target string) (probe.Config, error) {
	if f.source == "" {
		return probe.Config{}, errSourceRequired
	}

	targetAddr, err := netip.ParseAddrPort(target)
	if err != nil {
		return probe.Config{}, fmt.Errorf("parse target %q: %w", target, err)
	}

	sourceAddr, err := netip.ParseAddr(f.source)
	if err != nil {
		return probe.Config{}, fmt.Errorf("parse source %q: %w", f.source, err)
	}

	defaults := opts.cfg.Probe
	cfg := probe.Config{
		Target:      targetAddr,
		Source:      sourceAddr,
		Count:       defaults.Count,
		Interval:    defaults.Interval,
		Timeout:     defaults.Timeout,
		PayloadSize: defaults.PayloadSize,
	}

	flags := cmd.Flags()
	if flags.Changed("count") {
		cfg.Count = f.count
	}
	if flags.Changed("interval") {
		cfg.Interval = f.interval
	}
	if flags.Changed("timeout") {
		cfg.Timeout = f.timeout
	}
	if flags.Changed("size") {
		size, err := parseSize(f.size)
		if err != nil {
			return probe.Config{}, err
		}
		cfg.PayloadSize = size
	}

	return cfg, nil
}

// parseSize accepts a plain byte count or a humanized size such as 1KiB.
func parseSize(s string) (int, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %w", errPayloadSize, s, err)
	}
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("%w %q: too large", errPayloadSize, s)
	}
	return int(n), nil
}

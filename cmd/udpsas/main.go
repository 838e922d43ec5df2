// udpsas daemon -- UDP reflector that answers from the arrival address.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"slices"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/udpsas/internal/config"
	sasmetrics "github.com/dantte-lp/udpsas/internal/metrics"
	"github.com/dantte-lp/udpsas/internal/probe"
	"github.com/dantte-lp/udpsas/internal/reflector"
	"github.com/dantte-lp/udpsas/internal/server"
	appversion "github.com/dantte-lp/udpsas/internal/version"
)

// shutdownTimeout is the maximum time to wait for the admin HTTP server
// to drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("udpsas"))
		return 0
	}

	// 2. Load config.
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("udpsas starting",
		slog.String("version", appversion.Version),
		slog.Any("listen", cfg.Reflector.Listen),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := sasmetrics.NewCollector(reg)

	// 5. Create the reflector with metrics wired in.
	refl := reflector.New(logger,
		reflector.WithMetrics(collector),
		reflector.WithMaxPayload(cfg.Reflector.MaxPayload),
		reflector.WithReadBuffer(cfg.Reflector.ReadBuffer),
	)

	// 6. Create the probe monitor for the configured targets.
	targets, err := monitorTargets(cfg.Probe)
	if err != nil {
		logger.Error("invalid probe targets", slog.String("error", err.Error()))
		return 1
	}
	mon := probe.NewMonitor(logger, collector, cfg.Probe.Every, targets)

	// 7. Run.
	if err := runServers(cfg, refl, mon, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("udpsas exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("udpsas stopped")
	return 0
}

// runServers binds the reflector sockets and runs the reflector, the probe
// monitor and the admin HTTP server in an errgroup with a signal-aware
// context.
func runServers(
	cfg *config.Config,
	refl *reflector.Reflector,
	mon *probe.Monitor,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	addrs, err := cfg.Reflector.ListenAddrs()
	if err != nil {
		return err
	}

	// Bind before anything else so a busy port fails startup.
	listeners, err := refl.Bind(ctx, addrs)
	if err != nil {
		return fmt.Errorf("bind reflector: %w", err)
	}
	defer refl.Release(listeners)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return refl.Serve(gCtx, listeners...)
	})

	g.Go(func() error {
		return mon.Run(gCtx)
	})

	var adminSrv *http.Server
	if cfg.Metrics.Addr != "" {
		adminSrv = server.New(cfg.Metrics, reg, refl.Ready, logger)
		lc := net.ListenConfig{}
		g.Go(func() error {
			logger.Info("admin server listening",
				slog.String("addr", cfg.Metrics.Addr),
				slog.String("metrics_path", cfg.Metrics.Path),
			)
			return listenAndServe(gCtx, &lc, adminSrv, cfg.Metrics.Addr)
		})
	}

	startDaemonGoroutines(gCtx, g, configPath, cfg, logLevel, refl, logger)

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, adminSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startDaemonGoroutines registers the systemd watchdog and SIGHUP handler.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	cfg *config.Config,
	logLevel *slog.LevelVar,
	refl *reflector.Reflector,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, cfg, logLevel, refl, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// systemd integration
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends keepalives at half the WatchdogSec interval while the
// reflector is serving.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP reload
// -------------------------------------------------------------------------

func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	current *config.Config,
	logLevel *slog.LevelVar,
	refl *reflector.Reflector,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			if next := reloadConfig(configPath, current, logLevel, refl, logger); next != nil {
				current = next
			}
		}
	}
}

// reloadConfig applies the settings that can change without rebinding:
// log level and the oversize limit. It returns nil if the new file is
// invalid.
func reloadConfig(
	configPath string,
	current *config.Config,
	logLevel *slog.LevelVar,
	refl *reflector.Reflector,
	logger *slog.Logger,
) *config.Config {
	next, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return nil
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(next.Log.Level)
	logLevel.Set(newLevel)

	refl.SetMaxPayload(next.Reflector.MaxPayload)

	if !slices.Equal(current.Reflector.Listen, next.Reflector.Listen) ||
		current.Reflector.ReadBuffer != next.Reflector.ReadBuffer ||
		current.Metrics != next.Metrics ||
		!reflect.DeepEqual(current.Probe, next.Probe) {
		logger.Warn("listen, read_buffer, metrics and probe changes take effect after restart")
	}

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
		slog.Int("max_payload", next.Reflector.MaxPayload),
	)

	return next
}

// -------------------------------------------------------------------------
// Probe monitor
// -------------------------------------------------------------------------

// monitorTargets builds one probe configuration per configured target,
// sharing the count, interval, timeout and payload size.
func monitorTargets(pc config.ProbeConfig) ([]probe.Config, error) {
	targets := make([]probe.Config, 0, len(pc.Targets))
	for i, pt := range pc.Targets {
		target, source, err := pt.Parse()
		if err != nil {
			return nil, fmt.Errorf("probe.targets[%d]: %w", i, err)
		}
		targets = append(targets, probe.Config{
			Target:      target,
			Source:      source,
			Count:       pc.Count,
			Interval:    pc.Interval,
			Timeout:     pc.Timeout,
			PayloadSize: pc.PayloadSize,
		})
	}
	return targets, nil
}

// -------------------------------------------------------------------------
// Shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(ctx context.Context, logger *slog.Logger, srv *http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown admin server: %w", err)
	}
	return nil
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

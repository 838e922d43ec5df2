package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrInvalidEvery indicates a monitor round period that is not positive.
var ErrInvalidEvery = errors.New("monitor period must be > 0")

// MonitorMetrics records the outcome of monitoring rounds. Implemented by
// sasmetrics.Collector.
type MonitorMetrics interface {
	RTTObserver
	SetProbeLoss(target netip.AddrPort, source netip.Addr, loss float64)
}

// Monitor probes a fixed set of address pairs in rounds and records
// round-trip times and loss for each.
type Monitor struct {
	prober  *Prober
	logger  *slog.Logger
	metrics MonitorMetrics
	every   time.Duration
	targets []Config
}

// NewMonitor creates a Monitor that starts a round for every entry of
// targets each period every.
func NewMonitor(logger *slog.Logger, metrics MonitorMetrics, every time.Duration, targets []Config) *Monitor {
	return &Monitor{
		prober:  New(logger, WithRTTObserver(metrics)),
		logger:  logger.With(slog.String("component", "probe.monitor")),
		metrics: metrics,
		every:   every,
		targets: targets,
	}
}

// Run probes every target until ctx is cancelled. Each target runs in its
// own goroutine; a failed round is logged and counted as full loss.
func (m *Monitor) Run(ctx context.Context) error {
	if len(m.targets) == 0 {
		return nil
	}
	if m.every <= 0 {
		return ErrInvalidEvery
	}
	for _, cfg := range m.targets {
		if err := cfg.validate(); err != nil {
			return fmt.Errorf("monitor %s from %s: %w", cfg.Target, cfg.Source, err)
		}
	}

	m.logger.Info("monitor started",
		slog.Int("targets", len(m.targets)),
		slog.Duration("every", m.every),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, cfg := range m.targets {
		g.Go(func() error {
			m.watch(gctx, cfg)
			return nil
		})
	}

	return g.Wait()
}

func (m *Monitor) watch(ctx context.Context, cfg Config) {
	ticker := time.NewTicker(m.every)
	defer ticker.Stop()

	for {
		m.round(ctx, cfg)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) round(ctx context.Context, cfg Config) {
	res, err := m.prober.Run(ctx, cfg)
	if ctx.Err() != nil {
		return
	}

	loss := res.Loss()
	if err != nil {
		m.logger.Warn("probe round failed",
			slog.String("target", cfg.Target.String()),
			slog.String("source", cfg.Source.String()),
			slog.String("error", err.Error()),
		)
		if res.Sent == 0 {
			loss = 1
		}
	}

	m.metrics.SetProbeLoss(cfg.Target, cfg.Source, loss)

	m.logger.Debug("probe round",
		slog.String("target", cfg.Target.String()),
		slog.String("source", cfg.Source.String()),
		slog.Int("sent", res.Sent),
		slog.Int("received", res.Received),
		slog.Duration("avg_rtt", res.AvgRTT),
	)
}

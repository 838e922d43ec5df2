package probe_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/dantte-lp/udpsas/internal/netio"
	"github.com/dantte-lp/udpsas/internal/probe"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	valid := probe.Config{
		Target:      netip.MustParseAddrPort("127.0.0.1:7"),
		Source:      netip.MustParseAddr("127.0.0.1"),
		Count:       1,
		Timeout:     time.Second,
		PayloadSize: probe.HeaderSize,
	}

	tests := []struct {
		name    string
		modify  func(*probe.Config)
		wantErr error
	}{
		{"no target", func(c *probe.Config) { c.Target = netip.AddrPort{} }, probe.ErrInvalidTarget},
		{"zero port", func(c *probe.Config) { c.Target = netip.MustParseAddrPort("127.0.0.1:0") }, probe.ErrInvalidTarget},
		{"no source", func(c *probe.Config) { c.Source = netip.Addr{} }, probe.ErrInvalidSource},
		{"family mismatch", func(c *probe.Config) { c.Source = netip.MustParseAddr("::1") }, probe.ErrFamilyMismatch},
		{"zero count", func(c *probe.Config) { c.Count = 0 }, probe.ErrInvalidCount},
		{"zero timeout", func(c *probe.Config) { c.Timeout = 0 }, probe.ErrInvalidTimeout},
		{"short payload", func(c *probe.Config) { c.PayloadSize = probe.HeaderSize - 1 }, probe.ErrPayloadSize},
		{"huge payload", func(c *probe.Config) { c.PayloadSize = 1 << 17 }, probe.ErrPayloadSize},
		{"payload above ipv4 limit", func(c *probe.Config) { c.PayloadSize = netio.FamilyIPv4.MaxPayload() + 1 }, probe.ErrPayloadSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid
			tt.modify(&cfg)

			res, err := probe.New(discardLogger()).Run(context.Background(), cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Run() error = %v, want %v", err, tt.wantErr)
			}
			if res.Sent != 0 {
				t.Errorf("Sent = %d, want 0 for rejected config", res.Sent)
			}
		})
	}
}

func TestResultLoss(t *testing.T) {
	t.Parallel()

	tests := []struct {
		sent, received int
		want           float64
	}{
		{0, 0, 0},
		{4, 4, 0},
		{4, 3, 0.25},
		{4, 0, 1},
	}

	for _, tt := range tests {
		r := probe.Result{Sent: tt.sent, Received: tt.received}
		if got := r.Loss(); got != tt.want {
			t.Errorf("Result{Sent: %d, Received: %d}.Loss() = %v, want %v",
				tt.sent, tt.received, got, tt.want)
		}
	}
}

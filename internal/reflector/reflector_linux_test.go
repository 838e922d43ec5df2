//go:build linux

package reflector_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	sasmetrics "github.com/dantte-lp/udpsas/internal/metrics"
	"github.com/dantte-lp/udpsas/internal/netio"
	"github.com/dantte-lp/udpsas/internal/reflector"
)

const ioTimeout = 2 * time.Second

var (
	loopback  = netip.MustParseAddr("127.0.0.1")
	loopbackB = netip.MustParseAddr("127.0.0.2")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// serveT starts r on a wildcard IPv4 listener and returns the listener.
// The reflector is stopped and the listener closed at cleanup.
func serveT(t *testing.T, r *reflector.Reflector) *netio.Listener {
	t.Helper()

	ln, err := netio.NewListener(context.Background(), netip.MustParseAddrPort("0.0.0.0:0"))
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve() = %v", err)
			}
		case <-time.After(ioTimeout):
			t.Error("Serve did not return after cancel")
		}
		_ = ln.Close()
	})

	deadline := time.Now().Add(ioTimeout)
	for !r.Ready() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	return ln
}

func clientT(t *testing.T) *netio.Conn {
	t.Helper()

	c, err := netio.Bind(context.Background(), netip.MustParseAddrPort("0.0.0.0:0"))
	if err != nil {
		t.Fatalf("Bind client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func recvT(t *testing.T, c *netio.Conn, buf []byte) (int, netip.AddrPort, netip.Addr) {
	t.Helper()

	if err := c.SetReadDeadline(time.Now().Add(ioTimeout)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	n, peer, local, err := c.ReceiveTo(buf)
	if err != nil {
		t.Fatalf("ReceiveTo: %v", err)
	}

	return n, peer, local
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}

func TestReflectFromArrivalAddress(t *testing.T) {
	t.Parallel()

	collector := sasmetrics.NewCollector(prometheus.NewRegistry())
	r := reflector.New(discardLogger(), reflector.WithMetrics(collector))
	ln := serveT(t, r)
	cli := clientT(t)

	port := ln.Conn().LocalAddr().Port()
	buf := make([]byte, 256)

	for _, dst := range []netip.Addr{loopback, loopbackB} {
		target := netip.AddrPortFrom(dst, port)
		payload := []byte("hello " + dst.String())

		if _, err := cli.SendFrom(payload, target, loopback); err != nil {
			t.Fatalf("SendFrom(%s): %v", target, err)
		}

		n, peer, local := recvT(t, cli, buf)
		if string(buf[:n]) != string(payload) {
			t.Errorf("echo = %q, want %q", buf[:n], payload)
		}
		if peer != target {
			t.Errorf("echo source = %s, want %s", peer, target)
		}
		if local != loopback {
			t.Errorf("echo destination = %s, want %s", local, loopback)
		}
	}

	listener := ln.Conn().LocalAddr().String()
	for _, dst := range []netip.Addr{loopback, loopbackB} {
		if v := counterValue(t, collector.DatagramsReceived, listener, dst.String()); v != 1 {
			t.Errorf("received[%s] = %v, want 1", dst, v)
		}
		if v := counterValue(t, collector.DatagramsReflected, listener, dst.String()); v != 1 {
			t.Errorf("reflected[%s] = %v, want 1", dst, v)
		}
	}
}

func TestReflectDropsOversize(t *testing.T) {
	t.Parallel()

	collector := sasmetrics.NewCollector(prometheus.NewRegistry())
	r := reflector.New(discardLogger(),
		reflector.WithMetrics(collector),
		reflector.WithMaxPayload(8),
	)
	ln := serveT(t, r)
	cli := clientT(t)

	target := netip.AddrPortFrom(loopback, ln.Conn().LocalAddr().Port())

	if _, err := cli.SendFrom([]byte(strings.Repeat("x", 9)), target, loopback); err != nil {
		t.Fatalf("SendFrom oversize: %v", err)
	}
	if _, err := cli.SendFrom([]byte("small"), target, loopback); err != nil {
		t.Fatalf("SendFrom small: %v", err)
	}

	// Datagrams on one socket are handled in order, so the first echo is
	// the small one.
	buf := make([]byte, 64)
	n, _, _ := recvT(t, cli, buf)
	if string(buf[:n]) != "small" {
		t.Errorf("echo = %q, want \"small\"", buf[:n])
	}

	listener := ln.Conn().LocalAddr().String()
	if v := counterValue(t, collector.DatagramsDropped, listener, sasmetrics.DropReasonOversize); v != 1 {
		t.Errorf("dropped(oversize) = %v, want 1", v)
	}
	if v := counterValue(t, collector.DatagramsReceived, listener, loopback.String()); v != 2 {
		t.Errorf("received = %v, want 2", v)
	}
}

func TestServeReady(t *testing.T) {
	t.Parallel()

	r := reflector.New(discardLogger())
	if r.Ready() {
		t.Fatal("Ready() = true before Serve")
	}

	ln, err := netio.NewListener(context.Background(), netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, ln) }()

	deadline := time.Now().Add(ioTimeout)
	for !r.Ready() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !r.Ready() {
		t.Fatal("Ready() = false while serving")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(ioTimeout):
		t.Fatal("Serve did not return after cancel")
	}

	if r.Ready() {
		t.Error("Ready() = true after Serve returned")
	}
}

func TestRunNoAddrs(t *testing.T) {
	t.Parallel()

	err := reflector.New(discardLogger()).Run(context.Background(), nil)
	if !errors.Is(err, reflector.ErrNoAddrs) {
		t.Errorf("Run(nil) = %v, want ErrNoAddrs", err)
	}
}

func TestRunBindFailureReleasesListeners(t *testing.T) {
	t.Parallel()

	occupied := clientT(t)
	collector := sasmetrics.NewCollector(prometheus.NewRegistry())
	r := reflector.New(discardLogger(), reflector.WithMetrics(collector))

	addrs := []netip.AddrPort{
		netip.MustParseAddrPort("127.0.0.1:0"),
		netip.AddrPortFrom(netip.IPv4Unspecified(), occupied.LocalAddr().Port()),
	}

	if err := r.Run(context.Background(), addrs); err == nil {
		t.Fatal("Run with occupied port returned nil error")
	}

	if r.Ready() {
		t.Error("Ready() = true after failed Run")
	}

	m := &dto.Metric{}
	if err := collector.Listeners.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	if v := m.GetGauge().GetValue(); v != 0 {
		t.Errorf("listeners gauge = %v, want 0 after rollback", v)
	}
}

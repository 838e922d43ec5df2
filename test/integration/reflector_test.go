//go:build integration

package integration_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dantte-lp/udpsas/internal/config"
	sasmetrics "github.com/dantte-lp/udpsas/internal/metrics"
	"github.com/dantte-lp/udpsas/internal/probe"
	"github.com/dantte-lp/udpsas/internal/reflector"
)

// -------------------------------------------------------------------------
// Test environment - reflector + metrics endpoint from a YAML config
// -------------------------------------------------------------------------

type reflectorEnv struct {
	refl    *reflector.Reflector
	ports   []uint16
	metrics *httptest.Server
}

// newReflectorEnv loads yamlContent, binds every configured listen address
// and serves until the test ends.
func newReflectorEnv(t *testing.T, yamlContent string) *reflectorEnv {
	t.Helper()

	path := filepath.Join(t.TempDir(), "udpsas.yml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	addrs, err := cfg.Reflector.ListenAddrs()
	if err != nil {
		t.Fatalf("ListenAddrs: %v", err)
	}

	reg := prometheus.NewRegistry()
	collector := sasmetrics.NewCollector(reg)
	refl := reflector.New(slog.New(slog.DiscardHandler),
		reflector.WithMetrics(collector),
		reflector.WithMaxPayload(cfg.Reflector.MaxPayload),
	)

	listeners, err := refl.Bind(t.Context(), addrs)
	if err != nil {
		t.Skipf("bind %v: %v", addrs, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- refl.Serve(ctx, listeners...) }()

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		refl.Release(listeners)
	})

	env := &reflectorEnv{refl: refl, metrics: srv}
	for _, ln := range listeners {
		env.ports = append(env.ports, ln.Conn().LocalAddr().Port())
	}
	return env
}

func (env *reflectorEnv) scrape(t *testing.T) string {
	t.Helper()

	resp, err := env.metrics.Client().Get(env.metrics.URL + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read scrape: %v", err)
	}
	return string(body)
}

func runProbe(t *testing.T, target netip.AddrPort, source netip.Addr, size int) probe.Result {
	t.Helper()

	res, err := probe.New(slog.New(slog.DiscardHandler)).Run(t.Context(), probe.Config{
		Target:      target,
		Source:      source,
		Count:       3,
		Interval:    time.Millisecond,
		Timeout:     300 * time.Millisecond,
		PayloadSize: size,
	})
	if err != nil {
		t.Fatalf("probe %s from %s: %v", target, source, err)
	}
	return res
}

// -------------------------------------------------------------------------
// Tests
// -------------------------------------------------------------------------

// TestReflectorProbeLoopbackAliases probes a wildcard reflector on two
// loopback addresses and checks that each echo returns from the address
// that was targeted.
func TestReflectorProbeLoopbackAliases(t *testing.T) {
	env := newReflectorEnv(t, `
reflector:
  listen: ["0.0.0.0:0"]
`)

	source := netip.MustParseAddr("127.0.0.1")
	for _, dst := range []string{"127.0.0.1", "127.0.0.2", "127.0.0.3"} {
		target := netip.AddrPortFrom(netip.MustParseAddr(dst), env.ports[0])

		res := runProbe(t, target, source, 64)
		if res.Received != 3 || res.Mismatched != 0 {
			t.Errorf("probe %s: received=%d mismatched=%d, want 3/0", target, res.Received, res.Mismatched)
		}
	}

	body := env.scrape(t)
	for _, dst := range []string{"127.0.0.1", "127.0.0.2", "127.0.0.3"} {
		want := `udpsas_reflector_datagrams_reflected_total{listener="0.0.0.0:` +
			strconv.Itoa(int(env.ports[0])) + `",local_addr="` + dst + `"} 3`
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %s", want)
		}
	}
}

// TestReflectorDualStack sends IPv4 probes to an IPv6 wildcard socket. The
// listener is dual-stack, reports plain IPv4 destinations and answers
// from the targeted IPv4 address.
func TestReflectorDualStack(t *testing.T) {
	env := newReflectorEnv(t, `
reflector:
  listen: ["[::]:0"]
`)

	target := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.2"), env.ports[0])
	res := runProbe(t, target, netip.MustParseAddr("127.0.0.1"), 32)
	if res.Received != 3 || res.Mismatched != 0 {
		t.Errorf("dual-stack probe: received=%d mismatched=%d, want 3/0", res.Received, res.Mismatched)
	}

	v6 := netip.AddrPortFrom(netip.IPv6Loopback(), env.ports[0])
	res = runProbe(t, v6, netip.IPv6Loopback(), 32)
	if res.Received != 3 {
		t.Errorf("IPv6 probe: received=%d, want 3", res.Received)
	}

	body := env.scrape(t)
	listener := `listener="[::]:` + strconv.Itoa(int(env.ports[0])) + `"`
	for _, local := range []string{"127.0.0.2", "::1"} {
		want := `udpsas_reflector_datagrams_reflected_total{` + listener + `,local_addr="` + local + `"} 3`
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %s:\n%s", want, body)
		}
	}
}

// TestReflectorMaxPayload checks that oversize probes are dropped and
// counted.
func TestReflectorMaxPayload(t *testing.T) {
	env := newReflectorEnv(t, `
reflector:
  listen: ["127.0.0.1:0"]
  max_payload: 100
`)

	target := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), env.ports[0])
	res := runProbe(t, target, netip.MustParseAddr("127.0.0.1"), 200)
	if res.Sent != 3 || res.Received != 0 {
		t.Errorf("oversize probe: sent=%d received=%d, want 3/0", res.Sent, res.Received)
	}

	body := env.scrape(t)
	if !strings.Contains(body, `reason="oversize"} 3`) {
		t.Errorf("scrape missing oversize drops:\n%s", body)
	}
}

// Package probe measures round trips to a UDP reflector from a chosen
// local source address and checks that echoes come back on the same
// address pair.
package probe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/udpsas/internal/netio"
)

// HeaderSize is the probe header: an 8-byte sequence number followed by
// an 8-byte send timestamp in Unix nanoseconds, both big-endian.
const HeaderSize = 16

// Validation errors.
var (
	ErrInvalidTarget  = errors.New("probe target must be a valid address and port")
	ErrInvalidSource  = errors.New("probe source must be a valid address")
	ErrFamilyMismatch = errors.New("probe source and target address families differ")
	ErrInvalidCount   = errors.New("probe count must be >= 1")
	ErrInvalidTimeout = errors.New("probe timeout must be > 0")
	ErrPayloadSize    = errors.New("probe payload size out of range")
)

// Config describes one probe run.
type Config struct {
	// Target is the reflector address.
	Target netip.AddrPort
	// Source is the local address probes are sent from. Echoes must
	// arrive on it.
	Source netip.Addr
	// Count is the number of probes.
	Count int
	// Interval is the delay between probes. Zero sends back to back.
	Interval time.Duration
	// Timeout is how long to wait for echoes after the last probe.
	Timeout time.Duration
	// PayloadSize is the datagram size, at least HeaderSize and at most
	// the target family's MaxPayload.
	PayloadSize int
}

func (c Config) validate() error {
	if !c.Target.IsValid() || c.Target.Port() == 0 {
		return ErrInvalidTarget
	}
	if !c.Source.IsValid() {
		return ErrInvalidSource
	}
	if netio.FamilyOf(c.Source) != netio.FamilyOf(c.Target.Addr()) {
		return fmt.Errorf("%w: source %s, target %s", ErrFamilyMismatch, c.Source, c.Target.Addr())
	}
	if c.Count < 1 {
		return ErrInvalidCount
	}
	if c.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	if limit := netio.FamilyOf(c.Target.Addr()).MaxPayload(); c.PayloadSize < HeaderSize || c.PayloadSize > limit {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrPayloadSize, c.PayloadSize, HeaderSize, limit)
	}
	return nil
}

// Result summarizes a probe run.
type Result struct {
	Target netip.AddrPort
	Source netip.Addr

	// Sent is the number of probes sent.
	Sent int
	// Received is the number of distinct, valid echoes.
	Received int
	// Mismatched counts echoes from the wrong peer, arriving on the
	// wrong local address, or carrying an unknown sequence number.
	Mismatched int
	// Duplicates counts repeated echoes of an already received probe.
	Duplicates int

	MinRTT time.Duration
	AvgRTT time.Duration
	MaxRTT time.Duration
}

// Loss returns the fraction of sent probes without a valid echo.
func (r Result) Loss() float64 {
	if r.Sent == 0 {
		return 0
	}
	return float64(r.Sent-r.Received) / float64(r.Sent)
}

// RTTObserver records round-trip times. Implemented by
// sasmetrics.Collector.
type RTTObserver interface {
	ObserveProbeRTT(target netip.AddrPort, source netip.Addr, rtt time.Duration)
}

// Option configures a Prober.
type Option func(*Prober)

// WithRTTObserver reports each valid round trip to o.
func WithRTTObserver(o RTTObserver) Option {
	return func(p *Prober) {
		p.rtt = o
	}
}

// Prober sends probes and collects echoes.
type Prober struct {
	logger *slog.Logger
	rtt    RTTObserver
}

// New creates a Prober.
func New(logger *slog.Logger, opts ...Option) *Prober {
	p := &Prober{
		logger: logger.With(slog.String("component", "probe")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run sends cfg.Count probes from cfg.Source to cfg.Target and waits for
// their echoes. It returns early once every probe has been answered.
//
// If ctx is cancelled the partial Result is returned along with the
// context error.
func (p *Prober) Run(ctx context.Context, cfg Config) (Result, error) {
	res := Result{Target: cfg.Target, Source: cfg.Source}

	if err := cfg.validate(); err != nil {
		return res, fmt.Errorf("probe: %w", err)
	}

	family := netio.FamilyOf(cfg.Target.Addr())
	wildcard := netip.IPv4Unspecified()
	if family == netio.FamilyIPv6 {
		wildcard = netip.IPv6Unspecified()
	}

	conn, err := netio.Bind(ctx, netip.AddrPortFrom(wildcard, 0))
	if err != nil {
		return res, fmt.Errorf("probe: %w", err)
	}
	defer conn.Close()

	g, gctx := errgroup.WithContext(ctx)

	var sent int
	g.Go(func() error {
		var sendErr error
		sent, sendErr = p.send(gctx, conn, cfg)
		return sendErr
	})

	st := &stats{expected: cfg.Count, seen: make([]bool, cfg.Count)}
	g.Go(func() error {
		return p.receive(gctx, conn, cfg, st)
	})

	err = g.Wait()

	res.Sent = sent
	st.fill(&res)

	if err != nil {
		return res, fmt.Errorf("probe %s from %s: %w", cfg.Target, cfg.Source, err)
	}

	return res, nil
}

// send transmits probes and then arms the read deadline for the final
// echo window.
func (p *Prober) send(ctx context.Context, conn *netio.Conn, cfg Config) (int, error) {
	payload := make([]byte, cfg.PayloadSize)
	sent := 0

	var ticker *time.Ticker
	if cfg.Interval > 0 {
		ticker = time.NewTicker(cfg.Interval)
		defer ticker.Stop()
	}

	for seq := range cfg.Count {
		if seq > 0 && ticker != nil {
			select {
			case <-ctx.Done():
				return sent, ctx.Err()
			case <-ticker.C:
			}
		}

		putHeader(payload, uint64(seq), time.Now())
		if _, err := conn.SendFrom(payload, cfg.Target, cfg.Source); err != nil {
			return sent, fmt.Errorf("send probe %d: %w", seq, err)
		}
		sent++
	}

	if err := conn.SetReadDeadline(time.Now().Add(cfg.Timeout)); err != nil {
		return sent, err
	}

	return sent, nil
}

// receive collects echoes until every probe is answered, the read
// deadline expires, or ctx is cancelled.
func (p *Prober) receive(ctx context.Context, conn *netio.Conn, cfg Config, st *stats) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, netio.MaxDatagramSize)
	target := netip.AddrPortFrom(cfg.Target.Addr().Unmap(), cfg.Target.Port())
	source := cfg.Source.Unmap()

	for st.received < st.expected {
		n, peer, local, err := conn.ReceiveTo(buf)
		now := time.Now()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil
			}
			if errors.Is(err, netio.ErrInvalidData) {
				st.mismatched++
				continue
			}
			return err
		}

		if peer != target || local != source || n < HeaderSize {
			p.logger.Debug("unexpected echo",
				slog.String("peer", peer.String()),
				slog.String("local", local.String()),
				slog.Int("size", n),
			)
			st.mismatched++
			continue
		}

		seq, ts := readHeader(buf[:n])
		if seq >= uint64(st.expected) {
			st.mismatched++
			continue
		}
		if st.seen[seq] {
			st.duplicates++
			continue
		}
		st.seen[seq] = true

		rtt := now.Sub(ts)
		st.add(rtt)
		if p.rtt != nil {
			p.rtt.ObserveProbeRTT(cfg.Target, cfg.Source, rtt)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Wire format and statistics
// -------------------------------------------------------------------------

func putHeader(b []byte, seq uint64, t time.Time) {
	binary.BigEndian.PutUint64(b[0:8], seq)
	binary.BigEndian.PutUint64(b[8:16], uint64(t.UnixNano()))
}

func readHeader(b []byte) (uint64, time.Time) {
	seq := binary.BigEndian.Uint64(b[0:8])
	ts := int64(binary.BigEndian.Uint64(b[8:16]))
	return seq, time.Unix(0, ts)
}

// stats is owned by the receive goroutine until Run reads it after Wait.
type stats struct {
	expected   int
	seen       []bool
	received   int
	mismatched int
	duplicates int
	min, max   time.Duration
	total      time.Duration
}

func (s *stats) add(rtt time.Duration) {
	if s.received == 0 || rtt < s.min {
		s.min = rtt
	}
	if rtt > s.max {
		s.max = rtt
	}
	s.total += rtt
	s.received++
}

func (s *stats) fill(r *Result) {
	r.Received = s.received
	r.Mismatched = s.mismatched
	r.Duplicates = s.duplicates
	if s.received > 0 {
		r.MinRTT = s.min
		r.MaxRTT = s.max
		r.AvgRTT = s.total / time.Duration(s.received)
	}
}

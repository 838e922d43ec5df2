// Package reflector implements a UDP echo service that answers every
// datagram from the local address it arrived on.
//
// A reflector bound to a wildcard address on a multihomed host therefore
// replies with the source address the client targeted, which is what
// stateful firewalls and NAT bindings on the return path expect.
package reflector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"

	sasmetrics "github.com/dantte-lp/udpsas/internal/metrics"
	"github.com/dantte-lp/udpsas/internal/netio"
)

// ErrNoAddrs indicates Bind was called without listen addresses.
var ErrNoAddrs = errors.New("reflector: no listen addresses")

// Metrics records reflector traffic. Implemented by sasmetrics.Collector.
type Metrics interface {
	netio.ReceiveErrorRecorder
	RegisterListener()
	UnregisterListener()
	IncReceived(listener netip.AddrPort, local netip.Addr, size int)
	IncReflected(listener netip.AddrPort, local netip.Addr, size int)
	IncDropped(listener netip.AddrPort, reason string)
}

// noopMetrics discards everything.
type noopMetrics struct{}

func (noopMetrics) IncReceiveErrors(netip.AddrPort, string) {}
func (noopMetrics) RegisterListener() {}
func (noopMetrics) UnregisterListener() {}
func (noopMetrics) IncReceived(netip.AddrPort, netip.Addr, int) {}
func (noopMetrics) IncReflected(netip.AddrPort, netip.Addr, int) {}
func (noopMetrics) IncDropped(netip.AddrPort, string) {}

// Option configures a Reflector.
type Option func(*Reflector)

// WithMetrics records traffic in m.
func WithMetrics(m Metrics) Option {
	return func(r *Reflector) {
		r.metrics = m
	}
}

// WithMaxPayload drops datagrams larger than n bytes. Zero disables the
// limit.
func WithMaxPayload(n int) Option {
	return func(r *Reflector) {
		r.maxPayload.Store(int64(n))
	}
}

// WithReadBuffer sets SO_RCVBUF on every bound socket. Zero keeps the
// kernel default.
func WithReadBuffer(n int) Option {
	return func(r *Reflector) {
		r.readBuffer = n
	}
}

// Reflector echoes datagrams back to their sender.
type Reflector struct {
	base       *slog.Logger
	logger     *slog.Logger
	metrics    Metrics
	maxPayload atomic.Int64
	readBuffer int
	ready      atomic.Bool
}

// New creates a Reflector.
func New(logger *slog.Logger, opts ...Option) *Reflector {
	r := &Reflector{
		base:    logger,
		logger:  logger.With(slog.String("component", "reflector")),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetMaxPayload changes the oversize limit while serving.
func (r *Reflector) SetMaxPayload(n int) {
	r.maxPayload.Store(int64(n))
}

// Ready reports whether all listeners are bound and serving.
func (r *Reflector) Ready() bool {
	return r.ready.Load()
}

// Run binds every address in addrs and reflects datagrams until ctx is
// cancelled. If any bind fails, sockets already bound are closed and the
// error is returned.
func (r *Reflector) Run(ctx context.Context, addrs []netip.AddrPort) error {
	listeners, err := r.Bind(ctx, addrs)
	if err != nil {
		return err
	}
	defer r.Release(listeners)

	return r.Serve(ctx, listeners...)
}

// Serve reflects datagrams arriving on already bound listeners until ctx
// is cancelled or every listener is closed. The caller owns the
// listeners.
func (r *Reflector) Serve(ctx context.Context, listeners ...*netio.Listener) error {
	r.ready.Store(true)
	defer r.ready.Store(false)

	rcv := netio.NewReceiver(r, r.base, netio.WithReceiveErrorRecorder(r.metrics))
	if err := rcv.Run(ctx, listeners...); err != nil {
		return fmt.Errorf("reflector: %w", err)
	}

	return nil
}

// Bind opens a listener with destination reporting on every address.
// If any bind fails, sockets already bound are closed.
func (r *Reflector) Bind(ctx context.Context, addrs []netip.AddrPort) ([]*netio.Listener, error) {
	if len(addrs) == 0 {
		return nil, ErrNoAddrs
	}

	listeners := make([]*netio.Listener, 0, len(addrs))

	for _, addr := range addrs {
		ln, err := netio.NewListener(ctx, addr)
		if err == nil && r.readBuffer > 0 {
			if bufErr := ln.Conn().SetReadBuffer(r.readBuffer); bufErr != nil {
				err = errors.Join(bufErr, ln.Close())
			}
		}
		if err != nil {
			r.Release(listeners)
			return nil, fmt.Errorf("reflector bind %s: %w", addr, err)
		}

		r.metrics.RegisterListener()
		r.logger.Info("listening", slog.String("addr", ln.Conn().LocalAddr().String()))
		listeners = append(listeners, ln)
	}

	return listeners, nil
}

// Release closes listeners obtained from Bind.
func (r *Reflector) Release(listeners []*netio.Listener) {
	for _, ln := range listeners {
		if err := ln.Close(); err != nil {
			r.logger.Warn("close listener",
				slog.String("addr", ln.Conn().LocalAddr().String()),
				slog.String("error", err.Error()),
			)
		}
		r.metrics.UnregisterListener()
	}
}

// HandleDatagram sends d back to its peer from d.Local.
func (r *Reflector) HandleDatagram(_ context.Context, conn *netio.Conn, d netio.Datagram) {
	listener := conn.LocalAddr()
	r.metrics.IncReceived(listener, d.Local, len(d.Payload))

	if limit := r.maxPayload.Load(); limit > 0 && int64(len(d.Payload)) > limit {
		r.metrics.IncDropped(listener, sasmetrics.DropReasonOversize)
		r.logger.Debug("dropped oversize datagram",
			slog.String("peer", d.Peer.String()),
			slog.Int("size", len(d.Payload)),
		)
		return
	}

	if _, err := conn.SendFrom(d.Payload, d.Peer, d.Local); err != nil {
		r.metrics.IncDropped(listener, sasmetrics.DropReasonSendFailed)
		r.logger.Warn("reflect failed",
			slog.String("peer", d.Peer.String()),
			slog.String("local", d.Local.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	r.metrics.IncReflected(listener, d.Local, len(d.Payload))
}

package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
)

// ErrNoListeners indicates that Run was called without any listeners.
var ErrNoListeners = errors.New("receiver run: no listeners provided")

// Handler processes datagrams read by a Receiver. The datagram payload is
// only valid until HandleDatagram returns. Replies go out through conn,
// typically with conn.SendFrom(reply, d.Peer, d.Local).
type Handler interface {
	HandleDatagram(ctx context.Context, conn *Conn, d Datagram)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, conn *Conn, d Datagram)

// HandleDatagram calls f(ctx, conn, d).
func (f HandlerFunc) HandleDatagram(ctx context.Context, conn *Conn, d Datagram) {
	f(ctx, conn, d)
}

// ReceiveErrorRecorder counts receive failures per listener. Implemented
// by the metrics collector.
type ReceiveErrorRecorder interface {
	IncReceiveErrors(listener netip.AddrPort, reason string)
}

// Receive error reasons used as metric label values.
const (
	ReasonNoLocalAddr = "no_local_addr"
	ReasonNoPeerAddr  = "no_peer_addr"
	ReasonTruncated   = "truncated"
	ReasonSyscall     = "syscall"
)

// Receiver reads datagrams from one or more Listeners and passes each to
// a Handler.
type Receiver struct {
	handler Handler
	logger  *slog.Logger
	errs    ReceiveErrorRecorder
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithReceiveErrorRecorder counts receive failures in rec.
func WithReceiveErrorRecorder(rec ReceiveErrorRecorder) ReceiverOption {
	return func(r *Receiver) {
		r.errs = rec
	}
}

// NewReceiver creates a Receiver that dispatches datagrams to handler.
func NewReceiver(handler Handler, logger *slog.Logger, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		handler: handler,
		logger:  logger.With(slog.String("component", "netio.receiver")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reads from all listeners concurrently until ctx is cancelled.
// Each listener gets its own goroutine. Run blocks until all listener
// goroutines complete.
//
// Errors from individual reads are logged but do not stop the receiver.
// Only context cancellation terminates the loop.
func (r *Receiver) Run(ctx context.Context, listeners ...*Listener) error {
	if len(listeners) == 0 {
		return fmt.Errorf("receiver: %w", ErrNoListeners)
	}

	done := make(chan struct{}, len(listeners))

	for _, ln := range listeners {
		go func(l *Listener) {
			r.recvLoop(ctx, l)
			done <- struct{}{}
		}(ln)
	}

	for range len(listeners) {
		<-done
	}

	return nil
}

// recvLoop reads datagrams from a single Listener until ctx is cancelled
// or the socket is closed.
func (r *Receiver) recvLoop(ctx context.Context, ln *Listener) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := r.recvOne(ctx, ln); err != nil {
			// Context cancellation during read is expected at shutdown.
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrSocketClosed) || errors.Is(err, net.ErrClosed) {
				r.logger.Info("listener closed",
					slog.String("addr", ln.Conn().LocalAddr().String()),
				)
				return
			}
			r.logger.Warn("recv error",
				slog.String("addr", ln.Conn().LocalAddr().String()),
				slog.String("error", err.Error()),
			)
			r.recordError(ln, err)
		}
	}
}

// recvOne performs a single receive-handle cycle. The pooled buffer is
// released after the handler returns.
func (r *Receiver) recvOne(ctx context.Context, ln *Listener) error {
	d, err := ln.Recv(ctx)
	if err != nil {
		return fmt.Errorf("recv: %w", err)
	}
	defer ReleaseDatagram(d)

	r.handler.HandleDatagram(ctx, ln.Conn(), d)

	return nil
}

func (r *Receiver) recordError(ln *Listener, err error) {
	if r.errs == nil {
		return
	}

	reason := ReasonSyscall
	switch {
	case errors.Is(err, ErrNoLocalAddr):
		reason = ReasonNoLocalAddr
	case errors.Is(err, ErrNoPeerAddr):
		reason = ReasonNoPeerAddr
	case errors.Is(err, ErrTruncated):
		reason = ReasonTruncated
	}

	r.errs.IncReceiveErrors(ln.Conn().LocalAddr(), reason)
}

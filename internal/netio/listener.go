package netio

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// MaxDatagramSize is the largest UDP payload a single datagram can carry
// without IPv6 jumbograms.
const MaxDatagramSize = 65535

// PacketPool provides reusable receive buffers of MaxDatagramSize bytes.
// Get returns a *[]byte.
var PacketPool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxDatagramSize)
		return &buf
	},
}

// ReleaseDatagram returns the payload buffer of a datagram obtained from
// Listener.Recv to PacketPool. d.Payload must not be used afterwards.
func ReleaseDatagram(d Datagram) {
	if cap(d.Payload) != MaxDatagramSize {
		return
	}
	buf := d.Payload[:MaxDatagramSize]
	PacketPool.Put(&buf)
}

// -------------------------------------------------------------------------
// Listener - context-aware receive on one Conn
// -------------------------------------------------------------------------

// Listener wraps a Conn and provides a context-aware receive call with
// pooled buffers.
type Listener struct {
	conn *Conn
}

// NewListener binds a Conn on addr with destination reporting enabled.
func NewListener(ctx context.Context, addr netip.AddrPort) (*Listener, error) {
	conn, err := Bind(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("create listener on %s: %w", addr, err)
	}

	return &Listener{conn: conn}, nil
}

// NewListenerFromConn creates a Listener from an existing Conn.
func NewListenerFromConn(conn *Conn) *Listener {
	return &Listener{conn: conn}
}

// Conn returns the underlying socket, for replies.
func (l *Listener) Conn() *Conn {
	return l.conn
}

// Recv blocks until a datagram arrives or ctx is cancelled. The payload
// lives in a PacketPool buffer that the caller hands back with
// ReleaseDatagram.
//
// Datagrams lacking peer or destination metadata are consumed and
// reported as errors matching ErrInvalidData.
func (l *Listener) Recv(ctx context.Context) (Datagram, error) {
	if err := ctx.Err(); err != nil {
		return Datagram{}, fmt.Errorf("listener recv: %w", err)
	}

	bufp, ok := PacketPool.Get().(*[]byte)
	if !ok {
		return Datagram{}, fmt.Errorf("listener recv: %w", ErrPoolType)
	}

	// Unblock the poller wait when ctx ends.
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = l.conn.SetReadDeadline(time.Now())
		close(fired)
	})
	n, peer, local, err := l.conn.ReceiveTo(*bufp)
	if !stop() {
		<-fired
		_ = l.conn.SetReadDeadline(time.Time{})
	}

	if err != nil {
		PacketPool.Put(bufp)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Datagram{}, fmt.Errorf("listener recv: %w", errors.Join(ctxErr, err))
		}
		return Datagram{}, fmt.Errorf("listener recv: %w", err)
	}

	return Datagram{
		Payload: (*bufp)[:n],
		Peer:    peer,
		Local:   local,
	}, nil
}

// Close closes the underlying Conn.
func (l *Listener) Close() error {
	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}

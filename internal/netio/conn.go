package netio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"
)

// -------------------------------------------------------------------------
// Conn - source-address-aware UDP socket
// -------------------------------------------------------------------------

// Conn is a non-blocking UDP socket that sends datagrams from a chosen
// local address and reports the local address every datagram arrived on.
//
// The socket is registered with the Go runtime network poller, which
// waits for readiness on behalf of SendFrom and ReceiveTo. TrySendFrom
// and TryReceiveTo make a single attempt and return ErrWouldBlock
// instead of waiting.
//
// As with a raw socket, concurrent sends and receives are safe; callers
// sending from several goroutines get no ordering guarantee.
type Conn struct {
	conn   *net.UDPConn
	raw    syscall.RawConn
	family Family
	local  netip.AddrPort
	mu     sync.Mutex
	closed bool
}

// Bind creates a UDP socket bound to laddr with destination reporting
// enabled. The socket family follows laddr: "0.0.0.0:0" gives an IPv4
// socket, "[::]:0" an IPv6 one.
//
// An IPv6 wildcard is bound dual-stack where the host allows it, so IPv4
// datagrams arrive on it as well. Their peer and local addresses are
// reported as plain IPv4 addresses.
func Bind(ctx context.Context, laddr netip.AddrPort) (*Conn, error) {
	family := FamilyOf(laddr.Addr())
	if family == FamilyUnspec {
		return nil, fmt.Errorf("bind %s: %w", laddr, ErrUnsupportedFamily)
	}

	network := family.Network()
	if family == FamilyIPv6 && laddr.Addr().IsUnspecified() {
		network = "udp"
	}

	lc := net.ListenConfig{}

	pc, err := lc.ListenPacket(ctx, network, laddr.String())
	if err != nil {
		return nil, fmt.Errorf("listen UDP %s: %w", laddr, err)
	}

	udpConn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return nil, errors.Join(
			fmt.Errorf("listen UDP %s: %w", laddr, ErrUnexpectedConnType),
			closeErr,
		)
	}

	c, err := newConn(udpConn)
	if err != nil {
		return nil, errors.Join(err, udpConn.Close())
	}

	if err := c.EnableDestinationReporting(); err != nil {
		return nil, errors.Join(fmt.Errorf("bind %s: %w", laddr, err), udpConn.Close())
	}

	return c, nil
}

// WrapConn adopts an existing UDP socket without changing its options.
// Call EnableDestinationReporting before relying on ReceiveTo. The Conn
// takes ownership: closing it closes c.
func WrapConn(c *net.UDPConn) (*Conn, error) {
	return newConn(c)
}

// newConn determines the family from the bound local address.
func newConn(c *net.UDPConn) (*Conn, error) {
	udpAddr, ok := c.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("local address %v: %w", c.LocalAddr(), ErrUnexpectedConnType)
	}

	local := udpAddr.AddrPort()
	family := FamilyOf(local.Addr())
	if family == FamilyUnspec {
		return nil, fmt.Errorf("local address %s: %w", local, ErrUnsupportedFamily)
	}

	raw, err := c.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("syscall conn %s: %w", local, err)
	}

	return &Conn{
		conn:   c,
		raw:    raw,
		family: family,
		local:  netip.AddrPortFrom(local.Addr().Unmap(), local.Port()),
	}, nil
}

// Family returns the socket address family.
func (c *Conn) Family() Family {
	return c.family
}

// LocalAddr returns the address and port the socket is bound to. For a
// wildcard bind the address is the wildcard itself.
func (c *Conn) LocalAddr() netip.AddrPort {
	return c.local
}

// SetReadDeadline bounds how long ReceiveTo waits for a datagram.
func (c *Conn) SetReadDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	return nil
}

// SetWriteDeadline bounds how long SendFrom waits for buffer space.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	if err := c.conn.SetWriteDeadline(t); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return nil
}

// SetReadBuffer sets SO_RCVBUF on the socket.
func (c *Conn) SetReadBuffer(bytes int) error {
	if err := c.conn.SetReadBuffer(bytes); err != nil {
		return fmt.Errorf("set read buffer on %s: %w", c.local, err)
	}
	return nil
}

// Close releases the underlying socket. Closing twice is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close UDP socket %s: %w", c.local, err)
	}
	return nil
}

// isClosed reports whether Close has been called.
func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// checkSendArgs enforces that SendFrom always names both ends.
func checkSendArgs(target netip.AddrPort, source netip.Addr) error {
	if !target.IsValid() {
		return ErrNoTarget
	}
	if !source.IsValid() {
		return ErrNoSource
	}
	return nil
}

// requireAddrs turns the missing-metadata cases of RecvMsg into
// ErrNoPeerAddr and ErrNoLocalAddr.
func requireAddrs(peer netip.AddrPort, local netip.Addr) error {
	if !peer.IsValid() {
		return ErrNoPeerAddr
	}
	if !local.IsValid() {
		return ErrNoLocalAddr
	}
	return nil
}

//go:build linux || darwin

package netio

import (
	"errors"
	"fmt"
	"net/netip"
)

// EnableDestinationReporting turns on IP_PKTINFO or IPV6_RECVPKTINFO for
// the socket. Bind calls it; sockets adopted with WrapConn need it once.
func (c *Conn) EnableDestinationReporting() error {
	if c.isClosed() {
		return ErrSocketClosed
	}
	return enableOnRawConn(c.raw, c.family)
}

// SendFrom sends payload to target with source as the datagram's source
// address, waiting for buffer space if the socket is not writable.
// It returns the number of bytes sent, which on success is len(payload).
func (c *Conn) SendFrom(payload []byte, target netip.AddrPort, source netip.Addr) (int, error) {
	if err := checkSendArgs(target, source); err != nil {
		return 0, err
	}
	if c.isClosed() {
		return 0, ErrSocketClosed
	}

	var (
		n     int
		opErr error
	)
	err := c.raw.Write(func(fd uintptr) bool {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		n, opErr = SendMsg(int(fd), c.family, payload, target, source)
		return !errors.Is(opErr, ErrWouldBlock)
	})
	if err != nil {
		return 0, fmt.Errorf("send to %s from %s: %w", target, source, err)
	}
	if opErr != nil {
		return n, fmt.Errorf("send to %s from %s: %w", target, source, opErr)
	}

	return n, nil
}

// TrySendFrom is SendFrom without waiting: a full socket buffer returns
// an error matching ErrWouldBlock immediately.
func (c *Conn) TrySendFrom(payload []byte, target netip.AddrPort, source netip.Addr) (int, error) {
	if err := checkSendArgs(target, source); err != nil {
		return 0, err
	}
	if c.isClosed() {
		return 0, ErrSocketClosed
	}

	var (
		n     int
		opErr error
	)
	err := c.raw.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		n, opErr = SendMsg(int(fd), c.family, payload, target, source)
	})
	if err != nil {
		return 0, fmt.Errorf("send to %s from %s: %w", target, source, err)
	}
	if opErr != nil {
		return n, fmt.Errorf("send to %s from %s: %w", target, source, opErr)
	}

	return n, nil
}

// ReceiveTo reads one datagram into buf, waiting until one is available
// or the read deadline passes. It returns the payload length, the peer
// address and the local address the datagram was sent to.
//
// A datagram without a peer address fails with ErrNoPeerAddr, one
// without destination metadata with ErrNoLocalAddr. In both cases the
// datagram has been consumed and n still reports its length. A datagram
// larger than buf fails with ErrTruncated; n is then len(buf) and the
// addresses are still returned.
func (c *Conn) ReceiveTo(buf []byte) (int, netip.AddrPort, netip.Addr, error) {
	if c.isClosed() {
		return 0, netip.AddrPort{}, netip.Addr{}, ErrSocketClosed
	}

	var (
		n     int
		peer  netip.AddrPort
		local netip.Addr
		opErr error
	)
	err := c.raw.Read(func(fd uintptr) bool {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		n, peer, local, opErr = RecvMsg(int(fd), buf)
		return !errors.Is(opErr, ErrWouldBlock)
	})
	if err != nil {
		return 0, netip.AddrPort{}, netip.Addr{}, fmt.Errorf("receive on %s: %w", c.local, err)
	}

	return c.finishRecv(n, peer, local, opErr)
}

// TryReceiveTo is ReceiveTo without waiting: an empty receive queue
// returns an error matching ErrWouldBlock immediately.
func (c *Conn) TryReceiveTo(buf []byte) (int, netip.AddrPort, netip.Addr, error) {
	if c.isClosed() {
		return 0, netip.AddrPort{}, netip.Addr{}, ErrSocketClosed
	}

	var (
		n     int
		peer  netip.AddrPort
		local netip.Addr
		opErr error
	)
	err := c.raw.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		n, peer, local, opErr = RecvMsg(int(fd), buf)
	})
	if err != nil {
		return 0, netip.AddrPort{}, netip.Addr{}, fmt.Errorf("receive on %s: %w", c.local, err)
	}

	return c.finishRecv(n, peer, local, opErr)
}

func (c *Conn) finishRecv(n int, peer netip.AddrPort, local netip.Addr, opErr error) (int, netip.AddrPort, netip.Addr, error) {
	if errors.Is(opErr, ErrTruncated) {
		return n, peer, local, fmt.Errorf("receive on %s: %w", c.local, opErr)
	}
	if opErr != nil {
		return 0, netip.AddrPort{}, netip.Addr{}, fmt.Errorf("receive on %s: %w", c.local, opErr)
	}

	if err := requireAddrs(peer, local); err != nil {
		return n, peer, local, fmt.Errorf("receive on %s: %w", c.local, err)
	}

	return n, peer, local, nil
}

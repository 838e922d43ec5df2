package netio

import (
	"errors"
	"fmt"
	"net/netip"
)

// -------------------------------------------------------------------------
// Address Family
// -------------------------------------------------------------------------

// Family is the address family of a socket. It is fixed when the socket
// is bound and never changes afterwards.
type Family uint8

const (
	// FamilyUnspec is the zero value; no socket ever carries it.
	FamilyUnspec Family = iota

	// FamilyIPv4 selects struct in_pktinfo / IP_PKTINFO.
	FamilyIPv4

	// FamilyIPv6 selects struct in6_pktinfo / IPV6_RECVPKTINFO.
	FamilyIPv6
)

// String returns "ipv4", "ipv6" or "unspec".
func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "unspec"
	}
}

// Network returns the Go network name ("udp4" or "udp6") for the family.
func (f Family) Network() string {
	if f == FamilyIPv6 {
		return "udp6"
	}
	return "udp4"
}

// MaxPayload returns the largest UDP payload a datagram of the family can
// carry without IPv6 jumbograms: 65507 bytes over IPv4, 65527 over IPv6.
func (f Family) MaxPayload() int {
	switch f {
	case FamilyIPv4:
		return 65535 - 20 - 8
	case FamilyIPv6:
		return 65535 - 8
	default:
		return 0
	}
}

// FamilyOf returns the family a socket bound to addr would have.
// IPv4-mapped IPv6 addresses are treated as IPv4, the same way the net
// package binds them.
func FamilyOf(addr netip.Addr) Family {
	switch {
	case !addr.IsValid():
		return FamilyUnspec
	case addr.Is4() || addr.Is4In6():
		return FamilyIPv4
	default:
		return FamilyIPv6
	}
}

// normalizeAddr converts addr into the representation a socket of the
// given family expects on the wire:
//   - IPv4 socket: plain 4-byte address; IPv6 addresses are rejected.
//   - IPv6 socket: 16-byte address; IPv4 addresses become v4-mapped.
func normalizeAddr(family Family, addr netip.Addr) (netip.Addr, error) {
	if !addr.IsValid() {
		return netip.Addr{}, fmt.Errorf("invalid address for %s socket: %w", family, ErrFamilyMismatch)
	}

	switch family {
	case FamilyIPv4:
		addr = addr.Unmap()
		if !addr.Is4() {
			return netip.Addr{}, fmt.Errorf("address %s on %s socket: %w", addr, family, ErrFamilyMismatch)
		}
		return addr, nil
	case FamilyIPv6:
		if addr.Is4() {
			return netip.AddrFrom16(addr.As16()), nil
		}
		return addr, nil
	default:
		return netip.Addr{}, fmt.Errorf("family %d: %w", family, ErrUnsupportedFamily)
	}
}

// -------------------------------------------------------------------------
// Ancillary Data
// -------------------------------------------------------------------------

// Pktinfo is the decoded content of an IP_PKTINFO or IPV6_PKTINFO record.
//
// On receive, Addr is the destination address of the datagram and Ifindex
// the interface it arrived on. On send only Addr is used, as the source
// address; the outgoing interface is left to the routing table.
type Pktinfo struct {
	Addr    netip.Addr
	Ifindex uint32
}

// Datagram is a single received UDP datagram with its addressing.
type Datagram struct {
	// Payload aliases the receive buffer; it is valid until the buffer
	// is returned to PacketPool.
	Payload []byte

	// Peer is the sender's address and port.
	Peer netip.AddrPort

	// Local is the destination IP address the datagram was sent to,
	// recovered from IP_PKTINFO / IPV6_PKTINFO.
	Local netip.Addr
}

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrWouldBlock indicates the non-blocking socket is not ready. The
	// caller retries once the socket becomes readable or writable. Errors
	// carrying it also match the underlying EAGAIN errno.
	ErrWouldBlock = errors.New("operation would block")

	// ErrInvalidData is the class of receive failures where the system
	// call succeeded but its addressing metadata was incomplete.
	ErrInvalidData = errors.New("invalid data")

	// ErrNoLocalAddr indicates a datagram arrived without a decodable
	// IP_PKTINFO / IPV6_PKTINFO record.
	ErrNoLocalAddr = fmt.Errorf(
		"destination reporting not available on this socket "+
			"(IP_PKTINFO/IPV6_RECVPKTINFO may not be supported or was not set): %w",
		ErrInvalidData,
	)

	// ErrNoPeerAddr indicates a datagram arrived without a source address.
	ErrNoPeerAddr = fmt.Errorf(
		"source address not available (the socket may be connected): %w",
		ErrInvalidData,
	)

	// ErrFamilyMismatch indicates an address of the wrong family for the socket.
	ErrFamilyMismatch = errors.New("address family does not match socket")

	// ErrUnsupportedFamily indicates an address family other than IPv4 or IPv6.
	ErrUnsupportedFamily = errors.New("unsupported address family")

	// ErrUnsupportedPlatform indicates the OS lacks packet-info ancillary data.
	ErrUnsupportedPlatform = errors.New("source address selection not supported on this platform")

	// ErrShortWrite indicates the kernel accepted only part of a datagram.
	// UDP sends are atomic, so this is reported as a failure.
	ErrShortWrite = errors.New("short datagram write")

	// ErrTruncated indicates a received datagram did not fit the buffer
	// and was cut to its length.
	ErrTruncated = errors.New("datagram truncated")

	// ErrNoTarget indicates SendFrom was called without a destination.
	ErrNoTarget = errors.New("target address required")

	// ErrNoSource indicates SendFrom was called without a source address.
	ErrNoSource = errors.New("source address required")

	// ErrSocketClosed indicates an operation on a closed socket.
	ErrSocketClosed = errors.New("socket closed")

	// ErrUnexpectedConnType indicates the net.ListenPacket returned an
	// unexpected connection type instead of *net.UDPConn.
	ErrUnexpectedConnType = errors.New("unexpected connection type from ListenPacket")

	// ErrPoolType indicates the packet pool returned an unexpected type.
	ErrPoolType = errors.New("packet pool returned unexpected type")
)

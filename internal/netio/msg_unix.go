//go:build linux || darwin

package netio

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

// SendMsg sends payload on the non-blocking socket fd in a single
// sendmsg(2) call.
//
// If source is valid, an IP_PKTINFO / IPV6_PKTINFO record built by
// EncodeSource is attached so the datagram leaves from that address;
// otherwise the kernel picks the source. If target is the zero AddrPort
// the socket must be connected.
//
// A full socket buffer yields an error matching ErrWouldBlock. A partial
// write yields ErrShortWrite.
func SendMsg(fd int, family Family, payload []byte, target netip.AddrPort, source netip.Addr) (int, error) {
	var sa unix.Sockaddr
	if target.IsValid() {
		var err error
		if sa, err = sockaddrFrom(family, target); err != nil {
			return 0, fmt.Errorf("sendmsg to %s: %w", target, err)
		}
	}

	var oob []byte
	if source.IsValid() {
		var err error
		if oob, err = EncodeSource(family, source); err != nil {
			return 0, fmt.Errorf("sendmsg from %s: %w", source, err)
		}
	}

	var (
		n   int
		err error
	)
	for {
		n, err = unix.SendmsgN(fd, payload, oob, sa, 0)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		return 0, wrapErrno("sendmsg", err)
	}

	if n != len(payload) {
		return n, fmt.Errorf("sendmsg: %d of %d bytes: %w", n, len(payload), ErrShortWrite)
	}

	return n, nil
}

// RecvMsg reads one datagram from the non-blocking socket fd into buf in
// a single recvmsg(2) call.
//
// It returns the number of payload bytes, the peer address and the
// destination address decoded from ancillary data. Peer or local is the
// zero value when the kernel did not report it; a local address is only
// reported once EnableDestinationReporting has been called on fd.
// IPv4 datagrams received on a dual-stack IPv6 socket are reported with
// plain IPv4 addresses. Link-local peers carry a numeric zone.
//
// A datagram larger than buf is cut to len(buf) and reported with an
// error matching ErrTruncated along with the addresses. A cut ancillary
// chain is not reported; the local address is then absent if the
// packet-info record was lost.
//
// An empty receive queue yields an error matching ErrWouldBlock.
func RecvMsg(fd int, buf []byte) (int, netip.AddrPort, netip.Addr, error) {
	oob := make([]byte, oobSize)

	var (
		n, oobn, flags int
		from           unix.Sockaddr
		err            error
	)
	for {
		n, oobn, flags, from, err = unix.Recvmsg(fd, buf, oob, 0)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		return 0, netip.AddrPort{}, netip.Addr{}, wrapErrno("recvmsg", err)
	}

	local, _ := DecodeDestination(oob[:oobn])
	peer := addrPortFrom(from)
	local = local.Unmap()

	if flags&unix.MSG_TRUNC != 0 {
		return n, peer, local, fmt.Errorf("recvmsg: %d byte buffer: %w", len(buf), ErrTruncated)
	}

	return n, peer, local, nil
}

// wrapErrno wraps a system call error. EAGAIN additionally matches
// ErrWouldBlock so reactors can tell "retry later" from a failure.
func wrapErrno(op string, err error) error {
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
		return fmt.Errorf("%s: %w: %w", op, ErrWouldBlock, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// sockaddrFrom converts ap to the sockaddr of a socket of the given family.
func sockaddrFrom(family Family, ap netip.AddrPort) (unix.Sockaddr, error) {
	addr, err := normalizeAddr(family, ap.Addr())
	if err != nil {
		return nil, err
	}

	if family == FamilyIPv4 {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, nil
	}

	sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
	if zone := addr.Zone(); zone != "" {
		idx, err := zoneIndex(zone)
		if err != nil {
			return nil, err
		}
		sa.ZoneId = idx
	}

	return sa, nil
}

// addrPortFrom converts a sockaddr returned by recvmsg. Unknown or nil
// sockaddrs map to the zero AddrPort.
func addrPortFrom(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		//nolint:gosec // G115: ports are 16-bit on the wire.
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(sa.Addr)
		if addr.Is4In6() {
			//nolint:gosec // G115: ports are 16-bit on the wire.
			return netip.AddrPortFrom(addr.Unmap(), uint16(sa.Port))
		}
		if sa.ZoneId != 0 {
			addr = addr.WithZone(strconv.FormatUint(uint64(sa.ZoneId), 10))
		}
		//nolint:gosec // G115: ports are 16-bit on the wire.
		return netip.AddrPortFrom(addr, uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}

// zoneIndex resolves an IPv6 zone to an interface index. Numeric zones
// are used as-is.
func zoneIndex(zone string) (uint32, error) {
	if idx, err := strconv.ParseUint(zone, 10, 32); err == nil {
		return uint32(idx), nil
	}

	ifi, err := net.InterfaceByName(zone)
	if err != nil {
		return 0, fmt.Errorf("zone %q: %w", zone, err)
	}

	//nolint:gosec // G115: interface indexes are small positive integers.
	return uint32(ifi.Index), nil
}

//go:build linux || darwin

package netio

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

// -------------------------------------------------------------------------
// Packet-info layout
// -------------------------------------------------------------------------

// Field offsets are taken from the x/sys/unix ABI definitions of
// struct in_pktinfo and struct in6_pktinfo, never hand-counted:
//
//	struct in_pktinfo  { ipi_ifindex; in_addr ipi_spec_dst; in_addr ipi_addr; }
//	struct in6_pktinfo { in6_addr ipi6_addr; ipi6_ifindex; }
const (
	in4IfindexOffset = int(unsafe.Offsetof(unix.Inet4Pktinfo{}.Ifindex))
	in4SpecDstOffset = int(unsafe.Offsetof(unix.Inet4Pktinfo{}.Spec_dst))
	in4AddrOffset    = int(unsafe.Offsetof(unix.Inet4Pktinfo{}.Addr))
	in6AddrOffset    = int(unsafe.Offsetof(unix.Inet6Pktinfo{}.Addr))
	in6IfindexOffset = int(unsafe.Offsetof(unix.Inet6Pktinfo{}.Ifindex))
)

// oobSize is the receive buffer size for ancillary data. It fits one
// in_pktinfo and one in6_pktinfo record (a dual-stack socket may get
// both) plus one small unrelated record such as IP_TTL.
var oobSize = unix.CmsgSpace(unix.SizeofInet6Pktinfo) +
	unix.CmsgSpace(unix.SizeofInet4Pktinfo) +
	unix.CmsgSpace(4)

// -------------------------------------------------------------------------
// Encoding
// -------------------------------------------------------------------------

// EncodeSource builds the control message that makes the kernel send a
// datagram from local on a socket of the given family:
//   - IPv4: IP_PKTINFO with ipi_spec_dst = local.
//   - IPv6: IPV6_PKTINFO with ipi6_addr = local (IPv4 becomes v4-mapped).
//
// The interface index is left zero so the routing table picks the
// outgoing interface.
func EncodeSource(family Family, local netip.Addr) ([]byte, error) {
	addr, err := normalizeAddr(family, local)
	if err != nil {
		return nil, fmt.Errorf("encode source: %w", err)
	}

	switch family {
	case FamilyIPv4:
		b, data := newCmsg(unix.IPPROTO_IP, unix.IP_PKTINFO, unix.SizeofInet4Pktinfo)
		a4 := addr.As4()
		copy(data[in4SpecDstOffset:in4SpecDstOffset+4], a4[:])
		return b, nil
	case FamilyIPv6:
		b, data := newCmsg(unix.IPPROTO_IPV6, unix.IPV6_PKTINFO, unix.SizeofInet6Pktinfo)
		a16 := addr.As16()
		copy(data[in6AddrOffset:in6AddrOffset+16], a16[:])
		return b, nil
	default:
		return nil, fmt.Errorf("encode source: family %d: %w", family, ErrUnsupportedFamily)
	}
}

// newCmsg allocates a single zeroed control message with room for
// dataLen bytes of payload and returns the whole message and its data.
func newCmsg(level, typ, dataLen int) ([]byte, []byte) {
	b := make([]byte, unix.CmsgSpace(dataLen))

	//nolint:gosec // G103: b is at least SizeofCmsghdr long and heap-aligned.
	h := (*unix.Cmsghdr)(unsafe.Pointer(&b[0]))
	h.Level = int32(level)
	h.Type = int32(typ)
	h.SetLen(unix.CmsgLen(dataLen))

	off := unix.CmsgLen(0)
	return b, b[off : off+dataLen]
}

// -------------------------------------------------------------------------
// Decoding
// -------------------------------------------------------------------------

// DecodePktinfo walks the control-message chain in oob and decodes the
// first IP_PKTINFO or IPV6_PKTINFO record. Other record types are skipped.
// A malformed chain or a short record reports false, the same as a chain
// that has no packet-info record at all.
func DecodePktinfo(oob []byte) (Pktinfo, bool) {
	// ParseOneSocketControlMessage reads a full header without checking
	// the buffer length first.
	for len(oob) >= unix.CmsgLen(0) {
		h, data, rest, err := unix.ParseOneSocketControlMessage(oob)
		if err != nil {
			return Pktinfo{}, false
		}

		switch {
		case h.Level == unix.IPPROTO_IP && h.Type == unix.IP_PKTINFO:
			return decodeInet4Pktinfo(data)
		case h.Level == unix.IPPROTO_IPV6 && h.Type == unix.IPV6_PKTINFO:
			return decodeInet6Pktinfo(data)
		}

		oob = rest
	}

	return Pktinfo{}, false
}

// decodeInet4Pktinfo reads ipi_addr, the destination address from the IP
// header, and ipi_ifindex from a struct in_pktinfo.
func decodeInet4Pktinfo(data []byte) (Pktinfo, bool) {
	if len(data) < unix.SizeofInet4Pktinfo {
		return Pktinfo{}, false
	}

	var a4 [4]byte
	copy(a4[:], data[in4AddrOffset:in4AddrOffset+4])

	return Pktinfo{
		Addr:    netip.AddrFrom4(a4),
		Ifindex: binary.NativeEndian.Uint32(data[in4IfindexOffset:]),
	}, true
}

// decodeInet6Pktinfo reads ipi6_addr and ipi6_ifindex from a struct
// in6_pktinfo.
func decodeInet6Pktinfo(data []byte) (Pktinfo, bool) {
	if len(data) < unix.SizeofInet6Pktinfo {
		return Pktinfo{}, false
	}

	var a16 [16]byte
	copy(a16[:], data[in6AddrOffset:in6AddrOffset+16])

	return Pktinfo{
		Addr:    netip.AddrFrom16(a16),
		Ifindex: binary.NativeEndian.Uint32(data[in6IfindexOffset:]),
	}, true
}

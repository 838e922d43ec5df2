//go:build linux || darwin

package netio

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// EnableDestinationReporting makes the kernel attach a packet-info record
// with the destination address to every datagram subsequently received
// on fd:
//   - IPv4: IP_PKTINFO
//   - IPv6: IPV6_RECVPKTINFO
//
// Enabling it again is harmless.
func EnableDestinationReporting(fd int, family Family) error {
	switch family {
	case FamilyIPv4:
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
			return fmt.Errorf("set IP_PKTINFO: %w", err)
		}
	case FamilyIPv6:
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
			return fmt.Errorf("set IPV6_RECVPKTINFO: %w", err)
		}
	default:
		return fmt.Errorf("enable destination reporting: family %d: %w", family, ErrUnsupportedFamily)
	}

	return nil
}

// enableOnRawConn runs EnableDestinationReporting on the descriptor
// behind c.
func enableOnRawConn(c syscall.RawConn, family Family) error {
	var sockErr error

	err := c.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		sockErr = EnableDestinationReporting(int(fd), family)
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}

	return sockErr
}

//go:build !linux && !darwin

package netio

import "net/netip"

// EncodeSource is not available on this platform.
func EncodeSource(_ Family, _ netip.Addr) ([]byte, error) {
	return nil, ErrUnsupportedPlatform
}

// DecodePktinfo is not available on this platform.
func DecodePktinfo(_ []byte) (Pktinfo, bool) {
	return Pktinfo{}, false
}

// EnableDestinationReporting is not available on this platform.
func EnableDestinationReporting(_ int, _ Family) error {
	return ErrUnsupportedPlatform
}

// SendMsg is not available on this platform.
func SendMsg(_ int, _ Family, _ []byte, _ netip.AddrPort, _ netip.Addr) (int, error) {
	return 0, ErrUnsupportedPlatform
}

// RecvMsg is not available on this platform.
func RecvMsg(_ int, _ []byte) (int, netip.AddrPort, netip.Addr, error) {
	return 0, netip.AddrPort{}, netip.Addr{}, ErrUnsupportedPlatform
}

// EnableDestinationReporting is not available on this platform.
func (c *Conn) EnableDestinationReporting() error {
	return ErrUnsupportedPlatform
}

// SendFrom is not available on this platform.
func (c *Conn) SendFrom(_ []byte, _ netip.AddrPort, _ netip.Addr) (int, error) {
	return 0, ErrUnsupportedPlatform
}

// TrySendFrom is not available on this platform.
func (c *Conn) TrySendFrom(_ []byte, _ netip.AddrPort, _ netip.Addr) (int, error) {
	return 0, ErrUnsupportedPlatform
}

// ReceiveTo is not available on this platform.
func (c *Conn) ReceiveTo(_ []byte) (int, netip.AddrPort, netip.Addr, error) {
	return 0, netip.AddrPort{}, netip.Addr{}, ErrUnsupportedPlatform
}

// TryReceiveTo is not available on this platform.
func (c *Conn) TryReceiveTo(_ []byte) (int, netip.AddrPort, netip.Addr, error) {
	return 0, netip.AddrPort{}, netip.Addr{}, ErrUnsupportedPlatform
}

package netio

import "net/netip"

// DecodeDestination returns the destination address carried by the first
// IP_PKTINFO or IPV6_PKTINFO record in oob. It reports false when no such
// record is present or the control-message chain is malformed.
func DecodeDestination(oob []byte) (netip.Addr, bool) {
	info, ok := DecodePktinfo(oob)
	if !ok {
		return netip.Addr{}, false
	}
	return info.Addr, true
}

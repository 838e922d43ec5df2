// Package netio provides source-address-aware UDP datagram I/O.
//
// Unix implementation uses golang.org/x/sys/unix for the IP_PKTINFO
// (IPv4) and IPV6_RECVPKTINFO/IPV6_PKTINFO (IPv6) ancillary data that lets
// a wildcard-bound socket learn the destination address of every received
// datagram and choose the source address of every sent one.
package netio

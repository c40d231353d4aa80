package sysflow

import (
	"encoding/binary"
	"net/netip"
)

// IPv4 decodes an address stored the way the kernel keeps s_addr:
// network byte order read as a little-endian integer.
func IPv4(v int32) netip.Addr {
	var b [4]byte

	binary.LittleEndian.PutUint32(b[:], uint32(v))

	return netip.AddrFrom4(b)
}

// IPv4Int is the inverse of IPv4. Non IPv4 addresses map to zero.
func IPv4Int(addr netip.Addr) int32 {
	if !addr.Is4() {
		return 0
	}

	b := addr.As4()

	return int32(binary.LittleEndian.Uint32(b[:]))
}

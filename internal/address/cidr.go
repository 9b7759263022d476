package address

import (
	"encoding/binary"
	"net/netip"
	"strings"
)

// Contains reports whether address lies inside cidr. Malformed input and
// mismatched address families report false.
func Contains(address, cidr string) bool {
	addr, ok := ParseAddr(address)
	if !ok {
		return false
	}
	idx := strings.IndexByte(cidr, '/')
	if idx < 0 {
		return false
	}
	network, ok := parseCIDR(strings.TrimSpace(cidr[:idx]), strings.TrimSpace(cidr[idx+1:]))
	if !ok {
		return false
	}
	return ContainsAddr(addr, network)
}

// ContainsAddr is Contains over parsed values.
func ContainsAddr(addr netip.Addr, network netip.Prefix) bool {
	if !addr.IsValid() || !network.IsValid() {
		return false
	}
	addr = addr.Unmap()
	base := network.Addr()
	bits := network.Bits()
	if base.Is4In6() {
		// Written with an IPv4-mapped address: match the mapped form of addr.
		if bits < 96 {
			return containsV6(addr.As16(), base.As16(), bits)
		}
		base = base.Unmap()
		bits -= 96
	}

	switch {
	case addr.Is4() && base.Is4():
		return containsV4(addr.As4(), base.As4(), bits)
	case addr.Is6() && base.Is6():
		return containsV6(addr.As16(), base.As16(), bits)
	default:
		return false
	}
}

func containsV4(addr, network [4]byte, bits int) bool {
	if bits <= 0 {
		return true
	}
	mask := ^uint32(0) << (32 - bits)
	a := binary.BigEndian.Uint32(addr[:])
	n := binary.BigEndian.Uint32(network[:])
	return a&mask == n&mask
}

func containsV6(addr, network [16]byte, bits int) bool {
	whole := bits / 8
	for i := 0; i < whole; i++ {
		if addr[i] != network[i] {
			return false
		}
	}
	rem := bits % 8
	if rem == 0 {
		return true
	}
	mask := byte(0xFF << (8 - rem))
	return addr[whole]&mask == network[whole]&mask
}

package protocol

import (
	"encoding/binary"
	"net/netip"

	popcount "github.com/tmthrgd/go-popcount"
)

func ConvertAddrToUint32(input netip.Addr) uint32 {
	bytes := input.As4()
	return binary.BigEndian.Uint32(bytes[:])
}

func Uint32ToAddr(input uint32) netip.Addr {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], input)
	return netip.AddrFrom4(buf)
}

// MaskFromBits builds a contiguous subnet mask (e.g. 24 -> 255.255.255.0).
func MaskFromBits(bits int) netip.Addr {
	if bits <= 0 {
		return Uint32ToAddr(0)
	}
	if bits >= 32 {
		return Uint32ToAddr(0xffffffff)
	}
	return Uint32ToAddr(^uint32(0) << (32 - bits))
}

// ApplyMask returns addr & mask.
func ApplyMask(addr, mask netip.Addr) netip.Addr {
	a := addr.As4()
	m := mask.As4()
	for i := range a {
		a[i] &= m[i]
	}
	return netip.AddrFrom4(a)
}

// MaskBits counts the set bits of a subnet mask, the quantity the
// longest-prefix match maximizes.
func MaskBits(mask netip.Addr) int {
	m := mask.As4()
	return int(popcount.CountBytes(m[:]))
}

func formatAddr(addr netip.Addr) string {
	if !addr.IsValid() || addr == Uint32ToAddr(0) {
		return "*"
	}
	return addr.String()
}

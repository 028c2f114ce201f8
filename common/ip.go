package common

import (
	"math/big"
	"net/netip"
)

var (
	bigOne = big.NewInt(1)
)

// Addr2int returns the address as an unsigned integer. IPv4 addresses are not mapped into IPv6 space.
func Addr2int(addr netip.Addr) *big.Int {
	if addr.Is4() {
		b := addr.As4()
		return new(big.Int).SetBytes(b[:])
	}
	b := addr.As16()
	return new(big.Int).SetBytes(b[:])
}

// Int2addr - inverse of Addr2int. ok is false when n does not fit in the address family.
func Int2addr(n *big.Int, is4 bool) (addr netip.Addr, ok bool) {
	if n.Sign() < 0 {
		return netip.Addr{}, false
	}
	if is4 {
		if n.BitLen() > 32 {
			return netip.Addr{}, false
		}
		var b [4]byte
		n.FillBytes(b[:])
		return netip.AddrFrom4(b), true
	}
	if n.BitLen() > 128 {
		return netip.Addr{}, false
	}
	var b [16]byte
	n.FillBytes(b[:])
	return netip.AddrFrom16(b), true
}

// AddrAdd moves addr forward by offset. ok is false on overflow of the address family.
func AddrAdd(addr netip.Addr, offset *big.Int) (netip.Addr, bool) {
	n := Addr2int(addr)
	n.Add(n, offset)
	return Int2addr(n, addr.Is4())
}

// AddrOffset returns addr - base. Both must be of the same family.
func AddrOffset(base, addr netip.Addr) *big.Int {
	n := Addr2int(addr)
	return n.Sub(n, Addr2int(base))
}

// AddrCount returns the number of addresses in p.
func AddrCount(p netip.Prefix) *big.Int {
	return new(big.Int).Lsh(bigOne, uint(p.Addr().BitLen()-p.Bits()))
}

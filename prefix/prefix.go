// Package prefix implements CIDR prefix and port range set operations used to describe what a
// VPC exposes to its peers.
package prefix

import (
	"net/netip"

	"go4.org/netipx"
)

// Root returns the prefix covering every address of the family.
func Root(is4 bool) netip.Prefix {
	if is4 {
		return netip.PrefixFrom(netip.IPv4Unspecified(), 0)
	}
	return netip.PrefixFrom(netip.IPv6Unspecified(), 0)
}

func IsRoot(p netip.Prefix) bool {
	return p.Bits() == 0
}

func sameFamily(a, b netip.Prefix) bool {
	return a.Addr().Is4() == b.Addr().Is4()
}

// Covers - true if every address of b is in a.
func Covers(a, b netip.Prefix) bool {
	return sameFamily(a, b) && a.Bits() <= b.Bits() && a.Contains(b.Addr())
}

func Overlaps(a, b netip.Prefix) bool {
	return sameFamily(a, b) && a.Overlaps(b)
}

// Intersection of two CIDR prefixes is the longer one when they overlap.
func Intersection(a, b netip.Prefix) (netip.Prefix, bool) {
	if !Overlaps(a, b) {
		return netip.Prefix{}, false
	}
	if a.Bits() >= b.Bits() {
		return a, true
	}
	return b, true
}

// SubtractPrefix returns the minimal list of prefixes covering a \ b, in address order.
func SubtractPrefix(a, b netip.Prefix) []netip.Prefix {
	if !Overlaps(a, b) {
		return []netip.Prefix{a}
	}
	if Covers(b, a) {
		return nil
	}
	var sb netipx.IPSetBuilder
	sb.AddPrefix(a)
	sb.RemovePrefix(b)
	set, err := sb.IPSet()
	if err != nil {
		return []netip.Prefix{a}
	}
	return set.Prefixes()
}

// MergePrefix joins two sibling prefixes into their parent.
func MergePrefix(a, b netip.Prefix) (netip.Prefix, bool) {
	if a == b {
		return a, true
	}
	if !sameFamily(a, b) || a.Bits() != b.Bits() || a.Bits() == 0 {
		return netip.Prefix{}, false
	}
	pa, _ := a.Addr().Prefix(a.Bits() - 1)
	pb, _ := b.Addr().Prefix(b.Bits() - 1)
	if pa != pb {
		return netip.Prefix{}, false
	}
	return pa, true
}

// Range returns the address range of p.
func Range(p netip.Prefix) netipx.IPRange {
	return netipx.RangeOfPrefix(p)
}

// ParsePrefix parses a CIDR and masks it.
func ParsePrefix(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return p.Masked(), nil
}

// MustPrefix is ParsePrefix for constants and tests.
func MustPrefix(s string) netip.Prefix {
	p, err := ParsePrefix(s)
	if err != nil {
		panic(err)
	}
	return p
}

func comparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	switch {
	case a.Bits() < b.Bits():
		return -1
	case a.Bits() > b.Bits():
		return 1
	}
	return 0
}

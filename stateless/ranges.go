// Package stateless maps exposed prefixes onto their public ranges one to one. Every
// (address, port) pair of the private prefixes of an expose is given a position in a flat,
// ordered space, and the same position in the flat space of the public prefixes is its
// translation.
package stateless

import (
	"errors"
	"fmt"
	"math/big"
	"net/netip"
	"sort"
	"strings"

	"vpcnat/common"
	"vpcnat/prefix"
)

var (
	ErrMalformedPeering = errors.New("malformed peering")
	ErrEntryExists      = errors.New("entry already exists")
)

// TrieRange maps Len elements of an original prefix, starting at Offset, onto Target starting
// at TargetOffset. Offsets count (address, port) pairs, address major.
type TrieRange struct {
	Offset       *big.Int
	Len          *big.Int
	Target       prefix.PrefixPorts
	TargetOffset *big.Int
}

func (r TrieRange) String() string {
	return fmt.Sprintf("[%s+%s) -> %s+%s", r.Offset, r.Len, r.Target, r.TargetOffset)
}

// NatTableValue is the translation of one original prefix. Ranges are ordered by offset and
// cover the whole prefix.
type NatTableValue struct {
	Orig   prefix.PrefixPorts
	Ranges []TrieRange
}

// Size returns the number of elements covered by the ranges.
func (v *NatTableValue) Size() *big.Int {
	n := new(big.Int)
	for _, r := range v.Ranges {
		n.Add(n, r.Len)
	}
	return n
}

func (v *NatTableValue) String() string {
	parts := make([]string, 0, len(v.Ranges))
	for _, r := range v.Ranges {
		parts = append(parts, r.String())
	}
	return fmt.Sprintf("%s: %s", v.Orig, strings.Join(parts, ", "))
}

// position returns the offset of (addr, port) in the flat space of p.
func position(p prefix.PrefixPorts, addr netip.Addr, port uint16) (*big.Int, bool) {
	if !p.ContainsAddrPort(addr, port) {
		return nil, false
	}
	ports := p.PortsOrMax()
	n := common.AddrOffset(p.Prefix.Addr(), addr)
	n.Mul(n, big.NewInt(int64(ports.Len())))
	return n.Add(n, big.NewInt(int64(port-ports.Start))), true
}

// element is the inverse of position.
func element(p prefix.PrefixPorts, pos *big.Int) (netip.Addr, uint16, bool) {
	ports := p.PortsOrMax()
	q, m := new(big.Int).QuoRem(pos, big.NewInt(int64(ports.Len())), new(big.Int))
	addr, ok := common.AddrAdd(p.Prefix.Addr(), q)
	if !ok || !p.Prefix.Contains(addr) {
		return netip.Addr{}, 0, false
	}
	return addr, ports.Start + uint16(m.Int64()), true
}

// Translate returns the image of (addr, port). The port of a plain prefix mapped onto a plain
// prefix is left as is.
func (v *NatTableValue) Translate(addr netip.Addr, port uint16) (netip.Addr, uint16, bool) {
	pos, ok := position(v.Orig, addr, port)
	if !ok {
		return netip.Addr{}, 0, false
	}
	i := sort.Search(len(v.Ranges), func(i int) bool {
		end := new(big.Int).Add(v.Ranges[i].Offset, v.Ranges[i].Len)
		return end.Cmp(pos) > 0
	})
	if i == len(v.Ranges) || v.Ranges[i].Offset.Cmp(pos) > 0 {
		return netip.Addr{}, 0, false
	}
	r := v.Ranges[i]
	pos.Sub(pos, r.Offset)
	pos.Add(pos, r.TargetOffset)
	return element(r.Target, pos)
}

// RangeBuilder walks two prefix lists of equal total size side by side and yields, for every
// original prefix, the target ranges it maps onto.
type RangeBuilder struct {
	orig    []prefix.PrefixPorts
	targets []prefix.PrefixPorts
	next    int
	target  int
	// elements of targets[target] already handed out
	used *big.Int
	err  error
}

// NewRangeBuilder - both sets are iterated in order.
func NewRangeBuilder(orig, targets prefix.Set) *RangeBuilder {
	return &RangeBuilder{orig: orig.Items(), targets: targets.Items(), used: new(big.Int)}
}

// Next returns the next original prefix and its translation. ok is false once every original
// prefix was returned, or after an error.
func (b *RangeBuilder) Next() (prefix.PrefixPorts, *NatTableValue, bool, error) {
	if b.err != nil {
		return prefix.PrefixPorts{}, nil, false, b.err
	}
	if b.next == len(b.orig) {
		if b.target < len(b.targets) {
			b.err = fmt.Errorf("%w: %s left unmapped", ErrMalformedPeering, b.targets[b.target])
			return prefix.PrefixPorts{}, nil, false, b.err
		}
		return prefix.PrefixPorts{}, nil, false, nil
	}
	orig := b.orig[b.next]
	b.next++

	value := &NatTableValue{Orig: orig}
	need := orig.Size()
	done := new(big.Int)
	for done.Cmp(need) < 0 {
		if b.target == len(b.targets) {
			b.err = fmt.Errorf("%w: no target left for %s", ErrMalformedPeering, orig)
			return prefix.PrefixPorts{}, nil, false, b.err
		}
		target := b.targets[b.target]
		if target.Is4() != orig.Is4() {
			b.err = fmt.Errorf("%w: %s and %s are of different ip versions", ErrMalformedPeering, orig, target)
			return prefix.PrefixPorts{}, nil, false, b.err
		}
		left := target.Size()
		left.Sub(left, b.used)
		take := new(big.Int).Sub(need, done)
		if left.Cmp(take) < 0 {
			take = left
		}
		value.Ranges = append(value.Ranges, TrieRange{
			Offset:       new(big.Int).Set(done),
			Len:          take,
			Target:       target,
			TargetOffset: new(big.Int).Set(b.used),
		})
		done.Add(done, take)
		if take.Cmp(left) == 0 {
			b.target++
			b.used = new(big.Int)
		} else {
			b.used.Add(b.used, take)
		}
	}
	return orig, value, true, nil
}

// All drains the builder.
func (b *RangeBuilder) All() ([]*NatTableValue, error) {
	var out []*NatTableValue
	for {
		_, v, ok, err := b.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}

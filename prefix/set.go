package prefix

import (
	"math/big"
	"net/netip"
	"slices"
	"strings"
)

// Set is an ordered, deduplicated collection of PrefixPorts.
type Set struct {
	items []PrefixPorts
}

// NewSet builds a set from a list, dropping duplicates.
func NewSet(items ...PrefixPorts) Set {
	var s Set
	for _, p := range items {
		s.Insert(p)
	}
	return s
}

// Insert adds p and reports whether it was absent.
func (s *Set) Insert(p PrefixPorts) bool {
	i, found := slices.BinarySearchFunc(s.items, p, PrefixPorts.Compare)
	if found {
		return false
	}
	s.items = slices.Insert(s.items, i, p)
	return true
}

func (s *Set) Remove(p PrefixPorts) bool {
	i, found := slices.BinarySearchFunc(s.items, p, PrefixPorts.Compare)
	if !found {
		return false
	}
	s.items = slices.Delete(s.items, i, i+1)
	return true
}

func (s Set) Contains(p PrefixPorts) bool {
	_, found := slices.BinarySearchFunc(s.items, p, PrefixPorts.Compare)
	return found
}

// Items returns the members in order. The slice must not be modified.
func (s Set) Items() []PrefixPorts {
	return s.items
}

func (s Set) Len() int {
	return len(s.items)
}

func (s Set) IsEmpty() bool {
	return len(s.items) == 0
}

func (s Set) Clone() Set {
	return Set{items: slices.Clone(s.items)}
}

// TotalSize sums the sizes of the members. Members are expected not to overlap.
func (s Set) TotalSize() *big.Int {
	total := new(big.Int)
	for _, p := range s.items {
		total.Add(total, p.Size())
	}
	return total
}

// AnyOverlaps returns the first member overlapping p.
func (s Set) AnyOverlaps(p PrefixPorts) (PrefixPorts, bool) {
	for _, q := range s.items {
		if q.Overlaps(p) {
			return q, true
		}
	}
	return PrefixPorts{}, false
}

// AnyCovers - true if some member covers p.
func (s Set) AnyCovers(p PrefixPorts) bool {
	for _, q := range s.items {
		if q.Covers(p) {
			return true
		}
	}
	return false
}

// ContainsAddrPort - true if some member contains the address and port.
func (s Set) ContainsAddrPort(addr netip.Addr, port uint16) bool {
	for _, q := range s.items {
		if q.ContainsAddrPort(addr, port) {
			return true
		}
	}
	return false
}

func (s Set) Equal(o Set) bool {
	return slices.Equal(s.items, o.items)
}

func (s Set) String() string {
	parts := make([]string, len(s.items))
	for i, p := range s.items {
		parts[i] = p.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

package prefix

import (
	"net/netip"
	"slices"
)

// Table is a longest-prefix-match table. Both address families live in the same table.
type Table[T any] struct {
	v4, v6 lengthIndex[T]
	n      int
}

type lengthIndex[T any] struct {
	byLen map[int]map[netip.Addr]T
	// populated lengths, longest first
	lens []int
}

// Entry is one prefix and its value.
type Entry[T any] struct {
	Prefix netip.Prefix
	Value  T
}

func (t *Table[T]) index(is4 bool) *lengthIndex[T] {
	if is4 {
		return &t.v4
	}
	return &t.v6
}

// Insert stores v under p, replacing an existing value. It reports whether p was new.
func (t *Table[T]) Insert(p netip.Prefix, v T) bool {
	p = p.Masked()
	idx := t.index(p.Addr().Is4())
	if idx.byLen == nil {
		idx.byLen = make(map[int]map[netip.Addr]T)
	}
	m, ok := idx.byLen[p.Bits()]
	if !ok {
		m = make(map[netip.Addr]T)
		idx.byLen[p.Bits()] = m
		i, _ := slices.BinarySearchFunc(idx.lens, p.Bits(), func(a, b int) int { return b - a })
		idx.lens = slices.Insert(idx.lens, i, p.Bits())
	}
	_, existed := m[p.Addr()]
	m[p.Addr()] = v
	if !existed {
		t.n++
	}
	return !existed
}

// Get returns the value stored for exactly p.
func (t *Table[T]) Get(p netip.Prefix) (v T, ok bool) {
	p = p.Masked()
	m, found := t.index(p.Addr().Is4()).byLen[p.Bits()]
	if !found {
		return v, false
	}
	v, ok = m[p.Addr()]
	return
}

// Lookup returns the longest prefix containing addr.
func (t *Table[T]) Lookup(addr netip.Addr) (p netip.Prefix, v T, ok bool) {
	addr = addr.Unmap()
	idx := t.index(addr.Is4())
	for _, l := range idx.lens {
		key, _ := addr.Prefix(l)
		if v, ok = idx.byLen[l][key.Addr()]; ok {
			return key, v, true
		}
	}
	return p, v, false
}

// MatchingEntries returns every prefix containing addr, longest first.
func (t *Table[T]) MatchingEntries(addr netip.Addr) []Entry[T] {
	addr = addr.Unmap()
	idx := t.index(addr.Is4())
	var out []Entry[T]
	for _, l := range idx.lens {
		key, _ := addr.Prefix(l)
		if v, ok := idx.byLen[l][key.Addr()]; ok {
			out = append(out, Entry[T]{Prefix: key, Value: v})
		}
	}
	return out
}

// Walk calls fn for every entry, IPv4 first, in address order. Returning false stops the walk.
func (t *Table[T]) Walk(fn func(netip.Prefix, T) bool) {
	for _, e := range t.Entries() {
		if !fn(e.Prefix, e.Value) {
			return
		}
	}
}

// Entries returns all entries sorted by address then length.
func (t *Table[T]) Entries() []Entry[T] {
	out := make([]Entry[T], 0, t.n)
	for _, idx := range []*lengthIndex[T]{&t.v4, &t.v6} {
		for l, m := range idx.byLen {
			for a, v := range m {
				out = append(out, Entry[T]{Prefix: netip.PrefixFrom(a, l), Value: v})
			}
		}
	}
	slices.SortFunc(out, func(a, b Entry[T]) int { return comparePrefix(a.Prefix, b.Prefix) })
	return out
}

func (t *Table[T]) Len() int {
	return t.n
}

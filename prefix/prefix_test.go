package prefix

import (
	"math/big"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func pp(s string) PrefixPorts {
	return MustParse(s)
}

func TestPortRange(t *testing.T) {
	_, err := NewPortRange(10, 5)
	require.ErrorIs(t, err, ErrInvalidPortRange)

	r, err := ParsePortRange("80-90")
	require.Nil(t, err)
	require.Equal(t, 11, r.Len())
	require.Equal(t, "80-90", r.String())
	require.Equal(t, MaxPortRangeLen, MaxPortRange.Len())

	single, err := ParsePortRange("443")
	require.Nil(t, err)
	require.Equal(t, PortRange{Start: 443, End: 443}, single)

	_, err = ParsePortRange("1-2-3")
	require.ErrorIs(t, err, ErrInvalidPortRange)
	_, err = ParsePortRange("70000")
	require.ErrorIs(t, err, ErrInvalidPortRange)

	require.Equal(t, []PortRange{{0, 79}, {91, 65535}}, MaxPortRange.Subtract(r))
	require.Empty(t, r.Subtract(MaxPortRange))
	require.Equal(t, []PortRange{r}, r.Subtract(PortRange{100, 200}))

	m, ok := r.Merge(PortRange{91, 100})
	require.True(t, ok)
	require.Equal(t, PortRange{80, 100}, m)
	_, ok = r.Merge(PortRange{92, 100})
	require.False(t, ok)

	i, ok := r.Intersection(PortRange{85, 200})
	require.True(t, ok)
	require.Equal(t, PortRange{85, 90}, i)
}

func TestOverlapsSymmetric(t *testing.T) {
	samples := []string{
		"10.0.0.0/8", "10.1.0.0/16", "10.1.2.0/24:[80-80]", "10.1.2.0/24:[1-100]",
		"11.0.0.0/8", "0.0.0.0/0", "::/0", "2001:db8::/32", "2001:db8:1::/48:[443-443]",
		"10.1.2.3/32:[200-300]",
	}
	for _, a := range samples {
		pa := pp(a)
		require.True(t, pa.Overlaps(pa), a)
		require.True(t, pa.Covers(pa), a)
		for _, b := range samples {
			pb := pp(b)
			require.Equal(t, pa.Overlaps(pb), pb.Overlaps(pa), "%s %s", a, b)
		}
	}
	require.False(t, pp("0.0.0.0/0").Overlaps(pp("::/0")))
}

func TestCovers(t *testing.T) {
	require.True(t, pp("10.0.0.0/8").Covers(pp("10.1.0.0/16:[80-80]")))
	require.False(t, pp("10.0.0.0/8:[80-80]").Covers(pp("10.1.0.0/16")))
	require.True(t, pp("10.0.0.0/8:[0-65535]").Covers(pp("10.1.0.0/16")))
	require.False(t, pp("10.1.0.0/16").Covers(pp("10.0.0.0/8")))
}

func TestIntersection(t *testing.T) {
	i, ok := pp("10.0.0.0/8").Intersection(pp("10.1.0.0/16"))
	require.True(t, ok)
	require.Equal(t, pp("10.1.0.0/16"), i)

	i, ok = pp("10.0.0.0/8:[80-100]").Intersection(pp("10.1.0.0/16"))
	require.True(t, ok)
	require.Equal(t, pp("10.1.0.0/16:[80-100]"), i)

	_, ok = pp("10.0.0.0/8:[80-100]").Intersection(pp("10.1.0.0/16:[200-300]"))
	require.False(t, ok)
	_, ok = pp("10.0.0.0/8").Intersection(pp("11.0.0.0/8"))
	require.False(t, ok)
}

func TestSubtract(t *testing.T) {
	out := pp("10.0.0.0/23").Subtract(pp("10.0.1.0/24"))
	require.Equal(t, []PrefixPorts{pp("10.0.0.0/24")}, out)

	out = pp("10.0.0.0/24").Subtract(pp("10.0.0.0/8"))
	require.Empty(t, out)

	out = pp("10.0.0.0/24").Subtract(pp("11.0.0.0/24"))
	require.Equal(t, []PrefixPorts{pp("10.0.0.0/24")}, out)

	// plain minus ported: the prefix keeps the other ports, the rest keeps all
	out = pp("10.0.0.0/23").Subtract(pp("10.0.1.0/24:[80-80]"))
	require.Equal(t, []PrefixPorts{
		pp("10.0.0.0/23:[0-79]"),
		pp("10.0.0.0/23:[81-65535]"),
		pp("10.0.0.0/24:[80-80]"),
	}, out)

	total := new(big.Int)
	for _, p := range out {
		total.Add(total, p.Size())
	}
	expected := new(big.Int).Sub(pp("10.0.0.0/23").Size(), pp("10.0.1.0/24:[80-80]").Size())
	require.Equal(t, 0, expected.Cmp(total))

	require.Len(t, pp("1.0.0.0/16").Subtract(pp("1.0.1.0/24")), 8)
	require.Len(t, pp("0.0.0.0/0").Subtract(pp("0.0.0.0/32")), 32)
}

func TestMerge(t *testing.T) {
	m, ok := pp("10.0.0.0/24").Merge(pp("10.0.1.0/24"))
	require.True(t, ok)
	require.Equal(t, pp("10.0.0.0/23"), m)

	_, ok = pp("10.0.1.0/24").Merge(pp("10.0.2.0/24"))
	require.False(t, ok)

	m, ok = pp("10.0.0.0/24:[1-10]").Merge(pp("10.0.0.0/24:[11-20]"))
	require.True(t, ok)
	require.Equal(t, pp("10.0.0.0/24:[1-20]"), m)

	m, ok = pp("10.0.0.0/24:[1-10]").Merge(pp("10.0.1.0/24:[1-10]"))
	require.True(t, ok)
	require.Equal(t, pp("10.0.0.0/23:[1-10]"), m)

	_, ok = pp("10.0.0.0/24:[1-10]").Merge(pp("10.0.1.0/24:[1-11]"))
	require.False(t, ok)

	m, ok = pp("10.0.0.0/24").Merge(pp("10.0.0.0/24:[1-10]"))
	require.True(t, ok)
	require.Equal(t, pp("10.0.0.0/24"), m)
}

func TestSizeDoesNotOverflow(t *testing.T) {
	size := pp("::/0").Size()
	expected := new(big.Int).Lsh(big.NewInt(1), 128+16)
	require.Equal(t, 0, expected.Cmp(size))
	require.Equal(t, int64(256*11), pp("10.0.0.0/24:[80-90]").Size().Int64())
}

func TestCompareAndString(t *testing.T) {
	require.Equal(t, -1, pp("10.0.0.0/24").Compare(pp("10.0.0.0/24:[1-2]")))
	require.Equal(t, -1, pp("10.0.0.0/8").Compare(pp("10.0.0.0/24")))
	require.Equal(t, -1, pp("10.0.0.0/24").Compare(pp("::/0")))
	require.Equal(t, 0, pp("10.0.0.1/24").Compare(pp("10.0.0.0/24")))
	require.Equal(t, "10.0.0.0/24:[1-2]", pp("10.0.0.0/24:[1-2]").String())
	require.Equal(t, "10.0.0.0/24", pp("10.0.0.0/24:[all]").String())

	_, err := Parse("10.0.0/24")
	require.ErrorIs(t, err, ErrInvalidPrefix)
}

func TestSet(t *testing.T) {
	s := NewSet(pp("10.0.1.0/24"), pp("10.0.0.0/24"), pp("10.0.1.0/24"))
	require.Equal(t, 2, s.Len())
	require.Equal(t, []PrefixPorts{pp("10.0.0.0/24"), pp("10.0.1.0/24")}, s.Items())
	require.True(t, s.Contains(pp("10.0.0.0/24")))
	require.Equal(t, int64(512*MaxPortRangeLen), s.TotalSize().Int64())

	c := s.Clone()
	require.True(t, c.Remove(pp("10.0.0.0/24")))
	require.False(t, c.Remove(pp("10.0.0.0/24")))
	require.Equal(t, 2, s.Len())
	require.True(t, s.AnyCovers(pp("10.0.1.128/25")))
	require.True(t, s.ContainsAddrPort(netip.MustParseAddr("10.0.1.1"), 22))
	require.Equal(t, "{10.0.0.0/24, 10.0.1.0/24}", s.String())
}

func TestTable(t *testing.T) {
	var tbl Table[string]
	require.True(t, tbl.Insert(MustPrefix("10.0.0.0/8"), "a"))
	require.True(t, tbl.Insert(MustPrefix("10.1.0.0/16"), "b"))
	require.True(t, tbl.Insert(MustPrefix("0.0.0.0/0"), "default"))
	require.True(t, tbl.Insert(MustPrefix("2001:db8::/32"), "v6"))
	require.False(t, tbl.Insert(MustPrefix("10.0.0.0/8"), "a2"))
	require.Equal(t, 4, tbl.Len())

	p, v, ok := tbl.Lookup(netip.MustParseAddr("10.1.2.3"))
	require.True(t, ok)
	require.Equal(t, "b", v)
	require.Equal(t, MustPrefix("10.1.0.0/16"), p)

	_, v, ok = tbl.Lookup(netip.MustParseAddr("192.168.0.1"))
	require.True(t, ok)
	require.Equal(t, "default", v)

	_, _, ok = tbl.Lookup(netip.MustParseAddr("2001:db9::1"))
	require.False(t, ok)

	entries := tbl.MatchingEntries(netip.MustParseAddr("10.1.2.3"))
	require.Len(t, entries, 3)
	require.Equal(t, "b", entries[0].Value)
	require.Equal(t, "a2", entries[1].Value)
	require.Equal(t, "default", entries[2].Value)

	v, ok = tbl.Get(MustPrefix("10.0.0.0/8"))
	require.True(t, ok)
	require.Equal(t, "a2", v)

	var walked []string
	tbl.Walk(func(_ netip.Prefix, v string) bool {
		walked = append(walked, v)
		return true
	})
	require.Equal(t, []string{"default", "a2", "b", "v6"}, walked)
}

func TestL4Protocol(t *testing.T) {
	p, ok := Any.Intersection(TCP)
	require.True(t, ok)
	require.Equal(t, TCP, p)
	_, ok = TCP.Intersection(UDP)
	require.False(t, ok)
	p, err := ParseL4Protocol("udp")
	require.Nil(t, err)
	require.Equal(t, UDP, p)
}

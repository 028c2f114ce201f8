package flowfilter

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"vpcnat/overlay"
	"vpcnat/packet"
	"vpcnat/prefix"
)

// Ports are the transport ports of a flow.
type Ports struct {
	Src, Dst uint16
}

// portEntry is a value bound to a port range.
type portEntry[T any] struct {
	ports prefix.PortRange
	value T
}

// portMap holds values for disjoint port ranges of a prefix, plus one for all ports.
type portMap[T any] struct {
	all    T
	hasAll bool
	// sorted by start
	ranges []portEntry[T]
}

// slot returns the value stored for exactly these ports, creating an empty one when missing.
// A range partly overlapping an existing one is an error.
func (m *portMap[T]) slot(p prefix.PrefixPorts) (value *T, found bool, err error) {
	if !p.HasPorts || p.Ports.IsMax() {
		found = m.hasAll
		m.hasAll = true
		return &m.all, found, nil
	}
	i := sort.Search(len(m.ranges), func(i int) bool { return m.ranges[i].ports.Start >= p.Ports.Start })
	if i < len(m.ranges) && m.ranges[i].ports == p.Ports {
		return &m.ranges[i].value, true, nil
	}
	for _, e := range m.ranges {
		if e.ports.Overlaps(p.Ports) {
			return nil, false, fmt.Errorf("%w: port ranges %s and %s overlap", overlay.ErrInternalFailure, e.ports, p.Ports)
		}
	}
	m.ranges = append(m.ranges, portEntry[T]{})
	copy(m.ranges[i+1:], m.ranges[i:])
	m.ranges[i] = portEntry[T]{ports: p.Ports}
	return &m.ranges[i].value, false, nil
}

// candidates returns the value of the range containing port, then the all-ports value. Without
// ports only the all-ports value applies.
func (m *portMap[T]) candidates(port uint16, hasPort bool) []T {
	var out []T
	if hasPort {
		i := sort.Search(len(m.ranges), func(i int) bool { return m.ranges[i].ports.End >= port })
		if i < len(m.ranges) && m.ranges[i].ports.Contains(port) {
			out = append(out, m.ranges[i].value)
		}
	}
	if m.hasAll {
		out = append(out, m.all)
	}
	return out
}

func (m *portMap[T]) each(fn func(ports string, v T)) {
	if m.hasAll {
		fn("", m.all)
	}
	for _, e := range m.ranges {
		fn(":["+e.ports.String()+"]", e.value)
	}
}

// dstData maps destinations to results for one source prefix.
type dstData struct {
	remotes          prefix.Table[*portMap[LookupResult]]
	defaultRemote    LookupResult
	hasDefaultRemote bool
}

func (d *dstData) insert(dst prefix.PrefixPorts, result LookupResult) error {
	m, ok := d.remotes.Get(dst.Prefix)
	if !ok {
		m = &portMap[LookupResult]{}
		d.remotes.Insert(dst.Prefix, m)
	}
	slot, found, err := m.slot(dst)
	if err != nil {
		return err
	}
	if !found {
		*slot = result
		return nil
	}
	merged, err := slot.merge(result)
	if err != nil {
		return err
	}
	*slot = merged
	return nil
}

func (d *dstData) insertDefault(result LookupResult) error {
	if !d.hasDefaultRemote {
		d.defaultRemote, d.hasDefaultRemote = result, true
		return nil
	}
	merged, err := d.defaultRemote.merge(result)
	if err != nil {
		return err
	}
	d.defaultRemote = merged
	return nil
}

func (d *dstData) lookup(dst netip.Addr, port uint16, hasPort bool) (LookupResult, bool) {
	for _, e := range d.remotes.MatchingEntries(dst) {
		if c := e.Value.candidates(port, hasPort); len(c) > 0 {
			return c[0], true
		}
	}
	return d.defaultRemote, d.hasDefaultRemote
}

// vpcTable holds the connections allowed from one source VPC.
type vpcTable struct {
	sources       prefix.Table[*portMap[*dstData]]
	defaultSource portMap[*dstData]
}

func (v *vpcTable) srcData(src prefix.PrefixPorts) (*dstData, error) {
	m, ok := v.sources.Get(src.Prefix)
	if !ok {
		m = &portMap[*dstData]{}
		v.sources.Insert(src.Prefix, m)
	}
	return dataIn(m, src)
}

func dataIn(m *portMap[*dstData], src prefix.PrefixPorts) (*dstData, error) {
	slot, found, err := m.slot(src)
	if err != nil {
		return nil, err
	}
	if !found {
		*slot = &dstData{}
	}
	return *slot, nil
}

func (v *vpcTable) lookup(src, dst netip.Addr, ports *Ports) (LookupResult, bool) {
	var sport, dport uint16
	if ports != nil {
		sport, dport = ports.Src, ports.Dst
	}
	try := func(m *portMap[*dstData]) (LookupResult, bool) {
		for _, d := range m.candidates(sport, ports != nil) {
			if r, ok := d.lookup(dst, dport, ports != nil); ok {
				return r, true
			}
		}
		return LookupResult{}, false
	}
	// a less specific source may still reach dst through another peering
	for _, e := range v.sources.MatchingEntries(src) {
		if r, ok := try(e.Value); ok {
			return r, true
		}
	}
	return try(&v.defaultSource)
}

// Table tells, for a source VPC and a flow, which VPC the flow goes to and what NAT it needs.
// It is built once per configuration and never modified after publication.
type Table struct {
	vpcs map[packet.Vni]*vpcTable
}

func NewTable() *Table {
	return &Table{vpcs: map[packet.Vni]*vpcTable{}}
}

func (t *Table) vpc(vni packet.Vni) *vpcTable {
	v, ok := t.vpcs[vni]
	if !ok {
		v = &vpcTable{}
		t.vpcs[vni] = v
	}
	return v
}

// Insert allows flows from src to dst in srcVni.
func (t *Table) Insert(srcVni packet.Vni, result LookupResult, src, dst prefix.PrefixPorts) error {
	d, err := t.vpc(srcVni).srcData(src)
	if err != nil {
		return err
	}
	return d.insert(dst, result)
}

// InsertDefaultRemote allows flows from src to any destination.
func (t *Table) InsertDefaultRemote(srcVni packet.Vni, result LookupResult, src prefix.PrefixPorts) error {
	d, err := t.vpc(srcVni).srcData(src)
	if err != nil {
		return err
	}
	return d.insertDefault(result)
}

// InsertDefaultSource allows flows from any source to dst.
func (t *Table) InsertDefaultSource(srcVni packet.Vni, result LookupResult, dst prefix.PrefixPorts) error {
	d, err := dataIn(&t.vpc(srcVni).defaultSource, prefix.PrefixPorts{})
	if err != nil {
		return err
	}
	return d.insert(dst, result)
}

func (t *Table) InsertDefaultSourceToDefaultRemote(srcVni packet.Vni, result LookupResult) error {
	d, err := dataIn(&t.vpc(srcVni).defaultSource, prefix.PrefixPorts{})
	if err != nil {
		return err
	}
	return d.insertDefault(result)
}

// Lookup resolves a flow. ports is nil for flows without transport ports, which then only match
// entries covering all ports.
func (t *Table) Lookup(srcVni packet.Vni, src, dst netip.Addr, ports *Ports) (LookupResult, bool) {
	v, ok := t.vpcs[srcVni]
	if !ok {
		log.Debug().Msgf("No connections table for vpc %s", srcVni)
		return LookupResult{}, false
	}
	return v.lookup(src, dst, ports)
}

// Len returns the number of source VPCs.
func (t *Table) Len() int {
	return len(t.vpcs)
}

// String dumps the table, one line per entry.
func (t *Table) String() string {
	var b strings.Builder
	vnis := make([]packet.Vni, 0, len(t.vpcs))
	for vni := range t.vpcs {
		vnis = append(vnis, vni)
	}
	sort.Slice(vnis, func(i, j int) bool { return vnis[i] < vnis[j] })
	dumpDst := func(src string, d *dstData) {
		for _, e := range d.remotes.Entries() {
			e.Value.each(func(ports string, r LookupResult) {
				fmt.Fprintf(&b, "  %s -> %s%s: %s\n", src, e.Prefix, ports, r)
			})
		}
		if d.hasDefaultRemote {
			fmt.Fprintf(&b, "  %s -> default: %s\n", src, d.defaultRemote)
		}
	}
	for _, vni := range vnis {
		v := t.vpcs[vni]
		fmt.Fprintf(&b, "vni %s:\n", vni)
		for _, e := range v.sources.Entries() {
			e.Value.each(func(ports string, d *dstData) {
				dumpDst(e.Prefix.String()+ports, d)
			})
		}
		v.defaultSource.each(func(_ string, d *dstData) {
			dumpDst("default", d)
		})
	}
	return b.String()
}

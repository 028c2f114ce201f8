package stateless

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

// RuleTable finds the translation of an address by longest prefix match on the original
// prefixes.
type RuleTable struct {
	rules prefix.Table[[]*NatTableValue]
}

func NewRuleTable() *RuleTable {
	return &RuleTable{}
}

// Insert adds a translation. Values of the same prefix must have disjoint port ranges.
func (t *RuleTable) Insert(v *NatTableValue) error {
	existing, _ := t.rules.Get(v.Orig.Prefix)
	for _, e := range existing {
		if e.Orig.Overlaps(v.Orig) {
			return fmt.Errorf("%w: %s overlaps %s", ErrEntryExists, v.Orig, e.Orig)
		}
	}
	t.rules.Insert(v.Orig.Prefix, append(existing, v))
	return nil
}

// Lookup returns the value covering addr. Without a port, only values for every port match.
func (t *RuleTable) Lookup(addr netip.Addr, port uint16, hasPort bool) (*NatTableValue, bool) {
	for _, e := range t.rules.MatchingEntries(addr) {
		for _, v := range e.Value {
			if !v.Orig.HasPorts || (hasPort && v.Orig.Ports.Contains(port)) {
				return v, true
			}
		}
	}
	return nil, false
}

// Translate looks addr up and maps it.
func (t *RuleTable) Translate(addr netip.Addr, port uint16, hasPort bool) (netip.Addr, uint16, bool) {
	v, ok := t.Lookup(addr, port, hasPort)
	if !ok {
		return netip.Addr{}, 0, false
	}
	return v.Translate(addr, port)
}

func (t *RuleTable) Len() int {
	n := 0
	t.rules.Walk(func(_ netip.Prefix, vs []*NatTableValue) bool {
		n += len(vs)
		return true
	})
	return n
}

func (t *RuleTable) dump(sb *strings.Builder, indent string) {
	t.rules.Walk(func(_ netip.Prefix, vs []*NatTableValue) bool {
		for _, v := range vs {
			fmt.Fprintf(sb, "%s%s\n", indent, v)
		}
		return true
	})
}

// PerVniTable holds the rules for packets from one VPC, keyed by destination VPC. SrcNat maps
// local private addresses to public ones, DstNat maps the public addresses of the peer back to
// its private ones.
type PerVniTable struct {
	SrcNat map[packet.Vni]*RuleTable
	DstNat map[packet.Vni]*RuleTable
}

func NewPerVniTable() *PerVniTable {
	return &PerVniTable{SrcNat: make(map[packet.Vni]*RuleTable), DstNat: make(map[packet.Vni]*RuleTable)}
}

// FindSrcMapping translates a local address for traffic toward dstVni.
func (t *PerVniTable) FindSrcMapping(addr netip.Addr, port uint16, hasPort bool, dstVni packet.Vni) (netip.Addr, uint16, bool) {
	rt, ok := t.SrcNat[dstVni]
	if !ok {
		return netip.Addr{}, 0, false
	}
	return rt.Translate(addr, port, hasPort)
}

// FindDstMapping translates a public address of the VPC dstVni.
func (t *PerVniTable) FindDstMapping(addr netip.Addr, port uint16, hasPort bool, dstVni packet.Vni) (netip.Addr, uint16, bool) {
	rt, ok := t.DstNat[dstVni]
	if !ok {
		return netip.Addr{}, 0, false
	}
	return rt.Translate(addr, port, hasPort)
}

// Tables holds the stateless NAT rules of every VPC, keyed by source VNI.
type Tables struct {
	vnis    map[packet.Vni]*PerVniTable
	skipped []string
}

func NewTables() *Tables {
	return &Tables{vnis: make(map[packet.Vni]*PerVniTable)}
}

func (t *Tables) Get(vni packet.Vni) (*PerVniTable, bool) {
	pvt, ok := t.vnis[vni]
	return pvt, ok
}

// Skipped returns the peerings left out of the tables because they were malformed.
func (t *Tables) Skipped() []string {
	return t.skipped
}

// Len returns the number of rules.
func (t *Tables) Len() int {
	n := 0
	for _, pvt := range t.vnis {
		for _, rt := range pvt.SrcNat {
			n += rt.Len()
		}
		for _, rt := range pvt.DstNat {
			n += rt.Len()
		}
	}
	return n
}

func sortedVnis[T any](m map[packet.Vni]T) []packet.Vni {
	out := make([]packet.Vni, 0, len(m))
	for vni := range m {
		out = append(out, vni)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t *Tables) String() string {
	var sb strings.Builder
	for _, src := range sortedVnis(t.vnis) {
		pvt := t.vnis[src]
		for _, dst := range sortedVnis(pvt.SrcNat) {
			fmt.Fprintf(&sb, "vni %s -> %s source nat:\n", src, dst)
			pvt.SrcNat[dst].dump(&sb, "  ")
		}
		for _, dst := range sortedVnis(pvt.DstNat) {
			fmt.Fprintf(&sb, "vni %s -> %s destination nat:\n", src, dst)
			pvt.DstNat[dst].dump(&sb, "  ")
		}
	}
	return sb.String()
}

func addRanges(rt *RuleTable, orig, target prefix.Set) error {
	values, err := NewRangeBuilder(orig, target).All()
	if err != nil {
		return err
	}
	for _, v := range values {
		if err := rt.Insert(v); err != nil {
			return err
		}
	}
	return nil
}

// buildPeering returns the source and destination rules of a collapsed peering.
func buildPeering(p *overlay.Peering) (src, dst *RuleTable, err error) {
	src, dst = NewRuleTable(), NewRuleTable()
	for _, e := range p.Local.ExposesWith(packet.Stateless) {
		if !e.HasNat() {
			continue
		}
		if err := addRanges(src, e.Ips, e.AsRange()); err != nil {
			return nil, nil, err
		}
	}
	for _, e := range p.Remote.ExposesWith(packet.Stateless) {
		if !e.HasNat() {
			continue
		}
		if err := addRanges(dst, e.AsRange(), e.Ips); err != nil {
			return nil, nil, err
		}
	}
	return src, dst, nil
}

// BuildFromOverlay computes the stateless NAT rules of a validated overlay. A malformed
// peering is logged and left out, the others are still built.
func BuildFromOverlay(ov *overlay.Overlay) *Tables {
	t := NewTables()
	for _, vpc := range ov.VpcTable.Values() {
		pvt := NewPerVniTable()
		for _, p := range vpc.Peerings {
			dstVni, ok := ov.VpcTable.RemoteVni(p)
			if !ok {
				log.Warn().Msgf("Peering %s: no vpc %s", p.Name, p.RemoteID)
				continue
			}
			src, dst, err := buildPeering(overlay.CollapsePeering(p))
			if err != nil {
				log.Error().Err(err).Msgf("Skipping stateless nat of peering %s for vpc %s", p.Name, vpc.Name)
				t.skipped = append(t.skipped, p.Name)
				continue
			}
			if src.Len() > 0 {
				pvt.SrcNat[dstVni] = src
			}
			if dst.Len() > 0 {
				pvt.DstNat[dstVni] = dst
			}
		}
		if len(pvt.SrcNat) > 0 || len(pvt.DstNat) > 0 {
			t.vnis[vpc.Vni] = pvt
		}
	}
	log.Debug().Msgf("Built %d stateless nat rules", t.Len())
	return t
}

package flowfilter

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"vpcnat/overlay"
	"vpcnat/packet"
	"vpcnat/prefix"
)

// exposePrefix is a prefix along with the expose it comes from.
type exposePrefix struct {
	prefix prefix.PrefixPorts
	expose *overlay.VpcExpose
}

// overlapMap tags overlapping pieces of address space with the destinations they could belong to.
type overlapMap map[prefix.PrefixPorts]dataSet

func (m overlapMap) add(p prefix.PrefixPorts, tags dataSet) {
	if s, ok := m[p]; ok {
		s.add(tags)
		return
	}
	s := dataSet{}
	s.add(tags)
	m[p] = s
}

func (m overlapMap) keys() []prefix.PrefixPorts {
	out := make([]prefix.PrefixPorts, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// natReq is the requirement an expose puts on its side of a flow.
func natReq(e *overlay.VpcExpose) packet.NatRequirement {
	if !e.HasNat() {
		return packet.NatRequirement{}
	}
	return e.NatRequirement()
}

// side extracts the prefixes one side of a peering contributes: private prefixes for the local
// manifest, public ones for the remote manifest.
type side func(*overlay.VpcExpose) prefix.Set

func localIPs(e *overlay.VpcExpose) prefix.Set  { return e.Ips }
func remoteIPs(e *overlay.VpcExpose) prefix.Set { return e.PublicIPs() }

func concretePrefixes(m *overlay.VpcManifest, ips side) []exposePrefix {
	var out []exposePrefix
	for _, e := range m.Exposes {
		if e.Default {
			continue
		}
		for _, p := range ips(e).Items() {
			out = append(out, exposePrefix{prefix: p, expose: e})
		}
	}
	return out
}

// tagger builds the candidate destination a prefix of a given expose stands for.
type tagger func(vpcd packet.Vni, e *overlay.VpcExpose) RemoteData

func localTag(vpcd packet.Vni, e *overlay.VpcExpose) RemoteData {
	return RemoteData{Vpcd: vpcd, SrcNatReq: natReq(e)}
}

func remoteTag(vpcd packet.Vni, e *overlay.VpcExpose) RemoteData {
	return RemoteData{Vpcd: vpcd, DstNatReq: natReq(e)}
}

// manifestOverlap intersects the prefixes of two manifests. A default expose overlaps every
// prefix of the other manifest.
func manifestOverlap(left *overlay.VpcManifest, leftVpcd packet.Vni, right *overlay.VpcManifest, rightVpcd packet.Vni, ips side, tag tagger, withDefaults bool) overlapMap {
	out := overlapMap{}
	for _, l := range concretePrefixes(left, ips) {
		for _, r := range concretePrefixes(right, ips) {
			if inter, ok := l.prefix.Intersection(r.prefix); ok {
				out.add(inter, newDataSet(tag(leftVpcd, l.expose), tag(rightVpcd, r.expose)))
			}
		}
	}
	if !withDefaults {
		return out
	}
	if rd, ok := right.DefaultExpose(); ok {
		for _, l := range concretePrefixes(left, ips) {
			out.add(l.prefix, newDataSet(tag(leftVpcd, l.expose), tag(rightVpcd, rd)))
		}
	}
	return out
}

// sameManifestOverlap finds prefixes shared by two exposes of one manifest, such as a port
// forwarding rule inside a masquerading pool.
func sameManifestOverlap(m *overlay.VpcManifest, vpcd packet.Vni, ips side, tag tagger) overlapMap {
	out := overlapMap{}
	prefixes := concretePrefixes(m, ips)
	for i, l := range prefixes {
		for _, r := range prefixes[i+1:] {
			if l.expose == r.expose {
				continue
			}
			if inter, ok := l.prefix.Intersection(r.prefix); ok {
				out.add(inter, newDataSet(tag(vpcd, l.expose), tag(vpcd, r.expose)))
			}
		}
	}
	return out
}

// consolidate merges adjacent overlap entries that carry the same candidates.
func consolidate(in overlapMap) overlapMap {
	pending := overlapMap{}
	for p, s := range in {
		pending.add(p, s)
	}
	out := overlapMap{}
	for len(pending) > 0 {
		keys := pending.keys()
		first := keys[0]
		firstSet := pending[first]
		delete(pending, first)
		if len(keys) > 1 {
			second := keys[1]
			if merged, ok := first.Merge(second); ok && firstSet.equal(pending[second]) {
				delete(pending, second)
				pending.add(merged, firstSet)
				continue
			}
		}
		out.add(first, firstSet)
	}
	return out
}

// splitPiece is a fragment of an exposed prefix. tags is nil outside of any overlap.
type splitPiece struct {
	prefix prefix.PrefixPorts
	expose *overlay.VpcExpose
	tags   dataSet
}

// split fragments every prefix against the overlaps so that each fragment lies either
// entirely inside overlaps or entirely outside of them.
func split(prefixes []exposePrefix, overlaps overlapMap) []splitPiece {
	keys := overlaps.keys()
	var out []splitPiece
	for _, ep := range prefixes {
		pieces := []splitPiece{{prefix: ep.prefix, expose: ep.expose}}
		for _, o := range keys {
			var next []splitPiece
			for _, piece := range pieces {
				inter, ok := piece.prefix.Intersection(o)
				if !ok {
					next = append(next, piece)
					continue
				}
				for _, rest := range piece.prefix.Subtract(o) {
					next = append(next, splitPiece{prefix: rest, expose: piece.expose, tags: piece.tags})
				}
				tags := dataSet{}
				tags.add(piece.tags)
				tags.add(overlaps[o])
				next = append(next, splitPiece{prefix: inter, expose: piece.expose, tags: tags})
			}
			pieces = next
		}
		out = append(out, pieces...)
	}
	return out
}

// combine computes the result for traffic from a local fragment to a remote fragment of a
// peering toward dstVpcd. A multiple local fragment keeps the result multiple, since the
// destination VPC cannot be told from the source address either.
func combine(dstVpcd packet.Vni, local, remote splitPiece) LookupResult {
	own := RemoteData{Vpcd: dstVpcd, SrcNatReq: natReq(local.expose), DstNatReq: natReq(remote.expose)}
	cands := dataSet{}
	switch {
	case local.tags == nil && remote.tags == nil:
		return Single(own)
	case local.tags == nil:
		for y := range remote.tags {
			if y.Vpcd == dstVpcd {
				cands[RemoteData{Vpcd: dstVpcd, SrcNatReq: own.SrcNatReq, DstNatReq: y.DstNatReq}] = struct{}{}
			}
		}
		if len(cands) <= 1 {
			return Single(own)
		}
	case remote.tags == nil:
		for x := range local.tags {
			if x.Vpcd == dstVpcd {
				cands[RemoteData{Vpcd: dstVpcd, SrcNatReq: x.SrcNatReq, DstNatReq: own.DstNatReq}] = struct{}{}
			}
		}
	default:
		for x := range local.tags {
			for y := range remote.tags {
				if x.Vpcd == y.Vpcd {
					cands[RemoteData{Vpcd: x.Vpcd, SrcNatReq: x.SrcNatReq, DstNatReq: y.DstNatReq}] = struct{}{}
				}
			}
		}
	}
	if len(cands) == 0 {
		cands[own] = struct{}{}
	}
	return Multiple(cands.sorted()...)
}

// BuildFromOverlay builds the flow filter table of a validated overlay.
func BuildFromOverlay(ov *overlay.Overlay) (*Table, error) {
	t := NewTable()
	for _, vpc := range ov.VpcTable.Values() {
		peerings := make([]*overlay.Peering, len(vpc.Peerings))
		for i, p := range vpc.Peerings {
			peerings[i] = overlay.CollapsePeering(p)
		}
		for _, p := range peerings {
			if err := t.processPeering(ov, vpc, p, peerings); err != nil {
				return nil, errors.Wrapf(err, "vpc %s peering %s", vpc.Name, p.Name)
			}
		}
	}
	log.Debug().Msgf("Flow filter table built:\n%s", t)
	return t, nil
}

func (t *Table) processPeering(ov *overlay.Overlay, vpc *overlay.Vpc, p *overlay.Peering, peerings []*overlay.Peering) error {
	dstVpcd, ok := ov.VpcTable.RemoteVni(p)
	if !ok {
		return errors.Wrap(overlay.ErrNoSuchVpc, p.RemoteID)
	}

	localOverlap := sameManifestOverlap(p.Local, dstVpcd, localIPs, localTag)
	remoteOverlap := sameManifestOverlap(p.Remote, dstVpcd, remoteIPs, remoteTag)
	_, localDefault := p.Local.DefaultExpose()
	var localDefaultTags dataSet

	for _, other := range peerings {
		if other.Name == p.Name {
			continue
		}
		otherVpcd, ok := ov.VpcTable.RemoteVni(other)
		if !ok {
			return errors.Wrap(overlay.ErrNoSuchVpc, other.RemoteID)
		}
		lo := manifestOverlap(p.Local, dstVpcd, other.Local, otherVpcd, localIPs, localTag, true)
		_, otherLocalDefault := other.Local.DefaultExpose()
		defaultsOverlap := localDefault && (otherLocalDefault || len(concretePrefixes(other.Local, localIPs)) > 0)
		ro := manifestOverlap(p.Remote, dstVpcd, other.Remote, otherVpcd, remoteIPs, remoteTag, false)
		// the destination is only ambiguous when both ends of the flow are
		if (len(lo) == 0 && !defaultsOverlap) || len(ro) == 0 {
			continue
		}
		for k, s := range lo {
			localOverlap.add(k, s)
		}
		for k, s := range ro {
			remoteOverlap.add(k, s)
		}
		if defaultsOverlap {
			if localDefaultTags == nil {
				localDefaultTags = dataSet{}
			}
			ld, _ := p.Local.DefaultExpose()
			localDefaultTags.add(newDataSet(localTag(dstVpcd, ld)))
			if od, ok := other.Local.DefaultExpose(); ok {
				localDefaultTags.add(newDataSet(localTag(otherVpcd, od)))
			} else {
				for _, ep := range concretePrefixes(other.Local, localIPs) {
					localDefaultTags.add(newDataSet(localTag(otherVpcd, ep.expose)))
				}
			}
		}
	}

	local := split(concretePrefixes(p.Local, localIPs), consolidate(localOverlap))
	remote := split(concretePrefixes(p.Remote, remoteIPs), consolidate(remoteOverlap))
	srcVpcd := vpc.Vni

	for _, l := range local {
		for _, r := range remote {
			if err := t.Insert(srcVpcd, combine(dstVpcd, l, r), l.prefix, r.prefix); err != nil {
				return err
			}
		}
	}

	// default exposes come last
	remoteDefault, hasRemoteDefault := p.Remote.DefaultExpose()
	if hasRemoteDefault {
		rd := splitPiece{expose: remoteDefault}
		for _, l := range local {
			if err := t.InsertDefaultRemote(srcVpcd, combine(dstVpcd, l, rd), l.prefix); err != nil {
				return err
			}
		}
	}
	if localDefault {
		ld, _ := p.Local.DefaultExpose()
		lp := splitPiece{expose: ld, tags: localDefaultTags}
		for _, r := range remote {
			if err := t.InsertDefaultSource(srcVpcd, combine(dstVpcd, lp, r), r.prefix); err != nil {
				return err
			}
		}
		if hasRemoteDefault {
			rd := splitPiece{expose: remoteDefault}
			if err := t.InsertDefaultSourceToDefaultRemote(srcVpcd, combine(dstVpcd, lp, rd)); err != nil {
				return err
			}
		}
	}
	return nil
}

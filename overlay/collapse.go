package overlay

import "vpcnat/prefix"

// CollapsePrefixLists applies exclusions to a list of allowed prefixes and returns the disjoint
// prefixes covering exactly the allowed, non-excluded addresses and ports.
func CollapsePrefixLists(allowed, excludes prefix.Set) prefix.Set {
	result := allowed.Clone()
	for _, x := range excludes.Items() {
		for _, p := range result.Clone().Items() {
			if !p.Overlaps(x) {
				continue
			}
			result.Remove(p)
			for _, piece := range p.Subtract(x) {
				result.Insert(piece)
			}
		}
	}
	return result
}

// CollapseExpose returns a copy of e where exclusions are folded into ips and as.
func CollapseExpose(e *VpcExpose) *VpcExpose {
	c := e.Clone()
	if c.Default {
		return c
	}
	c.Ips = CollapsePrefixLists(e.Ips, e.Nots)
	c.Nots = prefix.Set{}
	if c.Nat != nil {
		c.Nat.AsRange = CollapsePrefixLists(e.Nat.AsRange, e.Nat.NotAs)
		c.Nat.NotAs = prefix.Set{}
	}
	return c
}

func CollapseManifest(m *VpcManifest) *VpcManifest {
	c := &VpcManifest{Name: m.Name, Exposes: make([]*VpcExpose, len(m.Exposes))}
	for i, e := range m.Exposes {
		c.Exposes[i] = CollapseExpose(e)
	}
	return c
}

// CollapsePeering collapses both manifests of a peering.
func CollapsePeering(p *Peering) *Peering {
	c := *p
	c.Local = CollapseManifest(p.Local)
	c.Remote = CollapseManifest(p.Remote)
	return &c
}

package overlay

import (
	"math/big"

	"vpcnat/packet"
	"vpcnat/prefix"
)

// VpcManifest is what one VPC exposes in a peering.
type VpcManifest struct {
	Name    string
	Exposes []*VpcExpose
}

func NewManifest(name string) *VpcManifest {
	return &VpcManifest{Name: name}
}

// AddExpose appends an expose. A manifest carries at most one default expose.
func (m *VpcManifest) AddExpose(e *VpcExpose) error {
	if e.Default {
		if _, ok := m.DefaultExpose(); ok {
			return newError(ErrInternalFailure, "multiple default exposes in manifest "+m.Name)
		}
	}
	m.Exposes = append(m.Exposes, e)
	return nil
}

// DefaultExpose returns the default expose, if any.
func (m *VpcManifest) DefaultExpose() (*VpcExpose, bool) {
	for _, e := range m.Exposes {
		if e.Default {
			return e, true
		}
	}
	return nil, false
}

// ExposesWith returns the exposes using the given NAT mode.
func (m *VpcManifest) ExposesWith(mode packet.NatMode) []*VpcExpose {
	var out []*VpcExpose
	for _, e := range m.Exposes {
		if e.NatMode() == mode {
			out = append(out, e)
		}
	}
	return out
}

func (m *VpcManifest) Clone() *VpcManifest {
	c := &VpcManifest{Name: m.Name, Exposes: make([]*VpcExpose, len(m.Exposes))}
	for i, e := range m.Exposes {
		c.Exposes[i] = e.Clone()
	}
	return c
}

func (m *VpcManifest) Validate() error {
	if m.Name == "" {
		return newError(ErrMissingIdentifier, "manifest name")
	}
	for _, e := range m.Exposes {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	return m.validateExposeCollisions()
}

func (m *VpcManifest) validateExposeCollisions() error {
	for i, left := range m.Exposes {
		for _, right := range m.Exposes[i+1:] {
			if err := checkCollision(left, right); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkCollision(left, right *VpcExpose) error {
	lm, rm := left.NatMode(), right.NatMode()
	switch {
	// port forwarding may be carved out of a stateful pool since each opens connections in one
	// direction only
	case lm == packet.Stateful && rm == packet.PortForwarding:
		return checkNoOverlapOrLeftContainsRight(left, right)
	case lm == packet.PortForwarding && rm == packet.Stateful:
		return checkNoOverlapOrLeftContainsRight(right, left)
	case lm == packet.NoNat && rm == packet.NoNat:
		return checkPrefixesDontOverlap(left.Ips, left.Nots, right.Ips, right.Nots)
	}
	if err := checkPrefixesDontOverlap(left.Ips, left.Nots, right.Ips, right.Nots); err != nil {
		return err
	}
	return checkPrefixesDontOverlap(left.PublicIPs(), left.PublicExcludes(), right.PublicIPs(), right.PublicExcludes())
}

// checkPrefixesDontOverlap fails if some address (and port) is allowed by both sides once
// exclusions are applied. For each colliding pair, the intersection must be fully covered by
// the union of the exclusions of both sides.
func checkPrefixesDontOverlap(left, leftExcl, right, rightExcl prefix.Set) error {
	for _, l := range left.Items() {
		for _, r := range right.Items() {
			inter, ok := l.Intersection(r)
			if !ok {
				continue
			}
			excluded := new(big.Int)
			// exclusions are disjoint on each side, so at most one left and one right
			// exclusion overlap at any point
			var rightParts []prefix.PrefixPorts
			for _, xr := range rightExcl.Items() {
				if part, ok := xr.Intersection(inter); ok {
					rightParts = append(rightParts, part)
					excluded.Add(excluded, part.Size())
				}
			}
			for _, xl := range leftExcl.Items() {
				part, ok := xl.Intersection(inter)
				if !ok {
					continue
				}
				excluded.Add(excluded, part.Size())
				for _, rp := range rightParts {
					if both, ok := part.Intersection(rp); ok {
						excluded.Sub(excluded, both.Size())
					}
				}
			}
			if excluded.Cmp(inter.Size()) < 0 {
				return newError(ErrOverlappingPrefixes, "", l, r)
			}
		}
	}
	return nil
}

// checkNoOverlapOrLeftContainsRight accepts overlap only where a left prefix covers the right
// one, for private then public prefixes.
func checkNoOverlapOrLeftContainsRight(left, right *VpcExpose) error {
	if err := checkListsNoOverlapOrLeftContainsRight(left.Ips, left.Nots, right.Ips, right.Nots); err != nil {
		return err
	}
	return checkListsNoOverlapOrLeftContainsRight(left.PublicIPs(), left.PublicExcludes(), right.PublicIPs(), right.PublicExcludes())
}

func checkListsNoOverlapOrLeftContainsRight(left, leftExcl, right, rightExcl prefix.Set) error {
	l := CollapsePrefixLists(left, leftExcl)
	r := CollapsePrefixLists(right, rightExcl)
	for _, pl := range l.Items() {
		for _, pr := range r.Items() {
			if pl.Overlaps(pr) && !pl.Covers(pr) {
				return newError(ErrOverlappingPrefixes, "", pl, pr)
			}
		}
	}
	return nil
}

package overlay

import (
	"sort"

	"vpcnat/packet"
)

// VpcPeering connects two VPCs, each exposing a manifest to the other.
type VpcPeering struct {
	Name    string
	Left    *VpcManifest
	Right   *VpcManifest
	GwGroup string
}

func NewVpcPeering(name string, left, right *VpcManifest, gwGroup string) *VpcPeering {
	return &VpcPeering{Name: name, Left: left, Right: right, GwGroup: gwGroup}
}

// Manifests returns the manifest of vpc and the manifest of its peer, in that order.
func (p *VpcPeering) Manifests(vpc string) (local, remote *VpcManifest, ok bool) {
	switch vpc {
	case p.Left.Name:
		return p.Left, p.Right, true
	case p.Right.Name:
		return p.Right, p.Left, true
	}
	return nil, nil, false
}

// VpcPeeringTable - peerings by name
type VpcPeeringTable struct {
	peerings map[string]*VpcPeering
}

func NewVpcPeeringTable() *VpcPeeringTable {
	return &VpcPeeringTable{peerings: map[string]*VpcPeering{}}
}

func (t *VpcPeeringTable) Add(p *VpcPeering) error {
	if p.Name == "" {
		return newError(ErrMissingIdentifier, "peering name")
	}
	if t.peerings == nil {
		t.peerings = map[string]*VpcPeering{}
	}
	if _, ok := t.peerings[p.Name]; ok {
		return newError(ErrDuplicateVpcPeeringID, p.Name)
	}
	t.peerings[p.Name] = p
	return nil
}

func (t *VpcPeeringTable) Get(name string) (*VpcPeering, bool) {
	p, ok := t.peerings[name]
	return p, ok
}

func (t *VpcPeeringTable) Len() int {
	return len(t.peerings)
}

// Values returns the peerings sorted by name.
func (t *VpcPeeringTable) Values() []*VpcPeering {
	out := make([]*VpcPeering, 0, len(t.peerings))
	for _, p := range t.peerings {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PeeringsOf returns the peerings vpc is part of, as seen from vpc.
func (t *VpcPeeringTable) PeeringsOf(vpc string) []*Peering {
	var out []*Peering
	for _, p := range t.Values() {
		local, remote, ok := p.Manifests(vpc)
		if !ok {
			continue
		}
		out = append(out, &Peering{Name: p.Name, Local: local, Remote: remote, RemoteID: remote.Name, GwGroup: p.GwGroup})
	}
	return out
}

// Peering is a VpcPeering seen from one of its VPCs.
type Peering struct {
	Name   string
	Local  *VpcManifest
	Remote *VpcManifest
	// RemoteID is the name of the remote VPC, resolved against the VpcTable.
	RemoteID string
	GwGroup  string
}

// Validate checks the local manifest and the NAT modes used on both sides.
func (p *Peering) Validate() error {
	if err := p.Local.Validate(); err != nil {
		return err
	}
	return p.validateNatCombinations()
}

func (p *Peering) validateNatCombinations() error {
	hasMode := func(m *VpcManifest, mode packet.NatMode) bool {
		return len(m.ExposesWith(mode)) > 0
	}
	localStateful, remoteStateful := hasMode(p.Local, packet.Stateful), hasMode(p.Remote, packet.Stateful)
	localStateless, remoteStateless := hasMode(p.Local, packet.Stateless), hasMode(p.Remote, packet.Stateless)
	if (localStateful && remoteStateless) || (localStateless && remoteStateful) {
		return newError(ErrStatefulPlusStatelessNat, p.Name)
	}
	return nil
}

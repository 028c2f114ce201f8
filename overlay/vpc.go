package overlay

import (
	"sort"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"vpcnat/packet"
)

const vpcIDLen = 5

// VpcID is the fixed size, unique identifier of a VPC.
type VpcID string

// NewVpcID - id must be 5 ASCII alphanumerics
func NewVpcID(id string) (VpcID, error) {
	if len(id) != vpcIDLen {
		return "", newError(ErrBadVpcID, id)
	}
	for _, c := range []byte(id) {
		isAlnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !isAlnum {
			return "", newError(ErrBadVpcID, id)
		}
	}
	return VpcID(id), nil
}

type Vpc struct {
	Name string
	ID   VpcID
	Vni  packet.Vni
	// Peerings is filled by Overlay.Validate.
	Peerings []*Peering
}

func NewVpc(name, id string, vni uint32) (*Vpc, error) {
	v, err := packet.NewVni(vni)
	if err != nil {
		return nil, newError(ErrBadVni, err.Error())
	}
	vpcID, err := NewVpcID(id)
	if err != nil {
		return nil, err
	}
	return &Vpc{Name: name, ID: vpcID, Vni: v}, nil
}

// Validate checks the peerings collected for the VPC.
func (v *Vpc) Validate() error {
	log.Debug().Msgf("Validating vpc %s", v.Name)
	if err := v.checkPeeringCount(); err != nil {
		return err
	}
	for _, p := range v.Peerings {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return v.checkDefaults()
}

func (v *Vpc) checkPeeringCount() error {
	peers := map[string]bool{}
	for _, p := range v.Peerings {
		if peers[p.RemoteID] {
			log.Error().Msgf("vpc %s peers more than once with %s", v.Name, p.RemoteID)
			return newError(ErrDuplicateVpcPeerings, p.Name)
		}
		peers[p.RemoteID] = true
	}
	return nil
}

// checkDefaults - at most one default destination may be exposed to a VPC. Overlapping prefixes
// exposed by different peers are allowed and resolved by the flow filter.
func (v *Vpc) checkDefaults() error {
	found := false
	for _, p := range v.Peerings {
		if _, ok := p.Remote.DefaultExpose(); !ok {
			continue
		}
		if found {
			return newError(ErrForbidden, "multiple default destinations exposed to vpc "+v.Name)
		}
		found = true
	}
	return nil
}

// VpcTable - VPCs by name, with unique VNIs and IDs
type VpcTable struct {
	vpcs map[string]*Vpc
	vnis map[packet.Vni]string
	ids  map[VpcID]string
}

func NewVpcTable() *VpcTable {
	return &VpcTable{vpcs: map[string]*Vpc{}, vnis: map[packet.Vni]string{}, ids: map[VpcID]string{}}
}

func (t *VpcTable) Add(v *Vpc) error {
	if t.vpcs == nil {
		*t = *NewVpcTable()
	}
	if _, ok := t.vnis[v.Vni]; ok {
		return newError(ErrDuplicateVpcVni, v.Vni.String())
	}
	if _, ok := t.ids[v.ID]; ok {
		return newError(ErrDuplicateVpcID, string(v.ID))
	}
	if _, ok := t.vpcs[v.Name]; ok {
		return newError(ErrDuplicateVpcName, v.Name)
	}
	t.vpcs[v.Name] = v
	t.vnis[v.Vni] = v.Name
	t.ids[v.ID] = v.Name
	return nil
}

func (t *VpcTable) Get(name string) (*Vpc, bool) {
	v, ok := t.vpcs[name]
	return v, ok
}

func (t *VpcTable) ByID(id VpcID) (*Vpc, bool) {
	name, ok := t.ids[id]
	if !ok {
		return nil, false
	}
	return t.Get(name)
}

func (t *VpcTable) ByVni(vni packet.Vni) (*Vpc, bool) {
	name, ok := t.vnis[vni]
	if !ok {
		return nil, false
	}
	return t.Get(name)
}

// RemoteVni returns the VNI of the remote VPC of a peering.
func (t *VpcTable) RemoteVni(p *Peering) (packet.Vni, bool) {
	v, ok := t.Get(p.RemoteID)
	if !ok {
		return 0, false
	}
	return v.Vni, true
}

func (t *VpcTable) Len() int {
	return len(t.vpcs)
}

// Values returns the VPCs sorted by name.
func (t *VpcTable) Values() []*Vpc {
	out := make([]*Vpc, 0, len(t.vpcs))
	for _, v := range t.vpcs {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate validates every VPC and returns all failures.
func (t *VpcTable) Validate() error {
	var err error
	for _, v := range t.Values() {
		err = multierr.Append(err, v.Validate())
	}
	return err
}

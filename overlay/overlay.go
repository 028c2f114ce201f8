package overlay

import (
	"github.com/rs/zerolog/log"
)

// Overlay is a complete control plane snapshot: VPCs and the peerings between them.
type Overlay struct {
	VpcTable     *VpcTable
	PeeringTable *VpcPeeringTable
}

func New() *Overlay {
	return &Overlay{VpcTable: NewVpcTable(), PeeringTable: NewVpcPeeringTable()}
}

func (o *Overlay) checkPeeringVpc(peering string, m *VpcManifest) error {
	if _, ok := o.VpcTable.Get(m.Name); !ok {
		log.Error().Msgf("peering %s: unknown vpc %s", peering, m.Name)
		return newError(ErrNoSuchVpc, m.Name)
	}
	return nil
}

// Validate checks that peered VPCs exist, attaches to every VPC its peerings and validates the
// VPC table. It must run before any table is built from the overlay.
func (o *Overlay) Validate() error {
	log.Debug().Msg("Validating overlay configuration")
	for _, p := range o.PeeringTable.Values() {
		if err := o.checkPeeringVpc(p.Name, p.Left); err != nil {
			return err
		}
		if err := o.checkPeeringVpc(p.Name, p.Right); err != nil {
			return err
		}
	}
	for _, v := range o.VpcTable.Values() {
		v.Peerings = o.PeeringTable.PeeringsOf(v.Name)
		if len(v.Peerings) == 0 {
			log.Warn().Msgf("vpc %s has no peerings", v.Name)
		}
	}
	return o.VpcTable.Validate()
}

package flowfilter

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vpcnat/packet"
)

// SessionLookup tells whether a flow already has a NAT session toward a destination VPC.
type SessionLookup interface {
	HasSession(p *packet.Packet, dstVni packet.Vni) bool
}

// Filter resolves the destination VPC of packets and drops those no peering allows.
type Filter struct {
	name     string
	tables   *Reader
	sessions SessionLookup
}

// NewFilter - sessions may be nil, in which case ambiguous destinations are only resolved when
// a single candidate is left. tables may be nil when the caller hands the table to ProcessWith.
func NewFilter(name string, tables *Reader, sessions SessionLookup) *Filter {
	return &Filter{name: name, tables: tables, sessions: sessions}
}

func (f *Filter) Name() string {
	return f.name
}

func setNatRequirements(p *packet.Packet, d RemoteData) {
	p.Meta.DstVni = d.Vpcd
	p.Meta.SrcNat = d.SrcNatReq
	p.Meta.DstNat = d.DstNatReq
}

// Process sets the destination VPC and the NAT requirements of p, or marks it done.
func (f *Filter) Process(p *packet.Packet) {
	f.ProcessWith(f.tables.Load(), p)
}

// ProcessWith is Process against table.
func (f *Filter) ProcessWith(table *Table, p *packet.Packet) {
	if p.IsDone() {
		return
	}
	if !p.IsIP() {
		p.SetDone(packet.NotIP)
		return
	}
	if p.Meta.SrcVni == 0 {
		log.Debug().Msgf("%s: missing source vpc for %s", f.name, p.FlowString())
		p.SetDone(packet.Unroutable)
		return
	}
	var ports *Ports
	if sport, dport, ok := p.Ports(); ok {
		ports = &Ports{Src: sport, Dst: dport}
	}
	result, ok := table.Lookup(p.Meta.SrcVni, p.Src(), p.Dst(), ports)
	if !ok {
		log.Debug().Msgf("%s: no destination vpc for %s from vpc %s", f.name, p.FlowString(), p.Meta.SrcVni)
		p.SetDone(packet.Filtered)
		return
	}

	if d, ok := result.Single(); ok {
		setNatRequirements(p, d)
		f.logAllowed(p)
		return
	}

	byVpc := groupByVpc(result.Candidates())
	var withSession []RemoteData
	if f.sessions != nil {
		for _, c := range byVpc {
			if f.sessions.HasSession(p, c.Vpcd) {
				withSession = append(withSession, c)
			}
		}
	}
	switch {
	case len(withSession) == 1:
		setNatRequirements(p, withSession[0])
	case len(byVpc) == 1:
		setNatRequirements(p, byVpc[0])
	default:
		log.Debug().Msgf("%s: %s matches %s, no session to pick one", f.name, p.FlowString(), result)
		p.SetDone(packet.Unroutable)
		return
	}
	f.logAllowed(p)
}

// preferred picks between two requirements of the same side of a flow, favouring mode.
func preferred(a, b packet.NatRequirement, mode packet.NatMode) packet.NatRequirement {
	switch {
	case b.Mode == mode:
		return b
	case a.Mode == mode || a.IsSet():
		return a
	}
	return b
}

// groupByVpc folds candidates toward the same VPC into one. They only differ by translation,
// e.g. a port forwarded host inside a stateful pool: a new flow from it is masqueraded, a new
// flow to it is forwarded.
func groupByVpc(cands []RemoteData) []RemoteData {
	var out []RemoteData
	for _, c := range cands {
		if n := len(out); n > 0 && out[n-1].Vpcd == c.Vpcd {
			out[n-1].SrcNatReq = preferred(out[n-1].SrcNatReq, c.SrcNatReq, packet.Stateful)
			out[n-1].DstNatReq = preferred(out[n-1].DstNatReq, c.DstNatReq, packet.PortForwarding)
			continue
		}
		out = append(out, c)
	}
	return out
}

func (f *Filter) logAllowed(p *packet.Packet) {
	if log.Logger.GetLevel() > zerolog.DebugLevel {
		return
	}
	log.Debug().Msgf("%s: %s allowed from vpc %s to vpc %s", f.name, p.FlowString(), p.Meta.SrcVni, p.Meta.DstVni)
}

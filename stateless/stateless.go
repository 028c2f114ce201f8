package stateless

import (
	"net/netip"
	"sync/atomic"

	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog/log"

	"vpcnat/packet"
)

// Writer publishes stateless NAT tables to the stages reading them.
type Writer struct {
	current *atomic.Pointer[Tables]
}

func NewWriter() *Writer {
	w := &Writer{current: &atomic.Pointer[Tables]{}}
	w.current.Store(NewTables())
	return w
}

// Update replaces the published tables. t must not be modified afterwards.
func (w *Writer) Update(t *Tables) {
	w.current.Store(t)
	log.Debug().Msgf("Updated stateless nat tables, %d rules", t.Len())
}

func (w *Writer) Reader() *Reader {
	return &Reader{current: w.current}
}

type Reader struct {
	current *atomic.Pointer[Tables]
}

func (r *Reader) Load() *Tables {
	return r.current.Load()
}

// Stage translates packets the flow filter flagged for stateless NAT.
type Stage struct {
	name   string
	tables *Reader
}

func NewStage(name string, tables *Reader) *Stage {
	return &Stage{name: name, tables: tables}
}

func (s *Stage) Name() string {
	return s.name
}

// Process rewrites the source of p when its own expose is stateless, and the destination when
// the expose of the peer is.
func (s *Stage) Process(p *packet.Packet) {
	s.ProcessWith(s.tables.Load(), p)
}

// ProcessWith is Process against tables.
func (s *Stage) ProcessWith(tables *Tables, p *packet.Packet) {
	if p.IsDone() || !p.Meta.NeedsNat(packet.Stateless) {
		return
	}
	if p.Meta.SrcVni == 0 || p.Meta.DstVni == 0 {
		log.Warn().Msgf("%s: %s has no vpc annotations", s.name, p.FlowString())
		p.SetDone(packet.Unroutable)
		return
	}
	table, ok := tables.Get(p.Meta.SrcVni)
	if !ok {
		log.Warn().Msgf("%s: no nat table for vni %s", s.name, p.Meta.SrcVni)
		p.SetDone(packet.Unroutable)
		return
	}
	sport, dport, hasPorts := p.Ports()
	dstVni := p.Meta.DstVni

	if p.Meta.SrcNat.Mode == packet.Stateless {
		addr, port, ok := table.FindSrcMapping(p.Src(), sport, hasPorts, dstVni)
		if !ok {
			log.Debug().Msgf("%s: no source mapping for %s", s.name, p.FlowString())
			p.SetDone(packet.Filtered)
			return
		}
		log.Debug().Msgf("%s: source %s -> %s", s.name, netip.AddrPortFrom(p.Src(), sport), netip.AddrPortFrom(addr, port))
		if !p.SetSrc(addr) {
			p.SetDone(packet.InternalFailure)
			return
		}
		if hasPorts {
			p.SetSrcPort(port)
		}
	}
	if p.Meta.DstNat.Mode == packet.Stateless {
		addr, port, ok := table.FindDstMapping(p.Dst(), dport, hasPorts, dstVni)
		if !ok {
			log.Debug().Msgf("%s: no destination mapping for %s", s.name, p.FlowString())
			p.SetDone(packet.Filtered)
			return
		}
		log.Debug().Msgf("%s: destination %s -> %s", s.name, netip.AddrPortFrom(p.Dst(), dport), netip.AddrPortFrom(addr, port))
		if !p.SetDst(addr) {
			p.SetDone(packet.InternalFailure)
			return
		}
		if hasPorts {
			p.SetDstPort(port)
		}
	}
	if p.IsIcmpError() {
		s.translateEmbedded(table, p)
	}
}

// translateEmbedded maps the datagram quoted by an ICMP error. It travelled the other way, so
// its source is a public address of the peer and its destination a local private address.
func (s *Stage) translateEmbedded(table *PerVniTable, p *packet.Packet) {
	inner, err := p.Embedded()
	if err != nil {
		log.Debug().Err(err).Msgf("%s: cannot read quoted datagram of %s", s.name, p.FlowString())
		return
	}
	sport, dport, hasPorts := inner.L4IDs()
	switch inner.Protocol() {
	case layers.IPProtocolTCP, layers.IPProtocolUDP:
	default:
		// echo identifiers are not ports
		hasPorts = false
	}
	newSport, newDport := sport, dport
	if p.Meta.DstNat.Mode == packet.Stateless {
		if addr, port, ok := table.FindDstMapping(inner.Src(), sport, hasPorts, p.Meta.DstVni); ok {
			inner.SetSrc(addr)
			newSport = port
		}
	}
	if p.Meta.SrcNat.Mode == packet.Stateless {
		if addr, port, ok := table.FindSrcMapping(inner.Dst(), dport, hasPorts, p.Meta.DstVni); ok {
			inner.SetDst(addr)
			newDport = port
		}
	}
	if hasPorts && (newSport != sport || newDport != dport) {
		inner.SetL4IDs(newSport, newDport)
	}
	log.Debug().Msgf("%s: quoted datagram is now %s", s.name, inner.FlowString())
}

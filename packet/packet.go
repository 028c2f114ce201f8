// Package packet is the parsed, mutable packet handle the NAT stages work on. Stages read and
// rewrite header fields in place and record a DoneReason when a packet must be dropped.
package packet

import (
	"errors"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog/log"
	"go4.org/netipx"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

var (
	ErrNotIP      = errors.New("packet has no ip layer")
	ErrNotICMPErr = errors.New("packet is not an icmp error")
	ErrEmbedded   = errors.New("icmp error does not quote an ip packet")

	// FixLengths is needed, UDP lengths break without it.
	SerializeOptions = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
)

// Packet extends gopacket.Packet with typed header references and pipeline metadata.
type Packet struct {
	gopacket.Packet
	Meta Meta
	// Layer references, set once at parse time. At most one of each group is non nil.
	Ip4       *layers.IPv4
	Ip6       *layers.IPv6
	Tcp       *layers.TCP
	Udp       *layers.UDP
	Icmp4     *layers.ICMPv4
	Icmp6     *layers.ICMPv6
	Icmp6Echo *layers.ICMPv6Echo

	embedded    *Embedded
	embeddedErr error
}

// Parse decodes data starting at the first layer type (Ethernet, IPv4 or IPv6).
func Parse(data []byte, first gopacket.LayerType) *Packet {
	return New(gopacket.NewPacket(data, first, gopacket.Default))
}

// New wraps an already decoded packet.
func New(pkt gopacket.Packet) *Packet {
	p := &Packet{Packet: pkt}
	for _, l := range pkt.Layers() {
		switch l := l.(type) {
		case *layers.IPv4:
			if p.Ip4 == nil && p.Ip6 == nil {
				p.Ip4 = l
			}
		case *layers.IPv6:
			if p.Ip4 == nil && p.Ip6 == nil {
				p.Ip6 = l
			}
		case *layers.TCP:
			p.Tcp = l
		case *layers.UDP:
			p.Udp = l
		case *layers.ICMPv4:
			p.Icmp4 = l
		case *layers.ICMPv6:
			p.Icmp6 = l
		case *layers.ICMPv6Echo:
			p.Icmp6Echo = l
		}
	}
	var nl gopacket.NetworkLayer
	if p.Ip4 != nil {
		nl = p.Ip4
	} else if p.Ip6 != nil {
		nl = p.Ip6
	}
	if nl != nil {
		if p.Tcp != nil {
			_ = p.Tcp.SetNetworkLayerForChecksum(nl)
		}
		if p.Udp != nil {
			_ = p.Udp.SetNetworkLayerForChecksum(nl)
		}
		if p.Icmp6 != nil {
			_ = p.Icmp6.SetNetworkLayerForChecksum(nl)
		}
	}
	return p
}

func (p *Packet) IsIP() bool {
	return p.Ip4 != nil || p.Ip6 != nil
}

func (p *Packet) Is4() bool {
	return p.Ip4 != nil
}

// SetDone records the first terminal outcome. Later reasons are ignored.
func (p *Packet) SetDone(reason DoneReason) {
	if p.Meta.Done != NotDone {
		return
	}
	log.Debug().Msgf("Packet %s done: %s", p.FlowString(), reason)
	p.Meta.Done = reason
}

func (p *Packet) IsDone() bool {
	return p.Meta.Done != NotDone
}

func toAddr(ip net.IP) netip.Addr {
	addr, _ := netipx.FromStdIP(ip)
	return addr
}

func (p *Packet) Src() netip.Addr {
	if p.Ip4 != nil {
		return toAddr(p.Ip4.SrcIP)
	} else if p.Ip6 != nil {
		return toAddr(p.Ip6.SrcIP)
	}
	return netip.Addr{}
}

func (p *Packet) Dst() netip.Addr {
	if p.Ip4 != nil {
		return toAddr(p.Ip4.DstIP)
	} else if p.Ip6 != nil {
		return toAddr(p.Ip6.DstIP)
	}
	return netip.Addr{}
}

// SetSrc rewrites the source address. It fails on a family mismatch.
func (p *Packet) SetSrc(addr netip.Addr) bool {
	if p.Ip4 != nil && addr.Is4() {
		p.Ip4.SrcIP = net.IP(addr.AsSlice())
		return true
	} else if p.Ip6 != nil && addr.Is6() {
		p.Ip6.SrcIP = net.IP(addr.AsSlice())
		return true
	}
	return false
}

func (p *Packet) SetDst(addr netip.Addr) bool {
	if p.Ip4 != nil && addr.Is4() {
		p.Ip4.DstIP = net.IP(addr.AsSlice())
		return true
	} else if p.Ip6 != nil && addr.Is6() {
		p.Ip6.DstIP = net.IP(addr.AsSlice())
		return true
	}
	return false
}

func (p *Packet) Protocol() layers.IPProtocol {
	if p.Ip6 != nil {
		return p.Ip6.NextHeader
	} else if p.Ip4 != nil {
		return p.Ip4.Protocol
	}
	return layers.IPProtocolNoNextHeader
}

// Ports returns the TCP or UDP ports.
func (p *Packet) Ports() (src, dst uint16, ok bool) {
	if p.Tcp != nil {
		return uint16(p.Tcp.SrcPort), uint16(p.Tcp.DstPort), true
	} else if p.Udp != nil {
		return uint16(p.Udp.SrcPort), uint16(p.Udp.DstPort), true
	}
	return 0, 0, false
}

func (p *Packet) SetSrcPort(port uint16) {
	if p.Tcp != nil {
		p.Tcp.SrcPort = layers.TCPPort(port)
	} else if p.Udp != nil {
		p.Udp.SrcPort = layers.UDPPort(port)
	}
}

func (p *Packet) SetDstPort(port uint16) {
	if p.Tcp != nil {
		p.Tcp.DstPort = layers.TCPPort(port)
	} else if p.Udp != nil {
		p.Udp.DstPort = layers.UDPPort(port)
	}
}

// IcmpEcho returns the identifier of an echo request or reply.
func (p *Packet) IcmpEcho() (id uint16, ok bool) {
	if p.Icmp4 != nil {
		switch ipv4.ICMPType(p.Icmp4.TypeCode.Type()) {
		case ipv4.ICMPTypeEcho, ipv4.ICMPTypeEchoReply:
			return p.Icmp4.Id, true
		}
	} else if p.Icmp6 != nil && p.Icmp6Echo != nil {
		switch ipv6.ICMPType(p.Icmp6.TypeCode.Type()) {
		case ipv6.ICMPTypeEchoRequest, ipv6.ICMPTypeEchoReply:
			return p.Icmp6Echo.Identifier, true
		}
	}
	return 0, false
}

func (p *Packet) SetIcmpID(id uint16) {
	if p.Icmp4 != nil {
		p.Icmp4.Id = id
	} else if p.Icmp6Echo != nil {
		p.Icmp6Echo.Identifier = id
	}
}

// IsIcmpError - true for the ICMP messages that quote an offending datagram.
func (p *Packet) IsIcmpError() bool {
	if p.Icmp4 != nil {
		switch ipv4.ICMPType(p.Icmp4.TypeCode.Type()) {
		case ipv4.ICMPTypeDestinationUnreachable, ipv4.ICMPTypeTimeExceeded, ipv4.ICMPTypeParameterProblem, ipv4.ICMPTypeRedirect:
			return true
		}
	} else if p.Icmp6 != nil {
		switch ipv6.ICMPType(p.Icmp6.TypeCode.Type()) {
		case ipv6.ICMPTypeDestinationUnreachable, ipv6.ICMPTypePacketTooBig, ipv6.ICMPTypeTimeExceeded, ipv6.ICMPTypeParameterProblem:
			return true
		}
	}
	return false
}

// L4IDs returns the identifiers a session is keyed on: ports for TCP and UDP, the identifier
// on both sides for ICMP echo.
func (p *Packet) L4IDs() (src, dst uint16, ok bool) {
	if src, dst, ok = p.Ports(); ok {
		return
	}
	if id, ok := p.IcmpEcho(); ok {
		return id, id, true
	}
	return 0, 0, false
}

// SetL4IDs is the inverse of L4IDs. ICMP echo only uses src.
func (p *Packet) SetL4IDs(src, dst uint16) {
	if p.Tcp != nil || p.Udp != nil {
		p.SetSrcPort(src)
		p.SetDstPort(dst)
		return
	}
	if _, ok := p.IcmpEcho(); ok {
		p.SetIcmpID(src)
	}
}

// Embedded returns the view of the datagram quoted by an ICMP error, decoding it on first use.
func (p *Packet) Embedded() (*Embedded, error) {
	if p.embedded != nil || p.embeddedErr != nil {
		return p.embedded, p.embeddedErr
	}
	if !p.IsIcmpError() {
		p.embeddedErr = ErrNotICMPErr
		return nil, p.embeddedErr
	}
	payload, ok := p.Layer(gopacket.LayerTypePayload).(*gopacket.Payload)
	if !ok {
		p.embeddedErr = ErrEmbedded
		return nil, p.embeddedErr
	}
	p.embedded, p.embeddedErr = decodeEmbedded(payload, p.Ip6 != nil)
	return p.embedded, p.embeddedErr
}

// Serialize writes the packet with every rewrite applied and checksums recomputed.
func (p *Packet) Serialize(buf gopacket.SerializeBuffer) ([]byte, error) {
	if p.embedded != nil {
		if err := p.embedded.commit(); err != nil {
			return nil, err
		}
	}
	if err := gopacket.SerializePacket(buf, SerializeOptions, p.Packet); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FlowString formats the 5-tuple for logs.
func (p *Packet) FlowString() string {
	if !p.IsIP() {
		return "(non-ip)"
	}
	src, dst, _ := p.L4IDs()
	return formatFlow(p.Protocol(), p.Src(), src, p.Dst(), dst)
}

package packet

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Embedded is the datagram quoted by an ICMP error. Only its IP header is decoded, the
// transport header is kept as raw bytes since errors usually quote just its first 8 bytes.
type Embedded struct {
	Ip4 *layers.IPv4
	Ip6 *layers.IPv6
	// Transport is what is quoted of the transport header, possibly truncated.
	Transport []byte

	payload *gopacket.Payload
	// bytes between the ICMP header and the quoted datagram
	lead  []byte
	dirty bool
	// the checksummed fields as of the last commit
	covered []byte
}

func decodeEmbedded(payload *gopacket.Payload, is6 bool) (*Embedded, error) {
	data := []byte(*payload)
	e := &Embedded{payload: payload}
	if is6 {
		// ICMPv6 keeps the 4 unused/MTU bytes in the payload
		if len(data) < 4 {
			return nil, ErrEmbedded
		}
		e.lead, data = data[:4], data[4:]
		ip := &layers.IPv6{}
		if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrEmbedded, err)
		}
		e.Ip6 = ip
		e.Transport = ip.Payload
		e.covered = e.checksummed()
		return e, nil
	}
	ip := &layers.IPv4{}
	if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEmbedded, err)
	}
	e.Ip4 = ip
	e.Transport = ip.Payload
	e.covered = e.checksummed()
	return e, nil
}

func (e *Embedded) Src() netip.Addr {
	if e.Ip4 != nil {
		return toAddr(e.Ip4.SrcIP)
	}
	return toAddr(e.Ip6.SrcIP)
}

func (e *Embedded) Dst() netip.Addr {
	if e.Ip4 != nil {
		return toAddr(e.Ip4.DstIP)
	}
	return toAddr(e.Ip6.DstIP)
}

func (e *Embedded) SetSrc(addr netip.Addr) {
	e.dirty = true
	if e.Ip4 != nil {
		e.Ip4.SrcIP = net.IP(addr.AsSlice())
	} else {
		e.Ip6.SrcIP = net.IP(addr.AsSlice())
	}
}

func (e *Embedded) SetDst(addr netip.Addr) {
	e.dirty = true
	if e.Ip4 != nil {
		e.Ip4.DstIP = net.IP(addr.AsSlice())
	} else {
		e.Ip6.DstIP = net.IP(addr.AsSlice())
	}
}

func (e *Embedded) Protocol() layers.IPProtocol {
	if e.Ip4 != nil {
		return e.Ip4.Protocol
	}
	return e.Ip6.NextHeader
}

func (e *Embedded) isEcho() bool {
	if len(e.Transport) < 6 {
		return false
	}
	switch e.Protocol() {
	case layers.IPProtocolICMPv4:
		t := ipv4.ICMPType(e.Transport[0])
		return t == ipv4.ICMPTypeEcho || t == ipv4.ICMPTypeEchoReply
	case layers.IPProtocolICMPv6:
		t := ipv6.ICMPType(e.Transport[0])
		return t == ipv6.ICMPTypeEchoRequest || t == ipv6.ICMPTypeEchoReply
	}
	return false
}

// L4IDs reads the ports (or the echo identifier, twice) from the quoted transport header.
func (e *Embedded) L4IDs() (src, dst uint16, ok bool) {
	switch e.Protocol() {
	case layers.IPProtocolTCP, layers.IPProtocolUDP:
		if len(e.Transport) < 4 {
			return 0, 0, false
		}
		return binary.BigEndian.Uint16(e.Transport[0:2]), binary.BigEndian.Uint16(e.Transport[2:4]), true
	}
	if e.isEcho() {
		id := binary.BigEndian.Uint16(e.Transport[4:6])
		return id, id, true
	}
	return 0, 0, false
}

// SetL4IDs rewrites the quoted ports. ICMP echo only uses src.
func (e *Embedded) SetL4IDs(src, dst uint16) {
	switch e.Protocol() {
	case layers.IPProtocolTCP, layers.IPProtocolUDP:
		if len(e.Transport) < 4 {
			return
		}
		binary.BigEndian.PutUint16(e.Transport[0:2], src)
		binary.BigEndian.PutUint16(e.Transport[2:4], dst)
		e.dirty = true
		return
	}
	if e.isEcho() {
		binary.BigEndian.PutUint16(e.Transport[4:6], src)
		e.dirty = true
	}
}

// checksumOffset returns where the quoted transport checksum sits, if it was quoted.
func (e *Embedded) checksumOffset() (int, bool) {
	off := -1
	switch e.Protocol() {
	case layers.IPProtocolTCP:
		off = 16
	case layers.IPProtocolUDP:
		off = 6
	default:
		if e.isEcho() {
			off = 2
		}
	}
	return off, off >= 0 && len(e.Transport) >= off+2
}

// checksummed returns the rewritable fields the transport checksum covers: the addresses of
// the pseudo header (not for ICMPv4) and the ports or echo identifier.
func (e *Embedded) checksummed() []byte {
	var b []byte
	if e.Protocol() != layers.IPProtocolICMPv4 {
		b = append(b, e.Src().AsSlice()...)
		b = append(b, e.Dst().AsSlice()...)
	}
	switch e.Protocol() {
	case layers.IPProtocolTCP, layers.IPProtocolUDP:
		if len(e.Transport) >= 4 {
			b = append(b, e.Transport[0:4]...)
		}
	default:
		if e.isEcho() {
			b = append(b, e.Transport[4:6]...)
		}
	}
	return b
}

// checksumAdjust updates a ones' complement checksum after the 16-bit words of from were
// replaced by those of to (RFC 1624).
func checksumAdjust(sum uint16, from, to []byte) uint16 {
	acc := uint32(^sum)
	for i := 0; i+1 < len(from) && i+1 < len(to); i += 2 {
		acc += uint32(^binary.BigEndian.Uint16(from[i:]))
		acc += uint32(binary.BigEndian.Uint16(to[i:]))
	}
	for acc>>16 != 0 {
		acc = acc&0xffff + acc>>16
	}
	return ^uint16(acc)
}

// fixChecksum patches the quoted transport checksum for the rewritten fields. An IPv4 UDP
// checksum of zero means none and stays so.
func (e *Embedded) fixChecksum() {
	now := e.checksummed()
	off, ok := e.checksumOffset()
	if ok {
		sum := binary.BigEndian.Uint16(e.Transport[off:])
		if !(sum == 0 && e.Protocol() == layers.IPProtocolUDP && e.Ip4 != nil) {
			sum = checksumAdjust(sum, e.covered, now)
			if sum == 0 && e.Protocol() == layers.IPProtocolUDP {
				sum = 0xffff
			}
			binary.BigEndian.PutUint16(e.Transport[off:], sum)
		}
	}
	e.covered = now
}

// commit writes the quoted datagram back into the ICMP payload. Lengths are left as quoted,
// the transport checksum is patched when quoted.
func (e *Embedded) commit() error {
	if !e.dirty {
		return nil
	}
	e.fixChecksum()
	var ip gopacket.SerializableLayer = e.Ip6
	if e.Ip4 != nil {
		ip = e.Ip4
	}
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{ComputeChecksums: true}, ip, gopacket.Payload(e.Transport))
	if err != nil {
		return err
	}
	out := make([]byte, 0, len(e.lead)+len(buf.Bytes()))
	out = append(out, e.lead...)
	out = append(out, buf.Bytes()...)
	*e.payload = out
	e.dirty = false
	return nil
}

// FlowString formats the quoted 5-tuple for logs.
func (e *Embedded) FlowString() string {
	src, dst, _ := e.L4IDs()
	return formatFlow(e.Protocol(), e.Src(), src, e.Dst(), dst)
}

func formatFlow(proto layers.IPProtocol, src netip.Addr, sport uint16, dst netip.Addr, dport uint16) string {
	return fmt.Sprintf("(%s %s->%s)", proto, netip.AddrPortFrom(src, sport), netip.AddrPortFrom(dst, dport))
}

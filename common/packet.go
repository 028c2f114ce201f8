package common

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

var (
	// FixLengths is required, UDP lengths break without it.
	Options  gopacket.SerializeOptions = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	rawBytes                           = []byte{0, 1, 2, 3, 4}
	srcMac                             = net.HardwareAddr{0x00, 0x0F, 0xAA, 0xFA, 0xAA, 0x00}
	dstMac                             = net.HardwareAddr{0x00, 0x0D, 0xBD, 0xBD, 0x00, 0xBD}
)

type TCPFlags struct {
	FIN bool
	SYN bool
	RST bool
	PSH bool
	ACK bool
	URG bool
	ECE bool
	CWR bool
	NS  bool
}

// ipLayer returns an IPv4 or IPv6 header for the pair of addresses.
func ipLayer(src, dst netip.Addr, proto layers.IPProtocol) (gopacket.SerializableLayer, gopacket.NetworkLayer, layers.EthernetType) {
	if src.Is4() {
		ip := &layers.IPv4{
			SrcIP:    net.IP(src.AsSlice()),
			DstIP:    net.IP(dst.AsSlice()),
			Version:  4,
			TTL:      64,
			Protocol: proto,
		}
		return ip, ip, layers.EthernetTypeIPv4
	}
	ip := &layers.IPv6{
		SrcIP:      net.IP(src.AsSlice()),
		DstIP:      net.IP(dst.AsSlice()),
		Version:    6,
		HopLimit:   64,
		NextHeader: proto,
	}
	return ip, ip, layers.EthernetTypeIPv6
}

// Serialize writes an Ethernet frame carrying the given IP packet layers.
func Serialize(ethType layers.EthernetType, l ...gopacket.SerializableLayer) ([]byte, error) {
	eth := &layers.Ethernet{SrcMAC: srcMac, DstMAC: dstMac, EthernetType: ethType}
	buffer := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buffer, Options, append([]gopacket.SerializableLayer{eth}, l...)...)
	if err != nil {
		log.Error().Err(err).Msg("Error serializing packet")
		return nil, err
	}
	return buffer.Bytes(), nil
}

// TCPBytes builds an Ethernet/IP/TCP frame.
func TCPBytes(src, dst netip.Addr, srcport, dstport uint16, flags TCPFlags) ([]byte, error) {
	ip, nl, ethType := ipLayer(src, dst, layers.IPProtocolTCP)
	tcpLayer := &layers.TCP{
		SrcPort: layers.TCPPort(srcport),
		DstPort: layers.TCPPort(dstport),
		FIN:     flags.FIN,
		SYN:     flags.SYN,
		RST:     flags.RST,
		PSH:     flags.PSH,
		ACK:     flags.ACK,
		URG:     flags.URG,
		ECE:     flags.ECE,
		CWR:     flags.CWR,
		NS:      flags.NS,
		Window:  1024,
	}
	tcpLayer.SetNetworkLayerForChecksum(nl)
	return Serialize(ethType, ip, tcpLayer, gopacket.Payload(rawBytes))
}

// UDPBytes builds an Ethernet/IP/UDP frame.
func UDPBytes(src, dst netip.Addr, srcport, dstport uint16) ([]byte, error) {
	ip, nl, ethType := ipLayer(src, dst, layers.IPProtocolUDP)
	udpLayer := &layers.UDP{SrcPort: layers.UDPPort(srcport), DstPort: layers.UDPPort(dstport)}
	udpLayer.SetNetworkLayerForChecksum(nl)
	return Serialize(ethType, ip, udpLayer, gopacket.Payload(rawBytes))
}

// ICMPEchoBytes builds an echo request (or reply) carrying the identifier id.
func ICMPEchoBytes(src, dst netip.Addr, id, seq uint16, reply bool) ([]byte, error) {
	if src.Is4() {
		ip, _, ethType := ipLayer(src, dst, layers.IPProtocolICMPv4)
		t := uint8(layers.ICMPv4TypeEchoRequest)
		if reply {
			t = layers.ICMPv4TypeEchoReply
		}
		icmpLayer := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(t, 0), Id: id, Seq: seq}
		return Serialize(ethType, ip, icmpLayer, gopacket.Payload(rawBytes))
	}
	ip, nl, ethType := ipLayer(src, dst, layers.IPProtocolICMPv6)
	t := uint8(layers.ICMPv6TypeEchoRequest)
	if reply {
		t = layers.ICMPv6TypeEchoReply
	}
	icmpLayer := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(t, 0)}
	icmpLayer.SetNetworkLayerForChecksum(nl)
	echo := &layers.ICMPv6Echo{Identifier: id, SeqNumber: seq}
	return Serialize(ethType, ip, icmpLayer, echo, gopacket.Payload(rawBytes))
}

// ICMPErrorBytes builds a destination-unreachable (IPv4) or address-unreachable (IPv6) error
// quoting the first n bytes of the IP packet inside the frame orig. n <= 0 quotes all of it.
func ICMPErrorBytes(src, dst netip.Addr, orig []byte, n int) ([]byte, error) {
	quoted := orig[14:]
	if n > 0 && n < len(quoted) {
		quoted = quoted[:n]
	}
	if src.Is4() {
		ip, _, ethType := ipLayer(src, dst, layers.IPProtocolICMPv4)
		icmpLayer := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort)}
		return Serialize(ethType, ip, icmpLayer, gopacket.Payload(quoted))
	}
	ip, nl, ethType := ipLayer(src, dst, layers.IPProtocolICMPv6)
	icmpLayer := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeDestinationUnreachable, layers.ICMPv6CodeAddressUnreachable)}
	icmpLayer.SetNetworkLayerForChecksum(nl)
	// 4 unused bytes precede the quoted datagram
	return Serialize(ethType, ip, icmpLayer, gopacket.Payload(append([]byte{0, 0, 0, 0}, quoted...)))
}

// Decode parses an Ethernet frame.
func Decode(buf []byte) gopacket.Packet {
	return gopacket.NewPacket(buf, layers.LayerTypeEthernet, gopacket.Default)
}

func CreatePacketIPTCP(t require.TestingT, src, dst netip.Addr, srcport, dstport uint16, flags TCPFlags) gopacket.Packet {
	buf, err := TCPBytes(src, dst, srcport, dstport, flags)
	require.Nil(t, err)
	return Decode(buf)
}

func CreatePacketIPUDP(t require.TestingT, src, dst netip.Addr, srcport, dstport uint16) gopacket.Packet {
	buf, err := UDPBytes(src, dst, srcport, dstport)
	require.Nil(t, err)
	return Decode(buf)
}

func CreateICMPEchoTest(t require.TestingT, src, dst netip.Addr, id, seq uint16) gopacket.Packet {
	buf, err := ICMPEchoBytes(src, dst, id, seq, false)
	require.Nil(t, err)
	return Decode(buf)
}

func CreateICMPEchoReplyTest(t require.TestingT, src, dst netip.Addr, id, seq uint16) gopacket.Packet {
	buf, err := ICMPEchoBytes(src, dst, id, seq, true)
	require.Nil(t, err)
	return Decode(buf)
}

// CreateICMPErrorTest quotes the first n bytes of the IP packet of orig (all of it when n <= 0).
func CreateICMPErrorTest(t require.TestingT, src, dst netip.Addr, orig gopacket.Packet, n int) gopacket.Packet {
	buf, err := ICMPErrorBytes(src, dst, orig.Data(), n)
	require.Nil(t, err)
	return Decode(buf)
}

package stateless

import (
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"vpcnat/common"
	"vpcnat/overlay"
	"vpcnat/packet"
)

func statelessExpose(t *testing.T, ips []string, as []string) *overlay.VpcExpose {
	e := overlay.NewExpose()
	for _, p := range ips {
		e.IP(pp(p))
	}
	for _, p := range as {
		e.As(pp(p))
	}
	require.Nil(t, e.MakeStatelessNat())
	return e
}

func twoVpcs(t *testing.T, left, right *overlay.VpcExpose) *overlay.Overlay {
	ov := overlay.New()
	for _, v := range []struct {
		name, id string
		vni      uint32
	}{{"vpc-1", "AAAAA", 100}, {"vpc-2", "BBBBB", 200}} {
		vpc, err := overlay.NewVpc(v.name, v.id, v.vni)
		require.Nil(t, err)
		require.Nil(t, ov.VpcTable.Add(vpc))
	}
	lm, rm := overlay.NewManifest("vpc-1"), overlay.NewManifest("vpc-2")
	require.Nil(t, lm.AddExpose(left))
	require.Nil(t, rm.AddExpose(right))
	require.Nil(t, ov.PeeringTable.Add(overlay.NewVpcPeering("vpc-1--vpc-2", lm, rm, "")))
	return ov
}

func testStage(t *testing.T) *Stage {
	ov := twoVpcs(t,
		statelessExpose(t, []string{"10.0.0.0/24"}, []string{"100.64.0.0/24"}),
		statelessExpose(t, []string{"20.0.0.0/24"}, []string{"100.65.0.0/25", "100.65.1.0/25"}))
	require.Nil(t, ov.Validate())
	tables := BuildFromOverlay(ov)
	require.Empty(t, tables.Skipped())
	require.Equal(t, 5, tables.Len())
	w := NewWriter()
	w.Update(tables)
	return NewStage("stateless-nat", w.Reader())
}

func flagged(p *packet.Packet, src, dst packet.Vni) *packet.Packet {
	p.Meta.SrcVni, p.Meta.DstVni = src, dst
	p.Meta.SrcNat = packet.NatRequirement{Mode: packet.Stateless}
	p.Meta.DstNat = packet.NatRequirement{Mode: packet.Stateless}
	return p
}

func reparse(t *testing.T, p *packet.Packet) *packet.Packet {
	data, err := p.Serialize(gopacket.NewSerializeBuffer())
	require.Nil(t, err)
	return packet.Parse(data, layers.LayerTypeEthernet)
}

func TestBuildTables(t *testing.T) {
	ov := twoVpcs(t,
		statelessExpose(t, []string{"10.0.0.0/24"}, []string{"100.64.0.0/24"}),
		statelessExpose(t, []string{"20.0.0.0/24"}, []string{"100.65.0.0/25", "100.65.1.0/25"}))
	require.Nil(t, ov.Validate())
	tables := BuildFromOverlay(ov)

	pvt, ok := tables.Get(100)
	require.True(t, ok)
	a, _, ok := pvt.FindSrcMapping(addr("10.0.0.9"), 0, false, 200)
	require.True(t, ok)
	require.Equal(t, addr("100.64.0.9"), a)
	_, _, ok = pvt.FindSrcMapping(addr("10.0.0.9"), 0, false, 300)
	require.False(t, ok)
	a, _, ok = pvt.FindDstMapping(addr("100.65.1.9"), 0, false, 200)
	require.True(t, ok)
	require.Equal(t, addr("20.0.0.137"), a)

	pvt, ok = tables.Get(200)
	require.True(t, ok)
	a, _, ok = pvt.FindDstMapping(addr("100.64.0.9"), 0, false, 100)
	require.True(t, ok)
	require.Equal(t, addr("10.0.0.9"), a)

	require.Contains(t, tables.String(), "vni 100 -> 200 source nat:")
}

func TestBuildSkipsMalformedPeering(t *testing.T) {
	ov := twoVpcs(t,
		statelessExpose(t, []string{"10.0.0.0/24"}, []string{"100.64.0.0/25"}),
		overlay.NewExpose().IP(pp("20.0.0.0/24")))
	// sizes do not match: validation rejects it, the builder must not choke on it either
	require.ErrorIs(t, ov.Validate(), overlay.ErrMismatchedPrefixSizes)
	tables := BuildFromOverlay(ov)
	require.Equal(t, []string{"vpc-1--vpc-2", "vpc-1--vpc-2"}, tables.Skipped())
	_, ok := tables.Get(100)
	require.False(t, ok)
}

func TestStageRoundTrip(t *testing.T) {
	s := testStage(t)

	p := flagged(packet.New(common.CreatePacketIPUDP(t, addr("10.0.0.5"), addr("100.65.1.3"), 9998, 443)), 100, 200)
	s.Process(p)
	require.False(t, p.IsDone())
	p = reparse(t, p)
	require.Equal(t, addr("100.64.0.5"), p.Src())
	require.Equal(t, addr("20.0.0.131"), p.Dst())
	sport, dport, _ := p.Ports()
	require.Equal(t, uint16(9998), sport)
	require.Equal(t, uint16(443), dport)

	back := flagged(packet.New(common.CreatePacketIPTCP(t, addr("20.0.0.131"), addr("100.64.0.5"), 443, 9998, common.TCPFlags{SYN: true, ACK: true})), 200, 100)
	s.Process(back)
	require.False(t, back.IsDone())
	back = reparse(t, back)
	require.Equal(t, addr("100.65.1.3"), back.Src())
	require.Equal(t, addr("10.0.0.5"), back.Dst())
}

func TestStageOneSided(t *testing.T) {
	s := testStage(t)
	p := packet.New(common.CreateICMPEchoTest(t, addr("10.0.0.5"), addr("20.0.0.1"), 7, 1))
	p.Meta.SrcVni, p.Meta.DstVni = 100, 200
	p.Meta.SrcNat = packet.NatRequirement{Mode: packet.Stateless}
	s.Process(p)
	require.False(t, p.IsDone())
	require.Equal(t, addr("100.64.0.5"), p.Src())
	require.Equal(t, addr("20.0.0.1"), p.Dst())
	id, _ := p.IcmpEcho()
	require.Equal(t, uint16(7), id)
}

func TestStageDrops(t *testing.T) {
	s := testStage(t)

	// flagged, but the address is not part of any stateless expose
	p := flagged(packet.New(common.CreatePacketIPUDP(t, addr("10.0.1.5"), addr("100.65.1.3"), 1, 2)), 100, 200)
	s.Process(p)
	require.Equal(t, packet.Filtered, p.Meta.Done)

	p = flagged(packet.New(common.CreatePacketIPUDP(t, addr("10.0.0.5"), addr("100.65.1.3"), 1, 2)), 100, 0)
	s.Process(p)
	require.Equal(t, packet.Unroutable, p.Meta.Done)

	p = flagged(packet.New(common.CreatePacketIPUDP(t, addr("30.0.0.5"), addr("100.65.1.3"), 1, 2)), 300, 200)
	s.Process(p)
	require.Equal(t, packet.Unroutable, p.Meta.Done)

	// not flagged: untouched
	p = packet.New(common.CreatePacketIPUDP(t, addr("10.0.0.5"), addr("20.0.0.1"), 1, 2))
	p.Meta.SrcVni, p.Meta.DstVni = 100, 200
	s.Process(p)
	require.False(t, p.IsDone())
	require.Equal(t, addr("10.0.0.5"), p.Src())
}

func TestStageIcmpError(t *testing.T) {
	s := testStage(t)
	// what the host in vpc-2 received, and answers with an error
	orig := common.CreatePacketIPUDP(t, addr("100.64.0.5"), addr("20.0.0.131"), 9998, 443)
	p := flagged(packet.New(common.CreateICMPErrorTest(t, addr("20.0.0.131"), addr("100.64.0.5"), orig, 0)), 200, 100)
	s.Process(p)
	require.False(t, p.IsDone())
	p = reparse(t, p)
	require.Equal(t, addr("100.65.1.3"), p.Src())
	require.Equal(t, addr("10.0.0.5"), p.Dst())

	inner, err := p.Embedded()
	require.Nil(t, err)
	require.Equal(t, addr("10.0.0.5"), inner.Src())
	require.Equal(t, addr("100.65.1.3"), inner.Dst())
	sport, dport, ok := inner.L4IDs()
	require.True(t, ok)
	require.Equal(t, uint16(9998), sport)
	require.Equal(t, uint16(443), dport)
}

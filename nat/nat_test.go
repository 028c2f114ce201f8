package nat

import (
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"vpcnat/common"
	"vpcnat/overlay"
	"vpcnat/packet"
	"vpcnat/prefix"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.DebugLevel)
}

var (
	addr = netip.MustParseAddr
	pp   = prefix.MustParse

	client1IP = addr("1.1.2.3")
	client2IP = addr("1.1.2.4")
	serverIP  = addr("1.2.2.0")
	publicIP  = addr("10.201.201.18")
	outsideIP = addr("10.12.0.0")
	routerIP  = addr("1.2.2.254")

	stateful = packet.NatRequirement{Mode: packet.Stateful}
	start    = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func statefulExpose(t *testing.T, ips, as string, timeout time.Duration) *overlay.VpcExpose {
	e := overlay.NewExpose().IP(pp(ips)).As(pp(as))
	require.Nil(t, e.MakeStatefulNat(timeout))
	return e
}

// twoVpcs peers vpc-1 (vni 100) and vpc-2 (vni 200).
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
	require.Nil(t, ov.Validate())
	return ov
}

// statefulOverlay hides both VPCs behind stateful NAT, with idle timeouts of 1 and 5 minutes.
func statefulOverlay(t *testing.T) *overlay.Overlay {
	return twoVpcs(t,
		statefulExpose(t, "1.1.0.0/16", "10.12.0.0/16", time.Minute),
		statefulExpose(t, "1.2.2.0/24", "10.201.201.0/24", 5*time.Minute))
}

// movedOverlay is statefulOverlay with vpc-1 behind 10.13.0.0/16.
func movedOverlay(t *testing.T) *overlay.Overlay {
	return twoVpcs(t,
		statefulExpose(t, "1.1.0.0/16", "10.13.0.0/16", time.Minute),
		statefulExpose(t, "1.2.2.0/24", "10.201.201.0/24", 5*time.Minute))
}

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func newEngine(t *testing.T, ov *overlay.Overlay) (*Engine, *clock) {
	c := &clock{now: start}
	e := NewEngine("stateful-nat")
	e.now = c.Now
	e.UpdateAllocator(ov)
	require.Equal(t, 2, e.Allocator().Len())
	return e, c
}

func flagged(pkt gopacket.Packet, src, dst packet.Vni, srcNat, dstNat packet.NatRequirement) *packet.Packet {
	p := packet.New(pkt)
	p.Meta.SrcVni, p.Meta.DstVni = src, dst
	p.Meta.SrcNat, p.Meta.DstNat = srcNat, dstNat
	return p
}

func reparse(t *testing.T, p *packet.Packet) *packet.Packet {
	data, err := p.Serialize(gopacket.NewSerializeBuffer())
	require.Nil(t, err)
	return packet.Parse(data, layers.LayerTypeEthernet)
}

func requireFlow(t *testing.T, p *packet.Packet, src netip.Addr, sport uint16, dst netip.Addr, dport uint16) {
	require.False(t, p.IsDone(), "dropped: %s", p.Meta.Done)
	p = reparse(t, p)
	s, d, ok := p.L4IDs()
	require.True(t, ok)
	require.Equal(t, netip.AddrPortFrom(src, sport), netip.AddrPortFrom(p.Src(), s), p.FlowString())
	require.Equal(t, netip.AddrPortFrom(dst, dport), netip.AddrPortFrom(p.Dst(), d), p.FlowString())
}

func TestNAT(t *testing.T) {
	e, _ := newEngine(t, statefulOverlay(t))

	p := flagged(common.CreatePacketIPUDP(t, client1IP, publicIP, 9998, 443), 100, 200, stateful, stateful)
	e.Process(p)
	requireFlow(t, p, outsideIP, 1, serverIP, 443)

	key := SessionKey{SrcVni: 100, DstVni: 200, Src: client1IP, Dst: publicIP, SrcID: 9998, DstID: 443, Proto: layers.IPProtocolUDP}
	s, ok := e.Session(key)
	require.True(t, ok)
	require.Equal(t, time.Minute, s.IdleTimeout())
	port, ok := s.Port()
	require.True(t, ok)
	require.Equal(t, uint16(1), port)

	back := flagged(common.CreatePacketIPUDP(t, serverIP, outsideIP, 443, 1), 200, 100, stateful, stateful)
	e.Process(back)
	requireFlow(t, back, publicIP, 443, client1IP, 9998)

	// same flow, same port
	p = flagged(common.CreatePacketIPUDP(t, client1IP, publicIP, 9998, 443), 100, 200, stateful, stateful)
	e.Process(p)
	requireFlow(t, p, outsideIP, 1, serverIP, 443)
	require.Equal(t, 1, e.Table().Len())

	p = flagged(common.CreatePacketIPUDP(t, client2IP, publicIP, 9998, 443), 100, 200, stateful, stateful)
	e.Process(p)
	requireFlow(t, p, outsideIP, 2, serverIP, 443)
	require.Equal(t, 2, e.Table().Len())
}

func TestNATOneSided(t *testing.T) {
	ov := twoVpcs(t,
		statefulExpose(t, "1.1.0.0/16", "10.12.0.0/16", time.Minute),
		overlay.NewExpose().IP(pp("20.0.0.0/24")))
	e := NewEngine("stateful-nat")
	e.UpdateAllocator(ov)

	p := flagged(common.CreatePacketIPTCP(t, client1IP, addr("20.0.0.1"), 2222, 443, common.TCPFlags{SYN: true}), 100, 200, stateful, packet.NatRequirement{})
	e.Process(p)
	requireFlow(t, p, outsideIP, 1, addr("20.0.0.1"), 443)

	back := flagged(common.CreatePacketIPTCP(t, addr("20.0.0.1"), outsideIP, 443, 1, common.TCPFlags{SYN: true, ACK: true}), 200, 100, packet.NatRequirement{}, stateful)
	e.Process(back)
	requireFlow(t, back, addr("20.0.0.1"), 443, client1IP, 2222)

	s, ok := e.Session(SessionKey{SrcVni: 100, DstVni: 200, Src: client1IP, Dst: addr("20.0.0.1"), SrcID: 2222, DstID: 443, Proto: layers.IPProtocolTCP})
	require.True(t, ok)
	require.Equal(t, time.Minute, s.IdleTimeout())

	// a new flow toward the pool lands on its first private address
	in := flagged(common.CreatePacketIPTCP(t, addr("20.0.0.1"), addr("10.12.3.4"), 443, 7, common.TCPFlags{SYN: true}), 200, 100, packet.NatRequirement{}, stateful)
	e.Process(in)
	requireFlow(t, in, addr("20.0.0.1"), 443, addr("1.1.0.0"), 7)

	// outside of any pool
	in = flagged(common.CreatePacketIPTCP(t, addr("20.0.0.1"), addr("10.13.0.1"), 443, 7, common.TCPFlags{SYN: true}), 200, 100, packet.NatRequirement{}, stateful)
	e.Process(in)
	require.Equal(t, packet.Filtered, in.Meta.Done)
}

func TestNATUntouched(t *testing.T) {
	e, _ := newEngine(t, statefulOverlay(t))

	p := flagged(common.CreatePacketIPUDP(t, client1IP, publicIP, 9998, 443), 100, 200, packet.NatRequirement{}, packet.NatRequirement{})
	e.Process(p)
	requireFlow(t, p, client1IP, 9998, publicIP, 443)

	p = flagged(common.CreatePacketIPUDP(t, client1IP, publicIP, 9998, 443), 100, 0, stateful, stateful)
	e.Process(p)
	require.Equal(t, packet.Unroutable, p.Meta.Done)

	// no stateful nat between these vpcs
	p = flagged(common.CreatePacketIPUDP(t, client1IP, publicIP, 9998, 443), 100, 300, stateful, stateful)
	e.Process(p)
	require.Equal(t, packet.Filtered, p.Meta.Done)

	// outside the pool
	p = flagged(common.CreatePacketIPUDP(t, addr("1.3.0.1"), publicIP, 9998, 443), 100, 200, stateful, stateful)
	e.Process(p)
	require.Equal(t, packet.Filtered, p.Meta.Done)
	require.Equal(t, 0, e.Table().Len())
}

func TestIcmpEchoIdentifiers(t *testing.T) {
	e, c := newEngine(t, statefulOverlay(t))

	p := flagged(common.CreateICMPEchoTest(t, client1IP, publicIP, 7, 1), 100, 200, stateful, stateful)
	e.Process(p)
	requireFlow(t, p, outsideIP, 0, serverIP, 0)

	p = flagged(common.CreateICMPEchoTest(t, client2IP, publicIP, 7, 1), 100, 200, stateful, stateful)
	e.Process(p)
	requireFlow(t, p, outsideIP, 1, serverIP, 1)

	reply := flagged(common.CreateICMPEchoReplyTest(t, serverIP, outsideIP, 1, 1), 200, 100, stateful, stateful)
	e.Process(reply)
	requireFlow(t, reply, publicIP, 7, client2IP, 7)

	// both flows go idle, identifiers are handed out again from 0
	c.now = c.now.Add(2 * time.Minute)
	require.Equal(t, 2, e.Sweep(c.now))
	require.Equal(t, 0, e.Table().Len())
	p = flagged(common.CreateICMPEchoTest(t, client2IP, publicIP, 9, 1), 100, 200, stateful, stateful)
	e.Process(p)
	requireFlow(t, p, outsideIP, 0, serverIP, 0)
}

func TestIcmpError(t *testing.T) {
	for _, n := range []int{0, 28} {
		e, _ := newEngine(t, statefulOverlay(t))
		p := flagged(common.CreatePacketIPUDP(t, client1IP, publicIP, 9998, 443), 100, 200, stateful, stateful)
		e.Process(p)
		require.False(t, p.IsDone())

		// the router in front of the server cannot deliver the translated datagram
		sent := reparse(t, p)
		icmp := flagged(common.CreateICMPErrorTest(t, routerIP, outsideIP, sent.Packet, n), 200, 100, stateful, stateful)
		require.True(t, e.HasSession(icmp, 100))
		e.Process(icmp)
		require.False(t, icmp.IsDone())
		icmp = reparse(t, icmp)
		require.Equal(t, routerIP, icmp.Src())
		require.Equal(t, client1IP, icmp.Dst())

		inner, err := icmp.Embedded()
		require.Nil(t, err)
		require.Equal(t, client1IP, inner.Src())
		require.Equal(t, publicIP, inner.Dst())
		sport, dport, ok := inner.L4IDs()
		require.True(t, ok)
		require.Equal(t, uint16(9998), sport)
		require.Equal(t, uint16(443), dport)
	}
}

func TestIcmpErrorWithoutSession(t *testing.T) {
	e, _ := newEngine(t, statefulOverlay(t))
	orig := common.CreatePacketIPUDP(t, outsideIP, serverIP, 1, 443)
	icmp := flagged(common.CreateICMPErrorTest(t, routerIP, outsideIP, orig, 0), 200, 100, stateful, stateful)
	require.False(t, e.HasSession(icmp, 100))
	e.Process(icmp)
	require.Equal(t, packet.Filtered, icmp.Meta.Done)

	// too short to hold the ports
	icmp = flagged(common.CreateICMPErrorTest(t, routerIP, outsideIP, orig, 22), 200, 100, stateful, stateful)
	e.Process(icmp)
	require.Equal(t, packet.Filtered, icmp.Meta.Done)
}

func TestHasSession(t *testing.T) {
	e, _ := newEngine(t, statefulOverlay(t))
	p := flagged(common.CreatePacketIPUDP(t, client1IP, publicIP, 9998, 443), 100, 200, stateful, stateful)
	e.Process(p)

	back := packet.New(common.CreatePacketIPUDP(t, serverIP, outsideIP, 443, 1))
	back.Meta.SrcVni = 200
	require.True(t, e.HasSession(back, 100))
	require.False(t, e.HasSession(back, 300))

	other := packet.New(common.CreatePacketIPUDP(t, serverIP, outsideIP, 443, 2))
	other.Meta.SrcVni = 200
	require.False(t, e.HasSession(other, 100))
}

func TestPoolExhaustion(t *testing.T) {
	ov := twoVpcs(t,
		statefulExpose(t, "1.1.0.0/16", "10.12.0.0/32", time.Minute),
		statefulExpose(t, "1.2.2.0/24", "10.201.201.0/24", 5*time.Minute))
	e, _ := newEngine(t, ov)

	s := e.Allocator().space(outsideIP, layers.IPProtocolUDP)
	peer := peerKey{proto: layers.IPProtocolUDP, dst: serverIP, port: 443}
	for i := 1; i < 65536; i++ {
		port, ok := s.allocate(peer)
		require.True(t, ok)
		require.Equal(t, uint16(i), port)
	}
	p := flagged(common.CreatePacketIPUDP(t, client1IP, publicIP, 9998, 443), 100, 200, stateful, stateful)
	e.Process(p)
	require.Equal(t, packet.InternalDrop, p.Meta.Done)

	// TCP has its own ports
	p = flagged(common.CreatePacketIPTCP(t, client1IP, publicIP, 9998, 443, common.TCPFlags{SYN: true}), 100, 200, stateful, stateful)
	e.Process(p)
	requireFlow(t, p, outsideIP, 1, serverIP, 443)

	s.release(300)
	p = flagged(common.CreatePacketIPUDP(t, client1IP, publicIP, 9998, 443), 100, 200, stateful, stateful)
	e.Process(p)
	requireFlow(t, p, outsideIP, 300, serverIP, 443)
}

func TestDestinationCollision(t *testing.T) {
	ov := twoVpcs(t,
		overlay.NewExpose().IP(pp("1.1.0.0/16")),
		statefulExpose(t, "1.2.2.0/31", "10.201.201.0/24", 0))
	e := NewEngine("stateful-nat")
	e.UpdateAllocator(ov)
	none := packet.NatRequirement{}

	p := flagged(common.CreatePacketIPUDP(t, client1IP, addr("10.201.201.18"), 9998, 443), 100, 200, none, stateful)
	e.Process(p)
	requireFlow(t, p, client1IP, 9998, addr("1.2.2.0"), 443)

	// the reply key 1.2.2.0:443 -> 1.1.2.3:9998 is taken
	p = flagged(common.CreatePacketIPUDP(t, client1IP, addr("10.201.201.19"), 9998, 443), 100, 200, none, stateful)
	e.Process(p)
	requireFlow(t, p, client1IP, 9998, addr("1.2.2.1"), 443)

	p = flagged(common.CreatePacketIPUDP(t, client1IP, addr("10.201.201.20"), 9998, 443), 100, 200, none, stateful)
	e.Process(p)
	require.Equal(t, packet.InternalDrop, p.Meta.Done)

	s, ok := e.Session(SessionKey{SrcVni: 100, DstVni: 200, Src: client1IP, Dst: addr("10.201.201.18"), SrcID: 9998, DstID: 443, Proto: layers.IPProtocolUDP})
	require.True(t, ok)
	require.Equal(t, overlay.DefaultIdleTimeout, s.IdleTimeout())
}

func TestPortForwarding(t *testing.T) {
	fwd := overlay.NewExpose().IP(pp("10.0.0.5/32:[22]")).As(pp("30.0.0.1/32:[2222]"))
	require.Nil(t, fwd.MakePortForwarding(prefix.TCP, 30*time.Second))
	ov := twoVpcs(t, overlay.NewExpose().IP(pp("1.1.0.0/16")), fwd)
	e := NewEngine("stateful-nat")
	e.UpdateAllocator(ov)
	none := packet.NatRequirement{}
	forward := packet.NatRequirement{Mode: packet.PortForwarding, Proto: prefix.TCP}

	p := flagged(common.CreatePacketIPTCP(t, client1IP, addr("30.0.0.1"), 5000, 2222, common.TCPFlags{SYN: true}), 100, 200, none, forward)
	e.Process(p)
	requireFlow(t, p, client1IP, 5000, addr("10.0.0.5"), 22)

	back := flagged(common.CreatePacketIPTCP(t, addr("10.0.0.5"), client1IP, 22, 5000, common.TCPFlags{SYN: true, ACK: true}), 200, 100, forward, none)
	e.Process(back)
	requireFlow(t, back, addr("30.0.0.1"), 2222, client1IP, 5000)

	s, ok := e.Session(SessionKey{SrcVni: 100, DstVni: 200, Src: client1IP, Dst: addr("30.0.0.1"), SrcID: 5000, DstID: 2222, Proto: layers.IPProtocolTCP})
	require.True(t, ok)
	require.Equal(t, 30*time.Second, s.IdleTimeout())

	// wrong protocol
	p = flagged(common.CreatePacketIPUDP(t, client1IP, addr("30.0.0.1"), 5000, 2222), 100, 200, none, forward)
	e.Process(p)
	require.Equal(t, packet.Filtered, p.Meta.Done)

	// the forwarded host cannot open flows of its own
	p = flagged(common.CreatePacketIPTCP(t, addr("10.0.0.5"), client1IP, 22, 6000, common.TCPFlags{SYN: true}), 200, 100, forward, none)
	e.Process(p)
	require.Equal(t, packet.Filtered, p.Meta.Done)
}

func TestTCPClose(t *testing.T) {
	e, c := newEngine(t, statefulOverlay(t))
	open := func(sport uint16) {
		p := flagged(common.CreatePacketIPTCP(t, client1IP, publicIP, sport, 443, common.TCPFlags{SYN: true}), 100, 200, stateful, stateful)
		e.Process(p)
		require.False(t, p.IsDone())
	}
	open(2000)
	open(2001)

	fin := flagged(common.CreatePacketIPTCP(t, client1IP, publicIP, 2000, 443, common.TCPFlags{FIN: true, ACK: true}), 100, 200, stateful, stateful)
	e.Process(fin)
	finBack := flagged(common.CreatePacketIPTCP(t, serverIP, outsideIP, 443, 1, common.TCPFlags{FIN: true, ACK: true}), 200, 100, stateful, stateful)
	e.Process(finBack)
	requireFlow(t, finBack, publicIP, 443, client1IP, 2000)

	total, closed := e.Table().stats()
	require.Equal(t, 2, total)
	require.Equal(t, 1, closed)

	c.now = c.now.Add(closedTimeout + time.Second)
	require.Equal(t, 1, e.Sweep(c.now))
	require.Equal(t, 1, e.Table().Len())
}

func TestAllocatorRebuild(t *testing.T) {
	e, c := newEngine(t, statefulOverlay(t))
	p := flagged(common.CreatePacketIPUDP(t, client1IP, publicIP, 9998, 443), 100, 200, stateful, stateful)
	e.Process(p)
	requireFlow(t, p, outsideIP, 1, serverIP, 443)

	// same pools: port 1 stays taken
	e.UpdateAllocator(statefulOverlay(t))
	p = flagged(common.CreatePacketIPUDP(t, client2IP, publicIP, 9998, 443), 100, 200, stateful, stateful)
	e.Process(p)
	requireFlow(t, p, outsideIP, 2, serverIP, 443)

	// new pool: new flows use it, the old ones keep going until idle
	e.UpdateAllocator(movedOverlay(t))
	p = flagged(common.CreatePacketIPUDP(t, addr("1.1.2.5"), publicIP, 9998, 443), 100, 200, stateful, stateful)
	e.Process(p)
	requireFlow(t, p, addr("10.13.0.0"), 1, serverIP, 443)

	back := flagged(common.CreatePacketIPUDP(t, serverIP, outsideIP, 443, 1), 200, 100, stateful, stateful)
	e.Process(back)
	requireFlow(t, back, publicIP, 443, client1IP, 9998)

	c.now = c.now.Add(time.Hour)
	require.Equal(t, 3, e.Sweep(c.now))
	require.Equal(t, 0, e.Allocator().space(addr("10.13.0.0"), layers.IPProtocolUDP).InUse())

	// 10.12.0.0 is idle and no longer configured
	e.UpdateAllocator(movedOverlay(t))
	require.Equal(t, 1, e.Allocator().spaces.Len())
}

func TestAllocatorReAdd(t *testing.T) {
	e, _ := newEngine(t, statefulOverlay(t))
	p := flagged(common.CreatePacketIPUDP(t, client1IP, publicIP, 9998, 443), 100, 200, stateful, stateful)
	e.Process(p)
	requireFlow(t, p, outsideIP, 1, serverIP, 443)

	// the pool goes away and comes back while the flow is alive
	e.UpdateAllocator(movedOverlay(t))
	e.UpdateAllocator(statefulOverlay(t))

	p = flagged(common.CreatePacketIPUDP(t, client2IP, publicIP, 9998, 443), 100, 200, stateful, stateful)
	e.Process(p)
	requireFlow(t, p, outsideIP, 2, serverIP, 443)
	require.Equal(t, 2, e.Table().Len())
	require.Equal(t, 2, e.Allocator().space(outsideIP, layers.IPProtocolUDP).InUse())

	back := flagged(common.CreatePacketIPUDP(t, serverIP, outsideIP, 443, 1), 200, 100, stateful, stateful)
	e.Process(back)
	requireFlow(t, back, publicIP, 443, client1IP, 9998)
}

func TestAllocatorPublishWindow(t *testing.T) {
	e, _ := newEngine(t, statefulOverlay(t))
	prev := e.Allocator()
	next := BuildAllocator(statefulOverlay(t), prev)

	// packets keep using prev until next is published
	p := flagged(common.CreatePacketIPUDP(t, client1IP, publicIP, 9998, 443), 100, 200, stateful, stateful)
	e.Process(p)
	requireFlow(t, p, outsideIP, 1, serverIP, 443)

	e.SetAllocator(next)
	p = flagged(common.CreatePacketIPUDP(t, client2IP, publicIP, 9998, 443), 100, 200, stateful, stateful)
	e.Process(p)
	requireFlow(t, p, outsideIP, 2, serverIP, 443)
	require.Same(t, prev.space(outsideIP, layers.IPProtocolUDP), next.space(outsideIP, layers.IPProtocolUDP))
}

func portsInUse(a *Allocator) int {
	a.spaces.mu.Lock()
	defer a.spaces.mu.Unlock()
	n := 0
	for _, s := range a.spaces.m {
		n += s.InUse()
	}
	return n
}

func TestConcurrentRebuilds(t *testing.T) {
	const workers, flows = 4, 200
	e, _ := newEngine(t, statefulOverlay(t))
	overlays := []*overlay.Overlay{movedOverlay(t), statefulOverlay(t)}

	done := make(chan struct{})
	rebuilt := make(chan int)
	go func() {
		n := 0
		for {
			select {
			case <-done:
				rebuilt <- n
				return
			default:
			}
			e.UpdateAllocator(overlays[n%2])
			n++
		}
	}()

	pkts := make([][]*packet.Packet, workers)
	var wg sync.WaitGroup
	for w := range pkts {
		pkts[w] = make([]*packet.Packet, flows)
		for i := range pkts[w] {
			src := netip.AddrFrom4([4]byte{1, 1, byte(w), byte(i)})
			pkts[w][i] = flagged(common.CreatePacketIPUDP(t, src, publicIP, 9998, 443), 100, 200, stateful, stateful)
		}
		wg.Add(1)
		go func(batch []*packet.Packet) {
			defer wg.Done()
			for _, p := range batch {
				e.Process(p)
			}
		}(pkts[w])
	}
	wg.Wait()
	close(done)
	require.Greater(t, <-rebuilt, 0)

	seen := map[netip.AddrPort]bool{}
	for _, batch := range pkts {
		for _, p := range batch {
			require.Equal(t, packet.NotDone, p.Meta.Done)
			out := reparse(t, p)
			sport, dport, ok := out.L4IDs()
			require.True(t, ok)
			require.Equal(t, netip.AddrPortFrom(serverIP, 443), netip.AddrPortFrom(out.Dst(), dport))
			outside := netip.AddrPortFrom(out.Src(), sport)
			require.False(t, seen[outside], "%s handed out twice", outside)
			seen[outside] = true
		}
	}
	require.Equal(t, workers*flows, e.Table().Len())
	require.Equal(t, workers*flows, portsInUse(e.Allocator()))
}

func TestPeerPorts(t *testing.T) {
	e, _ := newEngine(t, statefulOverlay(t))
	p := flagged(common.CreatePacketIPUDP(t, client1IP, publicIP, 9998, 443), 100, 200, stateful, stateful)
	e.Process(p)
	requireFlow(t, p, outsideIP, 1, serverIP, 443)

	// another destination port of the same server gets a block of its own
	p = flagged(common.CreatePacketIPUDP(t, client2IP, publicIP, 9998, 53), 100, 200, stateful, stateful)
	e.Process(p)
	requireFlow(t, p, outsideIP, blockSize, serverIP, 53)

	p = flagged(common.CreatePacketIPUDP(t, client2IP, publicIP, 9998, 443), 100, 200, stateful, stateful)
	e.Process(p)
	requireFlow(t, p, outsideIP, 2, serverIP, 443)
}

func TestStatefulTranslations(t *testing.T) {
	ipv6 := func(t *testing.T) *overlay.Overlay {
		return twoVpcs(t,
			statefulExpose(t, "fd00:1::/112", "fd12::/112", time.Minute),
			statefulExpose(t, "fd00:2::/112", "fd22::/112", 5*time.Minute))
	}
	type step struct {
		pkt   func(t *testing.T) gopacket.Packet
		reply bool
		src   netip.Addr
		sid   uint16
		dst   netip.Addr
		did   uint16
	}
	echo := func(src, dst netip.Addr, id, seq uint16) func(t *testing.T) gopacket.Packet {
		return func(t *testing.T) gopacket.Packet { return common.CreateICMPEchoTest(t, src, dst, id, seq) }
	}
	echoReply := func(src, dst netip.Addr, id, seq uint16) func(t *testing.T) gopacket.Packet {
		return func(t *testing.T) gopacket.Packet { return common.CreateICMPEchoReplyTest(t, src, dst, id, seq) }
	}
	udp := func(src, dst netip.Addr, sport, dport uint16) func(t *testing.T) gopacket.Packet {
		return func(t *testing.T) gopacket.Packet { return common.CreatePacketIPUDP(t, src, dst, sport, dport) }
	}

	tests := []struct {
		name    string
		overlay func(t *testing.T) *overlay.Overlay
		steps   []step
		flows   int
	}{
		{
			name:    "echo resent keeps its identifier",
			overlay: statefulOverlay,
			steps: []step{
				{pkt: echo(client1IP, publicIP, 7, 1), src: outsideIP, sid: 0, dst: serverIP, did: 0},
				{pkt: echo(client1IP, publicIP, 7, 1), src: outsideIP, sid: 0, dst: serverIP, did: 0},
				{pkt: echo(client1IP, publicIP, 7, 2), src: outsideIP, sid: 0, dst: serverIP, did: 0},
				{pkt: echoReply(serverIP, outsideIP, 0, 2), reply: true, src: publicIP, sid: 7, dst: client1IP, did: 7},
			},
			flows: 1,
		},
		{
			name:    "echo identifier 0",
			overlay: statefulOverlay,
			steps: []step{
				{pkt: echo(client1IP, publicIP, 0, 1), src: outsideIP, sid: 0, dst: serverIP, did: 0},
				{pkt: echo(client2IP, publicIP, 0, 1), src: outsideIP, sid: 1, dst: serverIP, did: 1},
				{pkt: echoReply(serverIP, outsideIP, 1, 1), reply: true, src: publicIP, sid: 0, dst: client2IP, did: 0},
				{pkt: echoReply(serverIP, outsideIP, 0, 1), reply: true, src: publicIP, sid: 0, dst: client1IP, did: 0},
			},
			flows: 2,
		},
		{
			name:    "ipv6 udp",
			overlay: ipv6,
			steps: []step{
				{pkt: udp(addr("fd00:1::5"), addr("fd22::18"), 9998, 443), src: addr("fd12::"), sid: 1, dst: addr("fd00:2::"), did: 443},
				{pkt: udp(addr("fd00:1::6"), addr("fd22::18"), 9998, 443), src: addr("fd12::"), sid: 2, dst: addr("fd00:2::"), did: 443},
				{pkt: udp(addr("fd00:2::"), addr("fd12::"), 443, 1), reply: true, src: addr("fd22::18"), sid: 443, dst: addr("fd00:1::5"), did: 9998},
			},
			flows: 2,
		},
		{
			name:    "ipv6 echo",
			overlay: ipv6,
			steps: []step{
				{pkt: echo(addr("fd00:1::5"), addr("fd22::18"), 7, 1), src: addr("fd12::"), sid: 0, dst: addr("fd00:2::"), did: 0},
				{pkt: echoReply(addr("fd00:2::"), addr("fd12::"), 0, 1), reply: true, src: addr("fd22::18"), sid: 7, dst: addr("fd00:1::5"), did: 7},
			},
			flows: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newEngine(t, tt.overlay(t))
			for _, s := range tt.steps {
				p := flagged(s.pkt(t), 100, 200, stateful, stateful)
				if s.reply {
					p = flagged(s.pkt(t), 200, 100, stateful, stateful)
				}
				e.Process(p)
				requireFlow(t, p, s.src, s.sid, s.dst, s.did)
			}
			require.Equal(t, tt.flows, e.Table().Len())
		})
	}
}

func TestIdleTimeout(t *testing.T) {
	require.Equal(t, time.Minute, idleTimeout(time.Minute, 5*time.Minute))
	require.Equal(t, 5*time.Minute, idleTimeout(0, 5*time.Minute))
	require.Equal(t, time.Minute, idleTimeout(time.Minute, 0))
	require.Equal(t, overlay.DefaultIdleTimeout, idleTimeout(0, 0))
}

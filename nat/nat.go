// Package nat implements stateful NAT and port forwarding. The first packet of a flow picks its
// translation and creates two sessions, one per direction; every later packet of the flow, and
// every reply, is rewritten by looking its session up.
package nat

import (
	"context"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog/log"

	"vpcnat/overlay"
	"vpcnat/packet"
)

// Engine is the stateful NAT stage of the pipeline.
type Engine struct {
	name  string
	table *Nattable
	alloc atomic.Pointer[Allocator]
	now   func() time.Time
}

func NewEngine(name string) *Engine {
	e := &Engine{name: name, table: NewNattable(), now: time.Now}
	e.alloc.Store(NewAllocator())
	return e
}

func (e *Engine) Name() string {
	return e.name
}

// Table returns the sessions.
func (e *Engine) Table() *Nattable {
	return e.table
}

func (e *Engine) Allocator() *Allocator {
	return e.alloc.Load()
}

// UpdateAllocator installs the pools of a new, validated overlay. Existing sessions keep their
// translation until they go idle.
func (e *Engine) UpdateAllocator(ov *overlay.Overlay) {
	e.SetAllocator(BuildAllocator(ov, e.alloc.Load()))
}

// SetAllocator installs an allocator built with BuildAllocator.
func (e *Engine) SetAllocator(a *Allocator) {
	e.alloc.Store(a)
}

func isStateful(m packet.NatMode) bool {
	return m == packet.Stateful || m == packet.PortForwarding
}

func isEcho(proto layers.IPProtocol) bool {
	return proto == layers.IPProtocolICMPv4 || proto == layers.IPProtocolICMPv6
}

func keyOf(p *packet.Packet, dstVni packet.Vni) (SessionKey, bool) {
	sid, did, ok := p.L4IDs()
	if !ok {
		return SessionKey{}, false
	}
	return SessionKey{SrcVni: p.Meta.SrcVni, DstVni: dstVni, Src: p.Src(), Dst: p.Dst(), SrcID: sid, DstID: did, Proto: p.Protocol()}, true
}

// errorKey returns the key of the session an ICMP error belongs to. The quoted datagram went
// the other way, so its key is reversed.
func errorKey(p *packet.Packet, dstVni packet.Vni) (*packet.Embedded, SessionKey, error) {
	inner, err := p.Embedded()
	if err != nil {
		return nil, SessionKey{}, err
	}
	sid, did, ok := inner.L4IDs()
	if !ok {
		return nil, SessionKey{}, ErrUnsupportedL4
	}
	key := SessionKey{
		SrcVni: p.Meta.SrcVni,
		DstVni: dstVni,
		Src:    inner.Dst(),
		Dst:    inner.Src(),
		SrcID:  did,
		DstID:  sid,
		Proto:  inner.Protocol(),
	}
	return inner, key, nil
}

// HasSession - true if p belongs to a live flow toward dstVni.
func (e *Engine) HasSession(p *packet.Packet, dstVni packet.Vni) bool {
	if !p.IsIP() {
		return false
	}
	var key SessionKey
	if p.IsIcmpError() {
		_, k, err := errorKey(p, dstVni)
		if err != nil {
			return false
		}
		key = k
	} else {
		k, ok := keyOf(p, dstVni)
		if !ok {
			return false
		}
		key = k
	}
	return e.table.Check(key, e.now())
}

// Session returns the live session of key.
func (e *Engine) Session(key SessionKey) (*Session, bool) {
	return e.table.Get(key, e.now())
}

// Sweep removes the flows idle at now.
func (e *Engine) Sweep(now time.Time) int {
	return e.table.Sweep(now)
}

// StartGarbageCollector sweeps the table every interval until ctx is done.
func (e *Engine) StartGarbageCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			deleted := e.table.Sweep(now)
			total, closed := e.table.stats()
			log.Info().Msgf("Nat table stats. Deleted = %d, Total = %d. Closed %d", deleted, total, closed)
		}
	}
}

// Process translates packets flagged for stateful NAT or port forwarding.
func (e *Engine) Process(p *packet.Packet) {
	e.ProcessWith(e.alloc.Load(), p)
}

// ProcessWith is Process with the pools of allocator. Sessions are shared whatever the allocator.
func (e *Engine) ProcessWith(allocator *Allocator, p *packet.Packet) {
	if p.IsDone() || !(isStateful(p.Meta.SrcNat.Mode) || isStateful(p.Meta.DstNat.Mode)) {
		return
	}
	if p.Meta.SrcVni == 0 || p.Meta.DstVni == 0 {
		log.Warn().Msgf("%s: %s has no vpc annotations", e.name, p.FlowString())
		p.SetDone(packet.Unroutable)
		return
	}
	now := e.now()
	if p.IsIcmpError() {
		e.handleIcmpError(p, now)
		return
	}
	key, ok := keyOf(p, p.Meta.DstVni)
	if !ok {
		log.Debug().Msgf("%s: cannot track %s, dropping", e.name, p.FlowString())
		p.SetDone(packet.Filtered)
		return
	}
	s, ok := e.table.Get(key, now)
	if ok {
		log.Debug().Msgf("%s: already NAT'ed %s, using %s", e.name, key, s)
	} else {
		var reason packet.DoneReason
		if s, reason = e.newSession(allocator, p, key, now); s == nil {
			p.SetDone(reason)
			return
		}
	}
	e.rewrite(p, s, now)
}

func (e *Engine) rewrite(p *packet.Packet, s *Session, now time.Time) {
	if !p.SetSrc(s.Src) || !p.SetDst(s.Dst) {
		log.Error().Msgf("%s: cannot rewrite %s with %s", e.name, p.FlowString(), s)
		p.SetDone(packet.InternalFailure)
		return
	}
	p.SetL4IDs(s.SrcID, s.DstID)
	s.flow.touch(now)
	if p.Tcp != nil {
		e.trackTCPSimple(s, p.Tcp)
	}
	direction := "forward"
	if s.Reverse {
		direction = "reverse"
	}
	translatedPackets.WithLabelValues(direction).Inc()
}

func idleTimeout(local, remote time.Duration) time.Duration {
	switch {
	case local > 0 && remote > 0:
		return min(local, remote)
	case local > 0:
		return local
	case remote > 0:
		return remote
	}
	return overlay.DefaultIdleTimeout
}

// newSession picks the translation of the first packet of a flow and stores its sessions. On
// failure the session is nil and the reason tells why the packet is dropped.
func (e *Engine) newSession(allocator *Allocator, p *packet.Packet, key SessionKey, now time.Time) (*Session, packet.DoneReason) {
	cfg, ok := allocator.pair(key.SrcVni, key.DstVni)
	if !ok {
		log.Debug().Msgf("%s: no stateful nat from vni %s to vni %s for %s", e.name, key.SrcVni, key.DstVni, key)
		return nil, packet.Filtered
	}
	translated := key
	var local, remote time.Duration

	var dstPool *pool
	if isStateful(p.Meta.DstNat.Mode) {
		if addr, port, rule, ok := cfg.forward(key.Proto, key.Dst, key.DstID); ok {
			log.Debug().Msgf("%s: %s matches port forwarding rule %s", e.name, key, rule)
			translated.Dst, translated.DstID = addr, port
			remote = rule.timeout
		} else if dstPool, ok = cfg.dstPool(key.Dst, key.DstID); ok {
			remote = dstPool.timeout
		} else {
			log.Debug().Msgf("%s: no destination translation for %s", e.name, key)
			return nil, packet.Filtered
		}
	}
	if dstPool != nil {
		if translated.Dst, ok = dstPool.first(); !ok {
			return nil, packet.InternalDrop
		}
	}

	var alloc *Allocation
	if isStateful(p.Meta.SrcNat.Mode) {
		srcPool, ok := cfg.srcPool(key.Src, key.SrcID)
		if !ok {
			// port forwarded hosts only answer
			log.Debug().Msgf("%s: no source pool for %s", e.name, key)
			return nil, packet.Filtered
		}
		local = srcPool.timeout
		var err error
		peer := peerKey{proto: key.Proto, dst: translated.Dst}
		if !isEcho(key.Proto) {
			peer.port = translated.DstID
		}
		alloc, err = allocator.allocate(srcPool, peer)
		if err != nil {
			log.Warn().Err(err).Msgf("%s: cannot translate %s", e.name, key)
			return nil, packet.InternalDrop
		}
		translated.Src, translated.SrcID = alloc.Addr, alloc.Port
		if isEcho(key.Proto) {
			translated.DstID = alloc.Port
		}
	}

	// Without a fresh source port, two flows may land on the same reply key. Move on to the
	// next address of the pool then.
	if dstPool != nil && alloc == nil {
		found := false
		dstPool.each(func(addr netip.Addr) bool {
			translated.Dst = addr
			found = !e.table.Check(translated.Reverse(), now)
			return !found
		})
		if !found {
			allocationFailures.Inc()
			log.Warn().Msgf("%s: every address of %s is taken for %s", e.name, dstPool.targets, key)
			return nil, packet.InternalDrop
		}
	}

	fwd, rev := newSessionPair(key, translated, idleTimeout(local, remote), alloc, now)
	s, err := e.table.InsertPair(fwd, rev, now)
	if err != nil {
		if alloc != nil {
			alloc.Release()
		}
		if s != nil {
			// another packet of the flow got there first
			return s, packet.NotDone
		}
		log.Warn().Err(err).Msgf("%s: cannot store session for %s", e.name, key)
		return nil, packet.InternalDrop
	}
	sessionsCreated.Inc()
	log.Debug().Msgf("%s: new NAT %s", e.name, s)
	return s, packet.NotDone
}

// handleIcmpError rewrites an ICMP error about a translated flow: the quoted datagram is mapped
// back like the flow it belongs to, and the error is sent to the original host.
func (e *Engine) handleIcmpError(p *packet.Packet, now time.Time) {
	inner, key, err := errorKey(p, p.Meta.DstVni)
	if err != nil {
		log.Debug().Err(err).Msgf("%s: cannot read quoted datagram of %s", e.name, p.FlowString())
		p.SetDone(packet.Filtered)
		return
	}
	s, ok := e.table.Get(key, now)
	if !ok {
		log.Debug().Msgf("%s: ICMP error about %s, but no entry in the nat table", e.name, key)
		p.SetDone(packet.Filtered)
		return
	}
	inner.SetSrc(s.Dst)
	inner.SetDst(s.Src)
	inner.SetL4IDs(s.DstID, s.SrcID)
	if !p.SetDst(s.Dst) {
		p.SetDone(packet.InternalFailure)
		return
	}
	translatedPackets.WithLabelValues("error").Inc()
	log.Debug().Msgf("%s: ICMP error for %s, quoted datagram is now %s", e.name, s, inner.FlowString())
}

// trackTCPSimple only follows the end of connections: once a FIN went both ways, or a RST was
// seen, the flow gets a short timeout.
func (e *Engine) trackTCPSimple(s *Session, tcp *layers.TCP) {
	var flag uint32
	switch {
	case tcp.RST:
		flag = tcpReset
	case tcp.FIN && s.Reverse:
		flag = tcpFinReverse
	case tcp.FIN:
		flag = tcpFinForward
	default:
		return
	}
	if s.flow.setTCP(flag) && s.flow.closed() {
		log.Debug().Msgf("%s: TCP connection closed %s", e.name, s)
	}
}

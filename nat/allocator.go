package nat

import (
	"fmt"
	"math/bits"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog/log"

	"vpcnat/overlay"
	"vpcnat/packet"
	"vpcnat/prefix"
)

// Ports of an outside address are handed out in blocks, each block serving a single peer.
const (
	blockSize  = 256
	blockCount = 65536 / blockSize
	blockWords = blockSize / 64
)

// Upper bound on the addresses of a pool tried for one flow.
const maxPoolScan = 1 << 16

// peerKey is what a port block is bound to: the translated destination of the flow. port is
// zero for ICMP.
type peerKey struct {
	proto layers.IPProtocol
	dst   netip.Addr
	port  uint16
}

type portBlock struct {
	bound bool
	peer  peerKey
	used  [blockWords]uint64
	count int
}

// firstFree returns the lowest free index of the block at or above min.
func (b *portBlock) firstFree(min int) (int, bool) {
	for w := min / 64; w < blockWords; w++ {
		free := ^b.used[w]
		if w == min/64 {
			free &= ^uint64(0) << (min % 64)
		}
		if free != 0 {
			return w*64 + bits.TrailingZeros64(free), true
		}
	}
	return 0, false
}

// portSpace is the port (or ICMP identifier) space of one outside address and protocol.
type portSpace struct {
	addr  netip.Addr
	proto layers.IPProtocol

	mu     sync.Mutex
	blocks [blockCount]portBlock
	inUse  int
}

type spaceKey struct {
	addr  netip.Addr
	proto layers.IPProtocol
}

// minIndex - port 0 is never handed out for TCP and UDP, ICMP identifiers start at 0.
func (s *portSpace) minIndex(block int) int {
	if block == 0 && (s.proto == layers.IPProtocolTCP || s.proto == layers.IPProtocolUDP) {
		return 1
	}
	return 0
}

func (s *portSpace) take(i, idx int) uint16 {
	b := &s.blocks[i]
	b.used[idx/64] |= 1 << (idx % 64)
	b.count++
	s.inUse++
	return uint16(i*blockSize + idx)
}

// allocate returns the lowest free port of a block bound to peer, binding a new block when the
// bound ones are full.
func (s *portSpace) allocate(peer peerKey) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.blocks {
		b := &s.blocks[i]
		if !b.bound || b.peer != peer {
			continue
		}
		if idx, ok := b.firstFree(s.minIndex(i)); ok {
			return s.take(i, idx), true
		}
	}
	for i := range s.blocks {
		b := &s.blocks[i]
		if b.bound {
			continue
		}
		idx, ok := b.firstFree(s.minIndex(i))
		if !ok {
			continue
		}
		b.bound, b.peer = true, peer
		return s.take(i, idx), true
	}
	return 0, false
}

func (s *portSpace) release(port uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, idx := int(port)/blockSize, int(port)%blockSize
	b := &s.blocks[i]
	if b.used[idx/64]&(1<<(idx%64)) == 0 {
		log.Error().Msgf("Releasing port %d of %s %s twice", port, s.addr, s.proto)
		return
	}
	b.used[idx/64] &^= 1 << (idx % 64)
	b.count--
	s.inUse--
	if b.count == 0 {
		b.bound, b.peer = false, peerKey{}
	}
}

// InUse returns the number of allocated ports.
func (s *portSpace) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

// Allocation is a port held by a flow until its session goes away.
type Allocation struct {
	Addr  netip.Addr
	Port  uint16
	space *portSpace
	once  sync.Once
}

func (a *Allocation) Release() {
	a.once.Do(func() { a.space.release(a.Port) })
}

func (a *Allocation) String() string {
	return fmt.Sprintf("%s %s", a.space.proto, netip.AddrPortFrom(a.Addr, a.Port))
}

// pool maps the addresses of match onto the addresses of targets, tried in order.
type pool struct {
	match   prefix.Set
	targets prefix.Set
	timeout time.Duration
}

func (p *pool) contains(addr netip.Addr, port uint16) bool {
	return p.match.ContainsAddrPort(addr, port)
}

// each calls fn on the target addresses in order until it returns false.
func (p *pool) each(fn func(netip.Addr) bool) {
	n := 0
	for _, t := range p.targets.Items() {
		for a := t.Prefix.Masked().Addr(); a.IsValid() && t.Prefix.Contains(a); a = a.Next() {
			if n == maxPoolScan || !fn(a) {
				return
			}
			n++
		}
	}
}

func (p *pool) first() (netip.Addr, bool) {
	var out netip.Addr
	p.each(func(a netip.Addr) bool {
		out = a
		return false
	})
	return out, out.IsValid()
}

// pairConfig is the stateful NAT configuration for flows from one VPC to another.
type pairConfig struct {
	peering string
	src     []*pool
	dst     []*pool
	fwd     []*forwardRule
}

func (c *pairConfig) srcPool(addr netip.Addr, port uint16) (*pool, bool) {
	for _, p := range c.src {
		if p.contains(addr, port) {
			return p, true
		}
	}
	return nil, false
}

func (c *pairConfig) dstPool(addr netip.Addr, port uint16) (*pool, bool) {
	for _, p := range c.dst {
		if p.contains(addr, port) {
			return p, true
		}
	}
	return nil, false
}

func (c *pairConfig) forward(proto layers.IPProtocol, addr netip.Addr, port uint16) (netip.Addr, uint16, *forwardRule, bool) {
	for _, r := range c.fwd {
		if a, p, ok := r.translate(proto, addr, port); ok {
			return a, p, r, true
		}
	}
	return netip.Addr{}, 0, nil, false
}

type vniPair struct {
	src, dst packet.Vni
}

// portSpaces holds the port spaces of every outside address. Allocators built one from
// another share it, an address has a single space for as long as it has ports in use.
type portSpaces struct {
	// read locked while allocating, write locked while pruning
	gate sync.RWMutex

	mu sync.Mutex
	m  map[spaceKey]*portSpace
}

func newPortSpaces() *portSpaces {
	return &portSpaces{m: map[spaceKey]*portSpace{}}
}

// get returns the port space of addr, creating it on first use.
func (r *portSpaces) get(addr netip.Addr, proto layers.IPProtocol) *portSpace {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := spaceKey{addr, proto}
	s, ok := r.m[k]
	if !ok {
		s = &portSpace{addr: addr, proto: proto}
		r.m[k] = s
	}
	return s
}

// prune drops the idle spaces of addresses keep rejects and returns how many are left.
func (r *portSpaces) prune(keep func(netip.Addr) bool) int {
	r.gate.Lock()
	defer r.gate.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, s := range r.m {
		if !keep(k.addr) && s.InUse() == 0 {
			delete(r.m, k)
		}
	}
	return len(r.m)
}

func (r *portSpaces) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// Allocator holds the pools of every peering and the port spaces of their outside addresses.
type Allocator struct {
	pairs  map[vniPair]*pairConfig
	spaces *portSpaces
}

func NewAllocator() *Allocator {
	return &Allocator{pairs: map[vniPair]*pairConfig{}, spaces: newPortSpaces()}
}

func (a *Allocator) pair(src, dst packet.Vni) (*pairConfig, bool) {
	c, ok := a.pairs[vniPair{src, dst}]
	return c, ok
}

func (a *Allocator) space(addr netip.Addr, proto layers.IPProtocol) *portSpace {
	return a.spaces.get(addr, proto)
}

// allocate takes a port on the first address of the pool that has one free for peer.
func (a *Allocator) allocate(p *pool, peer peerKey) (*Allocation, error) {
	a.spaces.gate.RLock()
	defer a.spaces.gate.RUnlock()
	var alloc *Allocation
	p.each(func(addr netip.Addr) bool {
		s := a.spaces.get(addr, peer.proto)
		if port, ok := s.allocate(peer); ok {
			alloc = &Allocation{Addr: addr, Port: port, space: s}
			return false
		}
		return true
	})
	if alloc == nil {
		allocationFailures.Inc()
		return nil, fmt.Errorf("%w: %s", ErrPoolExhausted, p.targets)
	}
	return alloc, nil
}

func (p *pool) String() string {
	return fmt.Sprintf("%s -> %s (idle %s)", p.match, p.targets, p.timeout)
}

// String lists the pools of every vpc pair, ordered by vni.
func (a *Allocator) String() string {
	keys := make([]vniPair, 0, len(a.pairs))
	for k := range a.pairs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].src != keys[j].src {
			return keys[i].src < keys[j].src
		}
		return keys[i].dst < keys[j].dst
	})
	var sb strings.Builder
	for _, k := range keys {
		c := a.pairs[k]
		fmt.Fprintf(&sb, "vni %s -> %s (%s):\n", k.src, k.dst, c.peering)
		for _, p := range c.src {
			fmt.Fprintf(&sb, "  source %s\n", p)
		}
		for _, p := range c.dst {
			fmt.Fprintf(&sb, "  destination %s\n", p)
		}
		for _, r := range c.fwd {
			fmt.Fprintf(&sb, "  forward %s\n", r)
		}
	}
	return sb.String()
}

// Len returns the number of vpc pairs with stateful NAT.
func (a *Allocator) Len() int {
	return len(a.pairs)
}

func exposeTimeout(e *overlay.VpcExpose) time.Duration {
	if t, ok := e.IdleTimeout(); ok && t > 0 {
		return t
	}
	return overlay.DefaultIdleTimeout
}

// buildPair collects the stateful and port forwarding exposes of a collapsed peering.
func buildPair(p *overlay.Peering) (*pairConfig, error) {
	c := &pairConfig{peering: p.Name}
	for _, e := range p.Local.ExposesWith(packet.Stateful) {
		if !e.HasNat() {
			continue
		}
		c.src = append(c.src, &pool{match: e.Ips, targets: e.AsRange(), timeout: exposeTimeout(e)})
	}
	for _, e := range p.Remote.ExposesWith(packet.Stateful) {
		if !e.HasNat() {
			continue
		}
		c.dst = append(c.dst, &pool{match: e.AsRange(), targets: e.Ips, timeout: exposeTimeout(e)})
	}
	for _, e := range p.Remote.ExposesWith(packet.PortForwarding) {
		if !e.HasNat() {
			continue
		}
		rules, err := newForwardRules(e)
		if err != nil {
			return nil, err
		}
		c.fwd = append(c.fwd, rules...)
	}
	return c, nil
}

// BuildAllocator computes the stateful NAT configuration of a validated overlay. It shares
// the port spaces of prev, so ports held by live flows stay taken whether or not their
// address is still configured. Idle spaces of addresses no pool hands out are dropped.
func BuildAllocator(ov *overlay.Overlay, prev *Allocator) *Allocator {
	a := NewAllocator()
	if prev != nil {
		a.spaces = prev.spaces
	}
	for _, vpc := range ov.VpcTable.Values() {
		for _, p := range vpc.Peerings {
			dstVni, ok := ov.VpcTable.RemoteVni(p)
			if !ok {
				log.Warn().Msgf("Peering %s: no vpc %s", p.Name, p.RemoteID)
				continue
			}
			c, err := buildPair(overlay.CollapsePeering(p))
			if err != nil {
				log.Error().Err(err).Msgf("Skipping stateful nat of peering %s for vpc %s", p.Name, vpc.Name)
				continue
			}
			if len(c.src) == 0 && len(c.dst) == 0 && len(c.fwd) == 0 {
				continue
			}
			a.pairs[vniPair{vpc.Vni, dstVni}] = c
		}
	}
	n := a.spaces.prune(a.configured)
	log.Debug().Msgf("Built stateful nat allocator, %d vpc pairs, %d port spaces kept", len(a.pairs), n)
	return a
}

// configured - true if some source pool hands out addr.
func (a *Allocator) configured(addr netip.Addr) bool {
	for _, c := range a.pairs {
		for _, p := range c.src {
			for _, t := range p.targets.Items() {
				if t.Prefix.Contains(addr) {
					return true
				}
			}
		}
	}
	return false
}

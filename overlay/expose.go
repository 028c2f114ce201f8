package overlay

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"vpcnat/packet"
	"vpcnat/prefix"
)

// DefaultIdleTimeout applies to stateful flows when no idle timeout is configured.
const DefaultIdleTimeout = 2 * time.Minute

// NatConfig is the translation mode of an expose and its options.
type NatConfig struct {
	// Mode is left to NoNat until a mode is chosen, which is read as stateless.
	Mode        packet.NatMode
	IdleTimeout time.Duration
	// Proto only applies to port forwarding.
	Proto prefix.L4Protocol
}

// VpcExposeNat holds the public side of an expose.
type VpcExposeNat struct {
	AsRange prefix.Set
	NotAs   prefix.Set
	Config  NatConfig
}

// VpcExpose is a set of prefixes one side of a peering makes reachable, with optional NAT.
type VpcExpose struct {
	Default bool
	Ips     prefix.Set
	Nots    prefix.Set
	Nat     *VpcExposeNat
}

func NewExpose() *VpcExpose {
	return &VpcExpose{}
}

// SetDefault makes the expose match any address.
func (e *VpcExpose) SetDefault() *VpcExpose {
	e.Default = true
	return e
}

func (e *VpcExpose) IP(p prefix.PrefixPorts) *VpcExpose {
	e.Ips.Insert(p)
	return e
}

func (e *VpcExpose) Not(p prefix.PrefixPorts) *VpcExpose {
	e.Nots.Insert(p)
	return e
}

func (e *VpcExpose) makeNat() *VpcExposeNat {
	if e.Nat == nil {
		e.Nat = &VpcExposeNat{}
	}
	return e.Nat
}

func (e *VpcExpose) As(p prefix.PrefixPorts) *VpcExpose {
	e.makeNat().AsRange.Insert(p)
	return e
}

func (e *VpcExpose) NotAs(p prefix.PrefixPorts) *VpcExpose {
	e.makeNat().NotAs.Insert(p)
	return e
}

func (e *VpcExpose) setMode(cfg NatConfig) error {
	nat := e.makeNat()
	if nat.Config.Mode != packet.NoNat && nat.Config.Mode != cfg.Mode {
		return newError(ErrAlreadyHasNat, fmt.Sprintf("refusing to replace %s with %s", nat.Config.Mode, cfg.Mode))
	}
	nat.Config = cfg
	return nil
}

// MakeStatefulNat sets stateful NAT. A zero idle timeout selects DefaultIdleTimeout. Calling it
// again overwrites the idle timeout.
func (e *VpcExpose) MakeStatefulNat(idleTimeout time.Duration) error {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return e.setMode(NatConfig{Mode: packet.Stateful, IdleTimeout: idleTimeout})
}

func (e *VpcExpose) MakeStatelessNat() error {
	return e.setMode(NatConfig{Mode: packet.Stateless})
}

// MakePortForwarding sets port forwarding for proto. A zero idle timeout selects
// DefaultIdleTimeout for the sessions replies ride on.
func (e *VpcExpose) MakePortForwarding(proto prefix.L4Protocol, idleTimeout time.Duration) error {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return e.setMode(NatConfig{Mode: packet.PortForwarding, Proto: proto, IdleTimeout: idleTimeout})
}

// NatMode returns the translation mode, NoNat when the expose has no NAT section.
func (e *VpcExpose) NatMode() packet.NatMode {
	if e.Nat == nil {
		return packet.NoNat
	}
	if e.Nat.Config.Mode == packet.NoNat {
		return packet.Stateless
	}
	return e.Nat.Config.Mode
}

// HasNat - true if the expose translates to a non-empty public range.
func (e *VpcExpose) HasNat() bool {
	return e.Nat != nil && !e.Nat.AsRange.IsEmpty()
}

func (e *VpcExpose) HasStatefulNat() bool {
	return e.NatMode() == packet.Stateful
}

func (e *VpcExpose) HasStatelessNat() bool {
	return e.NatMode() == packet.Stateless
}

func (e *VpcExpose) HasPortForwarding() bool {
	return e.NatMode() == packet.PortForwarding
}

// NatRequirement is what the flow filter attaches to packets from or to this expose.
func (e *VpcExpose) NatRequirement() packet.NatRequirement {
	mode := e.NatMode()
	if mode == packet.PortForwarding {
		return packet.NatRequirement{Mode: mode, Proto: e.Nat.Config.Proto}
	}
	return packet.NatRequirement{Mode: mode}
}

// IdleTimeout returns the configured idle timeout of stateful and port forwarding exposes.
func (e *VpcExpose) IdleTimeout() (time.Duration, bool) {
	switch e.NatMode() {
	case packet.Stateful, packet.PortForwarding:
		return e.Nat.Config.IdleTimeout, true
	}
	return 0, false
}

// AsRange returns the translated prefixes, empty without NAT.
func (e *VpcExpose) AsRange() prefix.Set {
	if e.Nat == nil {
		return prefix.Set{}
	}
	return e.Nat.AsRange
}

func (e *VpcExpose) NotAsRange() prefix.Set {
	if e.Nat == nil {
		return prefix.Set{}
	}
	return e.Nat.NotAs
}

// PublicIPs returns the prefixes peers see: as_range when translated, ips otherwise.
func (e *VpcExpose) PublicIPs() prefix.Set {
	if e.HasNat() {
		return e.Nat.AsRange
	}
	return e.Ips
}

// PublicExcludes returns the exclusions that go with PublicIPs.
func (e *VpcExpose) PublicExcludes() prefix.Set {
	if e.HasNat() {
		return e.Nat.NotAs
	}
	return e.Nots
}

func firstIs4(s prefix.Set) (is4, ok bool) {
	if s.IsEmpty() {
		return false, false
	}
	return s.Items()[0].Is4(), true
}

// Is44 - true if both private and translated prefixes are IPv4.
func (e *VpcExpose) Is44() bool {
	a, ok1 := firstIs4(e.Ips)
	b, ok2 := firstIs4(e.AsRange())
	return ok1 && ok2 && a && b
}

// Is66 - true if both private and translated prefixes are IPv6.
func (e *VpcExpose) Is66() bool {
	a, ok1 := firstIs4(e.Ips)
	b, ok2 := firstIs4(e.AsRange())
	return ok1 && ok2 && !a && !b
}

// Clone returns a deep copy.
func (e *VpcExpose) Clone() *VpcExpose {
	c := &VpcExpose{Default: e.Default, Ips: e.Ips.Clone(), Nots: e.Nots.Clone()}
	if e.Nat != nil {
		c.Nat = &VpcExposeNat{AsRange: e.Nat.AsRange.Clone(), NotAs: e.Nat.NotAs.Clone(), Config: e.Nat.Config}
	}
	return c
}

func (e *VpcExpose) String() string {
	if e.Default {
		return "expose{default}"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "expose{ips=%s", e.Ips)
	if !e.Nots.IsEmpty() {
		fmt.Fprintf(&b, " nots=%s", e.Nots)
	}
	if e.Nat != nil {
		fmt.Fprintf(&b, " as=%s", e.Nat.AsRange)
		if !e.Nat.NotAs.IsEmpty() {
			fmt.Fprintf(&b, " not_as=%s", e.Nat.NotAs)
		}
		fmt.Fprintf(&b, " nat=%s", e.NatRequirement())
	}
	b.WriteString("}")
	return b.String()
}

func (e *VpcExpose) validateDefault() error {
	if e.Default {
		if !e.Ips.IsEmpty() || !e.Nots.IsEmpty() || e.Nat != nil {
			return newError(ErrDefaultWithExtraData, "")
		}
		return nil
	}
	lists := []struct {
		name string
		set  prefix.Set
	}{
		{"ips", e.Ips}, {"nots", e.Nots}, {"as", e.AsRange()}, {"not_as", e.NotAsRange()},
	}
	for _, l := range lists {
		for _, p := range l.set.Items() {
			if p.IsRoot() {
				return newError(ErrRootPrefixForbidden, "root prefix in '"+l.name+"'", p)
			}
		}
	}
	return nil
}

// Validate checks, in order: default expose shape, single IP version, no overlap inside each
// list, exclusions covered by allowed prefixes, exclusions not consuming everything, stateless
// size balance, no ports with stateful NAT, no exclusions without allowed prefixes, and finally
// the port forwarding shape.
func (e *VpcExpose) Validate() error {
	if err := e.validateDefault(); err != nil {
		return err
	}
	if e.Default {
		return nil
	}

	lists := []prefix.Set{e.Ips, e.Nots, e.AsRange(), e.NotAsRange()}

	// NAT46 and NAT64 are not supported
	var is4, seen bool
	for _, l := range lists {
		for _, p := range l.Items() {
			if !seen {
				is4, seen = p.Is4(), true
			} else if p.Is4() != is4 {
				return newError(ErrInconsistentIPVersion, e.String(), p)
			}
		}
	}

	for _, l := range lists {
		items := l.Items()
		for i, p := range items {
			for _, q := range items[i+1:] {
				if p.Overlaps(q) {
					return newError(ErrOverlappingPrefixes, "", p, q)
				}
			}
		}
	}

	pairs := [][2]prefix.Set{{e.Ips, e.Nots}, {e.AsRange(), e.NotAsRange()}}
	for _, pair := range pairs {
		if pair[0].IsEmpty() {
			continue
		}
		for _, x := range pair[1].Items() {
			if !pair[0].AnyCovers(x) {
				return newError(ErrOutOfRangeExclusion, "", x)
			}
		}
	}

	zero := new(big.Int)
	ipsSize, notsSize := e.Ips.TotalSize(), e.Nots.TotalSize()
	if ipsSize.Cmp(zero) > 0 && ipsSize.Cmp(notsSize) <= 0 {
		return newError(ErrExcludedAllPrefixes, "ips")
	}
	asSize, notAsSize := e.AsRange().TotalSize(), e.NotAsRange().TotalSize()
	if asSize.Cmp(zero) > 0 && asSize.Cmp(notAsSize) <= 0 {
		return newError(ErrExcludedAllPrefixes, "as")
	}

	if e.HasStatelessNat() && asSize.Cmp(zero) > 0 {
		private := new(big.Int).Sub(ipsSize, notsSize)
		public := new(big.Int).Sub(asSize, notAsSize)
		if private.Cmp(public) != 0 {
			return newError(ErrMismatchedPrefixSizes, fmt.Sprintf("%s != %s", private, public))
		}
	}

	if e.HasStatefulNat() {
		for _, l := range []prefix.Set{e.Ips, e.AsRange()} {
			for _, p := range l.Items() {
				if p.HasPorts {
					return newError(ErrForbiddenPortsWithStatefulNat, "", p)
				}
			}
		}
	}

	if !e.Nots.IsEmpty() && e.Ips.IsEmpty() {
		return newError(ErrForbidden, "empty 'ips' with non-empty 'nots'")
	}
	if e.AsRange().IsEmpty() && !e.NotAsRange().IsEmpty() {
		return newError(ErrForbidden, "empty 'as' with non-empty 'not_as'")
	}

	if e.HasPortForwarding() {
		if e.Ips.Len() != 1 || e.AsRange().Len() != 1 || !e.Nots.IsEmpty() || !e.NotAsRange().IsEmpty() {
			return newError(ErrPortForwardingShape, e.String())
		}
		if ipsSize.Cmp(asSize) != 0 {
			return newError(ErrMismatchedPrefixSizes, fmt.Sprintf("%s != %s", ipsSize, asSize))
		}
	}
	return nil
}

package prefix

import (
	"errors"
	"fmt"
	"math/big"
	"net/netip"
	"strings"

	"vpcnat/common"
)

var (
	ErrInvalidPrefix = errors.New("invalid prefix")
)

// PrefixPorts is a CIDR prefix with an optional port range. Without a port range it
// stands for every port. The zero value is not a valid prefix.
type PrefixPorts struct {
	Prefix   netip.Prefix
	Ports    PortRange
	HasPorts bool
}

// New returns a plain prefix, covering all ports.
func New(p netip.Prefix) PrefixPorts {
	return PrefixPorts{Prefix: p.Masked()}
}

// WithPorts returns a prefix restricted to a port range.
func WithPorts(p netip.Prefix, ports PortRange) PrefixPorts {
	return PrefixPorts{Prefix: p.Masked(), Ports: ports, HasPorts: true}
}

// Parse accepts "cidr" or "cidr:[a-b]".
func Parse(s string) (PrefixPorts, error) {
	cidr, ports, found := strings.Cut(s, ":[")
	if !found {
		p, err := ParsePrefix(s)
		if err != nil {
			return PrefixPorts{}, fmt.Errorf("%w: %s", ErrInvalidPrefix, err)
		}
		return New(p), nil
	}
	p, err := ParsePrefix(cidr)
	if err != nil {
		return PrefixPorts{}, fmt.Errorf("%w: %s", ErrInvalidPrefix, err)
	}
	ports = strings.TrimSuffix(ports, "]")
	if ports == "all" {
		return New(p), nil
	}
	r, err := ParsePortRange(ports)
	if err != nil {
		return PrefixPorts{}, err
	}
	return WithPorts(p, r), nil
}

// MustParse is Parse for tests and constants.
func MustParse(s string) PrefixPorts {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// PortsOrMax returns the port range, or the full range when none is set.
func (p PrefixPorts) PortsOrMax() PortRange {
	if p.HasPorts {
		return p.Ports
	}
	return MaxPortRange
}

func (p PrefixPorts) Is4() bool {
	return p.Prefix.Addr().Is4()
}

func (p PrefixPorts) IsRoot() bool {
	return IsRoot(p.Prefix)
}

// Covers - true if every (address, port) of o is in p. A prefix with a port range only
// covers a plain prefix when its range is the full range.
func (p PrefixPorts) Covers(o PrefixPorts) bool {
	if !Covers(p.Prefix, o.Prefix) {
		return false
	}
	if !p.HasPorts {
		return true
	}
	return p.Ports.Covers(o.PortsOrMax())
}

func (p PrefixPorts) Overlaps(o PrefixPorts) bool {
	return Overlaps(p.Prefix, o.Prefix) && p.PortsOrMax().Overlaps(o.PortsOrMax())
}

// Intersection keeps a port range when either side has one.
func (p PrefixPorts) Intersection(o PrefixPorts) (PrefixPorts, bool) {
	ip, ok := Intersection(p.Prefix, o.Prefix)
	if !ok {
		return PrefixPorts{}, false
	}
	ports, ok := p.PortsOrMax().Intersection(o.PortsOrMax())
	if !ok {
		return PrefixPorts{}, false
	}
	if !p.HasPorts && !o.HasPorts {
		return New(ip), true
	}
	return WithPorts(ip, ports), true
}

// Subtract returns p \ o. The IP space and the port space are subtracted independently:
// the whole prefix keeps the ports of p not in o, and the parts of the prefix outside o keep
// the ports both share.
func (p PrefixPorts) Subtract(o PrefixPorts) []PrefixPorts {
	if !p.Overlaps(o) {
		return []PrefixPorts{p}
	}
	mine, theirs := p.PortsOrMax(), o.PortsOrMax()
	var out []PrefixPorts
	for _, r := range mine.Subtract(theirs) {
		out = append(out, p.withRange(p.Prefix, r))
	}
	common, _ := mine.Intersection(theirs)
	for _, q := range SubtractPrefix(p.Prefix, o.Prefix) {
		out = append(out, p.withRange(q, common))
	}
	return out
}

// withRange builds a result of an operation on p, dropping a full port range when p had none.
func (p PrefixPorts) withRange(q netip.Prefix, r PortRange) PrefixPorts {
	if !p.HasPorts && r.IsMax() {
		return New(q)
	}
	return WithPorts(q, r)
}

// Merge joins p and o when their union is itself a PrefixPorts.
func (p PrefixPorts) Merge(o PrefixPorts) (PrefixPorts, bool) {
	switch {
	case !p.HasPorts && !o.HasPorts:
		m, ok := MergePrefix(p.Prefix, o.Prefix)
		if !ok {
			return PrefixPorts{}, false
		}
		return New(m), true
	case p.HasPorts && o.HasPorts:
		if p.Prefix == o.Prefix {
			r, ok := p.Ports.Merge(o.Ports)
			if !ok {
				return PrefixPorts{}, false
			}
			return WithPorts(p.Prefix, r), true
		}
		if p.Ports == o.Ports {
			m, ok := MergePrefix(p.Prefix, o.Prefix)
			if !ok {
				return PrefixPorts{}, false
			}
			return WithPorts(m, p.Ports), true
		}
		return PrefixPorts{}, false
	default:
		plain, ported := p, o
		if p.HasPorts {
			plain, ported = o, p
		}
		if plain.Prefix == ported.Prefix {
			return plain, true
		}
		if ported.Ports.IsMax() {
			m, ok := MergePrefix(plain.Prefix, ported.Prefix)
			if !ok {
				return PrefixPorts{}, false
			}
			return New(m), true
		}
		return PrefixPorts{}, false
	}
}

// AddrCount returns the number of addresses of the prefix.
func (p PrefixPorts) AddrCount() *big.Int {
	return common.AddrCount(p.Prefix)
}

// Size returns the exact number of (address, port) pairs covered.
func (p PrefixPorts) Size() *big.Int {
	n := p.AddrCount()
	return n.Mul(n, big.NewInt(int64(p.PortsOrMax().Len())))
}

// Compare is a total order: family, address, length, then port range with "all ports" first.
func (p PrefixPorts) Compare(o PrefixPorts) int {
	if c := comparePrefix(p.Prefix, o.Prefix); c != 0 {
		return c
	}
	switch {
	case p.HasPorts == o.HasPorts:
		if !p.HasPorts {
			return 0
		}
		return p.Ports.compare(o.Ports)
	case !p.HasPorts:
		return -1
	}
	return 1
}

func (p PrefixPorts) String() string {
	if !p.HasPorts {
		return p.Prefix.String()
	}
	return fmt.Sprintf("%s:[%s]", p.Prefix, p.Ports)
}

// ContainsAddrPort - true if addr (and port, when p carries ports) is covered.
func (p PrefixPorts) ContainsAddrPort(addr netip.Addr, port uint16) bool {
	return p.Prefix.Contains(addr) && p.PortsOrMax().Contains(port)
}

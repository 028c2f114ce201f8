package prefix

import (
	"fmt"

	"github.com/google/gopacket/layers"
)

// L4Protocol restricts a rule to TCP, UDP or both.
type L4Protocol uint8

const (
	Any L4Protocol = iota
	TCP
	UDP
)

// ParseL4Protocol accepts "", "any", "tcp" and "udp".
func ParseL4Protocol(s string) (L4Protocol, error) {
	switch s {
	case "", "any":
		return Any, nil
	case "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	}
	return Any, fmt.Errorf("unknown protocol %q", s)
}

// Intersection - ok is false when the two protocols share nothing.
func (p L4Protocol) Intersection(o L4Protocol) (L4Protocol, bool) {
	switch {
	case p == Any:
		return o, true
	case o == Any || o == p:
		return p, true
	}
	return Any, false
}

// Matches - true if an IP protocol number is accepted.
func (p L4Protocol) Matches(proto layers.IPProtocol) bool {
	switch p {
	case TCP:
		return proto == layers.IPProtocolTCP
	case UDP:
		return proto == layers.IPProtocolUDP
	}
	return proto == layers.IPProtocolTCP || proto == layers.IPProtocolUDP
}

func (p L4Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	}
	return "any"
}

package nat

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/google/gopacket/layers"

	"vpcnat/overlay"
	"vpcnat/prefix"
	"vpcnat/stateless"
)

// forwardRule sends the public address and ports of a port forwarding expose to its private
// address and ports.
type forwardRule struct {
	proto   prefix.L4Protocol
	value   *stateless.NatTableValue
	timeout time.Duration
}

// newForwardRules returns the rules of a collapsed port forwarding expose.
func newForwardRules(e *overlay.VpcExpose) ([]*forwardRule, error) {
	values, err := stateless.NewRangeBuilder(e.AsRange(), e.Ips).All()
	if err != nil {
		return nil, err
	}
	rules := make([]*forwardRule, 0, len(values))
	for _, v := range values {
		rules = append(rules, &forwardRule{proto: e.Nat.Config.Proto, value: v, timeout: exposeTimeout(e)})
	}
	return rules, nil
}

func (r *forwardRule) translate(proto layers.IPProtocol, addr netip.Addr, port uint16) (netip.Addr, uint16, bool) {
	if !r.proto.Matches(proto) {
		return netip.Addr{}, 0, false
	}
	return r.value.Translate(addr, port)
}

func (r *forwardRule) String() string {
	return fmt.Sprintf("%s %s", r.proto, r.value)
}

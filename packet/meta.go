package packet

import (
	"errors"
	"fmt"
	"strconv"

	"vpcnat/prefix"
)

var (
	ErrInvalidVni = errors.New("invalid vni")
)

// MaxVni is the largest 24 bit VXLAN network identifier.
const MaxVni = 1<<24 - 1

// Vni identifies a VPC on the packet path. Zero means unset.
type Vni uint32

// NewVni - v must be in 1..MaxVni.
func NewVni(v uint32) (Vni, error) {
	if v == 0 || v > MaxVni {
		return 0, fmt.Errorf("%w: %d", ErrInvalidVni, v)
	}
	return Vni(v), nil
}

func (v Vni) String() string {
	return strconv.FormatUint(uint64(v), 10)
}

// DoneReason is the terminal outcome of a packet. A packet with a reason set is dropped.
type DoneReason uint8

const (
	NotDone DoneReason = iota
	Filtered
	Unroutable
	InternalFailure
	InternalDrop
	NotIP
)

func (d DoneReason) String() string {
	switch d {
	case NotDone:
		return "none"
	case Filtered:
		return "filtered"
	case Unroutable:
		return "unroutable"
	case InternalFailure:
		return "internal_failure"
	case InternalDrop:
		return "internal_drop"
	case NotIP:
		return "not_ip"
	}
	return "unknown"
}

// NatMode is the kind of translation an expose asks for.
type NatMode uint8

const (
	NoNat NatMode = iota
	Stateless
	Stateful
	PortForwarding
)

func (m NatMode) String() string {
	switch m {
	case Stateless:
		return "stateless"
	case Stateful:
		return "stateful"
	case PortForwarding:
		return "port-forwarding"
	}
	return "none"
}

// NatRequirement is the translation one side of a flow requires. The zero value requires none.
type NatRequirement struct {
	Mode NatMode
	// Proto restricts port forwarding to a transport protocol.
	Proto prefix.L4Protocol
}

func (r NatRequirement) IsSet() bool {
	return r.Mode != NoNat
}

func (r NatRequirement) String() string {
	if r.Mode == PortForwarding {
		return fmt.Sprintf("%s(%s)", r.Mode, r.Proto)
	}
	return r.Mode.String()
}

// Meta is the state the pipeline attaches to a packet.
type Meta struct {
	SrcVni Vni
	DstVni Vni
	// SrcNat is required by the expose the source address belongs to, DstNat by the destination's.
	SrcNat NatRequirement
	DstNat NatRequirement
	Done   DoneReason
}

// NeedsNat - true if either side requires translation of the given mode.
func (m *Meta) NeedsNat(mode NatMode) bool {
	return m.SrcNat.Mode == mode || m.DstNat.Mode == mode
}

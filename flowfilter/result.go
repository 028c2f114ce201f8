package flowfilter

import (
	"fmt"
	"sort"
	"strings"

	"vpcnat/overlay"
	"vpcnat/packet"
)

// RemoteData is where a flow goes and what translation it needs on each side.
type RemoteData struct {
	Vpcd      packet.Vni
	SrcNatReq packet.NatRequirement
	DstNatReq packet.NatRequirement
}

func (d RemoteData) RequiresStatefulNat() bool {
	return d.SrcNatReq.Mode == packet.Stateful || d.DstNatReq.Mode == packet.Stateful
}

func (d RemoteData) RequiresStatelessNat() bool {
	return d.SrcNatReq.Mode == packet.Stateless || d.DstNatReq.Mode == packet.Stateless
}

func (d RemoteData) RequiresPortForwarding() bool {
	return d.DstNatReq.Mode == packet.PortForwarding
}

func (d RemoteData) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "vpcd=%s", d.Vpcd)
	if d.SrcNatReq.IsSet() {
		fmt.Fprintf(&b, " src_nat=%s", d.SrcNatReq)
	}
	if d.DstNatReq.IsSet() {
		fmt.Fprintf(&b, " dst_nat=%s", d.DstNatReq)
	}
	return b.String()
}

func (d RemoteData) less(o RemoteData) bool {
	if d.Vpcd != o.Vpcd {
		return d.Vpcd < o.Vpcd
	}
	if d.SrcNatReq != o.SrcNatReq {
		return d.SrcNatReq.Mode < o.SrcNatReq.Mode || (d.SrcNatReq.Mode == o.SrcNatReq.Mode && d.SrcNatReq.Proto < o.SrcNatReq.Proto)
	}
	return d.DstNatReq.Mode < o.DstNatReq.Mode || (d.DstNatReq.Mode == o.DstNatReq.Mode && d.DstNatReq.Proto < o.DstNatReq.Proto)
}

// dataSet is a set of RemoteData.
type dataSet map[RemoteData]struct{}

func newDataSet(items ...RemoteData) dataSet {
	s := make(dataSet, len(items))
	for _, d := range items {
		s[d] = struct{}{}
	}
	return s
}

func (s dataSet) add(o dataSet) {
	for d := range o {
		s[d] = struct{}{}
	}
}

func (s dataSet) equal(o dataSet) bool {
	if len(s) != len(o) {
		return false
	}
	for d := range s {
		if _, ok := o[d]; !ok {
			return false
		}
	}
	return true
}

func (s dataSet) sorted() []RemoteData {
	out := make([]RemoteData, 0, len(s))
	for d := range s {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// LookupResult is either a single destination or a set of candidate destinations that the
// addresses alone cannot tell apart. A set may hold a single candidate.
type LookupResult struct {
	multiple bool
	// sorted, one element when not multiple
	data []RemoteData
}

func Single(d RemoteData) LookupResult {
	return LookupResult{data: []RemoteData{d}}
}

func Multiple(items ...RemoteData) LookupResult {
	return LookupResult{multiple: true, data: newDataSet(items...).sorted()}
}

func (r LookupResult) IsMultiple() bool {
	return r.multiple
}

// Single returns the destination of a non multiple result.
func (r LookupResult) Single() (RemoteData, bool) {
	if r.multiple || len(r.data) != 1 {
		return RemoteData{}, false
	}
	return r.data[0], true
}

// Candidates returns every possible destination, sorted.
func (r LookupResult) Candidates() []RemoteData {
	return r.data
}

func (r LookupResult) Equal(o LookupResult) bool {
	if r.multiple != o.multiple || len(r.data) != len(o.data) {
		return false
	}
	for i := range r.data {
		if r.data[i] != o.data[i] {
			return false
		}
	}
	return true
}

// merge combines a result inserted twice for the same key. Two sets are united, a single
// result may only be inserted again unchanged.
func (r LookupResult) merge(o LookupResult) (LookupResult, error) {
	switch {
	case r.multiple && o.multiple:
		return Multiple(append(append([]RemoteData{}, r.data...), o.data...)...), nil
	case r.Equal(o):
		return r, nil
	}
	return r, fmt.Errorf("%w: conflicting values %s and %s", overlay.ErrInternalFailure, r, o)
}

func (r LookupResult) String() string {
	if !r.multiple {
		if len(r.data) == 0 {
			return "none"
		}
		return "single(" + r.data[0].String() + ")"
	}
	parts := make([]string, len(r.data))
	for i, d := range r.data {
		parts[i] = d.String()
	}
	return "multiple{" + strings.Join(parts, ", ") + "}"
}

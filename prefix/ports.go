package prefix

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxPortRangeLen is the number of ports in the full 16-bit port space.
const MaxPortRangeLen = 65536

var (
	ErrInvalidPortRange = errors.New("invalid port range")

	// MaxPortRange covers every port.
	MaxPortRange = PortRange{Start: 0, End: 65535}
)

// PortRange is an inclusive range of L4 ports.
type PortRange struct {
	Start uint16
	End   uint16
}

// NewPortRange - start must not be greater than end.
func NewPortRange(start, end uint16) (PortRange, error) {
	if start > end {
		return PortRange{}, fmt.Errorf("%w: %d-%d", ErrInvalidPortRange, start, end)
	}
	return PortRange{Start: start, End: end}, nil
}

// ParsePortRange accepts "a" or "a-b".
func ParsePortRange(s string) (PortRange, error) {
	parts := strings.Split(s, "-")
	if len(parts) > 2 {
		return PortRange{}, fmt.Errorf("%w: %q", ErrInvalidPortRange, s)
	}
	start, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return PortRange{}, fmt.Errorf("%w: %q", ErrInvalidPortRange, s)
	}
	end := start
	if len(parts) == 2 {
		end, err = strconv.ParseUint(parts[1], 10, 16)
		if err != nil {
			return PortRange{}, fmt.Errorf("%w: %q", ErrInvalidPortRange, s)
		}
	}
	return NewPortRange(uint16(start), uint16(end))
}

// Len returns the number of ports in the range, up to 65536.
func (r PortRange) Len() int {
	return int(r.End) - int(r.Start) + 1
}

func (r PortRange) IsMax() bool {
	return r == MaxPortRange
}

func (r PortRange) Contains(port uint16) bool {
	return r.Start <= port && port <= r.End
}

func (r PortRange) Covers(o PortRange) bool {
	return r.Start <= o.Start && o.End <= r.End
}

func (r PortRange) Overlaps(o PortRange) bool {
	return r.Start <= o.End && o.Start <= r.End
}

func (r PortRange) Intersection(o PortRange) (PortRange, bool) {
	if !r.Overlaps(o) {
		return PortRange{}, false
	}
	return PortRange{Start: max(r.Start, o.Start), End: min(r.End, o.End)}, true
}

// Subtract returns the parts of r not in o: zero, one or two ranges.
func (r PortRange) Subtract(o PortRange) []PortRange {
	if !r.Overlaps(o) {
		return []PortRange{r}
	}
	var out []PortRange
	if r.Start < o.Start {
		out = append(out, PortRange{Start: r.Start, End: o.Start - 1})
	}
	if o.End < r.End {
		out = append(out, PortRange{Start: o.End + 1, End: r.End})
	}
	return out
}

// Merge joins overlapping or adjacent ranges.
func (r PortRange) Merge(o PortRange) (PortRange, bool) {
	left, right := r, o
	if o.Start < r.Start || (o.Start == r.Start && o.End < r.End) {
		left, right = o, r
	}
	if uint32(left.End)+1 < uint32(right.Start) {
		return PortRange{}, false
	}
	return PortRange{Start: left.Start, End: max(left.End, right.End)}, true
}

func (r PortRange) compare(o PortRange) int {
	switch {
	case r.Start != o.Start:
		return cmpUint16(r.Start, o.Start)
	default:
		return cmpUint16(r.End, o.End)
	}
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

func cmpUint16(a, b uint16) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

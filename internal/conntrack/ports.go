package conntrack

import (
	"fmt"
)

// PortSet is the tunnel's listening surface: a base port plus an inclusive
// range of additional per-account ports.
type PortSet struct {
	Base       int
	RangeStart int
	RangeEnd   int
}

// NewPortSet validates the configured ports. A zero range disables the
// additional ports.
func NewPortSet(base, start, end int) (PortSet, error) {
	if base < 1 || base > 65535 {
		return PortSet{}, fmt.Errorf("invalid base port: %d must be within 1-65535", base)
	}
	if start == 0 && end == 0 {
		return PortSet{Base: base}, nil
	}
	if start > end {
		return PortSet{}, fmt.Errorf("invalid port range: start (%d) must be <= end (%d)", start, end)
	}
	if start < 1 || end < 1 {
		return PortSet{}, fmt.Errorf("invalid port range: ports must be >= 1 (start: %d, end: %d)", start, end)
	}
	if end > 65535 {
		return PortSet{}, fmt.Errorf("invalid port range: end port (%d) must be <= 65535", end)
	}
	return PortSet{Base: base, RangeStart: start, RangeEnd: end}, nil
}

func (p PortSet) Contains(port int) bool {
	if port == p.Base {
		return true
	}
	return p.RangeEnd > 0 && port >= p.RangeStart && port <= p.RangeEnd
}

func (p PortSet) String() string {
	if p.RangeEnd == 0 {
		return fmt.Sprintf("%d", p.Base)
	}
	return fmt.Sprintf("%d,%d-%d", p.Base, p.RangeStart, p.RangeEnd)
}

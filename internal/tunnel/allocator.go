package tunnel

import (
	"errors"
	"fmt"
)

// ErrPortRangeExhausted is returned when every port in the allowed
// accept-port range is already assigned.
var ErrPortRangeExhausted = errors.New("accept port range exhausted")

// PortRange is the inclusive range of accept ports the control plane may
// hand out.
type PortRange struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

// Contains reports whether port lies within the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.Min && port <= r.Max
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int {
	if r.Max < r.Min {
		return 0
	}
	return r.Max - r.Min + 1
}

// Validate checks the range is usable.
func (r PortRange) Validate() error {
	if r.Min < 1 || r.Max > 65535 {
		return fmt.Errorf("port range [%d, %d] outside [1, 65535]", r.Min, r.Max)
	}
	if r.Max < r.Min {
		return fmt.Errorf("port range [%d, %d] is empty", r.Min, r.Max)
	}
	return nil
}

// AllocatePort returns the smallest port in the range that is not in use.
// It fails with ErrPortRangeExhausted when the full range is assigned.
func AllocatePort(existing map[int]bool, portRange PortRange) (int, error) {
	for port := portRange.Min; port <= portRange.Max; port++ {
		if !existing[port] {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port in [%d, %d]: %w", portRange.Min, portRange.Max, ErrPortRangeExhausted)
}

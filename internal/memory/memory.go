// Package memory provides a byte-count value type used for both device RAM
// and model storage sizes, following the device/capacity pool modelling
// pattern used throughout the retrieved distributed-systems examples
// (fleet/topology "Memory"-style types) rather than a bare uint64 so that
// addition can saturate instead of wrapping.
package memory

import (
	"fmt"
	"math"
)

// Memory is a saturating byte count. The zero value is zero bytes.
type Memory uint64

// FromBytes constructs a Memory from a raw byte count.
func FromBytes(bytes uint64) Memory { return Memory(bytes) }

// Zero is the identity element for Add.
func Zero() Memory { return 0 }

// Bytes returns the raw byte count.
func (m Memory) Bytes() uint64 { return uint64(m) }

// Add returns m+other, saturating at math.MaxUint64 instead of wrapping.
func (m Memory) Add(other Memory) Memory {
	sum := uint64(m) + uint64(other)
	if sum < uint64(m) { // overflow
		return Memory(math.MaxUint64)
	}
	return Memory(sum)
}

// Cmp returns -1, 0 or 1 as m is less than, equal to, or greater than other.
func (m Memory) Cmp(other Memory) int {
	switch {
	case m < other:
		return -1
	case m > other:
		return 1
	default:
		return 0
	}
}

// GreaterOrEqual reports whether m >= other.
func (m Memory) GreaterOrEqual(other Memory) bool { return m >= other }

// String renders a human-readable size, e.g. "4.0 GiB".
func (m Memory) String() string {
	const unit = 1024
	if m < unit {
		return fmt.Sprintf("%d B", uint64(m))
	}
	div, exp := uint64(unit), 0
	for n := uint64(m) / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(m)/float64(div), "KMGTPE"[exp])
}

// Sum adds a slice of Memory values, saturating.
func Sum(values ...Memory) Memory {
	total := Zero()
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// Package limits decides whether a sandboxed guest may grow its linear
// memory or its tables.
//
// A [Limiter] is consulted by the executor every time a guest asks for more
// memory or more table entries, including the initial sizes declared by the
// module. It only answers yes or no: the runtime turns a "no" into a failed
// invocation.
package limits

import (
	"errors"
	"fmt"
	"math"
)

// DefaultMaxTableEntries is the table ceiling applied when none is configured.
const DefaultMaxTableEntries uint32 = 1000

// PageSize is the size of one WebAssembly memory page in bytes.
const PageSize uint64 = 64 * 1024

// ErrOverflow is returned when a unit conversion does not fit in 64 bits.
var ErrOverflow = errors.New("value overflows uint64")

// Limiter answers growth requests from a running guest.
//
// Implementations must be deterministic: the same request against the same
// limiter always yields the same answer. max is the maximum declared by the
// module itself and is only meaningful when bounded is true.
type Limiter interface {
	MemoryGrowing(current, desired, max uint64, bounded bool) bool
	TableGrowing(current, desired, max uint32, bounded bool) bool
}

// Limits is a fixed-ceiling Limiter.
type Limits struct {
	MaxMemoryBytes  uint64
	MaxTableEntries uint32
}

var _ Limiter = Limits{}

// New returns Limits with the given memory ceiling and the default table
// ceiling.
func New(maxMemoryBytes uint64) Limits {
	return Limits{
		MaxMemoryBytes:  maxMemoryBytes,
		MaxTableEntries: DefaultMaxTableEntries,
	}
}

// MemoryGrowing allows growth iff desired does not exceed MaxMemoryBytes.
func (l Limits) MemoryGrowing(_, desired, _ uint64, _ bool) bool {
	return desired <= l.MaxMemoryBytes
}

// TableGrowing allows growth iff desired does not exceed MaxTableEntries.
func (l Limits) TableGrowing(_, desired, _ uint32, _ bool) bool {
	return desired <= l.MaxTableEntries
}

func (l Limits) String() string {
	return fmt.Sprintf("memory<=%dB tables<=%d", l.MaxMemoryBytes, l.MaxTableEntries)
}

// MegabytesToBytes converts mebibytes, the unit used on the command line,
// to bytes.
func MegabytesToBytes(mb uint64) (uint64, error) {
	const mib = 1024 * 1024
	if mb > math.MaxUint64/mib {
		return 0, fmt.Errorf("%d MB: %w", mb, ErrOverflow)
	}
	return mb * mib, nil
}

// Resource names what a guest tried to grow.
type Resource int

const (
	Memory Resource = iota
	Table
)

func (r Resource) String() string {
	switch r {
	case Memory:
		return "memory"
	case Table:
		return "table"
	default:
		return fmt.Sprintf("resource(%d)", int(r))
	}
}

// Violation describes a growth request a Limiter rejected.
type Violation struct {
	Resource Resource
	Index    uint32
	Current  uint64
	Desired  uint64
}

func (v *Violation) Error() string {
	unit := "bytes"
	if v.Resource == Table {
		unit = "entries"
	}
	return fmt.Sprintf("%s %d growth from %d to %d %s rejected by limiter",
		v.Resource, v.Index, v.Current, v.Desired, unit)
}

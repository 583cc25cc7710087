package limits

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGrowing(t *testing.T) {
	l := New(10 * 1024 * 1024)

	tests := []struct {
		name    string
		desired uint64
		want    bool
	}{
		{"zero", 0, true},
		{"one page", PageSize, true},
		{"exactly at ceiling", 10 * 1024 * 1024, true},
		{"one byte over", 10*1024*1024 + 1, false},
		{"one page over", 10*1024*1024 + PageSize, false},
		{"huge", math.MaxUint64, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, l.MemoryGrowing(0, tt.desired, 0, false))
			// The declared maximum never widens the ceiling.
			assert.Equal(t, tt.want, l.MemoryGrowing(PageSize, tt.desired, math.MaxUint64, true))
		})
	}
}

func TestTableGrowing(t *testing.T) {
	l := New(0)
	assert.Equal(t, DefaultMaxTableEntries, l.MaxTableEntries)

	assert.True(t, l.TableGrowing(0, 0, 0, false))
	assert.True(t, l.TableGrowing(10, 1000, 0, false))
	assert.False(t, l.TableGrowing(1000, 1001, 0, false))
	assert.False(t, l.TableGrowing(0, math.MaxUint32, math.MaxUint32, true))
}

func TestTableCeilingIndependentOfMemory(t *testing.T) {
	l := Limits{MaxMemoryBytes: math.MaxUint64, MaxTableEntries: 5}
	assert.True(t, l.TableGrowing(0, 5, 0, false))
	assert.False(t, l.TableGrowing(0, 6, 0, false))
	assert.True(t, l.MemoryGrowing(0, 1<<40, 0, false))
}

func TestDecisionsAreDeterministic(t *testing.T) {
	l := Limits{MaxMemoryBytes: 3 * PageSize, MaxTableEntries: 7}
	for i := 0; i < 100; i++ {
		require.True(t, l.MemoryGrowing(PageSize, 3*PageSize, 0, false))
		require.False(t, l.MemoryGrowing(PageSize, 4*PageSize, 0, false))
		require.False(t, l.TableGrowing(1, 8, 0, false))
	}
	assert.Equal(t, Limits{MaxMemoryBytes: 3 * PageSize, MaxTableEntries: 7}, l)
}

func TestMegabytesToBytes(t *testing.T) {
	b, err := MegabytesToBytes(10)
	require.NoError(t, err)
	assert.Equal(t, uint64(10485760), b)

	b, err = MegabytesToBytes(0)
	require.NoError(t, err)
	assert.Zero(t, b)

	_, err = MegabytesToBytes(math.MaxUint64)
	assert.True(t, errors.Is(err, ErrOverflow))
}

func TestViolationError(t *testing.T) {
	v := &Violation{Resource: Table, Index: 0, Current: 1, Desired: 2001}
	assert.Equal(t, "table 0 growth from 1 to 2001 entries rejected by limiter", v.Error())

	v = &Violation{Resource: Memory, Current: PageSize, Desired: 2 * PageSize}
	assert.Contains(t, v.Error(), "memory 0 growth")
	assert.Contains(t, v.Error(), "bytes")
}

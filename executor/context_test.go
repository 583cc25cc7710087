package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caffeineduck/wasmbox/internal/meter"
	"github.com/caffeineduck/wasmbox/limits"
)

func testContext(memoryBytes uint64, tableEntries uint32) *execContext {
	lim := limits.Limits{MaxMemoryBytes: memoryBytes, MaxTableEntries: tableEntries}
	return newExecContext(lim, zap.NewNop())
}

func TestStateTransitions(t *testing.T) {
	ec := testContext(0, 0)
	assert.Equal(t, stateCreated, ec.state)

	ec.advance(stateCompiled)
	ec.advance(stateInstantiated)
	ec.advance(stateCompiled)
	assert.Equal(t, stateInstantiated, ec.state, "states are never re-entered")

	ec.advance(stateRunning)
	ec.advance(stateCompleted)
	ec.advance(stateFaulted)
	assert.Equal(t, stateCompleted, ec.state, "terminal states are final")
	assert.Equal(t, "completed", ec.state.String())
}

func TestFaultFromAnyState(t *testing.T) {
	for _, from := range []state{stateCreated, stateCompiled, stateInstantiated, stateRunning} {
		ec := testContext(0, 0)
		ec.state = from
		ec.advance(stateFaulted)
		assert.Equal(t, stateFaulted, ec.state, "from %s", from)
	}
}

func TestLinearMemoryGrowth(t *testing.T) {
	ec := testContext(4*limits.PageSize, 0)
	mem := ec.Allocate(limits.PageSize, 1<<32)

	buf := mem.Reallocate(limits.PageSize)
	require.Len(t, buf, int(limits.PageSize))
	buf[0] = 7

	buf = mem.Reallocate(3 * limits.PageSize)
	require.Len(t, buf, int(3*limits.PageSize))
	assert.Equal(t, byte(7), buf[0], "contents survive growth")
	assert.Equal(t, uint64(3*limits.PageSize), ec.peak)

	assert.Nil(t, mem.Reallocate(5*limits.PageSize))
	require.NotNil(t, ec.violation)
	assert.Equal(t, limits.Violation{
		Resource: limits.Memory,
		Current:  3 * limits.PageSize,
		Desired:  5 * limits.PageSize,
	}, *ec.violation)

	buf = mem.Reallocate(4 * limits.PageSize)
	require.Len(t, buf, int(4*limits.PageSize), "a rejected request does not poison later ones")
	assert.Equal(t, uint64(5*limits.PageSize), ec.violation.Desired, "the first violation is kept")
	mem.Free()
}

func TestLinearMemoryInitialAllocationAlwaysServed(t *testing.T) {
	ec := testContext(0, 0)
	mem := ec.Allocate(limits.PageSize, limits.PageSize)
	assert.Len(t, mem.Reallocate(limits.PageSize), int(limits.PageSize))
	assert.Nil(t, ec.violation)
}

func TestCheckDeclared(t *testing.T) {
	tests := []struct {
		name     string
		memories []meter.Decl
		tables   []meter.Decl
		resource limits.Resource
		ok       bool
	}{
		{name: "nothing declared", ok: true},
		{name: "memory fits", memories: []meter.Decl{{Min: 16}}, ok: true},
		{name: "memory too large", memories: []meter.Decl{{Min: 17}}, resource: limits.Memory},
		{name: "table fits", tables: []meter.Decl{{Min: 10}}, ok: true},
		{name: "second table too large", tables: []meter.Decl{{Min: 1}, {Min: 11}}, resource: limits.Table},
		{name: "table beyond uint32", tables: []meter.Decl{{Min: 1 << 33}}, resource: limits.Table},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := testContext(16*limits.PageSize, 10)
			ec.bind(&meter.Module{Memories: tt.memories, Tables: tt.tables})
			err := ec.checkDeclared()
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.resource, ec.violation.Resource)
		})
	}
}

func TestGrowTable(t *testing.T) {
	ec := testContext(0, 100)
	ec.bind(&meter.Module{Tables: []meter.Decl{{Min: 1}}})

	require.NoError(t, ec.growTable(0, 1, 99))
	require.Error(t, ec.growTable(0, 1, 100))
	assert.Equal(t, uint64(101), ec.violation.Desired)

	ec = testContext(0, 100)
	require.Error(t, ec.growTable(0, 10, 0xffffffff), "overflowing requests are rejected")
}

func TestTableGrowGuard(t *testing.T) {
	ec := testContext(0, 10)
	ctx := withExecContext(context.Background(), ec)

	assert.Equal(t, uint32(5), tableGrowGuard(ctx, 5, 0, 5))
	assert.Panics(t, func() { tableGrowGuard(ctx, 6, 0, 5) })
	assert.PanicsWithValue(t, errNoExecContext, func() { tableGrowGuard(context.Background(), 1, 0, 0) })
}

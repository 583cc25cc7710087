package executor

import (
	"context"
	"errors"
	"math"

	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"

	"github.com/caffeineduck/wasmbox/internal/meter"
	"github.com/caffeineduck/wasmbox/limits"
)

type state int

const (
	stateCreated state = iota
	stateCompiled
	stateInstantiated
	stateRunning
	stateCompleted
	stateFaulted
)

var stateNames = [...]string{"created", "compiled", "instantiated", "running", "completed", "faulted"}

func (s state) String() string {
	return stateNames[s]
}

// execContext is the per-invocation state: the limiter the guest runs
// under, the linear memories it allocated and the first limit it hit.
// It is used from the invoking goroutine only.
type execContext struct {
	limiter limits.Limiter
	log     *zap.Logger
	state   state

	memories []meter.Decl
	tables   []meter.Decl

	allocated int
	peak      uint64
	violation *limits.Violation
}

func newExecContext(limiter limits.Limiter, log *zap.Logger) *execContext {
	return &execContext{limiter: limiter, log: log}
}

// advance moves the invocation forward. Terminal states are final and
// earlier states cannot be re-entered.
func (ec *execContext) advance(to state) {
	if ec.state == stateCompleted || ec.state == stateFaulted || to <= ec.state {
		ec.log.Warn("invalid state transition", zap.Stringer("from", ec.state), zap.Stringer("to", to))
		return
	}
	ec.log.Debug("state transition", zap.Stringer("from", ec.state), zap.Stringer("to", to))
	ec.state = to
}

// bind records the declarations of the module about to be instantiated.
func (ec *execContext) bind(m *meter.Module) {
	ec.memories = m.Memories
	ec.tables = m.Tables
}

// checkDeclared applies the limiter to the initial sizes the module
// declares, before anything is allocated.
func (ec *execContext) checkDeclared() error {
	for i, d := range ec.memories {
		desired := d.Min * limits.PageSize
		if !ec.limiter.MemoryGrowing(0, desired, d.Max*limits.PageSize, d.HasMax) {
			return ec.record(limits.Violation{Resource: limits.Memory, Index: uint32(i), Desired: desired})
		}
	}
	for i, d := range ec.tables {
		if d.Min > math.MaxUint32 || !ec.limiter.TableGrowing(0, uint32(d.Min), uint32(d.Max), d.HasMax) {
			return ec.record(limits.Violation{Resource: limits.Table, Index: uint32(i), Desired: d.Min})
		}
	}
	return nil
}

// record keeps the first violation and returns it.
func (ec *execContext) record(v limits.Violation) *limits.Violation {
	if ec.violation == nil {
		ec.violation = &v
		ec.log.Debug("limit violation", zap.Error(ec.violation))
	}
	return ec.violation
}

// growTable is consulted before every table.grow the guest executes.
func (ec *execContext) growTable(table, size, delta uint32) error {
	desired := uint64(size) + uint64(delta)
	var decl meter.Decl
	if int(table) < len(ec.tables) {
		decl = ec.tables[table]
	}
	if desired > math.MaxUint32 || !ec.limiter.TableGrowing(size, uint32(desired), uint32(decl.Max), decl.HasMax) {
		return ec.record(limits.Violation{Resource: limits.Table, Index: table, Current: uint64(size), Desired: desired})
	}
	return nil
}

// Allocate implements experimental.MemoryAllocator. Memories are allocated
// in index order.
func (ec *execContext) Allocate(_, maxBytes uint64) experimental.LinearMemory {
	idx := ec.allocated
	ec.allocated++
	var decl meter.Decl
	if idx < len(ec.memories) {
		decl = ec.memories[idx]
	}
	return &linearMemory{ec: ec, index: uint32(idx), max: maxBytes, bounded: decl.HasMax}
}

func (ec *execContext) observe(size uint64) {
	if size > ec.peak {
		ec.peak = size
	}
}

// linearMemory backs one guest memory and asks the limiter before every
// growth.
type linearMemory struct {
	ec      *execContext
	index   uint32
	max     uint64
	bounded bool
	buf     []byte
	live    bool
}

// Reallocate implements experimental.LinearMemory. A nil return makes
// memory.grow fail in the guest.
func (m *linearMemory) Reallocate(size uint64) []byte {
	cur := uint64(len(m.buf))
	// The initial size was checked before instantiation and must always
	// be served.
	if m.live && size > cur && !m.ec.limiter.MemoryGrowing(cur, size, m.max, m.bounded) {
		m.ec.record(limits.Violation{Resource: limits.Memory, Index: m.index, Current: cur, Desired: size})
		return nil
	}
	m.live = true
	if size <= uint64(cap(m.buf)) {
		m.buf = m.buf[:size]
	} else {
		m.buf = append(m.buf, make([]byte, size-cur)...)
	}
	m.ec.observe(size)
	return m.buf
}

func (m *linearMemory) Free() {
	m.buf = nil
}

type execContextKey struct{}

// withExecContext returns ctx carrying ec for the table guard and ec as the
// memory allocator for instantiation.
func withExecContext(ctx context.Context, ec *execContext) context.Context {
	ctx = context.WithValue(ctx, execContextKey{}, ec)
	return experimental.WithMemoryAllocator(ctx, ec)
}

func execContextFrom(ctx context.Context) (*execContext, bool) {
	ec, ok := ctx.Value(execContextKey{}).(*execContext)
	return ec, ok
}

var errNoExecContext = errors.New("table guard called outside an invocation")

// tableGrowGuard is exported to instrumented modules as
// wasmbox.table_grow. Panicking with an error traps the guest.
func tableGrowGuard(ctx context.Context, delta, table, size uint32) uint32 {
	ec, ok := execContextFrom(ctx)
	if !ok {
		panic(errNoExecContext)
	}
	if err := ec.growTable(table, size, delta); err != nil {
		panic(err)
	}
	return delta
}

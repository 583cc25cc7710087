// Package meter rewrites WebAssembly binaries so that a host can bound the
// work they do.
//
// An instrumented module carries two extra exported globals. The fuel
// global is decremented at the start of every straight-line segment of
// code by the number of instructions in that segment; when the remaining
// fuel cannot cover a segment the module sets the status global and traps.
// Every loop iteration and every function call passes through at least one
// charge, so a finite fuel budget always terminates the guest.
//
// Modules that grow tables additionally import a guard function from the
// host which is called before every table.grow, so that the host can veto
// the growth. The start function is exported instead of being run at
// instantiation, so the host can seed fuel first.
package meter

import (
	"errors"
	"fmt"
	"strings"
)

// Names added to instrumented modules.
const (
	ReservedPrefix = "__wasmbox_"
	FuelGlobal     = ReservedPrefix + "fuel"
	StatusGlobal   = ReservedPrefix + "status"
	StartFunction  = ReservedPrefix + "start"

	GuardModule    = "wasmbox"
	TableGrowGuard = "table_grow"
)

// Values of the status global.
const (
	StatusOK        uint64 = 0
	StatusOutOfFuel uint64 = 1
)

// ErrReservedName is returned for modules that export a name starting with
// ReservedPrefix or import from GuardModule.
var ErrReservedName = errors.New("name is reserved for instrumentation")

// Decl is a declared memory or table size. Memory sizes are in pages,
// table sizes in entries.
type Decl struct {
	Min      uint64
	Max      uint64
	HasMax   bool
	Imported bool
}

// Module is the result of instrumenting a binary.
type Module struct {
	Binary []byte
	// Memories and Tables are in index-space order, imports first.
	Memories []Decl
	Tables   []Decl
	// HasStart reports whether the start function was moved to the
	// StartFunction export.
	HasStart bool
	// TableGuard reports whether the module imports the table growth guard.
	TableGuard bool
	// ChargePoints is the number of fuel checks inserted.
	ChargePoints int
}

// guardType is (i32 delta, i32 table, i32 size) -> i32 delta.
var guardType = []byte{0x60, 0x03, 0x7f, 0x7f, 0x7f, 0x01, 0x7f}

type rewriter struct {
	funcImports   uint32
	globalImports uint32

	guard    bool
	guardIdx uint32
	fuel     uint32
	status   uint32

	charges int
}

// remap shifts defined functions past the injected import.
func (w *rewriter) remap(idx uint32) uint32 {
	if w.guard && idx >= w.funcImports {
		return idx + 1
	}
	return idx
}

// Instrument parses wasm and returns a metered copy. The input is not
// modified.
func Instrument(wasm []byte) (*Module, error) {
	secs, err := splitSections(wasm)
	if err != nil {
		return nil, err
	}

	m := &Module{}
	w := &rewriter{}

	if sec, ok := secs.find(secImport); ok {
		if err := w.scanImports(sec.payload, m); err != nil {
			return nil, fmt.Errorf("import section: %w", err)
		}
	}
	if sec, ok := secs.find(secTable); ok {
		if err := scanDecls(sec.payload, true, &m.Tables); err != nil {
			return nil, fmt.Errorf("table section: %w", err)
		}
	}
	if sec, ok := secs.find(secMemory); ok {
		if err := scanDecls(sec.payload, false, &m.Memories); err != nil {
			return nil, fmt.Errorf("memory section: %w", err)
		}
	}

	code, hasCode := secs.find(secCode)
	if hasCode {
		if w.guard, err = usesTableGrow(code.payload); err != nil {
			return nil, fmt.Errorf("code section: %w", err)
		}
	}
	m.TableGuard = w.guard

	var definedGlobals uint32
	global, hasGlobals := secs.find(secGlobal)
	if hasGlobals {
		if definedGlobals, _, err = vector(global.payload); err != nil {
			return nil, fmt.Errorf("global section: %w", err)
		}
	}
	w.fuel = w.globalImports + definedGlobals
	w.status = w.fuel + 1

	if w.guard {
		w.guardIdx = w.funcImports
		if secs, err = w.addGuardImport(secs); err != nil {
			return nil, err
		}
	}

	if hasCode {
		payload, err := w.code(code.payload)
		if err != nil {
			return nil, fmt.Errorf("code section: %w", err)
		}
		secs = secs.put(secCode, payload)
	}
	m.ChargePoints = w.charges

	payload, err := w.globals(global.payload)
	if err != nil {
		return nil, fmt.Errorf("global section: %w", err)
	}
	secs = secs.put(secGlobal, payload)

	var start *uint32
	if sec, ok := secs.find(secStart); ok {
		idx, err := newReader(sec.payload).u32()
		if err != nil {
			return nil, fmt.Errorf("start section: %w", err)
		}
		idx = w.remap(idx)
		start = &idx
		m.HasStart = true
		secs = secs.remove(func(s section) bool { return s.id != secStart })
	}

	exports, _ := secs.find(secExport)
	if payload, err = w.exports(exports.payload, start); err != nil {
		return nil, fmt.Errorf("export section: %w", err)
	}
	secs = secs.put(secExport, payload)

	if w.guard {
		if sec, ok := secs.find(secElement); ok {
			payload, err := w.elements(sec.payload)
			if err != nil {
				return nil, fmt.Errorf("element section: %w", err)
			}
			secs = secs.put(secElement, payload)
		}
		// Function names are keyed by index and would now be off by one.
		secs = secs.remove(func(s section) bool {
			return s.id != secCustom || customName(s) != "name"
		})
	}

	m.Binary = secs.encode()
	return m, nil
}

func (w *rewriter) scanImports(payload []byte, m *Module) error {
	n, r, err := vector(payload)
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		mod, err := r.name()
		if err != nil {
			return err
		}
		if mod == GuardModule {
			return fmt.Errorf("import from %q: %w", mod, ErrReservedName)
		}
		if _, err := r.name(); err != nil {
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		switch kind {
		case 0x00:
			w.funcImports++
			_, err = r.u32()
		case 0x01:
			if err = r.skipLEB(); err == nil {
				err = appendDecl(r, true, &m.Tables)
			}
		case 0x02:
			err = appendDecl(r, true, &m.Memories)
		case 0x03:
			w.globalImports++
			if err = r.skipLEB(); err == nil {
				_, err = r.byte()
			}
		case 0x04:
			if _, err = r.byte(); err == nil {
				_, err = r.u32()
			}
		default:
			return fmt.Errorf("invalid import kind 0x%x", kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func scanDecls(payload []byte, table bool, out *[]Decl) error {
	n, r, err := vector(payload)
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		if table {
			if err := r.skipLEB(); err != nil {
				return err
			}
		}
		if err := appendDecl(r, false, out); err != nil {
			return err
		}
	}
	return nil
}

func appendDecl(r *reader, imported bool, out *[]Decl) error {
	lo, hi, hasMax, err := r.limits()
	if err != nil {
		return err
	}
	*out = append(*out, Decl{Min: lo, Max: hi, HasMax: hasMax, Imported: imported})
	return nil
}

func usesTableGrow(payload []byte) (bool, error) {
	n, r, err := vector(payload)
	if err != nil {
		return false, err
	}
	for i := uint32(0); i < n; i++ {
		size, err := r.u32()
		if err != nil {
			return false, err
		}
		body, err := r.bytes(int(size))
		if err != nil {
			return false, err
		}
		br := newReader(body)
		if err := skipLocals(br); err != nil {
			return false, fmt.Errorf("function %d: %w", i, err)
		}
		for !br.eof() {
			in, err := next(br)
			if err != nil {
				return false, fmt.Errorf("function %d: %w", i, err)
			}
			if in.isTableGrow() {
				return true, nil
			}
		}
	}
	return false, nil
}

func skipLocals(r *reader) error {
	groups, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < groups; i++ {
		if _, err := r.u32(); err != nil {
			return err
		}
		if err := r.skipLEB(); err != nil {
			return err
		}
	}
	return nil
}

func (w *rewriter) addGuardImport(secs sections) (sections, error) {
	var types []byte
	if sec, ok := secs.find(secType); ok {
		types = sec.payload
	}
	typeIdx := uint32(0)
	if types != nil {
		n, _, err := vector(types)
		if err != nil {
			return nil, fmt.Errorf("type section: %w", err)
		}
		typeIdx = n
	}
	payload, err := appendVector(types, 1, guardType)
	if err != nil {
		return nil, fmt.Errorf("type section: %w", err)
	}
	secs = secs.put(secType, payload)

	entry := appendName(nil, GuardModule)
	entry = appendName(entry, TableGrowGuard)
	entry = append(entry, 0x00)
	entry = appendU32(entry, typeIdx)

	var imports []byte
	if sec, ok := secs.find(secImport); ok {
		imports = sec.payload
	}
	if payload, err = appendVector(imports, 1, entry); err != nil {
		return nil, fmt.Errorf("import section: %w", err)
	}
	return secs.put(secImport, payload), nil
}

func (w *rewriter) code(payload []byte) ([]byte, error) {
	n, r, err := vector(payload)
	if err != nil {
		return nil, err
	}
	out := appendU32(nil, n)
	for i := uint32(0); i < n; i++ {
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		body, err := r.bytes(int(size))
		if err != nil {
			return nil, err
		}
		metered, err := w.body(body)
		if err != nil {
			return nil, fmt.Errorf("function %d: %w", i, err)
		}
		out = appendU32(out, uint32(len(metered)))
		out = append(out, metered...)
	}
	if !r.eof() {
		return nil, errors.New("trailing bytes")
	}
	return out, nil
}

// body meters one function body.
func (w *rewriter) body(body []byte) ([]byte, error) {
	r := newReader(body)
	if err := skipLocals(r); err != nil {
		return nil, err
	}
	out := append([]byte(nil), body[:r.pos]...)

	var seg []byte
	var cost uint64
	flush := func() {
		if cost > 0 {
			out = w.charge(out, cost)
			out = append(out, seg...)
		}
		seg = seg[:0]
		cost = 0
	}
	for !r.eof() {
		in, err := next(r)
		if err != nil {
			return nil, err
		}
		if err := w.checkGlobal(in); err != nil {
			return nil, err
		}
		seg = w.emit(seg, in)
		cost++
		if in.endsSegment() {
			flush()
		}
	}
	flush()
	return out, nil
}

// checkGlobal rejects references to globals the module does not define,
// which would otherwise resolve to the fuel and status globals.
func (w *rewriter) checkGlobal(in instr) error {
	if in.refersToGlobal() && in.idx >= w.fuel {
		return fmt.Errorf("global index %d out of range", in.idx)
	}
	return nil
}

// charge appends:
//
//	global.get $fuel
//	i64.const cost
//	i64.lt_u
//	if
//	  i32.const 1
//	  global.set $status
//	  unreachable
//	end
//	global.get $fuel
//	i64.const cost
//	i64.sub
//	global.set $fuel
func (w *rewriter) charge(b []byte, cost uint64) []byte {
	w.charges++
	b = append(b, opGlobalGet)
	b = appendU32(b, w.fuel)
	b = append(b, opI64Const)
	b = appendS64(b, int64(cost))
	b = append(b, opI64LtU, opIf, blockTypeEmpty, opI32Const)
	b = appendS64(b, int64(StatusOutOfFuel))
	b = append(b, opGlobalSet)
	b = appendU32(b, w.status)
	b = append(b, opUnreachable, opEnd, opGlobalGet)
	b = appendU32(b, w.fuel)
	b = append(b, opI64Const)
	b = appendS64(b, int64(cost))
	b = append(b, opI64Sub, opGlobalSet)
	return appendU32(b, w.fuel)
}

// emit appends in, with function indices shifted and table.grow guarded.
func (w *rewriter) emit(b []byte, in instr) []byte {
	if !w.guard {
		return append(b, in.raw...)
	}
	switch {
	case in.refersToFunc():
		b = append(b, in.op)
		return appendU32(b, w.remap(in.idx))
	case in.isTableGrow():
		// [ref delta] -> [ref delta table size] -> guard -> [ref delta]
		b = append(b, opI32Const)
		b = appendS64(b, int64(int32(in.idx)))
		b = append(b, opMiscPrefix)
		b = appendU32(b, miscTableSize)
		b = appendU32(b, in.idx)
		b = append(b, opCall)
		b = appendU32(b, w.guardIdx)
		return append(b, in.raw...)
	}
	return append(b, in.raw...)
}

// constExpr copies a constant expression up to and including its end.
func (w *rewriter) constExpr(r *reader, out []byte) ([]byte, error) {
	for {
		in, err := next(r)
		if err != nil {
			return nil, err
		}
		if in.isTableGrow() {
			return nil, errors.New("table.grow in constant expression")
		}
		if err := w.checkGlobal(in); err != nil {
			return nil, err
		}
		out = w.emit(out, in)
		if in.op == opEnd {
			return out, nil
		}
	}
}

// globals appends the fuel and status globals, both mutable and zero.
func (w *rewriter) globals(payload []byte) ([]byte, error) {
	added := []byte{
		0x7e, 0x01, opI64Const, 0x00, opEnd, // fuel: mut i64
		0x7f, 0x01, opI32Const, 0x00, opEnd, // status: mut i32
	}
	if !w.guard || payload == nil {
		return appendVector(payload, 2, added)
	}
	n, r, err := vector(payload)
	if err != nil {
		return nil, err
	}
	out := appendU32(nil, n+2)
	for i := uint32(0); i < n; i++ {
		start := r.pos
		if err := r.skipLEB(); err != nil {
			return nil, err
		}
		if _, err := r.byte(); err != nil {
			return nil, err
		}
		out = append(out, r.buf[start:r.pos]...)
		if out, err = w.constExpr(r, out); err != nil {
			return nil, err
		}
	}
	return append(out, added...), nil
}

func (w *rewriter) exports(payload []byte, start *uint32) ([]byte, error) {
	var n uint32
	var out []byte
	if payload != nil {
		count, r, err := vector(payload)
		if err != nil {
			return nil, err
		}
		n = count
		for i := uint32(0); i < n; i++ {
			name, err := r.name()
			if err != nil {
				return nil, err
			}
			if strings.HasPrefix(name, ReservedPrefix) {
				return nil, fmt.Errorf("export %q: %w", name, ErrReservedName)
			}
			kind, err := r.byte()
			if err != nil {
				return nil, err
			}
			idx, err := r.u32()
			if err != nil {
				return nil, err
			}
			if kind == 0x00 {
				idx = w.remap(idx)
			}
			out = appendName(out, name)
			out = append(out, kind)
			out = appendU32(out, idx)
		}
	}

	n += 2
	out = appendName(out, FuelGlobal)
	out = append(out, 0x03)
	out = appendU32(out, w.fuel)
	out = appendName(out, StatusGlobal)
	out = append(out, 0x03)
	out = appendU32(out, w.status)
	if start != nil {
		n++
		out = appendName(out, StartFunction)
		out = append(out, 0x00)
		out = appendU32(out, *start)
	}
	return append(appendU32(nil, n), out...), nil
}

// elements shifts function indices in element segments.
func (w *rewriter) elements(payload []byte) ([]byte, error) {
	n, r, err := vector(payload)
	if err != nil {
		return nil, err
	}
	out := appendU32(nil, n)
	for i := uint32(0); i < n; i++ {
		flags, err := r.u32()
		if err != nil {
			return nil, err
		}
		if flags > 7 {
			return nil, fmt.Errorf("segment %d: invalid flags %d", i, flags)
		}
		out = appendU32(out, flags)
		explicitTable := flags&0x02 != 0 && flags&0x01 == 0
		active := flags&0x01 == 0
		exprs := flags&0x04 != 0

		if explicitTable {
			idx, err := r.u32()
			if err != nil {
				return nil, err
			}
			out = appendU32(out, idx)
		}
		if active {
			if out, err = w.constExpr(r, out); err != nil {
				return nil, err
			}
		}
		// Flags 0 and 4 have neither an element kind nor a reference type.
		if flags&0x03 != 0 {
			b, err := r.byte()
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		}

		count, err := r.u32()
		if err != nil {
			return nil, err
		}
		out = appendU32(out, count)
		for j := uint32(0); j < count; j++ {
			if exprs {
				if out, err = w.constExpr(r, out); err != nil {
					return nil, err
				}
				continue
			}
			idx, err := r.u32()
			if err != nil {
				return nil, err
			}
			out = appendU32(out, w.remap(idx))
		}
	}
	if !r.eof() {
		return nil, errors.New("trailing bytes")
	}
	return out, nil
}

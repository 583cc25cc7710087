// Package wasmtest assembles small WebAssembly binaries for tests.
//
//	b := wasmtest.New()
//	add := b.Func(wasmtest.Sig(wasmtest.I32, wasmtest.I32), wasmtest.Sig(wasmtest.I32), nil,
//	    wasmtest.LocalGet(0), wasmtest.LocalGet(1), wasmtest.I32Add)
//	b.Export("add", add)
//	wasm := b.Bytes()
package wasmtest

import "encoding/binary"

// Value and reference types.
const (
	I32       byte = 0x7f
	I64       byte = 0x7e
	F32       byte = 0x7d
	F64       byte = 0x7c
	FuncRef   byte = 0x70
	ExternRef byte = 0x6f
)

// Export kinds.
const (
	KindFunc   byte = 0x00
	KindTable  byte = 0x01
	KindMemory byte = 0x02
	KindGlobal byte = 0x03
)

// Builder accumulates the sections of one module. Imports must be added
// before any function is defined.
type Builder struct {
	types       [][]byte
	imports     [][]byte
	funcImports uint32
	funcs       []uint32
	bodies      [][]byte
	tables      [][]byte
	memories    [][]byte
	globals     [][]byte
	exports     [][]byte
	start       *uint32
	elems       [][]byte
	data        [][]byte
	customs     [][]byte
}

func New() *Builder {
	return &Builder{}
}

// Sig is shorthand for a list of value types.
func Sig(types ...byte) []byte {
	return types
}

// Type returns the index of the function type, adding it if needed.
func (b *Builder) Type(params, results []byte) uint32 {
	enc := []byte{0x60}
	enc = vec(enc, len(params), params)
	enc = vec(enc, len(results), results)
	for i, t := range b.types {
		if string(t) == string(enc) {
			return uint32(i)
		}
	}
	b.types = append(b.types, enc)
	return uint32(len(b.types) - 1)
}

// ImportFunc adds a function import and returns its index.
func (b *Builder) ImportFunc(module, name string, params, results []byte) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: imports must precede functions")
	}
	typ := b.Type(params, results)
	enc := appendName(nil, module)
	enc = appendName(enc, name)
	enc = append(enc, KindFunc)
	enc = u32(enc, typ)
	b.imports = append(b.imports, enc)
	b.funcImports++
	return b.funcImports - 1
}

// ImportMemory adds a memory import.
func (b *Builder) ImportMemory(module, name string, pages uint32) {
	enc := appendName(nil, module)
	enc = appendName(enc, name)
	enc = append(enc, KindMemory)
	enc = limits(enc, pages, 0, false)
	b.imports = append(b.imports, enc)
}

// Func defines a function and returns its index. locals lists one value
// type per local. The trailing end is appended automatically.
func (b *Builder) Func(params, results, locals []byte, code ...[]byte) uint32 {
	b.funcs = append(b.funcs, b.Type(params, results))

	body := u32(nil, uint32(len(locals)))
	for _, l := range locals {
		body = append(body, 0x01, l)
	}
	for _, c := range code {
		body = append(body, c...)
	}
	body = append(body, 0x0b)
	b.bodies = append(b.bodies, body)
	return b.funcImports + uint32(len(b.funcs)) - 1
}

// Export exports a function.
func (b *Builder) Export(name string, idx uint32) *Builder {
	return b.ExportKind(name, KindFunc, idx)
}

func (b *Builder) ExportKind(name string, kind byte, idx uint32) *Builder {
	enc := appendName(nil, name)
	enc = append(enc, kind)
	b.exports = append(b.exports, u32(enc, idx))
	return b
}

// Memory declares a memory in pages.
func (b *Builder) Memory(lo, hi uint32, hasMax bool) *Builder {
	b.memories = append(b.memories, limits(nil, lo, hi, hasMax))
	return b
}

// Table declares a table and returns its index.
func (b *Builder) Table(ref byte, lo, hi uint32, hasMax bool) uint32 {
	b.tables = append(b.tables, limits([]byte{ref}, lo, hi, hasMax))
	return uint32(len(b.tables) - 1)
}

// Global declares a global initialised with expr, which must not include
// the trailing end.
func (b *Builder) Global(typ byte, mutable bool, expr ...[]byte) uint32 {
	enc := []byte{typ, 0x00}
	if mutable {
		enc[1] = 0x01
	}
	for _, c := range expr {
		enc = append(enc, c...)
	}
	b.globals = append(b.globals, append(enc, 0x0b))
	return uint32(len(b.globals) - 1)
}

// Start sets the start function.
func (b *Builder) Start(idx uint32) *Builder {
	b.start = &idx
	return b
}

// Elem adds an active segment for table 0 at offset.
func (b *Builder) Elem(offset int32, funcs ...uint32) *Builder {
	enc := []byte{0x00}
	enc = append(enc, I32Const(offset)...)
	enc = append(enc, 0x0b)
	enc = u32(enc, uint32(len(funcs)))
	for _, f := range funcs {
		enc = u32(enc, f)
	}
	b.elems = append(b.elems, enc)
	return b
}

// Data adds an active segment for memory 0 at offset.
func (b *Builder) Data(offset int32, content []byte) *Builder {
	enc := []byte{0x00}
	enc = append(enc, I32Const(offset)...)
	enc = append(enc, 0x0b)
	enc = u32(enc, uint32(len(content)))
	b.data = append(b.data, append(enc, content...))
	return b
}

// Custom appends a custom section.
func (b *Builder) Custom(name string, payload []byte) *Builder {
	b.customs = append(b.customs, append(appendName(nil, name), payload...))
	return b
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	out = section(out, 1, b.types)
	out = section(out, 2, b.imports)
	if len(b.funcs) > 0 {
		var idx [][]byte
		for _, t := range b.funcs {
			idx = append(idx, u32(nil, t))
		}
		out = section(out, 3, idx)
	}
	out = section(out, 4, b.tables)
	out = section(out, 5, b.memories)
	out = section(out, 6, b.globals)
	out = section(out, 7, b.exports)
	if b.start != nil {
		out = append(out, 8)
		payload := u32(nil, *b.start)
		out = u32(out, uint32(len(payload)))
		out = append(out, payload...)
	}
	out = section(out, 9, b.elems)
	if len(b.bodies) > 0 {
		var sized [][]byte
		for _, body := range b.bodies {
			sized = append(sized, append(u32(nil, uint32(len(body))), body...))
		}
		out = section(out, 10, sized)
	}
	out = section(out, 11, b.data)
	for _, c := range b.customs {
		out = append(out, 0)
		out = u32(out, uint32(len(c)))
		out = append(out, c...)
	}
	return out
}

func section(out []byte, id byte, entries [][]byte) []byte {
	if len(entries) == 0 {
		return out
	}
	payload := u32(nil, uint32(len(entries)))
	for _, e := range entries {
		payload = append(payload, e...)
	}
	out = append(out, id)
	out = u32(out, uint32(len(payload)))
	return append(out, payload...)
}

func limits(out []byte, lo, hi uint32, hasMax bool) []byte {
	if !hasMax {
		return u32(append(out, 0x00), lo)
	}
	return u32(u32(append(out, 0x01), lo), hi)
}

func vec(out []byte, n int, items []byte) []byte {
	return append(u32(out, uint32(n)), items...)
}

func appendName(out []byte, s string) []byte {
	return append(u32(out, uint32(len(s))), s...)
}

func u32(out []byte, v uint32) []byte {
	return binary.AppendUvarint(out, uint64(v))
}

func s64(out []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(out, c)
		}
		out = append(out, c|0x80)
	}
}

package executor_test

import (
	w "github.com/caffeineduck/wasmbox/internal/wasmtest"
)

var (
	i32  = w.Sig(w.I32)
	i32s = w.Sig(w.I32, w.I32)
)

// addModule exports add(a, b) = a + b and sub(a, b) = a - b.
func addModule() []byte {
	b := w.New()
	add := b.Func(i32s, i32, nil, w.LocalGet(0), w.LocalGet(1), w.I32Add)
	sub := b.Func(i32s, i32, nil, w.LocalGet(0), w.LocalGet(1), w.I32Sub)
	b.Export("add", add).Export("sub", sub)
	return b.Bytes()
}

// invalidModule decodes but does not validate: add pops from an empty stack.
func invalidModule() []byte {
	b := w.New()
	add := b.Func(i32s, i32, nil, w.I32Add)
	b.Export("add", add)
	return b.Bytes()
}

// sumModule exports sum(n) = n + (n-1) + ... + 1.
func sumModule() []byte {
	b := w.New()
	sum := b.Func(i32, i32, i32,
		w.Block, w.Loop,
		w.LocalGet(0), w.I32Eqz, w.BrIf(1),
		w.LocalGet(1), w.LocalGet(0), w.I32Add, w.LocalSet(1),
		w.LocalGet(0), w.I32Const(1), w.I32Sub, w.LocalSet(0),
		w.Br(0),
		w.End, w.End,
		w.LocalGet(1))
	b.Export("sum", sum)
	return b.Bytes()
}

// spinModule exports spin, which never returns.
func spinModule() []byte {
	b := w.New()
	spin := b.Func(nil, i32, nil, w.Loop, w.Br(0), w.End, w.I32Const(0))
	b.Export("spin", spin)
	return b.Bytes()
}

// memoryModule has one page of memory without a declared maximum and
// exports:
//
//	grow(n)    memory.grow result, -1 on failure
//	must(n)    grows by n pages or traps, returns the new size
//	oob()      loads past the end of memory
func memoryModule() []byte {
	b := w.New()
	b.Memory(1, 0, false)
	grow := b.Func(i32, i32, nil, w.LocalGet(0), w.MemoryGrow)
	must := b.Func(i32, i32, nil,
		w.LocalGet(0), w.MemoryGrow, w.I32Const(0), w.I32LtS,
		w.If, w.Unreachable, w.End,
		w.MemorySize)
	oob := b.Func(nil, i32, nil, w.I32Const(1<<17), w.I32Load(0))
	b.Export("grow", grow).Export("must", must).Export("oob", oob)
	return b.Bytes()
}

// boundedMemoryModule declares memory with min and max pages and exports
// grow(n).
func boundedMemoryModule(lo, hi uint32) []byte {
	b := w.New()
	b.Memory(lo, hi, true)
	grow := b.Func(i32, i32, nil, w.LocalGet(0), w.MemoryGrow)
	b.Export("grow", grow)
	return b.Bytes()
}

// tableModule has a funcref table with the given initial size and exports
// grow(n), returning the previous size.
func tableModule(initial uint32) []byte {
	b := w.New()
	b.Table(w.FuncRef, initial, 0, false)
	grow := b.Func(i32, i32, nil, w.RefNull(w.FuncRef), w.LocalGet(0), w.TableGrow(0))
	b.Export("grow", grow)
	return b.Bytes()
}

// trapModule exports boom, which executes unreachable.
func trapModule() []byte {
	b := w.New()
	boom := b.Func(nil, i32, nil, w.Unreachable)
	b.Export("boom", boom)
	return b.Bytes()
}

// startModule sets a global to 42 from its start function and exports
// get() returning it.
func startModule() []byte {
	b := w.New()
	g := b.Global(w.I32, true, w.I32Const(0))
	start := b.Func(nil, nil, nil, w.I32Const(42), w.GlobalSet(g))
	get := b.Func(nil, i32, nil, w.GlobalGet(g))
	b.Start(start)
	b.Export("get", get)
	return b.Bytes()
}

// startModuleWith runs code as the start function and exports get() = 0.
func startModuleWith(code ...[]byte) []byte {
	b := w.New()
	start := b.Func(nil, nil, nil, code...)
	get := b.Func(nil, i32, nil, w.I32Const(0))
	b.Start(start)
	b.Export("get", get)
	return b.Bytes()
}

// importModule needs a host function the sandbox does not provide.
func importModule() []byte {
	b := w.New()
	log := b.ImportFunc("env", "log", i32, nil)
	run := b.Func(nil, i32, nil, w.I32Const(1), w.Call(log), w.I32Const(0))
	b.Export("run", run)
	return b.Bytes()
}

// signatureModule exports functions the sandbox cannot call.
func signatureModule() []byte {
	b := w.New()
	wide := b.Func(w.Sig(w.I64), i32, nil, w.I32Const(0))
	void := b.Func(i32, nil, nil)
	pair := b.Func(nil, w.Sig(w.I32, w.I32), nil, w.I32Const(1), w.I32Const(2))
	long := b.Func(nil, w.Sig(w.I64), nil, w.I64Const(1))
	b.Export("wide", wide).Export("void", void).Export("pair", pair).Export("long", long)
	return b.Bytes()
}

// dataModule has an active data segment past the end of its memory.
func dataModule() []byte {
	b := w.New()
	b.Memory(1, 0, false)
	b.Data(70000, []byte("x"))
	get := b.Func(nil, i32, nil, w.I32Const(0))
	b.Export("get", get)
	return b.Bytes()
}

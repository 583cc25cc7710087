package meter

import "fmt"

// Opcodes the rewriter cares about.
const (
	opUnreachable        byte = 0x00
	opBlock              byte = 0x02
	opLoop               byte = 0x03
	opIf                 byte = 0x04
	opElse               byte = 0x05
	opEnd                byte = 0x0b
	opBr                 byte = 0x0c
	opBrIf               byte = 0x0d
	opBrTable            byte = 0x0e
	opReturn             byte = 0x0f
	opCall               byte = 0x10
	opCallIndirect       byte = 0x11
	opReturnCall         byte = 0x12
	opReturnCallIndirect byte = 0x13
	opSelectTyped        byte = 0x1c
	opGlobalGet          byte = 0x23
	opGlobalSet          byte = 0x24
	opI32Const           byte = 0x41
	opI64Const           byte = 0x42
	opF32Const           byte = 0x43
	opF64Const           byte = 0x44
	opI64LtU             byte = 0x54
	opI64Sub             byte = 0x7d
	opRefNull            byte = 0xd0
	opRefIsNull          byte = 0xd1
	opRefFunc            byte = 0xd2
	opMiscPrefix         byte = 0xfc
	opSIMDPrefix         byte = 0xfd
	opAtomicPrefix       byte = 0xfe

	blockTypeEmpty byte = 0x40

	miscTableGrow uint32 = 15
	miscTableSize uint32 = 16
)

// instr is one decoded instruction. raw aliases the input.
type instr struct {
	op  byte
	sub uint32
	// idx is the function index of call, return_call and ref.func, the
	// global index of global.get and global.set, or the table index of
	// table.grow.
	idx uint32
	raw []byte
}

// refersToFunc reports whether idx holds a function index.
func (in instr) refersToFunc() bool {
	return in.op == opCall || in.op == opReturnCall || in.op == opRefFunc
}

func (in instr) refersToGlobal() bool {
	return in.op == opGlobalGet || in.op == opGlobalSet
}

func (in instr) isTableGrow() bool {
	return in.op == opMiscPrefix && in.sub == miscTableGrow
}

// endsSegment reports whether a new straight-line segment starts after in.
func (in instr) endsSegment() bool {
	switch in.op {
	case opUnreachable, opBlock, opLoop, opIf, opElse, opEnd,
		opBr, opBrIf, opBrTable, opReturn, opReturnCall, opReturnCallIndirect:
		return true
	}
	return false
}

// next decodes the instruction at the reader position.
func next(r *reader) (instr, error) {
	start := r.pos
	op, err := r.byte()
	if err != nil {
		return instr{}, err
	}
	in := instr{op: op}
	if err := immediates(r, &in); err != nil {
		return instr{}, fmt.Errorf("opcode 0x%02x at offset %d: %w", op, start, err)
	}
	in.raw = r.buf[start:r.pos]
	return in, nil
}

func immediates(r *reader, in *instr) error {
	var err error
	switch op := in.op; {
	case op == opUnreachable, op == 0x01, op == opElse, op == opEnd, op == opReturn,
		op == 0x1a, op == 0x1b, op == opRefIsNull:
		return nil
	case op == opBlock, op == opLoop, op == opIf:
		return r.skipLEB()
	case op == opBr, op == opBrIf:
		_, err = r.u32()
	case op == opBrTable:
		var n uint32
		if n, err = r.u32(); err != nil {
			return err
		}
		for i := uint32(0); i <= n; i++ {
			if _, err = r.u32(); err != nil {
				return err
			}
		}
	case op == opCall, op == opReturnCall, op == opRefFunc:
		in.idx, err = r.u32()
	case op == opCallIndirect, op == opReturnCallIndirect:
		err = skipU32s(r, 2)
	case op == opSelectTyped:
		var n uint32
		if n, err = r.u32(); err != nil {
			return err
		}
		_, err = r.bytes(int(n))
	case op == opGlobalGet, op == opGlobalSet:
		in.idx, err = r.u32()
	case op >= 0x20 && op <= 0x26:
		// local.get through table.set
		_, err = r.u32()
	case op >= 0x28 && op <= 0x3e:
		err = memarg(r)
	case op == 0x3f, op == 0x40:
		// memory.size, memory.grow
		_, err = r.u32()
	case op == opI32Const, op == opI64Const:
		err = r.skipLEB()
	case op == opF32Const:
		_, err = r.bytes(4)
	case op == opF64Const:
		_, err = r.bytes(8)
	case op >= 0x45 && op <= 0xc4:
		return nil
	case op == opRefNull:
		err = r.skipLEB()
	case op == opMiscPrefix:
		err = miscImmediates(r, in)
	case op == opSIMDPrefix:
		err = simdImmediates(r, in)
	case op == opAtomicPrefix:
		err = atomicImmediates(r, in)
	default:
		return fmt.Errorf("unsupported opcode")
	}
	return err
}

func miscImmediates(r *reader, in *instr) error {
	sub, err := r.u32()
	if err != nil {
		return err
	}
	in.sub = sub
	switch {
	case sub <= 7:
		// saturating truncation
		return nil
	case sub == 8, sub == 10, sub == 12, sub == 14:
		// memory.init, memory.copy, table.init, table.copy
		return skipU32s(r, 2)
	case sub == 9, sub == 11, sub == 13, sub == 16, sub == 17:
		return skipU32s(r, 1)
	case sub == miscTableGrow:
		in.idx, err = r.u32()
		return err
	default:
		return fmt.Errorf("unsupported 0xfc opcode %d", sub)
	}
}

func simdImmediates(r *reader, in *instr) error {
	sub, err := r.u32()
	if err != nil {
		return err
	}
	in.sub = sub
	switch {
	case sub <= 11, sub == 92, sub == 93:
		return memarg(r)
	case sub == 12, sub == 13:
		// v128.const, i8x16.shuffle
		_, err = r.bytes(16)
		return err
	case sub >= 21 && sub <= 34:
		// extract and replace lane
		_, err = r.byte()
		return err
	case sub >= 84 && sub <= 91:
		// load and store lane
		if err := memarg(r); err != nil {
			return err
		}
		_, err = r.byte()
		return err
	case sub <= 0xff:
		return nil
	default:
		return fmt.Errorf("unsupported 0xfd opcode %d", sub)
	}
}

func atomicImmediates(r *reader, in *instr) error {
	sub, err := r.u32()
	if err != nil {
		return err
	}
	in.sub = sub
	if sub == 3 {
		// atomic.fence
		_, err = r.byte()
		return err
	}
	if sub > 0x4e {
		return fmt.Errorf("unsupported 0xfe opcode %d", sub)
	}
	return memarg(r)
}

func memarg(r *reader) error {
	align, err := r.u32()
	if err != nil {
		return err
	}
	if align&0x40 != 0 {
		// explicit memory index
		if _, err := r.u32(); err != nil {
			return err
		}
	}
	return r.skipLEB()
}

func skipU32s(r *reader, n int) error {
	for i := 0; i < n; i++ {
		if _, err := r.u32(); err != nil {
			return err
		}
	}
	return nil
}

package wasmtest

// Instructions without immediates.
var (
	Unreachable = []byte{0x00}
	Nop         = []byte{0x01}
	Else        = []byte{0x05}
	End         = []byte{0x0b}
	Return      = []byte{0x0f}
	Drop        = []byte{0x1a}
	I32Eqz      = []byte{0x45}
	I32LtS      = []byte{0x48}
	I32GtS      = []byte{0x4a}
	I32Add      = []byte{0x6a}
	I32Sub      = []byte{0x6b}
	I32Mul      = []byte{0x6c}
	MemorySize  = []byte{0x3f, 0x00}
	MemoryGrow  = []byte{0x40, 0x00}
)

// Block, Loop and If open a construct with an empty block type.
var (
	Block = []byte{0x02, 0x40}
	Loop  = []byte{0x03, 0x40}
	If    = []byte{0x04, 0x40}
)

// BlockResult opens a block producing one value of type t.
func BlockResult(t byte) []byte { return []byte{0x02, t} }

// IfResult opens an if producing one value of type t.
func IfResult(t byte) []byte { return []byte{0x04, t} }

func Br(depth uint32) []byte   { return u32([]byte{0x0c}, depth) }
func BrIf(depth uint32) []byte { return u32([]byte{0x0d}, depth) }

// BrTable branches to targets[i] or to def when the operand is out of range.
func BrTable(def uint32, targets ...uint32) []byte {
	out := u32([]byte{0x0e}, uint32(len(targets)))
	for _, t := range targets {
		out = u32(out, t)
	}
	return u32(out, def)
}

func Call(idx uint32) []byte { return u32([]byte{0x10}, idx) }

func CallIndirect(typ, table uint32) []byte {
	return u32(u32([]byte{0x11}, typ), table)
}

func LocalGet(idx uint32) []byte  { return u32([]byte{0x20}, idx) }
func LocalSet(idx uint32) []byte  { return u32([]byte{0x21}, idx) }
func LocalTee(idx uint32) []byte  { return u32([]byte{0x22}, idx) }
func GlobalGet(idx uint32) []byte { return u32([]byte{0x23}, idx) }
func GlobalSet(idx uint32) []byte { return u32([]byte{0x24}, idx) }

// I32Load loads with natural alignment at the given static offset.
func I32Load(offset uint32) []byte  { return u32([]byte{0x28, 0x02}, offset) }
func I32Store(offset uint32) []byte { return u32([]byte{0x36, 0x02}, offset) }

func I32Const(v int32) []byte { return s64([]byte{0x41}, int64(v)) }
func I64Const(v int64) []byte { return s64([]byte{0x42}, v) }

func RefNull(t byte) []byte     { return []byte{0xd0, t} }
func RefFunc(idx uint32) []byte { return u32([]byte{0xd2}, idx) }

func TableGrow(table uint32) []byte { return u32([]byte{0xfc, 15}, table) }
func TableSize(table uint32) []byte { return u32([]byte{0xfc, 16}, table) }

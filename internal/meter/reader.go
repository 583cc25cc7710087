package meter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var errUnexpectedEOF = errors.New("unexpected end of input")

// reader walks a byte slice of WebAssembly binary encoding.
type reader struct {
	buf []byte
	pos int
}

func newReader(b []byte) *reader {
	return &reader{buf: b}
}

func (r *reader) eof() bool {
	return r.pos >= len(r.buf)
}

func (r *reader) byte() (byte, error) {
	if r.eof() {
		return 0, errUnexpectedEOF
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || len(r.buf)-r.pos < n {
		return nil, errUnexpectedEOF
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// u32 reads an unsigned LEB128 value that must fit in 32 bits.
func (r *reader) u32() (uint32, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	switch {
	case n == 0:
		return 0, errUnexpectedEOF
	case n < 0 || n > 5 || v > math.MaxUint32:
		return 0, fmt.Errorf("malformed u32 at offset %d", r.pos)
	}
	r.pos += n
	return uint32(v), nil
}

// skipLEB skips one LEB128 value of either signedness. Single byte type
// codes such as block types and value types are skipped the same way.
func (r *reader) skipLEB() error {
	for i := 0; i < 10; i++ {
		b, err := r.byte()
		if err != nil {
			return err
		}
		if b&0x80 == 0 {
			return nil
		}
	}
	return fmt.Errorf("malformed LEB128 at offset %d", r.pos)
}

// name reads a length-prefixed UTF-8 name.
func (r *reader) name() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// limits reads a limits structure and reports the minimum, the maximum and
// whether a maximum is present.
func (r *reader) limits() (lo, hi uint64, hasMax bool, err error) {
	flag, err := r.byte()
	if err != nil {
		return 0, 0, false, err
	}
	if flag > 0x07 {
		return 0, 0, false, fmt.Errorf("invalid limits flag 0x%x", flag)
	}
	if lo, err = r.uleb64(); err != nil {
		return 0, 0, false, err
	}
	if flag&0x01 != 0 {
		if hi, err = r.uleb64(); err != nil {
			return 0, 0, false, err
		}
		hasMax = true
	}
	return lo, hi, hasMax, nil
}

func (r *reader) uleb64() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	switch {
	case n == 0:
		return 0, errUnexpectedEOF
	case n < 0:
		return 0, fmt.Errorf("malformed u64 at offset %d", r.pos)
	}
	r.pos += n
	return v, nil
}

func appendU32(b []byte, v uint32) []byte {
	return binary.AppendUvarint(b, uint64(v))
}

// appendS64 appends v in signed LEB128.
func appendS64(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

func appendName(b []byte, s string) []byte {
	b = appendU32(b, uint32(len(s)))
	return append(b, s...)
}

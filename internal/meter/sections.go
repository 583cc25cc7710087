package meter

import (
	"bytes"
	"errors"
	"fmt"
)

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// Section ids.
const (
	secCustom    byte = 0
	secType      byte = 1
	secImport    byte = 2
	secFunction  byte = 3
	secTable     byte = 4
	secMemory    byte = 5
	secGlobal    byte = 6
	secExport    byte = 7
	secStart     byte = 8
	secElement   byte = 9
	secCode      byte = 10
	secData      byte = 11
	secDataCount byte = 12
	secTag       byte = 13
)

// sectionOrder is the position of each non-custom section in a valid
// binary.
var sectionOrder = map[byte]int{
	secType:      1,
	secImport:    2,
	secFunction:  3,
	secTable:     4,
	secMemory:    5,
	secTag:       6,
	secGlobal:    7,
	secExport:    8,
	secStart:     9,
	secElement:   10,
	secDataCount: 11,
	secCode:      12,
	secData:      13,
}

type section struct {
	id      byte
	payload []byte
}

type sections []section

func splitSections(wasm []byte) (sections, error) {
	if len(wasm) < len(wasmHeader) || !bytes.Equal(wasm[:len(wasmHeader)], wasmHeader) {
		return nil, errors.New("invalid magic number or version")
	}
	r := newReader(wasm[len(wasmHeader):])
	var out sections
	last := 0
	for !r.eof() {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.u32()
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", id, err)
		}
		payload, err := r.bytes(int(size))
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", id, err)
		}
		if id != secCustom {
			order, ok := sectionOrder[id]
			if !ok {
				return nil, fmt.Errorf("unknown section id %d", id)
			}
			if order <= last {
				return nil, fmt.Errorf("section %d out of order", id)
			}
			last = order
		}
		out = append(out, section{id: id, payload: payload})
	}
	return out, nil
}

func (s sections) find(id byte) (section, bool) {
	for _, sec := range s {
		if sec.id == id {
			return sec, true
		}
	}
	return section{}, false
}

// put replaces the section with the given id, or inserts it at its ordered
// position.
func (s sections) put(id byte, payload []byte) sections {
	for i := range s {
		if s[i].id == id {
			s[i].payload = payload
			return s
		}
	}
	at := len(s)
	for i, sec := range s {
		if sec.id != secCustom && sectionOrder[sec.id] > sectionOrder[id] {
			at = i
			break
		}
	}
	s = append(s, section{})
	copy(s[at+1:], s[at:])
	s[at] = section{id: id, payload: payload}
	return s
}

func (s sections) remove(keep func(section) bool) sections {
	out := s[:0]
	for _, sec := range s {
		if keep(sec) {
			out = append(out, sec)
		}
	}
	return out
}

func (s sections) encode() []byte {
	out := append([]byte(nil), wasmHeader...)
	for _, sec := range s {
		out = append(out, sec.id)
		out = appendU32(out, uint32(len(sec.payload)))
		out = append(out, sec.payload...)
	}
	return out
}

// customName returns the name of a custom section.
func customName(sec section) string {
	name, err := newReader(sec.payload).name()
	if err != nil {
		return ""
	}
	return name
}

// vector splits a vector payload into its element count and the bytes
// that follow.
func vector(payload []byte) (uint32, *reader, error) {
	r := newReader(payload)
	n, err := r.u32()
	return n, r, err
}

// appendVector re-encodes a vector payload with extra elements appended.
func appendVector(payload []byte, extra uint32, elems []byte) ([]byte, error) {
	n := uint32(0)
	var rest []byte
	if payload != nil {
		count, r, err := vector(payload)
		if err != nil {
			return nil, err
		}
		n = count
		rest = r.buf[r.pos:]
	}
	out := appendU32(nil, n+extra)
	out = append(out, rest...)
	return append(out, elems...), nil
}

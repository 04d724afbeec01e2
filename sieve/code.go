package sieve

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Operand type bytes.
const (
	operandNumber byte = iota + 1
	operandString
	operandStringList
	operandOffset
)

const offsetSize = 1 + 4

func appendNumber(b []byte, n int64) []byte {
	b = append(b, operandNumber)
	return binary.AppendVarint(b, n)
}

func appendString(b []byte, s string) []byte {
	b = append(b, operandString)
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

func appendStringList(b []byte, ss []string) []byte {
	b = append(b, operandStringList)
	b = binary.AppendUvarint(b, uint64(len(ss)))
	for _, s := range ss {
		b = binary.AppendUvarint(b, uint64(len(s)))
		b = append(b, s...)
	}
	return b
}

func appendOffset(b []byte, off int32) []byte {
	b = append(b, operandOffset)
	return binary.LittleEndian.AppendUint32(b, uint32(off))
}

// codeReader decodes operands from an instruction stream.
type codeReader struct {
	code []byte
	pc   int
}

func (r *codeReader) expect(typ byte) error {
	if r.pc >= len(r.code) {
		return ErrTruncatedOperand
	}
	if got := r.code[r.pc]; got != typ {
		return fmt.Errorf("%w: operand type %#02x, want %#02x", ErrCorruptOperand, got, typ)
	}
	r.pc++
	return nil
}

func (r *codeReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.code[r.pc:])
	switch {
	case n == 0:
		return 0, ErrTruncatedOperand
	case n < 0:
		return 0, fmt.Errorf("%w: varint overflow", ErrCorruptOperand)
	}
	r.pc += n
	return v, nil
}

func (r *codeReader) rawString() (string, error) {
	n, err := r.uvarint()
	if err != nil {
		return "", err
	}
	if n > uint64(len(r.code)-r.pc) {
		return "", ErrTruncatedOperand
	}
	s := string(r.code[r.pc : r.pc+int(n)])
	r.pc += int(n)
	return s, nil
}

func (r *codeReader) readNumber() (int64, error) {
	if err := r.expect(operandNumber); err != nil {
		return 0, err
	}
	v, n := binary.Varint(r.code[r.pc:])
	switch {
	case n == 0:
		return 0, ErrTruncatedOperand
	case n < 0:
		return 0, fmt.Errorf("%w: varint overflow", ErrCorruptOperand)
	}
	r.pc += n
	return v, nil
}

func (r *codeReader) readString() (string, error) {
	if err := r.expect(operandString); err != nil {
		return "", err
	}
	return r.rawString()
}

func (r *codeReader) readStringList() ([]string, error) {
	if err := r.expect(operandStringList); err != nil {
		return nil, err
	}
	count, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	// Every member takes at least one byte.
	if count > uint64(len(r.code)-r.pc) {
		return nil, ErrTruncatedOperand
	}
	list := make([]string, 0, int(count))
	for range count {
		s, err := r.rawString()
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, nil
}

func (r *codeReader) readOffset() (int, error) {
	if err := r.expect(operandOffset); err != nil {
		return 0, err
	}
	if len(r.code)-r.pc < 4 {
		return 0, ErrTruncatedOperand
	}
	off := int32(binary.LittleEndian.Uint32(r.code[r.pc:]))
	r.pc += 4
	return int(off), nil
}

func checkOffset(off int) error {
	if off <= 0 || off > math.MaxInt32 {
		return fmt.Errorf("%w: offset %d", ErrJumpOutOfRange, off)
	}
	return nil
}
